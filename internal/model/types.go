// Package model defines the data shared between the consensus and mempool
// engines: validator identities, the per-lane data proposal chain, cuts,
// consensus proposals, tickets and quorum certificates.
package model

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"sort"
	"time"
)

// ValidatorPublicKey is the opaque byte identity of a validator. Equality of
// the underlying bytes defines lane ownership.
type ValidatorPublicKey [33]byte

func (k ValidatorPublicKey) String() string { return hex.EncodeToString(k[:]) }

// Bytes returns the key as a slice, useful for map keys and signing payloads.
func (k ValidatorPublicKey) Bytes() []byte { return k[:] }

func (k ValidatorPublicKey) Less(other ValidatorPublicKey) bool {
	return bytes.Compare(k[:], other[:]) < 0
}

// LaneId identifies a lane. There is exactly one lane per validator, so a
// LaneId is a ValidatorPublicKey by another name.
type LaneId = ValidatorPublicKey

// DataProposalHash is the content-addressed identifier of a DataProposal.
type DataProposalHash [32]byte

func (h DataProposalHash) String() string { return hex.EncodeToString(h[:]) }

func (h DataProposalHash) IsZero() bool { return h == DataProposalHash{} }

// ConsensusProposalHash is the content-addressed identifier of a
// ConsensusProposal.
type ConsensusProposalHash [32]byte

func (h ConsensusProposalHash) String() string { return hex.EncodeToString(h[:]) }

// LaneBytesSize is the monotonically non-decreasing cumulative byte count of
// a lane up to and including a given DataProposal.
type LaneBytesSize uint64

// Transaction is an opaque, already-serialized transaction body. Execution
// semantics belong to node-state and are out of scope here.
type Transaction []byte

// DataProposal is one link in a validator's lane chain.
type DataProposal struct {
	Parent *DataProposalHash // nil for the genesis entry of a lane
	Txs    []Transaction
}

// Size returns the byte size of the proposal's transaction payload, used to
// compute LaneBytesSize increments.
func (dp *DataProposal) Size() LaneBytesSize {
	var n int
	for _, tx := range dp.Txs {
		n += len(tx)
	}
	return LaneBytesSize(n)
}

// Hash returns the content-addressed hash of the proposal.
func (dp *DataProposal) Hash() DataProposalHash {
	return HashDataProposal(dp)
}

// ValidatorDAG is a Data-Availability-Guarantee signature: a validator's
// signature over (DataProposalHash, LaneBytesSize), meaning "I commit to
// making this DP available at this lane position."
type ValidatorDAG struct {
	Signer    ValidatorPublicKey
	DPHash    DataProposalHash
	CumulSize LaneBytesSize
	Signature []byte
}

// SigningPayload returns the canonical bytes a ValidatorDAG signs over.
func (v ValidatorDAG) SigningPayload() []byte {
	buf := make([]byte, 0, 32+8)
	buf = append(buf, v.DPHash[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(v.CumulSize))
	return buf
}

// PoDA is an aggregated signature built from a set of ValidatorDAGs whose
// combined voting power exceeds 2f.
type PoDA struct {
	DPHash    DataProposalHash
	CumulSize LaneBytesSize
	Signers   []ValidatorPublicKey
	AggSig    []byte
}

// LaneEntryMetadata is the persisted envelope around a stored DataProposal:
// its parent link, cumulative size, and collected DA signatures.
type LaneEntryMetadata struct {
	Parent     *DataProposalHash
	CumulSize  LaneBytesSize
	Signatures []ValidatorDAG
}

// HasSigner reports whether signer already appears in Signatures.
func (m *LaneEntryMetadata) HasSigner(signer ValidatorPublicKey) bool {
	for _, s := range m.Signatures {
		if s.Signer == signer {
			return true
		}
	}
	return false
}

// CutEntry is one lane's contribution to a Cut.
type CutEntry struct {
	LaneId    LaneId
	DPHash    DataProposalHash
	CumulSize LaneBytesSize
	PoDA      PoDA
}

// Cut is the consensus-level snapshot of what each lane has made available:
// at most one entry per lane, ordered by LaneId.
type Cut []CutEntry

// SortByLane returns a copy of the cut sorted by LaneId, as required by
// handle_querynewcut's output contract.
func (c Cut) SortByLane() Cut {
	out := make(Cut, len(c))
	copy(out, c)
	sort.Slice(out, func(i, j int) bool { return out[i].LaneId.Less(out[j].LaneId) })
	return out
}

// Equal reports whether two cuts select the same (lane, dp hash) pairs,
// ignoring PoDA contents — used to detect an "empty" cut query (cut ==
// parent_cut) during leader backoff.
func (c Cut) Equal(other Cut) bool {
	if len(c) != len(other) {
		return false
	}
	a, b := c.SortByLane(), other.SortByLane()
	for i := range a {
		if a[i].LaneId != b[i].LaneId || a[i].DPHash != b[i].DPHash {
			return false
		}
	}
	return true
}

// StakingActionKind distinguishes the two staking action variants a
// ConsensusProposal may carry.
type StakingActionKind int

const (
	StakingActionBond StakingActionKind = iota
	StakingActionPayFeesForDaDi
)

// StakingAction is one entry of a ConsensusProposal's staking_actions list.
type StakingAction struct {
	Kind      StakingActionKind
	Validator ValidatorPublicKey // bonding candidate, for StakingActionBond
	LaneId    LaneId             // for StakingActionPayFeesForDaDi
	CumulSize LaneBytesSize      // for StakingActionPayFeesForDaDi
}

// ConsensusProposal is the leader's proposed content for a slot.
type ConsensusProposal struct {
	Slot           uint64
	Cut            Cut
	StakingActions []StakingAction
	Timestamp      time.Time
	ParentHash     ConsensusProposalHash
}

// Hash returns the content-addressed hash of the proposal.
func (p *ConsensusProposal) Hash() ConsensusProposalHash {
	return HashConsensusProposal(p)
}

// TicketKind distinguishes the three ways a node may be authorized to start
// a slot.
type TicketKind int

const (
	TicketGenesis TicketKind = iota
	TicketCommitQC
	TicketTimeoutQC
)

// Ticket is the right to start a slot.
type Ticket struct {
	Kind TicketKind
	QC   *QuorumCertificate // nil for TicketGenesis
}

// Marker distinguishes the phase a QuorumCertificate attests to. It is part
// of the signed payload (not metadata) so a Prepare-QC can never be
// mistaken for a Confirm-QC.
type Marker uint8

const (
	MarkerPrepare Marker = iota
	MarkerConfirm
	MarkerTimeout
)

// QuorumCertificate is an aggregated signature over a marker-tagged tuple,
// proving more than 2f voting power agreed on a specific phase outcome.
type QuorumCertificate struct {
	ProposalHash ConsensusProposalHash
	Marker       Marker
	Signers      []ValidatorPublicKey
	AggSig       []byte
	// Slot/View record the round the QC was built in. Only a Timeout-marked
	// QC includes them in its SigningPayload; Prepare/Confirm QCs are
	// identified by ProposalHash alone.
	Slot uint64
	View uint64
}

// SigningPayload returns the canonical bytes a QC's component signatures
// are taken over: the marker is embedded directly in the payload.
func (qc *QuorumCertificate) SigningPayload() []byte {
	buf := make([]byte, 0, 32+1+16)
	buf = append(buf, qc.ProposalHash[:]...)
	buf = append(buf, byte(qc.Marker))
	if qc.Marker == MarkerTimeout {
		buf = binary.BigEndian.AppendUint64(buf, qc.Slot)
		buf = binary.BigEndian.AppendUint64(buf, qc.View)
	}
	return buf
}

// StateTag is the node's role within the current (slot, view).
type StateTag int

const (
	StateJoining StateTag = iota
	StateLeader
	StateFollower
)

func (s StateTag) String() string {
	switch s {
	case StateLeader:
		return "leader"
	case StateFollower:
		return "follower"
	default:
		return "joining"
	}
}

// LeaderSubState is the leader role's sub-state machine position.
type LeaderSubState int

const (
	LeaderStartNewSlot LeaderSubState = iota
	LeaderPrepareVote
	LeaderConfirmAck
)

// FollowerSubState is the follower role's sub-state machine position.
type FollowerSubState int

const (
	FollowerWaitingPrepare FollowerSubState = iota
	FollowerWaitingConfirm
	FollowerWaitingCommit
)

// CommitConsensusProposal is what consensus hands back to mempool once a
// proposal commits: enough to let mempool prune lanes and update its
// staking view without holding a reference to consensus state.
type CommitConsensusProposal struct {
	Slot           uint64
	Cut            Cut
	StakingActions []StakingAction
	ProposalHash   ConsensusProposalHash
}

// BftRoundState is the full state of one node's consensus round.
type BftRoundState struct {
	Slot             uint64
	View             uint64
	ParentHash       ConsensusProposalHash
	ParentCut        Cut
	CurrentProposal  *ConsensusProposal
	StateTag         StateTag
	LeaderSubState   LeaderSubState
	FollowerSubState FollowerSubState
	PendingTicket    *Ticket
}
