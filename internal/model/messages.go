package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MsgHeader carries a content digest and a send timestamp that every wire
// message is wrapped with, signed by the sender.
type MsgHeader struct {
	ID          uuid.UUID
	TimestampMs int64
	Hash        [32]byte
}

// MsgWithHeader is the outer envelope every peer-network message travels
// in: a validator-signed header plus the logical payload.
type MsgWithHeader struct {
	Header    MsgHeader
	HeaderSig []byte
	Signer    ValidatorPublicKey
	Kind      MsgKind
	Payload   json.RawMessage
}

// NewMsgHeader builds a header for the given encoded payload at the current
// time, leaving signing to the caller.
func NewMsgHeader(payload []byte, now time.Time) MsgHeader {
	return MsgHeader{
		ID:          uuid.New(),
		TimestampMs: now.UnixMilli(),
		Hash:        ContentDigest(payload),
	}
}

// MsgKind discriminates the logical payload carried by a MsgWithHeader.
type MsgKind string

const (
	KindDataProposal MsgKind = "data_proposal"
	KindDataVote     MsgKind = "data_vote"
	KindPoDAUpdate   MsgKind = "poda_update"
	KindSyncRequest  MsgKind = "sync_request"
	KindSyncReply    MsgKind = "sync_reply"

	KindPrepare    MsgKind = "prepare"
	KindPrepareVote MsgKind = "prepare_vote"
	KindConfirm    MsgKind = "confirm"
	KindConfirmAck MsgKind = "confirm_ack"
	KindCommit     MsgKind = "commit"
	KindTimeout    MsgKind = "timeout"
)

// --- Mempool payloads ---

// DataProposalMsg announces a new DP; Hash must equal content hash of DP.
type DataProposalMsg struct {
	LaneId LaneId
	Hash   DataProposalHash
	DP     DataProposal
}

// DataVoteMsg carries a single DA signature over a known DP.
type DataVoteMsg struct {
	LaneId LaneId
	Vote   ValidatorDAG
}

// PoDAUpdateMsg shares a batch of collected DA signatures for a DP, helping
// peers reach aggregation without re-requesting them individually.
type PoDAUpdateMsg struct {
	LaneId     LaneId
	DPHash     DataProposalHash
	Signatures []ValidatorDAG
}

// SyncRequestMsg asks a lane owner (or any peer) to fill a gap in a lane
// between two hashes, exclusive of From.
type SyncRequestMsg struct {
	LaneId LaneId
	From   *DataProposalHash
	To     *DataProposalHash
}

// SyncReplyEntry is one (metadata, DP) pair returned by a SyncReply.
type SyncReplyEntry struct {
	Hash     DataProposalHash
	Metadata LaneEntryMetadata
	DP       DataProposal
}

// SyncReplyMsg answers a SyncRequestMsg with a contiguous run of entries.
type SyncReplyMsg struct {
	LaneId  LaneId
	Entries []SyncReplyEntry
}

// --- Consensus payloads ---

// PrepareMsg is the leader's slot-opening broadcast.
type PrepareMsg struct {
	Proposal ConsensusProposal
	Ticket   Ticket
	View     uint64
}

// PrepareVoteMsg is a follower's signed vote for a proposal hash. Signature
// is taken over the Prepare-marked QuorumCertificate signing payload, not
// the raw hash, so it aggregates directly into a Prepare-QC.
type PrepareVoteMsg struct {
	ProposalHash ConsensusProposalHash
	Signature    []byte
}

// ConfirmMsg carries the aggregated Prepare-QC onward to followers.
type ConfirmMsg struct {
	QC           QuorumCertificate
	ProposalHash ConsensusProposalHash
}

// ConfirmAckMsg is a follower's signed acknowledgement of a Confirm.
// Signature is taken over the Confirm-marked QC signing payload.
type ConfirmAckMsg struct {
	ProposalHash ConsensusProposalHash
	Signature    []byte
}

// CommitMsg carries the aggregated Commit-QC.
type CommitMsg struct {
	QC           QuorumCertificate
	ProposalHash ConsensusProposalHash
}

// TimeoutMsg is a signed vote that the sender gave up on (Slot, View).
// Signature is taken over the Timeout-marked QC signing payload.
type TimeoutMsg struct {
	Slot      uint64
	View      uint64
	Signature []byte
}
