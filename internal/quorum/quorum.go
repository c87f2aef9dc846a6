// Package quorum accumulates signed consensus votes keyed by
// (slot, view, hash, marker), deduplicating by signer and reporting when the
// accumulated voting power crosses the BFT threshold (> 2f). The
// accumulation itself is a grow-only signer set: adding the same signer
// twice is idempotent, which is exactly invariant 6 (receiving the same
// vote twice yields identical internal state) and mirrors the add-wins
// merge of an Observed-Removed Set with the removal half dropped, since
// consensus votes are never retracted once cast. DA signatures on lane
// entries are not tallied here; the mempool engine keeps them in each
// entry's lane metadata.
package quorum

import (
	"sync"

	"github.com/rechain/bftcore/internal/bftcrypto"
	"github.com/rechain/bftcore/internal/model"
	"github.com/rechain/bftcore/internal/staking"
)

// Key identifies one quorum-in-progress: a (slot, view, proposal hash,
// marker) tuple. PrepareVote, ConfirmAck and Timeout tallies never collide
// because Marker is part of the key, matching the spec's marker-tagged
// tuple requirement.
type Key struct {
	Slot   uint64
	View   uint64
	Hash   model.ConsensusProposalHash
	Marker model.Marker
}

type signerEntry struct {
	sig []byte
}

// Accumulator is a signer-deduplicated, grow-only tally of signatures per
// Key. Safe for concurrent use from the engine's event loop and worker
// completions.
type Accumulator struct {
	mu    sync.Mutex
	votes map[Key]map[model.ValidatorPublicKey]signerEntry
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{votes: make(map[Key]map[model.ValidatorPublicKey]signerEntry)}
}

// Add records signer's signature for key. Returns false if signer had
// already voted for this key (idempotent re-add, invariant 6), true if this
// is a new signer.
func (a *Accumulator) Add(key Key, signer model.ValidatorPublicKey, sig []byte) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	set, ok := a.votes[key]
	if !ok {
		set = make(map[model.ValidatorPublicKey]signerEntry)
		a.votes[key] = set
	}
	if _, exists := set[signer]; exists {
		return false
	}
	set[signer] = signerEntry{sig: sig}
	return true
}

// Signers returns the current signer set for key, in no particular order.
func (a *Accumulator) Signers(key Key) []model.ValidatorPublicKey {
	a.mu.Lock()
	defer a.mu.Unlock()
	set := a.votes[key]
	out := make([]model.ValidatorPublicKey, 0, len(set))
	for signer := range set {
		out = append(out, signer)
	}
	return out
}

// Components returns the signer/signature pairs for key, suitable input to
// Signer.SignAggregate.
func (a *Accumulator) Components(key Key) []bftcrypto.SignedComponent {
	a.mu.Lock()
	defer a.mu.Unlock()
	set := a.votes[key]
	out := make([]bftcrypto.SignedComponent, 0, len(set))
	for signer, e := range set {
		out = append(out, bftcrypto.SignedComponent{Signer: signer, Signature: e.sig})
	}
	return out
}

// CrossesThreshold reports whether the accumulated signers for key carry
// more than 2f voting power under view.
func (a *Accumulator) CrossesThreshold(key Key, view *staking.View) bool {
	return view.CrossesThreshold(a.Signers(key))
}

// Count returns the number of distinct signers accumulated for key.
func (a *Accumulator) Count(key Key) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.votes[key])
}

// Forget discards all tallies for a given slot, called once that slot
// commits, to bound memory growth.
func (a *Accumulator) Forget(slot uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k := range a.votes {
		if k.Slot == slot {
			delete(a.votes, k)
		}
	}
}
