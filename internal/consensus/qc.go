package consensus

import (
	"fmt"

	"github.com/rechain/bftcore/internal/bftcrypto"
	"github.com/rechain/bftcore/internal/model"
	"github.com/rechain/bftcore/internal/quorum"
	"github.com/rechain/bftcore/pkg/errs"
)

// votePayload returns the exact bytes a PrepareVote/ConfirmAck/Timeout
// signature is taken over: a throwaway QuorumCertificate's own signing
// payload for the given marker. Using the same helper to sign and to later
// verify/aggregate guarantees the bytes always match, per the marker-tagged
// tuple design note.
func votePayload(hash model.ConsensusProposalHash, marker model.Marker, slot, view uint64) []byte {
	qc := model.QuorumCertificate{ProposalHash: hash, Marker: marker, Slot: slot, View: view}
	return qc.SigningPayload()
}

// buildQC aggregates the accumulated signatures for key into a quorum
// certificate. Callers must have already confirmed the key crosses
// threshold.
func (e *Engine) buildQC(key quorum.Key) (model.QuorumCertificate, error) {
	components := e.quorum.Components(key)
	payload := votePayload(key.Hash, key.Marker, key.Slot, key.View)
	agg, err := e.signer.SignAggregate(payload, components)
	if err != nil {
		return model.QuorumCertificate{}, fmt.Errorf("build quorum certificate: %w", err)
	}
	encoded, err := bftcrypto.EncodeSigs(agg.Sigs)
	if err != nil {
		return model.QuorumCertificate{}, err
	}
	return model.QuorumCertificate{
		ProposalHash: key.Hash,
		Marker:       key.Marker,
		Signers:      agg.Signers,
		AggSig:       encoded,
		Slot:         key.Slot,
		View:         key.View,
	}, nil
}

// verifyQC checks that qc's aggregate verifies against its own signing
// payload and that its signers cross threshold under the current staking
// view.
func (e *Engine) verifyQC(qc *model.QuorumCertificate) bool {
	sigs, err := bftcrypto.DecodeSigs(qc.AggSig)
	if err != nil {
		return false
	}
	agg := bftcrypto.AggregatedSignature{Signers: qc.Signers, Sigs: sigs}
	if !e.signer.VerifyAggregate(qc.SigningPayload(), agg) {
		return false
	}
	return e.view.CrossesThreshold(qc.Signers)
}

// validateTicketLocked checks ticket authorizes starting (proposal.Slot,
// view) against the node's remembered round state. Callers hold e.mu.
func (e *Engine) validateTicketLocked(ticket model.Ticket, proposal model.ConsensusProposal, view uint64) error {
	switch ticket.Kind {
	case model.TicketGenesis:
		return nil

	case model.TicketCommitQC:
		if ticket.QC == nil || ticket.QC.Marker != model.MarkerConfirm {
			return fmt.Errorf("%w: commit ticket missing confirm-marked qc", errs.Fatal)
		}
		if ticket.QC.ProposalHash != e.state.ParentHash {
			return fmt.Errorf("%w: commit ticket qc does not match parent proposal", errs.Fatal)
		}
		if !e.verifyQC(ticket.QC) {
			return fmt.Errorf("%w: commit ticket qc fails to verify", errs.Fatal)
		}
		return nil

	case model.TicketTimeoutQC:
		if ticket.QC == nil || ticket.QC.Marker != model.MarkerTimeout {
			return fmt.Errorf("%w: timeout ticket missing timeout-marked qc", errs.Fatal)
		}
		if view == 0 || ticket.QC.Slot != proposal.Slot || ticket.QC.View != view-1 {
			return fmt.Errorf("%w: timeout ticket qc does not match previous view", errs.Fatal)
		}
		if !e.verifyQC(ticket.QC) {
			return fmt.Errorf("%w: timeout ticket qc fails to verify", errs.Fatal)
		}
		return nil

	default:
		return fmt.Errorf("%w: unknown ticket kind", errs.Fatal)
	}
}

// validateCutLocked checks that every entry of cut carries a PoDA that
// verifies against its (dp_hash, cumul_size) payload and crosses 2f voting
// power. This needs no access to lane storage: a PoDA is self-contained.
func (e *Engine) validateCutLocked(cut model.Cut) bool {
	for _, entry := range cut {
		sigs, err := bftcrypto.DecodeSigs(entry.PoDA.AggSig)
		if err != nil {
			return false
		}
		agg := bftcrypto.AggregatedSignature{Signers: entry.PoDA.Signers, Sigs: sigs}
		payload := model.ValidatorDAG{DPHash: entry.DPHash, CumulSize: entry.CumulSize}.SigningPayload()
		if !e.signer.VerifyAggregate(payload, agg) {
			return false
		}
		if !e.view.CrossesThreshold(entry.PoDA.Signers) {
			return false
		}
	}
	return true
}
