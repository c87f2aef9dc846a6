package model

import (
	"encoding/binary"

	"lukechampine.com/blake3"
)

func newHasher() *blake3.Hasher {
	return blake3.New(32, nil)
}

func writeOptionalHash(h *blake3.Hasher, hash *DataProposalHash) {
	if hash == nil {
		h.Write([]byte{0})
		return
	}
	h.Write([]byte{1})
	h.Write(hash[:])
}

// HashDataProposal computes the content-addressed hash of a DataProposal:
// stable over its parent link and ordered transaction list.
func HashDataProposal(dp *DataProposal) DataProposalHash {
	h := newHasher()
	writeOptionalHash(h, dp.Parent)
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(dp.Txs)))
	h.Write(lenBuf[:])
	for _, tx := range dp.Txs {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(tx)))
		h.Write(lenBuf[:])
		h.Write(tx)
	}
	var out DataProposalHash
	copy(out[:], h.Sum(nil))
	return out
}

// HashConsensusProposal computes the content-addressed hash of a
// ConsensusProposal over its slot, cut, staking actions, timestamp and
// parent hash.
func HashConsensusProposal(p *ConsensusProposal) ConsensusProposalHash {
	h := newHasher()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], p.Slot)
	h.Write(buf[:])
	sorted := p.Cut.SortByLane()
	binary.BigEndian.PutUint64(buf[:], uint64(len(sorted)))
	h.Write(buf[:])
	for _, e := range sorted {
		h.Write(e.LaneId[:])
		h.Write(e.DPHash[:])
		binary.BigEndian.PutUint64(buf[:], uint64(e.CumulSize))
		h.Write(buf[:])
	}
	binary.BigEndian.PutUint64(buf[:], uint64(len(p.StakingActions)))
	h.Write(buf[:])
	for _, a := range p.StakingActions {
		h.Write([]byte{byte(a.Kind)})
		h.Write(a.Validator[:])
		h.Write(a.LaneId[:])
		binary.BigEndian.PutUint64(buf[:], uint64(a.CumulSize))
		h.Write(buf[:])
	}
	binary.BigEndian.PutUint64(buf[:], uint64(p.Timestamp.UnixNano()))
	h.Write(buf[:])
	h.Write(p.ParentHash[:])
	var out ConsensusProposalHash
	copy(out[:], h.Sum(nil))
	return out
}

// ContentDigest computes a generic content digest of an arbitrary encoded
// payload, used for MsgHeader.Hash verification (header.hash must equal
// content_digest_of(msg)).
func ContentDigest(payload []byte) [32]byte {
	h := newHasher()
	h.Write(payload)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
