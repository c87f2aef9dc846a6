package bftcrypto

import (
	"crypto/sha256"
	"fmt"

	"github.com/rechain/bftcore/internal/model"
)

// FakeSigner is a deterministic, non-cryptographic Signer for tests: it
// never needs a working secp256k1 curve and produces byte-identical
// signatures across runs for the same (key, msg) pair, which makes
// dedup/replay test assertions trivial to write.
type FakeSigner struct {
	pub model.ValidatorPublicKey
}

// NewFakeSigner derives a deterministic identity from seed, useful for
// building a fixed validator set in tests.
func NewFakeSigner(seed byte) *FakeSigner {
	var pub model.ValidatorPublicKey
	pub[0] = seed
	digest := sha256.Sum256([]byte{seed})
	copy(pub[1:], digest[:len(pub)-1])
	return &FakeSigner{pub: pub}
}

func (f *FakeSigner) PublicKey() model.ValidatorPublicKey { return f.pub }

func (f *FakeSigner) Sign(msg []byte) ([]byte, error) {
	h := sha256.New()
	h.Write(f.pub[:])
	h.Write(msg)
	return h.Sum(nil), nil
}

func (f *FakeSigner) Verify(msg, sig []byte, pubkey model.ValidatorPublicKey) bool {
	h := sha256.New()
	h.Write(pubkey[:])
	h.Write(msg)
	expected := h.Sum(nil)
	if len(sig) != len(expected) {
		return false
	}
	for i := range sig {
		if sig[i] != expected[i] {
			return false
		}
	}
	return true
}

func (f *FakeSigner) SignAggregate(msg []byte, sigs []SignedComponent) (AggregatedSignature, error) {
	out := AggregatedSignature{}
	for _, c := range sigs {
		if !f.Verify(msg, c.Signature, c.Signer) {
			return AggregatedSignature{}, fmt.Errorf("aggregate: component signature from %s does not verify", c.Signer)
		}
		out.Signers = append(out.Signers, c.Signer)
		out.Sigs = append(out.Sigs, c.Signature)
	}
	return out, nil
}

func (f *FakeSigner) VerifyAggregate(msg []byte, agg AggregatedSignature) bool {
	return FakeVerifyAggregate(msg, agg)
}

// FakeVerifyAggregate verifies an AggregatedSignature produced by
// FakeSigners, independent of which signer instance produced it.
func FakeVerifyAggregate(msg []byte, agg AggregatedSignature) bool {
	if len(agg.Signers) != len(agg.Sigs) || len(agg.Signers) == 0 {
		return false
	}
	seen := make(map[model.ValidatorPublicKey]bool, len(agg.Signers))
	for i, signer := range agg.Signers {
		if seen[signer] {
			return false
		}
		seen[signer] = true
		f := &FakeSigner{pub: signer}
		if !f.Verify(msg, agg.Sigs[i], signer) {
			return false
		}
	}
	return true
}
