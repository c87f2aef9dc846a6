// Package bftcrypto implements the abstract signing/aggregation interface
// both engines share: sign, verify, sign_aggregate, verify_aggregate. Real
// cryptographic primitives beyond this interface are out of scope; the
// concrete implementation here is ECDSA over secp256k1 via go-ethereum,
// with "aggregation" modeled as a verified signer-bitmap rather than a true
// BLS aggregate signature (the pack carries no working BLS implementation —
// see DESIGN.md).
package bftcrypto

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rechain/bftcore/internal/model"
)

// Signer is the capability handed to both engines at construction. A single
// signing authority backs one validator identity; implementations must be
// safe for concurrent use, or serialized through a dedicated worker.
type Signer interface {
	PublicKey() model.ValidatorPublicKey
	Sign(msg []byte) ([]byte, error)
	Verify(msg, sig []byte, pubkey model.ValidatorPublicKey) bool
	SignAggregate(msg []byte, sigs []SignedComponent) (AggregatedSignature, error)
	VerifyAggregate(msg []byte, agg AggregatedSignature) bool
}

// SignedComponent is one signer's contribution to an aggregate: their
// public key and their individual signature over the same message.
type SignedComponent struct {
	Signer    model.ValidatorPublicKey
	Signature []byte
}

// AggregatedSignature is the verified union of component signatures over a
// single message. Marker-tagged tuples (QC payloads) embed the marker in
// msg itself, per spec §9, so a Prepare aggregate never verifies against a
// Confirm payload.
type AggregatedSignature struct {
	Signers []model.ValidatorPublicKey
	Sigs    [][]byte
}

// ecdsaSigner is the production Signer, backed by go-ethereum's secp256k1
// implementation.
type ecdsaSigner struct {
	priv *ecdsa.PrivateKey
	pub  model.ValidatorPublicKey
}

// NewECDSASigner wraps a secp256k1 private key as a Signer.
func NewECDSASigner(priv *ecdsa.PrivateKey) Signer {
	compressed := crypto.CompressPubkey(&priv.PublicKey)
	var pub model.ValidatorPublicKey
	copy(pub[:], compressed)
	return &ecdsaSigner{priv: priv, pub: pub}
}

// GenerateSigner creates a fresh random signing identity.
func GenerateSigner() (Signer, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return NewECDSASigner(priv), nil
}

func (s *ecdsaSigner) PublicKey() model.ValidatorPublicKey { return s.pub }

func (s *ecdsaSigner) Sign(msg []byte) ([]byte, error) {
	digest := crypto.Keccak256(msg)
	sig, err := crypto.Sign(digest, s.priv)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return sig, nil
}

func (s *ecdsaSigner) Verify(msg, sig []byte, pubkey model.ValidatorPublicKey) bool {
	return verify(msg, sig, pubkey)
}

func verify(msg, sig []byte, pubkey model.ValidatorPublicKey) bool {
	if len(sig) != 65 {
		return false
	}
	digest := crypto.Keccak256(msg)
	// crypto.SigToPub / Ecrecover expect the 65-byte [R || S || V] form with
	// V in {0,1}; recover and compare the compressed key.
	recovered, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return false
	}
	compressed := crypto.CompressPubkey(recovered)
	var recoveredKey model.ValidatorPublicKey
	copy(recoveredKey[:], compressed)
	return recoveredKey == pubkey
}

// SignAggregate builds an AggregatedSignature from a set of
// already-collected component signatures, verifying each one signs msg
// before including it. This is what both
// on_prepare_vote/on_confirm_ack (quorum certificates) and
// handle_querynewcut (PoDA) call once voting power crosses 2f.
func (s *ecdsaSigner) SignAggregate(msg []byte, sigs []SignedComponent) (AggregatedSignature, error) {
	out := AggregatedSignature{}
	for _, c := range sigs {
		if !verify(msg, c.Signature, c.Signer) {
			return AggregatedSignature{}, fmt.Errorf("aggregate: component signature from %s does not verify", c.Signer)
		}
		out.Signers = append(out.Signers, c.Signer)
		out.Sigs = append(out.Sigs, c.Signature)
	}
	return out, nil
}

// VerifyAggregate re-verifies every component signature in agg against msg.
// Callers are responsible for checking that agg.Signers' combined voting
// power crosses the required threshold; this function only checks
// signature validity.
func (s *ecdsaSigner) VerifyAggregate(msg []byte, agg AggregatedSignature) bool {
	return VerifyAggregate(msg, agg)
}

// EncodeSigs packs the component signatures of an AggregatedSignature into
// the single opaque byte slice a wire type like model.PoDA carries as
// AggSig, since this module's aggregation is a verified list rather than a
// true combined signature.
func EncodeSigs(sigs [][]byte) ([]byte, error) {
	out, err := json.Marshal(sigs)
	if err != nil {
		return nil, fmt.Errorf("encode aggregate signatures: %w", err)
	}
	return out, nil
}

// DecodeSigs is the inverse of EncodeSigs.
func DecodeSigs(raw []byte) ([][]byte, error) {
	var sigs [][]byte
	if err := json.Unmarshal(raw, &sigs); err != nil {
		return nil, fmt.Errorf("decode aggregate signatures: %w", err)
	}
	return sigs, nil
}

// VerifyAggregate is the package-level, signer-independent form, usable by
// any party that only needs to validate an AggregatedSignature (e.g. a
// follower checking a QC it did not itself produce).
func VerifyAggregate(msg []byte, agg AggregatedSignature) bool {
	if len(agg.Signers) != len(agg.Sigs) || len(agg.Signers) == 0 {
		return false
	}
	seen := make(map[model.ValidatorPublicKey]bool, len(agg.Signers))
	for i, signer := range agg.Signers {
		if seen[signer] {
			return false
		}
		seen[signer] = true
		if !verify(msg, agg.Sigs[i], signer) {
			return false
		}
	}
	return true
}
