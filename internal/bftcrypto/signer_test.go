package bftcrypto

import (
	"testing"

	"github.com/rechain/bftcore/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeSignerSignVerifyRoundTrip(t *testing.T) {
	s := NewFakeSigner(1)
	msg := []byte("prepare:deadbeef")
	sig, err := s.Sign(msg)
	require.NoError(t, err)
	assert.True(t, s.Verify(msg, sig, s.PublicKey()))
}

func TestFakeSignerRejectsWrongSigner(t *testing.T) {
	s1 := NewFakeSigner(1)
	s2 := NewFakeSigner(2)
	msg := []byte("confirm:cafebabe")
	sig, err := s1.Sign(msg)
	require.NoError(t, err)
	assert.False(t, s1.Verify(msg, sig, s2.PublicKey()))
}

func TestFakeSignerAggregateRequiresAllComponentsValid(t *testing.T) {
	signers := []*FakeSigner{NewFakeSigner(1), NewFakeSigner(2), NewFakeSigner(3)}
	msg := []byte("commit:12345")

	var components []SignedComponent
	for _, s := range signers {
		sig, err := s.Sign(msg)
		require.NoError(t, err)
		components = append(components, SignedComponent{Signer: s.PublicKey(), Signature: sig})
	}

	agg, err := signers[0].SignAggregate(msg, components)
	require.NoError(t, err)
	assert.True(t, FakeVerifyAggregate(msg, agg))
	assert.False(t, FakeVerifyAggregate([]byte("different message"), agg))
}

func TestFakeSignerAggregateFailsOnBadComponent(t *testing.T) {
	s1 := NewFakeSigner(1)
	s2 := NewFakeSigner(2)
	msg := []byte("timeout:5:0")

	sig1, _ := s1.Sign(msg)
	badSig := append([]byte(nil), sig1...)
	badSig[0] ^= 0xFF

	components := []SignedComponent{
		{Signer: s1.PublicKey(), Signature: sig1},
		{Signer: s2.PublicKey(), Signature: badSig},
	}
	_, err := s1.SignAggregate(msg, components)
	assert.Error(t, err)
}

func TestECDSASignerSignVerifyRoundTrip(t *testing.T) {
	signer, err := GenerateSigner()
	require.NoError(t, err)
	msg := []byte("prepare-qc-payload")
	sig, err := signer.Sign(msg)
	require.NoError(t, err)
	assert.True(t, signer.Verify(msg, sig, signer.PublicKey()))
	assert.False(t, signer.Verify([]byte("tampered"), sig, signer.PublicKey()))
}

func TestECDSAVerifyAggregateDetectsDuplicateSigner(t *testing.T) {
	signer, err := GenerateSigner()
	require.NoError(t, err)
	msg := []byte("qc-payload")
	sig, err := signer.Sign(msg)
	require.NoError(t, err)

	realAgg := AggregatedSignature{
		Signers: []model.ValidatorPublicKey{signer.PublicKey(), signer.PublicKey()},
		Sigs:    [][]byte{sig, sig},
	}
	assert.False(t, VerifyAggregate(msg, realAgg))
}
