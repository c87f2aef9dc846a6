// Package envelope implements the wire-level message acceptance rules both
// engines apply to an inbound MsgWithHeader before its payload is handed to
// an engine-specific handler: a valid header signature, a content digest
// matching the payload, and a timestamp within the acceptance window. It
// also provides the shared envelope constructor the consensus engine uses
// to sign outbound messages, mirroring the mempool engine's own
// buildMessage helper.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rechain/bftcore/internal/bftcrypto"
	"github.com/rechain/bftcore/internal/model"
	"github.com/rechain/bftcore/pkg/errs"
)

// AcceptanceWindow is the maximum allowed clock skew between a message's
// header timestamp and the receiver's clock.
const AcceptanceWindow = time.Hour

// Verify checks msg against the wire acceptance rules. signer is used only
// for its stateless Verify method; no private key material is needed to
// check another validator's header signature.
func Verify(msg model.MsgWithHeader, signer bftcrypto.Signer, now time.Time) error {
	delta := now.Sub(time.UnixMilli(msg.Header.TimestampMs))
	if delta > AcceptanceWindow || delta < -AcceptanceWindow {
		return fmt.Errorf("%w: header timestamp outside acceptance window", errs.StaleMessage)
	}
	if model.ContentDigest(msg.Payload) != msg.Header.Hash {
		return fmt.Errorf("%w: header hash does not match payload digest", errs.InvalidSignature)
	}
	if !signer.Verify(msg.Header.Hash[:], msg.HeaderSig, msg.Signer) {
		return fmt.Errorf("%w: header signature invalid", errs.InvalidSignature)
	}
	return nil
}

// Build wraps payload in a signed envelope of the given kind.
func Build(signer bftcrypto.Signer, kind model.MsgKind, payload any) (model.MsgWithHeader, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return model.MsgWithHeader{}, fmt.Errorf("encode message payload: %w", err)
	}
	header := model.NewMsgHeader(raw, time.Now())
	sig, err := signer.Sign(header.Hash[:])
	if err != nil {
		return model.MsgWithHeader{}, fmt.Errorf("sign message header: %w", err)
	}
	return model.MsgWithHeader{
		Header:    header,
		HeaderSig: sig,
		Signer:    signer.PublicKey(),
		Kind:      kind,
		Payload:   raw,
	}, nil
}
