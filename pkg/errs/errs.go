// Package errs declares the sentinel error kinds shared by the consensus
// and mempool engines.
package errs

import "errors"

var (
	// InvalidSignature is returned when a message signature does not verify.
	// The message is dropped; state is never mutated.
	InvalidSignature = errors.New("invalid signature")

	// StaleMessage is returned when a message header timestamp falls outside
	// the acceptance window.
	StaleMessage = errors.New("stale message")

	// UnknownParent is returned when a data proposal's parent hash is not
	// yet present in lane storage. Callers buffer the item and issue a sync
	// request; this is never treated as a drop.
	UnknownParent = errors.New("unknown parent")

	// WrongStep is returned when a message arrives for a round step the
	// engine is not currently in.
	WrongStep = errors.New("wrong step")

	// WrongRole is returned when a message expects the receiver to hold a
	// role (leader/follower) it does not currently hold.
	WrongRole = errors.New("wrong role")

	// InsufficientVotingPower is not a failure; it signals that a quorum has
	// not yet been reached and the caller should keep waiting.
	InsufficientVotingPower = errors.New("insufficient voting power")

	// StorageError wraps a failure from the lane storage backend. It aborts
	// the current operation but not the engine; the run loops log it at the
	// same level as any other message-handling failure.
	StorageError = errors.New("storage error")

	// Fatal marks a broken invariant. The handler that detects it returns it
	// without acting on the offending message (a commit QC that fails to
	// verify also forces a view change); the run loops log it like any other
	// handling failure and keep running. No engine shuts down on it.
	Fatal = errors.New("fatal invariant violation")
)
