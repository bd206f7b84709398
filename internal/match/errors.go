package match

import (
	"errors"
	"fmt"
)

// Kind is the stable machine-readable error class surfaced to callers.
type Kind string

const (
	// KindPrecondition marks an action attempted outside its state-machine
	// guard. Recoverable: the caller should re-check state and retry the
	// decision, not the submission.
	KindPrecondition Kind = "precondition"
	// KindSecretUnavailable marks a reveal attempted with no local secret
	// record. Fatal for that reveal window; never retried automatically.
	KindSecretUnavailable Kind = "secretUnavailable"
	// KindCommitmentMismatch marks a reveal whose recomputed hash does not
	// reproduce the stored commitment. Must never reach the ledger.
	KindCommitmentMismatch Kind = "commitmentMismatch"
	// KindLedgerTransient marks network/timeout/rate-limit failures that are
	// retried with backoff before being surfaced.
	KindLedgerTransient Kind = "ledgerTransient"
	// KindLedgerRejected marks a remote rejection the local guards should have
	// caught. Indicates guard/ledger disagreement; escalated, never retried.
	KindLedgerRejected Kind = "ledgerRejected"
)

// Error carries a stable kind plus a code naming the violated guard and a
// human-readable reason. Guard sentinels below compare by kind+code under
// errors.Is, so wrapped instances still match their sentinel.
type Error struct {
	Kind   Kind
	Code   string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Kind, e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s/%s: %s", e.Kind, e.Code, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// KindOf extracts the error kind, or "" for errors outside the taxonomy.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func precondition(code, reason string) *Error {
	return &Error{Kind: KindPrecondition, Code: code, Reason: reason}
}

// Named guard violations. Every guarded action fails with exactly one of
// these; none of them ever accompanies a state mutation.
var (
	ErrZeroBet          = precondition("zeroBet", "bet amount must be greater than zero")
	ErrFeeTooHigh       = precondition("feeTooHigh", "fee exceeds the maximum allowed basis points")
	ErrJoinDeadline     = precondition("joinDeadlineInPast", "join deadline must be in the future")
	ErrRevealDeadline   = precondition("revealDeadlineBeforeJoin", "reveal deadline must be after the join deadline")
	ErrNotJoinable      = precondition("notJoinable", "match is not waiting for an opponent")
	ErrJoinWindowClosed = precondition("joinWindowClosed", "join deadline has passed")
	ErrSelfJoin         = precondition("selfJoin", "creator cannot join their own match")
	ErrSeatTaken        = precondition("seatTaken", "match already has an opponent")
	ErrNoCommitment     = precondition("noCommitment", "seat has no commitment to join with")
	ErrNotRevealable    = precondition("notRevealable", "match is not in the reveal phase")
	ErrRevealWindow     = precondition("revealWindowClosed", "reveal deadline has passed")
	ErrNotParticipant   = precondition("notParticipant", "identity holds no seat in this match")
	ErrAlreadyRevealed  = precondition("alreadyRevealed", "seat has already revealed")
	ErrNotReadyToSettle = precondition("notReadyToSettle", "both reveals must be present before settling")
	ErrNotCancellable   = precondition("notCancellable", "only the creator may cancel, and only before a join")
	ErrTimeoutNotDue    = precondition("timeoutNotDue", "no timeout deadline has elapsed")
	ErrFinalized        = precondition("finalized", "match is in a terminal state")

	// ErrCommitmentMismatch is the reveal-verification failure.
	ErrCommitmentMismatch = &Error{
		Kind:   KindCommitmentMismatch,
		Code:   "commitmentMismatch",
		Reason: "revealed choice does not reproduce the stored commitment",
	}

	// ErrSecretUnavailable is surfaced when a reveal is attempted without a
	// local secret record.
	ErrSecretUnavailable = &Error{
		Kind:   KindSecretUnavailable,
		Code:   "secretUnavailable",
		Reason: "no local secret recorded for this match; the committed choice cannot be proven",
	}
)

// Transient wraps a retryable ledger failure.
func Transient(op string, err error) *Error {
	return &Error{Kind: KindLedgerTransient, Code: "ledgerTransient", Reason: op, Err: err}
}

// Rejected wraps a remote rejection that local guards failed to predict.
func Rejected(op string, err error) *Error {
	return &Error{Kind: KindLedgerRejected, Code: "ledgerRejected", Reason: op, Err: err}
}
