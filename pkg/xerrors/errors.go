// Package xerrors is the trading core's error type: a structured error
// carrying a taxonomy "kind" plus contextual fields, instead of ad-hoc
// fmt.Errorf strings or panics crossing component boundaries.
package xerrors

import (
	"errors"
	"fmt"
)

// Standard error functions re-exported for convenience at call sites.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
)

// Field carries one piece of structured context about an error, e.g. the
// account/asset/required/available quadruple on InsufficientBalance.
type Field struct {
	Key   string
	Value string
}

// Error is the trading core's error type. Kind identifies which bucket of
// the §7 taxonomy this belongs to (admission / matching-internal /
// external-integration / authorization); Message is human readable.
type Error struct {
	Kind    string
	Message string
	Fields  []Field

	cause error
}

var _ error = (*Error)(nil)

// New creates an unkinded error (rare; prefer NewKind).
func New(message string) *Error {
	return &Error{Kind: "unknown", Message: message}
}

// NewKind creates a sentinel error for a given taxonomy kind.
func NewKind(kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func (e *Error) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.cause != nil {
		s += fmt.Sprintf(" (%s)", e.cause)
	}
	return s
}

func (e *Error) Unwrap() error { return e.cause }

// Is reports equality by Kind, so errors.Is(err, ErrInsufficientBalance)
// matches any *Error sharing that kind regardless of message/fields.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Wrap attaches a cause, returning a copy so sentinels stay immutable.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.cause = cause
	return &cp
}

// Explain returns a copy with Message replaced by a formatted string.
func (e *Error) Explain(format string, args ...any) *Error {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// WithField returns a copy with an additional context field appended.
func (e *Error) WithField(key, value string) *Error {
	cp := *e
	cp.Fields = append(append([]Field{}, e.Fields...), Field{Key: key, Value: value})
	return &cp
}

// Admission error kinds (§7): recovered at the API boundary, no state change.
const (
	KindAccountNotFound     = "account_not_found"
	KindAccountNotActive    = "account_not_active"
	KindInsufficientBalance = "insufficient_balance"
	KindInvalidOrder        = "invalid_order"
	KindMarketUnknown       = "market_unknown"
	KindFOKUnfillable       = "fok_unfillable"
	KindMarketHalted        = "market_halted"
)

// Matching-internal error kinds (§7): fatal to the engine, promoted to
// system.alert and an engine halt.
const (
	KindLedgerInconsistency = "ledger_inconsistency"
	KindBookIndexCorruption = "book_index_corruption"
	KindStopTriggerLoop     = "stop_trigger_loop"
)

// External-integration error kinds (§7): returned to the caller as they
// occur; no component retries them.
const (
	KindPersistenceUnavailable = "persistence_unavailable"
	KindBroadcastFailed        = "broadcast_failed"
)

// Authorization error kinds (§7).
const (
	KindAdminSameApprover     = "admin_same_approver"
	KindAdminInsufficientRole = "admin_insufficient_role"
)

// Sentinels for every admission-error kind, built with NewKind so call
// sites customize via Explain/WithField instead of allocating new kinds.
var (
	ErrAccountNotFound     = NewKind(KindAccountNotFound, "account not found")
	ErrAccountNotActive    = NewKind(KindAccountNotActive, "account is not active")
	ErrInsufficientBalance = NewKind(KindInsufficientBalance, "insufficient balance")
	ErrInvalidOrder        = NewKind(KindInvalidOrder, "invalid order")
	ErrMarketUnknown       = NewKind(KindMarketUnknown, "unknown market")
	ErrFOKUnfillable       = NewKind(KindFOKUnfillable, "fill-or-kill order cannot be fully filled")
	ErrMarketHalted        = NewKind(KindMarketHalted, "market is halted")

	ErrLedgerInconsistency = NewKind(KindLedgerInconsistency, "ledger settlement produced an inconsistent state")
	ErrBookIndexCorruption = NewKind(KindBookIndexCorruption, "order book index corruption detected")
	ErrStopTriggerLoop     = NewKind(KindStopTriggerLoop, "stop trigger activation exceeded the safety bound")

	ErrPersistenceUnavailable = NewKind(KindPersistenceUnavailable, "persistence backend unavailable")
	ErrBroadcastFailed        = NewKind(KindBroadcastFailed, "withdrawal broadcast failed")

	ErrAdminSameApprover     = NewKind(KindAdminSameApprover, "the same admin cannot satisfy both approval slots")
	ErrAdminInsufficientRole = NewKind(KindAdminInsufficientRole, "admin role is insufficient for this action")
)

// IsFatal reports whether kind belongs to the matching-internal taxonomy,
// i.e. whether it should halt the engine rather than merely reject a command.
func IsFatal(kind string) bool {
	switch kind {
	case KindLedgerInconsistency, KindBookIndexCorruption, KindStopTriggerLoop:
		return true
	default:
		return false
	}
}
