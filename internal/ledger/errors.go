package ledger

import (
	"errors"
	"fmt"
)

// Kind classifies why an order was not executed.
type Kind string

const (
	InvalidOrder       Kind = "InvalidOrder"
	UnknownSymbol      Kind = "UnknownSymbol"
	UnknownAccount     Kind = "UnknownAccount"
	InsufficientFunds  Kind = "InsufficientFunds"
	InsufficientShares Kind = "InsufficientShares"
	UnknownPosition    Kind = "UnknownPosition"
	PersistenceError   Kind = "PersistenceError"
)

// OrderError reports a rejected or failed order. Every validation kind is
// detected before anything is written; PersistenceError means the commit
// itself failed and nothing was written either, so the caller may retry.
type OrderError struct {
	Kind    Kind
	Message string
	Err     error // underlying cause, if any
}

func (e *OrderError) Error() string {
	if e.Message == "" {
		return "ledger: " + string(e.Kind)
	}
	return fmt.Sprintf("ledger: %s: %s", e.Kind, e.Message)
}

func (e *OrderError) Unwrap() error { return e.Err }

// Is matches any OrderError of the same kind, so the package sentinels work
// with errors.Is regardless of message.
func (e *OrderError) Is(target error) bool {
	t, ok := target.(*OrderError)
	return ok && t.Kind == e.Kind
}

var (
	ErrInvalidOrder       = &OrderError{Kind: InvalidOrder}
	ErrUnknownSymbol      = &OrderError{Kind: UnknownSymbol}
	ErrUnknownAccount     = &OrderError{Kind: UnknownAccount}
	ErrInsufficientFunds  = &OrderError{Kind: InsufficientFunds}
	ErrInsufficientShares = &OrderError{Kind: InsufficientShares}
	ErrUnknownPosition    = &OrderError{Kind: UnknownPosition}
	ErrPersistence        = &OrderError{Kind: PersistenceError}
)

func orderErr(kind Kind, format string, args ...any) *OrderError {
	return &OrderError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func persistenceErr(op string, err error) *OrderError {
	return &OrderError{Kind: PersistenceError, Message: fmt.Sprintf("%s: %v", op, err), Err: err}
}

// KindOf returns the kind of an OrderError in err's chain, or "" if none.
func KindOf(err error) Kind {
	var oe *OrderError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return ""
}
