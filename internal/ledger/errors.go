package ledger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Kind classifies a validation failure. The set is closed; callers are
// expected to switch over it exhaustively.
type Kind uint8

const (
	KindInvalidAmount Kind = iota + 1
	KindAccountNotActive
	KindInsufficientBalance
	KindDailyLimitExceeded
	KindInvalidOperation
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindInvalidAmount:
		return "INVALID_AMOUNT"
	case KindAccountNotActive:
		return "ACCOUNT_NOT_ACTIVE"
	case KindInsufficientBalance:
		return "INSUFFICIENT_BALANCE"
	case KindDailyLimitExceeded:
		return "DAILY_LIMIT_EXCEEDED"
	case KindInvalidOperation:
		return "INVALID_OPERATION"
	case KindNotFound:
		return "NOT_FOUND"
	default:
		return "UNKNOWN"
	}
}

// Error is a validation failure the caller can fix by correcting its input.
// Detail fields are set when they are meaningful for the kind.
type Error struct {
	Kind    Kind
	Message string

	Limit     *decimal.Decimal
	Available *decimal.Decimal
	Requested *decimal.Decimal
	Used      *decimal.Decimal
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(strings.ToLower(e.Kind.String()))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// Is matches any *Error of the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrInvalidAmount       = &Error{Kind: KindInvalidAmount}
	ErrAccountNotActive    = &Error{Kind: KindAccountNotActive}
	ErrInsufficientBalance = &Error{Kind: KindInsufficientBalance}
	ErrDailyLimitExceeded  = &Error{Kind: KindDailyLimitExceeded}
	ErrInvalidOperation    = &Error{Kind: KindInvalidOperation}
	ErrNotFound            = &Error{Kind: KindNotFound}
)

var (
	// ErrConflict reports a lost optimistic race or a database serialization
	// failure. The unit of work was rolled back and may be retried.
	ErrConflict = errors.New("ledger: concurrent update conflict")

	// ErrLockTimeout reports that an account lock was not acquired in time.
	ErrLockTimeout = errors.New("ledger: account lock wait timed out")
)

// KindOf returns the validation kind carried by err, if any
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsValidation reports whether err belongs to the validation taxonomy
func IsValidation(err error) bool {
	_, ok := KindOf(err)
	return ok
}

func ptr(d decimal.Decimal) *decimal.Decimal {
	return &d
}

func invalidAmount(format string, args ...any) error {
	return &Error{Kind: KindInvalidAmount, Message: fmt.Sprintf(format, args...)}
}

func invalidOperation(format string, args ...any) error {
	return &Error{Kind: KindInvalidOperation, Message: fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// NotFound builds a KindNotFound error; store adapters use it for missing rows.
func NotFound(what, key string) error {
	return notFound("%s %s not found", what, key)
}

func insufficientBalance(accountID string, available, requested decimal.Decimal) error {
	return &Error{
		Kind: KindInsufficientBalance,
		Message: fmt.Sprintf("insufficient balance in account %s: available %s, requested %s",
			accountID, available.StringFixed(2), requested.StringFixed(2)),
		Available: ptr(available),
		Requested: ptr(requested),
	}
}

// NewError builds a validation error of kind for callers outside the ledger
func NewError(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
