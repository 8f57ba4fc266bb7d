package apperr

import (
	"errors"
	"fmt"
)

// Error is the domain error type returned across the engine boundary.
type Error struct {
	Code      Code   // Machine-readable error code
	Message   string // Human-readable message
	Retryable bool   // Same call may succeed later
	Cause     error  // Wrapped underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a domain error with the code's default retryability.
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: code.DefaultRetryable(),
	}
}

// Newf is New with a format string.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: code.DefaultRetryable(),
		Cause:     cause,
	}
}

// CodeOf extracts the code from err, CodeUnknown when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// IsRetryable reports whether err is a domain error marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// Sentinels usable with errors.Is.
var (
	ErrNotFound            = New(CodeNotFound, "round not found")
	ErrValidation          = New(CodeValidation, "validation failed")
	ErrDepositInvalid      = New(CodeDepositInvalid, "deposit not found or not confirmed")
	ErrDepositMismatch     = New(CodeDepositMismatch, "deposit does not match")
	ErrDepositFailed       = New(CodeDepositFailed, "deposit transaction failed")
	ErrDuplicateDeposit    = New(CodeDuplicateDeposit, "deposit reference already used")
	ErrReservationConflict = New(CodeReservationConflict, "round already reserved")
	ErrReservationExpired  = New(CodeReservationExpired, "reservation expired")
	ErrBadReservationToken = New(CodeBadReservationToken, "bad reservation token")
	ErrRoundNotOpen        = New(CodeRoundNotOpen, "round is not open")
	ErrNotDepositor        = New(CodeNotDepositor, "caller is not the depositor")
	ErrInsufficientPot     = New(CodeInsufficientPotBalance, "insufficient pot balance")
	ErrPayoutFailed        = New(CodePayoutSubmissionFailed, "payout submission failed")
	ErrPayoutPending       = New(CodePayoutPending, "payout pending confirmation")
	ErrResolveInProgress   = New(CodeResolveInProgress, "resolve already in progress")
	ErrLedgerUnavailable   = New(CodeLedgerUnavailable, "ledger unavailable")
	ErrConflict            = New(CodeConflict, "concurrent modification")
)
