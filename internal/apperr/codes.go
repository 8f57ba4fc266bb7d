// Package apperr provides the typed error used by every settlement operation.
package apperr

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	CodeUnknown Code = "UNKNOWN"

	// Input errors
	CodeValidation Code = "VALIDATION"
	CodeNotFound   Code = "NOT_FOUND"

	// Deposit verification
	CodeDepositInvalid   Code = "DEPOSIT_INVALID"
	CodeDepositMismatch  Code = "DEPOSIT_MISMATCH"
	CodeDepositFailed    Code = "DEPOSIT_FAILED"
	CodeDuplicateDeposit Code = "DUPLICATE_DEPOSIT"

	// Seat reservation
	CodeReservationConflict Code = "RESERVATION_CONFLICT"
	CodeReservationExpired  Code = "RESERVATION_EXPIRED"
	CodeBadReservationToken Code = "BAD_RESERVATION_TOKEN"
	CodeRoundNotOpen        Code = "ROUND_NOT_OPEN"
	CodeNotDepositor        Code = "NOT_DEPOSITOR"

	// Settlement
	CodeInsufficientPotBalance Code = "INSUFFICIENT_POT_BALANCE"
	CodePayoutSubmissionFailed Code = "PAYOUT_SUBMISSION_FAILED"
	CodePayoutPending          Code = "PAYOUT_PENDING"
	CodeResolveInProgress      Code = "RESOLVE_IN_PROGRESS"

	// Infrastructure
	CodeLedgerUnavailable Code = "LEDGER_UNAVAILABLE"
	CodeConflict          Code = "CONFLICT"
	CodeInternal          Code = "INTERNAL"
)

// GRPCCode maps a Code to the closest gRPC status code.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeValidation, CodeDepositMismatch, CodeDepositFailed:
		return codes.InvalidArgument
	case CodeNotFound:
		return codes.NotFound
	case CodeDuplicateDeposit, CodeReservationConflict:
		return codes.AlreadyExists
	case CodeReservationExpired, CodeBadReservationToken, CodeRoundNotOpen, CodeDepositInvalid:
		return codes.FailedPrecondition
	case CodeNotDepositor:
		return codes.PermissionDenied
	case CodeConflict, CodeResolveInProgress:
		return codes.Aborted
	case CodeInsufficientPotBalance, CodePayoutSubmissionFailed, CodePayoutPending, CodeLedgerUnavailable:
		return codes.Unavailable
	case CodeInternal:
		return codes.Internal
	default:
		return codes.Unknown
	}
}

// DefaultRetryable reports whether errors with this code are worth retrying
// with the same input.
func (c Code) DefaultRetryable() bool {
	switch c {
	case CodeDepositInvalid,
		CodeInsufficientPotBalance,
		CodePayoutSubmissionFailed,
		CodePayoutPending,
		CodeResolveInProgress,
		CodeLedgerUnavailable,
		CodeConflict:
		return true
	default:
		return false
	}
}
