// Package ledger abstracts the external value ledger that holds deposits and
// pays out winners. The engine never assumes a transfer is final until the
// ledger reports it confirmed.
package ledger

import (
	"context"
	"errors"
)

var (
	// ErrNotFound means the ledger has no record of the reference (yet).
	ErrNotFound = errors.New("ledger: transfer not found")
	// ErrUnavailable wraps transport failures talking to the ledger.
	ErrUnavailable = errors.New("ledger: unavailable")
	// ErrRejected means the ledger refused a submission outright.
	ErrRejected = errors.New("ledger: transfer rejected")
)

// Outcome is the confirmation state of a submitted transfer.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeConfirmed
	OutcomeFailed
	OutcomeNotFound
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeFailed:
		return "failed"
	case OutcomeNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Transfer is what the ledger knows about a single value movement.
type Transfer struct {
	Ref       string
	From      string
	To        string
	Amount    int64 // lamports
	Confirmed bool
	Failed    bool
}

// Prepared is a signed transfer that has not been broadcast yet. Ref is
// fixed at signing time, and sending Payload again never moves value twice:
// the ledger deduplicates by Ref. A prepared transfer that never lands
// becomes invalid once the ledger's validity window for it passes.
type Prepared struct {
	Ref     string
	Payload []byte
}

// Client is the ledger collaborator used by the settlement engine.
//
// Outgoing transfers take two steps so the caller can persist Ref before
// any value can move: PrepareTransfer signs, SendTransfer broadcasts.
type Client interface {
	// PrepareTransfer signs a transfer without broadcasting it.
	PrepareTransfer(ctx context.Context, from, to string, amount int64) (Prepared, error)

	// SendTransfer broadcasts a prepared transfer. An ErrUnavailable result
	// does not mean the transfer was lost; Confirm tells. ErrRejected means
	// the ledger refused this broadcast.
	SendTransfer(ctx context.Context, p Prepared) error

	// Confirm reports the current confirmation state of ref without blocking.
	Confirm(ctx context.Context, ref string) (Outcome, error)

	// LookupTransfer returns the transfer recorded under ref or ErrNotFound.
	LookupTransfer(ctx context.Context, ref string) (Transfer, error)

	// Balance returns the account balance in lamports.
	Balance(ctx context.Context, account string) (int64, error)
}
