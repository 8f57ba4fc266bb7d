// Package round defines the wager round record and the pure settlement math
// (fee split and winner selection) shared by the engine and its adapters.
package round

import (
	"time"

	"github.com/mr-tron/base58"
)

// Status of a round. Advances created -> joined -> resolved, never back.
type Status string

const (
	StatusCreated  Status = "created"
	StatusJoined   Status = "joined"
	StatusResolved Status = "resolved"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusJoined, StatusResolved:
		return true
	}
	return false
}

// rank orders statuses for the no-regression check.
func (s Status) rank() int {
	switch s {
	case StatusCreated:
		return 1
	case StatusJoined:
		return 2
	case StatusResolved:
		return 3
	}
	return 0
}

// CanAdvanceTo reports whether next is the same or a later status.
func (s Status) CanAdvanceTo(next Status) bool {
	return next.rank() >= s.rank() && next.rank() > 0
}

// Reservation is a time-bounded exclusive right for one candidate to join.
type Reservation struct {
	Token     string    `json:"token"`
	Joiner    string    `json:"joiner"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Live reports whether the reservation is still valid at now.
func (r *Reservation) Live(now time.Time) bool {
	return r != nil && now.Before(r.ExpiresAt)
}

// PendingTransfer tracks a ledger transfer recorded but not yet confirmed.
// It is written before the first broadcast, so Ref names the only transfer
// that may be sent for it and Payload is what gets (re)sent.
type PendingTransfer struct {
	Ref         string    `json:"ref,omitempty"`
	To          string    `json:"to"`
	Amount      int64     `json:"amount"`
	SubmittedAt time.Time `json:"submittedAt"`
	Payload     []byte    `json:"payload,omitempty"`
}

// ResolveAttempt records the most recent failed settlement attempt.
type ResolveAttempt struct {
	Code   string    `json:"code"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Round is the central settlement record.
type Round struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"createdAt"`
	BetLamports    int64     `json:"betLamports"`
	Creator        string    `json:"creator"`
	DepositRef     string    `json:"signature"`
	Joiner         string    `json:"joiner,omitempty"`
	JoinDepositRef string    `json:"joinSig,omitempty"`
	Status         Status    `json:"status"`
	Winner         string    `json:"winner,omitempty"`
	PayoutRef      string    `json:"resolveSig,omitempty"`
	ResolvedAt     time.Time `json:"resolvedAt,omitzero"`

	Reservation        *Reservation     `json:"reservation,omitempty"`
	PendingPayout      *PendingTransfer `json:"pendingPayout,omitempty"`
	Refund             *PendingTransfer `json:"refund,omitempty"`
	LastResolveAttempt *ResolveAttempt  `json:"lastResolveAttempt,omitempty"`

	// Version is the store's compare-and-set token, not part of the record body.
	Version int64 `json:"-"`
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (r *Round) Clone() *Round {
	if r == nil {
		return nil
	}
	c := *r
	if r.Reservation != nil {
		res := *r.Reservation
		c.Reservation = &res
	}
	if r.PendingPayout != nil {
		p := *r.PendingPayout
		c.PendingPayout = &p
	}
	if r.Refund != nil {
		p := *r.Refund
		c.Refund = &p
	}
	if r.LastResolveAttempt != nil {
		a := *r.LastResolveAttempt
		c.LastResolveAttempt = &a
	}
	return &c
}

// SweepReservation clears an expired reservation. Returns true if it changed r.
func (r *Round) SweepReservation(now time.Time) bool {
	if r.Reservation == nil {
		return false
	}
	if r.Status == StatusCreated && r.Reservation.Live(now) {
		return false
	}
	r.Reservation = nil
	return true
}

// Loser returns the party that did not win, empty until resolved.
func (r *Round) Loser() string {
	switch r.Winner {
	case "":
		return ""
	case r.Creator:
		return r.Joiner
	default:
		return r.Creator
	}
}

// ValidAddress reports whether s is a base58 encoded 32-byte ledger address.
func ValidAddress(s string) bool {
	if s == "" || len(s) > 44 {
		return false
	}
	b, err := base58.Decode(s)
	if err != nil {
		return false
	}
	return len(b) == 32
}
