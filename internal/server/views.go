package server

import (
	"encoding/json"
	"time"

	"FlipSettle/internal/ledger"
	"FlipSettle/internal/round"
)

// roundView is the wire form of a round. Field names follow the original
// client protocol (signature, joinSig, resolveSig, betSol). Reservation
// tokens are never echoed back.
type roundView struct {
	ID                 string                `json:"id"`
	CreatedAt          time.Time             `json:"createdAt"`
	BetLamports        int64                 `json:"betLamports"`
	BetSOL             json.Number           `json:"betSol"`
	Creator            string                `json:"creator"`
	Signature          string                `json:"signature"`
	Joiner             string                `json:"joiner,omitempty"`
	JoinSig            string                `json:"joinSig,omitempty"`
	Status             round.Status          `json:"status"`
	Winner             string                `json:"winner,omitempty"`
	ResolveSig         string                `json:"resolveSig,omitempty"`
	ResolvedAt         *time.Time            `json:"resolvedAt,omitempty"`
	Reservation        *reservationView      `json:"reservation,omitempty"`
	Split              *round.Split          `json:"split,omitempty"`
	Proof              *round.Proof          `json:"proof,omitempty"`
	PayoutPending      bool                  `json:"payoutPending,omitempty"`
	Withdrawing        bool                  `json:"withdrawing,omitempty"`
	LastResolveAttempt *round.ResolveAttempt `json:"lastResolveAttempt,omitempty"`
}

type reservationView struct {
	Joiner    string    `json:"joiner"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// grantView is returned only to the caller that made the reservation.
type grantView struct {
	RoundID     string    `json:"roundId"`
	Token       string    `json:"reservationToken"`
	Joiner      string    `json:"joiner"`
	ExpiresAt   time.Time `json:"expiresAt"`
	PotAddress  string    `json:"potAddress"`
	BetLamports int64     `json:"betLamports"`
}

func newRoundView(r *round.Round, split func(int64) (round.Split, error)) roundView {
	v := roundView{
		ID:                 r.ID,
		CreatedAt:          r.CreatedAt,
		BetLamports:        r.BetLamports,
		BetSOL:             json.Number(ledger.FormatSOL(r.BetLamports)),
		Creator:            r.Creator,
		Signature:          r.DepositRef,
		Joiner:             r.Joiner,
		JoinSig:            r.JoinDepositRef,
		Status:             r.Status,
		Winner:             r.Winner,
		ResolveSig:         r.PayoutRef,
		PayoutPending:      r.PendingPayout != nil,
		Withdrawing:        r.Refund != nil,
		LastResolveAttempt: r.LastResolveAttempt,
	}
	if !r.ResolvedAt.IsZero() {
		at := r.ResolvedAt
		v.ResolvedAt = &at
	}
	if r.Reservation != nil {
		v.Reservation = &reservationView{Joiner: r.Reservation.Joiner, ExpiresAt: r.Reservation.ExpiresAt}
	}
	if s, err := split(r.BetLamports); err == nil {
		v.Split = &s
	}
	if r.Status == round.StatusResolved {
		if p, ok := r.Proof(); ok {
			v.Proof = &p
		}
	}
	return v
}
