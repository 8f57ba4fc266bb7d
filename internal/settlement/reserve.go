package settlement

import (
	"context"
	"errors"
	"strings"
	"time"

	"FlipSettle/internal/apperr"
	"FlipSettle/internal/kv"
	"FlipSettle/internal/round"
)

// ReserveJoin grants candidate a short exclusive window to join the round.
// A live reservation blocks everyone, including its own holder.
func (e *Engine) ReserveJoin(ctx context.Context, roundID, candidate string) (_ *round.Reservation, err error) {
	ctx, span := e.startSpan(ctx, "ReserveJoin", roundID)
	defer func() { endSpan(span, err) }()
	start := time.Now()
	defer func() { e.metrics.ObserveOp("reserve", start, resultLabel(err, "reserved")) }()

	candidate = strings.TrimSpace(candidate)
	if !round.ValidAddress(candidate) {
		return nil, apperr.Newf(apperr.CodeValidation, "invalid joiner address %q", candidate)
	}

	r, err := e.load(ctx, roundID)
	if err != nil {
		return nil, err
	}
	if err := e.checkReservable(r, candidate, e.now()); err != nil {
		return nil, err
	}

	// An expired reservation may still own the seat key if its TTL and the
	// record disagree slightly; hand the seat back before competing for it.
	if r.Reservation != nil {
		e.release(ctx, seatKey(r.ID), r.Reservation.Token)
	}

	token, ok, err := e.acquire(ctx, seatKey(r.ID), e.cfg.ReservationWindow)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.New(apperr.CodeReservationConflict, "round already reserved")
	}

	now := e.now()
	next := r.Clone()
	next.Reservation = &round.Reservation{
		Token:     token,
		Joiner:    candidate,
		ExpiresAt: now.Add(e.cfg.ReservationWindow).UTC(),
	}
	next.LastResolveAttempt = nil

	if err := e.save(ctx, r, next, "reserve"); err != nil {
		e.release(ctx, seatKey(r.ID), token)
		if !errors.Is(err, kv.ErrVersionConflict) {
			return nil, err
		}
		// Someone changed the round between our read and write; report
		// whatever they left behind.
		cur, loadErr := e.load(ctx, roundID)
		if loadErr != nil {
			return nil, loadErr
		}
		if err := e.checkReservable(cur, candidate, e.now()); err != nil {
			return nil, err
		}
		return nil, apperr.New(apperr.CodeConflict, "round changed during reservation, retry")
	}

	e.log.Info().
		Str("round", r.ID).
		Str("joiner", candidate).
		Time("expires_at", next.Reservation.ExpiresAt).
		Msg("seat reserved")
	res := *next.Reservation
	return &res, nil
}

func (e *Engine) checkReservable(r *round.Round, candidate string, now time.Time) error {
	if r.Status != round.StatusCreated {
		return apperr.Newf(apperr.CodeRoundNotOpen, "round %s is %s", r.ID, r.Status)
	}
	if r.Refund != nil {
		return apperr.Newf(apperr.CodeRoundNotOpen, "round %s is being withdrawn", r.ID)
	}
	if candidate == r.Creator {
		return apperr.New(apperr.CodeValidation, "creator cannot join their own round")
	}
	if r.Reservation.Live(now) {
		return apperr.Newf(apperr.CodeReservationConflict,
			"round %s reserved until %s", r.ID, r.Reservation.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}
