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

// JoinRequest redeems a reservation with the joiner's deposit.
type JoinRequest struct {
	RoundID    string
	Joiner     string
	Token      string
	DepositRef string
}

// JoinResult is the joined (or already resolved) round. AutoResolved is
// false when the immediate resolve was deferred; the round is still joined.
type JoinResult struct {
	Round        *round.Round
	AutoResolved bool
}

// Join verifies the joiner's deposit under a live reservation, moves the
// round to joined, then attempts to resolve it.
func (e *Engine) Join(ctx context.Context, req JoinRequest) (_ JoinResult, err error) {
	ctx, span := e.startSpan(ctx, "Join", req.RoundID)
	defer func() { endSpan(span, err) }()
	start := time.Now()
	defer func() { e.metrics.ObserveOp("join", start, resultLabel(err, "joined")) }()

	req.Joiner = strings.TrimSpace(req.Joiner)
	req.DepositRef = strings.TrimSpace(req.DepositRef)
	if !round.ValidAddress(req.Joiner) {
		return JoinResult{}, apperr.Newf(apperr.CodeValidation, "invalid joiner address %q", req.Joiner)
	}
	if req.Token == "" {
		return JoinResult{}, apperr.New(apperr.CodeValidation, "reservation token is required")
	}
	if req.DepositRef == "" {
		return JoinResult{}, apperr.New(apperr.CodeValidation, "deposit reference is required")
	}

	r, err := e.load(ctx, req.RoundID)
	if err != nil {
		return JoinResult{}, err
	}
	if err := checkJoinable(r, req, e.now()); err != nil {
		return JoinResult{}, err
	}
	if req.DepositRef == r.DepositRef || e.usedRefs.Seen(ctx, req.DepositRef) {
		e.duplicate()
		return JoinResult{}, apperr.Newf(apperr.CodeDuplicateDeposit, "deposit %s already used", req.DepositRef)
	}

	// Verification failures leave the round untouched; the reservation
	// stays live until it expires.
	if _, err := e.verifyDeposit(ctx, req.DepositRef, req.Joiner, r.BetLamports); err != nil {
		return JoinResult{}, err
	}

	claimed, err := e.usedRefs.Claim(ctx, req.DepositRef, r.ID)
	if err != nil {
		return JoinResult{}, storeErr(err)
	}
	if !claimed {
		e.duplicate()
		return JoinResult{}, apperr.Newf(apperr.CodeDuplicateDeposit, "deposit %s already used", req.DepositRef)
	}

	// The version read above is the authority: if the reservation lapsed
	// while the deposit was being verified but nobody touched the round,
	// the join still commits.
	next := r.Clone()
	next.Status = round.StatusJoined
	next.Joiner = req.Joiner
	next.JoinDepositRef = req.DepositRef
	next.Reservation = nil
	next.LastResolveAttempt = nil

	if err := e.save(ctx, r, next, "join"); err != nil {
		if relErr := e.usedRefs.Release(ctx, req.DepositRef, r.ID); relErr != nil {
			e.log.Error().Err(relErr).Str("ref", req.DepositRef).Msg("release deposit claim failed")
		}
		if !errors.Is(err, kv.ErrVersionConflict) {
			return JoinResult{}, err
		}
		return JoinResult{}, e.explainJoinConflict(ctx, req)
	}
	e.usedRefs.Commit(req.DepositRef)

	e.release(ctx, seatKey(r.ID), req.Token)
	e.reindex(ctx, next, r.Status)

	e.log.Info().
		Str("round", next.ID).
		Str("joiner", next.Joiner).
		Str("deposit_ref", next.JoinDepositRef).
		Msg("round joined")

	res, resolveErr := e.Resolve(ctx, next.ID)
	if resolveErr != nil {
		e.log.Warn().
			Err(resolveErr).
			Str("round", next.ID).
			Str("code", string(apperr.CodeOf(resolveErr))).
			Msg("resolve deferred after join")
		if cur, loadErr := e.load(ctx, next.ID); loadErr == nil {
			next = cur
		}
		return JoinResult{Round: next, AutoResolved: false}, nil
	}
	return JoinResult{Round: res.Round, AutoResolved: res.Round.Status == round.StatusResolved}, nil
}

func checkJoinable(r *round.Round, req JoinRequest, now time.Time) error {
	if r.Status != round.StatusCreated {
		return apperr.Newf(apperr.CodeReservationExpired, "round %s is already %s", r.ID, r.Status)
	}
	if r.Refund != nil {
		return apperr.Newf(apperr.CodeRoundNotOpen, "round %s is being withdrawn", r.ID)
	}
	if !r.Reservation.Live(now) {
		return apperr.Newf(apperr.CodeReservationExpired, "no live reservation on round %s", r.ID)
	}
	if r.Reservation.Token != req.Token || r.Reservation.Joiner != req.Joiner {
		return apperr.New(apperr.CodeBadReservationToken, "reservation token does not match")
	}
	return nil
}

// explainJoinConflict maps a lost compare-and-set to the caller's view of
// what happened to the round.
func (e *Engine) explainJoinConflict(ctx context.Context, req JoinRequest) error {
	cur, err := e.load(ctx, req.RoundID)
	if apperr.HasCode(err, apperr.CodeNotFound) {
		return apperr.Newf(apperr.CodeReservationExpired, "round %s no longer exists", req.RoundID)
	}
	if err != nil {
		return err
	}
	if cur.Status != round.StatusCreated {
		return apperr.Newf(apperr.CodeReservationExpired, "round %s was joined by someone else", cur.ID)
	}
	if cur.Reservation == nil || cur.Reservation.Token != req.Token {
		return apperr.Newf(apperr.CodeReservationExpired, "reservation on round %s was replaced", cur.ID)
	}
	return apperr.New(apperr.CodeConflict, "round changed during join, retry")
}
