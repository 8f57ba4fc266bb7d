package settlement

import (
	"context"
	"errors"
	"strings"
	"time"

	"FlipSettle/internal/apperr"
	"FlipSettle/internal/kv"
	"FlipSettle/internal/ledger"
	"FlipSettle/internal/round"
)

// LeaveResult carries the confirmed refund reference. Round is the final
// state before deletion.
type LeaveResult struct {
	RefundRef string
	Round     *round.Round
}

// Leave withdraws an unjoined round: the creator gets the post-fee stake
// back and the round is deleted. The refund is recorded before it is
// broadcast, so a retried Leave resends that one transfer instead of paying
// twice.
func (e *Engine) Leave(ctx context.Context, roundID, creator string) (res LeaveResult, err error) {
	ctx, span := e.startSpan(ctx, "Leave", roundID)
	defer func() { endSpan(span, err) }()
	start := time.Now()
	defer func() { e.metrics.ObserveOp("leave", start, resultLabel(err, "refunded")) }()

	creator = strings.TrimSpace(creator)
	r, err := e.load(ctx, roundID)
	if err != nil {
		return res, err
	}
	if err := checkLeavable(r, creator, e.now()); err != nil {
		return res, err
	}
	if r.Reservation != nil {
		e.release(ctx, seatKey(r.ID), r.Reservation.Token)
	}

	// Holding the seat key keeps reservations out for the whole refund.
	token, ok, err := e.acquire(ctx, seatKey(r.ID), e.cfg.ResolveTimeout+lockMargin)
	if err != nil {
		return res, err
	}
	if !ok {
		return res, apperr.Newf(apperr.CodeReservationConflict, "round %s is reserved", r.ID)
	}
	defer e.release(context.WithoutCancel(ctx), seatKey(r.ID), token)

	r, err = e.load(ctx, roundID)
	if err != nil {
		return res, err
	}
	if err := checkLeavable(r, creator, e.now()); err != nil {
		return res, err
	}

	split, err := e.Split(r.BetLamports)
	if err != nil {
		return res, apperr.Wrap(apperr.CodeInternal, "split", err)
	}

	if r.Refund != nil {
		confirmed, cur, err := e.recheckRefund(ctx, r)
		if err != nil {
			return res, err
		}
		if confirmed {
			return e.completeLeave(ctx, cur, cur.Refund.Ref)
		}
		r = cur
	}

	fresh := r.Refund == nil
	if fresh {
		prepared, err := e.prepare(ctx, r.Creator, split.PotLamports)
		if err != nil {
			return res, submitErr("refund", err)
		}
		next := r.Clone()
		next.Reservation = nil
		next.Refund = &round.PendingTransfer{
			Ref:         prepared.Ref,
			To:          r.Creator,
			Amount:      split.PotLamports,
			SubmittedAt: e.now().UTC(),
			Payload:     prepared.Payload,
		}
		if err := e.save(ctx, r, next, "leave"); err != nil {
			e.log.Warn().Err(err).Str("round", r.ID).Str("refund_ref", prepared.Ref).Msg("refund not recorded, not sending")
			if errors.Is(err, kv.ErrVersionConflict) {
				return res, apperr.New(apperr.CodeConflict, "round changed during leave, retry")
			}
			return res, err
		}
		r = next
	}
	refund := r.Refund

	ctx = context.WithoutCancel(ctx)
	if err := e.send(ctx, refund); err != nil {
		switch {
		case fresh && errors.Is(err, ledger.ErrRejected):
			if _, clearErr := e.clearRefund(ctx, r); clearErr != nil {
				e.log.Error().Err(clearErr).Str("round", r.ID).Msg("clear refund mark failed")
			}
			return res, submitErr("refund", err)
		case errors.Is(err, ledger.ErrRejected):
			e.log.Debug().Err(err).Str("round", r.ID).Str("refund_ref", refund.Ref).Msg("refund resend refused")
		default:
			e.log.Warn().Err(err).Str("round", r.ID).Str("refund_ref", refund.Ref).Msg("refund broadcast unacknowledged, checking ledger")
		}
	}

	ref := refund.Ref
	outcome, err := e.awaitConfirmation(ctx, ref)
	if err != nil {
		return res, ledgerErr("confirm refund "+ref, err)
	}
	switch outcome {
	case ledger.OutcomeConfirmed:
		return e.completeLeave(ctx, r, ref)
	case ledger.OutcomeFailed:
		if _, clearErr := e.clearRefund(ctx, r); clearErr != nil {
			e.log.Error().Err(clearErr).Str("round", r.ID).Msg("clear refund mark failed")
		}
		return res, apperr.Newf(apperr.CodePayoutSubmissionFailed, "refund %s failed on the ledger", ref)
	default:
		return res, apperr.Newf(apperr.CodePayoutPending, "refund %s not confirmed within %s", ref, e.cfg.ResolveTimeout)
	}
}

func checkLeavable(r *round.Round, creator string, now time.Time) error {
	if r.Status != round.StatusCreated {
		return apperr.Newf(apperr.CodeRoundNotOpen, "round %s is %s", r.ID, r.Status)
	}
	if creator != r.Creator {
		return apperr.New(apperr.CodeNotDepositor, "only the creator can leave a round")
	}
	if r.Reservation.Live(now) {
		return apperr.Newf(apperr.CodeReservationConflict, "round %s is reserved", r.ID)
	}
	return nil
}

// recheckRefund mirrors recheckPayout for a refund left by an earlier Leave.
func (e *Engine) recheckRefund(ctx context.Context, r *round.Round) (bool, *round.Round, error) {
	p := r.Refund
	age := e.now().Sub(p.SubmittedAt)

	if p.Ref == "" {
		// A mark without a reference cannot be rechecked; wait it out.
		if age < e.cfg.PayoutExpiry {
			return false, r, apperr.Newf(apperr.CodePayoutPending, "refund for round %s is in flight", r.ID)
		}
		e.log.Warn().Str("round", r.ID).Dur("age", age).Msg("stale refund mark without a reference, dropping it")
	} else {
		outcome, err := e.confirm(ctx, p.Ref)
		if err != nil {
			return false, r, ledgerErr("recheck refund "+p.Ref, err)
		}
		switch outcome {
		case ledger.OutcomeConfirmed:
			return true, r, nil
		case ledger.OutcomeFailed:
			e.log.Warn().Str("round", r.ID).Str("refund_ref", p.Ref).Msg("previous refund failed, preparing a new one")
		default:
			if age < e.cfg.PayoutExpiry {
				return false, r, nil
			}
			e.log.Warn().Str("round", r.ID).Str("refund_ref", p.Ref).Msg("previous refund expired without landing, treating as dropped")
		}
	}

	cur, err := e.clearRefund(ctx, r)
	if err != nil {
		return false, r, err
	}
	return false, cur, nil
}

func (e *Engine) clearRefund(ctx context.Context, r *round.Round) (*round.Round, error) {
	next := r.Clone()
	next.Refund = nil
	if err := e.save(ctx, r, next, "leave"); err != nil {
		if errors.Is(err, kv.ErrVersionConflict) {
			return nil, apperr.New(apperr.CodeConflict, "round changed while clearing refund, retry")
		}
		return nil, err
	}
	return next, nil
}

// completeLeave deletes a round whose refund is confirmed.
func (e *Engine) completeLeave(ctx context.Context, r *round.Round, ref string) (LeaveResult, error) {
	if err := e.store.Delete(ctx, roundKey(r.ID), r.Version); err != nil {
		if errors.Is(err, kv.ErrVersionConflict) {
			return LeaveResult{}, apperr.New(apperr.CodeConflict, "round changed before deletion, retry")
		}
		return LeaveResult{}, storeErr(err)
	}
	for _, idx := range []string{indexAll, statusIndex(round.StatusCreated)} {
		if err := e.store.IndexRemove(ctx, idx, r.ID); err != nil {
			e.log.Warn().Err(err).Str("round", r.ID).Str("index", idx).Msg("index remove failed")
		}
	}

	e.log.Info().
		Str("round", r.ID).
		Str("creator", r.Creator).
		Str("refund_ref", ref).
		Msg("round withdrawn")
	return LeaveResult{RefundRef: ref, Round: r}, nil
}
