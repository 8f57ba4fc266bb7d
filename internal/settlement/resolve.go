package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"FlipSettle/internal/apperr"
	"FlipSettle/internal/kv"
	"FlipSettle/internal/ledger"
	"FlipSettle/internal/notify"
	"FlipSettle/internal/round"
)

// lockMargin pads lock TTLs past the longest wait done under them.
const lockMargin = 10 * time.Second

var errStillPending = errors.New("transfer still pending")

// ResolveResult is the round after a resolve call. DidResolve is true only
// when this call performed the joined -> resolved transition.
type ResolveResult struct {
	Round      *round.Round
	DidResolve bool
}

// Resolve pays the winner of a joined round and marks it resolved. Safe to
// call any number of times: created and resolved rounds are returned as is.
// A payout is recorded on the round before its first broadcast, and a
// recorded payout is only ever resent until its outcome is final.
func (e *Engine) Resolve(ctx context.Context, roundID string) (res ResolveResult, err error) {
	ctx, span := e.startSpan(ctx, "Resolve", roundID)
	defer func() { endSpan(span, err) }()
	start := time.Now()
	defer func() {
		label := resultLabel(err, "noop")
		if err == nil && res.DidResolve {
			label = "resolved"
		}
		e.metrics.ObserveOp("resolve", start, label)
	}()

	r, err := e.load(ctx, roundID)
	if err != nil {
		return res, err
	}
	if r.Status != round.StatusJoined {
		res.Round = r
		return res, nil
	}

	token, ok, err := e.acquire(ctx, resolvingKey(r.ID), e.cfg.ResolveTimeout+lockMargin)
	if err != nil {
		return res, err
	}
	if !ok {
		return res, apperr.Newf(apperr.CodeResolveInProgress, "round %s is being resolved", r.ID)
	}
	defer e.release(context.WithoutCancel(ctx), resolvingKey(r.ID), token)

	// Re-read under the lock; another resolver may have finished between
	// our first read and the acquire.
	r, err = e.load(ctx, roundID)
	if err != nil {
		return res, err
	}
	if r.Status != round.StatusJoined {
		res.Round = r
		return res, nil
	}

	split, err := e.Split(r.BetLamports)
	if err != nil {
		return res, apperr.Wrap(apperr.CodeInternal, "split", err)
	}
	proof, ok := r.Proof()
	if !ok {
		return res, apperr.Newf(apperr.CodeInternal, "round %s joined without both deposits", r.ID)
	}

	// A payout recorded by an earlier attempt is the only one that may be
	// broadcast until it is known to be dead.
	if r.PendingPayout != nil {
		confirmed, cur, err := e.recheckPayout(ctx, r)
		if err != nil {
			return res, err
		}
		if confirmed {
			ref := cur.PendingPayout.Ref
			final, err := e.finish(ctx, cur, ref, proof, split)
			if err != nil {
				return res, err
			}
			return ResolveResult{Round: final, DidResolve: final.PayoutRef == ref}, nil
		}
		r = cur
	}

	fresh := r.PendingPayout == nil
	if fresh {
		if r, err = e.recordPayout(ctx, r, proof.Winner, split.PayoutLamports); err != nil {
			return res, err
		}
	}
	payout := r.PendingPayout

	// From here a transfer may exist; bookkeeping must not be cut short by
	// the caller going away.
	ctx = context.WithoutCancel(ctx)
	if err := e.send(ctx, payout); err != nil {
		switch {
		case fresh && errors.Is(err, ledger.ErrRejected):
			// The only copy was refused, so nothing can land under this ref.
			if cur, clearErr := e.clearPending(ctx, r); clearErr == nil {
				r = cur
			}
			err = submitErr("payout", err)
			e.recordAttempt(ctx, r, err)
			return res, err
		case errors.Is(err, ledger.ErrRejected):
			e.log.Debug().Err(err).Str("round", r.ID).Str("payout_ref", payout.Ref).Msg("payout resend refused")
		default:
			e.log.Warn().Err(err).Str("round", r.ID).Str("payout_ref", payout.Ref).Msg("payout broadcast unacknowledged, checking ledger")
		}
	}
	e.log.Info().
		Str("round", r.ID).
		Str("winner", proof.Winner).
		Str("payout_ref", payout.Ref).
		Int64("payout_lamports", split.PayoutLamports).
		Bool("resend", !fresh).
		Msg("payout submitted")

	ref := payout.Ref
	outcome, err := e.awaitConfirmation(ctx, ref)
	if err != nil {
		err = ledgerErr("confirm payout "+ref, err)
		e.recordAttempt(ctx, r, err)
		return res, err
	}
	switch outcome {
	case ledger.OutcomeConfirmed:
		final, err := e.finish(ctx, r, ref, proof, split)
		if err != nil {
			return res, err
		}
		return ResolveResult{Round: final, DidResolve: final.PayoutRef == ref}, nil
	case ledger.OutcomeFailed:
		cur, clearErr := e.clearPending(ctx, r)
		if clearErr == nil {
			r = cur
		}
		err = apperr.Newf(apperr.CodePayoutSubmissionFailed, "payout %s failed on the ledger", ref)
		e.recordAttempt(ctx, r, err)
		return res, err
	default:
		err = apperr.Newf(apperr.CodePayoutPending, "payout %s not confirmed within %s", ref, e.cfg.ResolveTimeout)
		e.recordAttempt(ctx, r, err)
		return res, err
	}
}

// recordPayout checks the pot, signs a payout and records it on the round.
// Nothing is broadcast here: if the record cannot be written the prepared
// transfer is dropped unsent.
func (e *Engine) recordPayout(ctx context.Context, r *round.Round, winner string, amount int64) (*round.Round, error) {
	bal, err := e.balance(ctx, e.cfg.PotAddress)
	if err != nil {
		err = ledgerErr("read pot balance", err)
		e.recordAttempt(ctx, r, err)
		return r, err
	}
	if need := amount + e.cfg.SafetyBufferLamports; bal < need {
		err = apperr.Newf(apperr.CodeInsufficientPotBalance,
			"pot holds %d lamports, payout needs %d", bal, need)
		e.recordAttempt(ctx, r, err)
		e.log.Warn().Str("round", r.ID).Int64("balance", bal).Int64("need", need).Msg("pot balance too low")
		return r, err
	}

	prepared, err := e.prepare(ctx, winner, amount)
	if err != nil {
		err = submitErr("payout", err)
		e.recordAttempt(ctx, r, err)
		return r, err
	}

	next := r.Clone()
	next.PendingPayout = &round.PendingTransfer{
		Ref:         prepared.Ref,
		To:          winner,
		Amount:      amount,
		SubmittedAt: e.now().UTC(),
		Payload:     prepared.Payload,
	}
	if err := e.save(ctx, r, next, "resolve"); err != nil {
		e.log.Warn().Err(err).Str("round", r.ID).Str("payout_ref", prepared.Ref).Msg("payout not recorded, not sending")
		if errors.Is(err, kv.ErrVersionConflict) {
			return r, apperr.New(apperr.CodeConflict, "round changed before the payout was recorded, retry")
		}
		return r, err
	}
	return next, nil
}

// recheckPayout inspects a payout recorded by an earlier attempt. It reports
// confirmed when that payout landed. Otherwise the returned round either
// still holds the payout, which may yet land and must be resent rather than
// replaced, or has it cleared because it can no longer land.
func (e *Engine) recheckPayout(ctx context.Context, r *round.Round) (bool, *round.Round, error) {
	p := r.PendingPayout
	outcome, err := e.confirm(ctx, p.Ref)
	if err != nil {
		return false, r, ledgerErr("recheck payout "+p.Ref, err)
	}

	switch outcome {
	case ledger.OutcomeConfirmed:
		return true, r, nil
	case ledger.OutcomeFailed:
		e.log.Warn().Str("round", r.ID).Str("payout_ref", p.Ref).Msg("previous payout failed, preparing a new one")
	default:
		age := e.now().Sub(p.SubmittedAt)
		if age < e.cfg.PayoutExpiry {
			return false, r, nil
		}
		e.log.Warn().
			Str("round", r.ID).
			Str("payout_ref", p.Ref).
			Dur("age", age).
			Msg("previous payout expired without landing, treating as dropped")
	}

	cur, err := e.clearPending(ctx, r)
	if err != nil {
		return false, r, err
	}
	return false, cur, nil
}

func (e *Engine) clearPending(ctx context.Context, r *round.Round) (*round.Round, error) {
	next := r.Clone()
	next.PendingPayout = nil
	if err := e.save(ctx, r, next, "resolve"); err != nil {
		if errors.Is(err, kv.ErrVersionConflict) {
			return nil, apperr.New(apperr.CodeConflict, "round changed while clearing payout, retry")
		}
		return nil, err
	}
	return next, nil
}

// awaitConfirmation polls the ledger until ref is final or the resolve
// timeout passes, in which case it reports OutcomePending.
func (e *Engine) awaitConfirmation(ctx context.Context, ref string) (ledger.Outcome, error) {
	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.ResolveTimeout)
	defer cancel()

	op := func() (ledger.Outcome, error) {
		out, err := e.confirm(waitCtx, ref)
		if err != nil {
			return out, err
		}
		if out == ledger.OutcomeConfirmed || out == ledger.OutcomeFailed {
			return out, nil
		}
		return out, errStillPending
	}

	out, err := backoff.Retry(waitCtx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(e.cfg.ConfirmInterval)),
		backoff.WithMaxElapsedTime(e.cfg.ResolveTimeout),
	)
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return ledger.OutcomePending, ctx.Err()
	}
	if errors.Is(err, errStillPending) || errors.Is(err, context.DeadlineExceeded) {
		return ledger.OutcomePending, nil
	}
	return out, err
}

// finish writes the resolved transition for a confirmed payout ref.
func (e *Engine) finish(ctx context.Context, r *round.Round, ref string, proof round.Proof, split round.Split) (*round.Round, error) {
	for attempt := 0; attempt < 3; attempt++ {
		if r.Status == round.StatusResolved {
			return r, nil
		}
		next := r.Clone()
		next.Status = round.StatusResolved
		next.Winner = proof.Winner
		next.PayoutRef = ref
		next.ResolvedAt = e.now().UTC()
		next.PendingPayout = nil
		next.LastResolveAttempt = nil

		err := e.save(ctx, r, next, "resolve")
		if err == nil {
			e.reindex(ctx, next, r.Status)
			if e.metrics != nil {
				e.metrics.PayoutLamports.Add(float64(split.PayoutLamports))
				e.metrics.FeeLamports.Add(float64(2 * split.FeeLamports))
			}
			e.log.Info().
				Str("round", next.ID).
				Str("winner", next.Winner).
				Str("side", string(proof.WinnerSide)).
				Str("payout_ref", ref).
				Msg("round resolved")
			e.notifyOnce(ctx, next, proof, split)
			return next, nil
		}
		if !errors.Is(err, kv.ErrVersionConflict) {
			return nil, err
		}
		if r, err = e.load(ctx, r.ID); err != nil {
			return nil, err
		}
	}
	return nil, apperr.Newf(apperr.CodeConflict, "round %s kept changing while resolving", r.ID)
}

func (e *Engine) notifyOnce(ctx context.Context, r *round.Round, proof round.Proof, split round.Split) {
	if e.notifier == nil {
		return
	}
	first, err := e.store.SetIfAbsent(ctx, notifiedKey(r.ID), []byte(r.PayoutRef), e.cfg.NotifyDedupTTL)
	if err != nil {
		e.log.Warn().Err(err).Str("round", r.ID).Msg("notify dedup check failed")
		return
	}
	if !first {
		return
	}
	event := notify.Result{
		RoundID:        r.ID,
		Winner:         r.Winner,
		Loser:          r.Loser(),
		WinnerSide:     string(proof.WinnerSide),
		BetLamports:    split.BetLamports,
		PayoutLamports: split.PayoutLamports,
		PayoutRef:      r.PayoutRef,
		RandomnessHash: proof.RandomnessHashHex,
		ResolvedAt:     r.ResolvedAt,
	}
	if err := e.notifier.Notify(ctx, event); err != nil {
		e.log.Warn().Err(err).Str("round", r.ID).Msg("result notification not queued")
	}
}

// recordAttempt stores the failure diagnostic. Best effort.
func (e *Engine) recordAttempt(ctx context.Context, r *round.Round, cause error) {
	ctx = context.WithoutCancel(ctx)
	next := r.Clone()
	next.LastResolveAttempt = &round.ResolveAttempt{
		Code:   string(apperr.CodeOf(cause)),
		Reason: cause.Error(),
		At:     e.now().UTC(),
	}
	if err := e.save(ctx, r, next, "diagnostic"); err != nil {
		e.log.Debug().Err(err).Str("round", r.ID).Msg("diagnostic not recorded")
	}
}

func submitErr(what string, err error) error {
	if ctxErr := contextErr(err); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, ledger.ErrUnavailable) {
		return apperr.Wrap(apperr.CodeLedgerUnavailable, fmt.Sprintf("submit %s", what), err)
	}
	return apperr.Wrap(apperr.CodePayoutSubmissionFailed, fmt.Sprintf("submit %s", what), err)
}
