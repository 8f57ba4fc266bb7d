package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"FlipSettle/internal/apperr"
	"FlipSettle/internal/ledger"
)

var errNotYetConfirmed = errors.New("deposit not yet confirmed")

// verifyDeposit checks that ref is a confirmed transfer of at least
// minAmount from depositor to the pot. The ledger is polled a bounded
// number of times since a deposit the client just sent may not have landed.
//
// Over-deposits are accepted; the excess stays in the pot.
func (e *Engine) verifyDeposit(ctx context.Context, ref, depositor string, minAmount int64) (ledger.Transfer, error) {
	op := func() (ledger.Transfer, error) {
		start := time.Now()
		tr, err := e.ledger.LookupTransfer(ctx, ref)
		switch {
		case errors.Is(err, ledger.ErrNotFound):
			e.metrics.ObserveLedger("lookup", start, nil)
			return tr, errNotYetConfirmed
		case err != nil:
			e.metrics.ObserveLedger("lookup", start, err)
			return tr, err
		}
		e.metrics.ObserveLedger("lookup", start, nil)
		if tr.Failed {
			return tr, nil
		}
		if !tr.Confirmed {
			return tr, errNotYetConfirmed
		}
		return tr, nil
	}

	tr, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(e.cfg.DepositInterval)),
		backoff.WithMaxTries(uint(e.cfg.DepositAttempts)),
	)

	outcome := "ok"
	defer func() {
		if e.metrics != nil {
			e.metrics.DepositVerifications.WithLabelValues(outcome).Inc()
		}
	}()

	switch {
	case errors.Is(err, errNotYetConfirmed):
		outcome = "invalid"
		return tr, apperr.Newf(apperr.CodeDepositInvalid,
			"deposit %s not found or not confirmed after %d attempts", ref, e.cfg.DepositAttempts)
	case err != nil:
		outcome = "unavailable"
		return tr, ledgerErr("verify deposit "+ref, err)
	case tr.Failed:
		outcome = "failed"
		return tr, apperr.Newf(apperr.CodeDepositFailed, "deposit %s failed on the ledger", ref)
	case tr.From != depositor:
		outcome = "mismatch"
		return tr, apperr.Newf(apperr.CodeDepositMismatch,
			"deposit %s was sent by %s, not %s", ref, tr.From, depositor)
	case tr.To != e.cfg.PotAddress:
		outcome = "mismatch"
		return tr, apperr.Newf(apperr.CodeDepositMismatch, "deposit %s was not sent to the pot", ref)
	case tr.Amount < minAmount:
		outcome = "mismatch"
		return tr, apperr.Newf(apperr.CodeDepositMismatch,
			"deposit %s is %d lamports, want at least %d", ref, tr.Amount, minAmount)
	}
	return tr, nil
}
