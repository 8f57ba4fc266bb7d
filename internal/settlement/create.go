package settlement

import (
	"context"
	"strings"
	"time"

	"FlipSettle/internal/apperr"
	"FlipSettle/internal/round"
)

// CreateRequest opens a round backed by the creator's deposit.
type CreateRequest struct {
	BetLamports int64
	Creator     string
	DepositRef  string
}

// Create verifies the creator's deposit and stores a new round in status
// created.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (_ *round.Round, err error) {
	ctx, span := e.startSpan(ctx, "Create", "")
	defer func() { endSpan(span, err) }()
	start := time.Now()
	defer func() { e.metrics.ObserveOp("create", start, resultLabel(err, "created")) }()

	req.Creator = strings.TrimSpace(req.Creator)
	req.DepositRef = strings.TrimSpace(req.DepositRef)
	if req.BetLamports <= 0 {
		return nil, apperr.Newf(apperr.CodeValidation, "bet must be positive, got %d", req.BetLamports)
	}
	if _, err := e.Split(req.BetLamports); err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, "bet too small", err)
	}
	if !round.ValidAddress(req.Creator) {
		return nil, apperr.Newf(apperr.CodeValidation, "invalid creator address %q", req.Creator)
	}
	if req.DepositRef == "" {
		return nil, apperr.New(apperr.CodeValidation, "deposit reference is required")
	}

	if e.usedRefs.Seen(ctx, req.DepositRef) {
		e.duplicate()
		return nil, apperr.Newf(apperr.CodeDuplicateDeposit, "deposit %s already used", req.DepositRef)
	}

	if _, err := e.verifyDeposit(ctx, req.DepositRef, req.Creator, req.BetLamports); err != nil {
		return nil, err
	}

	r := &round.Round{
		ID:          newRoundID(),
		CreatedAt:   e.now().UTC(),
		BetLamports: req.BetLamports,
		Creator:     req.Creator,
		DepositRef:  req.DepositRef,
		Status:      round.StatusCreated,
	}

	claimed, err := e.usedRefs.Claim(ctx, req.DepositRef, r.ID)
	if err != nil {
		return nil, storeErr(err)
	}
	if !claimed {
		e.duplicate()
		return nil, apperr.Newf(apperr.CodeDuplicateDeposit, "deposit %s already used", req.DepositRef)
	}

	if err := e.save(ctx, nil, r, "create"); err != nil {
		if relErr := e.usedRefs.Release(ctx, req.DepositRef, r.ID); relErr != nil {
			e.log.Error().Err(relErr).Str("ref", req.DepositRef).Msg("release deposit claim failed")
		}
		if apperr.CodeOf(err) == apperr.CodeUnknown {
			return nil, apperr.Wrap(apperr.CodeConflict, "round id collision", err)
		}
		return nil, err
	}
	e.usedRefs.Commit(req.DepositRef)

	if err := e.store.IndexAdd(ctx, indexAll, r.ID, r.CreatedAt.UnixMilli()); err != nil {
		e.log.Warn().Err(err).Str("round", r.ID).Msg("index add failed")
	}
	e.reindex(ctx, r, "")

	if e.metrics != nil {
		e.metrics.RoundsCreated.Inc()
	}
	e.log.Info().
		Str("round", r.ID).
		Str("creator", r.Creator).
		Int64("bet_lamports", r.BetLamports).
		Msg("round created")
	return r, nil
}

func (e *Engine) duplicate() {
	if e.metrics != nil {
		e.metrics.DuplicateDeposits.Inc()
	}
}
