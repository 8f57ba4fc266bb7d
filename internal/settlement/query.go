package settlement

import (
	"context"
	"errors"

	"FlipSettle/internal/apperr"
	"FlipSettle/internal/kv"
	"FlipSettle/internal/round"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 100
)

// ListRequest filters List. An empty Status lists every round.
type ListRequest struct {
	Status round.Status
	Limit  int
}

// Get returns the round, sweeping an expired reservation first.
func (e *Engine) Get(ctx context.Context, roundID string) (_ *round.Round, err error) {
	ctx, span := e.startSpan(ctx, "Get", roundID)
	defer func() { endSpan(span, err) }()

	r, err := e.load(ctx, roundID)
	if err != nil {
		return nil, err
	}
	return e.sweep(ctx, r), nil
}

// List returns rounds newest first.
func (e *Engine) List(ctx context.Context, req ListRequest) (_ []*round.Round, err error) {
	ctx, span := e.startSpan(ctx, "List", "")
	defer func() { endSpan(span, err) }()

	if req.Status != "" && !req.Status.Valid() {
		return nil, apperr.Newf(apperr.CodeValidation, "unknown status %q", req.Status)
	}
	limit := req.Limit
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}

	index := indexAll
	if req.Status != "" {
		index = statusIndex(req.Status)
	}

	// Over-fetch so a few stale index entries do not shorten the page.
	members, err := e.store.RangeByScore(ctx, index, kv.FullRange(limit*2+10, true))
	if err != nil {
		return nil, storeErr(err)
	}

	now := e.now()
	out := make([]*round.Round, 0, limit)
	for _, id := range members {
		if len(out) == limit {
			break
		}
		r, err := e.load(ctx, id)
		if apperr.HasCode(err, apperr.CodeNotFound) {
			e.dropStale(ctx, index, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if req.Status != "" && r.Status != req.Status {
			e.dropStale(ctx, index, id)
			continue
		}
		// Listing is read-only; expired reservations are hidden, not written.
		r.SweepReservation(now)
		out = append(out, r)
	}
	return out, nil
}

// sweep clears an expired reservation on r and persists it best effort.
func (e *Engine) sweep(ctx context.Context, r *round.Round) *round.Round {
	if r.Reservation == nil || r.Reservation.Live(e.now()) {
		return r
	}
	token := r.Reservation.Token
	next := r.Clone()
	next.SweepReservation(e.now())
	if err := e.save(ctx, r, next, "sweep"); err != nil {
		if !errors.Is(err, kv.ErrVersionConflict) {
			e.log.Warn().Err(err).Str("round", r.ID).Msg("reservation sweep failed")
		}
		return next
	}
	e.release(ctx, seatKey(r.ID), token)
	e.log.Debug().Str("round", r.ID).Msg("expired reservation swept")
	return next
}

// Cursor is a position in a status index walk. Rounds are ordered by
// creation time, then id; the zero Cursor precedes every round.
type Cursor struct {
	Score int64
	ID    string
}

// CursorOf returns the position of r, so a walk resumed from it starts with
// the round after r.
func CursorOf(r *round.Round) Cursor {
	return Cursor{Score: r.CreatedAt.UnixMilli(), ID: r.ID}
}

func (c Cursor) precedes(r *round.Round) bool {
	if c == (Cursor{}) {
		return true
	}
	at := CursorOf(r)
	if c.Score != at.Score {
		return c.Score < at.Score
	}
	return c.ID < at.ID
}

// walk loads up to limit rounds with the given status positioned after c.
// Index entries whose round is gone or has moved on are dropped.
func (e *Engine) walk(ctx context.Context, status round.Status, after Cursor, limit int) ([]*round.Round, error) {
	index := statusIndex(status)
	fetch := limit
	for {
		q := kv.FullRange(fetch, false)
		if after != (Cursor{}) {
			q.Min = after.Score
		}
		ids, err := e.store.RangeByScore(ctx, index, q)
		if err != nil {
			return nil, storeErr(err)
		}

		out := make([]*round.Round, 0, len(ids))
		for _, id := range ids {
			r, err := e.load(ctx, id)
			if apperr.HasCode(err, apperr.CodeNotFound) {
				e.dropStale(ctx, index, id)
				continue
			}
			if err != nil {
				return nil, err
			}
			if !after.precedes(r) {
				continue
			}
			if r.Status != status {
				e.dropStale(ctx, index, id)
				continue
			}
			out = append(out, r)
			if len(out) == limit {
				return out, nil
			}
		}
		// The fetch was full but rounds sharing the cursor's timestamp used
		// part of it; widen and look again.
		if limit <= 0 || len(ids) < fetch {
			return out, nil
		}
		fetch *= 2
	}
}

// SweepExpired clears the expired reservations of up to limit created
// rounds after the cursor. It returns how many were cleared and where the
// next call should resume; the zero Cursor means the walk reached the end.
func (e *Engine) SweepExpired(ctx context.Context, after Cursor, limit int) (int, Cursor, error) {
	rounds, err := e.walk(ctx, round.StatusCreated, after, limit)
	if err != nil {
		return 0, after, err
	}
	now := e.now()
	swept := 0
	for _, r := range rounds {
		if r.Reservation != nil && !r.Reservation.Live(now) {
			if e.sweep(ctx, r).Reservation == nil {
				swept++
			}
		}
	}

	var next Cursor
	if limit > 0 && len(rounds) == limit {
		next = CursorOf(rounds[len(rounds)-1])
	}
	return swept, next, nil
}

// Pending returns up to limit joined rounds after the cursor, oldest first.
func (e *Engine) Pending(ctx context.Context, after Cursor, limit int) ([]*round.Round, error) {
	return e.walk(ctx, round.StatusJoined, after, limit)
}

func (e *Engine) dropStale(ctx context.Context, index, id string) {
	if index == indexAll {
		// Only leave deletes rounds, and it cleans up after itself; a missing
		// record here is a leave still in progress.
		return
	}
	if err := e.store.IndexRemove(ctx, index, id); err != nil {
		e.log.Debug().Err(err).Str("round", id).Msg("stale index entry not removed")
	}
}
