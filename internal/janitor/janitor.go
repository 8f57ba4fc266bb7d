// Package janitor runs the periodic maintenance pass: finishing joined
// rounds nobody resolved, clearing lapsed reservations, and purging expired
// store records.
package janitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"FlipSettle/internal/apperr"
	"FlipSettle/internal/kv"
	"FlipSettle/internal/observability"
	"FlipSettle/internal/round"
	"FlipSettle/internal/server"
	"FlipSettle/internal/settlement"
)

// Engine is the settlement surface the janitor drives.
type Engine interface {
	server.Resolver
	Pending(ctx context.Context, after settlement.Cursor, limit int) ([]*round.Round, error)
	SweepExpired(ctx context.Context, after settlement.Cursor, limit int) (int, settlement.Cursor, error)
}

// Config tunes a janitor pass.
type Config struct {
	Interval time.Duration
	Batch    int
	Retry    server.RetryPolicy
	// Cooldown skips rounds whose last resolve attempt is younger than this.
	Cooldown time.Duration
	// PassBudget bounds the time one pass spends resolving. Defaults to
	// Interval.
	PassBudget time.Duration
	Now        func() time.Time
}

// DefaultConfig resolves each stuck round at most twice per pass.
func DefaultConfig() Config {
	return Config{
		Interval: 15 * time.Second,
		Batch:    100,
		Retry:    server.RetryPolicy{Attempts: 2, Interval: 500 * time.Millisecond},
		Cooldown: 10 * time.Second,
		Now:      time.Now,
	}
}

// Janitor is safe to run on every replica: resolve takes the per-round lock
// and every write is a CAS. Each replica walks the indexes with its own
// cursors, so a page of rounds that keep failing cannot hide newer ones.
type Janitor struct {
	cfg     Config
	eng     Engine
	store   kv.Store
	logger  zerolog.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	joined  settlement.Cursor
	created settlement.Cursor
}

// Stats summarises one pass.
type Stats struct {
	Resolved int
	Stuck    int
	Skipped  int // attempted too recently
	Deferred int // left for the next pass when the budget ran out
	Swept    int
	Purged   int64
}

func New(cfg Config, eng Engine, store kv.Store, logger zerolog.Logger, metrics *observability.Metrics) *Janitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Batch <= 0 {
		cfg.Batch = def.Batch
	}
	if cfg.Retry.Attempts < 1 {
		cfg.Retry = def.Retry
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.PassBudget <= 0 {
		cfg.PassBudget = cfg.Interval
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	return &Janitor{cfg: cfg, eng: eng, store: store, logger: logger, metrics: metrics}
}

// Run performs a pass every Interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	j.logger.Info().Dur("interval", j.cfg.Interval).Msg("janitor started")
	for {
		select {
		case <-ctx.Done():
			j.logger.Info().Msg("janitor stopped")
			return nil
		case <-ticker.C:
			st := j.RunOnce(ctx)
			if st.Resolved > 0 || st.Swept > 0 || st.Purged > 0 || st.Stuck > 0 || st.Deferred > 0 {
				j.logger.Info().
					Int("resolved", st.Resolved).
					Int("stuck", st.Stuck).
					Int("skipped", st.Skipped).
					Int("deferred", st.Deferred).
					Int("swept", st.Swept).
					Int64("purged", st.Purged).
					Msg("janitor pass")
			}
		}
	}
}

// RunOnce performs a single pass. Failures are logged and counted in Stats;
// the next pass picks up whatever is left.
func (j *Janitor) RunOnce(ctx context.Context) Stats {
	j.mu.Lock()
	defer j.mu.Unlock()

	var st Stats
	j.resolveJoined(ctx, &st)
	if ctx.Err() != nil {
		return st
	}

	swept, next, err := j.eng.SweepExpired(ctx, j.created, j.cfg.Batch)
	if err != nil {
		j.logger.Error().Err(err).Msg("sweep reservations")
	} else {
		j.created = next
	}
	st.Swept = swept

	purged, err := j.store.PurgeExpired(ctx)
	if err != nil {
		j.logger.Error().Err(err).Msg("purge expired records")
	}
	st.Purged = purged

	if j.metrics != nil {
		j.metrics.JanitorSweeps.Inc()
		j.metrics.JanitorResolved.Add(float64(st.Resolved))
		j.metrics.JanitorPurged.Add(float64(st.Purged))
		j.metrics.JanitorLastSweep.SetToCurrentTime()
	}
	return st
}

// resolveJoined works through one page of joined rounds from the cursor.
// A full page leaves the cursor on its last round; a short page wraps it
// back to the oldest round.
func (j *Janitor) resolveJoined(ctx context.Context, st *Stats) {
	start := j.cfg.Now()
	rounds, err := j.eng.Pending(ctx, j.joined, j.cfg.Batch)
	if err == nil && len(rounds) == 0 && j.joined != (settlement.Cursor{}) {
		// The last full page ended the index; start over now.
		j.joined = settlement.Cursor{}
		rounds, err = j.eng.Pending(ctx, j.joined, j.cfg.Batch)
	}
	if err != nil {
		j.logger.Error().Err(err).Msg("list joined rounds")
		return
	}

	for i, r := range rounds {
		if ctx.Err() != nil {
			return
		}
		now := j.cfg.Now()
		if now.Sub(start) >= j.cfg.PassBudget {
			st.Deferred = len(rounds) - i
			j.logger.Debug().Int("deferred", st.Deferred).Msg("janitor pass budget spent")
			return
		}
		j.joined = settlement.CursorOf(r)

		if a := r.LastResolveAttempt; a != nil && now.Sub(a.At) < j.cfg.Cooldown {
			st.Skipped++
			continue
		}
		res, err := server.ResolveWithRetry(ctx, j.eng, r.ID, j.cfg.Retry)
		switch {
		case err == nil && res.DidResolve:
			st.Resolved++
		case err == nil:
		case apperr.IsRetryable(err):
			st.Stuck++
			j.logger.Debug().Err(err).Str("round_id", r.ID).Msg("round still unresolved")
		default:
			st.Stuck++
			j.logger.Warn().Err(err).Str("round_id", r.ID).Msg("resolve failed")
		}
	}
	if len(rounds) < j.cfg.Batch {
		j.joined = settlement.Cursor{}
	}
}
