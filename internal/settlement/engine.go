// Package settlement is the round settlement engine: the only component that
// enforces business invariants. Every round mutation is a single
// compare-and-set write against the store; ledger I/O never happens while
// holding anything but the per-round lock keys, which expire on their own.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"FlipSettle/internal/apperr"
	"FlipSettle/internal/kv"
	"FlipSettle/internal/ledger"
	"FlipSettle/internal/notify"
	"FlipSettle/internal/observability"
	"FlipSettle/internal/round"
)

// Config holds the settlement parameters.
type Config struct {
	PotAddress           string
	FeeBps               int64
	ReservationWindow    time.Duration
	SafetyBufferLamports int64
	DepositAttempts      int
	DepositInterval      time.Duration
	ResolveTimeout       time.Duration // bound on waiting for a payout confirmation
	ConfirmInterval      time.Duration // poll interval while waiting
	PayoutExpiry         time.Duration // after this an unconfirmed payout is treated as dropped; must exceed the ledger's prepared-transfer validity
	UsedRefCacheSize     int
	NotifyDedupTTL       time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		FeeBps:               300,
		ReservationWindow:    30 * time.Second,
		SafetyBufferLamports: 900_000,
		DepositAttempts:      5,
		DepositInterval:      time.Second,
		ResolveTimeout:       30 * time.Second,
		ConfirmInterval:      time.Second,
		PayoutExpiry:         2 * time.Minute,
		UsedRefCacheSize:     100_000,
		NotifyDedupTTL:       24 * time.Hour,
	}
}

// Deps are the engine's collaborators. Store, Ledger and Config.PotAddress
// are required; everything else has a no-op default.
type Deps struct {
	Store    kv.Store
	Ledger   ledger.Client
	Notifier notify.Notifier
	Clock    func() time.Time
	Logger   zerolog.Logger
	Metrics  *observability.Metrics
	Tracer   trace.Tracer
}

// Engine implements the round lifecycle. Safe for concurrent use, including
// across processes sharing one store.
type Engine struct {
	cfg      Config
	store    kv.Store
	ledger   ledger.Client
	notifier notify.Notifier
	now      func() time.Time
	log      zerolog.Logger
	metrics  *observability.Metrics
	tracer   trace.Tracer
	usedRefs *usedRefs
}

// New validates cfg and wires the engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("settlement: store is required")
	}
	if deps.Ledger == nil {
		return nil, fmt.Errorf("settlement: ledger is required")
	}
	if cfg.PotAddress == "" {
		return nil, fmt.Errorf("settlement: pot address is required")
	}
	if cfg.FeeBps < 0 || cfg.FeeBps >= round.BpsDenominator {
		return nil, fmt.Errorf("settlement: fee bps out of range: %d", cfg.FeeBps)
	}
	if cfg.ReservationWindow <= 0 || cfg.ResolveTimeout <= 0 {
		return nil, fmt.Errorf("settlement: reservation window and resolve timeout must be positive")
	}
	if cfg.DepositAttempts < 1 {
		cfg.DepositAttempts = 1
	}
	if cfg.ConfirmInterval <= 0 {
		cfg.ConfirmInterval = time.Second
	}
	if cfg.PayoutExpiry < cfg.ResolveTimeout {
		cfg.PayoutExpiry = cfg.ResolveTimeout
	}
	if cfg.NotifyDedupTTL <= 0 {
		cfg.NotifyDedupTTL = 24 * time.Hour
	}

	e := &Engine{
		cfg:      cfg,
		store:    deps.Store,
		ledger:   deps.Ledger,
		notifier: deps.Notifier,
		now:      deps.Clock,
		log:      deps.Logger,
		metrics:  deps.Metrics,
		tracer:   deps.Tracer,
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.tracer == nil {
		e.tracer = noop.NewTracerProvider().Tracer(observability.TracerName)
	}
	e.usedRefs = newUsedRefs(deps.Store, cfg.UsedRefCacheSize)
	return e, nil
}

// Split returns the fee breakdown for a bet under the engine's fee schedule.
func (e *Engine) Split(betLamports int64) (round.Split, error) {
	return round.ComputeSplit(betLamports, e.cfg.FeeBps)
}

// PotAddress is where deposits must be sent.
func (e *Engine) PotAddress() string { return e.cfg.PotAddress }

// ============================================================================
// Store keys
// ============================================================================

const (
	indexAll = "flips:all"
)

func roundKey(id string) string     { return "flip:" + id }
func seatKey(id string) string      { return "flip:" + id + ":seat" }
func resolvingKey(id string) string { return "flip:" + id + ":resolving" }
func notifiedKey(id string) string  { return "flip:notified:" + id }
func statusIndex(s round.Status) string {
	return "flips:status:" + string(s)
}

func newRoundID() string { return "flip-" + uuid.NewString() }

// ============================================================================
// Round persistence
// ============================================================================

func (e *Engine) load(ctx context.Context, id string) (*round.Round, error) {
	if id == "" {
		return nil, apperr.New(apperr.CodeValidation, "round id is required")
	}
	rec, err := e.store.Get(ctx, roundKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, apperr.Newf(apperr.CodeNotFound, "round %s not found", id)
	}
	if err != nil {
		return nil, storeErr(err)
	}
	var r round.Round
	if err := json.Unmarshal(rec.Value, &r); err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "decode round "+id, err)
	}
	r.Version = rec.Version
	return &r, nil
}

// save writes next over prev with compare-and-set. prev == nil inserts.
// Transition rules are checked before the write so an invalid state can
// never be persisted. Returns kv.ErrVersionConflict untouched.
func (e *Engine) save(ctx context.Context, prev, next *round.Round, op string) error {
	if err := round.CheckTransition(prev, next); err != nil {
		return apperr.Wrap(apperr.CodeInternal, "illegal transition", err)
	}
	if err := next.Validate(); err != nil {
		return apperr.Wrap(apperr.CodeInternal, "invalid round", err)
	}
	body, err := json.Marshal(next)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "encode round", err)
	}

	var expected int64
	if prev != nil {
		expected = prev.Version
	}
	version, err := e.store.CompareAndSwap(ctx, roundKey(next.ID), body, expected, 0)
	if errors.Is(err, kv.ErrVersionConflict) {
		if e.metrics != nil {
			e.metrics.CASConflicts.WithLabelValues(op).Inc()
		}
		return err
	}
	if err != nil {
		return storeErr(err)
	}
	next.Version = version
	return nil
}

// reindex moves id between status indexes. Index writes are best effort:
// list skips and repairs stale entries.
func (e *Engine) reindex(ctx context.Context, r *round.Round, from round.Status) {
	if from != "" && from != r.Status {
		if err := e.store.IndexRemove(ctx, statusIndex(from), r.ID); err != nil {
			e.log.Warn().Err(err).Str("round", r.ID).Msg("index remove failed")
		}
	}
	score := r.CreatedAt.UnixMilli()
	if err := e.store.IndexAdd(ctx, statusIndex(r.Status), r.ID, score); err != nil {
		e.log.Warn().Err(err).Str("round", r.ID).Msg("index add failed")
	}
}

func storeErr(err error) error {
	if ctxErr := contextErr(err); ctxErr != nil {
		return ctxErr
	}
	return apperr.Wrap(apperr.CodeInternal, "state store", err)
}

func contextErr(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.CodeLedgerUnavailable, "operation timed out", err)
	}
	return nil
}

// ============================================================================
// Lock keys
// ============================================================================

// acquire takes key with SetIfAbsent for ttl, returning the owner token.
func (e *Engine) acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := e.store.SetIfAbsent(ctx, key, []byte(token), ttl)
	if err != nil {
		return "", false, storeErr(err)
	}
	return token, ok, nil
}

// release deletes key only if token still owns it.
func (e *Engine) release(ctx context.Context, key, token string) {
	if token == "" {
		return
	}
	rec, err := e.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return
	}
	if err != nil {
		e.log.Warn().Err(err).Str("key", key).Msg("lock read failed")
		return
	}
	if string(rec.Value) != token {
		return
	}
	if err := e.store.Delete(ctx, key, rec.Version); err != nil && !errors.Is(err, kv.ErrVersionConflict) {
		e.log.Warn().Err(err).Str("key", key).Msg("lock release failed")
	}
}

// ============================================================================
// Ledger helpers
// ============================================================================

func ledgerErr(msg string, err error) error {
	if ctxErr := contextErr(err); ctxErr != nil {
		return ctxErr
	}
	return apperr.Wrap(apperr.CodeLedgerUnavailable, msg, err)
}

func (e *Engine) balance(ctx context.Context, account string) (int64, error) {
	start := time.Now()
	bal, err := e.ledger.Balance(ctx, account)
	e.metrics.ObserveLedger("balance", start, err)
	return bal, err
}

func (e *Engine) prepare(ctx context.Context, to string, amount int64) (ledger.Prepared, error) {
	start := time.Now()
	p, err := e.ledger.PrepareTransfer(ctx, e.cfg.PotAddress, to, amount)
	e.metrics.ObserveLedger("prepare", start, err)
	return p, err
}

// send broadcasts a recorded transfer. Records without a payload can only
// be rechecked.
func (e *Engine) send(ctx context.Context, t *round.PendingTransfer) error {
	if len(t.Payload) == 0 {
		return nil
	}
	start := time.Now()
	err := e.ledger.SendTransfer(ctx, ledger.Prepared{Ref: t.Ref, Payload: t.Payload})
	e.metrics.ObserveLedger("send", start, err)
	return err
}

func (e *Engine) confirm(ctx context.Context, ref string) (ledger.Outcome, error) {
	start := time.Now()
	out, err := e.ledger.Confirm(ctx, ref)
	e.metrics.ObserveLedger("confirm", start, err)
	return out, err
}

// ============================================================================
// Tracing
// ============================================================================

func (e *Engine) startSpan(ctx context.Context, op, roundID string) (context.Context, trace.Span) {
	ctx, span := e.tracer.Start(ctx, "settlement."+op)
	if roundID != "" {
		span.SetAttributes(attribute.String("flip.round_id", roundID))
	}
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, string(apperr.CodeOf(err)))
	}
	span.End()
}

func resultLabel(err error, ok string) string {
	if err == nil {
		return ok
	}
	return string(apperr.CodeOf(err))
}
