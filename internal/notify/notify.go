// Package notify pushes resolved-round results to external sinks. Delivery
// is fire-and-forget: failures are logged and counted, never surfaced to
// settlement.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"FlipSettle/internal/observability"
)

// ErrQueueFull is returned by Dispatcher.Notify when the event was dropped.
var ErrQueueFull = errors.New("notify: queue full")

// Result is the event emitted once per resolved round.
type Result struct {
	RoundID        string    `json:"roundId"`
	Winner         string    `json:"winner"`
	Loser          string    `json:"loser"`
	WinnerSide     string    `json:"winnerSide"`
	BetLamports    int64     `json:"betLamports"`
	PayoutLamports int64     `json:"payoutLamports"`
	PayoutRef      string    `json:"payoutRef"`
	RandomnessHash string    `json:"randomnessHash"`
	ResolvedAt     time.Time `json:"resolvedAt"`
}

// Notifier accepts results. Implementations must not block on delivery.
type Notifier interface {
	Notify(ctx context.Context, r Result) error
}

// Sink delivers a result to one destination.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, r Result) error
}

// Dispatcher queues results and delivers them to every sink from a single
// background goroutine. When the queue is full new results are dropped.
type Dispatcher struct {
	queue   chan Result
	sinks   []Sink
	timeout time.Duration
	log     zerolog.Logger
	metrics *observability.Metrics
}

// NewDispatcher creates a dispatcher with room for size queued results.
func NewDispatcher(size int, logger zerolog.Logger, metrics *observability.Metrics, sinks ...Sink) *Dispatcher {
	if size <= 0 {
		size = 1
	}
	return &Dispatcher{
		queue:   make(chan Result, size),
		sinks:   sinks,
		timeout: 10 * time.Second,
		log:     logger,
		metrics: metrics,
	}
}

// Notify enqueues r without blocking.
func (d *Dispatcher) Notify(_ context.Context, r Result) error {
	if len(d.sinks) == 0 {
		return nil
	}
	select {
	case d.queue <- r:
		return nil
	default:
		if d.metrics != nil {
			d.metrics.NotifyDropped.Inc()
		}
		d.log.Warn().Str("round", r.RoundID).Msg("notify queue full, result dropped")
		return ErrQueueFull
	}
}

// Run delivers queued results until ctx is cancelled, then drains what is
// already queued with a short deadline.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return nil
		case r := <-d.queue:
			d.deliver(ctx, r)
		}
	}
}

func (d *Dispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	for {
		select {
		case r := <-d.queue:
			d.deliver(ctx, r)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, r Result) {
	for _, sink := range d.sinks {
		sctx, cancel := context.WithTimeout(ctx, d.timeout)
		err := sink.Deliver(sctx, r)
		cancel()

		if err != nil {
			if d.metrics != nil {
				d.metrics.NotifyFailed.WithLabelValues(sink.Name()).Inc()
			}
			d.log.Warn().Err(err).Str("sink", sink.Name()).Str("round", r.RoundID).Msg("result delivery failed")
			continue
		}
		if d.metrics != nil {
			d.metrics.NotifyDelivered.WithLabelValues(sink.Name()).Inc()
		}
		d.log.Debug().Str("sink", sink.Name()).Str("round", r.RoundID).Msg("result delivered")
	}
}
