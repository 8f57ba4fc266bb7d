package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"

	"FlipSettle/internal/notify"
	"FlipSettle/internal/observability"
	"FlipSettle/internal/testutil"
)

func sampleResult() notify.Result {
	return notify.Result{
		RoundID:        "flip-1",
		Winner:         "winner-wallet",
		Loser:          "loser-wallet",
		WinnerSide:     "CREATOR",
		BetLamports:    1_000_000_000,
		PayoutLamports: 1_940_000_000,
		PayoutRef:      "payout-ref",
		ResolvedAt:     time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

// ============================================================================
// Leaderboard
// ============================================================================

func TestLeaderboard_PostsWinAndPlay(t *testing.T) {
	var (
		mu      sync.Mutex
		entries []map[string]any
		keys    []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		entries = append(entries, body)
		keys = append(keys, r.Header.Get("x-game-key"))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	lb := notify.NewLeaderboard(srv.URL, "secret", srv.Client())
	if err := lb.Deliver(t.Context(), sampleResult()); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(entries) != 2 {
		t.Fatalf("posts: got %d, want 2", len(entries))
	}
	win, play := entries[0], entries[1]
	if win["wallet"] != "winner-wallet" || win["result"] != "win" || win["game"] != "flip" {
		t.Errorf("winner entry: got %v", win)
	}
	if win["amountSol"] != 1.94 {
		t.Errorf("winner amount: got %v, want 1.94", win["amountSol"])
	}
	if play["wallet"] != "loser-wallet" || play["result"] != "play" {
		t.Errorf("loser entry: got %v", play)
	}
	if play["amountSol"] != 1.0 {
		t.Errorf("loser amount: got %v, want 1", play["amountSol"])
	}
	for i, k := range keys {
		if k != "secret" {
			t.Errorf("post %d game key: got %q, want secret", i, k)
		}
	}
}

func TestLeaderboard_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	lb := notify.NewLeaderboard(srv.URL, "wrong", srv.Client())
	if err := lb.Deliver(t.Context(), sampleResult()); err == nil {
		t.Fatal("expected error on 401")
	}
}

// ============================================================================
// Dispatcher
// ============================================================================

type recordingSink struct {
	mu      sync.Mutex
	got     []notify.Result
	fail    bool
	started chan struct{}
	block   chan struct{}
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Deliver(ctx context.Context, r notify.Result) error {
	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, r)
	if s.fail {
		return errors.New("sink down")
	}
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func TestDispatcher_DeliversToEverySink(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	ok := &recordingSink{}
	bad := &recordingSink{fail: true}
	d := notify.NewDispatcher(8, zerolog.Nop(), metrics, ok, bad)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	if err := d.Notify(ctx, sampleResult()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, func() bool { return ok.count() == 1 && bad.count() == 1 })
	cancel()
	<-done

	if got := counterValue(t, metrics.NotifyFailed.WithLabelValues("recording")); got != 1 {
		t.Errorf("failed deliveries: got %v, want 1", got)
	}
	if got := counterValue(t, metrics.NotifyDelivered.WithLabelValues("recording")); got != 1 {
		t.Errorf("delivered: got %v, want 1", got)
	}
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	sink := &recordingSink{started: make(chan struct{}, 4), block: make(chan struct{})}
	d := notify.NewDispatcher(1, zerolog.Nop(), metrics, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	// First result is picked up and blocks in the sink; second fills the
	// queue; third has nowhere to go.
	if err := d.Notify(ctx, sampleResult()); err != nil {
		t.Fatalf("first Notify: %v", err)
	}
	<-sink.started
	if err := d.Notify(ctx, sampleResult()); err != nil {
		t.Fatalf("second Notify: %v", err)
	}
	if err := d.Notify(ctx, sampleResult()); !errors.Is(err, notify.ErrQueueFull) {
		t.Fatalf("third Notify: got %v, want ErrQueueFull", err)
	}
	close(sink.block)

	if got := counterValue(t, metrics.NotifyDropped); got != 1 {
		t.Errorf("dropped: got %v, want 1", got)
	}
}

func TestDispatcher_NoSinksIsNoop(t *testing.T) {
	d := notify.NewDispatcher(1, zerolog.Nop(), nil)
	for range 3 {
		if err := d.Notify(context.Background(), sampleResult()); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}
}

// ============================================================================
// JetStream (integration)
// ============================================================================

func TestJetStreamSink_Publish(t *testing.T) {
	testutil.RequireIntegration(t)

	nc, js, err := notify.ConnectNATS(testutil.TestNATSURL(), zerolog.Nop())
	if err != nil {
		t.Skipf("test nats not available: %v", err)
	}
	defer nc.Close()

	ctx := t.Context()
	if err := notify.EnsureStream(ctx, js, zerolog.Nop()); err != nil {
		t.Fatalf("EnsureStream: %v", err)
	}
	stream, err := js.Stream(ctx, notify.StreamName)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	before, err := stream.Info(ctx)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}

	sink := notify.NewJetStreamSink(js)
	r := sampleResult()
	r.RoundID = "flip-it-" + time.Now().Format("150405.000000")
	for range 2 {
		if err := sink.Deliver(ctx, r); err != nil {
			t.Fatalf("Deliver: %v", err)
		}
	}

	after, err := stream.Info(ctx)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if got := after.State.Msgs - before.State.Msgs; got != 1 {
		t.Errorf("stored messages: got %d, want 1 (duplicate suppressed)", got)
	}
}

// ============================================================================
// Helpers
// ============================================================================

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var out dto.Metric
	if err := c.Write(&out); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return out.GetCounter().GetValue()
}
