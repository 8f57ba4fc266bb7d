package janitor_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"

	"FlipSettle/internal/janitor"
	"FlipSettle/internal/kv"
	"FlipSettle/internal/ledger"
	"FlipSettle/internal/observability"
	"FlipSettle/internal/round"
	"FlipSettle/internal/server"
	"FlipSettle/internal/settlement"
	"FlipSettle/internal/testutil"
)

var (
	pot   = addr(1)
	alice = addr(2)
	bob   = addr(3)
)

func addr(seed byte) string {
	return base58.Encode(bytes.Repeat([]byte{seed}, 32))
}

type env struct {
	eng     *settlement.Engine
	store   kv.Store
	ledger  *ledger.Memory
	clock   *testutil.Clock
	metrics *observability.Metrics
	jan     *janitor.Janitor
}

func newEnv(t *testing.T, tweak ...func(*janitor.Config)) *env {
	t.Helper()

	clock := testutil.NewClock()
	e := &env{
		store:   kv.NewMemoryStore(clock.Now),
		ledger:  ledger.NewMemory(),
		clock:   clock,
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
	}

	cfg := settlement.DefaultConfig()
	cfg.PotAddress = pot
	cfg.DepositAttempts = 1
	cfg.ResolveTimeout = 50 * time.Millisecond
	cfg.ConfirmInterval = 5 * time.Millisecond

	eng, err := settlement.New(cfg, settlement.Deps{
		Store:   e.store,
		Ledger:  e.ledger,
		Clock:   clock.Now,
		Logger:  zerolog.Nop(),
		Metrics: e.metrics,
	})
	if err != nil {
		t.Fatalf("settlement.New: %v", err)
	}
	e.eng = eng
	jcfg := janitor.Config{
		Interval: time.Hour,
		Batch:    10,
		Retry:    server.RetryPolicy{Attempts: 1},
		Now:      clock.Now,
	}
	for _, fn := range tweak {
		fn(&jcfg)
	}
	e.jan = janitor.New(jcfg, eng, e.store, zerolog.Nop(), e.metrics)
	return e
}

// join fills r with bob; the caller decides whether the pot can pay.
func (e *env) join(t *testing.T, r *round.Round) settlement.JoinResult {
	t.Helper()
	ctx := context.Background()
	res, err := e.eng.ReserveJoin(ctx, r.ID, bob)
	if err != nil {
		t.Fatalf("ReserveJoin: %v", err)
	}
	out, err := e.eng.Join(ctx, settlement.JoinRequest{
		RoundID:    r.ID,
		Joiner:     bob,
		Token:      res.Token,
		DepositRef: e.ledger.Deposit(bob, pot, ledger.LamportsPerSOL),
	})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	return out
}

func (e *env) status(t *testing.T, id string) round.Status {
	t.Helper()
	r, err := e.eng.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return r.Status
}

func (e *env) create(t *testing.T) *round.Round {
	t.Helper()
	r, err := e.eng.Create(context.Background(), settlement.CreateRequest{
		BetLamports: ledger.LamportsPerSOL,
		Creator:     alice,
		DepositRef:  e.ledger.Deposit(alice, pot, ledger.LamportsPerSOL),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return r
}

func counter(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

// ============================================================================
// Passes
// ============================================================================

func TestRunOnce_ResolvesStuckRound(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	r := e.create(t)

	// Drain the pot so the join's own resolve attempt is refused.
	e.ledger.Fund(pot, -5*ledger.LamportsPerSOL)
	if joined := e.join(t, r); joined.AutoResolved {
		t.Fatal("join resolved despite empty pot")
	}

	// The join just attempted a resolve; the janitor leaves it alone.
	if st := e.jan.RunOnce(ctx); st.Skipped != 1 || st.Stuck != 0 {
		t.Fatalf("cooldown pass: got %+v, want 1 skipped", st)
	}

	e.clock.Advance(time.Minute)
	st := e.jan.RunOnce(ctx)
	if st.Resolved != 0 || st.Stuck != 1 {
		t.Fatalf("underfunded pass: got %+v, want 1 stuck", st)
	}

	e.ledger.Fund(pot, 10*ledger.LamportsPerSOL)
	e.clock.Advance(time.Minute)
	st = e.jan.RunOnce(ctx)
	if st.Resolved != 1 || st.Stuck != 0 {
		t.Fatalf("funded pass: got %+v, want 1 resolved", st)
	}

	got, err := e.eng.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != round.StatusResolved {
		t.Errorf("status: got %s, want resolved", got.Status)
	}

	// Nothing left to do.
	if st := e.jan.RunOnce(ctx); st.Resolved != 0 || st.Stuck != 0 {
		t.Errorf("idle pass: got %+v", st)
	}
	if got := counter(t, e.metrics.JanitorResolved); got != 1 {
		t.Errorf("resolved metric: got %v, want 1", got)
	}
	if got := counter(t, e.metrics.JanitorSweeps); got != 4 {
		t.Errorf("sweeps metric: got %v, want 4", got)
	}
}

func TestRunOnce_SweepsLapsedReservations(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	r := e.create(t)

	if _, err := e.eng.ReserveJoin(ctx, r.ID, bob); err != nil {
		t.Fatalf("ReserveJoin: %v", err)
	}

	if st := e.jan.RunOnce(ctx); st.Swept != 0 {
		t.Fatalf("live reservation swept: %+v", st)
	}

	e.clock.Advance(settlement.DefaultConfig().ReservationWindow + time.Second)
	st := e.jan.RunOnce(ctx)
	if st.Swept != 1 {
		t.Fatalf("swept: got %d, want 1", st.Swept)
	}
	if st.Purged < 1 {
		t.Errorf("purged: got %d, want the expired seat key", st.Purged)
	}

	rec, err := e.store.Get(ctx, "flip:"+r.ID)
	if err != nil {
		t.Fatalf("Get record: %v", err)
	}
	if bytes.Contains(rec.Value, []byte(`"reservation":{`)) {
		t.Errorf("stored round still carries a reservation: %s", rec.Value)
	}
}

func TestRunOnce_RotatesPastStuckPage(t *testing.T) {
	e := newEnv(t, func(c *janitor.Config) { c.Batch = 2 })
	ctx := context.Background()

	e.ledger.Fund(pot, -10*ledger.LamportsPerSOL)
	var ids []string
	for range 3 {
		r := e.create(t)
		e.join(t, r)
		ids = append(ids, r.ID)
		e.clock.Advance(time.Second)
	}
	e.clock.Advance(time.Minute)

	// The two oldest rounds fill the first page and stay stuck.
	if st := e.jan.RunOnce(ctx); st.Stuck != 2 {
		t.Fatalf("first pass: got %+v, want 2 stuck", st)
	}

	// The next pass starts after them, so the newest round gets its turn.
	e.ledger.Fund(pot, 20*ledger.LamportsPerSOL)
	if st := e.jan.RunOnce(ctx); st.Resolved != 1 {
		t.Fatalf("second pass: got %+v, want 1 resolved", st)
	}
	if got := e.status(t, ids[2]); got != round.StatusResolved {
		t.Errorf("newest round: got %s, want resolved", got)
	}
	if got := e.status(t, ids[0]); got != round.StatusJoined {
		t.Errorf("oldest round: got %s, want still joined", got)
	}

	// Back at the start; the oldest two were attempted moments ago.
	if st := e.jan.RunOnce(ctx); st.Skipped != 2 || st.Resolved != 0 {
		t.Fatalf("cooldown pass: got %+v, want 2 skipped", st)
	}
	e.clock.Advance(time.Minute)
	if st := e.jan.RunOnce(ctx); st.Resolved != 2 {
		t.Fatalf("final pass: got %+v, want 2 resolved", st)
	}
}

// slowEngine resolves instantly but moves the clock, so a pass runs out of
// budget after a fixed number of rounds.
type slowEngine struct {
	clock    *testutil.Clock
	cost     time.Duration
	rounds   []*round.Round
	resolved []string
}

func (s *slowEngine) Resolve(_ context.Context, id string) (settlement.ResolveResult, error) {
	s.clock.Advance(s.cost)
	s.resolved = append(s.resolved, id)
	return settlement.ResolveResult{DidResolve: true}, nil
}

func (s *slowEngine) Pending(_ context.Context, after settlement.Cursor, limit int) ([]*round.Round, error) {
	var out []*round.Round
	for _, r := range s.rounds {
		if r.CreatedAt.UnixMilli() <= after.Score {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *slowEngine) SweepExpired(context.Context, settlement.Cursor, int) (int, settlement.Cursor, error) {
	return 0, settlement.Cursor{}, nil
}

func TestRunOnce_StopsAtPassBudget(t *testing.T) {
	clock := testutil.NewClock()
	eng := &slowEngine{clock: clock, cost: 10 * time.Second}
	for i := range 4 {
		eng.rounds = append(eng.rounds, &round.Round{
			ID:        "flip-" + string(rune('a'+i)),
			Status:    round.StatusJoined,
			CreatedAt: clock.Now().Add(time.Duration(i) * time.Second),
		})
	}
	jan := janitor.New(janitor.Config{
		Interval:   time.Hour,
		Batch:      10,
		Retry:      server.RetryPolicy{Attempts: 1},
		PassBudget: 15 * time.Second,
		Now:        clock.Now,
	}, eng, kv.NewMemoryStore(clock.Now), zerolog.Nop(), nil)

	st := jan.RunOnce(context.Background())
	if st.Resolved != 2 || st.Deferred != 2 {
		t.Fatalf("first pass: got %+v, want 2 resolved and 2 deferred", st)
	}
	st = jan.RunOnce(context.Background())
	if st.Resolved != 2 || st.Deferred != 0 {
		t.Fatalf("second pass: got %+v, want the 2 deferred rounds", st)
	}

	want := []string{"flip-a", "flip-b", "flip-c", "flip-d"}
	if len(eng.resolved) != len(want) {
		t.Fatalf("resolved: got %v, want %v", eng.resolved, want)
	}
	for i := range want {
		if eng.resolved[i] != want[i] {
			t.Errorf("resolve order: got %v, want %v", eng.resolved, want)
			break
		}
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.jan.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: got %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
