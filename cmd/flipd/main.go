package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/mr-tron/base58"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"FlipSettle/internal/config"
	"FlipSettle/internal/janitor"
	"FlipSettle/internal/kv"
	"FlipSettle/internal/ledger"
	"FlipSettle/internal/ledger/solana"
	"FlipSettle/internal/notify"
	"FlipSettle/internal/observability"
	"FlipSettle/internal/server"
	"FlipSettle/internal/settlement"
)

func main() {
	logger := observability.NewLogger("flipd")
	if err := run(logger); err != nil {
		logger.Fatal().Err(err).Msg("flipd exited")
	}
	logger.Info().Msg("flipd shutdown complete")
}

func run(logger zerolog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// --- Context with graceful shutdown ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Tracing ---
	shutdownTracing, err := observability.SetupTracing(ctx, "flipd", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutCtx); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown")
		}
	}()

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	// --- Store ---
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info().Str("driver", cfg.StoreDriver).Msg("store ready")

	// --- Ledger ---
	ledgerClient, potAddress, err := openLedger(cfg, logger)
	if err != nil {
		return err
	}
	logger.Info().Str("driver", cfg.LedgerDriver).Str("pot", potAddress).Msg("ledger ready")

	// --- Notifications ---
	sinks, nc, err := openSinks(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if nc != nil {
		defer nc.Close()
	}
	dispatcher := notify.NewDispatcher(cfg.NotifyQueue, observability.NewLogger("notify"), metrics, sinks...)

	// --- Settlement engine ---
	engCfg := settlement.DefaultConfig()
	engCfg.PotAddress = potAddress
	engCfg.FeeBps = cfg.FeeBps
	engCfg.ReservationWindow = cfg.ReservationWindow
	engCfg.SafetyBufferLamports = cfg.SafetyBufferLamports
	engCfg.DepositAttempts = cfg.DepositAttempts
	engCfg.DepositInterval = cfg.DepositInterval
	engCfg.ResolveTimeout = cfg.ResolveTimeout
	engCfg.PayoutExpiry = cfg.PayoutExpiry
	engCfg.UsedRefCacheSize = cfg.UsedRefCacheSize

	engine, err := settlement.New(engCfg, settlement.Deps{
		Store:    store,
		Ledger:   ledgerClient,
		Notifier: dispatcher,
		Logger:   observability.NewLogger("settlement"),
		Metrics:  metrics,
		Tracer:   observability.Tracer(),
	})
	if err != nil {
		return fmt.Errorf("settlement engine: %w", err)
	}

	retry := server.RetryPolicy{Attempts: cfg.ResolveRetryAttempts, Interval: cfg.ResolveRetryInterval}

	// --- gRPC + HTTP gateway ---
	srv, err := server.New(cfg.GRPCAddr, cfg.HTTPAddr, server.Deps{
		Engine:        engine,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Logger:        observability.NewLogger("server"),
		Retry:         retry,
	})
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}

	jan := janitor.New(janitor.Config{
		Interval: cfg.JanitorInterval,
		Batch:    cfg.JanitorBatch,
		Retry:    server.RetryPolicy{Attempts: 2, Interval: cfg.ResolveRetryInterval},
		Cooldown: cfg.JanitorCooldown,
	}, engine, store, observability.NewLogger("janitor"), metrics)

	// --- Start goroutines ---
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return jan.Run(gctx) })
	g.Go(func() error { return srv.StartGRPC(gctx) })
	g.Go(func() error { return srv.StartHTTP(gctx) })
	g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr, logger) })

	// Mark service as ready after all goroutines started
	healthChecker.SetReady(true)
	logger.Info().
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Int64("fee_bps", cfg.FeeBps).
		Msg("flipd ready")

	<-gctx.Done()
	healthChecker.SetReady(false)
	logger.Info().Msg("shutting down")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openStore(ctx context.Context, cfg config.Config) (kv.Store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		return kv.OpenSQL(ctx, kv.DialectPostgres, cfg.StoreDSN, time.Now)
	case "sqlite":
		return kv.OpenSQL(ctx, kv.DialectSQLite, cfg.StoreDSN, time.Now)
	default:
		return kv.NewMemoryStore(time.Now), nil
	}
}

// openLedger returns the client and the pot address it pays from.
func openLedger(cfg config.Config, logger zerolog.Logger) (ledger.Client, string, error) {
	if cfg.LedgerDriver == "solana" {
		key, err := solana.ParseSecretKey(cfg.PotSecretKey)
		if err != nil {
			return nil, "", fmt.Errorf("pot secret key: %w", err)
		}
		client, err := solana.New(cfg.RPCURL, key)
		if err != nil {
			return nil, "", fmt.Errorf("solana client: %w", err)
		}
		if cfg.PotAddress != "" && cfg.PotAddress != client.Address() {
			return nil, "", fmt.Errorf("FLIP_POT_ADDRESS %s does not match the secret key (%s)", cfg.PotAddress, client.Address())
		}
		return client, client.Address(), nil
	}

	pot := cfg.PotAddress
	if pot == "" {
		pub, _, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, "", fmt.Errorf("generate pot address: %w", err)
		}
		pot = base58.Encode(pub)
	}
	fund, err := ledger.ParseSOL(cfg.SimulatedFundSOL)
	if err != nil {
		return nil, "", fmt.Errorf("FLIP_SIMULATED_POT_FUND_SOL: %w", err)
	}
	mem := ledger.NewMemory()
	mem.Fund(pot, fund)
	logger.Warn().Str("fund_sol", cfg.SimulatedFundSOL).Msg("using simulated in-memory ledger")
	return mem, pot, nil
}

func openSinks(ctx context.Context, cfg config.Config, logger zerolog.Logger) ([]notify.Sink, *nats.Conn, error) {
	var sinks []notify.Sink
	if cfg.LeaderboardURL != "" {
		sinks = append(sinks, notify.NewLeaderboard(cfg.LeaderboardURL, cfg.LeaderboardKey, &http.Client{Timeout: 10 * time.Second}))
		logger.Info().Str("url", cfg.LeaderboardURL).Msg("leaderboard sink enabled")
	}
	if cfg.NATSURL == "" {
		return sinks, nil, nil
	}

	nc, js, err := notify.ConnectNATS(cfg.NATSURL, observability.NewLogger("nats"))
	if err != nil {
		return nil, nil, err
	}
	if err := notify.EnsureStream(ctx, js, logger); err != nil {
		nc.Close()
		return nil, nil, err
	}
	logger.Info().Str("url", cfg.NATSURL).Msg("NATS connected")
	return append(sinks, notify.NewJetStreamSink(js)), nc, nil
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              addr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsServer.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening on /metrics")
	if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
