// Package config loads flipd configuration from environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"FlipSettle/internal/round"
)

// Config holds all application configuration.
type Config struct {
	// Listeners
	GRPCAddr    string `env:"FLIP_GRPC_ADDR" envDefault:":9090"`
	HTTPAddr    string `env:"FLIP_HTTP_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"FLIP_METRICS_ADDR" envDefault:":9091"`

	// Store
	StoreDriver string `env:"FLIP_STORE_DRIVER" envDefault:"memory"` // memory | postgres | sqlite
	StoreDSN    string `env:"FLIP_STORE_DSN"`

	// Ledger
	LedgerDriver     string `env:"FLIP_LEDGER_DRIVER" envDefault:"memory"` // memory | solana
	RPCURL           string `env:"FLIP_RPC_URL" envDefault:"https://api.devnet.solana.com"`
	PotAddress       string `env:"FLIP_POT_ADDRESS"`
	PotSecretKey     string `env:"FLIP_POT_SECRET_KEY"` // JSON byte array, 64 entries
	SimulatedFundSOL string `env:"FLIP_SIMULATED_POT_FUND_SOL" envDefault:"1000"`

	// Settlement
	FeeBps               int64         `env:"FLIP_FEE_BPS" envDefault:"300"`
	ReservationWindow    time.Duration `env:"FLIP_RESERVATION_WINDOW" envDefault:"30s"`
	SafetyBufferLamports int64         `env:"FLIP_SAFETY_BUFFER_LAMPORTS" envDefault:"900000"`
	DepositAttempts      int           `env:"FLIP_DEPOSIT_ATTEMPTS" envDefault:"5"`
	DepositInterval      time.Duration `env:"FLIP_DEPOSIT_INTERVAL" envDefault:"1s"`
	ResolveTimeout       time.Duration `env:"FLIP_RESOLVE_TIMEOUT" envDefault:"30s"`
	PayoutExpiry         time.Duration `env:"FLIP_PAYOUT_EXPIRY" envDefault:"2m"`
	UsedRefCacheSize     int           `env:"FLIP_USED_REF_CACHE_SIZE" envDefault:"100000"`

	// Boundary retry used when callers ask to wait for resolution.
	ResolveRetryAttempts int           `env:"FLIP_RESOLVE_RETRY_ATTEMPTS" envDefault:"10"`
	ResolveRetryInterval time.Duration `env:"FLIP_RESOLVE_RETRY_INTERVAL" envDefault:"1500ms"`

	// Notifications
	NATSURL        string `env:"FLIP_NATS_URL"`
	LeaderboardURL string `env:"FLIP_LEADERBOARD_URL"`
	LeaderboardKey string `env:"FLIP_LEADERBOARD_KEY"`
	NotifyQueue    int    `env:"FLIP_NOTIFY_QUEUE" envDefault:"1024"`

	// Janitor
	JanitorInterval time.Duration `env:"FLIP_JANITOR_INTERVAL" envDefault:"15s"`
	JanitorBatch    int           `env:"FLIP_JANITOR_BATCH" envDefault:"100"`
	JanitorCooldown time.Duration `env:"FLIP_JANITOR_COOLDOWN" envDefault:"10s"`

	// Tracing
	OTelEndpoint string `env:"FLIP_OTEL_ENDPOINT"`
}

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints env tags cannot express.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case "memory":
	case "postgres", "sqlite":
		if strings.TrimSpace(c.StoreDSN) == "" {
			return fmt.Errorf("FLIP_STORE_DSN is required for store driver %q", c.StoreDriver)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}

	switch c.LedgerDriver {
	case "memory":
	case "solana":
		if c.PotSecretKey == "" {
			return fmt.Errorf("FLIP_POT_SECRET_KEY is required for the solana ledger")
		}
	default:
		return fmt.Errorf("unknown ledger driver %q", c.LedgerDriver)
	}

	if c.PotAddress != "" && !round.ValidAddress(c.PotAddress) {
		return fmt.Errorf("FLIP_POT_ADDRESS is not a valid address")
	}
	if c.FeeBps < 0 || c.FeeBps >= round.BpsDenominator {
		return fmt.Errorf("FLIP_FEE_BPS out of range: %d", c.FeeBps)
	}
	if c.ReservationWindow <= 0 {
		return fmt.Errorf("FLIP_RESERVATION_WINDOW must be positive")
	}
	if c.DepositAttempts < 1 {
		return fmt.Errorf("FLIP_DEPOSIT_ATTEMPTS must be at least 1")
	}
	if c.ResolveTimeout <= 0 || c.PayoutExpiry < c.ResolveTimeout {
		return fmt.Errorf("FLIP_PAYOUT_EXPIRY (%s) must be at least FLIP_RESOLVE_TIMEOUT (%s)", c.PayoutExpiry, c.ResolveTimeout)
	}
	if c.LeaderboardURL != "" && c.LeaderboardKey == "" {
		return fmt.Errorf("FLIP_LEADERBOARD_KEY is required when FLIP_LEADERBOARD_URL is set")
	}
	return nil
}
