package config_test

import (
	"strings"
	"testing"
	"time"

	"FlipSettle/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.FeeBps != 300 {
		t.Errorf("fee bps: got %d, want 300", cfg.FeeBps)
	}
	if cfg.ReservationWindow != 30*time.Second {
		t.Errorf("window: got %s, want 30s", cfg.ReservationWindow)
	}
	if cfg.DepositAttempts != 5 || cfg.DepositInterval != time.Second {
		t.Errorf("deposit poll: got %d x %s, want 5 x 1s", cfg.DepositAttempts, cfg.DepositInterval)
	}
	if cfg.StoreDriver != "memory" || cfg.LedgerDriver != "memory" {
		t.Errorf("drivers: got %s/%s, want memory/memory", cfg.StoreDriver, cfg.LedgerDriver)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("FLIP_FEE_BPS", "250")
	t.Setenv("FLIP_RESERVATION_WINDOW", "45s")
	t.Setenv("FLIP_STORE_DRIVER", "sqlite")
	t.Setenv("FLIP_STORE_DSN", "/tmp/flip.db")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.FeeBps != 250 {
		t.Errorf("fee bps: got %d, want 250", cfg.FeeBps)
	}
	if cfg.ReservationWindow != 45*time.Second {
		t.Errorf("window: got %s, want 45s", cfg.ReservationWindow)
	}
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"postgres without dsn", map[string]string{"FLIP_STORE_DRIVER": "postgres"}, "FLIP_STORE_DSN"},
		{"unknown store", map[string]string{"FLIP_STORE_DRIVER": "redis"}, "unknown store driver"},
		{"solana without key", map[string]string{"FLIP_LEDGER_DRIVER": "solana"}, "FLIP_POT_SECRET_KEY"},
		{"fee too high", map[string]string{"FLIP_FEE_BPS": "10000"}, "FLIP_FEE_BPS"},
		{"bad pot address", map[string]string{"FLIP_POT_ADDRESS": "0OIl"}, "FLIP_POT_ADDRESS"},
		{"payout expiry below timeout", map[string]string{"FLIP_PAYOUT_EXPIRY": "5s"}, "FLIP_PAYOUT_EXPIRY"},
		{"leaderboard without key", map[string]string{"FLIP_LEADERBOARD_URL": "https://example.test"}, "FLIP_LEADERBOARD_KEY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := config.Load()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}
