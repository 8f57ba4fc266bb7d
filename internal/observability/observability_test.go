package observability_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"

	"FlipSettle/internal/observability"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"":        zerolog.InfoLevel,
		"warn":    zerolog.WarnLevel,
		"WARNING": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := observability.ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q): got %v, want %v", in, got, want)
		}
	}
}

func TestNewLoggerTo(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLoggerTo(&buf, "settlement", observability.LogOptions{Level: zerolog.WarnLevel})

	logger.Info().Msg("dropped")
	logger.Warn().Str("round", "flip-1").Msg("pot balance too low")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("want exactly one JSON entry, got %q: %v", buf.String(), err)
	}
	if entry["component"] != "settlement" || entry["round"] != "flip-1" || entry["level"] != "warn" {
		t.Errorf("got %v", entry)
	}
	ts, _ := entry["time"].(string)
	if _, err := time.Parse(time.RFC3339Nano, ts); err != nil {
		t.Errorf("timestamp %q: %v", ts, err)
	}
}

func TestNewLoggerTo_Console(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLoggerTo(&buf, "janitor", observability.LogOptions{Level: zerolog.InfoLevel, Console: true})
	logger.Info().Msg("janitor started")

	if json.Valid(buf.Bytes()) {
		t.Errorf("console output should not be JSON: %q", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte("janitor started")) {
		t.Errorf("got %q", buf.String())
	}
}

func TestReadiness(t *testing.T) {
	h := observability.NewHealthChecker()

	var seen []bool
	h.OnChange(func(ready bool) { seen = append(seen, ready) })

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("not ready: got %d, want 503", rec.Code)
	}

	h.SetReady(true)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ready: got %d, want 200", rec.Code)
	}

	if len(seen) != 2 || seen[0] || !seen[1] {
		t.Errorf("watcher calls: got %v, want [false true]", seen)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *observability.Metrics
	m.ObserveOp("join", time.Now(), "ok")
	m.ObserveLedger("balance", time.Now(), errors.New("x"))
}

func TestMetrics_ObserveOp(t *testing.T) {
	m := observability.NewMetrics(prometheus.NewRegistry())

	m.ObserveOp("resolve", time.Now(), "resolved")
	m.ObserveOp("resolve", time.Now(), "resolved")
	m.ObserveLedger("send", time.Now(), errors.New("down"))

	if got := counterValue(t, m.Resolves.WithLabelValues("resolved")); got != 2 {
		t.Errorf("resolves: got %v, want 2", got)
	}
	if got := counterValue(t, m.LedgerErrors.WithLabelValues("send")); got != 1 {
		t.Errorf("ledger errors: got %v, want 1", got)
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var out dto.Metric
	if err := c.Write(&out); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return out.GetCounter().GetValue()
}

func TestSetupTracing_NoopWithoutEndpoint(t *testing.T) {
	shutdown, err := observability.SetupTracing(context.Background(), "flipd-test", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}
