package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"FlipSettle/internal/ledger"
)

// GameName identifies flip results on the shared leaderboard.
const GameName = "flip"

// Leaderboard posts one entry per player to a leaderboard endpoint: "win"
// with the payout for the winner, "play" with the stake for the loser.
type Leaderboard struct {
	url    string
	key    string
	client *http.Client
}

// LeaderboardEntry is the wire body of one leaderboard post.
type LeaderboardEntry struct {
	Wallet    string      `json:"wallet"`
	Game      string      `json:"game"`
	Result    string      `json:"result"`
	AmountSOL json.Number `json:"amountSol"`
}

// NewLeaderboard creates the sink. A nil client gets a 10s timeout client.
func NewLeaderboard(url, key string, client *http.Client) *Leaderboard {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Leaderboard{url: url, key: key, client: client}
}

func (l *Leaderboard) Name() string { return "leaderboard" }

// Deliver posts both entries; the first failure is returned after both
// have been tried.
func (l *Leaderboard) Deliver(ctx context.Context, r Result) error {
	entries := []LeaderboardEntry{
		{Wallet: r.Winner, Game: GameName, Result: "win", AmountSOL: json.Number(ledger.FormatSOL(r.PayoutLamports))},
		{Wallet: r.Loser, Game: GameName, Result: "play", AmountSOL: json.Number(ledger.FormatSOL(r.BetLamports))},
	}
	var firstErr error
	for _, entry := range entries {
		if entry.Wallet == "" {
			continue
		}
		if err := l.post(ctx, entry); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (l *Leaderboard) post(ctx context.Context, entry LeaderboardEntry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-game-key", l.key)

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("post leaderboard: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("post leaderboard: status %d", resp.StatusCode)
	}
	return nil
}
