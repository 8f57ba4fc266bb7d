package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type round struct {
	ID          string     `json:"id"`
	CreatedAt   time.Time  `json:"createdAt"`
	BetLamports int64      `json:"betLamports"`
	BetSOL      string     `json:"betSol"`
	Creator     string     `json:"creator"`
	Signature   string     `json:"signature"`
	Joiner      string     `json:"joiner"`
	JoinSig     string     `json:"joinSig"`
	Status      string     `json:"status"`
	Winner      string     `json:"winner"`
	ResolveSig  string     `json:"resolveSig"`
	ResolvedAt  *time.Time `json:"resolvedAt"`
	Reservation *struct {
		Joiner    string    `json:"joiner"`
		ExpiresAt time.Time `json:"expiresAt"`
	} `json:"reservation"`
	Split *split `json:"split"`
	Proof *struct {
		Winner            string `json:"winner"`
		WinnerSide        string `json:"winnerSide"`
		RandomnessHashHex string `json:"randomnessHashHex"`
	} `json:"proof"`
	PayoutPending      bool `json:"payoutPending"`
	Withdrawing        bool `json:"withdrawing"`
	LastResolveAttempt *struct {
		Code   string    `json:"code"`
		Reason string    `json:"reason"`
		At     time.Time `json:"at"`
	} `json:"lastResolveAttempt"`
}

type split struct {
	BetLamports    int64 `json:"betLamports"`
	FeeLamports    int64 `json:"feeLamports"`
	PotLamports    int64 `json:"potLamports"`
	PayoutLamports int64 `json:"payoutLamports"`
}

type grant struct {
	RoundID     string    `json:"roundId"`
	Token       string    `json:"reservationToken"`
	Joiner      string    `json:"joiner"`
	ExpiresAt   time.Time `json:"expiresAt"`
	PotAddress  string    `json:"potAddress"`
	BetLamports int64     `json:"betLamports"`
}

type apiError struct {
	Status    int
	Message   string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("%d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// client talks to the flipd HTTP gateway.
type client struct {
	base string
	hc   *http.Client
}

func newClient(base string, timeout time.Duration) *client {
	return &client{
		base: strings.TrimRight(base, "/"),
		hc:   &http.Client{Timeout: timeout},
	}
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var payload *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = bytes.NewReader(data)
	} else {
		payload = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *client) list(ctx context.Context, status string, limit int) ([]round, error) {
	path := fmt.Sprintf("/v1/rounds?limit=%d", limit)
	if status != "" {
		path += "&status=" + url.QueryEscape(status)
	}
	var out struct {
		Rounds []round `json:"rounds"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Rounds, err
}

func (c *client) get(ctx context.Context, id string) (round, error) {
	var out struct {
		Round round `json:"round"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/rounds/"+url.PathEscape(id), nil, &out)
	return out.Round, err
}

func (c *client) quote(ctx context.Context, betSOL string) (string, split, error) {
	var out struct {
		PotAddress string `json:"potAddress"`
		Split      split  `json:"split"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/quote?betSol="+url.QueryEscape(betSOL), nil, &out)
	return out.PotAddress, out.Split, err
}

func (c *client) create(ctx context.Context, betSOL, creator, signature string) (round, error) {
	var out struct {
		Round round `json:"round"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/rounds", map[string]any{
		"betSol":    json.Number(betSOL),
		"creator":   creator,
		"signature": signature,
	}, &out)
	return out.Round, err
}

func (c *client) reserve(ctx context.Context, id, joiner string) (grant, error) {
	var out struct {
		Reservation grant `json:"reservation"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/rounds/"+url.PathEscape(id)+":reserve", map[string]any{"joiner": joiner}, &out)
	return out.Reservation, err
}

func (c *client) join(ctx context.Context, id, joiner, token, signature string, wait bool) (round, bool, error) {
	var out struct {
		Round        round `json:"round"`
		AutoResolved bool  `json:"autoResolved"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/rounds/"+url.PathEscape(id)+":join", map[string]any{
		"joiner":           joiner,
		"reservationToken": token,
		"signature":        signature,
		"waitResolved":     wait,
	}, &out)
	return out.Round, out.AutoResolved, err
}

func (c *client) resolve(ctx context.Context, id string, wait bool) (round, bool, error) {
	var out struct {
		Round      round `json:"round"`
		DidResolve bool  `json:"didResolve"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/rounds/"+url.PathEscape(id)+":resolve", map[string]any{"wait": wait}, &out)
	return out.Round, out.DidResolve, err
}

func (c *client) leave(ctx context.Context, id, creator string) (string, error) {
	var out struct {
		RefundRef string `json:"refundRef"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/rounds/"+url.PathEscape(id)+":leave", map[string]any{"creator": creator}, &out)
	return out.RefundRef, err
}
