package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClient_DecodesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{
			"error":     "payout pending confirmation",
			"code":      "PAYOUT_PENDING",
			"retryable": true,
		})
	}))
	defer srv.Close()

	c := newClient(srv.URL, time.Second)
	_, _, err := c.resolve(context.Background(), "flip-1", false)

	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("got %v, want *apiError", err)
	}
	if apiErr.Status != http.StatusServiceUnavailable || apiErr.Code != "PAYOUT_PENDING" || !apiErr.Retryable {
		t.Errorf("got %+v", apiErr)
	}
}

func TestClient_ReserveSendsJoiner(t *testing.T) {
	var gotPath, gotJoiner string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		gotJoiner = body["joiner"]
		json.NewEncoder(w).Encode(map[string]any{
			"reservation": map[string]any{"roundId": "flip-1", "reservationToken": "tok", "joiner": body["joiner"]},
		})
	}))
	defer srv.Close()

	g, err := newClient(srv.URL+"/", time.Second).reserve(context.Background(), "flip-1", "bob")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if gotPath != "/v1/rounds/flip-1:reserve" {
		t.Errorf("path: got %s, want /v1/rounds/flip-1:reserve", gotPath)
	}
	if gotJoiner != "bob" || g.Token != "tok" {
		t.Errorf("got joiner=%s token=%s", gotJoiner, g.Token)
	}
}

func TestShort(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", ""},
		{"abc", "abc"},
		{"So11111111111111111111111111111111111111112", "So111…11112"},
	}
	for _, tt := range tests {
		if got := short(tt.in); got != tt.want {
			t.Errorf("short(%q): got %q, want %q", tt.in, got, tt.want)
		}
	}
}
