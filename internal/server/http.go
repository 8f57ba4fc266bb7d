package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"

	"FlipSettle/internal/apperr"
	"FlipSettle/internal/ledger"
	"FlipSettle/internal/observability"
	"FlipSettle/internal/round"
	"FlipSettle/internal/settlement"
)

const maxBodyBytes = 64 << 10

// Engine is the settlement surface the gateway serves.
type Engine interface {
	Resolver
	Create(ctx context.Context, req settlement.CreateRequest) (*round.Round, error)
	Get(ctx context.Context, roundID string) (*round.Round, error)
	List(ctx context.Context, req settlement.ListRequest) ([]*round.Round, error)
	ReserveJoin(ctx context.Context, roundID, candidate string) (*round.Reservation, error)
	Join(ctx context.Context, req settlement.JoinRequest) (settlement.JoinResult, error)
	Leave(ctx context.Context, roundID, creator string) (settlement.LeaveResult, error)
	Split(betLamports int64) (round.Split, error)
	PotAddress() string
}

type gateway struct {
	eng     Engine
	retry   RetryPolicy
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewGateway registers the round routes on a grpc-gateway ServeMux.
func NewGateway(deps Deps) (http.Handler, error) {
	g := &gateway{
		eng:     deps.Engine,
		retry:   deps.Retry,
		metrics: deps.Metrics,
		logger:  deps.Logger,
	}
	if g.retry.Attempts < 1 {
		g.retry = DefaultRetryPolicy()
	}

	// Middlewares are bound at registration, so they go in before HandlePath.
	mux := runtime.NewServeMux(
		runtime.WithMiddlewares(g.instrument),
		runtime.WithRoutingErrorHandler(g.routingError),
	)

	routes := []struct {
		method  string
		pattern string
		h       runtime.HandlerFunc
	}{
		{http.MethodGet, "/v1/rounds", g.list},
		{http.MethodPost, "/v1/rounds", g.create},
		{http.MethodGet, "/v1/rounds/{id}", g.get},
		{http.MethodPost, "/v1/rounds/{id}:reserve", g.reserve},
		{http.MethodPost, "/v1/rounds/{id}:join", g.join},
		{http.MethodPost, "/v1/rounds/{id}:resolve", g.resolve},
		{http.MethodPost, "/v1/rounds/{id}:leave", g.leave},
		{http.MethodGet, "/v1/quote", g.quote},
		{http.MethodPost, "/api/rounds", g.action},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, rt.h); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

// ============================================================================
// Request bodies
// ============================================================================

type createBody struct {
	BetSOL      json.Number `json:"betSol"`
	BetLamports int64       `json:"betLamports"`
	Creator     string      `json:"creator"`
	Signature   string      `json:"signature"`
}

func (b createBody) request() (settlement.CreateRequest, error) {
	bet := b.BetLamports
	if b.BetSOL != "" {
		if bet != 0 {
			return settlement.CreateRequest{}, apperr.New(apperr.CodeValidation, "give betSol or betLamports, not both")
		}
		l, err := ledger.ParseSOL(b.BetSOL.String())
		if err != nil {
			return settlement.CreateRequest{}, apperr.Wrap(apperr.CodeValidation, "bad betSol", err)
		}
		bet = l
	}
	return settlement.CreateRequest{BetLamports: bet, Creator: b.Creator, DepositRef: b.Signature}, nil
}

type reserveBody struct {
	Joiner string `json:"joiner"`
}

type joinBody struct {
	Joiner       string `json:"joiner"`
	Token        string `json:"reservationToken"`
	Signature    string `json:"signature"`
	WaitResolved bool   `json:"waitResolved"`
}

type resolveBody struct {
	Wait bool `json:"wait"`
}

type leaveBody struct {
	Creator string `json:"creator"`
}

// actionBody is the union accepted by /api/rounds.
type actionBody struct {
	Action string `json:"action"`
	ID     string `json:"id"`
	Status string `json:"status"`
	Limit  int    `json:"limit"`
	createBody
	Joiner       string `json:"joiner"`
	Token        string `json:"reservationToken"`
	WaitResolved bool   `json:"waitResolved"`
}

// ============================================================================
// /v1 handlers
// ============================================================================

func (g *gateway) create(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var body createBody
	if !g.decode(w, r, &body) {
		return
	}
	req, err := body.request()
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	rd, err := g.eng.Create(r.Context(), req)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, map[string]any{"round": g.view(rd)})
}

func (g *gateway) list(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	q := r.URL.Query()
	req := settlement.ListRequest{Status: round.Status(q.Get("status"))}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			g.writeError(w, r, apperr.Newf(apperr.CodeValidation, "bad limit %q", s))
			return
		}
		req.Limit = n
	}
	rounds, err := g.eng.List(r.Context(), req)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"rounds": g.views(rounds)})
}

func (g *gateway) get(w http.ResponseWriter, r *http.Request, params map[string]string) {
	rd, err := g.eng.Get(r.Context(), params["id"])
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"round": g.view(rd)})
}

func (g *gateway) reserve(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var body reserveBody
	if !g.decode(w, r, &body) {
		return
	}
	grant, err := g.reserveJoin(r.Context(), params["id"], body.Joiner)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"reservation": grant})
}

func (g *gateway) join(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var body joinBody
	if !g.decode(w, r, &body) {
		return
	}
	res, err := g.doJoin(r.Context(), settlement.JoinRequest{
		RoundID:    params["id"],
		Joiner:     body.Joiner,
		Token:      body.Token,
		DepositRef: body.Signature,
	}, body.WaitResolved)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"round": g.view(res.Round), "autoResolved": res.AutoResolved})
}

func (g *gateway) resolve(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var body resolveBody
	if !g.decode(w, r, &body) {
		return
	}
	var (
		res settlement.ResolveResult
		err error
	)
	if body.Wait {
		res, err = ResolveWithRetry(r.Context(), g.eng, params["id"], g.retry)
	} else {
		res, err = g.eng.Resolve(r.Context(), params["id"])
	}
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"round": g.view(res.Round), "didResolve": res.DidResolve})
}

func (g *gateway) leave(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var body leaveBody
	if !g.decode(w, r, &body) {
		return
	}
	res, err := g.eng.Leave(r.Context(), params["id"], body.Creator)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"refundRef": res.RefundRef})
}

// quote tells a client what to deposit and where before creating a round.
func (g *gateway) quote(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	body := createBody{BetSOL: json.Number(r.URL.Query().Get("betSol"))}
	if s := r.URL.Query().Get("betLamports"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			g.writeError(w, r, apperr.Newf(apperr.CodeValidation, "bad betLamports %q", s))
			return
		}
		body.BetLamports = n
	}
	req, err := body.request()
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	split, err := g.eng.Split(req.BetLamports)
	if err != nil {
		g.writeError(w, r, apperr.Wrap(apperr.CodeValidation, "bet too small", err))
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"potAddress": g.eng.PotAddress(), "split": split})
}

// ============================================================================
// /api/rounds action dispatch
// ============================================================================

func (g *gateway) action(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var body actionBody
	if !g.decode(w, r, &body) {
		return
	}
	ctx := r.Context()

	switch body.Action {
	case "create":
		req, err := body.createBody.request()
		if err != nil {
			g.writeError(w, r, err)
			return
		}
		rd, err := g.eng.Create(ctx, req)
		if err != nil {
			g.writeError(w, r, err)
			return
		}
		g.writeJSON(w, http.StatusOK, map[string]any{"round": g.view(rd)})

	case "list":
		rounds, err := g.eng.List(ctx, settlement.ListRequest{Status: round.Status(body.Status), Limit: body.Limit})
		if err != nil {
			g.writeError(w, r, err)
			return
		}
		g.writeJSON(w, http.StatusOK, map[string]any{"rounds": g.views(rounds)})

	case "get":
		rd, err := g.eng.Get(ctx, body.ID)
		if err != nil {
			g.writeError(w, r, err)
			return
		}
		g.writeJSON(w, http.StatusOK, map[string]any{"round": g.view(rd)})

	case "reserveJoin":
		grant, err := g.reserveJoin(ctx, body.ID, body.Joiner)
		if err != nil {
			g.writeError(w, r, err)
			return
		}
		g.writeJSON(w, http.StatusOK, map[string]any{"reservation": grant})

	case "join":
		res, err := g.doJoin(ctx, settlement.JoinRequest{
			RoundID:    body.ID,
			Joiner:     body.Joiner,
			Token:      body.Token,
			DepositRef: body.Signature,
		}, body.WaitResolved)
		if err != nil {
			g.writeError(w, r, err)
			return
		}
		g.writeJSON(w, http.StatusOK, map[string]any{"round": g.view(res.Round), "autoResolved": res.AutoResolved})

	case "tryResolve":
		// Clients poll this; a payout still in flight is not an error to them.
		res, err := g.eng.Resolve(ctx, body.ID)
		if err != nil {
			if !apperr.IsRetryable(err) {
				g.writeError(w, r, err)
				return
			}
			rd, gerr := g.eng.Get(ctx, body.ID)
			if gerr != nil {
				g.writeError(w, r, gerr)
				return
			}
			res.Round = rd
		}
		g.writeJSON(w, http.StatusOK, map[string]any{"round": g.view(res.Round)})

	case "leave":
		res, err := g.eng.Leave(ctx, body.ID, body.Creator)
		if err != nil {
			g.writeError(w, r, err)
			return
		}
		g.writeJSON(w, http.StatusOK, map[string]any{"refundRef": res.RefundRef})

	default:
		g.writeError(w, r, apperr.Newf(apperr.CodeValidation, "unknown action %q", body.Action))
	}
}

// ============================================================================
// Shared
// ============================================================================

func (g *gateway) reserveJoin(ctx context.Context, roundID, joiner string) (grantView, error) {
	res, err := g.eng.ReserveJoin(ctx, roundID, joiner)
	if err != nil {
		return grantView{}, err
	}
	grant := grantView{
		RoundID:    roundID,
		Token:      res.Token,
		Joiner:     res.Joiner,
		ExpiresAt:  res.ExpiresAt,
		PotAddress: g.eng.PotAddress(),
	}
	if rd, err := g.eng.Get(ctx, roundID); err == nil {
		grant.BetLamports = rd.BetLamports
	}
	return grant, nil
}

// doJoin joins and, when asked, keeps resolving for a bounded time. A join
// that committed is never reported as failed because resolution lagged.
func (g *gateway) doJoin(ctx context.Context, req settlement.JoinRequest, wait bool) (settlement.JoinResult, error) {
	res, err := g.eng.Join(ctx, req)
	if err != nil || res.AutoResolved || !wait {
		return res, err
	}
	rr, rerr := ResolveWithRetry(ctx, g.eng, req.RoundID, g.retry)
	if rerr != nil {
		g.logger.Warn().Err(rerr).Str("round_id", req.RoundID).Msg("resolve after join still pending")
		return res, nil
	}
	return settlement.JoinResult{Round: rr.Round, AutoResolved: rr.Round.Status == round.StatusResolved}, nil
}

func (g *gateway) view(r *round.Round) roundView {
	return newRoundView(r, g.eng.Split)
}

func (g *gateway) views(rounds []*round.Round) []roundView {
	out := make([]roundView, 0, len(rounds))
	for _, r := range rounds {
		out = append(out, g.view(r))
	}
	return out
}

func (g *gateway) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		g.writeError(w, r, apperr.Wrap(apperr.CodeValidation, "malformed JSON body", err))
		return false
	}
	return true
}

func (g *gateway) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		g.logger.Debug().Err(err).Msg("write response")
	}
}

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

func (g *gateway) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.CodeOf(err)
	status := runtime.HTTPStatusFromCode(code.GRPCCode())
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		g.logger.Error().Err(err).Str("path", r.URL.Path).Str("code", string(code)).Msg("request failed")
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		msg = ae.Message
	} else if code == apperr.CodeUnknown {
		msg = "internal error"
	}
	g.writeJSON(w, status, errorBody{Error: msg, Code: string(code), Retryable: apperr.IsRetryable(err)})
}

func (g *gateway) routingError(_ context.Context, _ *runtime.ServeMux, _ runtime.Marshaler, w http.ResponseWriter, r *http.Request, status int) {
	msg := strings.ToLower(http.StatusText(status))
	code := apperr.CodeNotFound
	if status != http.StatusNotFound {
		code = apperr.CodeValidation
	}
	g.writeJSON(w, status, errorBody{Error: msg, Code: string(code)})
}

// ============================================================================
// Metrics middleware
// ============================================================================

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (g *gateway) instrument(next runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r, params)

		if g.metrics == nil {
			return
		}
		route := "unknown"
		if pat, ok := runtime.HTTPPattern(r.Context()); ok {
			route = pat.String()
		}
		g.metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		g.metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}
