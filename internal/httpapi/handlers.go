package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/modelrelay/modelrelay/internal/auth"
	"github.com/modelrelay/modelrelay/internal/breaker"
	"github.com/modelrelay/modelrelay/internal/budget"
	"github.com/modelrelay/modelrelay/internal/dispatch"
	"github.com/modelrelay/modelrelay/internal/events"
	"github.com/modelrelay/modelrelay/internal/health"
	"github.com/modelrelay/modelrelay/internal/heartbeat"
	"github.com/modelrelay/modelrelay/internal/ledger"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/providers"
	"github.com/modelrelay/modelrelay/internal/router"
	"github.com/modelrelay/modelrelay/internal/session"
	"github.com/modelrelay/modelrelay/internal/stats"
)

// statusClientClosedRequest is the nginx convention for a client that went
// away before the response was ready.
const statusClientClosedRequest = 499

// Dependencies is the component graph the HTTP layer serves.
type Dependencies struct {
	Dispatcher *dispatch.Dispatcher
	Engine     *router.Engine
	Enforcer   *budget.Enforcer
	Ledger     ledger.Store
	Sessions   *session.Store
	Breakers   *breaker.Registry
	Health     *health.Tracker
	Heartbeats *heartbeat.Tracker
	Metrics    *metrics.Registry
	EventBus   *events.Bus
	Stats      *stats.Collector
	Keys       *auth.Manager
	Logger     *slog.Logger

	// Subsystems supplies extra subsystem states for the health report
	// (ledger, event bus). May be nil.
	Subsystems func() map[string]string
}

// jsonError writes {"error": kind, "detail": msg, ...extra}.
func jsonError(w http.ResponseWriter, kind, detail string, code int, extra map[string]any) {
	body := map[string]any{"error": kind, "detail": detail}
	for k, v := range extra {
		body[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// ChatRequest is the JSON body for POST /chat.
type ChatRequest struct {
	Content    string `json:"content"`
	SessionKey string `json:"sessionKey,omitempty"`
	Agent      string `json:"agent,omitempty"`
	Model      string `json:"model,omitempty"`
	ProjectID  string `json:"project_id,omitempty"`
}

// ChatResponse is the JSON body returned by POST /chat.
type ChatResponse struct {
	Response      string     `json:"response"`
	Model         string     `json:"model"`
	Tier          string     `json:"tier"`
	Tokens        TokenUsage `json:"tokens"`
	SessionKey    string     `json:"sessionKey,omitempty"`
	HistoryLength int        `json:"historyLength"`
	TaskID        string     `json:"task_id"`
	CostUSD       float64    `json:"cost_usd"`
	FellBack      bool       `json:"fell_back,omitempty"`
}

type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

func ChatHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad_request", "bad json", http.StatusBadRequest, nil)
			return
		}
		if req.Content == "" {
			jsonError(w, "bad_request", "content required", http.StatusBadRequest, nil)
			return
		}
		project := req.ProjectID
		if project == "" {
			project = auth.ProjectFromContext(r.Context())
		}

		// Thread the inbound request ID through to provider calls.
		ctx := r.Context()
		if reqID := middleware.GetReqID(ctx); reqID != "" {
			ctx = providers.WithRequestID(ctx, reqID)
		}

		resp, err := d.Dispatcher.Dispatch(ctx, dispatch.Request{
			Content:    req.Content,
			SessionKey: req.SessionKey,
			Agent:      req.Agent,
			Model:      req.Model,
			ProjectID:  project,
		})
		if err != nil {
			writeDispatchError(w, ctx, err)
			return
		}

		writeJSON(w, http.StatusOK, ChatResponse{
			Response:      resp.Text,
			Model:         resp.ModelName,
			Tier:          string(resp.Tier),
			Tokens:        TokenUsage{Input: resp.InputTokens, Output: resp.OutputTokens},
			SessionKey:    resp.SessionKey,
			HistoryLength: resp.HistoryLength,
			TaskID:        resp.TaskID,
			CostUSD:       resp.CostUSD,
			FellBack:      resp.FellBack,
		})
	}
}

// writeDispatchError maps the dispatch error taxonomy onto HTTP statuses.
func writeDispatchError(w http.ResponseWriter, ctx context.Context, err error) {
	var de *dispatch.Error
	if !errors.As(err, &de) {
		jsonError(w, "internal", err.Error(), http.StatusInternalServerError, nil)
		return
	}

	extra := map[string]any{}
	if len(de.Targets) > 0 {
		extra["targets"] = de.Targets
	}

	switch de.Kind {
	case dispatch.KindBadRequest:
		jsonError(w, string(de.Kind), de.Detail, http.StatusBadRequest, nil)
	case dispatch.KindBudgetExceeded:
		var ee *budget.ExceededError
		code := http.StatusPaymentRequired
		if errors.As(err, &ee) {
			extra["gate"] = string(ee.Gate)
			if ee.Gate == budget.GateQueue {
				code = http.StatusTooManyRequests
				extra["queue_depth"] = ee.QueueDepth
				extra["queue_limit"] = ee.QueueLimit
			} else {
				extra["limit_usd"] = ee.LimitUSD
				extra["spent_usd"] = ee.SpentUSD
				extra["estimated_usd"] = ee.EstimatedUSD
			}
		}
		jsonError(w, string(de.Kind), de.Detail, code, extra)
	case dispatch.KindRateLimited:
		w.Header().Set("Retry-After", "1")
		jsonError(w, string(de.Kind), de.Detail, http.StatusTooManyRequests, extra)
	case dispatch.KindUpstreamFailed:
		jsonError(w, string(de.Kind), de.Detail, http.StatusBadGateway, extra)
	case dispatch.KindCancelled:
		code := statusClientClosedRequest
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			code = http.StatusGatewayTimeout
		}
		jsonError(w, string(de.Kind), de.Detail, code, nil)
	default:
		jsonError(w, string(dispatch.KindInternal), de.Detail, http.StatusInternalServerError, nil)
	}
}

// RouteRequest is the JSON body for POST /route.
type RouteRequest struct {
	Query string `json:"query"`
	Model string `json:"model,omitempty"`
}

// RouteHandler performs classification and tier selection without
// dispatching; the decision is returned as-is.
func RouteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RouteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad_request", "bad json", http.StatusBadRequest, nil)
			return
		}
		decision, err := d.Engine.Route(req.Query, req.Model)
		if err != nil {
			jsonError(w, "bad_request", err.Error(), http.StatusBadRequest, nil)
			return
		}
		writeJSON(w, http.StatusOK, decision)
	}
}

// HealthHandler reports overall gateway health with per-subsystem detail.
// Degraded still returns 200; only critical maps to 503.
func HealthHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var extra map[string]string
		if d.Subsystems != nil {
			extra = d.Subsystems()
		}
		report := d.Health.BuildReport(extra)
		code := http.StatusOK
		if report.Status == health.StatusCritical {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, report)
	}
}

// QuotasHandler serves GET /quotas/status: fresh daily/monthly spend against
// the project's limits.
func QuotasHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		project := r.URL.Query().Get("project_id")
		if project == "" {
			project = auth.ProjectFromContext(r.Context())
		}
		st, err := d.Enforcer.StatusFor(r.Context(), project)
		if err != nil {
			d.Logger.Error("quota status failed", "project_id", project, "error", err)
			jsonError(w, "internal", "quota status unavailable", http.StatusInternalServerError, nil)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func queryInt(r *http.Request, key string, def int) int {
	if raw := r.URL.Query().Get(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return def
}
