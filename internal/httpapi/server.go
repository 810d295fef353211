// Package httpapi serves the control-plane HTTP surface of the gateway.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/skip2/go-qrcode"

	"github.com/KafClaw/wagate/internal/observability"
	"github.com/KafClaw/wagate/internal/ratelimit"
	"github.com/KafClaw/wagate/internal/registry"
	"github.com/KafClaw/wagate/internal/session"
	"github.com/KafClaw/wagate/internal/timeline"
)

// OperatorHeader carries the identity of the human issuing a command.
const OperatorHeader = "X-Operator-ID"

// Sessions is the registry surface used by the API.
type Sessions interface {
	Initialize(ctx context.Context, tenantID string) (session.Snapshot, error)
	Restart(ctx context.Context, tenantID string) (session.Snapshot, error)
	Destroy(ctx context.Context, tenantID string) (session.Snapshot, error)
	Snapshot(tenantID string) (session.Snapshot, error)
	Snapshots() []session.Snapshot
}

// History reads persisted status events.
type History interface {
	StatusHistory(tenantID string, limit int) ([]timeline.StatusEvent, error)
}

// Silence switches reply suppression per tenant.
type Silence interface {
	SetSilentMode(tenantID string, on bool) error
}

// Request is the body of the control commands. Enabled is only read by
// /silent.
type Request struct {
	TenantID   string `json:"tenantId"`
	OperatorID string `json:"operatorId,omitempty"`
	Enabled    *bool  `json:"enabled,omitempty"`
}

// Response is the body of every command reply.
type Response struct {
	Success           bool              `json:"success"`
	Message           string            `json:"message"`
	Status            *session.Snapshot `json:"status,omitempty"`
	RetryAfterSeconds int               `json:"retryAfterSeconds,omitempty"`
}

// API wires the HTTP routes to the registry.
type API struct {
	Sessions Sessions
	Limiter  *ratelimit.Limiter
	Hub      *Hub
	History  History
	Silence  Silence
	Gatherer prometheus.Gatherer
}

// Register adds every route to r.
func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/initialize", a.handleInitialize).Methods(http.MethodPost)
	r.HandleFunc("/restart", a.handleRestart).Methods(http.MethodPost)
	r.HandleFunc("/logout", a.handleLogout).Methods(http.MethodPost)
	r.HandleFunc("/silent", a.handleSilent).Methods(http.MethodPost)
	r.HandleFunc("/status", a.handleStatusAll).Methods(http.MethodGet)
	r.HandleFunc("/status/{tenantId}", a.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/status/{tenantId}/history", a.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/qr/{tenantId}.png", a.handleQR).Methods(http.MethodGet)
	r.HandleFunc("/ws/{tenantId}", a.handleWS).Methods(http.MethodGet)
	r.HandleFunc("/healthz", a.handleHealth).Methods(http.MethodGet)
	if a.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
}

// NewRouter builds the router with logging, metrics and auth middleware.
func NewRouter(a *API, authToken string) *mux.Router {
	r := mux.NewRouter()
	r.Use(Logging, Metrics, BearerAuth(authToken))
	a.Register(r)
	return r
}

func (a *API) handleInitialize(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeCommand(w, r)
	if !ok || !a.allow(w, r, req) {
		return
	}
	snap, err := a.Sessions.Initialize(r.Context(), req.TenantID)
	if err != nil {
		a.commandError(w, "initialize", req.TenantID, snap, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "Session initialization started", Status: &snap})
}

func (a *API) handleRestart(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeCommand(w, r)
	if !ok || !a.allow(w, r, req) {
		return
	}
	snap, err := a.Sessions.Restart(r.Context(), req.TenantID)
	if err != nil {
		a.commandError(w, "restart", req.TenantID, snap, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "Session restarted", Status: &snap})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeCommand(w, r)
	if !ok {
		return
	}
	snap, err := a.Sessions.Destroy(r.Context(), req.TenantID)
	if err != nil {
		a.commandError(w, "logout", req.TenantID, snap, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "Session logged out", Status: &snap})
}

func (a *API) handleSilent(w http.ResponseWriter, r *http.Request) {
	if a.Silence == nil {
		writeJSON(w, http.StatusNotImplemented, Response{Success: false, Message: "silent mode is not enabled"})
		return
	}
	req, ok := a.decodeCommand(w, r)
	if !ok {
		return
	}
	if req.Enabled == nil {
		writeJSON(w, http.StatusBadRequest, Response{Success: false, Message: "enabled is required"})
		return
	}
	if err := a.Silence.SetSilentMode(req.TenantID, *req.Enabled); err != nil {
		a.commandError(w, "set silent mode", req.TenantID, session.Snapshot{}, err)
		return
	}
	msg := "Silent mode disabled"
	if *req.Enabled {
		msg = "Silent mode enabled"
	}
	slog.Info("httpapi: silent mode changed", "tenant", req.TenantID, "enabled", *req.Enabled, "operator", req.OperatorID)
	writeJSON(w, http.StatusOK, Response{Success: true, Message: msg})
}

func (a *API) handleStatusAll(w http.ResponseWriter, r *http.Request) {
	snaps := a.Sessions.Snapshots()
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"sessions": snaps,
		"count":    len(snaps),
	})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]
	snap, err := a.Sessions.Snapshot(tenantID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, Response{Success: false, Message: "No session for tenant " + tenantID})
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: snap.Message, Status: &snap})
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	if a.History == nil {
		writeJSON(w, http.StatusNotImplemented, Response{Success: false, Message: "history is not enabled"})
		return
	}
	tenantID := mux.Vars(r)["tenantId"]
	if err := session.ValidateTenantID(tenantID); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Success: false, Message: err.Error()})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	events, err := a.History.StatusHistory(tenantID, limit)
	if err != nil {
		slog.Error("httpapi: status history failed", "tenant", tenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, Response{Success: false, Message: "history unavailable"})
		return
	}
	if events == nil {
		events = []timeline.StatusEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "tenantId": tenantID, "events": events})
}

func (a *API) handleQR(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]
	snap, err := a.Sessions.Snapshot(tenantID)
	if err != nil || snap.QRCode == "" {
		http.Error(w, "no pending QR code", http.StatusNotFound)
		return
	}
	png, err := qrcode.Encode(snap.QRCode, qrcode.Medium, 256)
	if err != nil {
		slog.Error("httpapi: qr render failed", "tenant", tenantID, "error", err)
		http.Error(w, "qr render failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

func (a *API) handleWS(w http.ResponseWriter, r *http.Request) {
	if a.Hub == nil {
		http.Error(w, "live updates are not enabled", http.StatusServiceUnavailable)
		return
	}
	tenantID := mux.Vars(r)["tenantId"]
	var initial *session.Snapshot
	if tenantID != "*" {
		if err := session.ValidateTenantID(tenantID); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if snap, err := a.Sessions.Snapshot(tenantID); err == nil {
			initial = &snap
		}
	}
	a.Hub.Serve(w, r, tenantID, initial)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": len(a.Sessions.Snapshots())})
}

func (a *API) decodeCommand(w http.ResponseWriter, r *http.Request) (Request, bool) {
	var req Request
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Success: false, Message: "invalid JSON body"})
		return req, false
	}
	req.TenantID = strings.TrimSpace(req.TenantID)
	if err := session.ValidateTenantID(req.TenantID); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Success: false, Message: err.Error()})
		return req, false
	}
	if op := strings.TrimSpace(r.Header.Get(OperatorHeader)); op != "" {
		req.OperatorID = op
	}
	return req, true
}

// allow consults the rate limiter. Rejections never touch the session.
func (a *API) allow(w http.ResponseWriter, r *http.Request, req Request) bool {
	if a.Limiter == nil {
		return true
	}
	d := a.Limiter.Attempt(req.OperatorID)
	if d.Allowed {
		return true
	}
	if errors.Is(d.Err, ratelimit.ErrNoOperator) {
		writeJSON(w, http.StatusBadRequest, Response{Success: false, Message: "operator id is required (" + OperatorHeader + " header or operatorId)"})
		return false
	}

	reason := "cooldown"
	msg := "Please wait before initializing again; try again later"
	if errors.Is(d.Err, ratelimit.ErrWindowExhausted) {
		reason = "window"
		msg = "Too many initialization attempts this hour; try again later"
	}
	observability.RateLimited.WithLabelValues(reason).Inc()
	retry := int(math.Ceil(d.RetryAfter.Seconds()))
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	slog.Warn("httpapi: initialization rate limited", "operator", req.OperatorID, "tenant", req.TenantID, "reason", reason, "retry_after", retry)
	writeJSON(w, http.StatusTooManyRequests, Response{Success: false, Message: msg, RetryAfterSeconds: retry})
	return false
}

func (a *API) commandError(w http.ResponseWriter, op, tenantID string, snap session.Snapshot, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrInvalidTenantID):
		code = http.StatusBadRequest
	case errors.Is(err, registry.ErrClosed):
		code = http.StatusServiceUnavailable
	case errors.Is(err, registry.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, registry.ErrRestartRequired):
		code = http.StatusConflict
	}
	slog.Error("httpapi: command failed", "op", op, "tenant", tenantID, "error", err)
	resp := Response{Success: false, Message: "Failed to " + op + ": " + err.Error()}
	if snap.TenantID != "" {
		resp.Status = &snap
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
