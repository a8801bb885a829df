// Package server exposes the gateway over HTTP: the service endpoints
// used by research components and the operator surface (health,
// metrics, ladder, audit queries).
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quantgate/quantgate/internal/audit"
	"github.com/quantgate/quantgate/internal/events"
	"github.com/quantgate/quantgate/internal/gateway"
	"github.com/quantgate/quantgate/internal/model"
	"github.com/quantgate/quantgate/internal/policy"
	"github.com/quantgate/quantgate/internal/pool"
	"github.com/quantgate/quantgate/internal/sandbox"
)

const maxRequestBody = 1 << 20

// Config holds HTTP server configuration.
type Config struct {
	Addr       string
	PolicyPath string
}

// Server routes gateway operations over HTTP.
type Server struct {
	cfg      Config
	gw       *gateway.Gateway
	store    *policy.Store
	pools    *pool.Manager
	registry *sandbox.Registry
	index    *audit.Store
	bus      *events.Bus
	log      *slog.Logger

	httpServer *http.Server
}

// Deps bundles the collaborators the server fronts.
type Deps struct {
	Gateway    *gateway.Gateway
	Store      *policy.Store
	Pools      *pool.Manager
	Registry   *sandbox.Registry
	AuditIndex *audit.Store
	Bus        *events.Bus
	Gatherer   prometheus.Gatherer
	Log        *slog.Logger
}

// New assembles the HTTP server and its routes.
func New(cfg Config, d Deps) *Server {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		gw:       d.Gateway,
		store:    d.Store,
		pools:    d.Pools,
		registry: d.Registry,
		index:    d.AuditIndex,
		bus:      d.Bus,
		log:      log.With("component", "server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/validate", s.handleValidate)
	mux.HandleFunc("POST /v1/execute", s.handleExecute)
	mux.HandleFunc("GET /v1/ladder", s.handleLadderStatus)
	mux.HandleFunc("POST /v1/ladder/reset", s.handleLadderReset)
	mux.HandleFunc("GET /v1/pools", s.handlePools)
	mux.HandleFunc("GET /v1/audit", s.handleAuditQuery)
	mux.HandleFunc("POST /v1/policy/reload", s.handlePolicyReload)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if d.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the route table, for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Serve blocks serving HTTP until Shutdown.
func (s *Server) Serve() error {
	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	s.log.Info("listening", "addr", lis.Addr().String())
	if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ReloadPolicy re-reads the policy file, swaps the active snapshot,
// and resizes pools. The reloader and the admin endpoint both land
// here.
func (s *Server) ReloadPolicy() error {
	if err := s.store.Reload(s.cfg.PolicyPath); err != nil {
		return err
	}
	snap := s.store.Current()
	if s.pools != nil {
		s.pools.Apply(snap.Config.Pools)
	}
	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:   events.PolicyReloaded,
			Detail: snap.Hash,
		})
	}
	s.log.Info("policy reloaded", "hash", snap.Hash)
	return nil
}

// validateRequest is the wire form of a validation or execution call.
type validateRequest struct {
	Component   string               `json:"component"`
	SessionID   string               `json:"session_id,omitempty"`
	Content     string               `json:"content"`
	ContentType model.ContentType    `json:"content_type"`
	Level       model.IsolationLevel `json:"isolation_level,omitempty"`
	Inputs      map[string][]float64 `json:"inputs,omitempty"`
	TimeoutMS   int64                `json:"timeout_ms,omitempty"`
	Budget      model.ResourceBudget `json:"budget,omitempty"`
}

func (r *validateRequest) securityContext(defaultLevel model.IsolationLevel) model.SecurityContext {
	level := r.Level
	if level == "" {
		level = defaultLevel
	}
	sec := model.NewSecurityContext(r.Component, level, r.Budget, time.Duration(r.TimeoutMS)*time.Millisecond)
	sec.SessionID = r.SessionID
	return sec
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if !s.decode(w, r, &req) {
		return
	}
	sec := req.securityContext(model.LevelNoneASTOnly)
	res, err := s.gw.Validate(sec, req.Content, req.ContentType)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"request_id": sec.RequestID,
		"result":     res,
	})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if !s.decode(w, r, &req) {
		return
	}
	sec := req.securityContext(model.LevelContainer)
	out, err := s.gw.Execute(r.Context(), sec, req.Content, req.ContentType, req.Inputs)
	status := http.StatusOK
	body := map[string]any{
		"request_id": sec.RequestID,
		"outcome":    out,
	}
	if err != nil {
		status = statusForCode(model.CodeOf(err))
		body["error"] = err.Error()
		body["code"] = string(model.CodeOf(err))
	}
	s.writeJSON(w, status, body)
}

// statusForCode maps the gateway error taxonomy to HTTP statuses.
func statusForCode(code model.ErrorCode) int {
	switch code {
	case model.ErrValidationFailed, model.ErrBlacklistDetected:
		return http.StatusForbidden
	case model.ErrPoolExhausted:
		return http.StatusTooManyRequests
	case model.ErrTimeoutExceeded:
		return http.StatusGatewayTimeout
	case model.ErrMemoryExceeded, model.ErrProcessLimitExceeded, model.ErrNetworkViolation, model.ErrExecutionFailed:
		return http.StatusUnprocessableEntity
	case model.ErrSandboxCreationFailed:
		return http.StatusServiceUnavailable
	case "":
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleLadderStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.gw.Ladder().Status())
}

func (s *Server) handleLadderReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Level model.IsolationLevel `json:"level"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if !req.Level.Valid() {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("unknown isolation level %q", req.Level))
		return
	}
	s.gw.Ladder().Reset(req.Level)
	s.writeJSON(w, http.StatusOK, s.gw.Ladder().Status())
}

func (s *Server) handlePools(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.pools.Stats())
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if s.index == nil {
		s.writeError(w, http.StatusNotImplemented, fmt.Errorf("audit index not configured"))
		return
	}
	q := r.URL.Query()
	filter := audit.Filter{
		RequestID: q.Get("request_id"),
		Component: q.Get("component"),
		Decision:  q.Get("decision"),
		EventType: q.Get("event_type"),
	}
	if v := q.Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &filter.Limit)
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("bad since: %w", err))
			return
		}
		filter.Since = t
	}
	rows, err := s.index.Query(filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handlePolicyReload(w http.ResponseWriter, _ *http.Request) {
	if err := s.ReloadPolicy(); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"policy_hash": s.store.Current().Hash,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	type levelHealth struct {
		Level   model.IsolationLevel `json:"level"`
		Backend string               `json:"backend"`
		Health  sandbox.HealthResult `json:"health"`
	}
	var out []levelHealth
	healthy := true
	for _, lvl := range s.registry.Levels() {
		b, err := s.registry.Get(lvl)
		if err != nil {
			continue
		}
		hr := b.HealthCheck(r.Context())
		out = append(out, levelHealth{Level: lvl, Backend: b.Name(), Health: hr})
		if !hr.Healthy && lvl != model.LevelNoneASTOnly {
			healthy = false
		}
	}
	status := http.StatusOK
	if !healthy {
		// degraded but serving: the ladder still has the floor
		status = http.StatusMultiStatus
	}
	s.writeJSON(w, status, map[string]any{
		"healthy":  healthy,
		"backends": out,
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
