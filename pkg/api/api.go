package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/wpgate/pkg/auth"
	"github.com/ethpandaops/wpgate/pkg/config"
	"github.com/ethpandaops/wpgate/pkg/dispatcher"
	"github.com/ethpandaops/wpgate/pkg/metrics"
	"github.com/ethpandaops/wpgate/pkg/monitor"
	"github.com/ethpandaops/wpgate/pkg/ratelimit"
	"github.com/ethpandaops/wpgate/pkg/session"
	"github.com/ethpandaops/wpgate/pkg/store"
	"github.com/ethpandaops/wpgate/pkg/tracing"
	"github.com/ethpandaops/wpgate/pkg/validate"
)

// bodyOverhead is added to the dispatcher's size limit when reading tool call bodies.
const bodyOverhead = 64 * 1024

// Server is the admin HTTP API server.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
	Handler() http.Handler
	Hub() *Hub
}

// Dependencies are the components the admin API exposes.
type Dependencies struct {
	Dispatcher dispatcher.Dispatcher
	Collector  *monitor.Collector
	Health     *monitor.HealthChecker
	Alerts     *monitor.AlertManager
	Sessions   *session.Manager
	Limiter    *ratelimit.Limiter
	Auth       auth.Service
	Store      store.Store
	Metrics    *metrics.Metrics
	// Gatherer serves /metrics alongside the collector's registry. Defaults to
	// prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

// server implements Server.
type server struct {
	log         logrus.FieldLogger
	cfg         *config.Config
	deps        Dependencies
	corsOrigins []string
	hub         *Hub
	srv         *http.Server
	router      chi.Router
}

// Ensure server implements Server.
var _ Server = (*server)(nil)

// NewServer creates a new API server.
func NewServer(log logrus.FieldLogger, cfg *config.Config, deps Dependencies) Server {
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	s := &server{
		log:  log.WithField("component", "api"),
		cfg:  cfg,
		deps: deps,
		hub:  NewHub(log, deps.Metrics),
	}

	s.corsOrigins = FilterCORSOrigins(s.log, cfg.Server.CORSOrigins)

	s.setupRouter()

	return s
}

// Start starts the HTTP server.
func (s *server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           tracing.WrapHandler(s.cfg.Tracing.Enabled, "wpgate-admin", s.router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.WithField("addr", s.cfg.Server.Listen).Info("Starting API server")

	// Start WebSocket hub.
	go s.hub.Run(ctx)

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("Server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *server) Stop() error {
	if s.srv == nil {
		return nil
	}

	s.log.Info("Stopping API server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.srv.Shutdown(ctx)
}

// Handler returns the router. Used by tests.
func (s *server) Handler() http.Handler {
	return s.router
}

// Hub returns the alert stream hub.
func (s *server) Hub() *Hub {
	return s.hub
}

func (s *server) setupRouter() {
	r := chi.NewRouter()

	// Middleware.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)
	r.Use(middleware.Timeout(s.cfg.Dispatcher.HandlerTimeout + 10*time.Second))

	// CORS.
	if len(s.corsOrigins) > 0 {
		r.Use(corsMiddleware(s.corsOrigins))
	}

	// Public endpoints.
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(
		prometheus.Gatherers{s.deps.Gatherer, s.deps.Collector.Registry()},
		promhttp.HandlerOpts{},
	))

	// API v1, authenticated.
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.BasicAuthMiddleware(s.deps.Auth))
		r.Use(RateLimitMiddleware(s.deps.Limiter))

		r.Get("/summary", s.handleSummary)
		r.Get("/exposition", s.handleExposition)
		r.Get("/health", s.handleHealthDetail)
		r.Get("/alerts", s.handleAlerts)
		r.Get("/alerts/history", s.handleAlertHistory)
		r.Get("/snapshots", s.handleSnapshots)
		r.Get("/session", s.handleSession)
		r.Get("/tools", s.handleListTools)
		r.Get("/ws", s.handleWebSocket)

		// Admin-only routes.
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAdmin())

			r.Post("/tools/{name}", s.handleCallTool)
			r.Post("/session/rotate", s.handleRotateSession)
			r.Delete("/alerts/{type}/{severity}", s.handleClearAlert)
			r.Get("/audit", s.handleAudit)
		})
	})

	s.router = r
}

// instrument records request counts and latency by route pattern.
func (s *server) instrument(next http.Handler) http.Handler {
	if s.deps.Metrics == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}

		s.deps.Metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(ww.Status()), time.Since(start).Seconds())
	})
}

// FilterCORSOrigins keeps "*" and origins that pass the url rule.
func FilterCORSOrigins(log logrus.FieldLogger, origins []string) []string {
	valid := make([]string, 0, len(origins))

	for _, origin := range origins {
		if origin == "*" {
			valid = append(valid, origin)

			continue
		}

		if _, err := validate.Validate("url", origin); err != nil {
			log.WithField("origin", origin).Warn("Ignoring invalid CORS origin")

			continue
		}

		valid = append(valid, origin)
	}

	return valid
}

func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	allowAll := len(origins) == 1 && origins[0] == "*"

	originSet := make(map[string]bool, len(origins))
	for _, origin := range origins {
		originSet[origin] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if allowAll || originSet[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Add("Vary", "Origin")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ============================================================================
// Response helpers
// ============================================================================

func (s *server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.WithError(err).Error("Failed to encode JSON response")
	}
}

func (s *server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *server) audit(r *http.Request, action, entityType, entityID, details string) {
	if s.deps.Store == nil {
		return
	}

	var actor string
	if user := auth.UserFromContext(r.Context()); user != nil {
		actor = user.Username
	}

	if err := s.deps.Store.CreateAuditEntry(r.Context(), &store.AuditEntry{
		ID:         uuid.New().String(),
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Actor:      actor,
		Details:    details,
		CreatedAt:  time.Now(),
	}); err != nil {
		s.log.WithError(err).WithField("action", action).Warn("Failed to write audit entry")
	}
}

func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return 100
	}

	return limit
}

func querySince(r *http.Request) (*time.Time, error) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return nil, nil
	}

	since, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("since must be an RFC3339 timestamp")
	}

	return &since, nil
}

// ============================================================================
// Handlers
// ============================================================================

// HealthResponse is the public health check body.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.deps.Health.Status()

	status := http.StatusOK
	if st.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}

	s.writeJSON(w, status, HealthResponse{Status: st.Status, Timestamp: st.Timestamp})
}

func (s *server) handleHealthDetail(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Health.Status())
}

func (s *server) handleSummary(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Collector.Summary())
}

func (s *server) handleExposition(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(s.deps.Collector.ExportExposition()))
}

// AlertsResponse lists active and recently raised alerts.
type AlertsResponse struct {
	Active []monitor.Alert `json:"active"`
	Recent []monitor.Alert `json:"recent"`
}

func (s *server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, AlertsResponse{
		Active: s.deps.Alerts.ActiveAlerts(),
		Recent: s.deps.Alerts.History(queryLimit(r)),
	})
}

func (s *server) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "history is not enabled")

		return
	}

	since, err := querySince(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())

		return
	}

	opts := store.AlertQueryOpts{Since: since, Limit: queryLimit(r)}

	if typ := r.URL.Query().Get("type"); typ != "" {
		opts.Type = &typ
	}

	alerts, err := s.deps.Store.ListAlerts(r.Context(), opts)
	if err != nil {
		s.log.WithError(err).Error("Failed to list alerts")
		s.writeError(w, http.StatusInternalServerError, "failed to list alerts")

		return
	}

	if alerts == nil {
		alerts = []*store.AlertRecord{}
	}

	s.writeJSON(w, http.StatusOK, alerts)
}

func (s *server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "history is not enabled")

		return
	}

	since, err := querySince(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())

		return
	}

	from := time.Now().Add(-24 * time.Hour)
	if since != nil {
		from = *since
	}

	snaps, err := s.deps.Store.ListSnapshots(r.Context(), from, queryLimit(r))
	if err != nil {
		s.log.WithError(err).Error("Failed to list snapshots")
		s.writeError(w, http.StatusInternalServerError, "failed to list snapshots")

		return
	}

	if snaps == nil {
		snaps = []*store.Snapshot{}
	}

	s.writeJSON(w, http.StatusOK, snaps)
}

// SessionResponse describes the live downstream session.
type SessionResponse struct {
	SessionID  string  `json:"session_id"`
	AgeSeconds float64 `json:"age_seconds"`
	Requests   int64   `json:"requests"`
	InFlight   int     `json:"in_flight"`
	Rotations  int64   `json:"rotations"`
	Suspect    bool    `json:"suspect"`
}

func (s *server) handleSession(w http.ResponseWriter, _ *http.Request) {
	st := s.deps.Sessions.Stats()

	s.writeJSON(w, http.StatusOK, SessionResponse{
		SessionID:  st.SessionID,
		AgeSeconds: st.Age.Seconds(),
		Requests:   st.Requests,
		InFlight:   st.InFlight,
		Rotations:  st.Rotations,
		Suspect:    st.Suspect,
	})
}

func (s *server) handleRotateSession(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Sessions.Stats()
	s.deps.Sessions.MarkSuspect()

	s.audit(r, store.AuditActionSessionRotate, "session", st.SessionID, "")
	s.log.WithField("session_id", st.SessionID).Info("Session rotation requested")

	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleClearAlert(w http.ResponseWriter, r *http.Request) {
	typ := chi.URLParam(r, "type")
	severity := chi.URLParam(r, "severity")

	s.deps.Alerts.ClearAlert(typ, severity)
	s.audit(r, store.AuditActionAlertClear, "alert", typ+":"+severity, "")

	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "history is not enabled")

		return
	}

	entries, err := s.deps.Store.ListAuditEntries(r.Context(), queryLimit(r))
	if err != nil {
		s.log.WithError(err).Error("Failed to list audit entries")
		s.writeError(w, http.StatusInternalServerError, "failed to list audit entries")

		return
	}

	if entries == nil {
		entries = []*store.AuditEntry{}
	}

	s.writeJSON(w, http.StatusOK, entries)
}

func (s *server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string][]string{"tools": s.deps.Dispatcher.Tools()})
}

func (s *server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var args map[string]any

	r.Body = http.MaxBytesReader(w, r.Body, int64(s.cfg.Dispatcher.MaxRequestSize)+bodyOverhead)

	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				s.writeError(w, http.StatusRequestEntityTooLarge, "Request too large")

				return
			}

			s.writeError(w, http.StatusBadRequest, "body must be a JSON object")

			return
		}
	}

	var userID string
	if user := auth.UserFromContext(r.Context()); user != nil {
		userID = "admin:" + user.Username
	}

	resp := s.deps.Dispatcher.Dispatch(r.Context(), name, args, dispatcher.CallerContext{
		UserID:    userID,
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
		RequestID: middleware.GetReqID(r.Context()),
	})

	outcome := "ok"
	if !resp.OK() {
		outcome = resp.Failure.Error
	}

	s.audit(r, store.AuditActionToolCall, "tool", name, outcome)

	if resp.OK() {
		s.writeJSON(w, http.StatusOK, resp)

		return
	}

	status := dispatchStatus(resp.Err())
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", strconv.Itoa(resp.Failure.RetryAfter))
	}

	s.writeJSON(w, status, resp)
}

// dispatchStatus maps a dispatch failure onto an HTTP status.
func dispatchStatus(err error) int {
	var (
		rl   *dispatcher.RateLimitedError
		big  *dispatcher.OversizedRequestError
		verr *validate.ValidationError
	)

	switch {
	case errors.As(err, &rl):
		return http.StatusTooManyRequests
	case errors.As(err, &big):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, dispatcher.ErrUnknownTool):
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}

func (s *server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ServeWs(s.hub, s.corsOrigins, w, r)
}
