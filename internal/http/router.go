// Package httpx wires the allocator's HTTP surface: the login/logout/release
// API consumed by the workshop UI, the operator stats endpoints, and the
// live stats websocket.
package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rhpds/workshop-allocator/internal/repository"
	"github.com/rhpds/workshop-allocator/internal/service/admin"
	"github.com/rhpds/workshop-allocator/internal/service/allocator"
	"github.com/rhpds/workshop-allocator/internal/service/seed"
	"github.com/rhpds/workshop-allocator/internal/service/session"
	"github.com/rhpds/workshop-allocator/internal/ws"
)

const (
	healthCheckTimeout = 2 * time.Second
	maxSeedBodyBytes   = 1 << 20
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	session  session.Service
	alloc    *allocator.Service
	admin    *admin.Service
	seeder   seed.Service
	hub      *ws.Hub
	upgrader websocket.Upgrader
	limiter  RateLimiter
	dbHealth func(context.Context) error

	loginRateLimit  int
	loginRateWindow time.Duration

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	allocationOutcomes *prometheus.CounterVec
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, sessionSvc session.Service, allocSvc *allocator.Service, adminSvc *admin.Service, seedSvc seed.Service, hub *ws.Hub, limiter RateLimiter, loginRateLimit int, loginRateWindow time.Duration, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:     http.NewServeMux(),
		logger:  logger,
		session: sessionSvc,
		alloc:   allocSvc,
		admin:   adminSvc,
		seeder:  seedSvc,
		hub:     hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:         limiter,
		loginRateLimit:  loginRateLimit,
		loginRateWindow: loginRateWindow,
		dbHealth:        dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.instrument("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/api/auth/login", r.instrument("/api/auth/login",
		r.withRateLimit("/api/auth/login", r.loginRateLimit, r.loginRateWindow, r.handleLogin)))
	r.mux.HandleFunc("/api/auth/logout", r.instrument("/api/auth/logout", r.handleLogout))
	r.mux.HandleFunc("/api/user/cluster", r.instrument("/api/user/cluster", r.requireAuth(r.handleUserCluster)))
	r.mux.HandleFunc("/api/shared/cluster", r.instrument("/api/shared/cluster", r.requireAuth(r.handleSharedCluster)))
	r.mux.HandleFunc("/api/user/release", r.instrument("/api/user/release", r.requireAuth(r.handleRelease)))
	r.mux.HandleFunc("/api/admin/stats", r.instrument("/api/admin/stats", r.handleAdminStats))
	r.mux.HandleFunc("/api/admin/seed", r.instrument("/api/admin/seed", r.handleAdminSeed))
	r.mux.HandleFunc("/ws/stats", r.handleStatsWS)
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			r.logger.Error("store health check failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := r.session.Login(req.Context(), payload.Email, payload.Password)
	if err != nil {
		if errors.Is(err, allocator.ErrExhausted) {
			r.recordAllocation("exhausted")
		}
		r.writeServiceError(w, req, err)
		return
	}
	if result.Resumed {
		r.recordAllocation("resumed")
	} else {
		r.recordAllocation("assigned")
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"token":   result.Token,
		"cluster": clusterPayload{
			Name:     result.Cluster.Name,
			URL:      result.Cluster.URL,
			Username: result.DemoUser.Username,
			Password: result.DemoUser.Password,
		},
	})
}

func (r *Router) handleLogout(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := r.session.Logout(req.Context(), payload.Token); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (r *Router) handleUserCluster(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	participant, ok := participantFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	cluster, demoUser, err := r.alloc.Current(req.Context(), participant)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cluster": clusterPayload{
			Name:     cluster.Name,
			URL:      cluster.URL,
			Username: demoUser.Username,
			Password: demoUser.Password,
		},
	})
}

func (r *Router) handleSharedCluster(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	participant, ok := participantFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	shared, demoUser, err := r.alloc.SharedAccess(req.Context(), participant)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cluster": clusterPayload{
			Name:     shared.Name,
			URL:      shared.URL,
			Username: demoUser.Username,
			Password: demoUser.Password,
		},
	})
}

func (r *Router) handleRelease(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	participant, ok := participantFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if err := r.alloc.Release(req.Context(), participant); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	r.recordAllocation("released")
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (r *Router) handleAdminStats(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	stats, err := r.admin.Stats(req.Context())
	if err != nil {
		r.logger.Error("stats query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "store failure")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (r *Router) handleAdminSeed(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, maxSeedBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	report, err := r.seeder.Load(req.Context(), body)
	if err != nil {
		r.logger.Error("pool load failed", "error", err)
		writeError(w, http.StatusBadRequest, fmt.Sprintf("pool load failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (r *Router) handleStatsWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(client)

	// Push a snapshot immediately so subscribers render without waiting
	// for the next pool change.
	if payload, err := r.admin.Snapshot(req.Context()); err == nil {
		_ = client.Send(payload)
	}

	go client.ReadLoop(r.hub)
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// writeServiceError maps the service error taxonomy onto HTTP statuses.
// Anything unclassified is a store failure: logged and answered with 500.
func (r *Router) writeServiceError(w http.ResponseWriter, req *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, session.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "invalid token")
	case errors.Is(err, allocator.ErrNoBinding), errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, allocator.ErrExhausted):
		writeError(w, http.StatusServiceUnavailable, "no resources available")
	default:
		r.logger.Error("request failed", "path", req.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "store failure")
	}
}

// instrument records request count and latency per route.
func (r *Router) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, req)
		r.recordRequestMetrics(req.Method, route, recorder.status, time.Since(start))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

// Hijack keeps websocket upgrades working behind the recorder.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}
