// Package http serves the utter JSON API.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/artpar/utter/adapters/memory"
	"github.com/artpar/utter/adapters/metrics"
	"github.com/artpar/utter/app"
	"github.com/artpar/utter/ports"
)

// VersionResponse represents the version endpoint response.
type VersionResponse struct {
	Version string `json:"version"`
	Service string `json:"service"`
}

// HealthHandler provides health check endpoints.
type HealthHandler struct {
	checker HealthChecker
}

// HealthChecker reports whether a dependency can serve traffic.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// NewHealthHandler creates a new health handler. checker may be nil.
func NewHealthHandler(checker HealthChecker) *HealthHandler {
	return &HealthHandler{checker: checker}
}

// Liveness returns OK while the process is running.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readiness pings the database.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if h.checker != nil {
		if err := h.checker.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// RouterConfig wires the router.
type RouterConfig struct {
	Orchestrator *app.Orchestrator
	Voices       *app.VoiceService
	Ledger       *app.LedgerService
	Billing      *app.BillingService
	RateLimiter  *app.RateLimiter // nil disables rate limiting
	Identity     ports.IdentityVerifier

	Metrics        *metrics.Collector
	MetricsHandler http.Handler // defaults to promhttp when Metrics is set
	MetricsPath    string
	Health         HealthChecker

	// Blobs is served at BlobPath when the in-memory blob store is in use.
	Blobs    *memory.BlobStore
	BlobPath string

	RequestTimeout time.Duration
	MaxBodyBytes   int64
	Version        string
}

// NewRouter creates the main HTTP router.
func NewRouter(cfg RouterConfig, logger zerolog.Logger) chi.Router {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewLoggingMiddleware(logger, cfg.MetricsPath))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	if cfg.Metrics != nil {
		r.Use(NewMetricsMiddleware(cfg.Metrics, cfg.MetricsPath))
	}

	health := NewHealthHandler(cfg.Health)
	r.Get("/health", health.Liveness)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	if cfg.MetricsHandler != nil {
		r.Handle(cfg.MetricsPath, cfg.MetricsHandler)
	} else if cfg.Metrics != nil {
		r.Handle(cfg.MetricsPath, promhttp.Handler())
	}

	version := cfg.Version
	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, VersionResponse{Version: version, Service: "utter"})
	})

	if cfg.Blobs != nil {
		path := "/" + strings.Trim(cfg.BlobPath, "/")
		if path == "/" {
			path = "/blobs"
		}
		r.Mount(path, NewBlobHandler(cfg.Blobs, cfg.MaxBodyBytes*25, logger).Routes())
	}

	api := &API{
		orch:    cfg.Orchestrator,
		voices:  cfg.Voices,
		ledger:  cfg.Ledger,
		billing: cfg.Billing,
		maxBody: cfg.MaxBodyBytes,
		logger:  logger,
	}
	r.Route("/api", func(r chi.Router) {
		if cfg.RateLimiter != nil {
			r.Use(NewRateLimitMiddleware(cfg.RateLimiter))
		}
		r.Get("/health", health.Liveness)

		if cfg.Billing != nil {
			r.Post("/webhooks/stripe", api.PaymentWebhook)
			r.Post("/webhooks/payment", api.PaymentWebhook)
		}

		r.Group(func(r chi.Router) {
			r.Use(NewAuthMiddleware(cfg.Identity))
			api.Mount(r)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeDetail(w, http.StatusNotFound, "Not Found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeDetail(w, http.StatusMethodNotAllowed, "Method Not Allowed")
	})

	return r
}

// NewMetricsMiddleware records request counts and latency by route pattern.
func NewMetricsMiddleware(m *metrics.Collector, metricsPath string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/health") || r.URL.Path == metricsPath {
				next.ServeHTTP(w, r)
				return
			}

			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			route := ""
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				route = rctx.RoutePattern()
			}
			m.ObserveRequest(r.Method, route, ww.Status(), time.Since(start))
		})
	}
}

// NewLoggingMiddleware creates a logging middleware.
func NewLoggingMiddleware(logger zerolog.Logger, metricsPath string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			if strings.HasPrefix(r.URL.Path, "/health") || r.URL.Path == metricsPath {
				return
			}

			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
