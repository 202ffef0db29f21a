// Package api serves the exchange HTTP API.
package api

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"cashbridge/internal/logging"
	"cashbridge/internal/observability"
	"cashbridge/internal/storage"
)

// HealthCheck is one dependency probed by /health.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Config wires the router.
type Config struct {
	Exchange Exchange
	Pipeline Pipeline
	Prices   PriceBoard
	Events   storage.VerificationEventStore

	Auth *Authenticator
	// VerifyLimiter guards the verify and settle routes. Nil disables limiting.
	VerifyLimiter *UserRateLimiter

	// Realtime is mounted at /ws when set.
	Realtime http.Handler
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	Health  []HealthCheck

	Logger *zap.Logger
}

// NewRouter builds the HTTP routes.
func NewRouter(cfg Config) *mux.Router {
	logger := logging.OrNop(cfg.Logger).Named("api")
	h := &Handler{
		exchange: cfg.Exchange,
		pipeline: cfg.Pipeline,
		prices:   cfg.Prices,
		events:   cfg.Events,
		validate: validator.New(),
		logger:   logger,
	}

	r := mux.NewRouter()
	r.Use(metricsMiddleware)

	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}
	r.HandleFunc("/health", healthHandler(cfg.Health)).Methods(http.MethodGet)
	if cfg.Realtime != nil {
		r.Handle("/ws", cfg.Realtime)
	}

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	if cfg.Prices != nil {
		apiV1.HandleFunc("/prices", h.Prices).Methods(http.MethodGet)
	}

	ex := apiV1.PathPrefix("/exchange").Subrouter()
	ex.Use(cfg.Auth.RequireAuth)
	ex.HandleFunc("/quote", h.Quote).Methods(http.MethodPost)
	ex.HandleFunc("/stats", h.UserStats).Methods(http.MethodGet)
	ex.HandleFunc("/transactions", h.CreateTransaction).Methods(http.MethodPost)
	ex.HandleFunc("/transactions", h.ListTransactions).Methods(http.MethodGet)
	ex.HandleFunc("/transactions/{id}", h.GetTransaction).Methods(http.MethodGet)
	ex.Handle("/transactions/{id}/verify", limited(cfg.VerifyLimiter, h.Verify)).Methods(http.MethodPost)
	ex.Handle("/transactions/{id}/settle", limited(cfg.VerifyLimiter, h.Settle)).Methods(http.MethodPost)

	admin := apiV1.PathPrefix("/admin").Subrouter()
	admin.Use(cfg.Auth.RequireAuth, RequireAdmin)
	admin.HandleFunc("/transactions/{id}/confirm", h.AdminConfirm).Methods(http.MethodPost)
	admin.HandleFunc("/transactions/{id}/events", h.TransactionEvents).Methods(http.MethodGet)
	admin.HandleFunc("/fee-rules", h.ListFeeRules).Methods(http.MethodGet)
	admin.HandleFunc("/fee-rules", h.AddFeeRule).Methods(http.MethodPost)
	admin.HandleFunc("/fee-rules/{id}", h.DeleteFeeRule).Methods(http.MethodDelete)
	admin.HandleFunc("/stats", h.AdminStats).Methods(http.MethodGet)
	admin.HandleFunc("/audit-log", h.AuditLog).Methods(http.MethodGet)

	return r
}

func limited(rl *UserRateLimiter, fn http.HandlerFunc) http.Handler {
	if rl == nil {
		return fn
	}
	return rl.Wrap(fn)
}

func healthHandler(checks []HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for _, c := range checks {
			if err := c.Check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				results[c.Name] = err.Error()
				continue
			}
			results[c.Name] = "ok"
		}

		overall := "ok"
		if status != http.StatusOK {
			overall = "degraded"
		}
		respondJSON(w, status, map[string]any{"status": overall, "checks": results})
	}
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// Hijack lets the websocket upgrade take over the connection.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		observability.RecordHTTPRequest(r.Method, endpoint, rec.status, time.Since(start))
	})
}
