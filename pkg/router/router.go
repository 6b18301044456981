// Package router turns a running service bundle into an HTTP handler and
// drives the start, run and stop cycle around it.
package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/cmatc13/homeserver/pkg/errors"
	"github.com/cmatc13/homeserver/pkg/health"
	"github.com/cmatc13/homeserver/pkg/service"
)

// System routes served for every bundle.
const (
	HealthPath  = "/_health"
	MetricsPath = "/_metrics"
)

// Build returns the router for b and the guard that pins b to it. Handlers
// reach the bundle through FromRequest or Services.
func Build(b service.Bundle) (http.Handler, *Guard) {
	srv := b.Server()
	cfg := srv.Config.Server
	logger := srv.Logger.WithField("component", "router")
	state := newState(b)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware(logger))
	r.Use(MetricsMiddleware(srv.Metrics, b.Name()))
	r.Use(RecovererWithMetrics(logger, srv.Metrics))
	r.Use(SecureHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		MaxAge:         300,
	}))
	if cfg.RateLimit > 0 {
		r.Use(httprate.Limit(cfg.RateLimit, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				errors.WriteJSON(w, errors.NewAPIError(errors.APIErrRateLimitExceeded, "Too many requests", nil))
			}),
		))
	}
	r.Use(state.middleware)

	r.NotFound(unrecognized)
	r.MethodNotAllowed(unrecognized)
	r.Get(HealthPath, healthHandler)
	if srv.Config.Metrics.Enabled {
		r.Method(http.MethodGet, MetricsPath, srv.Metrics.Handler())
	}

	b.Routes(r)

	return r, &Guard{state: state}
}

func unrecognized(w http.ResponseWriter, _ *http.Request) {
	errors.WriteJSON(w, errors.NewAPIError(errors.APIErrUnrecognized, "Unrecognized request", nil))
}

// healthHandler checks the database and every service implementing
// service.HealthChecker in the live bundle.
func healthHandler(w http.ResponseWriter, r *http.Request) {
	b, err := FromRequest(r)
	if err != nil {
		errors.WriteJSON(w, err)
		return
	}

	reg := health.NewRegistry(b.Server().Logger)
	if db := b.DB(); db != nil {
		reg.Register("database", health.DatabaseChecker(db.Backend(), db.HealthCheck))
	}
	for _, svc := range b.Registry().Snapshot() {
		if hc, ok := svc.(service.HealthChecker); ok {
			reg.Register(svc.Name(), health.ServiceChecker(svc.Name(), hc.Health))
		}
	}
	reg.Handler().ServeHTTP(w, r)
}
