// pkg/router/middleware.go
package router

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cmatc13/homeserver/pkg/errors"
	"github.com/cmatc13/homeserver/pkg/logging"
	"github.com/cmatc13/homeserver/pkg/metrics"
)

// routePattern returns the matched chi pattern so metrics stay low
// cardinality, falling back to the raw path.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// MetricsMiddleware records request metrics
func MetricsMiddleware(m *metrics.Metrics, bundle string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			m.RequestInFlight.WithLabelValues(bundle).Inc()
			defer m.RequestInFlight.WithLabelValues(bundle).Dec()

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.RecordRequest(r.Method, routePattern(r), status, time.Since(start))
		})
	}
}

// LoggingMiddleware logs a line per request, at a level chosen by status
func LoggingMiddleware(logger *logging.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
			}

			log := logger.WithContext(r.Context())
			switch {
			case status >= 500:
				log.Error("Request completed with server error", fields...)
			case status >= 400:
				log.Warn("Request completed with client error", fields...)
			default:
				log.Debug("Request completed", fields...)
			}
		})
	}
}

// RecovererWithMetrics recovers handler panics, logs them, counts them and
// answers with a JSON 500.
func RecovererWithMetrics(logger *logging.Logger, m *metrics.Metrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rvr := recover()
				if rvr == nil {
					return
				}
				if rvr == http.ErrAbortHandler {
					panic(rvr)
				}

				logger.WithContext(r.Context()).Error("Panic recovered",
					"error", fmt.Sprint(rvr),
					"method", r.Method,
					"path", r.URL.Path,
				)
				m.RecordError("panic", errors.ServiceErrPanic)
				m.Panics.WithLabelValues("handler").Inc()

				errors.WriteJSON(w, errors.FromPanic(rvr))
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// SecureHeaders adds security-related headers to responses
func SecureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}
