// Package middleware provides HTTP middleware for request ID, structured logging, and Prometheus metrics.
package middleware

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kubilitics/churnwatch/internal/pkg/logger"
	"github.com/kubilitics/churnwatch/internal/pkg/metrics"
)

const ResponseRequestIDHeader = "X-Request-ID"

// RequestID adds a unique request ID to the context and response header.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(ResponseRequestIDHeader)
		if reqID == "" {
			reqID = uuid.New().String()
		}
		ctx := logger.WithRequestID(r.Context(), reqID)
		w.Header().Set(ResponseRequestIDHeader, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// responseWriter captures status code for logging.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the logger.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// StructuredLog logs each request as a single line (request_id, method, path, status, duration)
// and records RED metrics.
func StructuredLog(log *zap.Logger) func(http.Handler) http.Handler {
	log = log.Named("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := logger.FromContext(r.Context())
			rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)
			duration := time.Since(start)
			logger.RequestLog(log, reqID, r.Method, r.URL.Path, rw.status, duration)

			// Prometheus: path normalized via route template to avoid high cardinality
			pathLabel := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tpl, err := route.GetPathTemplate(); err == nil && tpl != "" {
					pathLabel = tpl
				}
			}
			statusStr := strconv.Itoa(rw.status)
			metrics.HTTPRequestTotal.WithLabelValues(r.Method, pathLabel, statusStr).Inc()
			metrics.HTTPRequestDurationSeconds.WithLabelValues(r.Method, pathLabel).Observe(duration.Seconds())
		})
	}
}

// DefaultMaxBodyBytes limits request bodies (512KB).
const DefaultMaxBodyBytes = 512 * 1024

// MaxBodySize limits request bodies to max bytes.
func MaxBodySize(max int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, max)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SecureHeaders sets headers to mitigate common issues (XSS, clickjacking, MIME sniffing).
func SecureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Content-Security-Policy", "default-src 'self'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

// Recovery turns handler panics into a 500 and logs them.
func Recovery(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("panic recovered",
						zap.Any("panic", rec),
						zap.String("request_id", logger.FromContext(r.Context())),
						zap.String("path", r.URL.Path),
					)
					http.Error(w, "Internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
