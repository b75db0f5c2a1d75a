package middleware

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kubilitics/churnwatch/internal/pkg/logger"
	"github.com/kubilitics/churnwatch/internal/pkg/tracing"
)

const TraceIDHeader = "X-Trace-ID"

var requestIDKey = attribute.Key("http.request_id")

// Tracing wraps handlers with OpenTelemetry instrumentation, tags the server
// span with the request id and adds the X-Trace-ID header. Run it after RequestID.
func Tracing(next http.Handler) http.Handler {
	return otelhttp.NewHandler(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if reqID := logger.FromContext(r.Context()); reqID != "" {
				trace.SpanFromContext(r.Context()).SetAttributes(requestIDKey.String(reqID))
			}
			if traceID := tracing.TraceIDFromContext(r.Context()); traceID != "" {
				w.Header().Set(TraceIDHeader, traceID)
			}
			next.ServeHTTP(w, r)
		}),
		"http.request",
		otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			path := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tpl, err := route.GetPathTemplate(); err == nil {
					path = tpl
				}
			}
			return fmt.Sprintf("%s %s", r.Method, path)
		}),
		otelhttp.WithPropagators(otel.GetTextMapPropagator()),
	)
}
