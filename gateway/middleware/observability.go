package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"nhbvault/observability"
	"nhbvault/observability/logging"
)

type ObservabilityConfig struct {
	ServiceName string
	LogRequests bool
}

// Observability opens a span per request and feeds the shared gateway
// request/latency collectors.
type Observability struct {
	cfg    ObservabilityConfig
	tracer trace.Tracer
}

func NewObservability(cfg ObservabilityConfig) *Observability {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "vault-gateway"
	}
	return &Observability{cfg: cfg, tracer: otel.Tracer(cfg.ServiceName)}
}

func (o *Observability) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx, span := o.tracer.Start(r.Context(), route, trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
			))
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r.WithContext(ctx))
			span.SetAttributes(attribute.Int("http.status_code", recorder.status))
			span.End()
			duration := time.Since(start)
			observability.Gateway().Observe(route, r.Method, recorder.status, duration)
			if o.cfg.LogRequests {
				attrs := []any{
					"method", r.Method,
					"route", route,
					"status", recorder.status,
					"durationMs", duration.Milliseconds(),
					logging.MaskField("remote_addr", r.RemoteAddr),
				}
				if caller, ok := CallerFromContext(ctx); ok {
					attrs = append(attrs, logging.MaskField("caller", caller.String()))
				}
				slog.Info("gateway: request", attrs...)
			}
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
