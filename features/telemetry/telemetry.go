// Package telemetry bootstraps logging, tracing and metrics for the worker
// and gateway binaries. Logging goes through goa.design/clue/log; traces and
// metrics use the global OpenTelemetry providers.
package telemetry

import (
	"context"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

// scope names the instrumentation for meters and tracers.
const scope = "github.com/shipsec/shipsec"

// Options configures the log context.
type Options struct {
	// ServiceName tags every log line.
	ServiceName string
	// Debug enables debug-level logs and request/response dumping.
	Debug bool
	// ForceJSON selects JSON output even on a terminal.
	ForceJSON bool
}

// NewLogContext builds the root logging context. All goroutines of a binary
// derive their contexts from it.
func NewLogContext(ctx context.Context, opts Options) context.Context {
	format := log.FormatJSON
	if !opts.ForceJSON && log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx = log.Context(ctx, log.WithFormat(format))
	if opts.Debug {
		ctx = log.Context(ctx, log.WithDebug())
	}
	if opts.ServiceName != "" {
		ctx = log.With(ctx, log.KV{K: "svc", V: opts.ServiceName})
	}
	return ctx
}

// SetupPropagation installs the W3C trace-context propagator so trace ids
// survive HTTP hops and MCP `_meta` injection.
func SetupPropagation() {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}

// Meter returns the module's meter.
func Meter() metric.Meter {
	return otel.Meter(scope)
}

// Tracer returns the module's tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(scope)
}

// HTTPMiddleware wraps a handler with request logging and server-side trace
// spans. logCtx is the context from NewLogContext.
func HTTPMiddleware(logCtx context.Context, operation string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		handler := log.HTTP(logCtx)(next)
		return otelhttp.NewHandler(handler, operation)
	}
}
