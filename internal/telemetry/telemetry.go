// Package telemetry wires OpenTelemetry tracing and metrics plus a
// Prometheus registry, following the usage contract cmd/root.go's
// SetupOTel call establishes (a single setup call returning a shutdown
// function, invoked once at startup and deferred). conduit uses the
// stdout exporters instead of the teacher's GCP/OTLP exporters, since
// those backends are out of scope for a protocol-engine library.
package telemetry

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Instrumentation bundles the tracer and the Prometheus metrics. The CLI
// only sets ActiveSessions (to 0 at startup); no other package records
// against these metrics or starts spans from Tracer.
type Instrumentation struct {
	Tracer   trace.Tracer
	Registry *prometheus.Registry

	ActiveSessions   prometheus.Gauge
	PendingDepth     prometheus.Gauge
	SSERegistrySize  prometheus.Gauge
	DispatchLatency  prometheus.Histogram
	ClientCallErrors prometheus.Counter

	shutdownFuncs []func(context.Context) error
}

// Options configures Setup.
type Options struct {
	ServiceName  string
	StdoutTraces bool
	StdoutMetrics bool
}

// Setup builds the tracer provider, meter provider, and Prometheus
// collectors, returning an Instrumentation bundle and a shutdown function
// the caller must defer-call once at process exit.
func Setup(ctx context.Context, opts Options) (*Instrumentation, func(context.Context) error, error) {
	// Each Setup call gets its own registry rather than binding to
	// prometheus.DefaultRegisterer, so building more than one
	// Instrumentation in the same process (tests, or a future multi-tenant
	// host) never panics on a duplicate collector registration.
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	inst := &Instrumentation{
		Registry: reg,
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "conduit", Name: "active_sessions", Help: "Number of active MCP sessions.",
		}),
		PendingDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "conduit", Name: "pending_request_depth", Help: "Depth of the client engine's pending-request table.",
		}),
		SSERegistrySize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "conduit", Name: "sse_registry_size", Help: "Number of sessions with an active SSE writer.",
		}),
		DispatchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "conduit", Name: "dispatch_latency_seconds", Help: "Session dispatch latency.",
			Buckets: prometheus.DefBuckets,
		}),
		ClientCallErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "conduit", Name: "client_call_errors_total", Help: "Client engine calls that returned an error.",
		}),
	}

	var traceExporter sdktrace.SpanExporter
	var err error
	if opts.StdoutTraces {
		traceExporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, nil, fmt.Errorf("build stdout trace exporter: %w", err)
		}
	}
	tp := sdktrace.NewTracerProvider(traceProviderOpts(traceExporter)...)
	otel.SetTracerProvider(tp)
	inst.Tracer = tp.Tracer(opts.ServiceName)
	inst.shutdownFuncs = append(inst.shutdownFuncs, tp.Shutdown)

	if opts.StdoutMetrics {
		metricExporter, err := stdoutmetric.New()
		if err != nil {
			return nil, nil, fmt.Errorf("build stdout metric exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)))
		otel.SetMeterProvider(mp)
		inst.shutdownFuncs = append(inst.shutdownFuncs, mp.Shutdown)
	}

	shutdown := func(ctx context.Context) error {
		var firstErr error
		for _, fn := range inst.shutdownFuncs {
			if err := fn(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
	return inst, shutdown, nil
}

func traceProviderOpts(exp sdktrace.SpanExporter) []sdktrace.TracerProviderOption {
	if exp == nil {
		return nil
	}
	return []sdktrace.TracerProviderOption{sdktrace.WithBatcher(exp)}
}
