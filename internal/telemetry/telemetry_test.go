package telemetry

import (
	"context"
	"testing"
	"time"
)

func TestSetupAndShutdown(t *testing.T) {
	inst, shutdown, err := Setup(context.Background(), Options{
		ServiceName:   "conduit-test",
		StdoutTraces:  false,
		StdoutMetrics: false,
	})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if inst.Tracer == nil {
		t.Fatalf("expected a non-nil tracer")
	}
	if inst.ActiveSessions == nil || inst.PendingDepth == nil || inst.SSERegistrySize == nil {
		t.Fatalf("expected gauges to be constructed")
	}
	if inst.DispatchLatency == nil || inst.ClientCallErrors == nil {
		t.Fatalf("expected histogram and counter to be constructed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		t.Fatalf("unexpected shutdown error: %s", err)
	}
}

func TestSetupRecordsMetrics(t *testing.T) {
	inst, shutdown, err := Setup(context.Background(), Options{ServiceName: "conduit-test"})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	defer shutdown(context.Background())

	inst.ActiveSessions.Set(3)
	inst.DispatchLatency.Observe(0.01)
	inst.ClientCallErrors.Inc()
}
