package metering

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"
)

func TestInit_DisabledWithoutEndpoint(t *testing.T) {
	rec, err := Init(context.Background(), Config{}, "worker")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec != nil {
		t.Error("expected nil recorder when no endpoint configured")
	}

	// A nil recorder must be safe to use.
	rec.RecordInvocation(context.Background(), "success", time.Second)
	if err := rec.Shutdown(context.Background()); err != nil {
		t.Errorf("nil recorder shutdown: %v", err)
	}
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()
	if cfg.Interval != 15*time.Second {
		t.Errorf("expected 15s interval, got %v", cfg.Interval)
	}
}

func TestRecorder_RecordInvocation(t *testing.T) {
	meter := noop.NewMeterProvider().Meter("test")
	rec, err := newRecorder(meter)
	if err != nil {
		t.Fatalf("unexpected error creating recorder: %v", err)
	}
	if rec == nil {
		t.Fatal("expected non-nil recorder")
	}

	ctx := context.Background()
	rec.RecordInvocation(ctx, "success", 2*time.Second)
	rec.RecordInvocation(ctx, "transient", 100*time.Millisecond)
	rec.RecordInvocation(ctx, "permanent", 0)
}
