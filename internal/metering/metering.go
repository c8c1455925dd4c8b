// Package metering reports every ASR engine invocation to the usage
// collector, independent of transcription outcome. Reporting is
// best-effort: a broken collector must never fail a work item, so the
// exporter runs out-of-band on its own interval.
package metering

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// Config configures the usage metering exporter.
type Config struct {
	// Endpoint is the collector's OTLP HTTP endpoint host:port. Empty
	// disables metering.
	Endpoint string `mapstructure:"endpoint" json:"endpoint"`
	// Insecure allows plain HTTP to the collector.
	Insecure bool `mapstructure:"insecure" json:"insecure"`
	// Interval is the export interval.
	Interval time.Duration `mapstructure:"interval" json:"interval"`
}

// ApplyDefaults fills in zero-valued fields with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.Interval == 0 {
		c.Interval = 15 * time.Second
	}
}

// Recorder records ASR usage. A nil Recorder is a no-op, so callers never
// have to branch on whether metering is configured.
type Recorder struct {
	invocations metric.Int64Counter
	duration    metric.Float64Histogram
	provider    *sdkmetric.MeterProvider
}

// Init sets up the OTLP exporter and usage instruments. It returns nil (a
// no-op recorder) when no endpoint is configured.
func Init(ctx context.Context, cfg Config, serviceName string) (*Recorder, error) {
	cfg.ApplyDefaults()
	if cfg.Endpoint == "" {
		return nil, nil
	}

	opts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}

	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("metering: create exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("metering: create resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(cfg.Interval))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)

	rec, err := newRecorder(provider.Meter("batchscribe/metering"))
	if err != nil {
		return nil, err
	}
	rec.provider = provider
	return rec, nil
}

func newRecorder(meter metric.Meter) (*Recorder, error) {
	invocations, err := meter.Int64Counter("asr.invocations",
		metric.WithDescription("ASR engine invocations by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("metering: create asr.invocations counter: %w", err)
	}

	duration, err := meter.Float64Histogram("asr.invocation.duration",
		metric.WithDescription("Duration of ASR engine invocations in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("metering: create asr.invocation.duration histogram: %w", err)
	}

	return &Recorder{invocations: invocations, duration: duration}, nil
}

// RecordInvocation records one engine invocation with its outcome.
func (r *Recorder) RecordInvocation(ctx context.Context, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	r.invocations.Add(ctx, 1, attrs)
	r.duration.Record(ctx, d.Seconds(), attrs)
}

// Shutdown flushes pending usage records.
func (r *Recorder) Shutdown(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Shutdown(ctx)
}
