// Package telemetry records read-along metrics with OpenTelemetry and serves
// them in the Prometheus exposition format.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

const meterName = "github.com/dgnsrekt/glow-tts"

// Synthesis outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeFailed   = "failed"
	OutcomeCanceled = "canceled"
)

// Metrics holds the instruments. A nil *Metrics records nothing.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	handler  http.Handler

	synthResults   metric.Int64Counter
	synthLatency   metric.Float64Histogram
	cacheLookups   metric.Int64Counter
	scheduled      metric.Int64Counter
	bufferRequests metric.Int64Counter
}

// Setup creates a meter provider exporting to a private Prometheus registry.
func Setup(version string) (*Metrics, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName("glow-tts"),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)

	m := &Metrics{
		provider: provider,
		handler:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
	if err := m.init(provider.Meter(meterName)); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) init(meter metric.Meter) error {
	var err error
	if m.synthResults, err = meter.Int64Counter("glowtts_synthesis_results",
		metric.WithDescription("Chunk synthesis attempts by outcome")); err != nil {
		return err
	}
	if m.synthLatency, err = meter.Float64Histogram("glowtts_synthesis_duration",
		metric.WithDescription("Chunk synthesis latency"),
		metric.WithUnit("s")); err != nil {
		return err
	}
	if m.cacheLookups, err = meter.Int64Counter("glowtts_cache_lookups",
		metric.WithDescription("Audio cache lookups by result")); err != nil {
		return err
	}
	if m.scheduled, err = meter.Int64Counter("glowtts_scheduler_segments",
		metric.WithDescription("Segments handed to the audio scheduler")); err != nil {
		return err
	}
	if m.bufferRequests, err = meter.Int64Counter("glowtts_buffer_requests",
		metric.WithDescription("Buffering window requests")); err != nil {
		return err
	}
	return nil
}

// Handler serves the metrics. It is nil safe.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.handler == nil {
		return http.NotFoundHandler()
	}
	return m.handler
}

// SynthResult records one synthesis attempt.
func (m *Metrics) SynthResult(ctx context.Context, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.synthResults.Add(ctx, 1, attrs)
	m.synthLatency.Record(ctx, took.Seconds(), attrs)
}

// CacheLookup records a cache read.
func (m *Metrics) CacheLookup(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// SegmentScheduled records a segment handed to the scheduler.
func (m *Metrics) SegmentScheduled(ctx context.Context) {
	if m == nil {
		return
	}
	m.scheduled.Add(ctx, 1)
}

// BufferRequest records a buffering window request.
func (m *Metrics) BufferRequest(ctx context.Context) {
	if m == nil {
		return
	}
	m.bufferRequests.Add(ctx, 1)
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
