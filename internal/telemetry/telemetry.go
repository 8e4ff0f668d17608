// Package telemetry wires OpenTelemetry tracing and counters around
// delivery attempts.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "dispatchd"

type Config struct {
	Enabled     bool              `json:"enabled"`
	Endpoint    string            `json:"endpoint"`
	Insecure    bool              `json:"insecure"`
	Headers     map[string]string `json:"headers"`
	ServiceName string            `json:"service_name"`
	SampleRate  float64           `json:"sample_rate"`
}

type Provider struct {
	tracer trace.Tracer
	meter  metric.Meter
	tp     *sdktrace.TracerProvider

	attempts     metric.Int64Counter
	outcomes     metric.Int64Counter
	sendDuration metric.Float64Histogram
}

// New returns a provider. When cfg is disabled the global no-op tracer is used.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return newProvider(nil)
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = instrumentation
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 1
	}
	res, err := resource.New(ctx, resource.WithAttributes(attribute.String("service.name", cfg.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	opts := []otlptracehttp.Option{}
	if cfg.Endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return newProvider(tp)
}

// NewWithTracerProvider is used by tests to record spans in memory.
func NewWithTracerProvider(tp *sdktrace.TracerProvider) (*Provider, error) { return newProvider(tp) }

func newProvider(tp *sdktrace.TracerProvider) (*Provider, error) {
	p := &Provider{tp: tp, meter: otel.Meter(instrumentation)}
	if tp != nil {
		p.tracer = tp.Tracer(instrumentation)
	} else {
		p.tracer = otel.Tracer(instrumentation)
	}
	var err error
	if p.attempts, err = p.meter.Int64Counter("dispatchd_send_attempts_total",
		metric.WithDescription("Provider send attempts")); err != nil {
		return nil, fmt.Errorf("create attempts counter: %w", err)
	}
	if p.outcomes, err = p.meter.Int64Counter("dispatchd_item_outcomes_total",
		metric.WithDescription("Delivery items reaching delivered or failed")); err != nil {
		return nil, fmt.Errorf("create outcomes counter: %w", err)
	}
	if p.sendDuration, err = p.meter.Float64Histogram("dispatchd_send_duration_seconds",
		metric.WithDescription("Duration of routed send calls"), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("create send duration histogram: %w", err)
	}
	return p, nil
}

// Noop never fails to build.
func Noop() *Provider {
	p, _ := newProvider(nil)
	return p
}

// StartSend opens a span for one delivery item attempt.
func (p *Provider) StartSend(ctx context.Context, messageID, destination string, attempt int) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "dispatch.send",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("message.id", messageID),
			attribute.String("destination", destination),
			attribute.Int("attempt", attempt),
		))
}

// EndSend closes the span and records the attempt.
func (p *Provider) EndSend(ctx context.Context, span trace.Span, provider string, took time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(attribute.String("provider", provider))
	span.End()

	attrs := metric.WithAttributes(attribute.String("provider", provider), attribute.String("outcome", outcome))
	p.attempts.Add(ctx, 1, attrs)
	p.sendDuration.Record(ctx, took.Seconds(), attrs)
}

// RecordOutcome counts an item reaching a terminal status.
func (p *Provider) RecordOutcome(ctx context.Context, status string) {
	p.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
