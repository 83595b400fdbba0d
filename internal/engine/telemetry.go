package engine

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/fyrsmithlabs/forged/internal/session"
)

// InstrumentationName is the OTel instrumentation scope.
const InstrumentationName = "github.com/fyrsmithlabs/forged/internal/engine"

var (
	promptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forged",
		Name:      "prompts_total",
		Help:      "Prompts submitted, by result.",
	}, []string{"result"})

	batchTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forged",
		Name:      "batch_tasks_total",
		Help:      "Batch tasks, by outcome.",
	}, []string{"outcome"})
)

// Metrics holds the engine's OTel instruments.
// Session ids are kept out of attributes; they are on spans and logs.
type Metrics struct {
	generationDuration metric.Float64Histogram
	eventTokens        metric.Int64Histogram
}

// NewMetrics creates the instruments. A nil meter uses the global provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}

	m := &Metrics{}
	var err error

	m.generationDuration, err = meter.Float64Histogram(
		"forged.generation.duration",
		metric.WithDescription("Duration of one prompt generation"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600),
	)
	if err != nil {
		return nil, err
	}

	m.eventTokens, err = meter.Int64Histogram(
		"forged.event.tokens",
		metric.WithDescription("Estimated tokens per generation event"),
		metric.WithUnit("{token}"),
		metric.WithExplicitBucketBoundaries(1, 10, 50, 100, 250, 500, 1000, 2000, 4000),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) recordGeneration(ctx context.Context, tier string, kind session.Kind, d time.Duration) {
	outcome := "ok"
	if kind != "" {
		outcome = string(kind)
	}
	m.generationDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("forged.tier", tier),
		attribute.String("forged.outcome", outcome),
	))
}

func (m *Metrics) recordEvent(ctx context.Context, ev session.GenerationEvent) {
	m.eventTokens.Record(ctx, ev.EstimatedTokenCost, metric.WithAttributes(
		attribute.String("forged.event_kind", string(ev.Kind)),
	))
}

// Tracer returns the engine tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

func (p *pipeline) startSpan(ctx context.Context, name, sessionID, taskID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("forged.session_id", sessionID)}
	if taskID != "" {
		attrs = append(attrs, attribute.String("forged.task_id", taskID))
	}
	return p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(session.KindOf(err)))
	}
	span.End()
}
