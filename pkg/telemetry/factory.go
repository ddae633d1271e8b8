package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
)

type Tracer interface {
	Start()
	WithAttributes(attributes *SpanAttributes) Tracer
	AddEvent(name string, attributes EventAttributes)
	SetStatus(code codes.Code, message string)
	Spawn(spanName string) Tracer
	End()
}

type TracerFactory struct {
	telemetry Telemetry
}

type TracerFactoryParams struct {
	fx.In
	Telemetry Telemetry `optional:"true"`
}

func NewTracerFactory(p TracerFactoryParams) *TracerFactory {
	return &TracerFactory{telemetry: p.Telemetry}
}

// NewTracer returns a tracer for a new root span, or a DummyTracer when no
// collector is configured. A nil factory is valid and always returns a
// DummyTracer.
func (t *TracerFactory) NewTracer(ctx context.Context, spanName string) Tracer {
	if t == nil || t.telemetry == nil || t.telemetry.GetTracer() == nil {
		return &DummyTracer{}
	}
	return NewTelemetryTracer(ctx, t.telemetry.GetTracer(), spanName)
}

// NewWorkerTracer returns the root tracer of one fuzzing worker, carrying the
// attributes that identify it. The span is not started yet.
func (t *TracerFactory) NewWorkerTracer(ctx context.Context, language, engine string, workerID int, runID string) Tracer {
	return t.NewTracer(ctx, "fuzzing worker").WithAttributes(EmptySpanAttributes().
		WithLanguage(language).
		WithEngine(engine).
		WithWorkerID(workerID).
		WithRunID(runID))
}

// DummyTracer does nothing. It stands in when telemetry is disabled.
type DummyTracer struct{}

func (t *DummyTracer) Start()                                           {}
func (t *DummyTracer) WithAttributes(attributes *SpanAttributes) Tracer { return t }
func (t *DummyTracer) AddEvent(name string, attributes EventAttributes) {}
func (t *DummyTracer) SetStatus(code codes.Code, message string)        {}
func (t *DummyTracer) Spawn(spanName string) Tracer                     { return t }
func (t *DummyTracer) End()                                             {}
