package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
)

type SpanAttributes struct {
	Language optional[string] // xfl.target.language
	Engine   optional[string] // xfl.target.engine
	WorkerID optional[int]    // xfl.worker.id
	RunID    optional[string] // xfl.run.id
	Attempt  optional[int]    // xfl.run.attempt
	Outcome  optional[string] // xfl.run.outcome
	ExitCode optional[int]    // xfl.run.exit_code

	extraAttributes map[string]any
}

// EmptySpanAttributes returns a SpanAttributes instance that can be populated later.
func EmptySpanAttributes() *SpanAttributes {
	return &SpanAttributes{
		extraAttributes: make(map[string]any),
	}
}

// Merge updates the current SpanAttributes with values from another SpanAttributes.
// Values are only updated if they are set in the other SpanAttributes and not set in the current one.
func (o *SpanAttributes) Merge(other *SpanAttributes) {
	if other == nil {
		return
	}

	mergeOptional(&o.Language, &other.Language)
	mergeOptional(&o.Engine, &other.Engine)
	mergeOptional(&o.WorkerID, &other.WorkerID)
	mergeOptional(&o.RunID, &other.RunID)
	mergeOptional(&o.Attempt, &other.Attempt)
	mergeOptional(&o.Outcome, &other.Outcome)
	mergeOptional(&o.ExitCode, &other.ExitCode)

	if o.extraAttributes == nil {
		o.extraAttributes = make(map[string]any)
	}
	for k, v := range other.extraAttributes {
		if _, exists := o.extraAttributes[k]; !exists {
			o.extraAttributes[k] = v
		}
	}
}

func (o *SpanAttributes) WithLanguage(val string) *SpanAttributes {
	o.Language.Set(val)
	return o
}

func (o *SpanAttributes) WithEngine(val string) *SpanAttributes {
	o.Engine.Set(val)
	return o
}

func (o *SpanAttributes) WithWorkerID(val int) *SpanAttributes {
	o.WorkerID.Set(val)
	return o
}

func (o *SpanAttributes) WithRunID(val string) *SpanAttributes {
	o.RunID.Set(val)
	return o
}

func (o *SpanAttributes) WithAttempt(val int) *SpanAttributes {
	o.Attempt.Set(val)
	return o
}

func (o *SpanAttributes) WithOutcome(val string) *SpanAttributes {
	o.Outcome.Set(val)
	return o
}

func (o *SpanAttributes) WithExitCode(val int) *SpanAttributes {
	o.ExitCode.Set(val)
	return o
}

func (o *SpanAttributes) WithExtraAttribute(key string, val any) *SpanAttributes {
	if o.extraAttributes == nil {
		o.extraAttributes = make(map[string]any)
	}
	o.extraAttributes[key] = val
	return o
}

func (o SpanAttributes) Attributes() []attribute.KeyValue {
	var attrs []attribute.KeyValue

	if o.Language.set {
		attrs = append(attrs, attribute.String("xfl.target.language", o.Language.val))
	}
	if o.Engine.set {
		attrs = append(attrs, attribute.String("xfl.target.engine", o.Engine.val))
	}
	if o.WorkerID.set {
		attrs = append(attrs, attribute.Int("xfl.worker.id", o.WorkerID.val))
	}
	if o.RunID.set {
		attrs = append(attrs, attribute.String("xfl.run.id", o.RunID.val))
	}
	if o.Attempt.set {
		attrs = append(attrs, attribute.Int("xfl.run.attempt", o.Attempt.val))
	}
	if o.Outcome.set {
		attrs = append(attrs, attribute.String("xfl.run.outcome", o.Outcome.val))
	}
	if o.ExitCode.set {
		attrs = append(attrs, attribute.Int("xfl.run.exit_code", o.ExitCode.val))
	}

	for k, v := range o.extraAttributes {
		switch val := v.(type) {
		case string:
			attrs = append(attrs, attribute.String(k, val))
		case int:
			attrs = append(attrs, attribute.Int(k, val))
		case int64:
			attrs = append(attrs, attribute.Int64(k, val))
		case uint64:
			attrs = append(attrs, attribute.Int64(k, int64(val)))
		case float64:
			attrs = append(attrs, attribute.Float64(k, val))
		case bool:
			attrs = append(attrs, attribute.Bool(k, val))
		default:
			attrs = append(attrs, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}

	return attrs
}

type EventAttributes []attribute.KeyValue

func NewEventAttributes(attributes map[string]string) EventAttributes {
	attrs := make(EventAttributes, 0, len(attributes))
	for k, v := range attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

type optional[T any] struct {
	val T
	set bool
}

func (o *optional[T]) Set(val T) { o.val = val; o.set = true }

func mergeOptional[T any](target, source *optional[T]) {
	if !target.set && source.set {
		target.val = source.val
		target.set = true
	}
}
