package logger

import (
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap/zapcore"
)

// exportCore tees every entry written to the wrapped core into an
// OpenTelemetry logger.
type exportCore struct {
	zapcore.Core
	ctx    context.Context
	otel   log.Logger
	fields []attribute.KeyValue
}

func newExportCore(ctx context.Context, core zapcore.Core, otel log.Logger, base []attribute.KeyValue) *exportCore {
	return &exportCore{Core: core, ctx: ctx, otel: otel, fields: base}
}

func (c *exportCore) With(fields []zapcore.Field) zapcore.Core {
	return &exportCore{
		Core:   c.Core.With(fields),
		ctx:    c.ctx,
		otel:   c.otel,
		fields: append(slices.Clip(c.fields), fieldAttributes(fields)...),
	}
}

func (c *exportCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(ent.Level) {
		return ce
	}
	return ce.AddCore(ent, c)
}

func (c *exportCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	if err := c.Core.Write(ent, fields); err != nil {
		return err
	}

	var rec log.Record
	rec.SetTimestamp(ent.Time)
	rec.SetBody(log.StringValue(ent.Message))
	rec.SetSeverity(severity(ent.Level))
	rec.SetSeverityText(ent.Level.CapitalString())
	for _, kv := range append(slices.Clip(c.fields), fieldAttributes(fields)...) {
		rec.AddAttributes(log.KeyValueFromAttribute(kv))
	}
	c.otel.Emit(c.ctx, rec)
	return nil
}

func severity(l zapcore.Level) log.Severity {
	switch {
	case l < zapcore.InfoLevel:
		return log.SeverityDebug
	case l == zapcore.InfoLevel:
		return log.SeverityInfo
	case l == zapcore.WarnLevel:
		return log.SeverityWarn
	case l == zapcore.ErrorLevel:
		return log.SeverityError
	default:
		return log.SeverityFatal
	}
}

func fieldAttributes(fields []zapcore.Field) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(fields))
	for _, f := range fields {
		if kv, ok := fieldAttribute(f); ok {
			attrs = append(attrs, kv)
		}
	}
	return attrs
}

func fieldAttribute(f zapcore.Field) (attribute.KeyValue, bool) {
	key := attribute.Key(f.Key)
	switch f.Type {
	case zapcore.SkipType:
		return attribute.KeyValue{}, false
	case zapcore.BoolType:
		return key.Bool(f.Integer == 1), true
	case zapcore.Float64Type:
		return key.Float64(math.Float64frombits(uint64(f.Integer))), true
	case zapcore.Float32Type:
		return key.Float64(float64(math.Float32frombits(uint32(f.Integer)))), true
	case zapcore.Int64Type, zapcore.Int32Type, zapcore.Int16Type, zapcore.Int8Type,
		zapcore.Uint64Type, zapcore.Uint32Type, zapcore.Uint16Type, zapcore.Uint8Type:
		return key.Int64(f.Integer), true
	case zapcore.DurationType:
		return key.String(time.Duration(f.Integer).String()), true
	case zapcore.StringType:
		return key.String(f.String), true
	case zapcore.ErrorType:
		if err, ok := f.Interface.(error); ok {
			return key.String(err.Error()), true
		}
		return attribute.KeyValue{}, false
	case zapcore.StringerType:
		if s, ok := f.Interface.(fmt.Stringer); ok {
			return key.String(s.String()), true
		}
		return attribute.KeyValue{}, false
	default:
		return key.String(fmt.Sprint(f.Interface)), true
	}
}
