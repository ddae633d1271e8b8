package telemetry

import (
	"context"
	"errors"
	"os"
	"xfl/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
)

type Telemetry interface {
	GetTracer() trace.Tracer
	GetLogger() log.Logger
}

type TelemetryImpl struct {
	tracer trace.Tracer
	logger log.Logger
}

type TelemetryParams struct {
	fx.In
	Lifecycle    fx.Lifecycle
	Config       *config.AppConfig
	WorkerConfig *config.WorkerConfig `optional:"true"`
}

// NewTelemetry sets up the OTLP trace and log exporters. Without a collector
// endpoint it returns nil, and tracers fall back to DummyTracer.
func NewTelemetry(p TelemetryParams) (Telemetry, error) {
	if p.Config.TelemetryEndpoint == "" {
		return nil, nil
	}
	exporterCtx, cancel := context.WithCancel(context.Background())
	res := agentResource(p.Config, p.WorkerConfig)

	traceProvider, err := newTraceProvider(exporterCtx, res)
	if err != nil {
		cancel()
		return nil, err
	}
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	// the log SDK is still beta, agent logs stay local when its exporter fails
	logProvider, _ := newLogProvider(exporterCtx, res)

	t := &TelemetryImpl{tracer: traceProvider.Tracer(p.Config.ServiceName)}
	if logProvider != nil {
		t.logger = logProvider.Logger(p.Config.ServiceName)
	}

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			defer cancel()
			// flush pending spans and records before the exporters go away
			errs := []error{traceProvider.Shutdown(ctx)}
			if logProvider != nil {
				errs = append(errs, logProvider.Shutdown(ctx))
			}
			return errors.Join(errs...)
		},
	})

	return t, nil
}

// agentResource describes this agent process and, when known, the job it runs.
func agentResource(cfg *config.AppConfig, job *config.WorkerConfig) *resource.Resource {
	attrs := []attribute.KeyValue{
		attribute.String("service.name", cfg.ServiceName),
	}
	if host, err := os.Hostname(); err == nil {
		attrs = append(attrs, attribute.String("service.instance.id", host))
	}
	if job != nil {
		attrs = append(attrs,
			attribute.String("xfl.target.language", job.Language()),
			attribute.String("xfl.target.engine", job.Engine()),
			attribute.Int("xfl.job.workers", job.Jobs()),
		)
	}
	return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
}

func newTraceProvider(ctx context.Context, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx)
	if err != nil {
		return nil, err
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

func newLogProvider(ctx context.Context, res *resource.Resource) (*sdklog.LoggerProvider, error) {
	exporter, err := otlploggrpc.New(ctx)
	if err != nil {
		return nil, err
	}
	return sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
		sdklog.WithResource(res),
	), nil
}

func (t *TelemetryImpl) GetTracer() trace.Tracer {
	return t.tracer
}

func (t *TelemetryImpl) GetLogger() log.Logger {
	return t.logger
}
