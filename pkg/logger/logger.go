package logger

import (
	"context"
	"strings"
	"xfl/config"
	"xfl/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LoggerParams struct {
	fx.In
	Lc        fx.Lifecycle
	AppConfig *config.AppConfig
	Telemetry telemetry.Telemetry `optional:"true"`
}

// NewLogger builds the agent logger. Records go to stderr, and to the OTLP
// log exporter as well when telemetry is configured.
func NewLogger(p LoggerParams) *zap.Logger {
	cfg := buildConfig(p.AppConfig.LogLevel)
	// fuzzer output may go to stdout, keep agent logs apart
	cfg.OutputPaths = []string{"stderr"}

	var opts []zap.Option
	if p.Telemetry != nil && p.Telemetry.GetLogger() != nil {
		exportCtx, cancel := context.WithCancel(context.Background())
		p.Lc.Append(fx.StopHook(cancel))

		otelLogger := p.Telemetry.GetLogger()
		base := []attribute.KeyValue{
			attribute.String("xfl.action.name", "worker_log"),
			attribute.String("service.name", p.AppConfig.ServiceName),
		}
		opts = append(opts, zap.AddCaller(), zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return newExportCore(exportCtx, core, otelLogger, base)
		}))
	}

	lg, err := cfg.Build(opts...)
	if err == nil {
		lg.Debug("logger ready", zap.Bool("otlp", len(opts) > 0))
		return lg
	}
	if lg, err = cfg.Build(); err == nil {
		return lg
	}
	return zap.NewExample()
}

// buildConfig picks the development encoder for debug and info, production
// (JSON) for the quieter levels.
func buildConfig(levelName string) zap.Config {
	var level zapcore.Level
	switch strings.ToLower(levelName) {
	case "debug":
		level = zapcore.DebugLevel
	case "warn", "warning":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	cfg := zap.NewDevelopmentConfig()
	if level > zapcore.InfoLevel {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg
}
