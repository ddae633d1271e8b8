// Package sharpfuzz runs .NET targets instrumented with SharpFuzz through
// the libfuzzer-dotnet driver.
package sharpfuzz

import (
	"strings"
	"xfl/config"
	"xfl/internal/fuzz"
	"xfl/internal/fuzz/libfuzzer"
	"xfl/internal/stats"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Engine struct {
	*libfuzzer.Engine
}

type SharpFuzzParams struct {
	fx.In

	Logger    *zap.Logger
	AppConfig *config.AppConfig
	Profiles  config.EngineProfiles `optional:"true"`
}

func NewSharpFuzz(params SharpFuzzParams) *Engine {
	return &Engine{libfuzzer.NewEngine(fuzz.BaseEngine{
		Logger:     params.Logger.With(zap.String("engine", "sharpfuzz")),
		AppConfig:  params.AppConfig,
		Profiles:   params.Profiles,
		DefaultEnv: []string{"DOTNET_CLI_TELEMETRY_OPTOUT=1"},
	}, fuzz.NewKey("c#", fuzz.XLibFuzzer))}
}

// InterpretOutput counts unhandled .NET exceptions. The driver reports the
// resulting abort as a deadly signal, which belongs to the same crash.
func (e *Engine) InterpretOutput(line string, s *stats.RuntimeStats) {
	trimmed := strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(trimmed, "Unhandled exception."):
		s.AddCrash()
	case strings.Contains(trimmed, "deadly signal") && s.Snapshot().Crashes > 0:
	default:
		e.Engine.InterpretOutput(line, s)
	}
}

var Module = fx.Options(
	fx.Provide(fx.Annotate(NewSharpFuzz, fx.As(new(fuzz.Engine)), fx.ResultTags(`group:"engines"`))),
)
