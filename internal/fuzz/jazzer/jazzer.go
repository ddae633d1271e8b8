// Package jazzer runs Java targets through Jazzer, the libFuzzer based JVM fuzzer.
package jazzer

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

type JazzerParams struct {
	fx.In

	Logger    *zap.Logger
	AppConfig *config.AppConfig
	Profiles  config.EngineProfiles `optional:"true"`
}

func NewJazzer(params JazzerParams) *Engine {
	return &Engine{libfuzzer.NewEngine(fuzz.BaseEngine{
		Logger:     params.Logger.With(zap.String("engine", "jazzer")),
		AppConfig:  params.AppConfig,
		Profiles:   params.Profiles,
		DefaultEnv: []string{"JAVA_TOOL_OPTIONS=-XX:+UseParallelGC"},
	}, fuzz.NewKey("java", fuzz.XLibFuzzer))}
}

// InterpretOutput counts uncaught Java exceptions on top of the libFuzzer
// progress and sanitizer reports.
func (e *Engine) InterpretOutput(line string, s *stats.RuntimeStats) {
	if strings.HasPrefix(strings.TrimSpace(line), "== Java Exception:") {
		s.AddCrash()
		return
	}
	e.Engine.InterpretOutput(line, s)
}

var Module = fx.Options(
	fx.Provide(fx.Annotate(NewJazzer, fx.As(new(fuzz.Engine)), fx.ResultTags(`group:"engines"`))),
)
