// Package libfuzzer runs libFuzzer-compatible targets. The parser and the
// Engine type are shared by the language specific variants built on top of
// the libFuzzer driver.
package libfuzzer

import (
	"xfl/config"
	"xfl/internal/fuzz"
	"xfl/internal/process"
	"xfl/internal/stats"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Engine struct {
	fuzz.BaseEngine
	keys []fuzz.Key
}

// NewEngine builds a libFuzzer driven engine serving keys.
func NewEngine(base fuzz.BaseEngine, keys ...fuzz.Key) *Engine {
	return &Engine{base, keys}
}

type LibFuzzerParams struct {
	fx.In

	Logger    *zap.Logger
	AppConfig *config.AppConfig
	Profiles  config.EngineProfiles `optional:"true"`
}

// NewLibFuzzer serves native C and C++ targets linked against libFuzzer.
func NewLibFuzzer(params LibFuzzerParams) *Engine {
	return NewEngine(fuzz.BaseEngine{
		Logger:    params.Logger.With(zap.String("engine", "libfuzzer")),
		AppConfig: params.AppConfig,
		Profiles:  params.Profiles,
	},
		fuzz.NewKey("c", fuzz.XLibFuzzer),
		fuzz.NewKey("c++", fuzz.XLibFuzzer),
	)
}

func (e *Engine) Keys() []fuzz.Key {
	return e.keys
}

func (e *Engine) BuildInvocation(cfg *config.WorkerConfig) (*process.Spec, error) {
	_, spec, err := e.Invocation(cfg)
	if err != nil {
		return nil, err
	}
	spec.ArtifactDirs = []string{ArtifactDir(spec)}
	return spec, nil
}

func (e *Engine) InterpretOutput(line string, s *stats.RuntimeStats) {
	if _, err := Interpret(line, s); err != nil && e.Logger != nil {
		e.Logger.Debug("ignored fuzzer output", zap.Error(err))
	}
}

func (e *Engine) IsArtifact(path string) bool {
	return IsArtifact(path)
}

var Module = fx.Options(
	fx.Provide(fx.Annotate(NewLibFuzzer, fx.As(new(fuzz.Engine)), fx.ResultTags(`group:"engines"`))),
)
