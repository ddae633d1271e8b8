// Package cargofuzz runs Rust targets, either through `cargo fuzz run` or as
// a prebuilt libFuzzer binary.
package cargofuzz

import (
	"path/filepath"
	"slices"
	"strings"
	"xfl/config"
	"xfl/internal/fuzz"
	"xfl/internal/fuzz/libfuzzer"
	"xfl/internal/process"
	"xfl/internal/stats"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// cargo fuzz run options taking a separate value
var valueFlags = []string{"--fuzz-dir", "--sanitizer", "-s", "--target", "--features", "--build-std", "-j", "--jobs"}

type Engine struct {
	*libfuzzer.Engine
}

type CargoFuzzParams struct {
	fx.In

	Logger    *zap.Logger
	AppConfig *config.AppConfig
	Profiles  config.EngineProfiles `optional:"true"`
}

func NewCargoFuzz(params CargoFuzzParams) *Engine {
	return &Engine{libfuzzer.NewEngine(fuzz.BaseEngine{
		Logger:     params.Logger.With(zap.String("engine", "cargo-fuzz")),
		AppConfig:  params.AppConfig,
		Profiles:   params.Profiles,
		DefaultEnv: []string{"RUST_BACKTRACE=1"},
	}, fuzz.NewKey("rust", fuzz.XLibFuzzer))}
}

func (e *Engine) BuildInvocation(cfg *config.WorkerConfig) (*process.Spec, error) {
	spec, err := e.Engine.BuildInvocation(cfg)
	if err != nil {
		return nil, err
	}
	if dir, ok := cargoArtifactDir(spec); ok {
		spec.ArtifactDirs = []string{dir}
	}
	return spec, nil
}

// cargoArtifactDir resolves where `cargo fuzz run <target>` stores crashes:
// an -artifact_prefix passed through to libFuzzer, or
// <fuzz-dir>/artifacts/<target>.
func cargoArtifactDir(spec *process.Spec) (string, bool) {
	if filepath.Base(spec.Path) != "cargo" || len(spec.Args) < 2 || spec.Args[0] != "fuzz" || spec.Args[1] != "run" {
		return "", false
	}

	cargoArgs := spec.Args[2:]
	var fuzzerArgs []string
	if idx := slices.Index(cargoArgs, "--"); idx >= 0 {
		cargoArgs, fuzzerArgs = cargoArgs[:idx], cargoArgs[idx+1:]
	}

	passed := &fuzz.CommandLine{Args: fuzzerArgs}
	if _, ok := passed.Flag("-artifact_prefix"); ok {
		return libfuzzer.ArtifactDir(&process.Spec{Path: spec.Path, Args: fuzzerArgs, Dir: spec.Dir}), true
	}

	target := ""
	for i := 0; i < len(cargoArgs); i++ {
		arg := cargoArgs[i]
		if slices.Contains(valueFlags, arg) {
			i++
			continue
		}
		if strings.HasPrefix(arg, "-") {
			continue
		}
		target = arg
		break
	}
	if target == "" {
		return "", false
	}

	fuzzDir := "fuzz"
	if dir, ok := (&fuzz.CommandLine{Args: cargoArgs}).Flag("--fuzz-dir"); ok && dir != "" {
		fuzzDir = dir
	}
	dir := filepath.Join(fuzzDir, "artifacts", target)
	if !filepath.IsAbs(dir) && spec.Dir != "" {
		dir = filepath.Join(spec.Dir, dir)
	}
	return dir, true
}

// InterpretOutput counts Rust panics. With panic=abort the panic is followed
// by libFuzzer's deadly signal report, which belongs to the same crash.
func (e *Engine) InterpretOutput(line string, s *stats.RuntimeStats) {
	switch {
	case strings.Contains(line, "panicked at"):
		s.AddCrash()
	case strings.Contains(line, "deadly signal") && s.Snapshot().Crashes > 0:
	default:
		e.Engine.InterpretOutput(line, s)
	}
}

var Module = fx.Options(
	fx.Provide(fx.Annotate(NewCargoFuzz, fx.As(new(fuzz.Engine)), fx.ResultTags(`group:"engines"`))),
)
