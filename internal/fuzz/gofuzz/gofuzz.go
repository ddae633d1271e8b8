// Package gofuzz runs Go fuzz tests, natively through `go test -fuzz` or as
// libFuzzer binaries built with go114-fuzz-build.
package gofuzz

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"xfl/config"
	"xfl/internal/fuzz"
	"xfl/internal/fuzz/libfuzzer"
	"xfl/internal/process"
	"xfl/internal/stats"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	// fuzz: elapsed: 3s, execs: 325017 (108336/sec), new interesting: 11 (total: 202)
	progressLine = regexp.MustCompile(`^fuzz: elapsed: \S+, execs: (\d+) \((\d+)/sec\), new interesting: \d+ \(total: (\d+)\)`)
	// fuzz: elapsed: 0s, gathering baseline coverage: 0/192 completed
	baselineLine = regexp.MustCompile(`^fuzz: elapsed: \S+, gathering baseline coverage: \d+/(\d+) completed`)
	failingInput = regexp.MustCompile(`Failing input written to (\S+)`)
	fuzzName     = regexp.MustCompile(`^\^?(Fuzz\w*)\$?$`)
)

type Engine struct {
	*libfuzzer.Engine
}

type GoFuzzParams struct {
	fx.In

	Logger    *zap.Logger
	AppConfig *config.AppConfig
	Profiles  config.EngineProfiles `optional:"true"`
}

func NewGoFuzz(params GoFuzzParams) *Engine {
	return &Engine{libfuzzer.NewEngine(fuzz.BaseEngine{
		Logger:    params.Logger.With(zap.String("engine", "gofuzz")),
		AppConfig: params.AppConfig,
		Profiles:  params.Profiles,
	}, fuzz.NewKey("go", fuzz.XLibFuzzer))}
}

func (e *Engine) BuildInvocation(cfg *config.WorkerConfig) (*process.Spec, error) {
	spec, err := e.Engine.BuildInvocation(cfg)
	if err != nil {
		return nil, err
	}
	if dir, ok := corpusDir(spec); ok {
		spec.ArtifactDirs = []string{dir}
	}
	return spec, nil
}

// corpusDir is where the go command writes failing inputs:
// <package>/testdata/fuzz/<FuzzName>.
func corpusDir(spec *process.Spec) (string, bool) {
	cmdLine := &fuzz.CommandLine{Path: spec.Path, Args: spec.Args}
	pattern, ok := cmdLine.Flag("-fuzz")
	if !ok {
		if pattern, ok = cmdLine.Flag("-test.fuzz"); !ok {
			return "", false
		}
	}
	m := fuzzName.FindStringSubmatch(pattern)
	if m == nil {
		return "", false
	}

	pkgDir := "."
	if filepath.Base(spec.Path) == "go" {
		for _, arg := range spec.Args[1:] {
			if strings.HasPrefix(arg, ".") && !strings.HasSuffix(arg, "...") {
				pkgDir = arg
				break
			}
		}
	}
	dir := filepath.Join(pkgDir, "testdata", "fuzz", m[1])
	if !filepath.IsAbs(dir) && spec.Dir != "" {
		dir = filepath.Join(spec.Dir, dir)
	}
	return dir, true
}

// InterpretOutput understands the go command's fuzzing output and falls back
// to libFuzzer output for targets built with go114-fuzz-build.
func (e *Engine) InterpretOutput(line string, s *stats.RuntimeStats) {
	trimmed := strings.TrimSpace(line)

	if m := progressLine.FindStringSubmatch(trimmed); m != nil {
		execs, err1 := strconv.ParseUint(m[1], 10, 64)
		perSec, err2 := strconv.ParseUint(m[2], 10, 64)
		total, err3 := strconv.ParseUint(m[3], 10, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			e.Logger.Debug("ignored fuzzer output", zap.Error(fuzz.ErrRuntimeParse), zap.String("line", trimmed))
			return
		}
		s.SetCount(execs)
		s.SetExecsPerSec(float64(perSec))
		s.SetQueueEntries(total)
		return
	}
	if m := baselineLine.FindStringSubmatch(trimmed); m != nil {
		if total, err := strconv.ParseUint(m[1], 10, 64); err == nil {
			s.SetQueueEntries(total)
		}
		return
	}
	if m := failingInput.FindStringSubmatch(trimmed); m != nil {
		s.AddArtifact(m[1])
		return
	}
	// nested subtest failures are indented and belong to the same crash
	if strings.HasPrefix(line, "--- FAIL:") {
		s.AddCrash()
		return
	}
	e.Engine.InterpretOutput(line, s)
}

// IsArtifact accepts every new file in the corpus directory.
func (e *Engine) IsArtifact(path string) bool {
	return !strings.HasPrefix(filepath.Base(path), ".")
}

var Module = fx.Options(
	fx.Provide(fx.Annotate(NewGoFuzz, fx.As(new(fuzz.Engine)), fx.ResultTags(`group:"engines"`))),
)
