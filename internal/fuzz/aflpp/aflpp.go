package aflpp

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"xfl/config"
	"xfl/internal/fuzz"
	"xfl/internal/process"
	"xfl/internal/stats"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultInstanceName = "default"

type AFLFuzzer struct {
	fuzz.BaseEngine
	aflPath string
	workDir string
}

type AFLFuzzerParams struct {
	fx.In

	Logger    *zap.Logger
	AppConfig *config.AppConfig
	Profiles  config.EngineProfiles `optional:"true"`
}

// NewAFLFuzzer returns nil when afl-fuzz is not installed, which leaves the
// aflpp keys unregistered.
func NewAFLFuzzer(params AFLFuzzerParams) *AFLFuzzer {
	// check if afl-fuzz is correctly installed
	aflPath, err := exec.LookPath("afl-fuzz")
	if err != nil {
		params.Logger.Warn("afl-fuzz not found, aflpp engine disabled", zap.Error(err))
		return nil
	}
	return newAFLFuzzer(params, aflPath)
}

func newAFLFuzzer(params AFLFuzzerParams, aflPath string) *AFLFuzzer {
	return &AFLFuzzer{
		BaseEngine: fuzz.BaseEngine{
			Logger:     params.Logger.With(zap.String("engine", fuzz.AFLPlusPlus)),
			AppConfig:  params.AppConfig,
			Profiles:   params.Profiles,
			DefaultEnv: defaultAFLEnv(),
		},
		aflPath: aflPath,
		workDir: params.AppConfig.AFLWorkDir,
	}
}

func (f *AFLFuzzer) Keys() []fuzz.Key {
	return []fuzz.Key{
		fuzz.NewKey("c", fuzz.AFLPlusPlus),
		fuzz.NewKey("c++", fuzz.AFLPlusPlus),
	}
}

// BuildInvocation accepts either a complete afl-fuzz command line or just the
// target command, which is then wrapped with input and output directories
// under the AFL work dir.
func (f *AFLFuzzer) BuildInvocation(cfg *config.WorkerConfig) (*process.Spec, error) {
	cmdLine, spec, err := f.Invocation(cfg)
	if err != nil {
		return nil, err
	}

	if path.Base(cmdLine.Path) != "afl-fuzz" {
		target := append([]string{cmdLine.Path}, cmdLine.Args...)
		var extra []string
		if profile, ok := f.Profiles.Lookup(cfg.Language(), cfg.Engine()); ok {
			extra = profile.ExtraArgs
		}
		spec.Path = f.aflPath
		spec.Args = f.buildArgs(target, extra)
	}

	if err := locate(spec); err != nil {
		return nil, &config.ConfigurationError{Field: "args", Value: cfg.Args(), Reason: err.Error()}
	}
	return spec, nil
}

// buildArgs builds the afl-fuzz arguments around a bare target command.
func (f *AFLFuzzer) buildArgs(target []string, extra []string) []string {
	name := strings.NewReplacer("/", "_", ".", "_").Replace(strings.TrimLeft(target[0], "./"))
	if name == "" {
		name = "target"
	}
	base := filepath.Join(f.workDir, name)

	// Input & Output
	args := []string{"-i", filepath.Join(base, "seeds"), "-o", filepath.Join(base, "output")}
	// Mode & Name
	args = append(args, "-M", "main")
	// Timeout, 5 seconds per iteration unless the profile says otherwise
	if !slices.Contains(extra, "-t") {
		args = append(args, "-t", "5000+")
	}
	args = append(args, extra...)
	// Harness
	return append(append(args, "--"), target...)
}

// locate derives the stats file and crash directory of the instance from
// the -o and -M/-S options.
func locate(spec *process.Spec) error {
	cmdLine := &fuzz.CommandLine{Path: spec.Path, Args: spec.Args}
	outputDir, ok := cmdLine.Flag("-o")
	if !ok || outputDir == "" {
		return fmt.Errorf("afl-fuzz needs an output directory (-o)")
	}
	if !filepath.IsAbs(outputDir) && spec.Dir != "" {
		outputDir = filepath.Join(spec.Dir, outputDir)
	}
	name := instanceName(cmdLine)
	spec.StatsFile = filepath.Join(outputDir, name, "fuzzer_stats")
	spec.ArtifactDirs = []string{filepath.Join(outputDir, name, "crashes")}
	return nil
}

func instanceName(cmdLine *fuzz.CommandLine) string {
	if name, ok := cmdLine.Flag("-M"); ok {
		return name
	}
	if name, ok := cmdLine.Flag("-S"); ok {
		return name
	}
	return defaultInstanceName
}

// Launch turns every worker but the first into a secondary instance, makes
// sure the wrapped directories exist and starts afl-fuzz.
func (f *AFLFuzzer) Launch(ctx context.Context, spec *process.Spec, lines chan<- process.Line) (*process.Handle, error) {
	assignInstance(spec)
	if err := locate(spec); err != nil {
		return nil, &fuzz.LaunchError{Path: spec.Path, Err: err}
	}
	if err := prepareDirs(spec); err != nil {
		return nil, &fuzz.LaunchError{Path: spec.Path, Err: err}
	}
	return f.BaseEngine.Launch(ctx, spec, lines)
}

// assignInstance gives every worker slot its own afl-fuzz instance. Slot 1
// is the main instance, the others become secondaries named after it. A
// command line without -M or -S gets "-M main" or "-S main_<n>".
func assignInstance(spec *process.Spec) {
	secondary := spec.Instance > 1
	switch m, s := flagIndex(spec.Args, "-M"), flagIndex(spec.Args, "-S"); {
	case m >= 0 && secondary:
		spec.Args[m] = "-S"
		spec.Args[m+1] = fmt.Sprintf("%s_%d", spec.Args[m+1], spec.Instance)
		return
	case m >= 0:
	case s >= 0:
		if secondary {
			spec.Args[s+1] = fmt.Sprintf("%s_%d", spec.Args[s+1], spec.Instance)
		}
		return
	case secondary:
		spec.Args = append([]string{"-S", fmt.Sprintf("main_%d", spec.Instance)}, spec.Args...)
		return
	default:
		spec.Args = append([]string{"-M", "main"}, spec.Args...)
	}
	// AFL_FINAL_SYNC performs a final import of test cases when terminating,
	// so the main queue holds every unique test case.
	if !slices.Contains(spec.Env, "AFL_FINAL_SYNC=1") {
		spec.Env = append(spec.Env, "AFL_FINAL_SYNC=1")
	}
}

// flagIndex finds flag among the afl-fuzz options, ignoring the target
// command after "--".
func flagIndex(args []string, flag string) int {
	opts := args
	if end := slices.Index(args, "--"); end >= 0 {
		opts = args[:end]
	}
	idx := slices.Index(opts, flag)
	if idx < 0 || idx+1 >= len(opts) {
		return -1
	}
	return idx
}

// prepareDirs creates the input directory with a starter seed when it is
// missing or empty, and the output directory.
func prepareDirs(spec *process.Spec) error {
	cmdLine := &fuzz.CommandLine{Path: spec.Path, Args: spec.Args}
	if inputDir, ok := cmdLine.Flag("-i"); ok && inputDir != "-" {
		if !filepath.IsAbs(inputDir) && spec.Dir != "" {
			inputDir = filepath.Join(spec.Dir, inputDir)
		}
		if err := os.MkdirAll(inputDir, 0755); err != nil {
			return err
		}
		entries, err := os.ReadDir(inputDir)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			if err := os.WriteFile(filepath.Join(inputDir, "seed"), []byte("xfl"), 0644); err != nil {
				return err
			}
		}
	}
	if outputDir, ok := cmdLine.Flag("-o"); ok {
		if !filepath.IsAbs(outputDir) && spec.Dir != "" {
			outputDir = filepath.Join(spec.Dir, outputDir)
		}
		return os.MkdirAll(outputDir, 0755)
	}
	return nil
}

// InterpretOutput only surfaces afl-fuzz errors; progress is read from
// fuzzer_stats by PollStats.
func (f *AFLFuzzer) InterpretOutput(line string, s *stats.RuntimeStats) {
	switch {
	case strings.HasPrefix(line, "[-] "):
		f.Logger.Warn("afl-fuzz error", zap.String("line", line), zap.Int("worker_id", s.WorkerID()))
	case strings.HasPrefix(line, "[!] "):
		f.Logger.Debug("afl-fuzz warning", zap.String("line", line))
	}
}

// Classify treats a shutdown on SIGINT or SIGTERM as a clean exit.
func (f *AFLFuzzer) Classify(status process.ExitStatus) stats.Outcome {
	if status.Success() {
		return stats.OutcomeExited
	}
	switch status.Code {
	case 128 + int(syscall.SIGINT), 128 + int(syscall.SIGTERM):
		return stats.OutcomeExited
	}
	return stats.OutcomeCrashed
}

// IsArtifact filters out files that are not crashes but are in the crash folder
func (f *AFLFuzzer) IsArtifact(crashFileName string) bool {
	return path.Base(crashFileName) != "README.txt"
}

var AFLModule = fx.Options(
	fx.Provide(fx.Annotate(NewAFLFuzzer, fx.As(new(fuzz.Engine)), fx.ResultTags(`group:"engines"`))),
)
