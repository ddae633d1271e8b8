package fuzz

import (
	"context"
	"os"
	"slices"
	"xfl/config"
	"xfl/internal/process"
	"xfl/internal/stats"

	"go.uber.org/zap"
)

// BaseEngine carries the behaviour every engine shares: command line
// splitting, profile overrides, process launch and exit classification.
// Engines embed it and override what differs.
type BaseEngine struct {
	Logger     *zap.Logger
	AppConfig  *config.AppConfig
	Profiles   config.EngineProfiles
	DefaultEnv []string // KEY=VALUE, only applied when the key is not set otherwise
}

// Invocation splits the job's command line and applies env defaults and the
// matching engine profile.
func (b *BaseEngine) Invocation(cfg *config.WorkerConfig) (*CommandLine, *process.Spec, error) {
	cmdLine, err := SplitCommandLine(cfg.Args())
	if err != nil {
		return nil, nil, err
	}

	spec := &process.Spec{
		Path: cmdLine.Path,
		Args: slices.Clone(cmdLine.Args),
	}

	var profileEnv []string
	if profile, ok := b.Profiles.Lookup(cfg.Language(), cfg.Engine()); ok {
		for k, v := range profile.Env {
			profileEnv = append(profileEnv, k+"="+v)
		}
		slices.Sort(profileEnv)
		spec.Args = insertBeforeTarget(spec.Args, profile.ExtraArgs)
		spec.Dir = profile.Dir
	}

	// later entries win when the child environment is built
	spec.Env = append(spec.Env, b.defaultsNotIn(profileEnv, cmdLine.Env)...)
	spec.Env = append(spec.Env, profileEnv...)
	spec.Env = append(spec.Env, cmdLine.Env...)

	if b.AppConfig != nil && b.AppConfig.EchoFuzzerOutput {
		spec.Echo = os.Stderr
	}
	return cmdLine, spec, nil
}

func (b *BaseEngine) defaultsNotIn(envs ...[]string) []string {
	var out []string
	for _, def := range b.DefaultEnv {
		if !hasEnv(def, envs...) && !hasEnv(def, [][]string{os.Environ()}...) {
			out = append(out, def)
		}
	}
	return out
}

func hasEnv(kv string, envs ...[]string) bool {
	key := envKey(kv)
	for _, env := range envs {
		for _, e := range env {
			if envKey(e) == key {
				return true
			}
		}
	}
	return false
}

func envKey(kv string) string {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i]
		}
	}
	return kv
}

// insertBeforeTarget places extra options before a "--" separator, so they
// stay fuzzer options rather than target arguments.
func insertBeforeTarget(args, extra []string) []string {
	if len(extra) == 0 {
		return args
	}
	idx := slices.Index(args, "--")
	if idx < 0 {
		return append(args, extra...)
	}
	return slices.Insert(args, idx, extra...)
}

func (b *BaseEngine) Launch(ctx context.Context, spec *process.Spec, lines chan<- process.Line) (*process.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, &LaunchError{Path: spec.Path, Err: err}
	}
	handle, err := process.Start(spec, lines)
	if err != nil {
		return nil, &LaunchError{Path: spec.Path, Err: err}
	}
	if b.Logger != nil {
		b.Logger.Info("fuzzer started", zap.String("command", spec.CommandLine()), zap.Int("pid", handle.Pid()))
	}
	return handle, nil
}

// Classify treats every non-zero exit and every signal as a crash.
func (b *BaseEngine) Classify(status process.ExitStatus) stats.Outcome {
	if status.Success() {
		return stats.OutcomeExited
	}
	return stats.OutcomeCrashed
}
