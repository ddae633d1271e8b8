package fuzz

import (
	"context"
	"xfl/config"
	"xfl/internal/process"
	"xfl/internal/stats"
)

// Engine describes one execution strategy for a (language, engine) pair.
type Engine interface {
	// Keys lists every (language, engine) pair the engine serves.
	Keys() []Key

	// BuildInvocation turns the job's argument string and the engine defaults
	// into a concrete process spec. Empty or malformed command lines fail with
	// a *config.ConfigurationError.
	BuildInvocation(cfg *config.WorkerConfig) (*process.Spec, error)

	// Launch starts the fuzzer. Output lines are delivered on lines until the
	// returned handle is released. Failures are reported as *LaunchError.
	Launch(ctx context.Context, spec *process.Spec, lines chan<- process.Line) (*process.Handle, error)

	// InterpretOutput folds one line of fuzzer output into stats.
	// Lines the engine does not understand are ignored.
	InterpretOutput(line string, stats *stats.RuntimeStats)

	// Classify tells a clean exit from a crash.
	Classify(status process.ExitStatus) stats.Outcome
}

// StatsPoller is implemented by engines that keep their progress in a file
// instead of (or next to) their output.
type StatsPoller interface {
	PollStats(spec *process.Spec, stats *stats.RuntimeStats) error
}

// ArtifactFilter is implemented by engines that share their artifact
// directory with other files. Paths it rejects are not counted as crashes.
type ArtifactFilter interface {
	IsArtifact(path string) bool
}
