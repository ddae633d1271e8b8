// Package supervisor runs one fuzzing worker: it launches the engine's child
// process, folds its output into the worker's RuntimeStats, reports progress
// and restarts the child when the job is persistent.
package supervisor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"
	"xfl/config"
	"xfl/internal/crash"
	"xfl/internal/fuzz"
	"xfl/internal/process"
	"xfl/internal/report"
	"xfl/internal/stats"
	"xfl/pkg/telemetry"
	"xfl/pkg/watchdog"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

type State int

const (
	Idle State = iota
	Spawning
	Running
	Exited
	Crashed
	Killed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Spawning:
		return "spawning"
	case Running:
		return "running"
	case Exited:
		return "exited"
	case Crashed:
		return "crashed"
	case Killed:
		return "killed"
	default:
		return "unknown"
	}
}

func stateOf(outcome stats.Outcome) State {
	switch outcome {
	case stats.OutcomeExited:
		return Exited
	case stats.OutcomeKilled:
		return Killed
	default:
		return Crashed
	}
}

type Transition struct {
	From    State
	To      State
	Attempt int
	At      time.Time
}

// Result is what a finished worker leaves behind.
type Result struct {
	State    State
	Stats    stats.Snapshot
	Attempts int
	ExitCode int
}

// CrashRegistrar takes the crash artifacts of a worker until the channel is closed.
type CrashRegistrar interface {
	RegisterCrashChan(tracer telemetry.Tracer, rCh <-chan crash.Artifact)
}

type Options struct {
	WorkerID   int
	Config     *config.WorkerConfig
	Engine     fuzz.Engine
	Supervisor config.SupervisorConfig
	Report     config.ReportConfig

	Sink      report.Sink               // nil disables reporting
	WatchDogs *watchdog.WatchDogFactory // nil disables artifact directory watching
	Crashes   CrashRegistrar            // nil keeps artifacts local
	Tracers   *telemetry.TracerFactory
	Logger    *zap.Logger

	OnTransition func(Transition)
}

type Supervisor struct {
	opts   Options
	logger *zap.Logger

	mu      sync.RWMutex
	state   State
	attempt int
	history []Transition
	stats   *stats.RuntimeStats

	stop     chan struct{}
	stopOnce sync.Once

	pump      *report.Pump
	artifacts chan crash.Artifact
	forwarded map[string]struct{}
}

func New(opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		opts:      opts,
		logger:    logger.With(zap.Int("worker_id", opts.WorkerID)),
		stop:      make(chan struct{}),
		forwarded: make(map[string]struct{}),
	}
}

func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// History returns the transitions taken so far, oldest first.
func (s *Supervisor) History() []Transition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Transition(nil), s.history...)
}

// Snapshot returns the current stats, or false before the first launch.
func (s *Supervisor) Snapshot() (stats.Snapshot, bool) {
	s.mu.RLock()
	rs := s.stats
	s.mu.RUnlock()
	if rs == nil {
		return stats.Snapshot{}, false
	}
	return rs.Snapshot(), true
}

// Stop asks a running worker to terminate its child and not restart it.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("stop requested")
		close(s.stop)
	})
}

func (s *Supervisor) transition(to State) {
	s.mu.Lock()
	t := Transition{From: s.state, To: to, Attempt: s.attempt, At: time.Now()}
	s.state = to
	s.history = append(s.history, t)
	s.mu.Unlock()

	s.logger.Debug("worker state changed",
		zap.Stringer("from", t.From),
		zap.Stringer("to", t.To),
		zap.Int("attempt", t.Attempt))
	if s.opts.OnTransition != nil {
		s.opts.OnTransition(t)
	}
}

// Run supervises the worker until its restart budget is spent, the context is
// canceled or the scheduler asks it to stop. Only an invalid invocation is
// returned as an error; in that case no process was started.
func (s *Supervisor) Run(ctx context.Context) (*Result, error) {
	spec, err := s.opts.Engine.BuildInvocation(s.opts.Config)
	if err != nil {
		s.logger.Error("failed to build fuzzer invocation", zap.Error(err))
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-runCtx.Done():
		}
	}()

	rs := stats.New(s.opts.WorkerID, s.opts.Config.Args())
	s.mu.Lock()
	s.stats = rs
	s.mu.Unlock()
	s.logger.Info("starting worker",
		zap.String("cmd", rs.Cmd()),
		zap.Stringer("run_id", rs.RunID()))

	tracer := s.opts.Tracers.NewWorkerTracer(ctx,
		s.opts.Config.Language(),
		s.opts.Config.Engine(),
		s.opts.WorkerID,
		rs.RunID().String())
	tracer.Start()
	defer tracer.End()

	if s.opts.Crashes != nil {
		s.artifacts = make(chan crash.Artifact, 64)
		s.opts.Crashes.RegisterCrashChan(tracer, s.artifacts)
		defer close(s.artifacts)
	}
	if s.opts.Sink != nil {
		s.pump = report.NewPump(s.opts.Sink, s.opts.Report, s.logger, s.Stop)
	}

	restarts, forever := s.opts.Config.Restarts()
	var (
		state    State
		exitCode int
		attempts int
		started  bool
	)
	for {
		attempts++
		if attempts > 1 {
			rs.Restart()
		}
		s.mu.Lock()
		s.attempt = attempts
		s.mu.Unlock()

		state, exitCode, started = s.runAttempt(runCtx, spec, tracer)
		if state == Killed || (!forever && attempts > restarts) {
			break
		}
		// unbounded persistence only restarts a fuzzer that came up at least once
		if forever && !started {
			s.logger.Error("fuzzer failed to launch, not restarting", zap.Int("attempt", attempts))
			break
		}
		s.logger.Info("restarting fuzzer",
			zap.Int("attempt", attempts+1),
			zap.Duration("delay", s.opts.Supervisor.RestartDelay))
		if !sleep(runCtx, s.opts.Supervisor.RestartDelay) {
			rs.Interrupt()
			s.transition(Killed)
			state = Killed
			break
		}
	}

	final := rs.Snapshot()
	if s.pump != nil {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), s.flushTimeout())
		s.pump.Close(flushCtx, final)
		flushCancel()
	}

	tracer.WithAttributes(telemetry.EmptySpanAttributes().
		WithAttempt(attempts).
		WithOutcome(string(final.Outcome)).
		WithExitCode(exitCode))
	if state == Crashed {
		tracer.SetStatus(codes.Error, "fuzzer crashed")
	} else {
		tracer.SetStatus(codes.Ok, state.String())
	}

	s.logger.Info("worker finished",
		append(final.Fields(), zap.Stringer("state", state), zap.Int("attempts", attempts))...)
	return &Result{
		State:    state,
		Stats:    final,
		Attempts: attempts,
		ExitCode: exitCode,
	}, nil
}

// runAttempt launches the child once and monitors it until it is gone. started
// reports whether the child was launched.
func (s *Supervisor) runAttempt(ctx context.Context, base *process.Spec, parent telemetry.Tracer) (state State, exitCode int, started bool) {
	rs := s.stats
	snapshot := rs.Snapshot()

	if ctx.Err() != nil {
		rs.Finalize(stats.OutcomeKilled, -1)
		s.transition(Killed)
		return Killed, -1, false
	}

	s.transition(Spawning)
	spec := base.Clone()
	spec.Instance = s.opts.WorkerID

	tracer := parent.Spawn("fuzzer attempt")
	tracer.WithAttributes(telemetry.EmptySpanAttributes().WithAttempt(snapshot.Attempt))
	tracer.Start()
	defer tracer.End()

	lines := make(chan process.Line)
	handle, err := s.opts.Engine.Launch(ctx, spec, lines)
	if err != nil {
		if ctx.Err() != nil {
			rs.Finalize(stats.OutcomeKilled, -1)
			s.transition(Killed)
			return Killed, -1, false
		}
		s.logger.Error("failed to launch fuzzer", zap.Error(err))
		tracer.SetStatus(codes.Error, err.Error())
		rs.Finalize(stats.OutcomeCrashed, -1)
		s.transition(Crashed)
		s.offer(rs.Snapshot())
		return Crashed, -1, false
	}
	defer handle.Release()
	s.transition(Running)

	var found chan string
	if s.opts.WatchDogs != nil && len(spec.ArtifactDirs) > 0 {
		watchCtx, stopWatch := context.WithCancel(ctx)
		defer stopWatch()
		found = make(chan string, 64)
		wd, err := s.opts.WatchDogs.New(watchCtx, found, s.artifactFilter())
		if err != nil {
			s.logger.Warn("crash artifacts are not watched", zap.Error(err))
			found = nil
		} else {
			for _, dir := range spec.ArtifactDirs {
				if !filepath.IsAbs(dir) && spec.Dir != "" {
					dir = filepath.Join(spec.Dir, dir)
				}
				if err := wd.AddDir(dir); err != nil {
					s.logger.Warn("failed to watch artifact directory", zap.String("dir", dir), zap.Error(err))
				}
			}
			defer func() {
				stopWatch()
				<-wd.Stopped()
			}()
		}
	}

	interval := s.opts.Report.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	poller, _ := s.opts.Engine.(fuzz.StatsPoller)
	done := ctx.Done()
	var (
		killing   bool
		killTimer <-chan time.Time
	)

monitor:
	for {
		select {
		case line := <-lines:
			s.opts.Engine.InterpretOutput(line.Text, rs)
		case <-handle.Done():
			break monitor
		case <-ticker.C:
			s.poll(poller, spec)
			current := rs.Snapshot()
			s.forward(current, spec)
			s.offer(current)
		case path, ok := <-found:
			if !ok {
				found = nil
				continue
			}
			rs.AddArtifact(path)
			tracer.AddEvent("artifact found", telemetry.NewEventAttributes(map[string]string{"path": path}))
			s.forward(rs.Snapshot(), spec)
		case <-done:
			done = nil
			killing = true
			s.logger.Info("terminating fuzzer", zap.Duration("grace_period", s.opts.Supervisor.GracePeriod))
			if err := handle.Terminate(); err != nil {
				s.logger.Warn("failed to terminate fuzzer", zap.Error(err))
			}
			killTimer = time.After(s.opts.Supervisor.GracePeriod)
		case <-killTimer:
			killTimer = nil
			s.logger.Warn("fuzzer ignored SIGTERM, killing it")
			if err := handle.Kill(); err != nil {
				s.logger.Warn("failed to kill fuzzer", zap.Error(err))
			}
		}
	}

	for _, line := range handle.Remaining() {
		s.opts.Engine.InterpretOutput(line.Text, rs)
	}
	s.poll(poller, spec)

	status := handle.Status()
	outcome := s.opts.Engine.Classify(status)
	switch {
	case killing:
		outcome = stats.OutcomeKilled
	case outcome == stats.OutcomeExited && rs.Snapshot().Crashes > 0:
		outcome = stats.OutcomeCrashed
	}
	rs.Finalize(outcome, status.Code)
	state = stateOf(outcome)
	s.transition(state)

	final := rs.Snapshot()
	s.forward(final, spec)
	s.offer(final)

	tracer.WithAttributes(telemetry.EmptySpanAttributes().
		WithOutcome(string(outcome)).
		WithExitCode(status.Code).
		WithExtraAttribute("crashes", final.Crashes).
		WithExtraAttribute("execs", final.Count))
	if state == Crashed {
		tracer.SetStatus(codes.Error, "fuzzer crashed")
	}
	s.logger.Info("fuzzer stopped", append(final.Fields(), zap.Int("exit_code", status.Code))...)
	return state, status.Code, true
}

func (s *Supervisor) artifactFilter() watchdog.FilterFunc {
	if f, ok := s.opts.Engine.(fuzz.ArtifactFilter); ok {
		return f.IsArtifact
	}
	return nil
}

func (s *Supervisor) poll(poller fuzz.StatsPoller, spec *process.Spec) {
	if poller == nil {
		return
	}
	if err := poller.PollStats(spec, s.stats); err != nil {
		level := zap.DebugLevel
		if !errors.Is(err, fuzz.ErrRuntimeParse) {
			level = zap.WarnLevel
		}
		s.logger.Log(level, "failed to poll fuzzer stats", zap.Error(err))
	}
}

// forward hands artifacts not seen before to the crash manager.
func (s *Supervisor) forward(snapshot stats.Snapshot, spec *process.Spec) {
	if s.artifacts == nil {
		return
	}
	for _, path := range snapshot.Artifacts {
		if _, ok := s.forwarded[path]; ok {
			continue
		}
		s.forwarded[path] = struct{}{}
		if !filepath.IsAbs(path) && spec.Dir != "" {
			path = filepath.Join(spec.Dir, path)
		}
		artifact := crash.Artifact{
			Path:     path,
			WorkerID: snapshot.WorkerID,
			RunID:    snapshot.RunID,
			Attempt:  snapshot.Attempt,
			Language: s.opts.Config.Language(),
			Engine:   s.opts.Config.Engine(),
		}
		select {
		case s.artifacts <- artifact:
		default:
			s.logger.Warn("crash queue full, artifact not stored", zap.String("path", path))
		}
	}
}

func (s *Supervisor) offer(snapshot stats.Snapshot) {
	if s.pump != nil {
		s.pump.Offer(snapshot)
	}
}

// flushTimeout bounds the final delivery by the pump's own retry budget.
func (s *Supervisor) flushTimeout() time.Duration {
	attempts := max(s.opts.Report.MaxAttempts, 1)
	perAttempt := s.opts.Report.Timeout + 2*time.Second
	return time.Duration(attempts) * perAttempt
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
