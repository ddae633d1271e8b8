// Package worker runs the supervisors of the job this agent was started with.
package worker

import (
	"context"
	"sync"
	"time"
	"xfl/config"
	"xfl/internal/crash"
	"xfl/internal/fuzz"
	"xfl/internal/report"
	"xfl/internal/supervisor"
	"xfl/pkg/database"
	"xfl/pkg/telemetry"
	"xfl/pkg/watchdog"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Exit codes of the agent once the job is over.
const (
	ExitOK     = 0
	ExitFailed = 1
)

type Runner struct {
	workerConfig *config.WorkerConfig
	appConfig    *config.AppConfig
	dispatcher   *fuzz.Dispatcher
	sink         report.Sink
	watchDogs    *watchdog.WatchDogFactory
	crashes      supervisor.CrashRegistrar
	tracers      *telemetry.TracerFactory
	db           *gorm.DB
	logger       *zap.Logger

	mu      sync.Mutex
	results []*supervisor.Result
	done    chan struct{}
}

type RunnerParams struct {
	fx.In

	Lc           fx.Lifecycle
	Shutdowner   fx.Shutdowner
	WorkerConfig *config.WorkerConfig
	AppConfig    *config.AppConfig
	Dispatcher   *fuzz.Dispatcher
	Sink         report.Sink
	WatchDogs    *watchdog.WatchDogFactory
	Crashes      *crash.CrashManager
	Tracers      *telemetry.TracerFactory
	DB           *gorm.DB `optional:"true"`
	Logger       *zap.Logger
}

// NewRunner starts the job when the application starts and shuts the
// application down with the job's exit code once every worker is done.
func NewRunner(params RunnerParams) *Runner {
	runner := &Runner{
		workerConfig: params.WorkerConfig,
		appConfig:    params.AppConfig,
		dispatcher:   params.Dispatcher,
		sink:         params.Sink,
		watchDogs:    params.WatchDogs,
		tracers:      params.Tracers,
		db:           params.DB,
		logger:       params.Logger,
		done:         make(chan struct{}),
	}
	if params.Crashes != nil {
		runner.crashes = params.Crashes
	}

	runnerCtx, cancel := context.WithCancel(context.Background())

	params.Lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				defer close(runner.done)
				code := runner.Run(runnerCtx)
				if err := params.Shutdowner.Shutdown(fx.ExitCode(code)); err != nil {
					runner.logger.Error("failed to shut down", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-runner.done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
	return runner
}

// Run supervises Jobs workers of the configured engine and blocks until all
// of them are finished. It returns the process exit code.
func (r *Runner) Run(ctx context.Context) int {
	logger := r.logger.With(zap.String("language", r.workerConfig.Language()), zap.String("engine", r.workerConfig.Engine()))

	engine, err := r.dispatcher.Select(r.workerConfig.Language(), r.workerConfig.Engine())
	if err != nil {
		logger.Error("cannot run job", zap.Error(err), zap.Stringers("supported", r.dispatcher.Keys()))
		return ExitFailed
	}

	logger.Info("starting workers", r.workerConfig.Fields()...)
	g, gctx := errgroup.WithContext(ctx)
	for id := 1; id <= r.workerConfig.Jobs(); id++ {
		sup := supervisor.New(supervisor.Options{
			WorkerID:   id,
			Config:     r.workerConfig,
			Engine:     engine,
			Supervisor: r.appConfig.SupervisorConfig,
			Report:     r.appConfig.ReportConfig,
			Sink:       r.sink,
			WatchDogs:  r.watchDogs,
			Crashes:    r.crashes,
			Tracers:    r.tracers,
			Logger:     logger,
		})
		g.Go(func() error {
			res, err := sup.Run(gctx)
			if err != nil {
				return err
			}
			r.record(res)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("job failed", zap.Error(err))
		return ExitFailed
	}
	logger.Info("all workers finished", zap.Int("workers", r.workerConfig.Jobs()))
	return ExitOK
}

// Results returns the results of the workers finished so far.
func (r *Runner) Results() []*supervisor.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*supervisor.Result(nil), r.results...)
}

func (r *Runner) record(res *supervisor.Result) {
	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()

	if r.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	run := database.NewRun(r.workerConfig.Language(), r.workerConfig.Engine(), res.Attempts, res.Stats)
	if err := database.AddRun(ctx, r.db, run); err != nil {
		r.logger.Error("failed to record run", zap.Error(err), zap.String("run_id", res.Stats.RunID))
	}
}

var Module = fx.Options(
	fx.Provide(
		NewRunner,
		watchdog.NewWatchDogFactory,
	),
	fx.Invoke(func(*Runner) {}),
)
