package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"xfl/config"
	"xfl/internal/crash"
	"xfl/internal/fuzz/registry"
	"xfl/internal/report"
	"xfl/internal/worker"
	"xfl/pkg/database"
	"xfl/pkg/logger"
	"xfl/pkg/mq"
	"xfl/pkg/telemetry"

	"github.com/jessevdk/go-flags"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

const exitUsage = 2

type options struct {
	Address    string `short:"s" long:"address" description:"scheduler address, ip:port or ip (port 3000); empty logs stats locally"`
	Language   string `short:"l" long:"language" default:"C" description:"target language (C, C++, Java, Go, Rust, C#)"`
	Engine     string `short:"e" long:"engine" default:"xlibfuzzer" description:"fuzzing engine (xlibfuzzer, aflpp)"`
	Persistent []bool `short:"p" long:"persistent" description:"restart the fuzzer when it exits, repeat for more restarts"`
	Args       string `short:"a" long:"args" default:"Fuzzer [args]" description:"fuzzer command line"`
	Jobs       int    `short:"j" long:"jobs" default:"1" description:"number of fuzzer instances"`
	Verbose    []bool `short:"v" long:"verbose" description:"log debug output"`
}

func (o *options) persistent() uint8 {
	return uint8(min(len(o.Persistent), int(config.PersistForever)))
}

func setUpMmapRNDBits(logger *zap.Logger) {
	// Set the mmap_rnd_bits to 28 to avoid ASLR issues on ASAN
	if err := exec.Command("sysctl", "-w", "vm.mmap_rnd_bits=28").Run(); err != nil {
		logger.Debug("Failed to set mmap_rnd_bits", zap.Error(err))
	} else {
		logger.Info("Successfully set mmap_rnd_bits to 28")
	}
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(exitUsage)
	}

	workerConfig, err := config.NewWorkerConfig(config.WorkerOptions{
		Address:    opts.Address,
		Language:   opts.Language,
		Engine:     opts.Engine,
		Persistent: opts.persistent(),
		Args:       opts.Args,
		Jobs:       opts.Jobs,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, config.ErrConfiguration) {
			os.Exit(exitUsage)
		}
		os.Exit(1)
	}

	app := fx.New(
		fx.Supply(workerConfig),
		fx.Provide(
			config.LoadConfig,          // inject config
			config.LoadEngineProfiles,  // inject engine profiles
			database.NewDBConnection,   // inject db connection
			database.NewRedisClient,    // inject redis client
			logger.NewLogger,           // inject logger
			mq.NewRabbitMQ,             // inject rabbitmq service
			telemetry.NewTelemetry,     // inject telemetry
			telemetry.NewTracerFactory, // inject telemetry tracer factory
			crash.NewCrashManager,      // inject crash manager
		),
		fx.Decorate(func(c *config.AppConfig) *config.AppConfig {
			if len(opts.Verbose) > 0 {
				c.LogLevel = "debug"
			}
			return c
		}),
		registry.Module, // inject every fuzzing engine and the dispatcher
		report.Module,   // inject the stats sink
		worker.Module,   // run the job
		fx.Invoke(setUpMmapRNDBits),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			zlogger := fxevent.ZapLogger{Logger: log}
			zlogger.UseLogLevel(zap.DebugLevel)
			return &zlogger
		}),
	)
	app.Run()
}
