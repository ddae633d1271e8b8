package crash

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
	"xfl/config"
	"xfl/pkg/database"
	"xfl/pkg/mq"
	"xfl/pkg/telemetry"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// QueueName is the queue crash notifications are published to.
const QueueName = "xfl_crashes"

// Artifact is a crash reproducer found by one worker.
type Artifact struct {
	Path     string
	WorkerID int
	RunID    string
	Attempt  int
	Language string
	Engine   string
}

// Notification is the message published for every newly stored crash.
type Notification struct {
	RunID    string `json:"run_id"`
	WorkerID int    `json:"worker_id"`
	Attempt  int    `json:"attempt"`
	Language string `json:"language"`
	Engine   string `json:"engine"`
	Source   string `json:"source"`
	POC      string `json:"poc"`
	MD5      string `json:"md5"`
	Size     int64  `json:"size"`
}

type recordFunc func(ctx context.Context, crashes []*database.Crash) error

type CrashManager struct {
	record    recordFunc
	publisher mq.Publisher
	logger    *zap.Logger

	crashFolder string
	crashChan   chan Artifact
	wg          sync.WaitGroup
	done        chan struct{}
	closeOnce   sync.Once
}

type CrashManagerParams struct {
	fx.In

	Config    *config.AppConfig
	DB        *gorm.DB    `optional:"true"`
	RabbitMQ  mq.RabbitMQ `optional:"true"`
	Logger    *zap.Logger
	Lifecycle fx.Lifecycle
}

func NewCrashManager(p CrashManagerParams) *CrashManager {
	var record recordFunc
	if p.DB != nil {
		record = func(ctx context.Context, crashes []*database.Crash) error {
			return database.AddCrashes(ctx, p.DB, crashes)
		}
	}
	var publisher mq.Publisher
	if p.RabbitMQ != nil {
		publisher = p.RabbitMQ
	}

	c, err := newCrashManager(p.Logger.Named("crash"), p.Config.CrashDir, record, publisher)
	if err != nil {
		// if we can't create the crash folder, there's no point in continuing
		p.Logger.Fatal("failed to create crash folder", zap.Error(err))
		return nil
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			c.logger.Debug("starting crash manager")
			go c.start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			c.logger.Info("stopping crash manager")
			return c.Close(ctx)
		},
	})

	return c
}

func newCrashManager(logger *zap.Logger, crashFolder string, record recordFunc, publisher mq.Publisher) (*CrashManager, error) {
	if err := os.MkdirAll(crashFolder, 0755); err != nil {
		return nil, err
	}
	return &CrashManager{
		record:      record,
		publisher:   publisher,
		logger:      logger,
		crashFolder: crashFolder,
		crashChan:   make(chan Artifact, 1024),
		done:        make(chan struct{}),
	}, nil
}

// RegisterCrashChan routes the artifacts of one worker to the manager until
// rCh is closed.
func (c *CrashManager) RegisterCrashChan(tracer telemetry.Tracer, rCh <-chan Artifact) {
	c.wg.Add(1)
	povTracer := tracer.Spawn("crash manager")
	povTracer.Start()
	go func() {
		defer c.wg.Done()
		defer povTracer.End()

		povCounter := 0
		for artifact := range rCh {
			povCounter++
			c.logger.Debug("new crash artifact received", zap.String("path", artifact.Path), zap.Int("worker_id", artifact.WorkerID))
			c.crashChan <- artifact
		}
		c.logger.Debug("crash channel closed")

		povTracer.WithAttributes(telemetry.EmptySpanAttributes().WithExtraAttribute("pov_found", povCounter))
	}()
	c.logger.Debug("new crash channel registered")
}

// Close waits for every registered channel to be closed and every queued
// artifact to be processed.
func (c *CrashManager) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.wg.Wait() // wait until all crash channels are properly closed
		c.logger.Debug("closing crash channel")
		close(c.crashChan)
	})
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *CrashManager) start() {
	defer close(c.done)
	for artifact := range c.crashChan {
		if err := c.processCrashFile(artifact); err != nil {
			c.logger.Error("failed to process crash file", zap.String("path", artifact.Path), zap.Error(err))
		}
	}
}

// processCrashFile stores a single crash file under its md5 and announces it
func (c *CrashManager) processCrashFile(artifact Artifact) error {
	crashStore := filepath.Join(c.crashFolder, artifact.Language, artifact.Engine)
	if err := os.MkdirAll(crashStore, 0755); err != nil {
		return fmt.Errorf("failed to create crash store directory: %w", err)
	}

	crashData, err := readArtifact(artifact.Path)
	if err != nil {
		return fmt.Errorf("failed to read crash file: %w", err)
	}
	crashMd5 := md5.Sum(crashData)
	sum := hex.EncodeToString(crashMd5[:])
	crashPath := filepath.Join(crashStore, sum)
	if _, err := os.Stat(crashPath); err == nil {
		c.logger.Debug("duplicate crash", zap.String("md5", sum), zap.String("path", artifact.Path))
		return nil
	}
	if err := os.WriteFile(crashPath, crashData, 0644); err != nil {
		return fmt.Errorf("failed to write crash file: %w", err)
	}
	c.logger.Info("crash stored",
		zap.String("poc", crashPath),
		zap.String("run_id", artifact.RunID),
		zap.Int("worker_id", artifact.WorkerID))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if c.record != nil {
		crash := database.NewCrash(
			artifact.RunID,
			artifact.WorkerID,
			artifact.Attempt,
			artifact.Language,
			artifact.Engine,
			artifact.Path,
			crashPath,
			sum,
			int64(len(crashData)),
		)
		if err := c.record(ctx, []*database.Crash{crash}); err != nil {
			errs = append(errs, fmt.Errorf("failed to add crash: %w", err))
		}
	}
	if c.publisher != nil {
		body, err := json.Marshal(Notification{
			RunID:    artifact.RunID,
			WorkerID: artifact.WorkerID,
			Attempt:  artifact.Attempt,
			Language: artifact.Language,
			Engine:   artifact.Engine,
			Source:   artifact.Path,
			POC:      crashPath,
			MD5:      sum,
			Size:     int64(len(crashData)),
		})
		if err == nil {
			err = c.publisher.Publish(ctx, QueueName, body)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to publish crash: %w", err))
		}
	}
	return errors.Join(errs...)
}

// readArtifact reads a crash file that may still be being written by the
// fuzzer. An empty read is retried a few times before it is accepted.
func readArtifact(path string) ([]byte, error) {
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(50*time.Millisecond), 5)
	var data []byte
	err := backoff.Retry(func() error {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return backoff.Permanent(err)
		}
		if len(data) == 0 {
			return errEmptyArtifact
		}
		return nil
	}, b)
	if errors.Is(err, errEmptyArtifact) {
		return data, nil
	}
	return data, err
}

var errEmptyArtifact = errors.New("empty artifact")
