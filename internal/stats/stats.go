// Package stats holds the runtime telemetry record of a single fuzzing worker.
//
// A RuntimeStats has exactly one writer, the supervisor's monitor loop. Every
// other party works on a Snapshot copy.
package stats

import (
	"math"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Outcome string

const (
	OutcomeRunning Outcome = "running"
	OutcomeExited  Outcome = "exited"
	OutcomeCrashed Outcome = "crashed"
	OutcomeKilled  Outcome = "killed"
)

type Metric int

const (
	BasicBlocks Metric = iota
	Functions
	Lines
	Edges
	metricCount
)

func (m Metric) String() string {
	switch m {
	case BasicBlocks:
		return "basic_blocks"
	case Functions:
		return "functions"
	case Lines:
		return "lines"
	case Edges:
		return "edges"
	default:
		return "unknown"
	}
}

// Coverage pairs a covered amount with the total number of instrumented units.
type Coverage struct {
	Covered uint64 `json:"covered"`
	Whole   uint64 `json:"whole"`
}

type RuntimeStats struct {
	mu sync.RWMutex

	workerID int
	runID    uuid.UUID
	cmd      string

	attempt      int
	count        uint64
	execsSec     float64
	crashes      uint64
	queueEntries uint64
	coverage     [metricCount]Coverage
	artifacts    []string

	startedAt time.Time
	updatedAt time.Time
	finalized bool
	outcome   Outcome
	exitCode  int
}

// New creates the record for a worker that is about to start its first attempt.
func New(workerID int, cmd string) *RuntimeStats {
	now := time.Now()
	return &RuntimeStats{
		workerID:  workerID,
		runID:     uuid.New(),
		cmd:       cmd,
		attempt:   1,
		startedAt: now,
		updatedAt: now,
		outcome:   OutcomeRunning,
	}
}

func (s *RuntimeStats) WorkerID() int    { return s.workerID }
func (s *RuntimeStats) RunID() uuid.UUID { return s.runID }
func (s *RuntimeStats) Cmd() string      { return s.cmd }

// update runs fn under the write lock unless the record was finalized.
func (s *RuntimeStats) update(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return
	}
	fn()
	s.updatedAt = time.Now()
}

// SetCount raises the execution counter. Lower values are ignored.
func (s *RuntimeStats) SetCount(n uint64) {
	s.update(func() { s.count = max(s.count, n) })
}

func (s *RuntimeStats) SetExecsPerSec(v float64) {
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	s.update(func() { s.execsSec = v })
}

// SetCrashes raises the crash counter to an absolute value reported by the engine.
func (s *RuntimeStats) SetCrashes(n uint64) {
	s.update(func() { s.crashes = max(s.crashes, n) })
}

// AddCrash counts one crash reported in the fuzzer output.
func (s *RuntimeStats) AddCrash() {
	s.update(func() { s.crashes++ })
}

// AddArtifact records a crash reproducer. Artifacts are identified by file
// name, so the same file reported by the fuzzer output and the directory
// watcher counts once. Crashes is kept at least as large as the number of
// distinct artifacts.
func (s *RuntimeStats) AddArtifact(path string) {
	if path == "" {
		return
	}
	name := filepath.Base(path)
	s.update(func() {
		for _, a := range s.artifacts {
			if filepath.Base(a) == name {
				return
			}
		}
		s.artifacts = append(s.artifacts, path)
		s.crashes = max(s.crashes, uint64(len(s.artifacts)))
	})
}

func (s *RuntimeStats) SetQueueEntries(n uint64) {
	s.update(func() { s.queueEntries = max(s.queueEntries, n) })
}

// SetCovered raises the covered amount of a metric, clamped to its denominator.
func (s *RuntimeStats) SetCovered(m Metric, n uint64) {
	if m < 0 || m >= metricCount {
		return
	}
	s.update(func() {
		c := &s.coverage[m]
		c.Covered = max(c.Covered, n)
		if c.Whole != 0 && c.Covered > c.Whole {
			c.Covered = c.Whole
		}
	})
}

// AddCovered increments the covered amount of a metric by n.
func (s *RuntimeStats) AddCovered(m Metric, n uint64) {
	if m < 0 || m >= metricCount {
		return
	}
	s.update(func() {
		c := &s.coverage[m]
		c.Covered += n
		if c.Whole != 0 && c.Covered > c.Whole {
			c.Covered = c.Whole
		}
	})
}

// SetWhole records the number of instrumented units for a metric.
func (s *RuntimeStats) SetWhole(m Metric, n uint64) {
	if m < 0 || m >= metricCount || n == 0 {
		return
	}
	s.update(func() {
		c := &s.coverage[m]
		c.Whole = n
		if c.Covered > c.Whole {
			c.Covered = c.Whole
		}
	})
}

// Finalize freezes the record for the current attempt.
func (s *RuntimeStats) Finalize(outcome Outcome, exitCode int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return
	}
	s.outcome = outcome
	s.exitCode = exitCode
	s.execsSec = 0
	s.finalized = true
	s.updatedAt = time.Now()
}

// Interrupt marks the record killed. It applies to an attempt that already
// finished, so a stop between two attempts is what the final snapshot reports.
func (s *RuntimeStats) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcome = OutcomeKilled
	s.execsSec = 0
	s.finalized = true
	s.updatedAt = time.Now()
}

// Restart begins the next attempt of a persistent worker. Identity and coverage
// denominators survive, per-attempt counters start from zero.
func (s *RuntimeStats) Restart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempt++
	s.count = 0
	s.execsSec = 0
	s.crashes = 0
	s.queueEntries = 0
	for i := range s.coverage {
		s.coverage[i].Covered = 0
	}
	s.artifacts = nil
	s.finalized = false
	s.outcome = OutcomeRunning
	s.exitCode = 0
	s.updatedAt = time.Now()
}

// Snapshot is an immutable copy of a RuntimeStats, safe to hand to other goroutines.
type Snapshot struct {
	WorkerID     int       `json:"worker_id"`
	RunID        string    `json:"run_id"`
	Cmd          string    `json:"cmd"`
	Attempt      int       `json:"attempt"`
	Count        uint64    `json:"count"`
	ExecsPerSec  float64   `json:"execs_sec"`
	Crashes      uint64    `json:"crashes"`
	QueueEntries uint64    `json:"queue_entries"`
	BasicBlocks  Coverage  `json:"basic_blocks"`
	Functions    Coverage  `json:"functions"`
	Lines        Coverage  `json:"lines"`
	Edges        Coverage  `json:"edges"`
	Artifacts    []string  `json:"artifacts,omitempty"`
	Outcome      Outcome   `json:"outcome"`
	ExitCode     int       `json:"exit_code"`
	Final        bool      `json:"final"`
	StartedAt    time.Time `json:"started_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (s *RuntimeStats) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		WorkerID:     s.workerID,
		RunID:        s.runID.String(),
		Cmd:          s.cmd,
		Attempt:      s.attempt,
		Count:        s.count,
		ExecsPerSec:  s.execsSec,
		Crashes:      s.crashes,
		QueueEntries: s.queueEntries,
		BasicBlocks:  s.coverage[BasicBlocks],
		Functions:    s.coverage[Functions],
		Lines:        s.coverage[Lines],
		Edges:        s.coverage[Edges],
		Artifacts:    append([]string(nil), s.artifacts...),
		Outcome:      s.outcome,
		ExitCode:     s.exitCode,
		Final:        s.finalized,
		StartedAt:    s.startedAt,
		UpdatedAt:    s.updatedAt,
	}
}

// Coverage returns the pair for the given metric.
func (s Snapshot) Coverage(m Metric) Coverage {
	switch m {
	case BasicBlocks:
		return s.BasicBlocks
	case Functions:
		return s.Functions
	case Lines:
		return s.Lines
	case Edges:
		return s.Edges
	default:
		return Coverage{}
	}
}

func (s Snapshot) Fields() []zap.Field {
	return []zap.Field{
		zap.Int("worker_id", s.WorkerID),
		zap.String("run_id", s.RunID),
		zap.Int("attempt", s.Attempt),
		zap.Uint64("count", s.Count),
		zap.Float64("execs_sec", s.ExecsPerSec),
		zap.Uint64("crashes", s.Crashes),
		zap.Uint64("queue_entries", s.QueueEntries),
		zap.Uint64("edges", s.Edges.Covered),
		zap.Uint64("whole_edges", s.Edges.Whole),
		zap.String("outcome", string(s.Outcome)),
	}
}
