package database

import (
	"context"
	"encoding/json"
	"time"
	"xfl/internal/stats"

	"gorm.io/gorm"
)

// inserts multiple crash records into the database
func AddCrashes(ctx context.Context, db *gorm.DB, crashes []*Crash) error {
	if len(crashes) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(crashes).Error
}

// inserts a single run record into the database
func AddRun(ctx context.Context, db *gorm.DB, run *Run) error {
	if run == nil {
		return nil
	}
	return db.WithContext(ctx).Create(run).Error
}

// NewRun builds the run record of a finished worker from its final snapshot
func NewRun(language, engine string, attempts int, snapshot stats.Snapshot) *Run {
	return &Run{
		RunID:      snapshot.RunID,
		WorkerID:   snapshot.WorkerID,
		Language:   language,
		Engine:     engine,
		Cmd:        snapshot.Cmd,
		Attempts:   attempts,
		Outcome:    string(snapshot.Outcome),
		ExitCode:   snapshot.ExitCode,
		Crashes:    snapshot.Crashes,
		StartedAt:  snapshot.StartedAt,
		FinishedAt: time.Now(),
		Stats:      snapshotMetric(snapshot),
	}
}

func snapshotMetric(snapshot stats.Snapshot) Metric {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return nil
	}
	var m Metric
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// NewCrash creates a new Crash object with the provided parameters
func NewCrash(
	runID string,
	workerID int,
	attempt int,
	language string,
	engine string,
	source string,
	poc string,
	md5 string,
	size int64,
) *Crash {
	return &Crash{
		RunID:     runID,
		WorkerID:  workerID,
		Attempt:   attempt,
		Language:  language,
		Engine:    engine,
		Source:    source,
		POC:       poc,
		MD5:       md5,
		Size:      size,
		CreatedAt: time.Now(),
	}
}
