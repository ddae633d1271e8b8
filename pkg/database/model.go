package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

const (
	runTable   = "xfl_runs"
	crashTable = "xfl_crashes"
)

// Run represents a record in the public.xfl_runs table, one per finished worker
type Run struct {
	ID         int       `gorm:"primaryKey;column:id"`
	RunID      string    `gorm:"column:run_id;not null;index"`
	WorkerID   int       `gorm:"column:worker_id;not null"`
	Language   string    `gorm:"column:language;not null"`
	Engine     string    `gorm:"column:engine;not null"`
	Cmd        string    `gorm:"column:cmd"`
	Attempts   int       `gorm:"column:attempts"`
	Outcome    string    `gorm:"column:outcome"`
	ExitCode   int       `gorm:"column:exit_code"`
	Crashes    uint64    `gorm:"column:crashes"`
	StartedAt  time.Time `gorm:"column:started_at"`
	FinishedAt time.Time `gorm:"column:finished_at;default:now()"`
	Stats      Metric    `gorm:"column:stats;type:jsonb"`
}

func (Run) TableName() string { return runTable }

// Crash represents a record in the public.xfl_crashes table
type Crash struct {
	ID        int       `gorm:"primaryKey;column:id"`
	RunID     string    `gorm:"column:run_id;not null;index"`
	WorkerID  int       `gorm:"column:worker_id;not null"`
	Attempt   int       `gorm:"column:attempt"`
	Language  string    `gorm:"column:language;not null"`
	Engine    string    `gorm:"column:engine;not null"`
	Source    string    `gorm:"column:source"`
	POC       string    `gorm:"column:poc;not null"`
	MD5       string    `gorm:"column:md5;not null"`
	Size      int64     `gorm:"column:size"`
	CreatedAt time.Time `gorm:"column:created_at;default:now()"`
}

func (Crash) TableName() string { return crashTable }

// Metric represents a jsonb field
type Metric map[string]any

// Value implements the driver.Valuer interface for the Metric type
func (m Metric) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements the sql.Scanner interface for the Metric type
func (m *Metric) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(bytes, &m)
}
