// Package report delivers runtime statistics snapshots to the scheduler.
package report

import (
	"context"
	"errors"
	"fmt"
	"xfl/internal/stats"

	"go.uber.org/zap"
)

// Ack is the scheduler's answer to a report.
type Ack struct {
	Cancel bool // the scheduler wants the worker stopped
}

// Sink receives snapshots. Implementations must be safe for concurrent use
// by several pumps.
type Sink interface {
	Report(ctx context.Context, snapshot stats.Snapshot) (Ack, error)
}

// TransientError marks a failure worth retrying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient report failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// LogSink logs every snapshot. It stands in for the scheduler when no
// address was configured.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger.Named("stats")}
}

func (s *LogSink) Report(_ context.Context, snapshot stats.Snapshot) (Ack, error) {
	if snapshot.Final {
		s.logger.Info("final worker stats", snapshot.Fields()...)
	} else {
		s.logger.Debug("worker stats", snapshot.Fields()...)
	}
	return Ack{}, nil
}

// MultiSink fans a snapshot out to several sinks. The first sink is the
// primary: its ack and error are returned, failures of the others are logged.
type MultiSink struct {
	primary   Sink
	secondary []Sink
	logger    *zap.Logger
}

func NewMultiSink(logger *zap.Logger, primary Sink, secondary ...Sink) *MultiSink {
	return &MultiSink{primary, secondary, logger}
}

func (m *MultiSink) Report(ctx context.Context, snapshot stats.Snapshot) (Ack, error) {
	for _, sink := range m.secondary {
		if _, err := sink.Report(ctx, snapshot); err != nil {
			m.logger.Warn("secondary stats sink failed", zap.Error(err), zap.Int("worker_id", snapshot.WorkerID))
		}
	}
	return m.primary.Report(ctx, snapshot)
}
