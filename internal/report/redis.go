package report

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"xfl/internal/stats"

	"github.com/redis/go-redis/v9"
)

const workersSetKey = "xfl:workers"

// statsStore is the part of the redis client the mirror needs.
type statsStore interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	SAdd(ctx context.Context, key string, members ...any) *redis.IntCmd
}

// RedisSink mirrors the latest snapshot of every worker into redis, for
// dashboards and for the scheduler when the RPC path is down.
type RedisSink struct {
	client statsStore
	ttl    time.Duration
}

func NewRedisSink(client statsStore, ttl time.Duration) *RedisSink {
	return &RedisSink{client, ttl}
}

func StatsKey(runID string, workerID int) string {
	return fmt.Sprintf("xfl:worker_stats:%s:%d", runID, workerID)
}

func (r *RedisSink) Report(ctx context.Context, snapshot stats.Snapshot) (Ack, error) {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return Ack{}, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := r.client.Set(ctx, StatsKey(snapshot.RunID, snapshot.WorkerID), payload, r.ttl).Err(); err != nil {
		return Ack{}, &TransientError{err}
	}
	if err := r.client.SAdd(ctx, workersSetKey, snapshot.RunID).Err(); err != nil {
		return Ack{}, &TransientError{err}
	}
	return Ack{}, nil
}
