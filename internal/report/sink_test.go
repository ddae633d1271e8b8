package report

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
	"xfl/internal/stats"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	args := m.Called(key, value, expiration)
	return redis.NewStatusResult(args.String(0), args.Error(1))
}

func (m *mockStore) SAdd(ctx context.Context, key string, members ...any) *redis.IntCmd {
	args := m.Called(key, members)
	return redis.NewIntResult(int64(args.Int(0)), args.Error(1))
}

func TestRedisSinkMirrorsSnapshot(t *testing.T) {
	store := &mockStore{}
	snap := sampleSnapshot()
	store.On("Set", "xfl:worker_stats:"+snap.RunID+":2", mock.MatchedBy(func(v any) bool {
		var decoded stats.Snapshot
		return json.Unmarshal(v.([]byte), &decoded) == nil && decoded.Count == snap.Count
	}), time.Hour).Return("OK", nil)
	store.On("SAdd", "xfl:workers", []any{snap.RunID}).Return(1, nil)

	_, err := NewRedisSink(store, time.Hour).Report(context.Background(), snap)
	require.NoError(t, err)
	store.AssertExpectations(t)
}

func TestRedisSinkFailureIsTransient(t *testing.T) {
	store := &mockStore{}
	store.On("Set", mock.Anything, mock.Anything, mock.Anything).Return("", errors.New("connection refused"))

	_, err := NewRedisSink(store, time.Hour).Report(context.Background(), sampleSnapshot())
	assert.True(t, IsTransient(err))
	store.AssertNotCalled(t, "SAdd", mock.Anything, mock.Anything)
}

func TestMultiSinkPrimaryIsAuthoritative(t *testing.T) {
	primary, secondary := &mockSink{}, &mockSink{}
	primary.On("Report", mock.Anything, mock.Anything).Return(Ack{Cancel: true}, nil)
	secondary.On("Report", mock.Anything, mock.Anything).Return(Ack{}, errors.New("redis down"))

	core, logs := observer.New(zap.WarnLevel)
	ack, err := NewMultiSink(zap.New(core), primary, secondary).Report(context.Background(), sampleSnapshot())
	require.NoError(t, err)
	assert.True(t, ack.Cancel)
	assert.Equal(t, 1, logs.FilterMessage("secondary stats sink failed").Len())

	primary2 := &mockSink{}
	primary2.On("Report", mock.Anything, mock.Anything).Return(Ack{}, &TransientError{errors.New("unavailable")})
	_, err = NewMultiSink(zaptest.NewLogger(t), primary2).Report(context.Background(), sampleSnapshot())
	assert.True(t, IsTransient(err))
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core))

	_, err := sink.Report(context.Background(), stats.Snapshot{WorkerID: 1})
	require.NoError(t, err)
	_, err = sink.Report(context.Background(), stats.Snapshot{WorkerID: 1, Final: true})
	require.NoError(t, err)

	assert.Equal(t, 1, logs.FilterMessage("worker stats").Len())
	assert.Equal(t, 1, logs.FilterMessage("final worker stats").Len())
}
