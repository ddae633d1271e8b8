package report

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"
	"xfl/config"
	"xfl/internal/stats"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type fakeScheduler struct {
	mu       sync.Mutex
	received []stats.Snapshot
	cancel   bool
	err      error
}

func (f *fakeScheduler) ReportStats(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.received = append(f.received, SnapshotFromStruct(req))
	return structpb.NewStruct(map[string]any{"cancel": f.cancel})
}

func startScheduler(t *testing.T, scheduler *fakeScheduler) *GRPCSink {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	RegisterSchedulerServer(server, scheduler)
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	sink, err := NewGRPCSink("passthrough:///bufnet", config.ReportConfig{Timeout: 2 * time.Second}, zaptest.NewLogger(t),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })
	return sink
}

func sampleSnapshot() stats.Snapshot {
	return stats.Snapshot{
		WorkerID:     2,
		RunID:        "8f2c59a4-2a54-4d55-9d53-0f6c0a3f1e11",
		Cmd:          "./fuzz corpus",
		Attempt:      1,
		Count:        4096,
		ExecsPerSec:  2048.5,
		Crashes:      1,
		QueueEntries: 21,
		Edges:        stats.Coverage{Covered: 112, Whole: 412},
		Artifacts:    []string{"./crash-1"},
		Outcome:      stats.OutcomeRunning,
		StartedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		UpdatedAt:    time.Date(2026, 1, 2, 3, 5, 5, 0, time.UTC),
	}
}

func TestGRPCSinkDeliversSnapshot(t *testing.T) {
	scheduler := &fakeScheduler{}
	sink := startScheduler(t, scheduler)

	ack, err := sink.Report(context.Background(), sampleSnapshot())
	require.NoError(t, err)
	assert.False(t, ack.Cancel)

	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	require.Len(t, scheduler.received, 1)
	assert.Equal(t, sampleSnapshot(), scheduler.received[0])
}

func TestSnapshotToStructReplacesInvalidUTF8(t *testing.T) {
	rs := stats.New(1, "./fuzz \xff\xfe -runs=1")
	rs.AddArtifact("crash-\xc3")
	st, err := SnapshotToStruct(rs.Snapshot())
	require.NoError(t, err)

	got := SnapshotFromStruct(st)
	assert.Equal(t, "./fuzz \uFFFD -runs=1", got.Cmd)
	assert.Equal(t, []string{"crash-\uFFFD"}, got.Artifacts)
}

func TestGRPCSinkDeliversNonUTF8Command(t *testing.T) {
	scheduler := &fakeScheduler{}
	sink := startScheduler(t, scheduler)

	_, err := sink.Report(context.Background(), stats.New(2, "./fuzz \xff").Snapshot())
	require.NoError(t, err)

	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	require.Len(t, scheduler.received, 1)
	assert.Equal(t, "./fuzz \uFFFD", scheduler.received[0].Cmd)
}

func TestGRPCSinkCancelAck(t *testing.T) {
	sink := startScheduler(t, &fakeScheduler{cancel: true})
	ack, err := sink.Report(context.Background(), sampleSnapshot())
	require.NoError(t, err)
	assert.True(t, ack.Cancel)
}

func TestGRPCSinkClassifiesErrors(t *testing.T) {
	sink := startScheduler(t, &fakeScheduler{err: status.Error(codes.Unavailable, "overloaded")})
	_, err := sink.Report(context.Background(), sampleSnapshot())
	assert.True(t, IsTransient(err))

	sink = startScheduler(t, &fakeScheduler{err: status.Error(codes.InvalidArgument, "bad worker")})
	_, err = sink.Report(context.Background(), sampleSnapshot())
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPCSinkUnreachableIsTransient(t *testing.T) {
	lis := bufconn.Listen(1024)
	require.NoError(t, lis.Close())
	sink, err := NewGRPCSink("passthrough:///bufnet", config.ReportConfig{Timeout: 200 * time.Millisecond}, zaptest.NewLogger(t),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	defer sink.Close()

	_, err = sink.Report(context.Background(), sampleSnapshot())
	assert.True(t, IsTransient(err), "%v", err)
}
