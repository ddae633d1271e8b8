package crash

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
	"xfl/pkg/database"
	"xfl/pkg/telemetry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, queue string, body []byte) error {
	args := m.Called(queue, body)
	return args.Error(0)
}

type recorder struct {
	mu      sync.Mutex
	crashes []*database.Crash
}

func (r *recorder) record(ctx context.Context, crashes []*database.Crash) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.crashes = append(r.crashes, crashes...)
	return nil
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func runManager(t *testing.T, c *CrashManager, artifacts ...Artifact) {
	t.Helper()
	go c.start()
	ch := make(chan Artifact)
	c.RegisterCrashChan(&telemetry.DummyTracer{}, ch)
	for _, a := range artifacts {
		ch <- a
	}
	close(ch)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Close(ctx))
}

func TestCrashStoredRecordedAndPublished(t *testing.T) {
	src := t.TempDir()
	store := t.TempDir()
	path := writeFile(t, src, "crash-1", "boom")
	sum := md5.Sum([]byte("boom"))
	hash := hex.EncodeToString(sum[:])

	pub := &mockPublisher{}
	pub.On("Publish", QueueName, mock.Anything).Return(nil).Once()
	rec := &recorder{}

	c, err := newCrashManager(zaptest.NewLogger(t), store, rec.record, pub)
	require.NoError(t, err)

	runManager(t, c, Artifact{
		Path:     path,
		WorkerID: 2,
		RunID:    "run-1",
		Attempt:  1,
		Language: "c",
		Engine:   "xlibfuzzer",
	})

	stored := filepath.Join(store, "c", "xlibfuzzer", hash)
	data, err := os.ReadFile(stored)
	require.NoError(t, err)
	assert.Equal(t, "boom", string(data))

	require.Len(t, rec.crashes, 1)
	assert.Equal(t, "run-1", rec.crashes[0].RunID)
	assert.Equal(t, 2, rec.crashes[0].WorkerID)
	assert.Equal(t, stored, rec.crashes[0].POC)
	assert.Equal(t, path, rec.crashes[0].Source)
	assert.Equal(t, hash, rec.crashes[0].MD5)
	assert.EqualValues(t, 4, rec.crashes[0].Size)

	pub.AssertExpectations(t)
	var n Notification
	require.NoError(t, json.Unmarshal(pub.Calls[0].Arguments.Get(1).([]byte), &n))
	assert.Equal(t, "run-1", n.RunID)
	assert.Equal(t, stored, n.POC)
	assert.Equal(t, hash, n.MD5)
}

func TestDuplicateCrashStoredOnce(t *testing.T) {
	src := t.TempDir()
	first := writeFile(t, src, "crash-a", "same")
	second := writeFile(t, src, "crash-b", "same")
	rec := &recorder{}

	c, err := newCrashManager(zaptest.NewLogger(t), t.TempDir(), rec.record, nil)
	require.NoError(t, err)

	runManager(t, c,
		Artifact{Path: first, RunID: "r", Language: "c", Engine: "aflpp"},
		Artifact{Path: second, RunID: "r", Language: "c", Engine: "aflpp"},
	)
	assert.Len(t, rec.crashes, 1)
}

func TestMissingCrashFileIsSkipped(t *testing.T) {
	rec := &recorder{}
	c, err := newCrashManager(zaptest.NewLogger(t), t.TempDir(), rec.record, nil)
	require.NoError(t, err)

	runManager(t, c, Artifact{Path: filepath.Join(t.TempDir(), "gone"), Language: "c", Engine: "xlibfuzzer"})
	assert.Empty(t, rec.crashes)
}

func TestEmptyCrashFileIsAccepted(t *testing.T) {
	path := writeFile(t, t.TempDir(), "crash-empty", "")
	data, err := readArtifact(path)
	require.NoError(t, err)
	assert.Empty(t, data)
}
