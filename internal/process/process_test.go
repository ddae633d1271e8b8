package process

import (
	"errors"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, h *Handle, lines <-chan Line) []Line {
	t.Helper()
	var got []Line
	timeout := time.After(10 * time.Second)
	for {
		select {
		case l := <-lines:
			got = append(got, l)
		case <-h.Done():
			return append(got, h.Remaining()...)
		case <-timeout:
			t.Fatal("process did not finish")
		}
	}
}

func TestStartCapturesLines(t *testing.T) {
	lines := make(chan Line)
	h, err := Start(&Spec{
		Path: "/bin/sh",
		Args: []string{"-c", "echo one; echo two; echo err 1>&2; printf tail"},
	}, lines)
	require.NoError(t, err)
	defer h.Release()

	got := collect(t, h, lines)
	var stdout, stderr []string
	for _, l := range got {
		if l.Stream == Stdout {
			stdout = append(stdout, l.Text)
		} else {
			stderr = append(stderr, l.Text)
		}
	}
	assert.Equal(t, []string{"one", "two", "tail"}, stdout)
	assert.Equal(t, []string{"err"}, stderr)
	assert.True(t, h.Status().Success())
}

func TestExitCode(t *testing.T) {
	lines := make(chan Line)
	h, err := Start(&Spec{Path: "/bin/sh", Args: []string{"-c", "exit 77"}}, lines)
	require.NoError(t, err)
	defer h.Release()

	collect(t, h, lines)
	status := h.Status()
	assert.Equal(t, 77, status.Code)
	assert.False(t, status.Signaled)
	assert.False(t, status.Success())
}

func TestEnvIsPassed(t *testing.T) {
	lines := make(chan Line)
	h, err := Start(&Spec{
		Path: "/bin/sh",
		Args: []string{"-c", "echo $XFL_TEST_VALUE"},
		Env:  []string{"XFL_TEST_VALUE=hello"},
	}, lines)
	require.NoError(t, err)
	defer h.Release()

	got := collect(t, h, lines)
	require.Len(t, got, 1)
	assert.Equal(t, "hello", got[0].Text)
}

func TestTerminateProcessGroup(t *testing.T) {
	lines := make(chan Line)
	h, err := Start(&Spec{Path: "/bin/sh", Args: []string{"-c", "sleep 30; echo never"}}, lines)
	require.NoError(t, err)
	defer h.Release()

	pid := h.Pid()
	require.NoError(t, h.Terminate())

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("child survived SIGTERM")
	}
	status := h.Status()
	assert.True(t, status.Signaled)
	assert.Equal(t, syscall.SIGTERM, status.Signal)
	assert.Equal(t, 128+int(syscall.SIGTERM), status.Code)

	err = syscall.Kill(pid, 0)
	assert.True(t, errors.Is(err, syscall.ESRCH), "process %d still exists", pid)
}

func TestReleaseKillsRunningChild(t *testing.T) {
	lines := make(chan Line)
	h, err := Start(&Spec{Path: "sleep", Args: []string{"30"}}, lines)
	require.NoError(t, err)

	pid := h.Pid()
	h.Release()
	h.Release()

	assert.True(t, errors.Is(syscall.Kill(pid, 0), syscall.ESRCH))
	assert.True(t, h.Status().Signaled)
}

func TestStartMissingBinary(t *testing.T) {
	_, err := Start(&Spec{Path: "/nonexistent/xfl-fuzzer"}, make(chan Line))
	assert.Error(t, err)

	_, err = Start(&Spec{}, make(chan Line))
	assert.Error(t, err)
}

func TestLineWriterBoundsUnterminatedOutput(t *testing.T) {
	lines := make(chan Line, 4)
	w := newLineWriter(Stdout, lines, nil, nil)

	raw := strings.Repeat("A", maxLineLength+10)
	n, err := w.Write([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, len(raw), n)

	require.Len(t, lines, 1)
	first := <-lines
	assert.Len(t, first.Text, maxLineLength)
	assert.Equal(t, Stdout, first.Stream)

	_, err = w.Write([]byte("BB\nrest"))
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, strings.Repeat("A", 10)+"BB", (<-lines).Text)
	assert.Equal(t, "rest", w.tail())
}
