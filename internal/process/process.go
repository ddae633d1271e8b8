// Package process starts fuzzer child processes and exposes their output line by line.
package process

import (
	"bytes"
	"errors"
	"io"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultPipeDrain bounds how long Wait keeps reading pipes that outlive the child,
// e.g. when a grandchild inherited stdout.
const DefaultPipeDrain = 2 * time.Second

type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Line is one line of child output without its trailing newline.
type Line struct {
	Stream Stream
	Text   string
}

// Spec is a concrete invocation: what to execute, with which arguments and environment.
type Spec struct {
	Path         string
	Args         []string  // arguments after Path
	Env          []string  // KEY=VALUE pairs added to the inherited environment
	Dir          string    // working directory, current directory if empty
	ArtifactDirs []string  // directories the engine writes crash reproducers to
	StatsFile    string    // engine statistics file, if the engine keeps one
	Echo         io.Writer // optional copy of the raw child output
	PipeDrain    time.Duration
	Instance     int // 1-based worker slot running this spec
}

// Clone returns a copy that can be modified without touching s.
func (s *Spec) Clone() *Spec {
	c := *s
	c.Args = slices.Clone(s.Args)
	c.Env = slices.Clone(s.Env)
	c.ArtifactDirs = slices.Clone(s.ArtifactDirs)
	return &c
}

// CommandLine renders the invocation for logs.
func (s *Spec) CommandLine() string {
	return strings.Join(append([]string{s.Path}, s.Args...), " ")
}

// ExitStatus describes how a child terminated.
type ExitStatus struct {
	Code     int
	Signaled bool
	Signal   syscall.Signal
	Err      error
}

func (e ExitStatus) Success() bool {
	return e.Code == 0 && !e.Signaled && e.Err == nil
}

// Handle owns one started child process. The owner must call Release exactly
// once; Release is safe to call more than once.
type Handle struct {
	cmd    *exec.Cmd
	stdout *lineWriter
	stderr *lineWriter

	done    chan struct{}
	status  ExitStatus
	abort   chan struct{}
	release sync.Once
}

// Start launches the child described by spec. Complete output lines are
// delivered on lines in the order the child wrote them per stream; delivery
// blocks until the line is received or the handle is released.
func Start(spec *Spec, lines chan<- Line) (*Handle, error) {
	if spec == nil || spec.Path == "" {
		return nil, errors.New("empty process spec")
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pgid: 0}
	cmd.WaitDelay = spec.PipeDrain
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultPipeDrain
	}

	h := &Handle{
		cmd:   cmd,
		done:  make(chan struct{}),
		abort: make(chan struct{}),
	}
	h.stdout = newLineWriter(Stdout, lines, h.abort, spec.Echo)
	h.stderr = newLineWriter(Stderr, lines, h.abort, spec.Echo)
	cmd.Stdout = h.stdout
	cmd.Stderr = h.stderr

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	go func() {
		err := cmd.Wait()
		h.status = exitStatusOf(cmd.ProcessState, err)
		close(h.done)
	}()

	return h, nil
}

func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// Done is closed once the child has been reaped and its output pipes drained.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Status is valid after Done is closed.
func (h *Handle) Status() ExitStatus {
	<-h.done
	return h.status
}

// Remaining returns the unterminated tail of both streams. Only valid after Done.
func (h *Handle) Remaining() []Line {
	<-h.done
	var rest []Line
	for _, w := range []*lineWriter{h.stdout, h.stderr} {
		if tail := w.tail(); tail != "" {
			rest = append(rest, Line{w.stream, tail})
		}
	}
	return rest
}

// Signal delivers sig to the child's process group, falling back to the child alone.
func (h *Handle) Signal(sig syscall.Signal) error {
	select {
	case <-h.done:
		return nil
	default:
	}
	pid := h.cmd.Process.Pid
	if err := unix.Kill(-pid, sig); err == nil {
		return nil
	}
	return h.cmd.Process.Signal(sig)
}

func (h *Handle) Terminate() error { return h.Signal(syscall.SIGTERM) }

func (h *Handle) Kill() error { return h.Signal(syscall.SIGKILL) }

// Release stops line delivery and makes sure the child is gone.
func (h *Handle) Release() {
	h.release.Do(func() {
		close(h.abort)
		select {
		case <-h.done:
		default:
			_ = h.Kill()
			<-h.done
		}
	})
}

func exitStatusOf(state *os.ProcessState, err error) ExitStatus {
	if state == nil {
		return ExitStatus{Code: -1, Err: err}
	}
	status := ExitStatus{Code: state.ExitCode()}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		status.Signaled = true
		status.Signal = ws.Signal()
		status.Code = 128 + int(ws.Signal())
	}
	return status
}

// maxLineLength bounds a buffered line. Longer output without a newline is
// forwarded in chunks of this size.
const maxLineLength = 64 << 10

// lineWriter splits a byte stream into lines and forwards them on a channel.
type lineWriter struct {
	stream Stream
	lines  chan<- Line
	abort  <-chan struct{}
	echo   io.Writer

	mu  sync.Mutex
	buf []byte
}

func newLineWriter(stream Stream, lines chan<- Line, abort <-chan struct{}, echo io.Writer) *lineWriter {
	return &lineWriter{stream: stream, lines: lines, abort: abort, echo: echo}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	if w.echo != nil {
		_, _ = w.echo.Write(p)
	}

	w.mu.Lock()
	w.buf = append(w.buf, p...)
	var complete []string
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		complete = append(complete, strings.TrimRight(string(w.buf[:idx]), "\r"))
		w.buf = w.buf[idx+1:]
	}
	for len(w.buf) >= maxLineLength {
		complete = append(complete, string(w.buf[:maxLineLength]))
		w.buf = w.buf[maxLineLength:]
	}
	w.buf = slices.Clip(w.buf)
	w.mu.Unlock()

	for _, text := range complete {
		select {
		case w.lines <- Line{w.stream, text}:
		case <-w.abort:
			// nobody listens anymore, keep draining the pipe
		}
	}
	return len(p), nil
}

func (w *lineWriter) tail() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	rest := strings.TrimRight(string(w.buf), "\r")
	w.buf = nil
	return rest
}
