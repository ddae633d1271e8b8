package watchdog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// FilterFunc decides whether a created file is reported. Returning false drops it.
type FilterFunc func(string) bool

type WatchDogFactory struct {
	logger *zap.Logger
}

func NewWatchDogFactory(logger *zap.Logger) *WatchDogFactory {
	return &WatchDogFactory{logger: logger.Named("watchdog")}
}

// WatchDog reports files created under a set of artifact directories.
// Directories created inside a watched directory are watched as well, so an
// engine that lays out its output tree after startup is still covered.
type WatchDog struct {
	ctx    context.Context
	out    chan<- string
	filter FilterFunc
	logger *zap.Logger

	fsw     *fsnotify.Watcher
	mu      sync.Mutex
	dirs    map[string]struct{}
	stopped chan struct{}
}

// New starts a watchdog sending created file paths to out. The watchdog stops
// and closes out once ctx is done. A nil filter reports every file.
func (f *WatchDogFactory) New(ctx context.Context, out chan<- string, filter FilterFunc) (*WatchDog, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	wd := &WatchDog{
		ctx:     ctx,
		out:     out,
		filter:  filter,
		logger:  f.logger,
		fsw:     fsw,
		dirs:    make(map[string]struct{}),
		stopped: make(chan struct{}),
	}
	go wd.loop()
	return wd, nil
}

// AddDir watches dir, creating it when missing. Files already present are
// not reported.
func (w *WatchDog) AddDir(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", abs, err)
	}
	return w.watch(abs)
}

func (w *WatchDog) watch(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.dirs[dir]; ok {
		return nil
	}
	if err := w.fsw.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.dirs[dir] = struct{}{}
	w.logger.Debug("watching artifact directory", zap.String("dir", dir))
	return nil
}

// Stopped is closed once the watcher released its resources.
func (w *WatchDog) Stopped() <-chan struct{} {
	return w.stopped
}

func (w *WatchDog) loop() {
	defer close(w.stopped)
	defer w.fsw.Close()
	defer close(w.out)

	for {
		select {
		case <-w.ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) {
				w.created(ev.Name)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("fsnotify error", zap.Error(err))
		}
	}
}

func (w *WatchDog) created(path string) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		if err := w.watch(path); err != nil {
			w.logger.Warn("failed to follow new directory", zap.String("dir", path), zap.Error(err))
		}
		return
	}
	if w.filter != nil && !w.filter(path) {
		return
	}
	select {
	case w.out <- path:
	case <-w.ctx.Done():
	}
}
