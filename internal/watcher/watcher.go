package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	tzerrors "github.com/Aman-CERP/tamizdat/internal/errors"
)

const (
	// DefaultDebounce is the quiet period before an import starts.
	DefaultDebounce = 2 * time.Second
	// DefaultPollInterval is used by the polling fallback.
	DefaultPollInterval = 5 * time.Second
)

// Handler is called with the catalog path after each settled change.
type Handler func(ctx context.Context, path string) error

// Option configures a CatalogWatcher.
type Option func(*CatalogWatcher)

// WithDebounce sets the quiet period.
func WithDebounce(d time.Duration) Option {
	return func(w *CatalogWatcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithPollInterval sets the polling interval of the fallback.
func WithPollInterval(d time.Duration) Option {
	return func(w *CatalogWatcher) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithPolling skips fsnotify and polls from the start.
func WithPolling(force bool) Option {
	return func(w *CatalogWatcher) { w.forcePolling = force }
}

// CatalogWatcher watches one catalog file.
type CatalogWatcher struct {
	path         string
	debounce     time.Duration
	pollInterval time.Duration
	forcePolling bool
	logger       *slog.Logger
}

// New creates a watcher for the catalog at path.
func New(path string, opts ...Option) (*CatalogWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve catalog path: %w", err)
	}
	w := &CatalogWatcher{
		path:         abs,
		debounce:     DefaultDebounce,
		pollInterval: DefaultPollInterval,
		logger:       slog.Default().With(slog.String("catalog", abs)),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Path returns the absolute catalog path.
func (w *CatalogWatcher) Path() string {
	return w.path
}

// Run watches until ctx is done, calling handle once per settled change.
// Handler errors are logged and watching continues. Run returns nil when ctx
// is cancelled and an error only when no change source can be started.
func (w *CatalogWatcher) Run(ctx context.Context, handle Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	changes, errs, err := w.startSource(ctx)
	if err != nil {
		return err
	}

	d := NewDebouncer(w.debounce)
	defer d.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
			d.Trigger()
		case err := <-errs:
			w.logger.Warn("catalog_watch_error", slog.String("error", err.Error()))
		case <-d.C():
			w.fire(ctx, handle)
		}
	}
}

func (w *CatalogWatcher) fire(ctx context.Context, handle Handler) {
	if _, err := os.Stat(w.path); err != nil {
		w.logger.Info("catalog_change_skipped", slog.String("reason", "catalog missing"))
		return
	}
	w.logger.Info("catalog_changed")
	start := time.Now()
	if err := handle(ctx, w.path); err != nil {
		if ctx.Err() != nil {
			return
		}
		// A busy data directory clears on its own; the next change retries.
		level := slog.LevelError
		if tzerrors.IsRetryable(err) {
			level = slog.LevelWarn
		}
		attrs := append(tzerrors.LogAttrs(err), slog.Duration("duration", time.Since(start)))
		w.logger.LogAttrs(ctx, level, "catalog_reimport_failed", attrs...)
		return
	}
	w.logger.Info("catalog_reimported", slog.Duration("duration", time.Since(start)))
}

func (w *CatalogWatcher) startSource(ctx context.Context) (<-chan struct{}, <-chan error, error) {
	if !w.forcePolling {
		changes, errs, err := w.watchNotify(ctx)
		if err == nil {
			return changes, errs, nil
		}
		w.logger.Warn("fsnotify_unavailable_polling",
			slog.String("error", err.Error()),
			slog.Duration("interval", w.pollInterval))
	}
	changes, errs := w.watchPoll(ctx)
	return changes, errs, nil
}

// watchNotify watches the catalog's directory and reports events for the
// catalog's name.
func (w *CatalogWatcher) watchNotify(ctx context.Context) (<-chan struct{}, <-chan error, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return nil, nil, fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	changes := make(chan struct{}, 1)
	errs := make(chan error, 1)
	go func() {
		defer func() { _ = fw.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != w.path || ev.Op == fsnotify.Chmod {
					continue
				}
				notify(changes)
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				if errors.Is(err, fsnotify.ErrEventOverflow) {
					notify(changes)
				}
				select {
				case errs <- err:
				default:
				}
			}
		}
	}()
	return changes, errs, nil
}

// watchPoll compares the catalog's size and modification time every
// pollInterval.
func (w *CatalogWatcher) watchPoll(ctx context.Context) (<-chan struct{}, <-chan error) {
	changes := make(chan struct{}, 1)
	errs := make(chan error, 1)
	last := snapshot(w.path)

	go func() {
		ticker := time.NewTicker(w.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if cur := snapshot(w.path); cur != last {
					last = cur
					notify(changes)
				}
			}
		}
	}()
	return changes, errs
}

type fileState struct {
	exists  bool
	size    int64
	modTime time.Time
}

func snapshot(path string) fileState {
	info, err := os.Stat(path)
	if err != nil {
		return fileState{}
	}
	return fileState{exists: true, size: info.Size(), modTime: info.ModTime()}
}

// notify does a non-blocking send; one pending signal is enough.
func notify(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
