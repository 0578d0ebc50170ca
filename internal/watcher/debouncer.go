package watcher

import (
	"sync"
	"time"
)

// Debouncer turns a burst of triggers into one signal, sent once no trigger
// has arrived for the window.
type Debouncer struct {
	window time.Duration
	out    chan struct{}

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewDebouncer creates a debouncer with the given quiet window.
func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{
		window: window,
		out:    make(chan struct{}, 1),
	}
}

// Trigger restarts the quiet window.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.fire)
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	notify(d.out)
}

// C delivers one value per settled burst. Signals that arrive while the
// previous one is unread are merged.
func (d *Debouncer) C() <-chan struct{} {
	return d.out
}

// Stop cancels any pending signal. It is safe to call more than once.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
}
