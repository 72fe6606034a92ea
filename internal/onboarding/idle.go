package onboarding

import (
	"sync"
	"time"
)

// IdleWatcher calls onIdle once after timeout without activity.
// Touch and Update re-arm the timer.
type IdleWatcher struct {
	mu      sync.Mutex
	enabled bool
	timeout time.Duration
	onIdle  func()
	timer   *time.Timer
	running bool
	gen     uint64
}

func NewIdleWatcher(timeout time.Duration, onIdle func()) *IdleWatcher {
	return &IdleWatcher{
		enabled: true,
		timeout: timeout,
		onIdle:  onIdle,
	}
}

// Start arms the watcher.
func (w *IdleWatcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.running = true
	w.arm()
}

// Stop disarms the watcher. A pending callback will not run.
func (w *IdleWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.running = false
	w.disarm()
}

// Touch records activity and restarts the countdown.
func (w *IdleWatcher) Touch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		w.arm()
	}
}

// Update replaces the settings and re-arms the timer.
func (w *IdleWatcher) Update(enabled bool, timeout time.Duration, onIdle func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.enabled = enabled
	w.timeout = timeout
	w.onIdle = onIdle
	if w.running {
		w.arm()
	}
}

// arm must be called with mu held.
func (w *IdleWatcher) arm() {
	w.disarm()
	if !w.enabled || w.timeout <= 0 || w.onIdle == nil {
		return
	}
	gen := w.gen
	cb := w.onIdle
	w.timer = time.AfterFunc(w.timeout, func() {
		w.mu.Lock()
		fire := w.running && w.gen == gen
		if fire {
			w.timer = nil
		}
		w.mu.Unlock()
		if fire {
			cb()
		}
	})
}

func (w *IdleWatcher) disarm() {
	w.gen++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
