package orchestrator

import (
	"sync"
	"time"
)

// watchdog fires onStall once if Reset is not called within the timeout.
// The Extractor resets it on every committed batch, implementing the
// per-batch inactivity timeout for stalled VCS reads.
type watchdog struct {
	mu      sync.Mutex
	timer   *time.Timer
	timeout time.Duration
	stopped bool
}

func newWatchdog(timeout time.Duration, onStall func()) *watchdog {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	w := &watchdog{timeout: timeout}
	w.timer = time.AfterFunc(timeout, onStall)

	return w
}

// Reset restarts the inactivity window.
func (w *watchdog) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}

	w.timer.Reset(w.timeout)
}

// Stop disarms the watchdog permanently.
func (w *watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopped = true
	w.timer.Stop()
}
