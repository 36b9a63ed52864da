package vitalink

import (
	"sync"
	"time"
)

// debouncer coalesces rapid repeated triggers into one delayed execution.
// Each Trigger cancels the previous timer and reschedules; Stop cancels
// whatever is pending. The fired function runs on a timer goroutine, so
// callees must take their own locks.
type debouncer struct {
	mu    sync.Mutex
	delay time.Duration
	timer *time.Timer
}

func newDebouncer(delay time.Duration) *debouncer {
	return &debouncer{delay: delay}
}

// Trigger schedules fn after the quiet period, replacing any pending run.
func (d *debouncer) Trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, fn)
}

// Stop cancels the pending run, if any.
func (d *debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
