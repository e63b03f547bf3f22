// Package timeutil provides timers whose callbacks are delivered through a dispatcher.
package timeutil

import (
	"log/slog"
	"sync"
	"time"
)

// TimerState represents the current state of a [Timer].
type TimerState string

const (
	// TimerStateRunning indicates the timer is currently running.
	TimerStateRunning TimerState = "running"
	// TimerStateStopped indicates the timer was stopped before expiration.
	TimerStateStopped TimerState = "stopped"
	// TimerStateExpired indicates the timer has expired.
	TimerStateExpired TimerState = "expired"
)

// Dispatcher schedules a function for execution, typically on a single event loop goroutine.
type Dispatcher func(fn func())

// Timer is a one-shot timer which delivers its callback through a [Dispatcher].
//
// Stopping or resetting the timer from the dispatcher goroutine guarantees that
// a firing already in flight is dropped: the callback runs only if the timer
// is still running with the same generation when the dispatched function executes.
type Timer struct {
	mu       sync.Mutex
	start    time.Time
	duration time.Duration
	state    TimerState
	gen      uint64
	real     *time.Timer
	dispatch Dispatcher
	fn       func()
}

// AfterFunc starts a new timer which calls fn through dispatch after the duration elapses.
// A nil dispatch runs fn on the timer goroutine.
func AfterFunc(d time.Duration, dispatch Dispatcher, fn func()) *Timer {
	t := &Timer{dispatch: dispatch, fn: fn}
	t.mu.Lock()
	t.startLocked(d)
	t.mu.Unlock()
	return t
}

func (t *Timer) startLocked(d time.Duration) {
	if d < 0 {
		d = 0
	}
	t.gen++
	gen := t.gen
	t.start = time.Now()
	t.duration = d
	t.state = TimerStateRunning
	t.real = time.AfterFunc(d, func() {
		if t.dispatch == nil {
			t.expire(gen)
			return
		}
		t.dispatch(func() { t.expire(gen) })
	})
}

func (t *Timer) expire(gen uint64) {
	t.mu.Lock()
	if t.gen != gen || t.state != TimerStateRunning {
		t.mu.Unlock()
		return
	}
	t.state = TimerStateExpired
	fn := t.fn
	t.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Stop stops the timer.
// It returns true if the timer was running.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != TimerStateRunning {
		return false
	}
	t.state = TimerStateStopped
	if t.real != nil {
		t.real.Stop()
	}
	return true
}

// Reset restarts the timer with a new duration.
// It returns true if the timer was running before the reset.
func (t *Timer) Reset(d time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	wasRunning := t.state == TimerStateRunning
	if t.real != nil {
		t.real.Stop()
	}
	t.startLocked(d)
	return wasRunning
}

// Duration returns the duration the timer was last started with.
func (t *Timer) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.duration
}

// Left returns the time remaining until expiration or zero if the timer is not running.
func (t *Timer) Left() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != TimerStateRunning {
		return 0
	}
	return max(t.duration-time.Since(t.start), 0)
}

// ExpiresAt returns the moment the timer expires.
func (t *Timer) ExpiresAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.start.Add(t.duration)
}

// State returns the current timer state.
func (t *Timer) State() TimerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// LogValue implements [slog.LogValuer].
func (t *Timer) LogValue() slog.Value {
	if t == nil {
		return slog.Value{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return slog.GroupValue(
		slog.String("state", string(t.state)),
		slog.Duration("duration", t.duration),
		slog.Time("expires_at", t.start.Add(t.duration)),
	)
}
