// Package lifecycle tracks the run state of the pipeline's background workers so
// the owner can sequence teardown instead of polling ad hoc shutdown flags.
package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// State is the coarse lifecycle of a worker goroutine.
type State int32

const (
	Idle State = iota
	Running
	ShuttingDown
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting-down"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrShutdownTimeout is returned when a worker did not exit before the caller's deadline.
var ErrShutdownTimeout = errors.New("worker did not stop before deadline")

// ErrAlreadyStarted is returned by Start on a tracker that left Idle.
var ErrAlreadyStarted = errors.New("worker already started")

// Tracker holds a worker's State and a channel closed when its loop exits.
type Tracker struct {
	state    atomic.Int32
	done     chan struct{}
	doneOnce sync.Once
}

// NewTracker returns a tracker in the Idle state.
func NewTracker() *Tracker {
	return &Tracker{done: make(chan struct{})}
}

// State returns the current state.
func (t *Tracker) State() State { return State(t.state.Load()) }

// Start moves Idle to Running.
func (t *Tracker) Start() error {
	if !t.state.CompareAndSwap(int32(Idle), int32(Running)) {
		return ErrAlreadyStarted
	}
	return nil
}

// BeginShutdown moves Running to ShuttingDown. It reports false if the worker
// was never started or is already on its way out.
func (t *Tracker) BeginShutdown() bool {
	if t.state.CompareAndSwap(int32(Running), int32(ShuttingDown)) {
		return true
	}
	// never started: nothing will call Finish, so do it here
	if t.state.CompareAndSwap(int32(Idle), int32(Stopped)) {
		t.doneOnce.Do(func() { close(t.done) })
	}
	return false
}

// ShuttingDown reports whether shutdown has been requested or completed.
func (t *Tracker) ShuttingDown() bool {
	return t.State() >= ShuttingDown
}

// Finish marks the loop as exited. Called once by the worker goroutine.
func (t *Tracker) Finish() {
	t.state.Store(int32(Stopped))
	t.doneOnce.Do(func() { close(t.done) })
}

// Done is closed once the worker loop has exited.
func (t *Tracker) Done() <-chan struct{} { return t.done }

// Wait blocks until the loop exits or ctx is done.
func (t *Tracker) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ErrShutdownTimeout
	}
}
