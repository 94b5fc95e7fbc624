// Package taskservice runs prioritized background requests on a fixed pool
// of worker goroutines and tracks the update-cycle stamp that requests use
// to decide whether they are still wanted.
package taskservice

import (
	"context"
	"fmt"
	"sync/atomic"
)

// State is the lifecycle state of a Request.
type State int32

// Request states. Idle is the initial state; Add moves a request to
// InProgress and a worker finishes it as Completed or Canceled. A Canceled
// request must be Reset to Idle before it can be submitted again.
const (
	StateIdle State = iota
	StateInProgress
	StateCompleted
	StateCanceled
)

// String returns a lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInProgress:
		return "in_progress"
	case StateCompleted:
		return "completed"
	case StateCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// ProgressCallback is polled by running operations. It returns true when
// the operation should stop because its result is no longer wanted.
type ProgressCallback interface {
	ReportProgress(current, total float64) bool
}

// Operation is the work performed by a Request on a worker goroutine.
// ctx is cancelled when the service shuts down.
type Operation func(ctx context.Context, progress ProgressCallback)

type callbackBox struct {
	cb ProgressCallback
}

// Request is one unit of background work. All accessors are safe to call
// from any goroutine.
type Request struct {
	op       Operation
	priority float32
	stamp    atomic.Int64
	state    atomic.Int32
	progress atomic.Pointer[callbackBox]

	// seq is the submission order, written by Service.Add under its lock.
	seq uint64
}

// NewRequest creates an idle request. Lower priority values are processed
// first.
func NewRequest(priority float32, op Operation) *Request {
	return &Request{op: op, priority: priority}
}

// Priority returns the scheduling priority.
func (r *Request) Priority() float32 {
	return r.priority
}

// Stamp returns the update cycle the request was last refreshed in.
func (r *Request) Stamp() int64 {
	return r.stamp.Load()
}

// SetStamp records the update cycle in which the request is still wanted.
func (r *Request) SetStamp(stamp int64) {
	r.stamp.Store(stamp)
}

// State returns the current lifecycle state.
func (r *Request) State() State {
	return State(r.state.Load())
}

// IsIdle reports whether the request can be submitted.
func (r *Request) IsIdle() bool { return r.State() == StateIdle }

// IsCompleted reports whether the operation ran to completion.
func (r *Request) IsCompleted() bool { return r.State() == StateCompleted }

// IsCanceled reports whether the request was cancelled.
func (r *Request) IsCanceled() bool { return r.State() == StateCanceled }

// SetProgressCallback replaces the callback polled by the operation.
func (r *Request) SetProgressCallback(cb ProgressCallback) {
	r.progress.Store(&callbackBox{cb: cb})
}

// ProgressCallback returns the callback set by SetProgressCallback, or nil.
func (r *Request) ProgressCallback() ProgressCallback {
	if box := r.progress.Load(); box != nil {
		return box.cb
	}
	return nil
}

// Cancel moves any request that has not completed to Canceled. A worker
// currently running the operation will observe the cancellation on its
// next progress poll and cannot complete the request afterwards.
func (r *Request) Cancel() {
	for {
		s := r.State()
		if s == StateCompleted || s == StateCanceled {
			return
		}
		if r.state.CompareAndSwap(int32(s), int32(StateCanceled)) {
			return
		}
	}
}

// Reset moves a Canceled request back to Idle. It reports whether the
// transition happened.
func (r *Request) Reset() bool {
	return r.state.CompareAndSwap(int32(StateCanceled), int32(StateIdle))
}

// ReportProgress polls the request's callback. An explicitly cancelled
// request always reports true.
func (r *Request) ReportProgress(current, total float64) bool {
	if r.IsCanceled() {
		return true
	}
	if cb := r.ProgressCallback(); cb != nil {
		return cb.ReportProgress(current, total)
	}
	return false
}

// finish moves an in-progress request to the given terminal state. It
// fails when a concurrent Cancel got there first.
func (r *Request) finish(to State) bool {
	return r.state.CompareAndSwap(int32(StateInProgress), int32(to))
}
