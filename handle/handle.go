// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package handle implements the task group (§4.4): a reference-shared
// coordinator that tracks outstanding asynchronous tasks, including
// those transitively spawned on remote peers under the same handle, and
// lets a caller block until they have all quiesced.
//
// The join primitive is grounded the same way
// github.com/grailbio/bigslice/exec's worker.CommitCombiner waits on a
// shared combiner state: a mutex-protected condition variable
// (github.com/grailbio/base/sync/ctxsync.Cond) that wakes waiters on
// every state change instead of a bespoke channel-of-channels scheme.
package handle

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/sync/ctxsync"
)

// State is one of the four states a Handle moves through (§3).
type State int

const (
	Empty State = iota
	Armed
	Waiting
	Completed
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Armed:
		return "armed"
	case Waiting:
		return "waiting"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

var nextID uint64

// Handle is a task group: a shared coordinator for outstanding
// asynchronous work, including work recursively enqueued on remote
// localities under the same handle (§4.4's registration protocol).
//
// The zero value is a ready-to-use Empty handle.
type Handle struct {
	mu    sync.Mutex
	cond  *ctxsync.Cond
	state State

	// outstanding counts registered sub-tasks not yet unregistered,
	// whether they run locally or were shipped to a remote peer under
	// this handle's correlation id.
	outstanding int64

	errs []error

	// id is the wire correlation id used to associate a remote
	// "task completed" notification (§6's handle-correlation field)
	// with this handle. It is assigned lazily, on first remote use.
	id uint64
}

func (h *Handle) initLocked() {
	if h.cond == nil {
		h.cond = ctxsync.NewCond(&h.mu)
	}
}

// State returns the handle's current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// ID returns the handle's wire correlation id, assigning one on first
// call. It is stable for the lifetime of the handle; Reset keeps it.
func (h *Handle) ID() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.id == 0 {
		h.id = atomic.AddUint64(&nextID, 1)
	}
	return h.id
}

// Register counts one sub-task — local or remote — against the handle
// (§4.4's registration protocol). It arms the handle if this is its
// first use since construction or the last Reset.
func (h *Handle) Register() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.initLocked()
	if h.state == Completed {
		panic("handle: Register called on a Completed handle; call Reset first")
	}
	if h.state == Empty {
		h.state = Armed
	}
	h.outstanding++
}

// Done unregisters one previously Register'd sub-task, recording err
// (if non-nil) into the handle's error accumulator (§7's async
// propagation policy: errors accumulate, join always makes progress).
func (h *Handle) Done(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.initLocked()
	if h.outstanding == 0 {
		panic("handle: outstanding counter underflow")
	}
	h.outstanding--
	if err != nil {
		h.errs = append(h.errs, err)
	}
	if h.outstanding == 0 {
		h.cond.Broadcast()
	}
}

// ctxKey marks the handle(s) a currently-running task is registered
// under, so that a reentrant WaitForCompletion call on the same handle
// can be detected as the caller error §4.4 and §7 specify.
type ctxKey struct{}

// WithCurrent returns a context recording that code running under ctx
// is itself a task registered under h. Dispatchers call this when
// invoking a task body so that a nested WaitForCompletion(ctx, h) on the
// same h can be rejected.
func WithCurrent(ctx context.Context, h *Handle) context.Context {
	set, _ := ctx.Value(ctxKey{}).(map[*Handle]bool)
	next := make(map[*Handle]bool, len(set)+1)
	for k := range set {
		next[k] = true
	}
	next[h] = true
	return context.WithValue(ctx, ctxKey{}, next)
}

func isCurrent(ctx context.Context, h *Handle) bool {
	set, _ := ctx.Value(ctxKey{}).(map[*Handle]bool)
	return set[h]
}

// Wait blocks until every task registered under h has completed,
// transitioning h to Completed, and returns the aggregated error, if
// any (§7). Calling Wait from a task running under h itself is a fatal
// caller error.
func (h *Handle) Wait(ctx context.Context) error {
	if isCurrent(ctx, h) {
		panic("handle: WaitForCompletion called on a handle from a task registered under that same handle")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.initLocked()
	if h.state == Empty {
		h.state = Completed
		return nil
	}
	h.state = Waiting
	for h.outstanding > 0 {
		if err := h.cond.Wait(ctx); err != nil {
			return err
		}
	}
	h.state = Completed
	return h.aggregateLocked()
}

func (h *Handle) aggregateLocked() error {
	switch len(h.errs) {
	case 0:
		return nil
	case 1:
		return h.errs[0]
	default:
		msgs := make([]error, len(h.errs))
		copy(msgs, h.errs)
		return &MultiError{Errs: msgs}
	}
}

// Reset returns a Completed handle to Empty so it may be reused. It is
// a no-op on an Empty handle and a caller error on an Armed or Waiting
// one.
func (h *Handle) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != Completed && h.state != Empty {
		panic("handle: Reset called on a handle that has not completed")
	}
	h.state = Empty
	h.outstanding = 0
	h.errs = nil
}

// Equal reports whether h and other refer to the same underlying
// coordinator (§3: "Handles compare equal iff they refer to the same
// underlying coordinator").
func (h *Handle) Equal(other *Handle) bool { return h == other }

// MultiError aggregates independent task errors accumulated under one
// handle (§7: "an aggregate (first error or combined list)").
type MultiError struct {
	Errs []error
}

func (m *MultiError) Error() string {
	if len(m.Errs) == 1 {
		return m.Errs[0].Error()
	}
	return fmt.Sprintf("%d task errors, first: %v", len(m.Errs), m.Errs[0])
}

func (m *MultiError) Unwrap() []error { return m.Errs }
