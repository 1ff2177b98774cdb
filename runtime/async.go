// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package runtime

import (
	"context"

	"github.com/grailbio/base/backgroundcontext"

	"github.com/STEllAR-GROUP/SHAD/handle"
	"github.com/STEllAR-GROUP/SHAD/locality"
)

// currentOrigins returns the calling process's own registry of handles
// that may receive remote completion notifications.
func currentOrigins() *originRegistry {
	stateMu.RLock()
	defer stateMu.RUnlock()
	switch {
	case selfWorker != nil:
		return selfWorker.origins
	case drv != nil:
		return drv.origins
	default:
		return nil
	}
}

// asyncDispatch registers one task against h and runs fn in a fresh
// goroutine, calling h.Done with its result. Because h already lives
// in the calling process's memory, no wire correlation id is needed:
// this is the common case §4.3 calls "returns as soon as the task has
// been queued." The goroutine runs under backgroundcontext.Get()
// rather than a bare context.Background(), the same detached-goroutine
// context bigmachine.go's own machine managers use (e.g.
// "go b.managers[i].Do(backgroundcontext.Get())"), since it must
// outlive whatever request context the caller dispatched under.
func asyncDispatch(h *handle.Handle, fn func(context.Context) error) error {
	h.Register()
	addOutstanding(1)
	go func() {
		defer addOutstanding(-1)
		h.Done(fn(handle.WithCurrent(backgroundcontext.Get(), h)))
	}()
	return nil
}

// addOutstanding adjusts shad_handles_outstanding for whichever
// metrics.Runtime the calling process owns, if any.
func addOutstanding(delta float64) {
	if met := currentMetrics(); met != nil {
		met.HandlesOutstanding.Add(delta)
	}
}

// AsyncExecuteAt registers a task under h and runs it asynchronously;
// join with WaitForCompletion(h) (§4.3/§4.4).
func AsyncExecuteAt(h *handle.Handle, loc locality.Locality, action string, arg any) error {
	return asyncDispatch(h, func(ctx context.Context) error {
		return ExecuteAt(ctx, loc, action, arg)
	})
}

// AsyncExecuteOnAll registers the whole executeOnAll call as one task
// under h; the task's own error is the fan-out's error.
func AsyncExecuteOnAll(h *handle.Handle, action string, arg any) error {
	return asyncDispatch(h, func(ctx context.Context) error {
		return ExecuteOnAll(ctx, action, arg)
	})
}

// AsyncForEachAt registers loc's whole forEach call as one task under
// h; the task's own error is the forEach call's aggregate (§7).
func AsyncForEachAt(h *handle.Handle, loc locality.Locality, action string, arg any, n int) error {
	return asyncDispatch(h, func(ctx context.Context) error {
		return ForEachAt(ctx, loc, action, arg, n)
	})
}

// AsyncForEachOnAll registers the whole forEachOnAll call as one task
// under h.
func AsyncForEachOnAll(h *handle.Handle, action string, arg any, total int) error {
	return asyncDispatch(h, func(ctx context.Context) error {
		return ForEachOnAll(ctx, action, arg, total)
	})
}

// WaitForCompletion blocks until every task registered under h,
// including those registered by remote continuations via
// AsyncExecuteAtRef, has completed (§4.4).
func WaitForCompletion(ctx context.Context, h *handle.Handle) error {
	return h.Wait(ctx)
}

// ObtainHandleRef registers h with this process's callback listener
// and returns a wire-safe reference to it. Embed the result in an
// action's typed argument to let that action's body keep spawning
// work under h via AsyncExecuteAtRef — the concrete realization of
// §4.4's "a handle may be passed from within a running task to spawn
// nested work" across process boundaries.
func ObtainHandleRef(h *handle.Handle) HandleRef {
	return currentOrigins().ref(h)
}

// AsyncExecuteAtRef is AsyncExecuteAt for a handle this process only
// knows about by reference (because it was received as part of an
// action's argument from another locality): it registers against
// ref's owning process before running, and acknowledges completion
// back to it afterward, exactly as §9's design note prescribes
// ("propagate a correlation id in the frame ... acknowledge remote
// completion explicitly back to the originating locality").
func AsyncExecuteAtRef(ref HandleRef, loc locality.Locality, action string, arg any) error {
	// backgroundcontext.Get() backs both the synchronous registration
	// call below and the goroutine's own work: this function may be
	// called from inside an action body whose own ctx will be canceled
	// the moment that action returns, well before the nested remote
	// continuation it just kicked off has acknowledged completion.
	ctx := backgroundcontext.Get()
	if err := registerRemote(ctx, ref); err != nil {
		return err
	}
	addOutstanding(1)
	go func() {
		defer addOutstanding(-1)
		err := ExecuteAt(ctx, loc, action, arg)
		completeRemote(ctx, ref, action, err)
	}()
	return nil
}

func registerRemote(ctx context.Context, ref HandleRef) error {
	if o := currentOrigins(); o != nil {
		if h, ok := o.get(ref.ID); ok && ref.Addr == selfCallbackAddr() {
			h.Register()
			return nil
		}
	}
	return dialCallback(ctx, ref.Addr, "Callback.HandleRegister", HandleIDRequest{ID: ref.ID})
}

func completeRemote(ctx context.Context, ref HandleRef, action string, err error) {
	if o := currentOrigins(); o != nil {
		if h, ok := o.get(ref.ID); ok && ref.Addr == selfCallbackAddr() {
			h.Done(err)
			return
		}
	}
	req := HandleDoneRequest{ID: ref.ID, Action: action}
	if err != nil {
		req.ErrKind, req.ErrMsg = int(kindOf(err)), err.Error()
	}
	// Best effort: once dialCallback gives up, its error is discarded;
	// there is no further recipient to report to.
	_ = dialCallback(ctx, ref.Addr, "Callback.HandleDone", req)
}

func selfCallbackAddr() string {
	o := currentOrigins()
	if o == nil {
		return ""
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.addr
}
