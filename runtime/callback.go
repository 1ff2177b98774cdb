// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package runtime

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/rpc"
	"sync"
	"time"

	stderrors "errors"

	"github.com/grailbio/base/retry"
	"github.com/grailbio/bigmachine"

	"github.com/STEllAR-GROUP/SHAD/handle"
	"github.com/STEllAR-GROUP/SHAD/metrics"
	"github.com/STEllAR-GROUP/SHAD/rterr"
)

// HandleRef is the wire-safe identity of a handle owned by some
// process: the reachable address of that process's callback listener
// plus the handle's local correlation id. A user action's argument
// struct may embed a HandleRef to let its body keep spawning work
// under the caller's handle (§4.4's "a handle may be passed from
// within a running task to spawn nested work"); AsyncExecuteAtRef
// takes one directly and registers against the handle it names.
type HandleRef struct {
	Addr string
	ID   uint64
}

// originRegistry holds the handles one locality process owns that may
// receive remote completion notifications: the callback-server-side
// half of §9's "acknowledge remote completion explicitly back to the
// originating locality." Each locality process (the driver included)
// owns exactly one originRegistry and one callback listener address;
// bigmachine/testsystem runs every locality in the same OS process, so
// neither can be a package-level singleton.
type originRegistry struct {
	mu      sync.Mutex
	addr    string
	handles map[uint64]*handle.Handle
}

func newOriginRegistry() *originRegistry {
	return &originRegistry{handles: make(map[uint64]*handle.Handle)}
}

// ref registers h (if not already registered) and returns its wire
// reference rooted at this registry's callback address.
func (o *originRegistry) ref(h *handle.Handle) HandleRef {
	id := h.ID()
	o.mu.Lock()
	o.handles[id] = h
	addr := o.addr
	o.mu.Unlock()
	return HandleRef{Addr: addr, ID: id}
}

func (o *originRegistry) get(id uint64) (*handle.Handle, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.handles[id]
	return h, ok
}

// callbackService is the RPC service every process (driver and
// worker alike) exposes over a small, separate net/rpc listener so
// that remote task completions can be acknowledged back regardless of
// whether the origin happens to be a bigmachine.Machine.
type callbackService struct {
	origins *originRegistry
}

func (c *callbackService) HandleRegister(req HandleIDRequest, _ *struct{}) error {
	h, ok := c.origins.get(req.ID)
	if !ok {
		return fmt.Errorf("runtime: callback: unknown handle id %d", req.ID)
	}
	h.Register()
	return nil
}

func (c *callbackService) HandleDone(req HandleDoneRequest, _ *struct{}) error {
	h, ok := c.origins.get(req.ID)
	if !ok {
		return fmt.Errorf("runtime: callback: unknown handle id %d", req.ID)
	}
	var err error
	if req.ErrMsg != "" {
		err = rterr.E(rterr.Kind(req.ErrKind), req.Action, stderrors.New(req.ErrMsg))
	}
	h.Done(err)
	return nil
}

// start launches this registry's callback listener, used both by
// Initialize (the driver's own handles) and by worker.Init (handles
// created by task bodies running on that worker). It records its own
// address so later calls to ref can fill it in. b and met, when
// non-nil, get their own debug handlers registered on the same mux,
// mirroring bigmachineExecutor.HandleDebug's delegation to
// b.b.HandleDebug(handler).
func (o *originRegistry) start(b *bigmachine.B, met *metrics.Runtime) error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	srv := rpc.NewServer()
	if err := srv.RegisterName("Callback", &callbackService{origins: o}); err != nil {
		return err
	}
	// Serve off a private mux bound to this listener, rather than
	// rpc.Server.HandleHTTP's global DefaultServeMux: testsystem runs
	// every locality's worker in one OS process, so a second call to
	// HandleHTTP here would panic on a duplicate path registration.
	mux := http.NewServeMux()
	mux.Handle(rpc.DefaultRPCPath, srv)
	if b != nil {
		b.HandleDebug(mux)
	}
	if met != nil {
		met.HandleDebug(mux)
	}
	go http.Serve(ln, mux)
	o.mu.Lock()
	o.addr = ln.Addr().String()
	o.mu.Unlock()
	return nil
}

// callbackRetryPolicy backs off dialCallback the same way retryPolicy
// backs off bigmachine.go's retryReader: this listener has none of
// bigmachine's own built-in RetryCall retry behaviour, since it is a
// plain net/rpc service rather than a bigmachine.Machine.
var callbackRetryPolicy = retry.Backoff(100*time.Millisecond, time.Second, 1.5)

// dialCallback reaches another process's callback listener and issues
// method (one of "Callback.HandleRegister" / "Callback.HandleDone"),
// retrying transient dial/call failures under callbackRetryPolicy the
// same way bigmachine.go's retryReader loops on retry.Wait.
func dialCallback(ctx context.Context, addr, method string, req any) error {
	var lastErr error
	for retries := 0; ; retries++ {
		client, err := rpc.DialHTTP("tcp", addr)
		if err == nil {
			err = client.Call(method, req, nil)
			client.Close()
			if err == nil {
				return nil
			}
			// The listener answered and rejected the call: not transient.
			if _, ok := err.(rpc.ServerError); ok {
				return rterr.E(rterr.TransportFailure, method, err)
			}
		}
		lastErr = err
		if werr := retry.Wait(ctx, callbackRetryPolicy, retries); werr != nil {
			return rterr.E(rterr.TransportFailure, method, lastErr)
		}
	}
}
