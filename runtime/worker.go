// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package runtime

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/grailbio/base/sync/once"
	"github.com/grailbio/bigmachine"

	"github.com/STEllAR-GROUP/SHAD/actionreg"
	"github.com/STEllAR-GROUP/SHAD/executor"
	"github.com/STEllAR-GROUP/SHAD/locality"
	"github.com/STEllAR-GROUP/SHAD/memspace"
	"github.com/STEllAR-GROUP/SHAD/metrics"
	"github.com/STEllAR-GROUP/SHAD/rterr"
)

// worker is the bigmachine service registered on every locality's
// machine. It plays the same role exec/bigmachine.go's worker plays
// for bigslice: a per-process bundle of the state needed to serve
// incoming dispatches, built independently in every process because
// a bigmachine-spawned machine shares no memory with the driver that
// started it.
type worker struct {
	mu sync.Mutex
	b  *bigmachine.B

	reg  locality.Registry
	mem  *memspace.Table
	pool *executor.Pool
	met  *metrics.Runtime

	machines []string // bootstrapped peer addresses, index = locality id
	origins  *originRegistry
	ready    bool

	// dialOnce memoizes one *bigmachine.Machine per peer address, the
	// same way bigmachineExecutor's sliceMachine memoizes compiles and
	// commits via once.Map, so repeated RPCs to one peer from within an
	// action body running on this locality don't redial every time.
	dialOnce  once.Map
	dialMu    sync.Mutex
	dialConns map[string]*bigmachine.Machine
}

// dial returns a cached connection to addr, dialing it at most once.
func (w *worker) dial(ctx context.Context, addr string) (*bigmachine.Machine, error) {
	err := w.dialOnce.Do(addr, func() error {
		m, err := w.b.Dial(ctx, addr)
		if err != nil {
			return err
		}
		w.dialMu.Lock()
		w.dialConns[addr] = m
		w.dialMu.Unlock()
		return nil
	})
	if err != nil {
		w.dialOnce.Forget(addr)
		return nil, err
	}
	w.dialMu.Lock()
	m := w.dialConns[addr]
	w.dialMu.Unlock()
	return m, nil
}

// Init is called by bigmachine once the machine process is up,
// mirroring worker.Init in exec/bigmachine.go: it builds the
// process-local state that has no meaningful cross-process
// representation (the memory table, the local executor pool, the
// metrics registry).
func (w *worker) Init(b *bigmachine.B) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.b = b
	w.mem = memspace.NewTable()
	w.pool = executor.New(b.System().Maxprocs())
	w.met = metrics.New()
	w.dialConns = make(map[string]*bigmachine.Machine)
	w.origins = newOriginRegistry()
	if err := w.origins.start(b, w.met); err != nil {
		return err
	}
	setSelfWorker(w)
	return nil
}

// Bootstrap assigns this machine its dense locality id and the fixed
// peer address table, the one-shot broadcast that stands in for
// bigmachine's lack of a symmetric peer-discovery primitive.
func (w *worker) Bootstrap(ctx context.Context, req BootstrapRequest, _ *struct{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reg.Set(req.LocalityID, len(req.Addrs))
	w.machines = req.Addrs
	w.ready = true
	return nil
}

// CheckActions reports this process's action catalog, for the
// cross-locality consistency check Initialize performs before
// returning to the caller (the registry-contents analogue of
// worker.FuncLocations).
func (w *worker) CheckActions(ctx context.Context, _ struct{}, names *ActionNames) error {
	*names = ActionNames{Typed: actionreg.Names(), ForEach: actionreg.ForEachNames()}
	return nil
}

// Invoke runs a typed or buffer action locally and returns its result
// (if any), packing any application-level failure into the reply
// rather than the RPC's own error return so its rterr.Kind survives
// the wire round trip.
func (w *worker) Invoke(ctx context.Context, req InvokeRequest, reply *InvokeReply) error {
	w.met.ActionsInvoked.WithLabelValues(req.Action).Inc()
	result, err := actionreg.Invoke(ctx, req.Action, req.Arg)
	if err != nil {
		reply.ErrKind, reply.ErrMsg = int(kindOf(err)), err.Error()
		w.met.ActionErrors.WithLabelValues(req.Action, kindOf(err).String()).Inc()
		return nil
	}
	reply.Result = result
	return nil
}

// RunForEach runs a forEach action's N iterations on this locality's
// bounded local executor pool, aggregating errors the same way
// executor.Pool.ForEach does for a purely local forEachAt.
func (w *worker) RunForEach(ctx context.Context, req ForEachRequest, reply *ForEachReply) error {
	errs := w.pool.ForEach(ctx, req.N, func(ctx context.Context, i int) error {
		return actionreg.InvokeForEach(ctx, req.Action, req.Arg, i)
	})
	if err := combineForEachErrs(req.N, errs); err != nil {
		reply.ErrKind, reply.ErrMsg = int(kindOf(err)), err.Error()
	}
	return nil
}

// DMAPut copies Data into the locally registered region named by
// Token at Offset (§4.3's dma put).
func (w *worker) DMAPut(ctx context.Context, req DMAPutRequest, _ *struct{}) error {
	err := w.mem.Put(memspace.Addr{Token: req.Token, Offset: req.Offset}, req.Data)
	if err == nil {
		w.met.DMABytesPut.Add(float64(len(req.Data)))
	}
	return err
}

// DMAGet reads N bytes back from the locally registered region named
// by (Token, Offset) (§4.3's dma get).
func (w *worker) DMAGet(ctx context.Context, req DMAGetRequest, reply *DMAGetReply) error {
	buf := make([]byte, req.N)
	if err := w.mem.Get(memspace.Addr{Token: req.Token, Offset: req.Offset}, buf); err != nil {
		return err
	}
	reply.Data = buf
	w.met.DMABytesGet.Add(float64(req.N))
	return nil
}

func kindOf(err error) rterr.Kind {
	var e *rterr.Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return rterr.UserActionFailure
}

// combineForEachErrs mirrors handle.Handle's own aggregation: a single
// error passes through unchanged, several are folded into one message
// so RunForEach's reply can carry one (kind, msg) pair.
func combineForEachErrs(n int, errs []error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return fmt.Errorf("%d of %d iterations failed, first: %w", len(errs), n, errs[0])
	}
}
