// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package runtime is the dispatcher (§4.3): the public surface a SHAD
// program calls to move typed arguments and byte buffers between
// localities, fan out over all of them, and transfer memory directly.
//
// Its shape follows github.com/grailbio/bigslice/exec's
// bigmachineExecutor/worker split: a driver process starts a fixed set
// of bigmachine.Machines (the localities) and keeps *bigmachine.Machine
// handles to all of them, while each machine runs its own independent
// worker service, built from scratch in that process the same way
// worker.Init builds w.store/w.tasks locally on every bigslice worker.
// Unlike bigslice, the SHAD model lets code running inside a locality's
// own action bodies issue further dispatches, including back to itself;
// selfWorker records that case.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"golang.org/x/sync/errgroup"

	"github.com/STEllAR-GROUP/SHAD/actionreg"
	"github.com/STEllAR-GROUP/SHAD/executor"
	"github.com/STEllAR-GROUP/SHAD/locality"
	"github.com/STEllAR-GROUP/SHAD/metrics"
	"github.com/STEllAR-GROUP/SHAD/rterr"
)

// FanoutStatusGroup names the status.Group that reports ExecuteOnAll
// and ForEachOnAll fan-out progress, mirroring BigmachineStatusGroup's
// role for bigmachineExecutor's own b.status.
const FanoutStatusGroup = "shad-fanout"

// fanoutStatus is process-wide rather than per-driver/per-worker
// deliberately: unlike originRegistry or metrics.Runtime, a status
// group has no per-instance bookkeeping that testsystem's
// one-process-per-cluster model would make collide.
var fanoutStatus = status.New()

// driverState holds the orchestrating process's view of the cluster: a
// dialable *bigmachine.Machine per locality, and its own callback
// listener for handles it owns directly (top-level async dispatch).
type driverState struct {
	b        *bigmachine.B
	machines []*bigmachine.Machine
	addrs    []string
	origins  *originRegistry
	met      *metrics.Runtime
}

// currentMetrics returns the calling process's own metrics.Runtime, if
// one has been built yet (nil before Initialize/worker.Init complete).
func currentMetrics() *metrics.Runtime {
	stateMu.RLock()
	defer stateMu.RUnlock()
	switch {
	case selfWorker != nil:
		return selfWorker.met
	case drv != nil:
		return drv.met
	default:
		return nil
	}
}

var (
	stateMu sync.RWMutex
	drv     *driverState // non-nil once Initialize has returned, on the orchestrating process
	// selfWorker is non-nil inside a process that is itself running as
	// one of the bigmachine.Machines, once its worker.Bootstrap call has
	// landed — i.e. when dispatcher functions are called from within an
	// action body rather than from the orchestrator.
	selfWorker *worker
)

func setSelfWorker(w *worker) {
	stateMu.Lock()
	selfWorker = w
	stateMu.Unlock()
}

// Initialize starts n localities as bigmachine machines under system,
// bootstraps each with its dense id and the full peer address table,
// and runs the startup action-catalog consistency check (SPEC_FULL.md's
// action catalog module, grounded on worker.FuncLocations). It must be
// called exactly once, before any dispatcher function, by the process
// orchestrating the SHAD program.
func Initialize(ctx context.Context, system bigmachine.System, n int, params ...bigmachine.Param) error {
	stateMu.Lock()
	if drv != nil {
		stateMu.Unlock()
		return fmt.Errorf("runtime: Initialize called twice")
	}
	stateMu.Unlock()

	if n <= 0 {
		return fmt.Errorf("runtime: Initialize: n must be positive, got %d", n)
	}
	b := bigmachine.Start(system)
	svcParams := append([]bigmachine.Param{bigmachine.Services{"Worker": &worker{}}}, params...)
	machines, err := b.Start(ctx, n, svcParams...)
	if err != nil {
		b.Shutdown()
		return fmt.Errorf("runtime: starting %d localities: %w", n, err)
	}

	met := metrics.New()
	origins := newOriginRegistry()
	if err := origins.start(b, met); err != nil {
		b.Shutdown()
		return fmt.Errorf("runtime: starting callback listener: %w", err)
	}

	addrs := make([]string, n)
	for i, m := range machines {
		addrs[i] = m.Addr
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, m := range machines {
		i, m := i, m
		g.Go(func() error {
			req := BootstrapRequest{LocalityID: i, Addrs: addrs}
			return m.RetryCall(gctx, "Worker.Bootstrap", req, nil)
		})
	}
	if err := g.Wait(); err != nil {
		b.Shutdown()
		return fmt.Errorf("runtime: bootstrapping localities: %w", err)
	}

	want := ActionNames{Typed: actionreg.Names(), ForEach: actionreg.ForEachNames()}
	g, gctx = errgroup.WithContext(ctx)
	for i, m := range machines {
		i, m := i, m
		g.Go(func() error {
			var got ActionNames
			if err := m.RetryCall(gctx, "Worker.CheckActions", struct{}{}, &got); err != nil {
				return err
			}
			if !sameNames(want.Typed, got.Typed) || !sameNames(want.ForEach, got.ForEach) {
				return rterr.Fatal(fmt.Errorf("locality %d has a different action registry than the orchestrator", i))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		b.Shutdown()
		return err
	}

	stateMu.Lock()
	drv = &driverState{b: b, machines: machines, addrs: addrs, origins: origins, met: met}
	stateMu.Unlock()
	log.Printf("runtime: initialized %d localities", n)
	return nil
}

// Finalize shuts down the bigmachine system started by Initialize.
func Finalize() {
	stateMu.Lock()
	d := drv
	drv = nil
	stateMu.Unlock()
	if d != nil {
		d.b.Shutdown()
	}
}

func sameNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// NumLocalities returns the fixed locality count N agreed at Initialize.
func NumLocalities() int {
	stateMu.RLock()
	defer stateMu.RUnlock()
	switch {
	case selfWorker != nil:
		return selfWorker.reg.NumLocalities()
	case drv != nil:
		return len(drv.machines)
	default:
		return 0
	}
}

// ThisLocality returns the locality identifying the process the
// caller is running in, or locality.Null from the orchestrating
// process, which is not itself a locality.
func ThisLocality() locality.Locality {
	stateMu.RLock()
	defer stateMu.RUnlock()
	if selfWorker != nil {
		return selfWorker.reg.This()
	}
	return locality.Null
}

// checkLocality validates loc against whichever view (worker or
// driver) the calling process has of the cluster.
func checkLocality(loc locality.Locality) error {
	stateMu.RLock()
	defer stateMu.RUnlock()
	switch {
	case selfWorker != nil:
		return selfWorker.reg.CheckLocality(loc)
	case drv != nil:
		if loc.IsNull() || loc.ID() < 0 || loc.ID() >= len(drv.machines) {
			return rterr.E(rterr.InvalidLocality, "", fmt.Errorf("locality %v not in [0, %d)", loc, len(drv.machines)))
		}
		return nil
	default:
		return fmt.Errorf("runtime: not initialized")
	}
}

// isLocal reports whether loc names the process the caller is
// currently running in.
func isLocal(loc locality.Locality) bool {
	stateMu.RLock()
	defer stateMu.RUnlock()
	return selfWorker != nil && selfWorker.reg.This().Equal(loc)
}

// machineRPC issues method against loc's machine, dialing through
// whichever connection the calling process has available: the
// orchestrator's own cached *bigmachine.Machine, or, from inside a
// locality, the connection worker.dial caches per peer address.
func machineRPC(ctx context.Context, loc locality.Locality, method string, req, reply any) error {
	stateMu.RLock()
	w, d := selfWorker, drv
	stateMu.RUnlock()
	start := time.Now()
	err := machineRPCDial(ctx, w, d, loc, method, req, reply)
	if met := currentMetrics(); met != nil {
		met.RPCLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}
	return err
}

func machineRPCDial(ctx context.Context, w *worker, d *driverState, loc locality.Locality, method string, req, reply any) error {
	switch {
	case w != nil:
		w.mu.Lock()
		addr := w.machines[loc.ID()]
		w.mu.Unlock()
		// w.dial memoizes one *bigmachine.Machine per address via
		// once.Map, the same way bigmachineExecutor memoizes per-task
		// compiles/commits through m.Compiles/m.Commits, so repeated
		// RPCs to the same peer from within a locality reuse one dial.
		m, err := w.dial(ctx, addr)
		if err != nil {
			return rterr.E(rterr.TransportFailure, method, err)
		}
		if err := m.RetryCall(ctx, method, req, reply); err != nil {
			return rterr.E(rterr.TransportFailure, method, err)
		}
		return nil
	case d != nil:
		if err := d.machines[loc.ID()].RetryCall(ctx, method, req, reply); err != nil {
			return rterr.E(rterr.TransportFailure, method, err)
		}
		return nil
	default:
		return fmt.Errorf("runtime: not initialized")
	}
}

// invoke runs a typed or buffer action at loc, inline if loc is the
// calling process's own locality (§4.3's transport requirement),
// otherwise over RPC.
func invoke(ctx context.Context, loc locality.Locality, action string, arg []byte) ([]byte, error) {
	if err := checkLocality(loc); err != nil {
		return nil, err
	}
	if isLocal(loc) {
		return actionreg.Invoke(ctx, action, arg)
	}
	var reply InvokeReply
	if err := machineRPC(ctx, loc, "Worker.Invoke", InvokeRequest{Action: action, Arg: arg}, &reply); err != nil {
		return nil, err
	}
	if reply.ErrKind != 0 {
		return nil, rterr.E(rterr.Kind(reply.ErrKind), action, fmt.Errorf("%s", reply.ErrMsg))
	}
	return reply.Result, nil
}

// runForEach runs a forEach action's n iterations at loc, inline via
// the local executor pool if loc is the caller's own locality,
// otherwise over RPC to loc's own pool.
func runForEach(ctx context.Context, loc locality.Locality, action string, arg []byte, n int) error {
	if err := checkLocality(loc); err != nil {
		return err
	}
	if isLocal(loc) {
		stateMu.RLock()
		w := selfWorker
		stateMu.RUnlock()
		errs := w.pool.ForEach(ctx, n, func(ctx context.Context, i int) error {
			return actionreg.InvokeForEach(ctx, action, arg, i)
		})
		return combineForEachErrs(n, errs)
	}
	var reply ForEachReply
	if err := machineRPC(ctx, loc, "Worker.RunForEach", ForEachRequest{Action: action, Arg: arg, N: n}, &reply); err != nil {
		return err
	}
	if reply.ErrKind != 0 {
		return rterr.E(rterr.Kind(reply.ErrKind), action, fmt.Errorf("%s", reply.ErrMsg))
	}
	return nil
}

// allLocalities returns 0..N-1, for executeOnAll/forEachOnAll fan-out.
func allLocalities() []locality.Locality {
	n := NumLocalities()
	all := make([]locality.Locality, n)
	for i := range all {
		all[i] = locality.New(i)
	}
	return all
}

// ExecuteAt runs action at loc with a gob-encoded typed argument,
// blocking until the callee has fully completed (§4.3).
func ExecuteAt(ctx context.Context, loc locality.Locality, action string, arg any) error {
	argBytes, err := actionreg.EncodeArg(arg)
	if err != nil {
		return rterr.E(rterr.TransportFailure, action, err)
	}
	_, err = invoke(ctx, loc, action, argBytes)
	return err
}

// ExecuteAtBuffer runs a buffer action at loc with buf passed
// verbatim, blocking until the callee has fully completed.
func ExecuteAtBuffer(ctx context.Context, loc locality.Locality, action string, buf []byte) error {
	_, err := invoke(ctx, loc, action, buf)
	return err
}

// ExecuteAtWithRet runs action at loc and decodes its typed result
// into ret.
func ExecuteAtWithRet(ctx context.Context, loc locality.Locality, action string, arg, ret any) error {
	argBytes, err := actionreg.EncodeArg(arg)
	if err != nil {
		return rterr.E(rterr.TransportFailure, action, err)
	}
	result, err := invoke(ctx, loc, action, argBytes)
	if err != nil {
		return err
	}
	return actionreg.DecodeResult(result, ret)
}

// ExecuteAtWithRetBuff runs action at loc and copies its byte-span
// result into out, failing with ResultBufferTooSmall if it doesn't
// fit (§7). A []byte argument to a buffer action is passed verbatim;
// any other argument is gob-encoded.
func ExecuteAtWithRetBuff(ctx context.Context, loc locality.Locality, action string, arg any, out []byte) (int, error) {
	kind, known := actionreg.KindOf(action)
	var argBytes []byte
	if buf, ok := arg.([]byte); ok && known && kind == actionreg.Buffer {
		argBytes = buf
	} else {
		var err error
		if argBytes, err = actionreg.EncodeArg(arg); err != nil {
			return 0, rterr.E(rterr.TransportFailure, action, err)
		}
	}
	result, err := invoke(ctx, loc, action, argBytes)
	if err != nil {
		return 0, err
	}
	if len(result) > len(out) {
		return 0, rterr.E(rterr.ResultBufferTooSmall, action, fmt.Errorf("result is %d bytes, capacity is %d", len(result), len(out)))
	}
	return copy(out, result), nil
}

// ExecuteOnAll runs action with arg at every locality, returning an
// aggregate of any peer errors (§4.3/§7).
func ExecuteOnAll(ctx context.Context, action string, arg any) error {
	argBytes, err := actionreg.EncodeArg(arg)
	if err != nil {
		return rterr.E(rterr.TransportFailure, action, err)
	}
	locs := allLocalities()
	group := fanoutStatus.Group(FanoutStatusGroup)
	// errgroup's derived context is deliberately discarded here, not
	// threaded into invoke: cancelling it the moment one locality errors
	// would abort an in-flight call to a sibling locality before that
	// locality's action has run to completion, violating §5's "a task
	// runs to completion" guarantee. bigmachine.go's own b.Run does the
	// same for its errgroup fan-out over dependency machines.
	g, _ := errgroup.WithContext(ctx)
	for _, loc := range locs {
		loc := loc
		g.Go(func() error {
			task := group.Start(fmt.Sprintf("%s@%v", action, loc))
			_, err := invoke(ctx, loc, action, argBytes)
			if err != nil {
				task.Printf("failed: %v", err)
			} else {
				task.Print("done")
			}
			task.Done()
			return err
		})
	}
	return g.Wait()
}

// ForEachAt runs action's n iterations at loc, blocking until they
// have all completed, aggregating per-iteration errors into one
// combined error (§4.5/§7).
func ForEachAt(ctx context.Context, loc locality.Locality, action string, arg any, n int) error {
	argBytes, err := actionreg.EncodeArg(arg)
	if err != nil {
		return rterr.E(rterr.TransportFailure, action, err)
	}
	return runForEach(ctx, loc, action, argBytes, n)
}

// ForEachOnAll partitions [0, total) across all localities per
// executor.Partition (§4.5's "indices are locality-local") and runs
// each partition's slice of iterations there, blocking until every
// locality's share has completed.
func ForEachOnAll(ctx context.Context, action string, arg any, total int) error {
	argBytes, err := actionreg.EncodeArg(arg)
	if err != nil {
		return rterr.E(rterr.TransportFailure, action, err)
	}
	locs := allLocalities()
	k := len(locs)
	group := fanoutStatus.Group(FanoutStatusGroup)
	// See ExecuteOnAll: the derived context is discarded for the same
	// reason — a sibling locality's forEach share must run to completion
	// even if another locality's share has already failed.
	g, _ := errgroup.WithContext(ctx)
	for i, loc := range locs {
		i, loc := i, loc
		_, count := executor.Partition(total, k, i)
		if count == 0 {
			continue
		}
		g.Go(func() error {
			task := group.Start(fmt.Sprintf("%s@%v[%d]", action, loc, count))
			err := runForEach(ctx, loc, action, argBytes, count)
			if err != nil {
				task.Printf("failed: %v", err)
			} else {
				task.Print("done")
			}
			task.Done()
			return err
		})
	}
	return g.Wait()
}
