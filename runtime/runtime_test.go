// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package runtime

import (
	"context"
	"flag"
	"sync"
	"testing"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmachine/testsystem"

	"github.com/STEllAR-GROUP/SHAD/actionreg"
	"github.com/STEllAR-GROUP/SHAD/handle"
	"github.com/STEllAR-GROUP/SHAD/locality"
	"github.com/STEllAR-GROUP/SHAD/memspace"
	"github.com/STEllAR-GROUP/SHAD/rterr"
)

func init() {
	log.AddFlags()
}

// counters is the process-wide observable state the registered test
// actions below mutate, the same globals-for-observation idiom §9
// tolerates ("the examples use process-wide mutable singletons to
// observe side effects").
var (
	counterMu sync.Mutex
	counters  = map[int]int{}
)

func resetCounters() {
	counterMu.Lock()
	counters = map[int]int{}
	counterMu.Unlock()
}

func addCounter(loc int, n int) {
	counterMu.Lock()
	counters[loc] += n
	counterMu.Unlock()
}

func getCounter(loc int) int {
	counterMu.Lock()
	defer counterMu.Unlock()
	return counters[loc]
}

type incArg struct {
	Counter int
}

type accumArg struct {
	Counter  int
	Locality locality.Locality
}

func init() {
	actionreg.RegisterTypedVoid("runtime-test.inc", func(ctx context.Context, a incArg) error {
		addCounter(ThisLocality().ID(), a.Counter)
		return nil
	})
	actionreg.RegisterTypedVoid("runtime-test.accum", func(ctx context.Context, a accumArg) error {
		addCounter(a.Locality.ID(), a.Counter)
		return nil
	})
	actionreg.RegisterTypedRet("runtime-test.sum3", func(ctx context.Context, a struct{ A, B, C int }) (int, error) {
		return a.A + a.B + a.C, nil
	})
	actionreg.RegisterBufferRet("runtime-test.echo16", func(ctx context.Context, in []byte) ([]byte, error) {
		out := make([]byte, 16)
		copy(out, in)
		return out, nil
	})
	actionreg.RegisterForEach("runtime-test.setbit", func(ctx context.Context, _ struct{}, i int) error {
		addCounter(ThisLocality().ID()*100000+i, 1)
		return nil
	})
	actionreg.RegisterTypedRet("runtime-test.makeregion", func(ctx context.Context, a struct{ Size int }) (memspace.Addr, error) {
		stateMu.RLock()
		w := selfWorker
		stateMu.RUnlock()
		return w.mem.Register(make([]byte, a.Size)), nil
	})
}

type spawnArg struct {
	Ref     HandleRef
	Target  locality.Locality
	Counter int
}

func init() {
	actionreg.RegisterTypedVoid("runtime-test.spawn", func(ctx context.Context, a spawnArg) error {
		return AsyncExecuteAtRef(a.Ref, a.Target, "runtime-test.inc", incArg{Counter: a.Counter})
	})
}

func newTestCluster(t *testing.T, n int) func() {
	t.Helper()
	resetCounters()
	system := testsystem.New()
	system.Machineprocs = 1
	ctx := context.Background()
	if err := Initialize(ctx, system, n); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return Finalize
}

func TestExecuteOnAllIncrementsEveryLocality(t *testing.T) {
	const k = 4
	stop := newTestCluster(t, k)
	defer stop()

	if err := ExecuteOnAll(context.Background(), "runtime-test.inc", incArg{Counter: 3}); err != nil {
		t.Fatalf("ExecuteOnAll: %v", err)
	}
	for i := 0; i < k; i++ {
		if got, want := getCounter(i), 3; got != want {
			t.Errorf("locality %d counter = %d, want %d", i, got, want)
		}
	}
}

func TestAsyncAccumulationUnderHandle(t *testing.T) {
	const k = 4
	const reps = 200
	stop := newTestCluster(t, k)
	defer stop()

	var h handle.Handle
	for loc := 0; loc < k; loc++ {
		loc := loc
		for i := 0; i < reps; i++ {
			arg := accumArg{Counter: 3 + loc, Locality: locality.New(loc)}
			if err := AsyncExecuteAt(&h, locality.New(loc), "runtime-test.accum", arg); err != nil {
				t.Fatalf("AsyncExecuteAt: %v", err)
			}
		}
	}
	if err := WaitForCompletion(context.Background(), &h); err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	for loc := 0; loc < k; loc++ {
		if got, want := getCounter(loc), (3+loc)*reps; got != want {
			t.Errorf("locality %d counter = %d, want %d", loc, got, want)
		}
	}
}

// TestNestedHandleRefCompletesBeforeWait exercises the cross-process
// remote-continuation path: a task dispatched to locality 0 under h
// receives a HandleRef back to the origin, uses it to register and
// dispatch a grandchild task at locality 1 via AsyncExecuteAtRef, and
// WaitForCompletion on h must not return until that grandchild —
// running in a third process, correlated purely by wire id — has
// itself completed.
func TestNestedHandleRefCompletesBeforeWait(t *testing.T) {
	const k = 2
	stop := newTestCluster(t, k)
	defer stop()

	var h handle.Handle
	ref := ObtainHandleRef(&h)
	arg := spawnArg{Ref: ref, Target: locality.New(1), Counter: 11}
	if err := AsyncExecuteAt(&h, locality.New(0), "runtime-test.spawn", arg); err != nil {
		t.Fatalf("AsyncExecuteAt: %v", err)
	}
	if err := WaitForCompletion(context.Background(), &h); err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	if got, want := getCounter(1), 11; got != want {
		t.Fatalf("grandchild task on locality 1 did not complete before Wait returned: counter = %d, want %d", got, want)
	}
}

func TestForEachOnAllCoversEveryIndexExactlyOnce(t *testing.T) {
	const k = 3
	stop := newTestCluster(t, k)
	defer stop()

	total := k * 5
	if err := ForEachOnAll(context.Background(), "runtime-test.setbit", struct{}{}, total); err != nil {
		t.Fatalf("ForEachOnAll: %v", err)
	}
	counterMu.Lock()
	defer counterMu.Unlock()
	if got, want := len(counters), total; got != want {
		t.Fatalf("got %d distinct (locality,index) keys set, want %d", got, want)
	}
	for _, n := range counters {
		if n != 1 {
			t.Fatalf("a (locality,index) key was set %d times, want 1", n)
		}
	}
}

func TestDMARoundTrip(t *testing.T) {
	stop := newTestCluster(t, 2)
	defer stop()

	var remote memspace.Addr
	if err := ExecuteAtWithRet(context.Background(), locality.New(1), "runtime-test.makeregion", struct{ Size int }{Size: 3}, &remote); err != nil {
		t.Fatalf("makeregion: %v", err)
	}

	sent := []byte{8, 24, 42}
	if err := DMAPut(context.Background(), locality.New(1), remote, sent); err != nil {
		t.Fatalf("DMAPut: %v", err)
	}

	got := make([]byte, len(sent))
	if err := DMAGet(context.Background(), got, locality.New(1), remote); err != nil {
		t.Fatalf("DMAGet: %v", err)
	}
	for i := range sent {
		if got[i] != sent[i] {
			t.Fatalf("byte %d = %d, want %d", i, got[i], sent[i])
		}
	}
}

func TestAsyncDMARoundTrip(t *testing.T) {
	stop := newTestCluster(t, 2)
	defer stop()

	var remote memspace.Addr
	if err := ExecuteAtWithRet(context.Background(), locality.New(1), "runtime-test.makeregion", struct{ Size int }{Size: 3}, &remote); err != nil {
		t.Fatalf("makeregion: %v", err)
	}

	sent := []byte{1, 2, 3}
	got := make([]byte, len(sent))
	var h handle.Handle
	if err := AsyncDMAPut(&h, locality.New(1), remote, sent); err != nil {
		t.Fatalf("AsyncDMAPut: %v", err)
	}
	if err := WaitForCompletion(context.Background(), &h); err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	h.Reset()
	if err := AsyncDMAGet(&h, got, locality.New(1), remote); err != nil {
		t.Fatalf("AsyncDMAGet: %v", err)
	}
	if err := WaitForCompletion(context.Background(), &h); err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	for i := range sent {
		if got[i] != sent[i] {
			t.Fatalf("byte %d = %d, want %d", i, got[i], sent[i])
		}
	}
}

func TestRetBuffCapacity(t *testing.T) {
	stop := newTestCluster(t, 1)
	defer stop()

	out := make([]byte, 16)
	n, err := ExecuteAtWithRetBuff(context.Background(), locality.New(0), "runtime-test.echo16", []byte("0123456789abcdef"), out)
	if err != nil {
		t.Fatalf("ExecuteAtWithRetBuff: %v", err)
	}
	if n != 16 {
		t.Fatalf("wrote %d bytes, want 16", n)
	}

	small := make([]byte, 8)
	_, err = ExecuteAtWithRetBuff(context.Background(), locality.New(0), "runtime-test.echo16", []byte("0123456789abcdef"), small)
	if !rterr.Is(rterr.ResultBufferTooSmall, err) {
		t.Fatalf("expected ResultBufferTooSmall, got %v", err)
	}
}

func TestInvalidLocalityRejected(t *testing.T) {
	const k = 2
	stop := newTestCluster(t, k)
	defer stop()

	err := ExecuteAt(context.Background(), locality.New(k), "runtime-test.inc", incArg{Counter: 1})
	if !rterr.Is(rterr.InvalidLocality, err) {
		t.Fatalf("expected InvalidLocality, got %v", err)
	}
	if got := getCounter(k); got != 0 {
		t.Fatalf("invalid call had a side effect: counter = %d", got)
	}
}

func TestInitializeAcceptsMatchingCatalog(t *testing.T) {
	// Every machine runs this same test binary, so its catalog always
	// matches the orchestrator's: this checks that the consistency check
	// lets Initialize succeed. A real mismatch would require a second
	// test binary and is not exercised here.
	stop := newTestCluster(t, 1)
	stop()
}

func TestNumLocalitiesAndThisLocality(t *testing.T) {
	const k = 3
	stop := newTestCluster(t, k)
	defer stop()

	if got := NumLocalities(); got != k {
		t.Fatalf("NumLocalities() = %d, want %d", got, k)
	}
	if got := ThisLocality(); !got.IsNull() {
		t.Fatalf("ThisLocality() from the orchestrator = %v, want Null", got)
	}
}

func TestRegisterFlagsDefaults(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f := RegisterFlags(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.N != 1 {
		t.Fatalf("default N = %d, want 1", f.N)
	}
	system, err := f.System()
	if err != nil {
		t.Fatalf("System: %v", err)
	}
	if system == nil {
		t.Fatal("System() returned nil")
	}
}

func TestFlagsUnknownSystemRejected(t *testing.T) {
	f := &Flags{SystemName: "nonexistent"}
	if _, err := f.System(); err == nil {
		t.Fatal("expected an error for an unknown system name")
	}
}
