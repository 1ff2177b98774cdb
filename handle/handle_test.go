// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package handle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestEmptyHandleWaitsImmediately(t *testing.T) {
	var h Handle
	if err := h.Wait(context.Background()); err != nil {
		t.Fatalf("Wait on empty handle: %v", err)
	}
	if got, want := h.State(), Completed; got != want {
		t.Fatalf("state = %v, want %v", got, want)
	}
}

func TestRegisterDoneQuiesces(t *testing.T) {
	var h Handle
	const n = 10000
	for i := 0; i < n; i++ {
		h.Register()
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Done(nil)
		}()
	}
	wg.Wait()
	if err := h.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got, want := h.State(), Completed; got != want {
		t.Fatalf("state = %v, want %v", got, want)
	}
}

func TestErrorsAggregate(t *testing.T) {
	var h Handle
	h.Register()
	h.Register()
	h.Done(errors.New("first"))
	h.Done(errors.New("second"))
	err := h.Wait(context.Background())
	if err == nil {
		t.Fatal("expected aggregated error")
	}
	var multi *MultiError
	if !errors.As(err, &multi) {
		t.Fatalf("expected *MultiError, got %T: %v", err, err)
	}
	if len(multi.Errs) != 2 {
		t.Fatalf("got %d errors, want 2", len(multi.Errs))
	}
}

func TestDoneUnderflowPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on counter underflow")
		}
	}()
	var h Handle
	h.Done(nil)
}

func TestReentrantWaitPanics(t *testing.T) {
	var h Handle
	ctx := WithCurrent(context.Background(), &h)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on reentrant WaitForCompletion")
		}
	}()
	h.Wait(ctx)
}

func TestResetAllowsReuse(t *testing.T) {
	var h Handle
	h.Register()
	h.Done(nil)
	if err := h.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.Reset()
	if got, want := h.State(), Empty; got != want {
		t.Fatalf("state after reset = %v, want %v", got, want)
	}
	h.Register()
	h.Done(nil)
	if err := h.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	var h Handle
	h.Register()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := h.Wait(ctx); err == nil {
		t.Fatal("expected context deadline error")
	}
	h.Done(nil)
}
