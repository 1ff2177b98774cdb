// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestForEachRunsAllIterations(t *testing.T) {
	p := New(4)
	var n int64
	errs := p.ForEach(context.Background(), 1000, func(_ context.Context, i int) error {
		atomic.AddInt64(&n, 1)
		return nil
	})
	if errs != nil {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if got, want := n, int64(1000); got != want {
		t.Fatalf("ran %d iterations, want %d", got, want)
	}
}

func TestForEachAggregatesAllFailures(t *testing.T) {
	p := New(4)
	errs := p.ForEach(context.Background(), 10, func(_ context.Context, i int) error {
		if i%3 == 0 {
			return errors.New("boom")
		}
		return nil
	})
	// i in {0,3,6,9}
	if got, want := len(errs), 4; got != want {
		t.Fatalf("got %d errors, want %d", got, want)
	}
}

func TestForEachContinuesDespiteEarlierFailures(t *testing.T) {
	p := New(2)
	var ran int64
	errs := p.ForEach(context.Background(), 50, func(_ context.Context, i int) error {
		atomic.AddInt64(&ran, 1)
		if i == 0 {
			return errors.New("first fails")
		}
		return nil
	})
	if got, want := ran, int64(50); got != want {
		t.Fatalf("ran %d iterations, want all 50 to run", got)
	}
	if len(errs) != 1 {
		t.Fatalf("got %d errors, want 1", len(errs))
	}
}

func TestConcurrencyFallsBackToGOMAXPROCS(t *testing.T) {
	p := New(0)
	if p.Concurrency() <= 0 {
		t.Fatalf("Concurrency() = %d, want > 0", p.Concurrency())
	}
}

func TestPartitionCoversWholeRangeOnce(t *testing.T) {
	const total, k = 37, 4
	seen := make([]bool, total)
	for idx := 0; idx < k; idx++ {
		off, count := Partition(total, k, idx)
		for i := off; i < off+count; i++ {
			if seen[i] {
				t.Fatalf("index %d covered by more than one locality", i)
			}
			seen[i] = true
		}
	}
	for i, ok := range seen {
		if !ok {
			t.Fatalf("index %d never covered", i)
		}
	}
}

func TestPartitionLastGetsRemainder(t *testing.T) {
	off, count := Partition(10, 3, 2)
	if off != 6 || count != 4 {
		t.Fatalf("got offset=%d count=%d, want offset=6 count=4", off, count)
	}
}
