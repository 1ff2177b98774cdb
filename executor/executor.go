// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package executor implements the per-locality local parallel executor
// (§4.5): a bounded-concurrency worker pool used to run forEach
// iterations. Its sizing policy mirrors
// github.com/grailbio/bigslice/exec's worker.commitLimiter setup
// (procs := b.System().Maxprocs(); fall back to runtime.GOMAXPROCS(0)),
// and its bounding mechanism reuses the same
// github.com/grailbio/base/limiter.Limiter the teacher uses to cap
// concurrent combiner commits.
package executor

import (
	"context"
	"runtime"
	"sync"

	"github.com/grailbio/base/limiter"
)

// Pool is a bounded-concurrency executor local to one locality.
type Pool struct {
	n   int
	lim *limiter.Limiter
}

// New returns a Pool with the given concurrency. A non-positive
// concurrency falls back to runtime.GOMAXPROCS(0), the same fallback
// bigmachineExecutor's worker applies when the bigmachine.System
// reports no explicit Maxprocs.
func New(concurrency int) *Pool {
	if concurrency <= 0 {
		concurrency = runtime.GOMAXPROCS(0)
	}
	lim := limiter.New()
	lim.Release(concurrency)
	return &Pool{n: concurrency, lim: lim}
}

// Concurrency returns the pool's configured worker count (§6's
// concurrency() constant: positive, stable for the locality's
// lifetime).
func (p *Pool) Concurrency() int { return p.n }

// ForEach runs fn(ctx, i) for every i in [0, n), bounded to
// Concurrency() concurrent in-flight calls. Per §5, iterations carry no
// cancellation: every iteration runs to completion regardless of
// whether earlier iterations failed, and all errors are returned
// together (§7's forEach aggregation policy), in index order.
func (p *Pool) ForEach(ctx context.Context, n int, fn func(ctx context.Context, i int) error) []error {
	if n <= 0 {
		return nil
	}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs = make(map[int]error)
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		// Mirrors worker.writeCombiner's use of commitLimiter: bound
		// concurrency without treating acquisition as cancellable, since
		// §5 forbids cancellation of in-flight iterations.
		p.lim.Acquire(context.Background(), 1)
		go func() {
			defer wg.Done()
			defer p.lim.Release(1)
			if err := fn(ctx, i); err != nil {
				mu.Lock()
				errs[i] = err
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(errs) == 0 {
		return nil
	}
	ordered := make([]error, 0, len(errs))
	for i := 0; i < n; i++ {
		if err, ok := errs[i]; ok {
			ordered = append(ordered, err)
		}
	}
	return ordered
}

// Partition implements §4.5's forEachOnAll split: given a total
// iteration count and K localities, the first K-1 localities receive
// floor(total/K) each and the last receives the remainder.
func Partition(total, k, index int) (offset, count int) {
	if k <= 0 {
		return 0, 0
	}
	chunk := total / k
	if index < k-1 {
		return index * chunk, chunk
	}
	return (k - 1) * chunk, total - (k-1)*chunk
}
