// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package memspace implements the per-locality address space that
// backs one-sided memory transfers (§4.3's dma/asyncDma, the RDMA-style
// primitive described in original_source/examples/benchmark/rdma.cc).
//
// Go has no notion of a raw pointer valid in another process's address
// space, so a "remote address" here is realized as an opaque Addr
// token: a locality registers a live []byte region once (typically from
// inside an action invoked via executeAtWithRet, which hands the token
// back to the caller — the same idiom original_source uses to obtain
// the address of a container's local storage) and the token stays valid
// for the registration's lifetime.
package memspace

import (
	"fmt"
	"sync"

	"github.com/STEllAR-GROUP/SHAD/rterr"
)

// Addr names a byte range within a registered region on some locality:
// a base token plus a byte offset, so that callers can do the same
// pointer arithmetic original_source performs on raw addresses.
type Addr struct {
	Token  uint64
	Offset int64
}

func (a Addr) String() string { return fmt.Sprintf("addr(%d+%d)", a.Token, a.Offset) }

// Plus returns the address offset by delta bytes, the Go analogue of
// original_source's remoteAddr + i pointer arithmetic.
func (a Addr) Plus(delta int64) Addr {
	return Addr{Token: a.Token, Offset: a.Offset + delta}
}

// Region is a registered, mutable byte buffer reachable by DMA. Every
// Put/Get is serialized by a per-region mutex: concurrent DMA and
// action-driven access to overlapping memory is undefined per §5, but
// two concurrent DMA transfers into disjoint or identical regions must
// not corrupt the region's own bookkeeping.
type Region struct {
	mu   sync.Mutex
	data []byte
}

// Table is the per-locality registry of live regions, the DMA analogue
// of the teacher's Store interface (fileStore) mapping names to bytes.
type Table struct {
	mu      sync.Mutex
	next    uint64
	regions map[uint64]*Region
}

// NewTable returns an empty address space.
func NewTable() *Table {
	return &Table{regions: make(map[uint64]*Region)}
}

// Register exposes backing to DMA and returns the token naming it. The
// caller retains ownership of backing; Put/Get operate on it in place.
func (t *Table) Register(backing []byte) Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	token := t.next
	t.regions[token] = &Region{data: backing}
	return Addr{Token: token}
}

// Unregister removes a previously registered region, invalidating its
// token for future DMA. It is a no-op if the token is unknown.
func (t *Table) Unregister(a Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.regions, a.Token)
}

func (t *Table) region(token uint64) (*Region, error) {
	t.mu.Lock()
	r, ok := t.regions[token]
	t.mu.Unlock()
	if !ok {
		return nil, rterr.E(rterr.TransportFailure, "", fmt.Errorf("memspace: unknown address token %d", token))
	}
	return r, nil
}

// Put copies src into the region named by a, starting at a's offset.
// Behaviour is undefined (per §4.3's remote-address discipline) if a is
// stale, but an out-of-bounds write against a live region is always
// rejected rather than corrupting adjacent memory.
func (t *Table) Put(a Addr, src []byte) error {
	r, err := t.region(a.Token)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	end := a.Offset + int64(len(src))
	if a.Offset < 0 || end > int64(len(r.data)) {
		return rterr.E(rterr.TransportFailure, "", fmt.Errorf("memspace: put [%d,%d) out of bounds for region of length %d", a.Offset, end, len(r.data)))
	}
	copy(r.data[a.Offset:end], src)
	return nil
}

// Get copies n bytes from the region named by a, starting at a's
// offset, into dst (which must have length n).
func (t *Table) Get(a Addr, dst []byte) error {
	r, err := t.region(a.Token)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	end := a.Offset + int64(len(dst))
	if a.Offset < 0 || end > int64(len(r.data)) {
		return rterr.E(rterr.TransportFailure, "", fmt.Errorf("memspace: get [%d,%d) out of bounds for region of length %d", a.Offset, end, len(r.data)))
	}
	copy(dst, r.data[a.Offset:end])
	return nil
}
