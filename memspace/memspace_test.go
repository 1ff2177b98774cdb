// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package memspace

import (
	"bytes"
	"testing"

	"github.com/STEllAR-GROUP/SHAD/rterr"
)

func TestPutGetRoundTrip(t *testing.T) {
	table := NewTable()
	backing := make([]byte, 21)
	addr := table.Register(backing)

	src := []byte{8, 24, 42}
	for i := 0; i < 7; i++ {
		if err := table.Put(addr.Plus(int64(i*3)), src); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	got := make([]byte, len(backing))
	if err := table.Get(Addr{Token: addr.Token}, got); err != nil {
		t.Fatal(err)
	}
	want := bytes.Repeat(src, 7)
	if !bytes.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestOutOfBoundsRejected(t *testing.T) {
	table := NewTable()
	addr := table.Register(make([]byte, 4))
	if err := table.Put(addr.Plus(2), []byte{1, 2, 3}); err == nil {
		t.Fatal("expected out-of-bounds error")
	}
}

func TestUnknownTokenFails(t *testing.T) {
	table := NewTable()
	err := table.Get(Addr{Token: 99}, make([]byte, 1))
	if !rterr.Is(rterr.TransportFailure, err) {
		t.Fatalf("expected TransportFailure, got %v", err)
	}
}

func TestUnregisterInvalidates(t *testing.T) {
	table := NewTable()
	addr := table.Register(make([]byte, 4))
	table.Unregister(addr)
	if err := table.Get(addr, make([]byte, 1)); err == nil {
		t.Fatal("expected error after unregister")
	}
}
