// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package runtime

import "encoding/gob"

func init() {
	gob.Register(&worker{})
}

// BootstrapRequest assigns a freshly-started bigmachine.Machine its
// locality id and the full, fixed peer address table (§3's invariant
// that N and the address table are stable between Initialize and
// Finalize), the same way FuncLocations is a one-shot round trip
// rather than a per-call parameter.
type BootstrapRequest struct {
	LocalityID int
	Addrs      []string // index = locality id; Addrs[LocalityID] is the machine's own address
}

// ActionNames is CheckActions's reply: the registered action catalog
// keys at one locality, compared across all localities during
// Initialize the same way worker.FuncLocations lets bigslice compare
// Func registries.
type ActionNames struct {
	Typed   []string
	ForEach []string
}

// InvokeRequest carries one action dispatch across the wire. Arg is
// already gob-encoded (typed actions) or the raw payload (buffer
// actions); the callee doesn't need to know which, since
// actionreg.Invoke's entry already knows its own Kind.
type InvokeRequest struct {
	Action string
	Arg    []byte
}

// InvokeReply carries the result back, or a structured error. Errors
// are never returned as the RPC's own Go error value (which net/rpc
// flattens to a bare string), so that rterr.Kind survives the wire
// round trip intact.
type InvokeReply struct {
	Result  []byte
	ErrKind int
	ErrMsg  string
}

// ForEachRequest drives RunForEach: Arg is shared across every
// iteration in [0, N); only the index varies.
type ForEachRequest struct {
	Action string
	Arg    []byte
	N      int
}

type ForEachReply struct {
	ErrKind int
	ErrMsg  string
}

// HandleIDRequest names a handle at its origin by wire correlation id
// (§9's design note: "propagate a correlation id in the frame").
type HandleIDRequest struct {
	ID uint64
}

// HandleDoneRequest is the task-done notification §4.3's wire sketch
// calls for: "a separate task-done notification carrying the handle
// correlation id."
type HandleDoneRequest struct {
	ID      uint64
	Action  string
	ErrKind int
	ErrMsg  string
}

// DMAPutRequest carries a one-sided write: Data is copied into the
// region named by (Token, Offset) on the callee.
type DMAPutRequest struct {
	Token  uint64
	Offset int64
	Data   []byte
}

// DMAGetRequest requests N bytes back from the region named by
// (Token, Offset) on the callee.
type DMAGetRequest struct {
	Token  uint64
	Offset int64
	N      int
}

type DMAGetReply struct {
	Data []byte
}
