// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package actionreg implements the action catalog (§4.2): the mapping
// from stable string action keys to local entry points, usable
// identically at every locality. Go binaries running as separate
// processes cannot assume function-address equivalence the way the
// source's symmetric-binary deployment does (§9), so actions are
// registered by name at init time, the same way
// github.com/grailbio/bigslice registers wire types with gob.Register.
package actionreg

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sort"
	"sync"

	"github.com/STEllAR-GROUP/SHAD/rterr"
)

// Kind distinguishes the two dispatch flavours of §4.2.
type Kind int

const (
	// Typed actions exchange a plain-data record, gob-encoded on the wire
	// per §9's portable alternative to raw byte-reinterpretation.
	Typed Kind = iota
	// Buffer actions exchange an explicit, opaque byte span.
	Buffer
	// ForEach actions are invoked once per iteration index by
	// forEachAt/forEachOnAll; see RegisterForEach.
	ForEach
)

// entry is the catalog's internal representation of one registered
// action, keyed by its stable name.
type entry struct {
	name string
	kind Kind
	// invoke runs the action against wire-level argument bytes and
	// produces wire-level result bytes (nil if the action has no
	// return value).
	invoke func(ctx context.Context, arg []byte) ([]byte, error)
}

var (
	mu       sync.RWMutex
	registry = map[string]*entry{}
)

// register installs e, panicking on a duplicate name the same way
// gob.Register panics on a duplicate concrete type.
func register(e *entry) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := registry[e.name]; ok {
		panic(fmt.Sprintf("actionreg: action %q already registered", e.name))
	}
	registry[e.name] = e
}

// RegisterTypedRet registers a typed action (§4.2a) that produces a
// result value R.
func RegisterTypedRet[A any, R any](name string, fn func(context.Context, A) (R, error)) {
	register(&entry{
		name: name,
		kind: Typed,
		invoke: func(ctx context.Context, arg []byte) ([]byte, error) {
			var a A
			if len(arg) > 0 {
				if err := gobDecode(arg, &a); err != nil {
					return nil, rterr.E(rterr.TransportFailure, name, err)
				}
			}
			r, err := fn(ctx, a)
			if err != nil {
				return nil, rterr.E(rterr.UserActionFailure, name, err)
			}
			out, err := gobEncode(r)
			if err != nil {
				return nil, rterr.E(rterr.TransportFailure, name, err)
			}
			return out, nil
		},
	})
}

// RegisterTypedVoid registers a typed action (§4.2a) with no result.
func RegisterTypedVoid[A any](name string, fn func(context.Context, A) error) {
	register(&entry{
		name: name,
		kind: Typed,
		invoke: func(ctx context.Context, arg []byte) ([]byte, error) {
			var a A
			if len(arg) > 0 {
				if err := gobDecode(arg, &a); err != nil {
					return nil, rterr.E(rterr.TransportFailure, name, err)
				}
			}
			if err := fn(ctx, a); err != nil {
				return nil, rterr.E(rterr.UserActionFailure, name, err)
			}
			return nil, nil
		},
	})
}

// RegisterBufferRet registers a buffer action (§4.2b) that produces a
// byte-span result. The returned slice's length is compared against the
// caller's advertised RetBuff capacity by the dispatcher.
func RegisterBufferRet(name string, fn func(context.Context, []byte) ([]byte, error)) {
	register(&entry{
		name: name,
		kind: Buffer,
		invoke: func(ctx context.Context, arg []byte) ([]byte, error) {
			out, err := fn(ctx, arg)
			if err != nil {
				return nil, rterr.E(rterr.UserActionFailure, name, err)
			}
			return out, nil
		},
	})
}

// RegisterBufferVoid registers a buffer action (§4.2b) with no result.
func RegisterBufferVoid(name string, fn func(context.Context, []byte) error) {
	register(&entry{
		name: name,
		kind: Buffer,
		invoke: func(ctx context.Context, arg []byte) ([]byte, error) {
			if err := fn(ctx, arg); err != nil {
				return nil, rterr.E(rterr.UserActionFailure, name, err)
			}
			return nil, nil
		},
	})
}

// Invoke runs the named action against wire-level argument bytes. It
// returns an ActionUnknown error (§7) if name was never registered.
func Invoke(ctx context.Context, name string, arg []byte) ([]byte, error) {
	mu.RLock()
	e, ok := registry[name]
	mu.RUnlock()
	if !ok {
		return nil, rterr.E(rterr.ActionUnknown, name, nil)
	}
	return e.invoke(ctx, arg)
}

// KindOf returns the registered Kind of name, for dispatcher-side
// validation that an action is used with the matching call shape.
func KindOf(name string) (Kind, bool) {
	mu.RLock()
	defer mu.RUnlock()
	e, ok := registry[name]
	if !ok {
		return 0, false
	}
	return e.kind, true
}

// Names returns the sorted set of registered action keys. It is used by
// the startup consistency check (SPEC_FULL.md, action catalog module) to
// verify that every locality was built from an identical action
// registry, the same role github.com/grailbio/bigslice's
// Worker.FuncLocations plays for bigslice.Funcs.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EncodeArg gob-encodes a typed action argument for transport.
func EncodeArg(a any) ([]byte, error) { return gobEncode(a) }

// DecodeResult gob-decodes a typed action result from transport bytes
// into the caller's result pointer.
func DecodeResult(b []byte, r any) error {
	if len(b) == 0 {
		return nil
	}
	return gobDecode(b, r)
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
