// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package actionreg

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/STEllAR-GROUP/SHAD/rterr"
)

// forEachEntry is kept separate from entry because a forEach action's
// argument is constant across a call while its index varies per
// iteration (§4.5), rather than being bundled into one wire payload.
type forEachEntry struct {
	invoke func(ctx context.Context, arg []byte, i int) error
}

var (
	feMu  sync.RWMutex
	feReg = map[string]*forEachEntry{}
)

// RegisterForEach registers the named action for use with
// forEachAt/forEachOnAll: fn is invoked once per iteration index with
// the same decoded argument each time.
func RegisterForEach[A any](name string, fn func(context.Context, A, int) error) {
	feMu.Lock()
	if _, ok := feReg[name]; ok {
		feMu.Unlock()
		panic(fmt.Sprintf("actionreg: action %q already registered", name))
	}
	if _, ok := registry[name]; ok {
		feMu.Unlock()
		panic(fmt.Sprintf("actionreg: action %q already registered", name))
	}
	feReg[name] = &forEachEntry{
		invoke: func(ctx context.Context, arg []byte, i int) error {
			var a A
			if len(arg) > 0 {
				if err := gobDecode(arg, &a); err != nil {
					return rterr.E(rterr.TransportFailure, name, err)
				}
			}
			if err := fn(ctx, a, i); err != nil {
				return rterr.E(rterr.UserActionFailure, name, err)
			}
			return nil
		},
	}
	feMu.Unlock()
}

// InvokeForEach runs the named forEach action's i'th iteration against
// wire-level argument bytes shared across the whole call.
func InvokeForEach(ctx context.Context, name string, arg []byte, i int) error {
	feMu.RLock()
	e, ok := feReg[name]
	feMu.RUnlock()
	if !ok {
		return rterr.E(rterr.ActionUnknown, name, nil)
	}
	return e.invoke(ctx, arg, i)
}

// IsForEach reports whether name was registered via RegisterForEach.
func IsForEach(name string) bool {
	feMu.RLock()
	defer feMu.RUnlock()
	_, ok := feReg[name]
	return ok
}

// ForEachNames returns the sorted set of registered forEach action
// keys, compared alongside Names() by the startup consistency check.
func ForEachNames() []string {
	feMu.RLock()
	defer feMu.RUnlock()
	names := make([]string, 0, len(feReg))
	for name := range feReg {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
