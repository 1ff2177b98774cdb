// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package locality implements the locality registry: the fixed set of
// peer processes that cooperate in a SHAD program, each identified by a
// dense integer id.
package locality

import (
	"fmt"
	"sync"

	"github.com/STEllAR-GROUP/SHAD/rterr"
)

// Locality is a value-typed identifier for a peer process. The zero
// value is not a valid locality; use Null to construct the sentinel
// explicitly and avoid ambiguity with id 0.
type Locality struct {
	id    int
	valid bool
}

// Null is the distinguished sentinel locality. It compares distinct
// from every valid locality and orders before all of them.
var Null = Locality{}

// New constructs a Locality for the given dense integer id. It does not
// validate id against the live registry; use a Registry's CheckLocality
// for that.
func New(id int) Locality {
	return Locality{id: id, valid: true}
}

// ID returns the underlying dense integer id. Calling ID on Null
// returns -1.
func (l Locality) ID() int {
	if !l.valid {
		return -1
	}
	return l.id
}

// IsNull reports whether l is the Null sentinel.
func (l Locality) IsNull() bool { return !l.valid }

// Equal reports whether l and other name the same locality.
func (l Locality) Equal(other Locality) bool {
	return l.valid == other.valid && (!l.valid || l.id == other.id)
}

// Less orders localities by id; Null orders before every valid locality.
func (l Locality) Less(other Locality) bool {
	switch {
	case !l.valid && !other.valid:
		return false
	case !l.valid:
		return true
	case !other.valid:
		return false
	default:
		return l.id < other.id
	}
}

func (l Locality) String() string {
	if !l.valid {
		return "locality(null)"
	}
	return fmt.Sprintf("locality(%d)", l.id)
}

// GobEncode/GobDecode let Locality cross the wire as an action argument
// field without exposing its internal representation.
func (l Locality) GobEncode() ([]byte, error) {
	if !l.valid {
		return []byte{0}, nil
	}
	return []byte(fmt.Sprintf("1:%d", l.id)), nil
}

func (l *Locality) GobDecode(data []byte) error {
	if len(data) == 1 && data[0] == 0 {
		*l = Null
		return nil
	}
	var id int
	if _, err := fmt.Sscanf(string(data), "1:%d", &id); err != nil {
		return err
	}
	*l = New(id)
	return nil
}

// Registry holds the fixed, agreed-upon set of live localities for the
// lifetime of a program between Initialize and Finalize. It is safe for
// concurrent read access once populated; Set is expected to be called
// exactly once, during bootstrap.
type Registry struct {
	mu   sync.RWMutex
	this Locality
	n    int
}

// Set installs the registry's view of the cluster: this locality's own
// id and the total number of live peers. It is a caller error to call
// Set more than once on the same Registry.
func (r *Registry) Set(this, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.this = New(this)
	r.n = n
}

// This returns the locality identifying the current process.
func (r *Registry) This() Locality {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.this
}

// NumLocalities returns the fixed peer count N agreed during bootstrap.
func (r *Registry) NumLocalities() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.n
}

// AllLocalities returns the ordered sequence 0..N-1.
func (r *Registry) AllLocalities() []Locality {
	r.mu.RLock()
	n := r.n
	r.mu.RUnlock()
	all := make([]Locality, n)
	for i := range all {
		all[i] = New(i)
	}
	return all
}

// CheckLocality validates that l names a live locality, returning an
// InvalidLocality error (§7) otherwise.
func (r *Registry) CheckLocality(l Locality) error {
	r.mu.RLock()
	n := r.n
	r.mu.RUnlock()
	if l.IsNull() || l.id < 0 || l.id >= n {
		return rterr.E(rterr.InvalidLocality, "", fmt.Errorf("locality %v not in [0, %d)", l, n))
	}
	return nil
}
