// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package runtime

import (
	"flag"
	"fmt"

	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/testsystem"
)

// Flags collects the startup configuration Initialize needs, resolving
// the teacher's own TODO ("clean up flag registration, etc. vis-a-vis
// bigmachine ... perhaps we can register flags in a bigmachine flagset
// that gets parsed together") by giving callers one flag set to merge
// into flag.CommandLine instead of littering the process with globals.
type Flags struct {
	N          int
	SystemName string
}

// RegisterFlags adds this program's runtime flags to fs (typically
// flag.CommandLine), returning the Flags value they populate once fs
// has been parsed.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}
	fs.IntVar(&f.N, "shad.n", 1, "number of localities to start")
	fs.StringVar(&f.SystemName, "shad.system", "local", "bigmachine system: \"local\" or \"test\"")
	return f
}

// System resolves the configured bigmachine.System by name, the same
// choice exec's own tests make between a real bigmachine.Local{} and
// bigmachine/testsystem.System for in-process multi-locality runs.
func (f *Flags) System() (bigmachine.System, error) {
	switch f.SystemName {
	case "", "local":
		return bigmachine.Local{}, nil
	case "test":
		return testsystem.New(), nil
	default:
		return nil, fmt.Errorf("runtime: unknown bigmachine system %q", f.SystemName)
	}
}
