// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package runtime

import (
	"context"
	"fmt"

	"github.com/STEllAR-GROUP/SHAD/handle"
	"github.com/STEllAR-GROUP/SHAD/locality"
	"github.com/STEllAR-GROUP/SHAD/memspace"
)

// DMAPut copies local into the region remote names on dest, running
// inline against this process's own memspace.Table if dest is the
// calling locality (§4.3's dma put).
func DMAPut(ctx context.Context, dest locality.Locality, remote memspace.Addr, local []byte) error {
	if err := checkLocality(dest); err != nil {
		return err
	}
	if isLocal(dest) {
		stateMu.RLock()
		w := selfWorker
		stateMu.RUnlock()
		return w.mem.Put(remote, local)
	}
	req := DMAPutRequest{Token: remote.Token, Offset: remote.Offset, Data: local}
	return machineRPC(ctx, dest, "Worker.DMAPut", req, &struct{}{})
}

// DMAGet copies len(local) bytes from the region remote names on src
// into local, running inline if src is the calling locality (§4.3's
// dma get).
func DMAGet(ctx context.Context, local []byte, src locality.Locality, remote memspace.Addr) error {
	if err := checkLocality(src); err != nil {
		return err
	}
	if isLocal(src) {
		stateMu.RLock()
		w := selfWorker
		stateMu.RUnlock()
		return w.mem.Get(remote, local)
	}
	req := DMAGetRequest{Token: remote.Token, Offset: remote.Offset, N: len(local)}
	var reply DMAGetReply
	if err := machineRPC(ctx, src, "Worker.DMAGet", req, &reply); err != nil {
		return err
	}
	if len(reply.Data) != len(local) {
		return fmt.Errorf("runtime: dma get returned %d bytes, wanted %d", len(reply.Data), len(local))
	}
	copy(local, reply.Data)
	return nil
}

// AsyncDMAPut registers one task under h that runs DMAPut.
func AsyncDMAPut(h *handle.Handle, dest locality.Locality, remote memspace.Addr, local []byte) error {
	return asyncDispatch(h, func(ctx context.Context) error {
		return DMAPut(ctx, dest, remote, local)
	})
}

// AsyncDMAGet registers one task under h that runs DMAGet.
func AsyncDMAGet(h *handle.Handle, local []byte, src locality.Locality, remote memspace.Addr) error {
	return asyncDispatch(h, func(ctx context.Context) error {
		return DMAGet(ctx, local, src, remote)
	})
}
