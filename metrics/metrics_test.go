// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandleDebugExportsRegisteredCounters(t *testing.T) {
	r := New()
	r.ActionsInvoked.WithLabelValues("demo.increment").Inc()
	r.DMABytesPut.Add(128)

	mux := http.NewServeMux()
	r.HandleDebug(mux)

	req := httptest.NewRequest(http.MethodGet, "/debug/metrics", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "shad_actions_invoked_total") {
		t.Fatalf("expected shad_actions_invoked_total in body:\n%s", body)
	}
	if !strings.Contains(body, "shad_dma_put_bytes_total 128") {
		t.Fatalf("expected dma put bytes counter in body:\n%s", body)
	}
}
