// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package metrics wires the runtime's observable counters into
// github.com/prometheus/client_golang, the metrics exporter observed in
// ghjramos-aistore's dependency graph. It plays the same debug-surface
// role as bigmachineExecutor.HandleDebug in
// github.com/grailbio/bigslice/exec, but exposes Prometheus-format
// counters instead of bigslice's bespoke stats.Map.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Runtime holds the counters and histograms exported for one locality's
// runtime process.
type Runtime struct {
	reg *prometheus.Registry

	ActionsInvoked   *prometheus.CounterVec
	ActionErrors     *prometheus.CounterVec
	RPCLatency       *prometheus.HistogramVec
	DMABytesPut      prometheus.Counter
	DMABytesGet      prometheus.Counter
	HandlesOutstanding prometheus.Gauge
}

// New constructs a Runtime with its own registry, so multiple Runtimes
// (e.g. one per locality in an in-process test cluster) never collide
// on Prometheus's default global registry.
func New() *Runtime {
	reg := prometheus.NewRegistry()
	r := &Runtime{
		reg: reg,
		ActionsInvoked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shad_actions_invoked_total",
			Help: "Number of actions invoked at this locality, by action key.",
		}, []string{"action"}),
		ActionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shad_action_errors_total",
			Help: "Number of actions that returned an error, by action key and kind.",
		}, []string{"action", "kind"}),
		RPCLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shad_rpc_latency_seconds",
			Help:    "Round-trip latency of dispatcher RPCs, by method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		DMABytesPut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shad_dma_put_bytes_total",
			Help: "Total bytes written to this locality via dma put.",
		}),
		DMABytesGet: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shad_dma_get_bytes_total",
			Help: "Total bytes read from this locality via dma get.",
		}),
		HandlesOutstanding: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shad_handles_outstanding",
			Help: "Number of asynchronous tasks dispatched under a handle and not yet completed.",
		}),
	}
	reg.MustRegister(r.ActionsInvoked, r.ActionErrors, r.RPCLatency, r.DMABytesPut, r.DMABytesGet, r.HandlesOutstanding)
	return r
}

// HandleDebug registers the /debug/metrics endpoint, the metrics
// analogue of bigmachineExecutor.HandleDebug's debug mux wiring.
func (r *Runtime) HandleDebug(mux *http.ServeMux) {
	mux.Handle("/debug/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))
}
