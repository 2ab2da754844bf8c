// Package telemetry exposes heap allocator statistics over HTTP: JSON debug
// endpoints for interactive inspection and a plaintext exposition endpoint
// for scrapers, with an HTTP/3 variant of the latter.
//
// Handlers never drive the heap, but they do read its structure: Stats (behind
// /heap/stats, /heap/bins and HeapMetrics) walks every bin, and /heap/check
// runs the full checker. Exact results need a single-owner debugging session
// where no allocation runs concurrently.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/orizon-lang/heap/internal/allocator"
)

// MetricFunc returns a map of metric name -> value. Names should be simple
// tokens using [a-zA-Z0-9_:] to ease exposition.
type MetricFunc func() map[string]float64

// HeapMetrics adapts a heap's statistics into a MetricFunc.
func HeapMetrics(h *allocator.Heap) MetricFunc {
	return func() map[string]float64 {
		st := h.Stats()
		return map[string]float64{
			"total_allocated":  float64(st.TotalAllocated),
			"total_freed":      float64(st.TotalFreed),
			"allocation_count": float64(st.AllocationCount),
			"free_count":       float64(st.FreeCount),
			"bytes_in_use":     float64(st.BytesInUse),
			"peak_in_use":      float64(st.PeakInUse),
			"heap_size":        float64(st.HeapSize),
			"grow_count":       float64(st.GrowCount),
			"utilization":      st.Utilization,
		}
	}
}

// StartDebugHTTP starts a lightweight HTTP server exposing diagnostic
// endpoints for a heap:
//
//	GET /heap/stats -> JSON AllocatorStats snapshot
//	GET /heap/bins  -> JSON array of per-bin free block counts
//	GET /heap/check -> {"ok": true} or {"ok": false, "error": ...}
//
// It returns the bound address and a shutdown function compatible with
// http.Server.Shutdown.
func StartDebugHTTP(h *allocator.Heap, addr string) (string, func(ctx context.Context) error, error) {
	mux := http.NewServeMux()

	mux.HandleFunc("/heap/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		_ = enc.Encode(h.Stats())
	})

	mux.HandleFunc("/heap/bins", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		st := h.Stats()
		_ = json.NewEncoder(w).Encode(st.BinCounts)
	})

	mux.HandleFunc("/heap/check", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		type verdict struct {
			OK    bool   `json:"ok"`
			Error string `json:"error,omitempty"`
		}
		v := verdict{OK: true}
		if err := h.Check(false); err != nil {
			v = verdict{OK: false, Error: err.Error()}
			w.WriteHeader(http.StatusInternalServerError)
		}
		_ = json.NewEncoder(w).Encode(v)
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 3 * time.Second}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, err
	}
	bound := ln.Addr().String()
	go func() {
		_ = srv.Serve(ln)
	}()
	stop := func(ctx context.Context) error {
		return srv.Shutdown(ctx)
	}
	return bound, stop, nil
}

// metricsHandler renders all collectors in a deterministic plaintext
// exposition: one "name value" line per metric.
func metricsHandler(collectors map[string]MetricFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		names := make([]string, 0, len(collectors))
		for name := range collectors {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fn := collectors[name]
			if fn == nil {
				continue
			}
			snapshot := fn()
			keys := make([]string, 0, len(snapshot))
			for k := range snapshot {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(w, "%s %g\n", sanitizeMetricToken(name+"_"+k), snapshot[k])
			}
		}
	})
}

// StartMetricsServer starts a minimal text exposition endpoint under
// "/metrics" on addr. It returns the bound address (which may differ if port
// 0 was used) and a shutdown function.
func StartMetricsServer(addr string, collectors map[string]MetricFunc) (string, func(ctx context.Context) error, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsHandler(collectors))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 3 * time.Second}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, err
	}
	bound := ln.Addr().String()
	go func() {
		_ = srv.Serve(ln)
	}()
	stop := func(ctx context.Context) error {
		return srv.Shutdown(ctx)
	}
	return bound, stop, nil
}

// sanitizeMetricToken maps arbitrary strings into exposition-safe tokens.
func sanitizeMetricToken(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == ':':
			out[i] = c
		default:
			out[i] = '_'
		}
	}
	return string(out)
}
