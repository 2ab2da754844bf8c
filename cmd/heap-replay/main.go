// Command heap-replay drives the heap allocator through recorded allocation
// traces and reports placement quality: operation counts, peak live payload,
// heap growth and utilization.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/orizon-lang/heap/internal/allocator"
	"github.com/orizon-lang/heap/internal/telemetry"
	"github.com/orizon-lang/heap/internal/trace"
)

const version = "1.0.0"

func main() {
	var (
		showVersion = flag.Bool("version", false, "show version information")
		watchDir    = flag.String("watch", "", "watch a directory and replay .trace files as they appear")
		checkEvery  = flag.Bool("check", false, "run the heap consistency checker after every operation")
		verify      = flag.Bool("verify", true, "fill payloads and verify them on free/realloc")
		heapCap     = flag.Int("heap-cap", 0, "cap heap growth at this many bytes (0 = unbounded)")
		useMmap     = flag.Bool("mmap", false, "back the heap with a reserved mmap region")
		mmapReserve = flag.Int("mmap-reserve", 1<<30, "address space to reserve with -mmap")
		debugAddr   = flag.String("debug-http", "", "serve JSON heap diagnostics on this address (e.g. :6060)")
		metricsAddr = flag.String("metrics", "", "serve plaintext metrics on this address")
		fresh       = flag.Bool("fresh-heap", false, "replay each trace on a fresh heap")
		verbose     = flag.Bool("verbose", false, "verbose output")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS] [TRACE...]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Heap allocator trace replay tool.\n\n")
		fmt.Fprintf(os.Stderr, "OPTIONS:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEXAMPLES:\n")
		fmt.Fprintf(os.Stderr, "  %s -check traces/binary.trace       # Replay with full invariant checking\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -watch traces/                   # Replay traces as they appear\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -metrics :9090 -watch traces/    # Expose live heap metrics\n", os.Args[0])
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("heap-replay %s\n", version)
		os.Exit(0)
	}
	if flag.NArg() == 0 && *watchDir == "" {
		flag.Usage()
		os.Exit(2)
	}

	log.SetFlags(0)
	log.SetPrefix("heap-replay: ")

	if *fresh && (*debugAddr != "" || *metricsAddr != "") {
		log.Fatal("-fresh-heap cannot be combined with -debug-http or -metrics: the servers would outlive each heap")
	}

	newHeap := func() (*allocator.Heap, error) {
		opts := []allocator.Option{allocator.WithHeapCap(*heapCap)}
		if *useMmap {
			prov, err := allocator.NewMmapProvider(*mmapReserve)
			if err != nil {
				return nil, fmt.Errorf("mmap provider: %w", err)
			}
			opts = append(opts, allocator.WithProvider(prov))
		}
		return allocator.New(opts...)
	}

	heap, err := newHeap()
	if err != nil {
		log.Fatalf("create heap: %v", err)
	}

	if *debugAddr != "" {
		addr, stop, err := telemetry.StartDebugHTTP(heap, *debugAddr)
		if err != nil {
			log.Fatalf("debug http: %v", err)
		}
		defer shutdown(stop)
		log.Printf("debug endpoints on http://%s/heap/stats", addr)
	}
	if *metricsAddr != "" {
		addr, stop, err := telemetry.StartMetricsServer(*metricsAddr, map[string]telemetry.MetricFunc{
			"heap": telemetry.HeapMetrics(heap),
		})
		if err != nil {
			log.Fatalf("metrics: %v", err)
		}
		defer shutdown(stop)
		log.Printf("metrics on http://%s/metrics", addr)
	}

	replayer := trace.NewReplayer(heap,
		trace.WithVerify(*verify),
		trace.WithCheckEvery(*checkEvery),
	)

	runOne := func(path string) error {
		if *fresh {
			h, err := newHeap()
			if err != nil {
				return err
			}
			heap = h
			replayer = trace.NewReplayer(heap,
				trace.WithVerify(*verify),
				trace.WithCheckEvery(*checkEvery),
			)
		}
		tr, err := trace.ParseFile(path)
		if err != nil {
			return err
		}
		start := time.Now()
		res, err := replayer.Run(tr)
		if err != nil {
			return err
		}
		elapsed := time.Since(start)
		log.Printf("%s: %d ops in %v, peak live %d bytes, heap %d bytes, utilization %.3f",
			path, res.Ops, elapsed.Round(time.Microsecond), res.PeakLive, res.HeapSize, res.Utilization)
		if *verbose {
			st := heap.Stats()
			log.Printf("%s: allocs=%d frees=%d grows=%d in-use=%d live-ids=%d",
				path, st.AllocationCount, st.FreeCount, st.GrowCount, st.BytesInUse, replayer.LiveBlocks())
		}
		return nil
	}

	failed := false
	for _, path := range flag.Args() {
		if err := runOne(path); err != nil {
			log.Printf("%v", err)
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}

	if *watchDir != "" {
		w, err := trace.NewWatcher()
		if err != nil {
			log.Fatalf("watch: %v", err)
		}
		defer w.Close()
		if err := w.Add(*watchDir); err != nil {
			log.Fatalf("watch %s: %v", *watchDir, err)
		}
		log.Printf("watching %s for trace files", *watchDir)

		seen := make(map[string]time.Time)
		for {
			select {
			case path := <-w.Files():
				// Writers fire several events per file; settle briefly and
				// replay each file at most once per second.
				if t, ok := seen[path]; ok && time.Since(t) < time.Second {
					continue
				}
				seen[path] = time.Now()
				time.Sleep(50 * time.Millisecond)
				if err := runOne(path); err != nil {
					log.Printf("%v", err)
				}
			case err := <-w.Errors():
				log.Printf("watch error: %v", err)
			}
		}
	}
}

func shutdown(stop func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = stop(ctx)
}
