package trace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/orizon-lang/heap/internal/allocator"
)

func replayString(t *testing.T, src string, opts ...ReplayOption) (*Replayer, *Result) {
	t.Helper()
	h, err := allocator.New()
	if err != nil {
		t.Fatalf("New heap: %v", err)
	}
	tr, err := Parse(strings.NewReader(src), "test")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	r := NewReplayer(h, opts...)
	res, err := r.Run(tr)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return r, res
}

func TestReplay(t *testing.T) {
	t.Run("Smoke", func(t *testing.T) {
		r, res := replayString(t, `
a 0 512
a 1 128
f 0
r 1 1024
c 2 10 8
f 1
f 2
`, WithVerify(true), WithCheckEvery(true))
		if res.Ops != 7 || res.Allocs != 3 || res.Frees != 3 {
			t.Errorf("counts ops=%d allocs=%d frees=%d, want 7/3/3", res.Ops, res.Allocs, res.Frees)
		}
		if res.FinalLive != 0 || r.LiveBlocks() != 0 {
			t.Errorf("live at end: %d bytes, %d blocks; want none", res.FinalLive, r.LiveBlocks())
		}
		if res.PeakLive < 640 {
			t.Errorf("peak live = %d, want >= 640", res.PeakLive)
		}
		if res.Utilization <= 0 {
			t.Errorf("utilization = %f, want > 0", res.Utilization)
		}
	})

	t.Run("ChurnKeepsHeapConsistent", func(t *testing.T) {
		var sb strings.Builder
		sb.WriteString("# heap-trace v1.0\n")
		// Interleaved lifetimes across several size classes, including one
		// excursion into the large encoding.
		for i := 0; i < 200; i++ {
			fmt.Fprintf(&sb, "a %d %d\n", i, 16+(i%7)*40)
			if i%3 == 2 {
				fmt.Fprintf(&sb, "f %d\n", i-1)
			}
		}
		fmt.Fprintf(&sb, "a 1000 80000\n")
		fmt.Fprintf(&sb, "f 1000\n")
		r, _ := replayString(t, sb.String(), WithVerify(true), WithCheckEvery(true))
		if r.LiveBlocks() == 0 {
			t.Error("expected blocks still live after churn")
		}
	})

	t.Run("DuplicateID", func(t *testing.T) {
		h, _ := allocator.New()
		tr, err := Parse(strings.NewReader("a 0 16\na 0 16\n"), "dup")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := NewReplayer(h).Run(tr); err == nil {
			t.Error("duplicate id accepted")
		}
	})

	t.Run("UnknownFree", func(t *testing.T) {
		h, _ := allocator.New()
		tr, err := Parse(strings.NewReader("f 7\n"), "unknown")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := NewReplayer(h).Run(tr); err == nil {
			t.Error("free of unknown id accepted")
		}
	})

	t.Run("OutOfMemory", func(t *testing.T) {
		h, err := allocator.New(allocator.WithHeapCap(4096))
		if err != nil {
			t.Fatal(err)
		}
		tr, err := Parse(strings.NewReader("a 0 1048576\n"), "oom")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := NewReplayer(h).Run(tr); err == nil {
			t.Error("expected out-of-memory error")
		}
	})
}

func TestWatcher(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher()
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// An unrelated file must not be reported.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "workload.trace")
	if err := os.WriteFile(path, []byte("a 0 16\nf 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-w.Files():
			if filepath.Base(got) == "notes.txt" {
				t.Fatalf("non-trace file reported: %s", got)
			}
			if got == path {
				return // success
			}
		case err := <-w.Errors():
			t.Fatalf("watcher error: %v", err)
		case <-deadline:
			t.Fatal("trace file never reported")
		}
	}
}
