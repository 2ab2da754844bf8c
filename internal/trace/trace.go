// Package trace reads and replays allocation traces: line-oriented scripts of
// allocate/free/reallocate/calloc operations used to drive a heap through
// recorded workloads.
//
// Format, one operation per line, '#' starting a comment:
//
//	# heap-trace v1.0
//	a <id> <size>          allocate
//	f <id>                 free
//	r <id> <size>          reallocate
//	c <id> <count> <size>  zeroed allocate
//
// The optional header names the format version; versions outside the ^1.0
// constraint are rejected.
package trace

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	semver "github.com/Masterminds/semver/v3"
)

// OpKind identifies one trace operation.
type OpKind byte

const (
	OpAlloc   OpKind = 'a'
	OpFree    OpKind = 'f'
	OpRealloc OpKind = 'r'
	OpCalloc  OpKind = 'c'
)

// Op is one parsed trace line.
type Op struct {
	Kind  OpKind
	ID    int // block identity within the trace
	Size  int // request size (element size for OpCalloc)
	Count int // element count, OpCalloc only
}

// Trace is a parsed allocation script.
type Trace struct {
	Name    string
	Version *semver.Version
	Ops     []Op
}

const headerPrefix = "# heap-trace v"

// formatConstraint gates which trace format versions this parser accepts.
var formatConstraint = func() *semver.Constraints {
	c, err := semver.NewConstraint("^1.0")
	if err != nil {
		panic(err)
	}
	return c
}()

// ParseFile reads and parses a trace file.
func ParseFile(path string) (*Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace: %w", err)
	}
	defer f.Close()
	return Parse(f, path)
}

// Parse reads a trace from r. name is used in error messages and carried on
// the result. A missing header is treated as format version 1.0.
func Parse(r io.Reader, name string) (*Trace, error) {
	tr := &Trace{Name: name}
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			if strings.HasPrefix(line, headerPrefix) && tr.Version == nil {
				v, err := semver.NewVersion(strings.TrimSpace(line[len(headerPrefix):]))
				if err != nil {
					return nil, fmt.Errorf("%s:%d: bad format version: %w", name, lineNo, err)
				}
				if !formatConstraint.Check(v) {
					return nil, fmt.Errorf("%s:%d: unsupported trace format v%s (want %s)", name, lineNo, v, formatConstraint)
				}
				tr.Version = v
			}
			continue
		}

		op, err := parseOp(line)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", name, lineNo, err)
		}
		tr.Ops = append(tr.Ops, op)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read trace %s: %w", name, err)
	}
	if tr.Version == nil {
		tr.Version = semver.MustParse("1.0.0")
	}
	return tr, nil
}

func parseOp(line string) (Op, error) {
	fields := strings.Fields(line)
	kind := OpKind(fields[0][0])
	if len(fields[0]) != 1 {
		return Op{}, fmt.Errorf("unknown operation %q", fields[0])
	}

	argc := map[OpKind]int{OpAlloc: 2, OpFree: 1, OpRealloc: 2, OpCalloc: 3}
	want, ok := argc[kind]
	if !ok {
		return Op{}, fmt.Errorf("unknown operation %q", fields[0])
	}
	if len(fields) != want+1 {
		return Op{}, fmt.Errorf("operation %q wants %d arguments, got %d", fields[0], want, len(fields)-1)
	}

	args := make([]int, 0, want)
	for _, f := range fields[1:] {
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 {
			return Op{}, fmt.Errorf("bad argument %q", f)
		}
		args = append(args, n)
	}

	op := Op{Kind: kind, ID: args[0]}
	switch kind {
	case OpAlloc, OpRealloc:
		op.Size = args[1]
	case OpCalloc:
		op.Count = args[1]
		op.Size = args[2]
	}
	return op, nil
}
