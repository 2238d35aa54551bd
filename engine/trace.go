package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

const traceSuccess = "Run completed successfully, returning"

var returningRe = regexp.MustCompile(`returning \[([^\]]*)\]`)

// FormatTrace renders the textual trace of a completed run.
func FormatTrace(entry string, results []int64, params Params) string {
	vals := make([]string, len(results))
	for i, r := range results {
		vals[i] = strconv.FormatInt(r, 10)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s]\n", traceSuccess, strings.Join(vals, ", "))
	fmt.Fprintf(&b, "entry: %s\n", entry)
	fmt.Fprintf(&b, "available gas: %d\n", params.AvailableGas)
	if params.AllowWarnings {
		b.WriteString("warnings: allowed\n")
	}
	if params.PrintFullMemory {
		b.WriteString("memory: full\n")
	}
	if params.RunProfiler {
		b.WriteString("profiler: on\n")
	}
	if params.UseDebugPrintHint {
		b.WriteString("debug print hint: on\n")
	}
	return b.String()
}

// ParseReturn extracts the returned values from a trace produced by a successful run.
func ParseReturn(trace string) ([]int64, error) {
	if !strings.Contains(trace, traceSuccess) {
		return nil, xerrors.Errorf("run did not complete: %q", firstLine(trace))
	}
	m := returningRe.FindStringSubmatch(trace)
	if m == nil {
		return nil, xerrors.New("trace has no return values")
	}
	if strings.TrimSpace(m[1]) == "" {
		return []int64{}, nil
	}

	parts := strings.Split(m[1], ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, xerrors.Errorf("parse return value %q: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
