// Package diagnostics renders the daemon's state for operators: process
// vitals plus the per-request dumps of every outstanding lock operation.
// The output is human-readable text for inspection only; nothing parses it.
package diagnostics

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/process"
)

// Info carries the daemon-level counters included in every report.
type Info struct {
	NodeID      uint64
	Datacenter  string
	Started     time.Time
	Outstanding int64
	LocksHeld   int
}

// Collect is implemented by the server; it snapshots Info and the debug
// dumps of all outstanding lock requests.
type Collect func() (Info, []string)

// Render builds the report text.
func Render(info Info, dumps []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "kvlockd node=%d", info.NodeID)
	if info.Datacenter != "" {
		fmt.Fprintf(&b, " datacenter=%s", info.Datacenter)
	}
	b.WriteByte('\n')
	if !info.Started.IsZero() {
		fmt.Fprintf(&b, "uptime=%s\n", time.Since(info.Started).Round(time.Second))
	}
	writeProcessStats(&b)
	fmt.Fprintf(&b, "outstanding_requests=%d\n", info.Outstanding)
	fmt.Fprintf(&b, "locks_held=%d\n", info.LocksHeld)
	for i, dump := range dumps {
		fmt.Fprintf(&b, "\n--- request %d ---\n%s", i, dump)
	}
	return b.String()
}

func writeProcessStats(b *strings.Builder) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		fmt.Fprintf(b, "rss=%s\n", humanize.IBytes(mem.RSS))
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		fmt.Fprintf(b, "cpu=%.1f%%\n", cpu)
	}
	if fds, err := proc.NumFDs(); err == nil {
		fmt.Fprintf(b, "fds=%d\n", fds)
	}
}

// Handler serves the report over HTTP, typically mounted at /debug/locks on
// the metrics listener.
func Handler(collect Collect) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, dumps := collect()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(Render(info, dumps)))
	})
}
