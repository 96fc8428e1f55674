// Package report formats benchmark summaries into comparison tables.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/fsperf/reflinkbench/results"
)

// Render writes a human-readable comparison of the report to w: one table
// of per-run summaries, one table of the concurrency sweep, and a scaling
// verdict when more than one filesystem completed.
func Render(w io.Writer, report results.ComparisonReport) error {
	if len(report.Filesystems) == 0 {
		return fmt.Errorf("no results to report")
	}

	fmt.Fprintln(w, "Run summaries")

	summary := tablewriter.NewWriter(w)
	summary.SetHeader([]string{
		"Filesystem", "Workers", "Ops", "Failures",
		"Throughput", "Ops/sec", "Mean", "P95", "Max",
	})

	for _, s := range report.Summaries {
		summary.Append([]string{
			s.Filesystem,
			fmt.Sprintf("%d", s.Concurrency),
			fmt.Sprintf("%d", s.Operations),
			fmt.Sprintf("%d", s.Failures),
			fmt.Sprintf("%.2f MB/s", s.ThroughputMBps),
			fmt.Sprintf("%.2f", s.OpsPerSec),
			formatDuration(s.MeanLatency),
			formatDuration(s.P95Latency),
			formatDuration(s.MaxLatency),
		})
	}

	summary.Render()

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Concurrency sweep")

	sweep := tablewriter.NewWriter(w)

	header := []string{"Workers"}
	for _, fs := range report.Filesystems {
		header = append(header,
			fs+" ops/sec",
			fs+" contention",
		)
	}

	header = append(header, "Winner")
	sweep.SetHeader(header)

	for _, lvl := range report.Levels {
		row := []string{fmt.Sprintf("%d", lvl.Concurrency)}

		for _, fs := range report.Filesystems {
			entry, ok := findEntry(lvl.Entries, fs)
			if !ok {
				row = append(row, "-", "-")

				continue
			}

			row = append(row,
				fmt.Sprintf("%.1f", entry.OpsPerSec),
				fmt.Sprintf("%.2fx", entry.ContentionRatio),
			)
		}

		if lvl.Comparable {
			row = append(row, fmt.Sprintf("%s (%.1fx faster)", lvl.Winner, lvl.Speedup))
		} else {
			row = append(row, "not comparable")
		}

		sweep.Append(row)
	}

	sweep.Render()

	renderVerdict(w, report)

	return nil
}

// RenderJSON writes the full report as indented JSON.
func RenderJSON(w io.Writer, report results.ComparisonReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(report)
}

// renderVerdict prints which filesystem degrades least under concurrency,
// judged by worst-case contention ratio across the sweep.
func renderVerdict(w io.Writer, report results.ComparisonReport) {
	if len(report.Filesystems) < 2 {
		return
	}

	worst := make(map[string]float64, len(report.Filesystems))

	for _, lvl := range report.Levels {
		for _, e := range lvl.Entries {
			if e.ContentionRatio > worst[e.Filesystem] {
				worst[e.Filesystem] = e.ContentionRatio
			}
		}
	}

	best := ""
	for _, fs := range report.Filesystems {
		if worst[fs] == 0 {
			continue
		}

		if best == "" || worst[fs] < worst[best] {
			best = fs
		}
	}

	if best == "" {
		return
	}

	fmt.Fprintln(w)

	for _, fs := range report.Filesystems {
		if worst[fs] > 0 {
			fmt.Fprintf(w, "%s worst-case contention: %.2fx\n", fs, worst[fs])
		}
	}

	fmt.Fprintf(w, "%s shows the best concurrency scaling\n", best)
}

func findEntry(entries []results.LevelEntry, fs string) (results.LevelEntry, bool) {
	for _, e := range entries {
		if e.Filesystem == fs {
			return e, true
		}
	}

	return results.LevelEntry{}, false
}

func formatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Millisecond:
		return fmt.Sprintf("%dµs", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%.2fms", float64(d.Microseconds())/1000)
	default:
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
}

// FormatBytes renders a byte count for log and flag output.
func FormatBytes(b int64) string {
	if b < 0 {
		return "-"
	}

	return humanize.IBytes(uint64(b))
}
