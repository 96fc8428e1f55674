// Package results aggregates raw per-operation measurements into run
// summaries and a cross-filesystem comparison. Everything here is plain
// serializable data, recomputable from the raw RunResults.
package results

import (
	"sort"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/fsperf/reflinkbench/workload"
)

// RunSummary holds the derived statistics of one run.
type RunSummary struct {
	Filesystem  string `json:"filesystem"`
	Concurrency int    `json:"concurrency"`
	Operations  int    `json:"operations"`
	Failures    int    `json:"failures"`

	// TotalBytes is Operations times the configured bytes-per-operation
	// (source file size under clone accounting, write size under write
	// accounting).
	TotalBytes int64 `json:"total_bytes"`

	ThroughputMBps float64       `json:"throughput_mbps"`
	OpsPerSec      float64       `json:"ops_per_sec"`
	Elapsed        time.Duration `json:"elapsed_ns"`

	// Latency statistics cover successful operations only.
	MeanLatency time.Duration `json:"mean_latency_ns"`
	MinLatency  time.Duration `json:"min_latency_ns"`
	MaxLatency  time.Duration `json:"max_latency_ns"`
	P95Latency  time.Duration `json:"p95_latency_ns"`
}

// Summarize computes a RunSummary from one run's raw results. bytesPerOp
// is the data volume attributed to each operation for throughput.
func Summarize(fs string, run workload.RunResult, bytesPerOp int64) RunSummary {
	s := RunSummary{
		Filesystem:  fs,
		Concurrency: run.Concurrency,
		Operations:  len(run.Results),
		TotalBytes:  int64(len(run.Results)) * bytesPerOp,
		Elapsed:     run.Elapsed,
	}

	var durations []float64

	for _, r := range run.Results {
		if r.Failed() {
			s.Failures++

			continue
		}

		durations = append(durations, float64(r.Elapsed))
	}

	if secs := run.Elapsed.Seconds(); secs > 0 {
		s.ThroughputMBps = float64(s.TotalBytes) / (1 << 20) / secs
		s.OpsPerSec = float64(len(durations)) / secs
	}

	if len(durations) > 0 {
		mean, _ := stats.Mean(durations)
		min, _ := stats.Min(durations)
		max, _ := stats.Max(durations)
		p95, _ := stats.Percentile(durations, 95)

		s.MeanLatency = time.Duration(mean)
		s.MinLatency = time.Duration(min)
		s.MaxLatency = time.Duration(max)
		s.P95Latency = time.Duration(p95)
	}

	return s
}

// ContentionRatio divides a run's mean latency by the single-worker
// baseline's. 1.0 means no measurable contention; larger values quantify
// degradation under concurrency. Returns 0 when either mean is unknown
// (for example, a run with no successful operations).
func ContentionRatio(baseline, run RunSummary) float64 {
	if baseline.MeanLatency <= 0 || run.MeanLatency <= 0 {
		return 0
	}

	return float64(run.MeanLatency) / float64(baseline.MeanLatency)
}

// LevelEntry is one filesystem's performance at one concurrency level.
type LevelEntry struct {
	Filesystem      string  `json:"filesystem"`
	OpsPerSec       float64 `json:"ops_per_sec"`
	ThroughputMBps  float64 `json:"throughput_mbps"`
	ContentionRatio float64 `json:"contention_ratio"`
}

// LevelComparison compares all filesystems at one concurrency level. A
// level is comparable only when every filesystem in the report ran it;
// otherwise Winner and Speedup are unset.
type LevelComparison struct {
	Concurrency int          `json:"concurrency"`
	Entries     []LevelEntry `json:"entries"`
	Comparable  bool         `json:"comparable"`
	Winner      string       `json:"winner,omitempty"`

	// Speedup is the winner's throughput divided by the slowest
	// comparable filesystem's.
	Speedup float64 `json:"speedup,omitempty"`
}

// ComparisonReport is the read-only aggregate over all runs of all
// filesystems. Computed once after every run completes.
type ComparisonReport struct {
	Filesystems []string          `json:"filesystems"`
	Summaries   []RunSummary      `json:"summaries"`
	Levels      []LevelComparison `json:"levels"`
}

// Compare builds a ComparisonReport from each filesystem's run summaries.
// Filesystems that aborted early simply contribute fewer (or no)
// summaries; levels they are missing from are reported as not comparable.
func Compare(byFS map[string][]RunSummary) ComparisonReport {
	report := ComparisonReport{
		Filesystems: make([]string, 0, len(byFS)),
	}

	for fs := range byFS {
		if len(byFS[fs]) > 0 {
			report.Filesystems = append(report.Filesystems, fs)
		}
	}

	sort.Strings(report.Filesystems)

	baselines := make(map[string]RunSummary, len(report.Filesystems))
	levelSet := make(map[int]struct{})

	for _, fs := range report.Filesystems {
		for _, s := range byFS[fs] {
			report.Summaries = append(report.Summaries, s)
			levelSet[s.Concurrency] = struct{}{}

			if s.Concurrency == 1 {
				if _, ok := baselines[fs]; !ok {
					baselines[fs] = s
				}
			}
		}
	}

	levels := make([]int, 0, len(levelSet))
	for lvl := range levelSet {
		levels = append(levels, lvl)
	}

	sort.Ints(levels)

	for _, lvl := range levels {
		lc := LevelComparison{Concurrency: lvl, Comparable: true}

		var winner, slowest LevelEntry

		for _, fs := range report.Filesystems {
			s, ok := findLevel(byFS[fs], lvl)
			if !ok {
				lc.Comparable = false

				continue
			}

			entry := LevelEntry{
				Filesystem:      fs,
				OpsPerSec:       s.OpsPerSec,
				ThroughputMBps:  s.ThroughputMBps,
				ContentionRatio: ContentionRatio(baselines[fs], s),
			}
			lc.Entries = append(lc.Entries, entry)

			if winner.Filesystem == "" || entry.ThroughputMBps > winner.ThroughputMBps {
				winner = entry
			}

			if slowest.Filesystem == "" || entry.ThroughputMBps < slowest.ThroughputMBps {
				slowest = entry
			}
		}

		if lc.Comparable && slowest.ThroughputMBps > 0 {
			lc.Winner = winner.Filesystem
			lc.Speedup = winner.ThroughputMBps / slowest.ThroughputMBps
		}

		report.Levels = append(report.Levels, lc)
	}

	return report
}

// findLevel returns the first summary at the given concurrency level.
func findLevel(summaries []RunSummary, level int) (RunSummary, bool) {
	for _, s := range summaries {
		if s.Concurrency == level {
			return s, true
		}
	}

	return RunSummary{}, false
}
