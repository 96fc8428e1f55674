package results

import (
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/fsperf/reflinkbench/workload"
)

func makeRun(concurrency, success, failed int, perOp, elapsed time.Duration) workload.RunResult {
	run := workload.RunResult{Concurrency: concurrency, Elapsed: elapsed}

	for i := 0; i < success; i++ {
		run.Results = append(run.Results, workload.OpResult{Index: i, Elapsed: perOp})
	}

	for i := 0; i < failed; i++ {
		run.Results = append(run.Results, workload.OpResult{
			Index: success + i,
			Err:   "no space left on device",
		})
	}

	return run
}

func TestSummarize(t *testing.T) {
	const bytesPerOp = 10 << 20 // 10 MiB source file

	run := makeRun(1, 5, 0, 20*time.Millisecond, 100*time.Millisecond)

	s := Summarize("xfs", run, bytesPerOp)

	if s.Filesystem != "xfs" {
		t.Errorf("filesystem = %q, want xfs", s.Filesystem)
	}

	if s.Operations != 5 || s.Failures != 0 {
		t.Errorf("operations/failures = %d/%d, want 5/0", s.Operations, s.Failures)
	}

	if s.TotalBytes != 5*bytesPerOp {
		t.Errorf("total bytes = %d, want %d", s.TotalBytes, int64(5*bytesPerOp))
	}

	// 50 MiB over 0.1 s is 500 MB/s; recomputed independently of Summarize.
	wantThroughput := float64(5*bytesPerOp) / (1 << 20) / run.Elapsed.Seconds()
	if math.Abs(s.ThroughputMBps-wantThroughput) > 1e-9 {
		t.Errorf("throughput = %f, want %f", s.ThroughputMBps, wantThroughput)
	}

	if math.Abs(s.OpsPerSec-50) > 1e-9 {
		t.Errorf("ops/sec = %f, want 50", s.OpsPerSec)
	}

	if s.MeanLatency != 20*time.Millisecond {
		t.Errorf("mean latency = %v, want 20ms", s.MeanLatency)
	}

	if s.MinLatency != 20*time.Millisecond || s.MaxLatency != 20*time.Millisecond {
		t.Errorf("min/max latency = %v/%v, want 20ms/20ms", s.MinLatency, s.MaxLatency)
	}
}

func TestSummarizeIdempotent(t *testing.T) {
	run := makeRun(4, 20, 3, 5*time.Millisecond, time.Second)

	first := Summarize("btrfs", run, 1<<20)
	second := Summarize("btrfs", run, 1<<20)

	if !reflect.DeepEqual(first, second) {
		t.Errorf("re-aggregation differs: %+v vs %+v", first, second)
	}
}

func TestSummarizeCountsFailures(t *testing.T) {
	run := makeRun(2, 7, 3, time.Millisecond, time.Second)

	s := Summarize("xfs", run, 100)

	if s.Operations != 10 {
		t.Errorf("operations = %d, want 10", s.Operations)
	}

	if s.Failures != 3 {
		t.Errorf("failures = %d, want 3", s.Failures)
	}

	// Total bytes counts all configured operations, failed included.
	if s.TotalBytes != 1000 {
		t.Errorf("total bytes = %d, want 1000", s.TotalBytes)
	}

	// Ops/sec counts successes only.
	if math.Abs(s.OpsPerSec-7) > 1e-9 {
		t.Errorf("ops/sec = %f, want 7", s.OpsPerSec)
	}
}

func TestSummarizeAllFailed(t *testing.T) {
	run := makeRun(1, 0, 5, 0, time.Second)

	s := Summarize("xfs", run, 100)

	if s.Failures != 5 || s.OpsPerSec != 0 {
		t.Errorf("failures/ops = %d/%f, want 5/0", s.Failures, s.OpsPerSec)
	}

	if s.MeanLatency != 0 {
		t.Errorf("mean latency = %v, want 0 with no successes", s.MeanLatency)
	}
}

func TestContentionRatioIdentity(t *testing.T) {
	baseline := Summarize("xfs", makeRun(1, 10, 0, 2*time.Millisecond, time.Second), 100)

	if ratio := ContentionRatio(baseline, baseline); ratio != 1.0 {
		t.Errorf("self-ratio = %f, want 1.0", ratio)
	}
}

func TestContentionRatioDegradation(t *testing.T) {
	baseline := Summarize("xfs", makeRun(1, 10, 0, 2*time.Millisecond, time.Second), 100)
	loaded := Summarize("xfs", makeRun(8, 10, 0, 6*time.Millisecond, time.Second), 100)

	if ratio := ContentionRatio(baseline, loaded); math.Abs(ratio-3.0) > 1e-9 {
		t.Errorf("ratio = %f, want 3.0", ratio)
	}
}

func TestContentionRatioUnknownMeans(t *testing.T) {
	baseline := Summarize("xfs", makeRun(1, 10, 0, 2*time.Millisecond, time.Second), 100)
	empty := Summarize("xfs", makeRun(8, 0, 5, 0, time.Second), 100)

	if ratio := ContentionRatio(baseline, empty); ratio != 0 {
		t.Errorf("ratio with no successes = %f, want 0", ratio)
	}

	if ratio := ContentionRatio(empty, baseline); ratio != 0 {
		t.Errorf("ratio with empty baseline = %f, want 0", ratio)
	}
}

func TestCompare(t *testing.T) {
	byFS := map[string][]RunSummary{
		"xfs": {
			Summarize("xfs", makeRun(1, 10, 0, 2*time.Millisecond, 2*time.Second), 1<<20),
			Summarize("xfs", makeRun(4, 10, 0, 4*time.Millisecond, time.Second), 1<<20),
		},
		"btrfs": {
			Summarize("btrfs", makeRun(1, 10, 0, 2*time.Millisecond, 4*time.Second), 1<<20),
			Summarize("btrfs", makeRun(4, 10, 0, 8*time.Millisecond, 2*time.Second), 1<<20),
		},
	}

	report := Compare(byFS)

	if want := []string{"btrfs", "xfs"}; !reflect.DeepEqual(report.Filesystems, want) {
		t.Fatalf("filesystems = %v, want %v", report.Filesystems, want)
	}

	if len(report.Levels) != 2 {
		t.Fatalf("got %d levels, want 2", len(report.Levels))
	}

	lvl4 := report.Levels[1]
	if lvl4.Concurrency != 4 || !lvl4.Comparable {
		t.Fatalf("level = %+v, want comparable concurrency 4", lvl4)
	}

	// xfs ran the level in half the time, so it wins at 2x throughput.
	if lvl4.Winner != "xfs" {
		t.Errorf("winner = %q, want xfs", lvl4.Winner)
	}

	if math.Abs(lvl4.Speedup-2.0) > 1e-9 {
		t.Errorf("speedup = %f, want 2.0", lvl4.Speedup)
	}

	for _, e := range lvl4.Entries {
		want := 2.0
		if e.Filesystem == "btrfs" {
			want = 4.0
		}

		if math.Abs(e.ContentionRatio-want) > 1e-9 {
			t.Errorf("%s contention = %f, want %f", e.Filesystem, e.ContentionRatio, want)
		}
	}
}

func TestCompareMissingLevelNotComparable(t *testing.T) {
	// btrfs aborted after its baseline; level 4 exists only for xfs.
	byFS := map[string][]RunSummary{
		"xfs": {
			Summarize("xfs", makeRun(1, 10, 0, 2*time.Millisecond, time.Second), 100),
			Summarize("xfs", makeRun(4, 10, 0, 4*time.Millisecond, time.Second), 100),
		},
		"btrfs": {
			Summarize("btrfs", makeRun(1, 10, 0, 2*time.Millisecond, time.Second), 100),
		},
	}

	report := Compare(byFS)

	if len(report.Levels) != 2 {
		t.Fatalf("got %d levels, want 2", len(report.Levels))
	}

	lvl4 := report.Levels[1]
	if lvl4.Comparable {
		t.Error("level 4 should not be comparable with btrfs missing")
	}

	if lvl4.Winner != "" || lvl4.Speedup != 0 {
		t.Errorf("non-comparable level has winner %q speedup %f", lvl4.Winner, lvl4.Speedup)
	}

	if len(lvl4.Entries) != 1 || lvl4.Entries[0].Filesystem != "xfs" {
		t.Errorf("entries = %+v, want the xfs run only", lvl4.Entries)
	}
}

func TestCompareSkipsAbortedFilesystem(t *testing.T) {
	// A filesystem that never completed a run contributes nothing.
	byFS := map[string][]RunSummary{
		"xfs": {
			Summarize("xfs", makeRun(1, 10, 0, 2*time.Millisecond, time.Second), 100),
		},
		"btrfs": nil,
	}

	report := Compare(byFS)

	if want := []string{"xfs"}; !reflect.DeepEqual(report.Filesystems, want) {
		t.Errorf("filesystems = %v, want %v", report.Filesystems, want)
	}
}
