// Package workload executes the reflink-then-write workload against a
// mounted filesystem, either sequentially on the calling goroutine or
// spread across a pool of workers released together from a start barrier.
package workload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fsperf/reflinkbench/reflink"
)

// OpFunc performs one clone+write operation against targetPath and
// returns its elapsed time. index is the operation's position in the run.
type OpFunc func(index int, targetPath string) (time.Duration, error)

// OpResult is the outcome of a single operation. Immutable once produced.
type OpResult struct {
	Index   int           `json:"index"`
	Elapsed time.Duration `json:"elapsed_ns"`
	Err     string        `json:"error,omitempty"`
}

// Failed reports whether the operation failed.
func (r OpResult) Failed() bool {
	return r.Err != ""
}

// RunResult is the complete output of one run. It always holds exactly
// one OpResult per configured operation, failures included.
type RunResult struct {
	Concurrency int           `json:"concurrency"`
	Results     []OpResult    `json:"results"`
	Elapsed     time.Duration `json:"elapsed_ns"`
}

// Executor runs reflink operations against one mounted filesystem. The
// source file is shared read-only by all workers; each operation gets a
// unique target path, so workers never contend on an inode and the
// measured contention is the filesystem's own.
type Executor struct {
	MountPoint string
	Logger     *slog.Logger

	// Op performs one operation. NewExecutor wires it to reflink.Execute;
	// tests substitute fakes.
	Op OpFunc
}

// NewExecutor returns an Executor that clones source into unique targets
// under mountPoint, writing writeSize bytes into each clone.
func NewExecutor(mountPoint string, source *os.File, writeSize int, logger *slog.Logger) *Executor {
	return &Executor{
		MountPoint: mountPoint,
		Logger:     logger,
		Op: func(_ int, targetPath string) (time.Duration, error) {
			return reflink.Execute(source, targetPath, writeSize)
		},
	}
}

// RunSequential executes count operations in strict index order on the
// calling goroutine. I/O failures are recorded per operation and do not
// stop the run; an unsupported-clone or cross-device error aborts the
// whole run, since the filesystem cannot host this benchmark at all.
func (e *Executor) RunSequential(ctx context.Context, count int) (RunResult, error) {
	run := RunResult{
		Concurrency: 1,
		Results:     make([]OpResult, 0, count),
	}

	start := time.Now()

	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return RunResult{}, err
		}

		res, err := e.execOne("seq", i)
		if err != nil {
			return RunResult{}, err
		}

		run.Results = append(run.Results, res)
	}

	run.Elapsed = time.Since(start)

	return run, nil
}

// RunConcurrent partitions count operations across workers goroutines,
// remainder to the first workers. All workers rendezvous at a start
// barrier before the first operation, so the run duration measures true
// concurrent contention rather than staggered-start skew. Workers keep
// private result slices; results are concatenated after the join, the
// only cross-worker synchronization besides the barrier itself.
func (e *Executor) RunConcurrent(ctx context.Context, count, workers int) (RunResult, error) {
	if workers <= 0 {
		return RunResult{}, fmt.Errorf("worker count must be positive, got %d", workers)
	}

	spans := partition(count, workers)
	perWorker := make([][]OpResult, len(spans))
	prefix := fmt.Sprintf("c%d", workers)

	var ready sync.WaitGroup

	ready.Add(len(spans))

	startBarrier := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)

	for w, sp := range spans {
		w, sp := w, sp
		g.Go(func() error {
			ready.Done()

			select {
			case <-startBarrier:
			case <-gctx.Done():
				return gctx.Err()
			}

			out := make([]OpResult, 0, sp.count)

			for i := sp.start; i < sp.start+sp.count; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}

				res, err := e.execOne(prefix, i)
				if err != nil {
					return err
				}

				out = append(out, res)
			}

			perWorker[w] = out

			return nil
		})
	}

	// Release the pool only once every worker is parked at the barrier.
	ready.Wait()

	begin := time.Now()

	close(startBarrier)

	if err := g.Wait(); err != nil {
		return RunResult{}, err
	}

	elapsed := time.Since(begin)

	run := RunResult{
		Concurrency: workers,
		Results:     make([]OpResult, 0, count),
		Elapsed:     elapsed,
	}
	for _, out := range perWorker {
		run.Results = append(run.Results, out...)
	}

	return run, nil
}

// execOne runs a single operation, absorbing per-operation I/O failures
// into the result and propagating only run-fatal errors.
func (e *Executor) execOne(prefix string, index int) (OpResult, error) {
	target := filepath.Join(e.MountPoint, fmt.Sprintf("%s_%06d.dat", prefix, index))

	elapsed, err := e.Op(index, target)
	if err != nil {
		if errors.Is(err, reflink.ErrUnsupported) || errors.Is(err, reflink.ErrCrossDevice) {
			return OpResult{}, err
		}

		e.Logger.Warn("operation failed",
			slog.Int("index", index),
			slog.String("error", err.Error()),
		)

		return OpResult{Index: index, Err: err.Error()}, nil
	}

	return OpResult{Index: index, Elapsed: elapsed}, nil
}

// span is one worker's contiguous slice of the operation index space.
type span struct {
	start int
	count int
}

// partition spreads count operations across workers as evenly as
// possible. The partition is exhaustive and non-overlapping: every index
// in [0, count) appears in exactly one span.
func partition(count, workers int) []span {
	spans := make([]span, workers)
	base := count / workers
	rem := count % workers
	next := 0

	for w := range spans {
		n := base
		if w < rem {
			n++
		}

		spans[w] = span{start: next, count: n}
		next += n
	}

	return spans
}
