// Package main provides the CLI entry point for reflinkbench, a tool that
// compares copy-on-write clone performance across filesystems under
// sequential and concurrent workloads.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/fsperf/reflinkbench/fsimage"
	"github.com/fsperf/reflinkbench/reflink"
	"github.com/fsperf/reflinkbench/report"
	"github.com/fsperf/reflinkbench/results"
	"github.com/fsperf/reflinkbench/workload"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	root := newRootCmd(logger)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(logger *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:   "reflinkbench",
		Short: "Benchmark reflink performance across filesystems",
		Long: `Reflinkbench provisions disposable loopback-backed filesystems, runs a
reflink-then-write workload at increasing concurrency levels against each,
and compares throughput, latency, and contention degradation.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd(logger))
	root.AddCommand(newCleanupCmd(logger))

	return root
}

func newRunCmd(logger *slog.Logger) *cobra.Command {
	var (
		fileSize     string
		imageSize    string
		writeSize    string
		reflinkCount int
		concurrency  []int
		filesystems  []string
		baseDir      string
		accounting   string
		outputJSON   bool
		outputPath   string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the reflink benchmark across filesystems",
		Long: `Provision each requested filesystem on a loop device, run the
reflink+write workload sequentially and at each concurrency level, and
report a comparison. Requires root and the mkfs tools for the requested
filesystems.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBenchmark(cmd.Context(), logger, runConfig{
				fileSize:     fileSize,
				imageSize:    imageSize,
				writeSize:    writeSize,
				reflinkCount: reflinkCount,
				concurrency:  concurrency,
				filesystems:  filesystems,
				baseDir:      baseDir,
				accounting:   accounting,
				outputJSON:   outputJSON,
				outputPath:   outputPath,
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&fileSize, "file-size", "100MB",
		"Size of the source file each operation clones")
	flags.IntVar(&reflinkCount, "reflink-count", 1000,
		"Number of reflink+write operations per run")
	flags.StringVar(&imageSize, "image-size", "2GB",
		"Size of each filesystem's backing image")
	flags.StringVar(&writeSize, "write-size", "4KiB",
		"Bytes written into each clone to trigger copy-on-write")
	flags.IntSliceVar(&concurrency, "concurrency",
		[]int{1, 2, 4, 8, 16, 32, 64, 128},
		"Worker counts to test, ascending")
	flags.StringSliceVar(&filesystems, "filesystems", []string{"xfs", "btrfs"},
		"Filesystems to benchmark")
	flags.StringVar(&baseDir, "base-dir", "/tmp",
		"Directory for backing images and mount points")
	flags.StringVar(&accounting, "throughput-bytes", "file",
		"Bytes counted per operation for throughput: file or write")
	flags.BoolVar(&outputJSON, "json", false,
		"Output the report as JSON instead of tables")
	flags.StringVar(&outputPath, "output", "",
		"Also write the JSON report to this file")

	return cmd
}

func newCleanupCmd(logger *slog.Logger) *cobra.Command {
	var baseDir string

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove leftover images, loop devices, and mounts",
		RunE: func(_ *cobra.Command, _ []string) error {
			return fsimage.Cleanup(logger, baseDir)
		},
	}

	cmd.Flags().StringVar(&baseDir, "base-dir", "/tmp",
		"Directory holding backing images and mount points")

	return cmd
}

type runConfig struct {
	fileSize     string
	imageSize    string
	writeSize    string
	reflinkCount int
	concurrency  []int
	filesystems  []string
	baseDir      string
	accounting   string
	outputJSON   bool
	outputPath   string
}

func runBenchmark(ctx context.Context, logger *slog.Logger, cfg runConfig) error {
	wcfg, kinds, err := parseRunConfig(cfg)
	if err != nil {
		return err
	}

	if err := fsimage.CheckTools(kinds); err != nil {
		return fmt.Errorf("preflight: %w", err)
	}

	bytesPerOp := wcfg.SourceFileSize
	if cfg.accounting == "write" {
		bytesPerOp = int64(wcfg.WriteSize)
	}

	logger.InfoContext(ctx, "starting benchmark",
		slog.String("file_size", report.FormatBytes(wcfg.SourceFileSize)),
		slog.Int("reflink_count", wcfg.ReflinkCount),
		slog.String("image_size", report.FormatBytes(wcfg.ImageSize)),
		slog.Any("concurrency", wcfg.Concurrency),
		slog.Any("filesystems", cfg.filesystems),
	)

	// Every provisioned instance is registered and drained here, so a
	// failure partway through one filesystem cannot leak loop devices
	// into the next.
	registry := &fsimage.Registry{}
	defer func() {
		if err := registry.Close(logger); err != nil {
			logger.Warn("cleanup incomplete", slog.String("error", err.Error()))
		}
	}()

	byFS := make(map[string][]results.RunSummary, len(kinds))

	for _, kind := range kinds {
		summaries, err := runKind(ctx, logger, registry, kind, wcfg, cfg.baseDir, bytesPerOp)
		if err != nil {
			if errors.Is(err, reflink.ErrUnsupported) {
				logger.Warn("filesystem does not support reflink, skipping",
					slog.String("fs", kind.String()))

				continue
			}

			// Structural failure: this kind contributes nothing, but the
			// other kinds still run.
			logger.Error("filesystem benchmark failed",
				slog.String("fs", kind.String()),
				slog.String("error", err.Error()),
			)

			continue
		}

		byFS[kind.String()] = summaries
	}

	comparison := results.Compare(byFS)
	if len(comparison.Filesystems) == 0 {
		return fmt.Errorf("no filesystem completed the benchmark")
	}

	if cfg.outputPath != "" {
		if err := writeJSONFile(cfg.outputPath, comparison); err != nil {
			return err
		}

		logger.Info("report written", slog.String("path", cfg.outputPath))
	}

	if cfg.outputJSON {
		return report.RenderJSON(os.Stdout, comparison)
	}

	return report.Render(os.Stdout, comparison)
}

func parseRunConfig(cfg runConfig) (workload.Config, []fsimage.Kind, error) {
	fileSize, err := humanize.ParseBytes(cfg.fileSize)
	if err != nil {
		return workload.Config{}, nil, fmt.Errorf("parse --file-size: %w", err)
	}

	imageSize, err := humanize.ParseBytes(cfg.imageSize)
	if err != nil {
		return workload.Config{}, nil, fmt.Errorf("parse --image-size: %w", err)
	}

	writeSize, err := humanize.ParseBytes(cfg.writeSize)
	if err != nil {
		return workload.Config{}, nil, fmt.Errorf("parse --write-size: %w", err)
	}

	if cfg.accounting != "file" && cfg.accounting != "write" {
		return workload.Config{}, nil, fmt.Errorf(
			"--throughput-bytes must be file or write, got %q", cfg.accounting)
	}

	wcfg := workload.Config{
		SourceFileSize: int64(fileSize),
		ReflinkCount:   cfg.reflinkCount,
		ImageSize:      int64(imageSize),
		WriteSize:      int(writeSize),
		Concurrency:    cfg.concurrency,
	}
	if err := wcfg.Validate(); err != nil {
		return workload.Config{}, nil, err
	}

	kinds := make([]fsimage.Kind, 0, len(cfg.filesystems))

	for _, name := range cfg.filesystems {
		kind, err := fsimage.ParseKind(name)
		if err != nil {
			return workload.Config{}, nil, err
		}

		kinds = append(kinds, kind)
	}

	if len(kinds) == 0 {
		return workload.Config{}, nil, fmt.Errorf("at least one filesystem must be specified")
	}

	return wcfg, kinds, nil
}

// runKind benchmarks a single filesystem kind: provision, source file,
// sequential baseline, each concurrency level, teardown.
func runKind(
	ctx context.Context,
	logger *slog.Logger,
	registry *fsimage.Registry,
	kind fsimage.Kind,
	cfg workload.Config,
	baseDir string,
	bytesPerOp int64,
) ([]results.RunSummary, error) {
	instance, err := fsimage.Provision(ctx, logger, kind, cfg.ImageSize, baseDir)
	if err != nil {
		return nil, err
	}

	registry.Add(instance)

	// Teardown here as soon as the kind finishes; the registry drain at
	// the end of the run is the backstop and a second call is a no-op.
	defer func() {
		if err := instance.Teardown(logger); err != nil {
			logger.Warn("teardown failed, artifacts may need manual cleanup",
				slog.String("fs", kind.String()),
				slog.String("error", err.Error()),
			)
		}
	}()

	sourcePath := filepath.Join(instance.MountPoint, "source.dat")
	if err := reflink.CreateSourceFile(sourcePath, cfg.SourceFileSize); err != nil {
		return nil, err
	}

	source, err := os.Open(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}
	// The source handle must be closed before teardown unmounts, or the
	// unmount retries against EBUSY for nothing.
	defer source.Close()

	executor := workload.NewExecutor(instance.MountPoint, source, cfg.WriteSize, logger)
	fs := kind.String()

	logger.Info("running sequential baseline", slog.String("fs", fs))

	run, err := executor.RunSequential(ctx, cfg.ReflinkCount)
	if err != nil {
		return nil, err
	}

	summaries := []results.RunSummary{results.Summarize(fs, run, bytesPerOp)}

	for _, workers := range cfg.Concurrency {
		logger.Info("running concurrent workload",
			slog.String("fs", fs),
			slog.Int("workers", workers),
		)

		run, err := executor.RunConcurrent(ctx, cfg.ReflinkCount, workers)
		if err != nil {
			return nil, err
		}

		s := results.Summarize(fs, run, bytesPerOp)
		summaries = append(summaries, s)

		logger.Info("run complete",
			slog.String("fs", fs),
			slog.Int("workers", workers),
			slog.Duration("elapsed", s.Elapsed),
			slog.Int("failures", s.Failures),
		)
	}

	if err := source.Close(); err != nil {
		return nil, fmt.Errorf("close source file: %w", err)
	}

	return summaries, nil
}

func writeJSONFile(path string, comparison results.ComparisonReport) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report file: %w", err)
	}

	if err := report.RenderJSON(f, comparison); err != nil {
		f.Close()

		return err
	}

	return f.Close()
}
