package workload

import "fmt"

// cowHeadroom is the factor by which the backing image must exceed the
// source file: the source itself, plus room for CoW-diverged blocks and
// filesystem metadata across all clones.
const cowHeadroom = 2

// Config holds the immutable parameters of a benchmark run. Validate once
// at construction; never mutate afterwards.
type Config struct {
	// SourceFileSize is the size in bytes of the file every operation clones.
	SourceFileSize int64

	// ReflinkCount is the number of clone+write operations per run.
	ReflinkCount int

	// ImageSize is the backing image size in bytes for each provisioned
	// filesystem.
	ImageSize int64

	// WriteSize is the number of bytes written into each clone to force
	// the copy-on-write fault.
	WriteSize int

	// Concurrency lists the worker counts to test, in ascending order.
	Concurrency []int
}

// Validate checks the configuration invariants.
func (c Config) Validate() error {
	if c.SourceFileSize <= 0 {
		return fmt.Errorf("source file size must be positive, got %d", c.SourceFileSize)
	}

	if c.ReflinkCount <= 0 {
		return fmt.Errorf("reflink count must be positive, got %d", c.ReflinkCount)
	}

	if c.WriteSize <= 0 {
		return fmt.Errorf("write size must be positive, got %d", c.WriteSize)
	}

	if c.ImageSize < c.SourceFileSize*cowHeadroom {
		return fmt.Errorf(
			"image size %d too small for %d byte source file (need at least %dx headroom for CoW growth)",
			c.ImageSize, c.SourceFileSize, cowHeadroom,
		)
	}

	if len(c.Concurrency) == 0 {
		return fmt.Errorf("at least one concurrency level is required")
	}

	prev := 0
	for _, w := range c.Concurrency {
		if w <= 0 {
			return fmt.Errorf("concurrency levels must be positive, got %d", w)
		}

		if w <= prev {
			return fmt.Errorf("concurrency levels must be strictly ascending, got %v", c.Concurrency)
		}

		prev = w
	}

	return nil
}
