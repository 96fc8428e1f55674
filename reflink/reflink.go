// Package reflink implements the benchmarked unit of work: clone a source
// file with FICLONE, then write into the clone to force the filesystem to
// materialize a private copy of the touched blocks. The elapsed time
// covers both steps, since the workload of interest is clone plus the
// triggered copy-on-write fault.
package reflink

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// ErrUnsupported indicates the filesystem does not implement the clone
// operation. This aborts the whole run for that filesystem; it is not a
// per-operation failure.
var ErrUnsupported = errors.New("filesystem does not support reflink")

// ErrCrossDevice indicates source and target resolve to different devices.
// Reflinks cannot cross devices, so this is a path-setup bug, not a
// measurable filesystem property.
var ErrCrossDevice = errors.New("reflink source and target on different devices")

// Byte pattern written into the clone; matches nothing the source filler
// produces, so a read-back can verify the write landed.
const writePattern = 0xAA

// Execute clones source to targetPath and writes writeSize pattern bytes
// at offset 0 of the clone, returning the elapsed time for both steps.
// The source file is only read; it may be shared across concurrent calls.
func Execute(source *os.File, targetPath string, writeSize int) (time.Duration, error) {
	start := time.Now()

	target, err := os.OpenFile(targetPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", targetPath, err)
	}
	defer target.Close()

	if err := unix.IoctlFileClone(int(target.Fd()), int(source.Fd())); err != nil {
		return 0, classifyCloneError(targetPath, err)
	}

	buf := make([]byte, writeSize)
	for i := range buf {
		buf[i] = writePattern
	}

	if _, err := unix.Pwrite(int(target.Fd()), buf, 0); err != nil {
		return 0, fmt.Errorf("write %s: %w", targetPath, err)
	}

	if err := target.Close(); err != nil {
		return 0, fmt.Errorf("close %s: %w", targetPath, err)
	}

	return time.Since(start), nil
}

// classifyCloneError maps FICLONE errnos onto the error taxonomy. EINVAL
// counts as unsupported: kernels return it for filesystems without reflink
// support, and the misaligned-range case cannot occur for whole-file
// clones.
func classifyCloneError(targetPath string, err error) error {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return fmt.Errorf("clone %s: %w", targetPath, err)
	}

	switch errno {
	case unix.EOPNOTSUPP, unix.ENOSYS, unix.EINVAL, unix.ENOTTY:
		return fmt.Errorf("clone %s: %s: %w", targetPath, errno.Error(), ErrUnsupported)
	case unix.EXDEV:
		return fmt.Errorf("clone %s: %w", targetPath, ErrCrossDevice)
	default:
		return fmt.Errorf("clone %s: %w", targetPath, err)
	}
}
