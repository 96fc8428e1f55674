// Package fsimage provisions disposable loopback-backed filesystem
// instances for benchmarking: a sparse image file is formatted with the
// target filesystem, attached to a loop device, and mounted. Every
// successfully provisioned instance must be torn down exactly once;
// teardown is idempotent and releases resources in reverse acquisition
// order.
package fsimage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

// Stage names the provisioning sub-step that failed.
type Stage string

const (
	StageImage      Stage = "image"
	StageLoopAttach Stage = "loop-attach"
	StageFormat     Stage = "format"
	StageMount      Stage = "mount"
)

// ProvisionError reports a failed provisioning stage. Resources acquired
// before the failing stage have already been released when it is returned.
type ProvisionError struct {
	Kind  Kind
	Stage Stage
	Err   error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision %s: %s stage: %v", e.Kind, e.Stage, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// ErrBusy indicates unmount kept failing with EBUSY after bounded retries.
// The instance may need manual cleanup, but results collected from it
// remain valid.
var ErrBusy = errors.New("mount point busy after retries")

const (
	unmountRetries = 5
	unmountBackoff = 200 * time.Millisecond
)

type lifecycle int

const (
	stateMounted lifecycle = iota
	stateTornDown
)

// Instance is one provisioned, mounted filesystem under test.
type Instance struct {
	Kind       Kind
	ImagePath  string
	LoopDevice string
	MountPoint string

	state lifecycle
}

// ImagePath returns the deterministic backing-image path for a kind
// under baseDir.
func ImagePath(baseDir string, kind Kind) string {
	return filepath.Join(baseDir, fmt.Sprintf("reflinkbench-%s.img", kind))
}

// MountPoint returns the deterministic mount point for a kind under baseDir.
func MountPoint(baseDir string, kind Kind) string {
	return filepath.Join(baseDir, fmt.Sprintf("reflinkbench-%s", kind))
}

// Provision creates a sparse backing image of imageSize bytes under
// baseDir, attaches it to a free loop device, formats it for kind, and
// mounts it. On any failure it releases everything acquired so far and
// returns a ProvisionError identifying the stage.
func Provision(
	ctx context.Context,
	logger *slog.Logger,
	kind Kind,
	imageSize int64,
	baseDir string,
) (*Instance, error) {
	logger = logger.With(slog.String("fs", kind.String()))

	imagePath := ImagePath(baseDir, kind)
	mountPoint := MountPoint(baseDir, kind)

	// Deferred-release list, run in reverse order when a later stage fails.
	var undo []func()
	fail := func(stage Stage, err error) (*Instance, error) {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}

		return nil, &ProvisionError{Kind: kind, Stage: stage, Err: err}
	}

	logger.Info("provisioning filesystem",
		slog.Int64("image_size", imageSize),
		slog.String("image", imagePath),
		slog.String("mount_point", mountPoint),
	)

	if err := allocateImage(imagePath, imageSize); err != nil {
		return fail(StageImage, err)
	}

	undo = append(undo, func() { os.Remove(imagePath) })

	loopDev, err := loopAttach(ctx, imagePath)
	if err != nil {
		return fail(StageLoopAttach, err)
	}

	undo = append(undo, func() { _ = loopDetach(loopDev) })

	caps := kind.caps()

	args := append(append([]string{}, caps.mkfsArgs...), loopDev)

	out, err := exec.CommandContext(ctx, caps.mkfs, args...).CombinedOutput()
	if err != nil {
		return fail(StageFormat, fmt.Errorf("%s: %w\noutput: %s", caps.mkfs, err, out))
	}

	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return fail(StageMount, err)
	}

	undo = append(undo, func() { os.Remove(mountPoint) })

	if err := unix.Mount(loopDev, mountPoint, caps.fstype, 0, ""); err != nil {
		return fail(StageMount, fmt.Errorf("mount %s on %s: %w", loopDev, mountPoint, err))
	}

	logger.Info("filesystem mounted", slog.String("loop_device", loopDev))

	return &Instance{
		Kind:       kind,
		ImagePath:  imagePath,
		LoopDevice: loopDev,
		MountPoint: mountPoint,
		state:      stateMounted,
	}, nil
}

// Teardown unmounts the instance, detaches its loop device, and removes
// the backing image and mount point. Unmount is retried a bounded number
// of times on EBUSY; exhaustion returns ErrBusy and leaves the instance
// eligible for another Teardown attempt. Calling Teardown on an already
// torn-down instance is a no-op.
func (in *Instance) Teardown(logger *slog.Logger) error {
	if in.state == stateTornDown {
		return nil
	}

	logger = logger.With(slog.String("fs", in.Kind.String()))

	if err := unmountWithRetry(in.MountPoint); err != nil {
		logger.Warn("teardown incomplete",
			slog.String("mount_point", in.MountPoint),
			slog.String("error", err.Error()),
		)

		return fmt.Errorf("unmount %s: %w", in.MountPoint, err)
	}

	if err := loopDetach(in.LoopDevice); err != nil {
		return fmt.Errorf("detach %s: %w", in.LoopDevice, err)
	}

	if err := os.Remove(in.ImagePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove image: %w", err)
	}

	if err := os.Remove(in.MountPoint); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove mount point: %w", err)
	}

	in.state = stateTornDown

	logger.Info("filesystem torn down")

	return nil
}

func allocateImage(path string, size int64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	// Truncate keeps the image sparse; blocks materialize only as the
	// filesystem writes to them.
	if err := f.Truncate(size); err != nil {
		f.Close()
		os.Remove(path)

		return err
	}

	return f.Close()
}

func loopAttach(ctx context.Context, imagePath string) (string, error) {
	out, err := exec.CommandContext(ctx, "losetup", "-f", "--show", imagePath).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("losetup: %w: %s", err, exitErr.Stderr)
		}

		return "", fmt.Errorf("losetup: %w", err)
	}

	dev := strings.TrimSpace(string(out))
	if dev == "" {
		return "", fmt.Errorf("losetup returned no device for %s", imagePath)
	}

	return dev, nil
}

func loopDetach(dev string) error {
	out, err := exec.Command("losetup", "-d", dev).CombinedOutput()
	if err != nil {
		return fmt.Errorf("losetup -d %s: %w: %s", dev, err, out)
	}

	return nil
}

func unmountWithRetry(mountPoint string) error {
	// A worker that has not yet closed its file handles makes the first
	// unmount attempts fail with EBUSY.
	for attempt := 0; attempt < unmountRetries; attempt++ {
		err := unix.Unmount(mountPoint, 0)
		if err == nil {
			return nil
		}

		if !errors.Is(err, unix.EBUSY) {
			if mounted, merr := mountinfo.Mounted(mountPoint); merr == nil && !mounted {
				// Already unmounted out from under us.
				return nil
			}

			return err
		}

		time.Sleep(unmountBackoff)
	}

	return ErrBusy
}
