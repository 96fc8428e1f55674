package fsimage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/moby/sys/mountinfo"
)

// CheckTools verifies that the host can provision the given kinds: Linux
// only, with losetup and each kind's mkfs tool on PATH. Run before any
// provisioning so a missing tool fails fast instead of mid-sequence.
func CheckTools(kinds []Kind) error {
	if runtime.GOOS != "linux" {
		return fmt.Errorf("loopback provisioning requires linux, running on %s", runtime.GOOS)
	}

	var errs []error

	if _, err := exec.LookPath("losetup"); err != nil {
		errs = append(errs, fmt.Errorf("losetup not found: %w", err))
	}

	for _, k := range kinds {
		if _, err := exec.LookPath(k.caps().mkfs); err != nil {
			errs = append(errs, fmt.Errorf("%s not found: %w", k.caps().mkfs, err))
		}
	}

	return errors.Join(errs...)
}

// Cleanup sweeps leftover artifacts from earlier runs that did not tear
// down cleanly: mounted instances are unmounted, attached loop devices
// detached, and images and mount points removed. Best effort; individual
// failures are logged and the sweep continues.
func Cleanup(logger *slog.Logger, baseDir string) error {
	var errs []error

	for _, kind := range Kinds() {
		imagePath := ImagePath(baseDir, kind)
		mountPoint := MountPoint(baseDir, kind)

		if mounted, err := mountinfo.Mounted(mountPoint); err == nil && mounted {
			if err := unmountWithRetry(mountPoint); err != nil {
				errs = append(errs, fmt.Errorf("unmount %s: %w", mountPoint, err))
			} else {
				logger.Info("unmounted leftover instance",
					slog.String("mount_point", mountPoint))
			}
		}

		for _, dev := range loopDevicesFor(imagePath) {
			if err := loopDetach(dev); err != nil {
				errs = append(errs, err)
			} else {
				logger.Info("detached leftover loop device",
					slog.String("device", dev))
			}
		}

		if err := os.Remove(imagePath); err == nil {
			logger.Info("removed leftover image", slog.String("image", imagePath))
		} else if !os.IsNotExist(err) {
			errs = append(errs, err)
		}

		if err := os.Remove(mountPoint); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// loopDevicesFor lists loop devices currently backed by imagePath.
func loopDevicesFor(imagePath string) []string {
	out, err := exec.Command("losetup", "-j", imagePath).Output()
	if err != nil {
		return nil
	}

	var devs []string

	for _, line := range strings.Split(string(out), "\n") {
		// losetup -j output: "/dev/loop3: []: (/tmp/....img)"
		dev, _, ok := strings.Cut(line, ":")
		if ok && strings.HasPrefix(dev, "/dev/loop") {
			devs = append(devs, strings.TrimSpace(dev))
		}
	}

	return devs
}
