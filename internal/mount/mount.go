// Package mount turns a partition into a scoped mountpoint handle. A Handle
// lives for one command invocation and is always released, also when the
// command dies to a signal: main cancels the context, the operation returns,
// and the deferred Release runs.
package mount

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	urootmount "github.com/u-root/u-root/pkg/mount"
	"golang.org/x/sys/unix"

	"github.com/osbuild/osbuild-stick/internal/common"
	"github.com/osbuild/osbuild-stick/internal/disk"
	"github.com/osbuild/osbuild-stick/internal/status"
)

const maxUnmountTries = 16

// The seams below exist so tests can run without root and without real
// block devices.
var (
	runDir      = common.RunDir
	probeDevice = disk.Probe

	mountFn = func(dev, dir string, readOnly bool) error {
		var flags uintptr
		if readOnly {
			flags = unix.MS_RDONLY
		}
		// Try u-root's mount first; fall back to the mount binary, which
		// knows about helper-mounted filesystems.
		if _, err := urootmount.TryMount(dev, dir, "", flags); err == nil {
			return nil
		}
		args := []string{dev, dir}
		if readOnly {
			args = append(args, "-o", "ro")
		}
		out, err := exec.Command("mount", args...).CombinedOutput()
		if err != nil {
			return fmt.Errorf("mount %s on %s: %v: %s", dev, dir, err, strings.TrimSpace(string(out)))
		}
		return nil
	}

	loopMountFn = func(file, dir string) error {
		out, err := exec.Command("mount", "-o", "loop,ro", file, dir).CombinedOutput()
		if err != nil {
			return fmt.Errorf("mount %s on %s: %v: %s", file, dir, err, strings.TrimSpace(string(out)))
		}
		return nil
	}

	unmountFn = func(dir string) error {
		return urootmount.Unmount(dir, false, false)
	}

	isMountpointFn = isMountpoint
)

// Handle is a mounted partition. Release must be called exactly once per
// acquired handle, but calling it again (or racing another unmounter) is
// harmless.
type Handle struct {
	dir      string
	device   string
	released bool
}

// Path returns the mountpoint directory.
func (h *Handle) Path() string {
	return h.dir
}

// StoreRoot returns the image store root on this mountpoint.
func (h *Handle) StoreRoot() string {
	return filepath.Join(h.dir, common.StoreRoot)
}

// Release unmounts the partition and removes the scratch directory. It
// keeps unmounting until the directory is no longer a mountpoint, so
// stacked mounts and mounts already removed by another actor are both
// handled.
func (h *Handle) Release() error {
	if h.released {
		return nil
	}

	for tries := 0; isMountpointFn(h.dir); tries++ {
		if tries == maxUnmountTries {
			return fmt.Errorf("%s is still mounted after %d unmount attempts", h.dir, maxUnmountTries)
		}
		if err := unmountFn(h.dir); err != nil {
			// Someone else may have unmounted between the check and the
			// call; only fail if the mount is actually still there.
			if isMountpointFn(h.dir) {
				return fmt.Errorf("unmount %s: %v", h.dir, err)
			}
		}
	}

	h.released = true
	logrus.WithField("device", h.device).Debugf("released mountpoint %s", h.dir)
	return os.RemoveAll(h.dir)
}

// AcquirePartition mounts the given partition node at a fresh scratch
// directory under the run dir. The prefix names the scratch dir for
// debuggability only.
func AcquirePartition(part, prefix string, readOnly bool) (*Handle, error) {
	dir := filepath.Join(runDir, fmt.Sprintf("%s-%s", prefix, uuid.New().String()))
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("cannot create mountpoint %s: %v", dir, err)
	}

	if err := mountFn(part, dir, readOnly); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}

	logrus.WithField("device", part).Debugf("mounted at %s", dir)
	return &Handle{dir: dir, device: part}, nil
}

// AcquireLoop mounts an image file read-only over a loop device at a fresh
// scratch directory. Unmounting through Release detaches the loop device
// again.
func AcquireLoop(file string) (*Handle, error) {
	dir := filepath.Join(runDir, fmt.Sprintf("loop-%s", uuid.New().String()))
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("cannot create mountpoint %s: %v", dir, err)
	}

	if err := loopMountFn(file, dir); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}

	logrus.WithField("image", file).Debugf("loop-mounted at %s", dir)
	return &Handle{dir: dir, device: file}, nil
}

// AcquireData locates the labeled data partition on the device and mounts
// it. A device without the data label is uninitialized.
func AcquireData(ctx context.Context, dev string) (*Handle, error) {
	device, err := probeDevice(ctx, dev)
	if err != nil {
		return nil, status.Wrap(status.ErrorNotInitialized, err, "cannot probe %s", dev)
	}

	part, err := device.PartitionByLabel(common.DataLabel)
	if err != nil {
		return nil, status.Wrap(status.ErrorNotInitialized, err, "bad partition layout on %s", dev)
	}
	if part == nil {
		return nil, status.New(status.ErrorNotInitialized, "no partition labeled %q on %s, run init first", common.DataLabel, dev)
	}

	handle, err := AcquirePartition(part.Path, "data", false)
	if err != nil {
		return nil, status.Wrap(status.ErrorNotInitialized, err, "cannot mount data partition %s", part.Path)
	}
	return handle, nil
}

// isMountpoint reports whether dir is currently a mountpoint, per the
// kernel's mount table.
func isMountpoint(dir string) bool {
	data, err := os.ReadFile("/proc/self/mounts")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == dir {
			return true
		}
	}
	return false
}
