package mount

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbuild/osbuild-stick/internal/disk"
	"github.com/osbuild/osbuild-stick/internal/status"
)

// fakeMounts swaps all seams: mounts succeed without touching the system,
// unmount progress is simulated by a countdown of "still mounted" answers.
type fakeMounts struct {
	mounted      []string // devices passed to mountFn
	loopMounted  []string // files passed to loopMountFn
	unmounts     int
	mountedLeft  int // how many isMountpoint calls still answer true
	unmountError error
}

func installFakes(t *testing.T, f *fakeMounts) {
	t.Helper()

	origRunDir := runDir
	origMount := mountFn
	origLoop := loopMountFn
	origUnmount := unmountFn
	origIsMountpoint := isMountpointFn
	t.Cleanup(func() {
		runDir = origRunDir
		mountFn = origMount
		loopMountFn = origLoop
		unmountFn = origUnmount
		isMountpointFn = origIsMountpoint
	})

	runDir = t.TempDir()
	mountFn = func(dev, dir string, readOnly bool) error {
		f.mounted = append(f.mounted, dev)
		return nil
	}
	loopMountFn = func(file, dir string) error {
		f.loopMounted = append(f.loopMounted, file)
		return nil
	}
	unmountFn = func(dir string) error {
		f.unmounts++
		if f.unmountError != nil {
			return f.unmountError
		}
		if f.mountedLeft > 0 {
			f.mountedLeft--
		}
		return nil
	}
	isMountpointFn = func(dir string) bool {
		return f.mountedLeft > 0
	}
}

func fakeProbe(t *testing.T, device *disk.Device, err error) {
	orig := probeDevice
	t.Cleanup(func() { probeDevice = orig })
	probeDevice = func(ctx context.Context, dev string) (*disk.Device, error) {
		return device, err
	}
}

func twoPartitionDevice() *disk.Device {
	return &disk.Device{
		Path: "/dev/sdb",
		Partitions: []disk.Partition{
			{Path: "/dev/sdb1", FSType: "vfat", Label: "STICKBOOT"},
			{Path: "/dev/sdb2", FSType: "ext4", Label: "STICKDATA"},
		},
	}
}

func TestAcquireRelease(t *testing.T) {
	fakes := &fakeMounts{mountedLeft: 1}
	installFakes(t, fakes)

	handle, err := AcquirePartition("/dev/sdb2", "data", false)
	require.NoError(t, err)
	require.Equal(t, []string{"/dev/sdb2"}, fakes.mounted)
	require.DirExists(t, handle.Path())

	require.NoError(t, handle.Release())
	assert.Equal(t, 1, fakes.unmounts)
	assert.NoDirExists(t, handle.Path())
}

func TestReleaseIdempotent(t *testing.T) {
	fakes := &fakeMounts{mountedLeft: 1}
	installFakes(t, fakes)

	handle, err := AcquirePartition("/dev/sdb2", "data", false)
	require.NoError(t, err)

	require.NoError(t, handle.Release())
	require.NoError(t, handle.Release())
	assert.Equal(t, 1, fakes.unmounts, "a released handle does not unmount again")
}

func TestReleaseAlreadyUnmounted(t *testing.T) {
	// another actor unmounted the partition before Release ran
	fakes := &fakeMounts{mountedLeft: 0}
	installFakes(t, fakes)

	handle, err := AcquirePartition("/dev/sdb2", "data", false)
	require.NoError(t, err)

	require.NoError(t, handle.Release())
	assert.Zero(t, fakes.unmounts)
}

func TestReleaseToleratesUnmountRace(t *testing.T) {
	// the unmount call fails, but only because someone else got there
	// first: the directory is no longer a mountpoint afterwards
	fakes := &fakeMounts{mountedLeft: 1}
	installFakes(t, fakes)
	unmountFn = func(dir string) error {
		fakes.unmounts++
		fakes.mountedLeft = 0
		return errors.New("umount: not mounted")
	}

	handle, err := AcquirePartition("/dev/sdb2", "data", false)
	require.NoError(t, err)

	require.NoError(t, handle.Release())
	assert.Equal(t, 1, fakes.unmounts)
	assert.NoDirExists(t, handle.Path())
}

func TestReleaseGivesUpEventually(t *testing.T) {
	// a mount that refuses to go away must not loop forever
	fakes := &fakeMounts{mountedLeft: 1}
	installFakes(t, fakes)
	unmountFn = func(dir string) error {
		fakes.unmounts++
		return nil // pretends to succeed, but the mount stays
	}

	handle, err := AcquirePartition("/dev/sdb2", "data", false)
	require.NoError(t, err)

	require.Error(t, handle.Release())
	assert.Equal(t, maxUnmountTries, fakes.unmounts)
}

func TestAcquireDataMissingLabel(t *testing.T) {
	fakes := &fakeMounts{}
	installFakes(t, fakes)
	fakeProbe(t, &disk.Device{
		Path: "/dev/sdb",
		Partitions: []disk.Partition{
			{Path: "/dev/sdb1", FSType: "vfat", Label: "OTHER"},
		},
	}, nil)

	_, err := AcquireData(context.Background(), "/dev/sdb")
	require.Error(t, err)
	assert.Equal(t, status.ErrorNotInitialized, status.CodeOf(err))
	assert.Empty(t, fakes.mounted)
}

func TestAcquireData(t *testing.T) {
	fakes := &fakeMounts{}
	installFakes(t, fakes)
	fakeProbe(t, twoPartitionDevice(), nil)

	handle, err := AcquireData(context.Background(), "/dev/sdb")
	require.NoError(t, err)
	assert.Equal(t, []string{"/dev/sdb2"}, fakes.mounted)

	// the store root lives under the mountpoint
	assert.Equal(t, handle.Path()+"/boot_images", handle.StoreRoot())
	require.NoError(t, handle.Release())
}

func TestAcquireDataProbeFails(t *testing.T) {
	installFakes(t, &fakeMounts{})
	fakeProbe(t, nil, errors.New("no such device"))

	_, err := AcquireData(context.Background(), "/dev/sdb")
	require.Error(t, err)
	assert.Equal(t, status.ErrorNotInitialized, status.CodeOf(err))
}

func TestAcquireDataDuplicateLabel(t *testing.T) {
	installFakes(t, &fakeMounts{})
	fakeProbe(t, &disk.Device{
		Path: "/dev/sdb",
		Partitions: []disk.Partition{
			{Path: "/dev/sdb1", FSType: "ext4", Label: "STICKDATA"},
			{Path: "/dev/sdb2", FSType: "ext4", Label: "STICKDATA"},
		},
	}, nil)

	_, err := AcquireData(context.Background(), "/dev/sdb")
	require.Error(t, err)
	assert.Equal(t, status.ErrorNotInitialized, status.CodeOf(err))
}

func TestAcquireLoop(t *testing.T) {
	fakes := &fakeMounts{mountedLeft: 1}
	installFakes(t, fakes)

	handle, err := AcquireLoop("/data/boot_images/acme/widget/active")
	require.NoError(t, err)
	assert.Equal(t, []string{"/data/boot_images/acme/widget/active"}, fakes.loopMounted)
	require.NoError(t, handle.Release())
}

func TestAcquireMountFails(t *testing.T) {
	fakes := &fakeMounts{}
	installFakes(t, fakes)
	mountFn = func(dev, dir string, readOnly bool) error {
		return errors.New("mount failed")
	}

	_, err := AcquirePartition("/dev/sdb2", "data", false)
	require.Error(t, err)

	// the scratch directory is cleaned up again
	entries, readErr := os.ReadDir(runDir)
	require.NoError(t, readErr)
	assert.Empty(t, entries)
}
