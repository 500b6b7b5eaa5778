// Package provision wipes a device and lays down the stick layout: a small
// EFI system partition for the boot loader and the rest of the device as
// the labeled data partition holding the image store. Partitioning and
// filesystem creation are delegated to the usual tools, this package only
// drives them.
package provision

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/osbuild/osbuild-stick/internal/common"
	"github.com/osbuild/osbuild-stick/internal/disk"
	"github.com/osbuild/osbuild-stick/internal/status"
)

// espSize is the size of the boot partition. Plenty for the boot loader,
// its modules and a theme; everything else belongs to the store.
const espSize = "512MiB"

// Seams for tests: commands are recorded instead of run, probing answers
// from fixtures.
var (
	command     = exec.CommandContext
	probeDevice = disk.Probe
)

// Layout names the two partitions provisioning produced.
type Layout struct {
	BootPartition string
	DataPartition string
}

// sfdiskScript returns the GPT layout fed to sfdisk: the EFI system
// partition first, the data partition filling the remainder.
func sfdiskScript() string {
	return fmt.Sprintf("label: gpt\nsize=%s, type=U, name=%s\ntype=L, name=%s\n", espSize, common.BootLabel, common.DataLabel)
}

// run executes one provisioning command, feeding it the given stdin and
// folding its output into the error on failure.
func run(ctx context.Context, stdin string, name string, args ...string) error {
	cmd := command(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	logrus.Debugf("running %s %s", name, strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(output.String()); msg != "" {
			return fmt.Errorf("error running %s: %v: %s", name, err, msg)
		}
		return fmt.Errorf("error running %s: %v", name, err)
	}
	return nil
}

// Partition wipes the device and writes the two-partition GPT layout, then
// probes the result to learn the partition device nodes.
func Partition(ctx context.Context, dev string) (*Layout, error) {
	if err := run(ctx, sfdiskScript(), "sfdisk", "--wipe", "always", dev); err != nil {
		return nil, status.Wrap(status.ErrorProvisionFailed, err, "cannot partition %s", dev)
	}

	// give udev a chance to create the new partition nodes; a system
	// without udev manages without the settling
	if err := run(ctx, "", "udevadm", "settle"); err != nil {
		logrus.Debugf("udevadm settle: %v", err)
	}

	device, err := probeDevice(ctx, dev)
	if err != nil {
		return nil, status.Wrap(status.ErrorProvisionFailed, err, "cannot probe %s after partitioning", dev)
	}
	if len(device.Partitions) != 2 {
		return nil, status.New(status.ErrorProvisionFailed, "expected 2 partitions on %s after partitioning, found %d", dev, len(device.Partitions))
	}

	return &Layout{
		BootPartition: device.Partitions[0].Path,
		DataPartition: device.Partitions[1].Path,
	}, nil
}

// MakeBootFS formats the boot partition with the labeled FAT filesystem the
// firmware and boot loader expect.
func (l *Layout) MakeBootFS(ctx context.Context) error {
	err := run(ctx, "", "mkfs.vfat", "-F", "32", "-n", common.BootLabel, l.BootPartition)
	if err != nil {
		return status.Wrap(status.ErrorProvisionFailed, err, "cannot format boot partition %s", l.BootPartition)
	}
	return nil
}

// MakeDataFS formats the data partition with the labeled ext4 filesystem
// the mount resolver looks for. Extra options come from the config file and
// are passed to mkfs verbatim.
func (l *Layout) MakeDataFS(ctx context.Context, extraOptions []string) error {
	args := append([]string{"-F", "-L", common.DataLabel}, extraOptions...)
	args = append(args, l.DataPartition)
	if err := run(ctx, "", "mkfs.ext4", args...); err != nil {
		return status.Wrap(status.ErrorProvisionFailed, err, "cannot format data partition %s", l.DataPartition)
	}
	return nil
}

// InstallBootloader puts GRUB on the mounted boot partition. The removable
// install path keeps the stick independent of the machine's NVRAM boot
// entries.
func InstallBootloader(ctx context.Context, dev, bootDir string) error {
	err := run(ctx, "", "grub-install",
		"--target=x86_64-efi",
		"--removable",
		"--no-nvram",
		"--efi-directory="+bootDir,
		"--boot-directory="+bootDir,
		dev)
	if err != nil {
		return status.Wrap(status.ErrorProvisionFailed, err, "cannot install boot loader on %s", dev)
	}
	return nil
}
