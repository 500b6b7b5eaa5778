// osbuild-stick-discover is the userland twin of the boot-time discovery
// script: it enumerates the deployable images across the partitions of a
// stick and prints the menu entries the boot loader would build from them.
// It exists so the discovery outcome can be checked without rebooting.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"regexp"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/osbuild/osbuild-stick/internal/common"
	"github.com/osbuild/osbuild-stick/internal/discover"
	"github.com/osbuild/osbuild-stick/internal/disk"
	"github.com/osbuild/osbuild-stick/internal/mount"
)

var (
	verbose bool
	device  string
	noProbe bool
)

var partitionNumberPattern = regexp.MustCompile(`([[:digit:]]+)$`)

var rootCmd = &cobra.Command{
	Use:   "osbuild-stick-discover",
	Short: "Print the boot entries a stick's images produce",
	Long: `Discovers deployable images the way the boot loader does: every partition
of the disk is searched for vendor/release directories with an active
payload, each payload is probe-mounted, and one menu entry is printed per
surviving image. Without --device the disk holding the root filesystem is
searched, the situation when running on a booted stick. Partition device
expressions are printed as seen from the boot loader, with the searched
disk as hd0.`,
	Version:       common.VersionString(),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			logrus.SetLevel(logrus.DebugLevel)
		}
		logrus.AddHook(&common.BuildHook{})
		if common.JournalEnabled() {
			logrus.AddHook(&common.JournalHook{})
		}

		if os.Geteuid() != 0 {
			return fmt.Errorf("this command must run as root")
		}

		ctx := cmd.Context()
		dev := device
		if dev == "" {
			var err error
			dev, err = bootDisk(ctx)
			if err != nil {
				return fmt.Errorf("cannot determine the booted disk, use --device: %v", err)
			}
		}
		if err := disk.IsBlockDevice(dev); err != nil {
			return err
		}

		entries, err := scanDisk(ctx, dev)
		if err != nil {
			return err
		}

		menu, err := discover.RenderMenu(entries)
		if err != nil {
			return err
		}
		fmt.Print(menu)
		return nil
	},
}

// scanDisk mounts every partition of the disk read-only and runs discovery
// over the mounted roots.
func scanDisk(ctx context.Context, dev string) ([]discover.Entry, error) {
	probed, err := disk.Probe(ctx, dev)
	if err != nil {
		return nil, err
	}

	var roots []discover.PartitionRoot
	for i, part := range probed.Partitions {
		handle, err := mount.AcquirePartition(part.Path, "discover", true)
		if err != nil {
			// an unmountable partition has no images to offer
			logrus.Debugf("skipping partition %s: %v", part.Path, err)
			continue
		}
		defer func() {
			if err := handle.Release(); err != nil {
				logrus.Warnf("cannot release %s: %v", handle.Path(), err)
			}
		}()

		expr := discover.BootExpr{Disk: "hd0", Part: partitionNumber(part.Path, i+1)}
		roots = append(roots, discover.PartitionRoot{Device: expr.String(), Path: handle.Path()})
	}

	probe := discover.Prober(probeImage)
	if noProbe {
		probe = nil
	}
	return discover.Scan(roots, probe), nil
}

// partitionNumber extracts the partition number from the device node name,
// falling back to the device-order position when the name carries none.
func partitionNumber(path string, fallback int) int {
	m := partitionNumberPattern.FindStringSubmatch(path)
	if m == nil {
		return fallback
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return fallback
	}
	return n
}

// probeImage checks that a payload is a mountable image carrying the boot
// configuration entries hand over to, the same checks the boot loader's
// script makes before emitting an entry.
func probeImage(path string) error {
	handle, err := mount.AcquireLoop(path)
	if err != nil {
		return err
	}
	defer func() {
		if err := handle.Release(); err != nil {
			logrus.Warnf("cannot release probe mount of %s: %v", path, err)
		}
	}()

	if _, err := os.Stat(handle.Path() + discover.SecondStageConfig); err != nil {
		return fmt.Errorf("image carries no boot configuration: %v", err)
	}
	return nil
}

// bootDisk names the disk backing the root filesystem.
func bootDisk(ctx context.Context) (string, error) {
	src, err := exec.CommandContext(ctx, "findmnt", "-n", "-o", "SOURCE", "/").Output()
	if err != nil {
		return "", fmt.Errorf("findmnt: %v", err)
	}
	parent, err := exec.CommandContext(ctx, "lsblk", "-n", "-o", "PKNAME", strings.TrimSpace(string(src))).Output()
	if err != nil {
		return "", fmt.Errorf("lsblk: %v", err)
	}
	name := strings.TrimSpace(string(parent))
	if name == "" {
		return "", fmt.Errorf("no parent device for %s", strings.TrimSpace(string(src)))
	}
	return "/dev/" + name, nil
}

func main() {
	rootCmd.Flags().BoolVar(&verbose, "verbose", false, "enable debug logging")
	rootCmd.Flags().StringVar(&device, "device", "", "disk to search instead of the booted one")
	rootCmd.Flags().BoolVar(&noProbe, "no-probe", false, "skip probe-mounting the image payloads")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
