package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/osbuild/osbuild-stick/internal/common"
	"github.com/osbuild/osbuild-stick/internal/discover"
	"github.com/osbuild/osbuild-stick/internal/disk"
	"github.com/osbuild/osbuild-stick/internal/mount"
	"github.com/osbuild/osbuild-stick/internal/provision"
	"github.com/osbuild/osbuild-stick/internal/status"
)

var initCmd = &cobra.Command{
	Use:   "init <device>",
	Short: "Wipe a device and set it up as an image stick",
	Long: `Init destroys everything on the device and partitions it anew: a boot
partition holding the boot loader and its image discovery script, and a
data partition holding the image store. The device must not be mounted
anywhere.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dev := args[0]
		ctx := cmd.Context()

		if err := checkDevice(dev); err != nil {
			return err
		}
		probed, err := disk.Probe(ctx, dev)
		if err != nil {
			return status.Wrap(status.ErrorInvalidArgument, err, "cannot probe %s", dev)
		}
		if probed.Mounted() {
			return status.New(status.ErrorInvalidArgument, "%s is mounted, unmount it first", dev)
		}

		layout, err := provision.Partition(ctx, dev)
		if err != nil {
			return err
		}
		if err := layout.MakeBootFS(ctx); err != nil {
			return err
		}
		if err := layout.MakeDataFS(ctx, config.Mkfs.Options); err != nil {
			return err
		}

		if err := populateBootPartition(ctx, dev, layout); err != nil {
			return err
		}
		if err := populateDataPartition(layout); err != nil {
			return err
		}

		logrus.Infof("initialized %s", dev)
		return nil
	},
}

// populateBootPartition installs the boot loader, its configuration and the
// image discovery script on the fresh boot partition.
func populateBootPartition(ctx context.Context, dev string, layout *provision.Layout) error {
	handle, err := mount.AcquirePartition(layout.BootPartition, "boot", false)
	if err != nil {
		return status.Wrap(status.ErrorProvisionFailed, err, "cannot mount boot partition %s", layout.BootPartition)
	}
	defer func() {
		if err := handle.Release(); err != nil {
			logrus.Warnf("cannot release boot partition: %v", err)
		}
	}()

	if err := provision.InstallBootloader(ctx, dev, handle.Path()); err != nil {
		return err
	}

	grubDir := filepath.Join(handle.Path(), "grub")
	if err := os.MkdirAll(grubDir, 0755); err != nil {
		return status.Wrap(status.ErrorProvisionFailed, err, "cannot create %s", grubDir)
	}

	theme := ""
	if config.GRUB.ThemeDir != "" {
		theme = filepath.Base(config.GRUB.ThemeDir)
		if err := installTheme(ctx, config.GRUB.ThemeDir, filepath.Join(grubDir, "themes")); err != nil {
			return err
		}
	}

	mainConfig, err := discover.RenderMainConfig(config.GRUB.Timeout, theme)
	if err != nil {
		return status.Wrap(status.ErrorProvisionFailed, err, "cannot render boot configuration")
	}
	if err := os.WriteFile(filepath.Join(grubDir, "grub.cfg"), []byte(mainConfig), 0644); err != nil {
		return status.Wrap(status.ErrorProvisionFailed, err, "cannot write boot configuration")
	}

	script, err := discover.RenderDiscoveryScript()
	if err != nil {
		return status.Wrap(status.ErrorProvisionFailed, err, "cannot render discovery script")
	}
	if err := os.WriteFile(filepath.Join(grubDir, discover.ScriptName), []byte(script), 0644); err != nil {
		return status.Wrap(status.ErrorProvisionFailed, err, "cannot write discovery script")
	}

	return nil
}

// populateDataPartition creates the empty store root the other commands
// expect to find.
func populateDataPartition(layout *provision.Layout) error {
	handle, err := mount.AcquirePartition(layout.DataPartition, "data", false)
	if err != nil {
		return status.Wrap(status.ErrorProvisionFailed, err, "cannot mount data partition %s", layout.DataPartition)
	}
	defer func() {
		if err := handle.Release(); err != nil {
			logrus.Warnf("cannot release data partition: %v", err)
		}
	}()

	if err := os.MkdirAll(handle.StoreRoot(), 0755); err != nil {
		return status.Wrap(status.ErrorProvisionFailed, err, "cannot create store root %s", common.StoreRoot)
	}
	return nil
}

// installTheme copies the configured boot loader theme onto the boot
// partition, attributes and all.
func installTheme(ctx context.Context, themeDir, destDir string) error {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return status.Wrap(status.ErrorProvisionFailed, err, "cannot create %s", destDir)
	}
	cp := exec.CommandContext(ctx, "cp", "-a", themeDir, destDir+"/")
	if out, err := cp.CombinedOutput(); err != nil {
		return status.Wrap(status.ErrorProvisionFailed, fmt.Errorf("%v: %s", err, strings.TrimSpace(string(out))), "cannot install theme %s", themeDir)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(initCmd)
}
