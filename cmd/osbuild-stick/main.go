package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/osbuild/osbuild-stick/internal/common"
	"github.com/osbuild/osbuild-stick/internal/disk"
	"github.com/osbuild/osbuild-stick/internal/fetch"
	"github.com/osbuild/osbuild-stick/internal/mount"
	"github.com/osbuild/osbuild-stick/internal/status"
	"github.com/osbuild/osbuild-stick/internal/store"
)

var (
	verbose    bool
	configFile string
	config     *stickConfig
)

var rootCmd = &cobra.Command{
	Use:   "osbuild-stick",
	Short: "Manage bootable OS images on a removable stick",
	Long: `osbuild-stick maintains a repository of bootable OS images on a removable
storage device. Images are deployed under vendor/release names, updated in
place from the URL embedded in their payload, and rolled back from the
backup the last update left behind. The boot loader installed by init
discovers the deployed images at boot time and offers one menu entry per
image.`,
	Version:       common.VersionString(),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			logrus.SetLevel(logrus.DebugLevel)
		}
		logrus.AddHook(&common.BuildHook{})
		logrus.AddHook(&common.VerbHook{Verb: cmd.Name()})
		if common.JournalEnabled() {
			logrus.AddHook(&common.JournalHook{})
		}

		var err error
		config, err = parseConfig(configFile)
		return err
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return status.New(status.ErrorInvalidArgument, "a command is required, see --help")
	},
}

// checkDevice holds the preconditions every verb shares: the caller has the
// privileges the mount and device operations need, and the device argument
// denotes a real block device.
func checkDevice(dev string) error {
	if os.Geteuid() != 0 {
		return status.New(status.ErrorPermissionDenied, "this command must run as root")
	}
	if err := disk.IsBlockDevice(dev); err != nil {
		return status.Wrap(status.ErrorInvalidArgument, err, "not a usable device")
	}
	return nil
}

// withDataPartition runs fn against the image store on the device's data
// partition. The mountpoint is scoped to the call: acquired up front,
// released on every way out.
func withDataPartition(ctx context.Context, dev string, fn func(*store.Store) error) error {
	if err := checkDevice(dev); err != nil {
		return err
	}

	handle, err := mount.AcquireData(ctx, dev)
	if err != nil {
		return err
	}
	defer func() {
		if err := handle.Release(); err != nil {
			logrus.Warnf("cannot release data partition: %v", err)
		}
	}()

	return fn(store.New(handle.StoreRoot()))
}

func newFetcher() (*fetch.Fetcher, error) {
	return fetch.NewFetcher(config.Fetch.Retries, config.Fetch.Proxy, logrus.StandardLogger())
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", defaultConfigFile, "config file")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if code := status.CodeOf(err); code != 0 {
			fmt.Fprintf(os.Stderr, "%s: %v\n", code, err)
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
