package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/osbuild/osbuild-stick/internal/fetch"
	"github.com/osbuild/osbuild-stick/internal/status"
	"github.com/osbuild/osbuild-stick/internal/store"
	"github.com/osbuild/osbuild-stick/internal/update"
)

var deployCmd = &cobra.Command{
	Use:   "deploy <device> <vendor/release> <path-or-url>",
	Short: "Deploy an image from a local file or a URL",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, err := store.ParseName(args[1])
		if err != nil {
			return err
		}
		src := args[2]

		return withDataPartition(cmd.Context(), args[0], func(s *store.Store) error {
			// remember whether this deploy created the image, so a failed
			// deploy can be erased without touching anything older
			existedBefore := s.Deployed(name)
			if err := s.Create(name); err != nil {
				return err
			}

			var deployErr error
			if fetch.IsURL(src) {
				fetcher, err := newFetcher()
				if err != nil {
					return err
				}
				deployErr = fetcher.Fetch(cmd.Context(), src, s.StagePath(name), "")
				if deployErr == nil {
					deployErr = s.Promote(name)
				}
				if deployErr != nil {
					deployErr = status.Wrap(status.ErrorDeployFailed, deployErr, "cannot deploy %s", name)
				}
			} else {
				deployErr = s.WriteActiveFromFile(name, src)
			}

			if deployErr != nil {
				s.RollbackDeploy(name, existedBefore)
				return deployErr
			}

			logrus.Infof("deployed %s from %s", name, src)
			return nil
		})
	},
}

var updateCmd = &cobra.Command{
	Use:   "update <device> <vendor/release>",
	Short: "Update an image from the URL embedded in its payload",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, err := store.ParseName(args[1])
		if err != nil {
			return err
		}

		return withDataPartition(cmd.Context(), args[0], func(s *store.Store) error {
			fetcher, err := newFetcher()
			if err != nil {
				return err
			}
			if err := update.Run(cmd.Context(), s, fetcher, name); err != nil {
				return err
			}
			logrus.Infof("updated %s", name)
			return nil
		})
	},
}

var revertCmd = &cobra.Command{
	Use:   "revert <device> <vendor/release>",
	Short: "Replace an image's payload with the backup from before its last update",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, err := store.ParseName(args[1])
		if err != nil {
			return err
		}
		return withDataPartition(cmd.Context(), args[0], func(s *store.Store) error {
			if err := s.Revert(name); err != nil {
				return err
			}
			logrus.Infof("reverted %s", name)
			return nil
		})
	},
}

var cleanCmd = &cobra.Command{
	Use:   "clean <device> <vendor/release>",
	Short: "Discard an image's backup to free its space",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, err := store.ParseName(args[1])
		if err != nil {
			return err
		}
		return withDataPartition(cmd.Context(), args[0], func(s *store.Store) error {
			return s.Clean(name)
		})
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <device> <vendor/release>",
	Short: "Delete an image and its payloads",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, err := store.ParseName(args[1])
		if err != nil {
			return err
		}
		return withDataPartition(cmd.Context(), args[0], func(s *store.Store) error {
			if err := s.Remove(name); err != nil {
				return err
			}
			logrus.Infof("removed %s", name)
			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list <device>",
	Short: "List the deployed images",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDataPartition(cmd.Context(), args[0], func(s *store.Store) error {
			images, err := s.List()
			if err != nil {
				return err
			}
			for _, image := range images {
				state := "active"
				if image.HasBackup {
					state = "active+backup"
				}
				fmt.Printf("%-40s %s\n", image.Name, state)
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(revertCmd)
	rootCmd.AddCommand(cleanCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(listCmd)
}
