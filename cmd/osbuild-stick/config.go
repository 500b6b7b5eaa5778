package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

const defaultConfigFile = "/etc/osbuild-stick/osbuild-stick.toml"

type fetchConfig struct {
	Retries int    `toml:"retries"`
	Proxy   string `toml:"proxy"`
}

type grubConfig struct {
	// menu timeout in seconds
	Timeout int `toml:"timeout"`
	// directory with a boot loader theme to install, empty for none
	ThemeDir string `toml:"theme_dir"`
}

type mkfsConfig struct {
	// extra options passed to mkfs when formatting the data partition
	Options []string `toml:"options"`
}

// stickConfig holds the tunables that are not part of the on-media
// convention. Labels, the store root and the locator window are fixed in
// code; a config file cannot produce a stick other tools would misread.
type stickConfig struct {
	Fetch *fetchConfig `toml:"fetch"`
	GRUB  *grubConfig  `toml:"grub"`
	Mkfs  *mkfsConfig  `toml:"mkfs"`
}

func parseConfig(file string) (*stickConfig, error) {
	// set defaults
	config := stickConfig{
		Fetch: &fetchConfig{
			Retries: 3,
		},
		GRUB: &grubConfig{
			Timeout: 10,
		},
		Mkfs: &mkfsConfig{},
	}

	_, err := toml.DecodeFile(file, &config)
	if err != nil {
		// Return error only when we failed to decode the file.
		// A non-existing config isn't an error, use defaults in this case.
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("cannot parse %s: %v", file, err)
		}
		logrus.Debug("Configuration file not found, using defaults")
	}

	if config.Fetch.Retries < 0 {
		return nil, fmt.Errorf("invalid number of fetch retries: %d", config.Fetch.Retries)
	}
	if config.GRUB.Timeout < 0 {
		return nil, fmt.Errorf("invalid boot menu timeout: %d", config.GRUB.Timeout)
	}
	if config.GRUB.ThemeDir != "" {
		if info, err := os.Stat(config.GRUB.ThemeDir); err != nil || !info.IsDir() {
			return nil, fmt.Errorf("theme directory %s does not exist", config.GRUB.ThemeDir)
		}
	}

	return &config, nil
}
