// Package disk probes block devices and their partitions. All knowledge
// about a device (partitions, filesystem labels, mount state) comes from a
// single lsblk invocation, so commands see one consistent snapshot.
package disk

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"
)

// Partition is one sub-device of a probed disk.
type Partition struct {
	Path       string // device node, e.g. /dev/sdb2
	FSType     string // filesystem type, empty if unformatted
	Label      string // filesystem label, empty if none
	Mountpoint string // current mountpoint, empty if not mounted
}

// Device is a probed disk with its partitions in device order.
type Device struct {
	Path       string
	Mountpoint string
	Partitions []Partition
}

// lsblkCommand constructs the probe command. Tests swap it out to feed
// canned output.
var lsblkCommand = func(ctx context.Context, dev string) *exec.Cmd {
	return exec.CommandContext(ctx, "lsblk", "--json", "--output", "PATH,TYPE,FSTYPE,LABEL,MOUNTPOINT", dev)
}

type lsblkOutput struct {
	Blockdevices []lsblkDevice `json:"blockdevices"`
}

type lsblkDevice struct {
	Path       string        `json:"path"`
	Type       string        `json:"type"`
	FSType     string        `json:"fstype"`
	Label      string        `json:"label"`
	Mountpoint string        `json:"mountpoint"`
	Children   []lsblkDevice `json:"children,omitempty"`
}

// Probe runs lsblk over the given device and returns its partition layout.
func Probe(ctx context.Context, dev string) (*Device, error) {
	cmd := lsblkCommand(ctx, dev)
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && len(exitErr.Stderr) > 0 {
			return nil, fmt.Errorf("lsblk %s: %v: %s", dev, err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("lsblk %s: %v", dev, err)
	}

	return parseLsblk(dev, out)
}

func parseLsblk(dev string, out []byte) (*Device, error) {
	var parsed lsblkOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, fmt.Errorf("cannot parse lsblk output for %s: %v", dev, err)
	}
	if len(parsed.Blockdevices) == 0 {
		return nil, fmt.Errorf("lsblk reported no device for %s", dev)
	}

	top := parsed.Blockdevices[0]
	device := &Device{
		Path:       top.Path,
		Mountpoint: top.Mountpoint,
	}
	for _, child := range top.Children {
		if child.Type != "part" {
			continue
		}
		device.Partitions = append(device.Partitions, Partition{
			Path:       child.Path,
			FSType:     child.FSType,
			Label:      child.Label,
			Mountpoint: child.Mountpoint,
		})
	}
	return device, nil
}

// PartitionByLabel returns the partition carrying the given filesystem
// label, or nil if none does. A device may carry each label on at most one
// partition; finding it twice means the layout is corrupt.
func (d *Device) PartitionByLabel(label string) (*Partition, error) {
	var found *Partition
	for i := range d.Partitions {
		if d.Partitions[i].Label != label {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("device %s has more than one partition labeled %q", d.Path, label)
		}
		found = &d.Partitions[i]
	}
	return found, nil
}

// Mounted reports whether the device or any of its partitions is currently
// mounted somewhere.
func (d *Device) Mounted() bool {
	if d.Mountpoint != "" {
		return true
	}
	for _, p := range d.Partitions {
		if p.Mountpoint != "" {
			return true
		}
	}
	return false
}

// IsBlockDevice verifies that path exists and denotes a block device node.
func IsBlockDevice(path string) error {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return fmt.Errorf("cannot stat %s: %v", path, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFBLK {
		return fmt.Errorf("%s is not a block device", path)
	}
	return nil
}
