// Package discover turns the on-disk store layout into boot menu entries.
// The boot loader runs the same algorithm from the generated script in this
// package; the Go side exists so the logic is testable and inspectable from
// userland before rebooting into it.
//
// An image is discovered purely from its path: any partition of the boot
// disk, the store root, two directory levels, the active payload. Nothing
// is persisted, every boot recomputes the menu from what the glob finds.
package discover

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/gobwas/glob"
	"github.com/sirupsen/logrus"

	"github.com/osbuild/osbuild-stick/internal/common"
	"github.com/osbuild/osbuild-stick/internal/store"
)

// imagePathGlob is the candidate gate: a parenthesized device expression,
// the store root, exactly two name levels, the active payload. Matching
// paths are then decomposed segment by segment.
var imagePathGlob = glob.MustCompile("(*)/"+common.StoreRoot+"/*/*/"+store.ActiveFilename, '/')

var bootExprPattern = regexp.MustCompile(`^\(([[:alnum:]]+),gpt([[:digit:]]+)\)$`)

// BootExpr is a parsed boot loader device expression like "(hd0,gpt2)".
type BootExpr struct {
	Disk string
	Part int
}

// ParseBootExpr decomposes a device expression into disk and GPT partition
// number. Expressions without a GPT partition suffix are rejected; the
// stick layout is GPT, anything else is not ours.
func ParseBootExpr(s string) (BootExpr, error) {
	m := bootExprPattern.FindStringSubmatch(s)
	if m == nil {
		return BootExpr{}, fmt.Errorf("cannot parse boot device expression %q", s)
	}
	part, err := strconv.Atoi(m[2])
	if err != nil {
		return BootExpr{}, fmt.Errorf("cannot parse boot device expression %q: %v", s, err)
	}
	return BootExpr{Disk: m[1], Part: part}, nil
}

func (e BootExpr) String() string {
	return fmt.Sprintf("(%s,gpt%d)", e.Disk, e.Part)
}

// DiskGlob returns the expression matching every GPT partition on the same
// disk, the search space for image candidates.
func (e BootExpr) DiskGlob() string {
	return fmt.Sprintf("(%s,gpt*)", e.Disk)
}

// Entry is one discovered image, decomposed into the pieces the boot menu
// needs: where the partition is, where the image directory is on it, and
// what to call it.
type Entry struct {
	Device string // partition device expression, e.g. (hd0,gpt2)
	Dir    string // image directory on the partition, e.g. /boot_images/acme/widget
	Name   string // display name, e.g. acme/widget
}

// ImagePath returns the full boot loader path of the active payload.
func (e Entry) ImagePath() string {
	return e.Device + e.Dir + "/" + store.ActiveFilename
}

// DecomposeImagePath splits a boot loader path of an active payload into
// its entry pieces. The path is parsed against the layout schema segment by
// segment, a match of the candidate glob alone is not enough.
func DecomposeImagePath(path string) (Entry, error) {
	if !imagePathGlob.Match(path) {
		return Entry{}, fmt.Errorf("%q is not an image payload path", path)
	}

	end := strings.IndexByte(path, ')')
	if !strings.HasPrefix(path, "(") || end < 0 {
		return Entry{}, fmt.Errorf("%q has no device prefix", path)
	}
	device := path[:end+1]

	// after the device: /<store-root>/<vendor>/<release>/<active>
	segments := strings.Split(path[end+1:], "/")
	if len(segments) != 5 || segments[0] != "" || segments[1] != common.StoreRoot || segments[4] != store.ActiveFilename {
		return Entry{}, fmt.Errorf("%q does not follow the store layout", path)
	}
	name, err := store.ParseName(segments[2] + "/" + segments[3])
	if err != nil {
		return Entry{}, fmt.Errorf("%q does not follow the store layout: %v", path, err)
	}

	return Entry{
		Device: device,
		Dir:    "/" + common.StoreRoot + "/" + name.String(),
		Name:   name.String(),
	}, nil
}

// A PartitionRoot pairs a partition's boot loader device expression with
// the filesystem path it is mounted at in userland.
type PartitionRoot struct {
	Device string
	Path   string
}

// A Prober checks that a payload file is a mountable image, typically by
// loop-mounting it and throwing the mount away. A nil Prober skips the
// check.
type Prober func(path string) error

// Scan enumerates deployable images under the given partition roots and
// returns one entry per image that decomposes cleanly and survives the
// probe. Unprobeable candidates are skipped, not errors; an empty result
// is a valid outcome.
func Scan(roots []PartitionRoot, probe Prober) []Entry {
	var entries []Entry
	for _, root := range roots {
		pattern := filepath.Join(root.Path, common.StoreRoot, "*", "*", store.ActiveFilename)
		matches, err := filepath.Glob(pattern)
		if err != nil {
			logrus.Warnf("cannot glob %s: %v", pattern, err)
			continue
		}
		for _, match := range matches {
			rel, err := filepath.Rel(root.Path, match)
			if err != nil {
				continue
			}
			entry, err := DecomposeImagePath(root.Device + "/" + filepath.ToSlash(rel))
			if err != nil {
				logrus.Debugf("skipping %s: %v", match, err)
				continue
			}
			if probe != nil {
				if err := probe(match); err != nil {
					logrus.WithField("image", match).Debugf("skipping unprobeable image: %v", err)
					continue
				}
			}
			entries = append(entries, entry)
		}
	}
	return entries
}
