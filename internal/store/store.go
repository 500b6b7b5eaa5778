// Package store contains primitives for representing and changing the image
// repository on the data partition. Images live in two directory levels,
// vendor/release, each holding an "active" payload and at most one "backup"
// from the last update. The active file is only ever replaced by rename, so
// a crash at any point leaves either the old payload or the new one, never a
// truncated mix.
package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/osbuild/osbuild-stick/internal/status"
)

const (
	// ActiveFilename is the bootable payload of a deployed image.
	ActiveFilename = "active"

	// BackupFilename is the payload superseded by the last update.
	BackupFilename = "backup"

	// stagingSuffix marks a payload still being written. Promotion to
	// "active" happens by rename only.
	stagingSuffix = ".part"
)

var segmentPattern = regexp.MustCompile(`^[[:alnum:]_-]+$`)

// Name identifies an image as a vendor/release pair. Both segments are
// restricted to alphanumerics, underscore and dash, so a Name is always safe
// to use as a relative path of exactly two components.
type Name struct {
	Vendor  string
	Release string
}

func (n Name) String() string {
	return n.Vendor + "/" + n.Release
}

// ParseName validates a vendor/release string and splits it into its
// segments. Anything but exactly two non-empty conforming segments is
// rejected, so "vendor", "vendor/", "/release" and "vendor//release" all
// fail.
func ParseName(s string) (Name, error) {
	segments := strings.Split(s, "/")
	if len(segments) != 2 {
		return Name{}, status.New(status.ErrorInvalidArgument, "image name %q must have the form vendor/release", s)
	}
	for _, segment := range segments {
		if !segmentPattern.MatchString(segment) {
			return Name{}, status.New(status.ErrorInvalidArgument, "image name %q must have the form vendor/release, with each segment limited to alphanumerics, '_' and '-'", s)
		}
	}
	return Name{Vendor: segments[0], Release: segments[1]}, nil
}

// Image is one entry of List: a deployed name and whether an update has left
// a backup behind it.
type Image struct {
	Name      Name
	HasBackup bool
}

// A Store is the image repository rooted at the store directory of a mounted
// data partition. It holds no state besides the root path; every operation
// reads the filesystem directly.
type Store struct {
	root string
}

func New(root string) *Store {
	return &Store{root: root}
}

// Dir returns the directory of the named image.
func (s *Store) Dir(name Name) string {
	return filepath.Join(s.root, name.Vendor, name.Release)
}

// ActivePath returns the path of the named image's bootable payload.
func (s *Store) ActivePath(name Name) string {
	return filepath.Join(s.Dir(name), ActiveFilename)
}

// BackupPath returns the path of the named image's rollback payload.
func (s *Store) BackupPath(name Name) string {
	return filepath.Join(s.Dir(name), BackupFilename)
}

// StagePath returns the scratch path payload writers must target. The
// payload becomes active only through Promote.
func (s *Store) StagePath(name Name) string {
	return s.ActivePath(name) + stagingSuffix
}

// Deployed reports whether the named image's directory exists.
func (s *Store) Deployed(name Name) bool {
	info, err := os.Stat(s.Dir(name))
	return err == nil && info.IsDir()
}

// Create makes the directory for a new image. An already existing directory
// is fine; deploying over a deployed image replaces its payload.
func (s *Store) Create(name Name) error {
	if err := os.MkdirAll(s.Dir(name), 0755); err != nil {
		return status.Wrap(status.ErrorDeployFailed, err, "cannot create image directory for %s", name)
	}
	return nil
}

// Promote moves a fully staged payload into place as the active file. The
// rename replaces any previous active payload atomically.
func (s *Store) Promote(name Name) error {
	if err := os.Rename(s.StagePath(name), s.ActivePath(name)); err != nil {
		return fmt.Errorf("cannot promote staged payload for %s: %v", name, err)
	}
	return nil
}

// DiscardStaged removes a staged payload that will not be promoted. Nothing
// staged is not an error.
func (s *Store) DiscardStaged(name Name) {
	if err := os.Remove(s.StagePath(name)); err != nil && !os.IsNotExist(err) {
		logrus.Warnf("cannot discard staged payload for %s: %v", name, err)
	}
}

// WriteActiveFromFile copies a local payload into the store and promotes
// it. The copy goes through the staging path so a partial copy never
// becomes active.
func (s *Store) WriteActiveFromFile(name Name, src string) error {
	source, err := os.Open(src)
	if err != nil {
		return status.Wrap(status.ErrorDeployFailed, err, "cannot read image payload %s", src)
	}
	defer source.Close()

	staged, err := os.OpenFile(s.StagePath(name), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return status.Wrap(status.ErrorDeployFailed, err, "cannot stage image payload for %s", name)
	}

	if _, err = io.Copy(staged, source); err == nil {
		err = staged.Sync()
	}
	if closeErr := staged.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		s.DiscardStaged(name)
		return status.Wrap(status.ErrorDeployFailed, err, "cannot copy image payload %s", src)
	}

	if err := s.Promote(name); err != nil {
		s.DiscardStaged(name)
		return status.Wrap(status.ErrorDeployFailed, err, "cannot deploy %s", name)
	}
	return nil
}

// Revert replaces the active payload with the backup from before the last
// update. The backup is consumed: two reverts in a row fail the second time.
func (s *Store) Revert(name Name) error {
	if !s.Deployed(name) {
		return status.New(status.ErrorNotDeployed, "image %s is not deployed", name)
	}
	if _, err := os.Stat(s.BackupPath(name)); err != nil {
		return status.New(status.ErrorNoBackup, "image %s has no backup to revert to", name)
	}
	if err := os.Rename(s.BackupPath(name), s.ActivePath(name)); err != nil {
		return fmt.Errorf("cannot revert %s: %v", name, err)
	}
	return nil
}

// Clean discards the named image's backup to free its space. A missing
// backup is fine; a missing image is not.
func (s *Store) Clean(name Name) error {
	if !s.Deployed(name) {
		return status.New(status.ErrorNotDeployed, "image %s is not deployed", name)
	}
	if err := os.Remove(s.BackupPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot clean %s: %v", name, err)
	}
	return nil
}

// Remove deletes the named image with its payloads. The vendor directory is
// kept only while it still holds other releases.
func (s *Store) Remove(name Name) error {
	if !s.Deployed(name) {
		return status.New(status.ErrorNotDeployed, "image %s is not deployed", name)
	}
	if err := os.RemoveAll(s.Dir(name)); err != nil {
		return fmt.Errorf("cannot remove %s: %v", name, err)
	}
	s.pruneVendor(name.Vendor)
	return nil
}

// RollbackDeploy erases the traces of an unfinished deploy: the staged
// payload and, if this deploy created it, the whole image directory. Only
// the vendor/release pair being deployed is touched; sibling releases under
// the same vendor survive.
func (s *Store) RollbackDeploy(name Name, existedBefore bool) {
	s.DiscardStaged(name)
	if existedBefore {
		return
	}
	if err := os.RemoveAll(s.Dir(name)); err != nil {
		logrus.Warnf("cannot roll back deploy of %s: %v", name, err)
		return
	}
	s.pruneVendor(name.Vendor)
}

// pruneVendor removes a vendor directory once its last release is gone.
// Remove fails on non-empty directories, which is exactly the wanted
// behavior here.
func (s *Store) pruneVendor(vendor string) {
	if err := os.Remove(filepath.Join(s.root, vendor)); err != nil && !os.IsNotExist(err) {
		logrus.Debugf("keeping vendor directory %s: %v", vendor, err)
	}
}

// List enumerates all deployed images, sorted by name for stable output.
// Directories that don't follow the vendor/release convention are somebody
// else's files and are skipped.
func (s *Store) List() ([]Image, error) {
	vendors, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, status.New(status.ErrorNotInitialized, "store root %s does not exist", s.root)
		}
		return nil, fmt.Errorf("cannot list image store: %v", err)
	}

	var images []Image
	for _, vendor := range vendors {
		if !vendor.IsDir() || !segmentPattern.MatchString(vendor.Name()) {
			continue
		}
		releases, err := os.ReadDir(filepath.Join(s.root, vendor.Name()))
		if err != nil {
			return nil, fmt.Errorf("cannot list image store: %v", err)
		}
		for _, release := range releases {
			if !release.IsDir() || !segmentPattern.MatchString(release.Name()) {
				continue
			}
			name := Name{Vendor: vendor.Name(), Release: release.Name()}
			_, err := os.Stat(s.BackupPath(name))
			images = append(images, Image{Name: name, HasBackup: err == nil})
		}
	}

	sort.Slice(images, func(i, j int) bool {
		return images[i].Name.String() < images[j].Name.String()
	})
	return images, nil
}
