// Package update implements in-place image updates. Every deployable image
// reserves a fixed window in its payload holding the URL its updates are
// fetched from, so an update needs no information beyond the image itself.
package update

import (
	"context"
	"errors"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/osbuild/osbuild-stick/internal/status"
	"github.com/osbuild/osbuild-stick/internal/store"
)

// The update locator lives in the last sector of the ISO9660 system area:
// past the isohybrid partition structures at the front of the image, before
// the primary volume descriptor at 32768. Image builds reserve this window;
// an all-padding window means the image does not update in place.
const (
	LocatorOffset = 32256
	LocatorLength = 512
)

// A Fetcher materializes the payload behind a URL, optionally transferring
// only the delta against a local basis file.
type Fetcher interface {
	Fetch(ctx context.Context, src, dest, basis string) error
}

// ReadLocator extracts the update URL embedded in an image payload. The
// window is NUL or space padded on the right; an empty window, or an image
// too short to hold one, means the image has no update support.
func ReadLocator(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	window := make([]byte, LocatorLength)
	n, err := f.ReadAt(window, LocatorOffset)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", status.Wrap(status.ErrorNoUpdateInfo, err, "cannot read update locator from %s", path)
	}
	window = window[:n]

	// the URL ends at the first NUL, whatever follows is padding
	if i := strings.IndexByte(string(window), 0); i >= 0 {
		window = window[:i]
	}
	locator := strings.TrimSpace(string(window))
	if locator == "" {
		return "", status.New(status.ErrorNoUpdateInfo, "image carries no update locator")
	}
	if _, err := url.ParseRequestURI(locator); err != nil {
		return "", status.Wrap(status.ErrorUpdateFailed, err, "image carries a malformed update locator %q", locator)
	}
	return locator, nil
}

// Run updates the named image from its embedded locator. The previous
// payload moves aside as the backup first, then serves as the delta basis
// for the transfer; the new payload becomes active by rename only. A failed
// transfer puts the previous payload back, so the image stays bootable, at
// the price of whatever older backup the rename consumed.
func Run(ctx context.Context, s *store.Store, f Fetcher, name store.Name) error {
	if !s.Deployed(name) {
		return status.New(status.ErrorNotDeployed, "image %s is not deployed", name)
	}

	locator, err := ReadLocator(s.ActivePath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return status.New(status.ErrorNotDeployed, "image %s has no active payload", name)
		}
		return err
	}
	logrus.WithField("image", name.String()).Infof("updating from %s", locator)

	// step one: the active payload becomes the backup. This atomically
	// replaces any backup from an earlier update, only the latest one is
	// kept.
	if err := os.Rename(s.ActivePath(name), s.BackupPath(name)); err != nil {
		return status.Wrap(status.ErrorUpdateFailed, err, "cannot set aside current payload of %s", name)
	}

	// step two: fetch the new payload against the backup as basis and
	// promote it.
	err = f.Fetch(ctx, locator, s.StagePath(name), s.BackupPath(name))
	if err == nil {
		err = s.Promote(name)
	}
	if err == nil {
		return nil
	}

	// the transfer failed: put the previous payload back so the image
	// stays bootable
	s.DiscardStaged(name)
	if restoreErr := os.Rename(s.BackupPath(name), s.ActivePath(name)); restoreErr != nil {
		logrus.WithField("image", name.String()).Errorf("cannot restore previous payload: %v", restoreErr)
	}
	return status.Wrap(status.ErrorUpdateFailed, err, "cannot update %s", name)
}
