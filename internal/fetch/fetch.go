// Package fetch materializes image payloads from remote locations. Callers
// hand it a destination path (normally the store's staging path) and promote
// the result themselves; the fetcher never renames payloads into place.
//
// Two transfer strategies exist: a plain HTTP download with retry and
// byte-range resume, and a delta transfer via the zsync tool, which only
// downloads the blocks that differ from a local basis file. A URL carrying
// the delta suffix selects the delta strategy, with the plain download as
// fallback when zsync is unavailable or fails.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strings"

	rh "github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// DeltaSuffix marks a source as delta-capable: "X.zsync" means "payload X,
// with a zsync control file next to it".
const DeltaSuffix = ".zsync"

// zsyncCommand constructs the delta transfer command. Tests swap it out.
// zsync reads the control file at url+DeltaSuffix, reuses blocks from the
// basis file and writes the result to dest.
var zsyncCommand = func(ctx context.Context, url, dest, basis string) *exec.Cmd {
	return exec.CommandContext(ctx, "zsync", "-i", basis, "-o", dest, "-q", url+DeltaSuffix)
}

// IsURL reports whether the deploy source is remote. Everything without an
// http(s) scheme is treated as a local path.
func IsURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// A Fetcher downloads payloads with retry, resume and optional delta
// transfer. The zero value is not usable; construct it with NewFetcher.
type Fetcher struct {
	client *rh.Client
	logger *logrus.Logger

	// resume attempts for a download whose body stream broke after the
	// request itself succeeded; request-level retries are the client's job
	attempts int
}

// NewFetcher returns a Fetcher retrying failed requests up to retries times.
// A non-empty proxy URL routes all requests through that proxy.
func NewFetcher(retries int, proxy string, logger *logrus.Logger) (*Fetcher, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	client := rh.NewClient()
	client.RetryMax = retries
	client.Logger = NewRHLeveledLogger(logger)
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %v", proxy, err)
		}
		client.HTTPClient.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	return &Fetcher{
		client:   client,
		logger:   logger,
		attempts: retries + 1,
	}, nil
}

// Fetch materializes the payload behind src at dest, choosing the transfer
// strategy from the source: the delta suffix selects zsync against the
// basis file, anything else a plain download. Delta transfer degrades to a
// plain download when the basis is missing or zsync fails; a failed plain
// download is final.
func (f *Fetcher) Fetch(ctx context.Context, src, dest, basis string) error {
	payload := strings.TrimSuffix(src, DeltaSuffix)

	if strings.HasSuffix(src, DeltaSuffix) {
		if _, err := os.Stat(basis); err != nil {
			f.logger.WithField("url", payload).Debug("no basis for delta transfer, downloading in full")
		} else if err := f.FetchDelta(ctx, payload, dest, basis); err == nil {
			return nil
		} else if ctx.Err() != nil {
			return err
		} else {
			f.logger.WithField("url", payload).Warnf("delta transfer failed, downloading in full: %v", err)
		}
	}

	return f.FetchBulk(ctx, payload, dest)
}

// FetchBulk downloads url to dest. A dest left behind by an interrupted
// download is continued from where it broke off via a range request; the
// same mechanism resumes the download when the connection dies mid-stream.
func (f *Fetcher) FetchBulk(ctx context.Context, rawURL, dest string) error {
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return fmt.Errorf("invalid download URL %q: %v", rawURL, err)
	}

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("cannot open %s for download: %v", dest, err)
	}
	defer out.Close()

	var copyErr error
	for attempt := 0; attempt < f.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		copyErr = f.download(ctx, rawURL, out)
		if copyErr == nil {
			return out.Sync()
		}
		f.logger.WithField("url", rawURL).Warnf("download interrupted: %v", copyErr)
	}
	return fmt.Errorf("download of %s did not complete: %v", rawURL, copyErr)
}

// download makes one ranged request for whatever out is still missing and
// streams the body into it.
func (f *Fetcher) download(ctx context.Context, rawURL string, out *os.File) error {
	written, err := out.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}

	req, err := rh.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return err
	}
	if written > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", written))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// server ignored the range, it sends the whole payload
		if err := out.Truncate(0); err != nil {
			return err
		}
		if _, err := out.Seek(0, io.SeekStart); err != nil {
			return err
		}
	case http.StatusPartialContent:
	default:
		return fmt.Errorf("server responded with %s", resp.Status)
	}

	_, err = io.Copy(out, resp.Body)
	return err
}

// FetchDelta runs zsync to materialize url at dest, transferring only the
// blocks not already present in the basis file. The url is the payload
// location; zsync finds the control file by appending the delta suffix.
func (f *Fetcher) FetchDelta(ctx context.Context, rawURL, dest, basis string) error {
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return fmt.Errorf("invalid download URL %q: %v", rawURL, err)
	}

	cmd := zsyncCommand(ctx, rawURL, dest, basis)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("zsync %s: %v: %s", rawURL, err, msg)
		}
		return fmt.Errorf("zsync %s: %v", rawURL, err)
	}

	f.logger.WithField("url", rawURL).Debugf("delta transfer complete")
	return nil
}
