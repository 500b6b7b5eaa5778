package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func testFetcher(t *testing.T, retries int) *Fetcher {
	f, err := NewFetcher(retries, "", testLogger())
	require.NoError(t, err)
	f.client.RetryWaitMin = time.Millisecond
	f.client.RetryWaitMax = 5 * time.Millisecond
	return f
}

func TestIsURL(t *testing.T) {
	cases := []struct {
		src   string
		isURL bool
	}{
		{"http://example.com/image.img", true},
		{"https://example.com/image.img.zsync", true},
		{"/var/tmp/image.img", false},
		{"image.img", false},
		{"ftp://example.com/image.img", false},
		{"", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.isURL, IsURL(c.src), "IsURL(%q)", c.src)
	}
}

func TestFetchBulk(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "payload-content")
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "active.part")
	f := testFetcher(t, 0)
	require.NoError(t, f.FetchBulk(context.Background(), server.URL, dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "payload-content", string(data))
}

func TestFetchBulkInvalidURL(t *testing.T) {
	f := testFetcher(t, 0)
	err := f.FetchBulk(context.Background(), "not a url", filepath.Join(t.TempDir(), "out"))
	assert.Error(t, err)
}

func TestFetchBulkServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	f := testFetcher(t, 0)
	err := f.FetchBulk(context.Background(), server.URL, filepath.Join(t.TempDir(), "out"))
	assert.Error(t, err)
}

func TestFetchBulkRetriesRequest(t *testing.T) {
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 1 {
			http.Error(w, "flaky", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, "payload-content")
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "out")
	f := testFetcher(t, 2)
	require.NoError(t, f.FetchBulk(context.Background(), server.URL, dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "payload-content", string(data))
	assert.Equal(t, 2, requests)
}

func TestFetchBulkResumesPartialFile(t *testing.T) {
	const payload = "0123456789abcdef"

	var sawRange string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawRange = r.Header.Get("Range")
		offset, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(sawRange, "bytes="), "-"))
		if !assert.NoError(t, err) {
			http.Error(w, "bad range", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusPartialContent)
		fmt.Fprint(w, payload[offset:])
	}))
	defer server.Close()

	// a previous download got as far as the first four bytes
	dest := filepath.Join(t.TempDir(), "out")
	require.NoError(t, os.WriteFile(dest, []byte(payload[:4]), 0644))

	f := testFetcher(t, 0)
	require.NoError(t, f.FetchBulk(context.Background(), server.URL, dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, string(data))
	assert.Equal(t, "bytes=4-", sawRange)
}

func TestFetchBulkRangeIgnoredByServer(t *testing.T) {
	const payload = "0123456789abcdef"

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// a server without range support sends the whole payload again
		fmt.Fprint(w, payload)
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "out")
	require.NoError(t, os.WriteFile(dest, []byte("XXXX"), 0644))

	f := testFetcher(t, 0)
	require.NoError(t, f.FetchBulk(context.Background(), server.URL, dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, string(data))
}

func TestFetchBulkResumesBrokenStream(t *testing.T) {
	const payload = "0123456789abcdef"

	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 1 {
			// promise the whole payload but deliver half, so the client
			// sees the stream break mid-copy
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
			_, _ = w.Write([]byte(payload[:8]))
			return
		}
		assert.Equal(t, "bytes=8-", r.Header.Get("Range"))
		w.WriteHeader(http.StatusPartialContent)
		fmt.Fprint(w, payload[8:])
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "out")
	f := testFetcher(t, 1)
	require.NoError(t, f.FetchBulk(context.Background(), server.URL, dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, string(data))
	assert.Equal(t, 2, requests)
}

// fakeZsync replaces the zsync invocation with a shell one-liner copying the
// basis to the destination, recording the control URL it was given.
func fakeZsync(t *testing.T, fail bool, gotURL *string) {
	orig := zsyncCommand
	t.Cleanup(func() { zsyncCommand = orig })
	zsyncCommand = func(ctx context.Context, url, dest, basis string) *exec.Cmd {
		*gotURL = url + DeltaSuffix
		if fail {
			return exec.CommandContext(ctx, "false")
		}
		return exec.CommandContext(ctx, "cp", basis, dest)
	}
}

func TestFetchDelta(t *testing.T) {
	dir := t.TempDir()
	basis := filepath.Join(dir, "backup")
	dest := filepath.Join(dir, "active.part")
	require.NoError(t, os.WriteFile(basis, []byte("old-payload"), 0644))

	var controlURL string
	fakeZsync(t, false, &controlURL)

	f := testFetcher(t, 0)
	require.NoError(t, f.FetchDelta(context.Background(), "http://example.com/image.img", dest, basis))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "old-payload", string(data))
	assert.Equal(t, "http://example.com/image.img.zsync", controlURL)
}

func TestFetchSelectsDelta(t *testing.T) {
	dir := t.TempDir()
	basis := filepath.Join(dir, "backup")
	dest := filepath.Join(dir, "active.part")
	require.NoError(t, os.WriteFile(basis, []byte("old-payload"), 0644))

	var controlURL string
	fakeZsync(t, false, &controlURL)

	f := testFetcher(t, 0)
	require.NoError(t, f.Fetch(context.Background(), "http://example.com/image.img.zsync", dest, basis))
	assert.Equal(t, "http://example.com/image.img.zsync", controlURL)
}

func TestFetchDeltaFallsBackToBulk(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "fresh-payload")
	}))
	defer server.Close()

	dir := t.TempDir()
	basis := filepath.Join(dir, "backup")
	dest := filepath.Join(dir, "active.part")
	require.NoError(t, os.WriteFile(basis, []byte("old-payload"), 0644))

	var controlURL string
	fakeZsync(t, true, &controlURL)

	f := testFetcher(t, 0)
	require.NoError(t, f.Fetch(context.Background(), server.URL+"/image.img"+DeltaSuffix, dest, basis))

	// zsync was tried and failed, the payload came over plain HTTP
	assert.NotEmpty(t, controlURL)
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "fresh-payload", string(data))
}

func TestFetchSkipsDeltaWithoutBasis(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "fresh-payload")
	}))
	defer server.Close()

	var controlURL string
	fakeZsync(t, false, &controlURL)

	dest := filepath.Join(t.TempDir(), "active.part")
	f := testFetcher(t, 0)
	require.NoError(t, f.Fetch(context.Background(), server.URL+"/image.img"+DeltaSuffix, dest, filepath.Join(t.TempDir(), "missing")))

	// no basis, no delta attempt
	assert.Empty(t, controlURL)
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "fresh-payload", string(data))
}

func TestFetchPlainURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "fresh-payload")
	}))
	defer server.Close()

	var controlURL string
	fakeZsync(t, false, &controlURL)

	dest := filepath.Join(t.TempDir(), "active.part")
	f := testFetcher(t, 0)
	require.NoError(t, f.Fetch(context.Background(), server.URL+"/image.img", dest, ""))
	assert.Empty(t, controlURL)
}

func TestFetchCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "payload")
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := testFetcher(t, 3)
	err := f.FetchBulk(ctx, server.URL, filepath.Join(t.TempDir(), "out"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
