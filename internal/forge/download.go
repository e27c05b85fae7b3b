package forge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

func newHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	// Increase TLS handshake timeout to handle slow upstream hosts.
	// Default is 10s, we increase it to 30s.
	transport.TLSHandshakeTimeout = 30 * time.Second

	return &http.Client{
		Transport: transport,
		Timeout:   300 * time.Second, // 5 min total timeout for large downloads
	}
}

type downloadOptions struct {
	Quiet bool // Quiet suppresses the progress bar
}

// downloadFile downloads a URL into destFile. Concurrent invocations against
// the same destination (parallel workers sharing the download store) are
// serialized with a flock on a sidecar lock file; whoever loses the race
// finds the finished file after acquiring the lock and returns immediately.
// A network fetch that fails is reported, not retried.
func downloadFile(ctx context.Context, url, destFile string) error {
	return downloadFileWithOptions(ctx, url, destFile, downloadOptions{})
}

func downloadFileWithOptions(ctx context.Context, url, destFile string, opt downloadOptions) error {
	if err := os.MkdirAll(filepath.Dir(destFile), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory for %s: %w", destFile, err)
	}

	lockPath := destFile + ".lock"
	lFile, err := os.Create(lockPath)
	if err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer lFile.Close()

	// Acquire an exclusive lock. This blocks if another worker is downloading.
	if err := unix.Flock(int(lFile.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire lock for download: %w", err)
	}
	defer unix.Flock(int(lFile.Fd()), unix.LOCK_UN)

	// DOUBLE CHECK: now that we hold the lock, the file may have appeared.
	if _, err := os.Stat(destFile); err == nil {
		debugf("File %s appeared after acquiring lock, skipping download.\n", destFile)
		_ = os.Remove(lockPath)
		return nil
	}

	defer func() {
		if _, err := os.Stat(destFile); err == nil {
			_ = os.Remove(lockPath)
		}
	}()

	debugf("Downloading %s -> %s\n", url, destFile)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := newHTTPClient().Do(req)
	if err != nil {
		return fmt.Errorf("fetch of %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download of %s failed with status: %s", url, resp.Status)
	}

	// Write to a partial file and rename, so a killed download never leaves
	// a truncated file that reads as cached.
	partPath := destFile + ".part"
	out, err := os.Create(partPath)
	if err != nil {
		return fmt.Errorf("failed to create destination file %s: %w", partPath, err)
	}

	var dst io.Writer = out
	if !opt.Quiet && term.IsTerminal(int(os.Stderr.Fd())) {
		bar := progressbar.DefaultBytes(resp.ContentLength, filepath.Base(destFile))
		dst = io.MultiWriter(out, bar)
	}

	if _, err := io.Copy(dst, resp.Body); err != nil {
		out.Close()
		_ = os.Remove(partPath)
		return fmt.Errorf("failed to write %s: %w", partPath, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(partPath)
		return err
	}
	if err := os.Rename(partPath, destFile); err != nil {
		return fmt.Errorf("failed to finalize download %s: %w", destFile, err)
	}

	debugf("Download complete: %s\n", destFile)
	return nil
}

// fetchToStore downloads url into the shared download store and returns the
// cached path. The store key is version-aware: the same static URL with a
// different version pin hashes to a different entry.
func fetchToStore(ctx context.Context, storeDir, url, version string) (string, error) {
	base := filepath.Base(url)
	hashName := fmt.Sprintf("%s-%s", hashString(url+version), base)
	cachePath := filepath.Join(storeDir, hashName)

	if _, err := os.Stat(cachePath); err == nil {
		debugf("Already in download store: %s\n", cachePath)
		return cachePath, nil
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Fetching %s\n", base)
	if err := downloadFile(ctx, url, cachePath); err != nil {
		return "", err
	}
	return cachePath, nil
}
