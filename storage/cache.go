package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// ErrCacheUnavailable wraps every failure to make an artifact available:
// remote storage unreachable, object missing, or the cache directory
// unwritable. Fatal to serving that model, never to the process.
var ErrCacheUnavailable = errors.New("artifact cache unavailable")

// Cache downloads model artifacts on first use and reuses the local copy
// thereafter. Concurrent Ensure calls for the same uncached key share one
// transfer; a partially written file is never visible at the final path.
type Cache struct {
	fetcher ObjectFetcher
	bucket  string
	dir     string
	timeout time.Duration
	log     *logrus.Entry

	group singleflight.Group
}

// NewCache builds a cache over the given fetcher. dir is created on demand.
func NewCache(fetcher ObjectFetcher, bucket, dir string, timeout time.Duration, log *logrus.Entry) *Cache {
	return &Cache{
		fetcher: fetcher,
		bucket:  bucket,
		dir:     dir,
		timeout: timeout,
		log:     log,
	}
}

// Path returns the deterministic local path for an artifact key.
func (c *Cache) Path(key string) string {
	// Keys may contain slashes; escape so every artifact lands directly in
	// dir and distinct keys never share a file.
	return filepath.Join(c.dir, url.PathEscape(key))
}

// Ensure resolves key to a local file path, downloading at most once per
// process lifetime. An already-cached artifact returns without any network
// call.
func (c *Cache) Ensure(ctx context.Context, key string) (string, error) {
	path := c.Path(key)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	// singleflight collapses concurrent downloads of the same key; losers
	// wait for the winner's result instead of transferring again.
	_, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Re-check under the flight: another caller may have completed the
		// download between our Stat and Do.
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		return path, c.download(ctx, key, path)
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrCacheUnavailable, key, err)
	}
	return path, nil
}

// download fetches the object to a temp file and renames it into place so a
// torn transfer can never be read as a valid artifact.
func (c *Cache) download(ctx context.Context, key, path string) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("creating cache dir: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.log.WithFields(logrus.Fields{"bucket": c.bucket, "key": key}).Info("downloading model artifact")

	body, err := c.fetcher.FetchObject(ctx, c.bucket, key)
	if err != nil {
		return err
	}
	defer body.Close()

	tmp, err := os.CreateTemp(c.dir, filepath.Base(path)+".partial-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return fmt.Errorf("writing artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing artifact: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("moving artifact into place: %w", err)
	}

	c.log.WithField("path", path).Info("model artifact cached")
	return nil
}
