package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	calls   atomic.Int64
	payload []byte
	err     error
	delay   time.Duration
}

func (f *fakeFetcher) FetchObject(_ context.Context, _, _ string) (io.ReadCloser, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(bytes.NewReader(f.payload)), nil
}

func testLog() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func newTestCache(t *testing.T, fetcher ObjectFetcher) *Cache {
	t.Helper()
	return NewCache(fetcher, "test-bucket", t.TempDir(), 5*time.Second, testLog())
}

func TestEnsure_DownloadsOnce(t *testing.T) {
	fetcher := &fakeFetcher{payload: []byte("weights")}
	cache := newTestCache(t, fetcher)

	first, err := cache.Ensure(context.Background(), "model.onnx")
	require.NoError(t, err)

	second, err := cache.Ensure(context.Background(), "model.onnx")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, fetcher.calls.Load(), "second Ensure must hit the cached file")

	data, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, []byte("weights"), data)
}

func TestEnsure_ConcurrentCallersShareOneTransfer(t *testing.T) {
	fetcher := &fakeFetcher{payload: []byte("weights"), delay: 50 * time.Millisecond}
	cache := newTestCache(t, fetcher)

	const callers = 8
	paths := make([]string, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paths[i], errs[i] = cache.Ensure(context.Background(), "model.onnx")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, paths[0], paths[i])
	}
	assert.EqualValues(t, 1, fetcher.calls.Load(), "concurrent callers must not duplicate the download")
}

func TestEnsure_DistinctKeysDistinctFiles(t *testing.T) {
	fetcher := &fakeFetcher{payload: []byte("weights")}
	cache := newTestCache(t, fetcher)

	a, err := cache.Ensure(context.Background(), "yolo.onnx")
	require.NoError(t, err)
	b, err := cache.Ensure(context.Background(), "maskrcnn.onnx")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.EqualValues(t, 2, fetcher.calls.Load())
}

func TestEnsure_FetchFailureIsCacheUnavailable(t *testing.T) {
	cause := errors.New("connection refused")
	fetcher := &fakeFetcher{err: cause}
	cache := newTestCache(t, fetcher)

	_, err := cache.Ensure(context.Background(), "model.onnx")
	assert.ErrorIs(t, err, ErrCacheUnavailable)
	assert.ErrorIs(t, err, cause, "the underlying failure stays inspectable through the wrap")

	// A failed download must not leave a file behind for later calls to trust.
	_, statErr := os.Stat(cache.Path("model.onnx"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestEnsure_ExistingFileSkipsNetwork(t *testing.T) {
	fetcher := &fakeFetcher{payload: []byte("fresh")}
	cache := newTestCache(t, fetcher)

	path := cache.Path("model.onnx")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("preexisting"), 0o644))

	got, err := cache.Ensure(context.Background(), "model.onnx")
	require.NoError(t, err)
	assert.Equal(t, path, got)
	assert.EqualValues(t, 0, fetcher.calls.Load())

	data, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, []byte("preexisting"), data, "cached copy must be reused, not replaced")
}

func TestPath_EscapesKeySlashes(t *testing.T) {
	cache := newTestCache(t, &fakeFetcher{})
	path := cache.Path("releases/v2/model.onnx")
	assert.Equal(t, "releases%2Fv2%2Fmodel.onnx", filepath.Base(path))
	assert.Equal(t, filepath.Dir(path), filepath.Dir(cache.Path("model.onnx")), "every artifact lands directly in the cache dir")
}

func TestPath_SimilarKeysNeverCollide(t *testing.T) {
	cache := newTestCache(t, &fakeFetcher{})
	assert.NotEqual(t, cache.Path("releases/v2/model.onnx"), cache.Path("releases_v2_model.onnx"))
	assert.NotEqual(t, cache.Path("a/b"), cache.Path("a%2Fb"))
}
