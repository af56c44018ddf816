package main

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spinevision/vertebrae-segmentation-service/detections"
	"github.com/spinevision/vertebrae-segmentation-service/models"
	"github.com/spinevision/vertebrae-segmentation-service/postprocess"
	"github.com/spinevision/vertebrae-segmentation-service/storage"
)

type stubModel struct {
	loadCalls  atomic.Int64
	loadFn     func(ctx context.Context) error
	raws       []models.RawDetection
	predictErr error
}

func (s *stubModel) Load(ctx context.Context) error {
	s.loadCalls.Add(1)
	if s.loadFn != nil {
		return s.loadFn(ctx)
	}
	return nil
}

func (s *stubModel) Predict(image.Image) ([]models.RawDetection, error) {
	if s.predictErr != nil {
		return nil, s.predictErr
	}
	return s.raws, nil
}

func (s *stubModel) Info() models.ModelInfo {
	return models.ModelInfo{
		ModelType: "yolo",
		Classes:   detections.VertebraClasses,
	}
}

func testLog() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func newTestService(t *testing.T, stubs map[string]detections.Detector) *Service {
	t.Helper()
	registry, err := detections.NewRegistry("yolo", stubs, testLog())
	require.NoError(t, err)

	processor := &postprocess.Processor{
		ConfidenceThreshold: 0.5,
		OverlapThreshold:    0.5,
		MaxDetections:       100,
		Labels:              detections.VertebraClasses,
	}
	return NewService(registry, processor, testLog())
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: 90, G: 90, B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func injected(box models.BoundingBox, score float32, classID, w, h int) models.RawDetection {
	mask := make([]uint8, w*h)
	for y := int(box.Y1); y < int(box.Y2); y++ {
		for x := int(box.X1); x < int(box.X2); x++ {
			mask[y*w+x] = 1
		}
	}
	return models.RawDetection{
		Box:     box,
		Mask:    mask,
		MaskH:   h,
		MaskW:   w,
		Score:   score,
		ClassID: classID,
	}
}

func TestPredict_ThreeInjectedBoxes(t *testing.T) {
	boxes := []models.BoundingBox{
		{X1: 50, Y1: 40, X2: 150, Y2: 90},
		{X1: 60, Y1: 140, X2: 160, Y2: 190},
		{X1: 70, Y1: 240, X2: 170, Y2: 290},
	}
	stub := &stubModel{raws: []models.RawDetection{
		injected(boxes[0], 0.95, 0, 512, 512),
		injected(boxes[1], 0.91, 1, 512, 512),
		injected(boxes[2], 0.88, 2, 512, 512),
	}}
	svc := newTestService(t, map[string]detections.Detector{"yolo": stub})

	result, err := svc.Predict(context.Background(), pngBytes(t, 512, 512), "")
	require.NoError(t, err)

	require.Equal(t, 3, result.NumDetections)
	assert.Equal(t, [3]int{512, 512, 3}, result.ImageShape)
	assert.Equal(t, "yolo", result.ModelUsed)
	assert.GreaterOrEqual(t, result.ProcessingTimeMs, 0.0)

	for i, det := range result.Detections {
		assert.Greater(t, det.BBox.IoU(boxes[i]), 0.9, "detection %d must overlap its injected box", i)
	}
}

func TestPredict_OverlappingSameClassSuppressed(t *testing.T) {
	// IoU 0.8 between the two, threshold 0.5: only the higher score survives.
	low := injected(models.BoundingBox{X1: 0, Y1: 0, X2: 100, Y2: 100}, 0.7, 3, 256, 256)
	high := injected(models.BoundingBox{X1: 0, Y1: 0, X2: 100, Y2: 80}, 0.9, 3, 256, 256)
	stub := &stubModel{raws: []models.RawDetection{low, high}}
	svc := newTestService(t, map[string]detections.Detector{"yolo": stub})

	result, err := svc.Predict(context.Background(), pngBytes(t, 256, 256), "")
	require.NoError(t, err)

	require.Equal(t, 1, result.NumDetections)
	assert.InDelta(t, 0.9, result.Detections[0].Score, 1e-6)
}

func TestPredict_BogusModelNoLoad(t *testing.T) {
	stub := &stubModel{}
	svc := newTestService(t, map[string]detections.Detector{"yolo": stub})

	_, err := svc.Predict(context.Background(), pngBytes(t, 64, 64), "bogus")
	assert.ErrorIs(t, err, detections.ErrUnknownModel)
	assert.EqualValues(t, 0, stub.loadCalls.Load())
}

func TestPredict_InvalidImage(t *testing.T) {
	svc := newTestService(t, map[string]detections.Detector{"yolo": &stubModel{}})

	_, err := svc.Predict(context.Background(), []byte("not an image"), "")
	assert.ErrorIs(t, err, ErrInvalidImage)
}

type countingFetcher struct {
	calls atomic.Int64
}

func (f *countingFetcher) FetchObject(context.Context, string, string) (io.ReadCloser, error) {
	f.calls.Add(1)
	return io.NopCloser(bytes.NewReader([]byte("weights"))), nil
}

func TestPredict_ColdStartDownloadsOnce(t *testing.T) {
	fetcher := &countingFetcher{}
	cache := storage.NewCache(fetcher, "bucket", t.TempDir(), 5*time.Second, testLog())

	stub := &stubModel{loadFn: func(ctx context.Context) error {
		_, err := cache.Ensure(ctx, "yolo_best.onnx")
		return err
	}}
	svc := newTestService(t, map[string]detections.Detector{"yolo": stub})

	img := pngBytes(t, 64, 64)
	_, err := svc.Predict(context.Background(), img, "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, fetcher.calls.Load(), "first request triggers one download")

	_, err = svc.Predict(context.Background(), img, "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, fetcher.calls.Load(), "second request must not download again")
}

type ctxAwareFetcher struct {
	calls atomic.Int64
}

func (f *ctxAwareFetcher) FetchObject(ctx context.Context, _, _ string) (io.ReadCloser, error) {
	f.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader([]byte("weights"))), nil
}

func TestPredict_DisconnectDuringColdStartDoesNotPoisonModel(t *testing.T) {
	fetcher := &ctxAwareFetcher{}
	cache := storage.NewCache(fetcher, "bucket", t.TempDir(), 5*time.Second, testLog())

	stub := &stubModel{loadFn: func(ctx context.Context) error {
		_, err := cache.Ensure(ctx, "yolo_best.onnx")
		return err
	}}
	svc := newTestService(t, map[string]detections.Detector{"yolo": stub})

	gone, cancel := context.WithCancel(context.Background())
	cancel()

	img := pngBytes(t, 64, 64)
	_, err := svc.Predict(gone, img, "")
	require.NoError(t, err, "load must proceed detached from the dead request")

	result, err := svc.Predict(context.Background(), img, "")
	require.NoError(t, err)
	assert.Equal(t, "yolo", result.ModelUsed)
	assert.EqualValues(t, 1, fetcher.calls.Load())
	assert.EqualValues(t, 1, stub.loadCalls.Load())
}

func TestPredictVisualize_FusedSinglePass(t *testing.T) {
	box := models.BoundingBox{X1: 10, Y1: 10, X2: 50, Y2: 50}
	stub := &stubModel{raws: []models.RawDetection{injected(box, 0.9, 0, 128, 128)}}
	svc := newTestService(t, map[string]detections.Detector{"yolo": stub})

	pngOut, meta, err := svc.PredictVisualize(context.Background(), pngBytes(t, 128, 128), "")
	require.NoError(t, err)

	assert.Equal(t, 1, meta.NumDetections)
	assert.Equal(t, "yolo", meta.ModelUsed)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, pngOut[:4])

	decoded, err := png.Decode(bytes.NewReader(pngOut))
	require.NoError(t, err)
	assert.Equal(t, 128, decoded.Bounds().Dx())
}

func TestDescribe(t *testing.T) {
	svc := newTestService(t, map[string]detections.Detector{"yolo": &stubModel{}})

	info, err := svc.Describe("")
	require.NoError(t, err)
	assert.Equal(t, "yolo", info.ModelType)

	_, err = svc.Describe("bogus")
	assert.ErrorIs(t, err, detections.ErrUnknownModel)

	assert.Len(t, svc.DescribeAll(), 1)
}
