package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/spinevision/vertebrae-segmentation-service/detections"
	"github.com/spinevision/vertebrae-segmentation-service/models"
	"github.com/spinevision/vertebrae-segmentation-service/postprocess"
	"github.com/spinevision/vertebrae-segmentation-service/visualize"
)

// ErrInvalidImage is returned when uploaded bytes cannot be decoded.
var ErrInvalidImage = errors.New("invalid image")

// VisualizeMeta carries the out-of-band metadata for an annotated-image
// response; the pixels travel separately as PNG bytes.
type VisualizeMeta struct {
	NumDetections    int
	ProcessingTimeMs float64
	ModelUsed        string
}

// Service is the single entry point the HTTP layer invokes: it decodes the
// upload, resolves the model, runs inference, postprocesses, and either
// serializes or renders. One inference pass feeds both output forms.
type Service struct {
	registry  *detections.Registry
	processor *postprocess.Processor
	log       *logrus.Entry
}

// NewService wires the orchestrator over an explicit registry.
func NewService(registry *detections.Registry, processor *postprocess.Processor, log *logrus.Entry) *Service {
	return &Service{
		registry:  registry,
		processor: processor,
		log:       log,
	}
}

// Predict runs detection on imageBytes with the named model (default when
// empty) and returns the canonical result. processing_time_ms spans from
// decode completion to the finished result, so a cold-start model load is
// included but upload transfer is not.
func (s *Service) Predict(ctx context.Context, imageBytes []byte, modelID string) (*models.DetectionResult, error) {
	var timings models.ProcessingTimings

	decodeStart := time.Now()
	img, err := decodeImage(imageBytes)
	timings.ImageDecode = time.Since(decodeStart)
	if err != nil {
		return nil, err
	}

	start := time.Now()

	canonical, usedID, err := s.infer(ctx, img, modelID, &timings)
	if err != nil {
		return nil, err
	}

	timings.Total = time.Since(start)
	result := &models.DetectionResult{
		Detections:       canonical,
		NumDetections:    len(canonical),
		ImageShape:       [3]int{img.Bounds().Dy(), img.Bounds().Dx(), 3},
		ProcessingTimeMs: float64(timings.Total.Microseconds()) / 1000.0,
		ModelUsed:        usedID,
	}

	s.logTimings(usedID, result.NumDetections, &timings)
	return result, nil
}

// PredictVisualize runs one inference pass and returns the annotated PNG
// plus the same metadata the JSON path would produce.
func (s *Service) PredictVisualize(ctx context.Context, imageBytes []byte, modelID string) ([]byte, *VisualizeMeta, error) {
	var timings models.ProcessingTimings

	decodeStart := time.Now()
	img, err := decodeImage(imageBytes)
	timings.ImageDecode = time.Since(decodeStart)
	if err != nil {
		return nil, nil, err
	}

	start := time.Now()

	canonical, usedID, err := s.infer(ctx, img, modelID, &timings)
	if err != nil {
		return nil, nil, err
	}

	renderStart := time.Now()
	rendered, err := visualize.Render(img, canonical)
	if err != nil {
		return nil, nil, fmt.Errorf("rendering annotations: %w", err)
	}
	pngBytes, err := visualize.EncodePNG(rendered)
	if err != nil {
		return nil, nil, err
	}
	timings.Render = time.Since(renderStart)

	timings.Total = time.Since(start)
	meta := &VisualizeMeta{
		NumDetections:    len(canonical),
		ProcessingTimeMs: float64(timings.Total.Microseconds()) / 1000.0,
		ModelUsed:        usedID,
	}

	s.logTimings(usedID, meta.NumDetections, &timings)
	return pngBytes, meta, nil
}

// Describe returns model info for id without running inference.
func (s *Service) Describe(modelID string) (models.ModelInfo, error) {
	return s.registry.Describe(modelID)
}

// DescribeAll returns info for every configured model.
func (s *Service) DescribeAll() map[string]models.ModelInfo {
	return s.registry.DescribeAll()
}

// DefaultModelID exposes the configured default for the HTTP layer.
func (s *Service) DefaultModelID() string {
	return s.registry.DefaultID()
}

func (s *Service) infer(ctx context.Context, img image.Image, modelID string, timings *models.ProcessingTimings) ([]models.Detection, string, error) {
	loadStart := time.Now()
	detector, err := s.registry.Resolve(ctx, modelID)
	timings.ModelLoad = time.Since(loadStart)
	if err != nil {
		return nil, "", err
	}

	usedID := modelID
	if usedID == "" {
		usedID = s.registry.DefaultID()
	}

	inferStart := time.Now()
	raw, err := detector.Predict(img)
	timings.Inference = time.Since(inferStart)
	if err != nil {
		return nil, "", fmt.Errorf("model %s prediction: %w", usedID, err)
	}

	postStart := time.Now()
	canonical, err := s.processor.Process(raw)
	timings.Postprocess = time.Since(postStart)
	if err != nil {
		return nil, "", err
	}
	return canonical, usedID, nil
}

func (s *Service) logTimings(modelID string, numDetections int, t *models.ProcessingTimings) {
	s.log.WithFields(logrus.Fields{
		"model":          modelID,
		"detections":     numDetections,
		"decode_ms":      t.ImageDecode.Milliseconds(),
		"load_ms":        t.ModelLoad.Milliseconds(),
		"inference_ms":   t.Inference.Milliseconds(),
		"postprocess_ms": t.Postprocess.Milliseconds(),
		"render_ms":      t.Render.Milliseconds(),
		"total_ms":       t.Total.Milliseconds(),
	}).Info("request processed")
}

func decodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return img, nil
}
