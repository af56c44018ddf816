package detections

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/spinevision/vertebrae-segmentation-service/models"
)

// ErrUnknownModel is returned when a request names a model id that is not
// configured in the registry.
var ErrUnknownModel = errors.New("unknown model")

// ErrNotLoaded is returned by Predict when Load has not completed.
var ErrNotLoaded = errors.New("model not loaded")

// LoadError indicates the model artifact was present but unusable by the
// runtime. Distinct from storage failures so the HTTP layer can tell an
// unreachable bucket from a corrupt file.
type LoadError struct {
	Model string
	Cause error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading model %q: %v", e.Model, e.Cause)
}

func (e *LoadError) Unwrap() error { return e.Cause }

// Detector is the capability contract both model variants implement. Load is
// idempotent: a second call on a loaded model returns the cached ready state.
// Predict must be safe to call repeatedly without re-loading; implementations
// whose runtime reuses tensors serialize calls internally.
type Detector interface {
	Load(ctx context.Context) error
	Predict(img image.Image) ([]models.RawDetection, error)
	Info() models.ModelInfo
}

// DetectorConfig carries the per-model settings the registry hands each
// variant at construction time.
type DetectorConfig struct {
	ArtifactKey         string
	ConfidenceThreshold float64
	NMSThreshold        float64
	MaxDetections       int
	Device              string
}
