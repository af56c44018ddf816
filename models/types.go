package models

import "time"

// BoundingBox is a detection box in pixel coordinates, x1 < x2 and y1 < y2.
type BoundingBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Width returns the box width in pixels.
func (b BoundingBox) Width() float64 { return b.X2 - b.X1 }

// Height returns the box height in pixels.
func (b BoundingBox) Height() float64 { return b.Y2 - b.Y1 }

// Area returns the box area in square pixels.
func (b BoundingBox) Area() float64 {
	w := b.Width()
	h := b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// IoU returns the intersection-over-union of two boxes.
func (b BoundingBox) IoU(other BoundingBox) float64 {
	ix1 := maxF(b.X1, other.X1)
	iy1 := maxF(b.Y1, other.Y1)
	ix2 := minF(b.X2, other.X2)
	iy2 := minF(b.Y2, other.Y2)

	if ix2 <= ix1 || iy2 <= iy1 {
		return 0
	}

	inter := (ix2 - ix1) * (iy2 - iy1)
	union := b.Area() + other.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// MaskRLE is a run-length encoded binary mask. Size holds [height, width];
// Counts holds alternating run lengths over the row-major bit layout,
// starting with the run of zeros before the first set bit.
type MaskRLE struct {
	Size   [2]int `json:"size"`
	Counts string `json:"counts"`
}

// Detection is the canonical, serializable detection record returned to
// callers. ClassName always matches the shared label table at ClassID.
type Detection struct {
	BBox      BoundingBox `json:"bbox"`
	Mask      MaskRLE     `json:"mask"`
	Score     float64     `json:"score"`
	ClassName string      `json:"class_name"`
	ClassID   int         `json:"class_id"`
}

// DetectionResult is the full response for one prediction request.
type DetectionResult struct {
	Detections       []Detection `json:"detections"`
	NumDetections    int         `json:"num_detections"`
	ImageShape       [3]int      `json:"image_shape"`
	ProcessingTimeMs float64     `json:"processing_time_ms"`
	ModelUsed        string      `json:"model_used"`
}

// ModelInfo describes a configured model without requiring a predict call.
type ModelInfo struct {
	ModelName           string   `json:"model_name"`
	ModelType           string   `json:"model_type"`
	NumClasses          int      `json:"num_classes"`
	Classes             []string `json:"classes"`
	Backbone            string   `json:"backbone"`
	Device              string   `json:"device"`
	ConfidenceThreshold float64  `json:"confidence_threshold"`
	NMSThreshold        float64  `json:"nms_threshold"`
	Framework           string   `json:"framework"`
	Loaded              bool     `json:"loaded"`
}

// RawDetection is the runtime-specific output of a model's Predict call,
// consumed immediately by the postprocessor. Mask is a row-major binary
// mask with one byte per pixel at the original image resolution.
type RawDetection struct {
	Box     BoundingBox
	Mask    []uint8
	MaskH   int
	MaskW   int
	Score   float32
	ClassID int
}

// ProcessingTimings tracks per-stage latency for one request.
type ProcessingTimings struct {
	ImageDecode time.Duration
	ModelLoad   time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	Render      time.Duration
	Total       time.Duration
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
