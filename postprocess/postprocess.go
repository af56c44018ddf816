// Package postprocess turns raw model output into canonical detections:
// confidence filtering, per-class non-max suppression, the detection cap,
// mask run-length encoding, and class-name mapping.
package postprocess

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spinevision/vertebrae-segmentation-service/models"
)

// ErrModelOutputDefect marks output a model should never produce, like a
// class index outside the label table. Fatal for the request, never coerced.
var ErrModelOutputDefect = errors.New("model output defect")

// Processor applies the shared postprocessing policy. Both model variants
// feed it the same RawDetection shape; the YOLO variant has already filtered
// natively, which is fine — the policy here is idempotent over its output.
type Processor struct {
	ConfidenceThreshold float64
	OverlapThreshold    float64
	MaxDetections       int
	Labels              []string
}

// Process filters, suppresses, caps, encodes, and orders raw detections into
// canonical records sorted by descending score.
func (p *Processor) Process(raw []models.RawDetection) ([]models.Detection, error) {
	kept := make([]models.RawDetection, 0, len(raw))
	for _, d := range raw {
		if float64(d.Score) >= p.ConfidenceThreshold {
			kept = append(kept, d)
		}
	}

	// Stable sort: ties keep original order, which greedy NMS relies on.
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Score > kept[j].Score
	})

	survivors := make([]models.RawDetection, 0, len(kept))
	for _, d := range kept {
		suppressed := false
		for _, s := range survivors {
			if s.ClassID == d.ClassID && s.Box.IoU(d.Box) > p.OverlapThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			survivors = append(survivors, d)
		}
	}

	if p.MaxDetections > 0 && len(survivors) > p.MaxDetections {
		survivors = survivors[:p.MaxDetections]
	}

	detections := make([]models.Detection, 0, len(survivors))
	for _, d := range survivors {
		if d.ClassID < 0 || d.ClassID >= len(p.Labels) {
			return nil, fmt.Errorf("%w: class index %d outside %d-entry label table",
				ErrModelOutputDefect, d.ClassID, len(p.Labels))
		}

		rle, err := EncodeRLE(d.Mask, d.MaskH, d.MaskW)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrModelOutputDefect, err)
		}

		detections = append(detections, models.Detection{
			BBox:      d.Box,
			Mask:      rle,
			Score:     float64(d.Score),
			ClassName: p.Labels[d.ClassID],
			ClassID:   d.ClassID,
		})
	}

	return detections, nil
}

// SortAnatomical reorders canonical detections ascending by class index
// (T1..T12 then L1..L5). Presentation concern, applied on request by the
// HTTP layer; canonical output stays score-ordered.
func SortAnatomical(detections []models.Detection) {
	sort.SliceStable(detections, func(i, j int) bool {
		return detections[i].ClassID < detections[j].ClassID
	})
}
