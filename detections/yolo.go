package detections

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"sort"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/spinevision/vertebrae-segmentation-service/models"
)

// ArtifactResolver makes remote model weights available locally. Satisfied by
// storage.Cache; tests substitute a fake.
type ArtifactResolver interface {
	Ensure(ctx context.Context, key string) (string, error)
}

// YOLODetector is the single-stage variant: a YOLO-seg ONNX graph with a
// fixed-shape session. It applies its native confidence filter and per-class
// NMS before returning, so its output is already capped at MaxDetections.
type YOLODetector struct {
	cfg      DetectorConfig
	resolver ArtifactResolver
	log      *logrus.Entry

	// mu serializes Predict: the session owns reusable input/output tensors.
	mu     sync.Mutex
	loaded bool

	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	head    *ort.Tensor[float32]
	proto   *ort.Tensor[float32]
}

// NewYOLODetector builds an unloaded YOLO variant. Load fetches weights and
// creates the session.
func NewYOLODetector(cfg DetectorConfig, resolver ArtifactResolver, log *logrus.Entry) *YOLODetector {
	return &YOLODetector{
		cfg:      cfg,
		resolver: resolver,
		log:      log.WithField("model", "yolo"),
	}
}

// Load fetches the artifact and initializes the ONNX session. Idempotent: a
// second call on a loaded detector is a no-op. On failure no partial state is
// kept.
func (d *YOLODetector) Load(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.loaded {
		return nil
	}

	path, err := d.resolver.Ensure(ctx, d.cfg.ArtifactKey)
	if err != nil {
		return err
	}

	options, err := newSessionOptions(d.cfg.Device, d.log)
	if err != nil {
		return &LoadError{Model: "yolo", Cause: err}
	}
	defer options.Destroy()

	inputShape := ort.NewShape(1, 3, YOLOInputSize, YOLOInputSize)
	headShape := ort.NewShape(1, 4+NumClasses+YOLOMaskCoeffs, YOLONumPredictions)
	protoShape := ort.NewShape(1, YOLOMaskCoeffs, YOLOProtoSize, YOLOProtoSize)

	input, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return &LoadError{Model: "yolo", Cause: fmt.Errorf("creating input tensor: %w", err)}
	}
	head, err := ort.NewEmptyTensor[float32](headShape)
	if err != nil {
		input.Destroy()
		return &LoadError{Model: "yolo", Cause: fmt.Errorf("creating head tensor: %w", err)}
	}
	proto, err := ort.NewEmptyTensor[float32](protoShape)
	if err != nil {
		input.Destroy()
		head.Destroy()
		return &LoadError{Model: "yolo", Cause: fmt.Errorf("creating proto tensor: %w", err)}
	}

	session, err := ort.NewAdvancedSession(
		path,
		[]string{"images"},
		[]string{"output0", "output1"},
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{head, proto},
		options,
	)
	if err != nil {
		input.Destroy()
		head.Destroy()
		proto.Destroy()
		return &LoadError{Model: "yolo", Cause: fmt.Errorf("creating session: %w", err)}
	}

	d.session = session
	d.input = input
	d.head = head
	d.proto = proto
	d.loaded = true
	d.log.WithField("path", path).Info("YOLO-seg model loaded")
	return nil
}

// Predict runs the image through the graph and returns detections already
// filtered by this variant's native thresholds.
func (d *YOLODetector) Predict(img image.Image) ([]models.RawDetection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.loaded {
		return nil, ErrNotLoaded
	}

	origW := img.Bounds().Dx()
	origH := img.Bounds().Dy()

	resized := imaging.Resize(img, YOLOInputSize, YOLOInputSize, imaging.Linear)
	fillCHW(resized, d.input.GetData(), YOLOInputSize, YOLOInputSize)

	if err := d.session.Run(); err != nil {
		return nil, fmt.Errorf("yolo inference: %w", err)
	}

	candidates := decodeYOLOHead(d.head.GetData(), origW, origH, float32(d.cfg.ConfidenceThreshold))
	kept := nmsPerClass(candidates, d.cfg.NMSThreshold)
	if d.cfg.MaxDetections > 0 && len(kept) > d.cfg.MaxDetections {
		kept = kept[:d.cfg.MaxDetections]
	}

	detections := make([]models.RawDetection, 0, len(kept))
	protoData := d.proto.GetData()
	for _, c := range kept {
		mask := buildProtoMask(protoData, c.coeffs, c.box640, origW, origH)
		detections = append(detections, models.RawDetection{
			Box:     c.box,
			Mask:    mask,
			MaskH:   origH,
			MaskW:   origW,
			Score:   c.score,
			ClassID: c.classID,
		})
	}

	return detections, nil
}

// Info describes the model without loading it.
func (d *YOLODetector) Info() models.ModelInfo {
	d.mu.Lock()
	loaded := d.loaded
	d.mu.Unlock()

	return models.ModelInfo{
		ModelName:           "YOLOv8-seg",
		ModelType:           "yolo",
		NumClasses:          NumClasses,
		Classes:             VertebraClasses,
		Backbone:            "YOLOv8",
		Device:              d.cfg.Device,
		ConfidenceThreshold: d.cfg.ConfidenceThreshold,
		NMSThreshold:        d.cfg.NMSThreshold,
		Framework:           "ONNX Runtime",
		Loaded:              loaded,
	}
}

// Destroy releases the ONNX session and tensors.
func (d *YOLODetector) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.loaded {
		return
	}
	d.session.Destroy()
	d.input.Destroy()
	d.head.Destroy()
	d.proto.Destroy()
	d.loaded = false
}

// candidate is a decoded head entry before NMS. box640 stays in input-space
// for mask cropping; box is scaled to the original image.
type candidate struct {
	box     models.BoundingBox
	box640  [4]float32
	score   float32
	classID int
	coeffs  []float32
}

// decodeYOLOHead reads the [4+classes+coeffs, predictions] output plane and
// keeps entries whose best class score clears the threshold.
func decodeYOLOHead(head []float32, origW, origH int, threshold float32) []candidate {
	const n = YOLONumPredictions
	scaleX := float32(origW) / YOLOInputSize
	scaleY := float32(origH) / YOLOInputSize

	candidates := make([]candidate, 0, 64)
	for i := 0; i < n; i++ {
		bestScore := float32(0)
		bestClass := 0
		for c := 0; c < NumClasses; c++ {
			s := head[(4+c)*n+i]
			if s > bestScore {
				bestScore = s
				bestClass = c
			}
		}
		if bestScore < threshold {
			continue
		}

		cx := head[i]
		cy := head[n+i]
		w := head[2*n+i]
		h := head[3*n+i]

		x1 := cx - w/2
		y1 := cy - h/2
		x2 := cx + w/2
		y2 := cy + h/2

		coeffs := make([]float32, YOLOMaskCoeffs)
		for k := 0; k < YOLOMaskCoeffs; k++ {
			coeffs[k] = head[(4+NumClasses+k)*n+i]
		}

		candidates = append(candidates, candidate{
			box: models.BoundingBox{
				X1: float64(clampF(x1*scaleX, 0, float32(origW))),
				Y1: float64(clampF(y1*scaleY, 0, float32(origH))),
				X2: float64(clampF(x2*scaleX, 0, float32(origW))),
				Y2: float64(clampF(y2*scaleY, 0, float32(origH))),
			},
			box640:  [4]float32{x1, y1, x2, y2},
			score:   bestScore,
			classID: bestClass,
			coeffs:  coeffs,
		})
	}
	return candidates
}

// nmsPerClass runs greedy non-max suppression within each class, higher score
// wins, ties broken by original order. Result is sorted by descending score.
func nmsPerClass(candidates []candidate, overlapThreshold float64) []candidate {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	kept := make([]candidate, 0, len(candidates))
	for _, c := range candidates {
		suppressed := false
		for _, k := range kept {
			if k.classID == c.classID && k.box.IoU(c.box) > overlapThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, c)
		}
	}
	return kept
}

// buildProtoMask combines the 32 prototype maps with a detection's
// coefficients, crops to its box, binarizes, and upsamples to the original
// image resolution.
func buildProtoMask(proto []float32, coeffs []float32, box640 [4]float32, origW, origH int) []uint8 {
	const ps = YOLOProtoSize
	// Box in prototype space (640 / 160 = 4x downsample).
	px1 := int(box640[0] / 4)
	py1 := int(box640[1] / 4)
	px2 := int(math.Ceil(float64(box640[2] / 4)))
	py2 := int(math.Ceil(float64(box640[3] / 4)))
	px1 = clampI(px1, 0, ps-1)
	py1 = clampI(py1, 0, ps-1)
	px2 = clampI(px2, px1+1, ps)
	py2 = clampI(py2, py1+1, ps)

	gray := image.NewGray(image.Rect(0, 0, ps, ps))
	for y := py1; y < py2; y++ {
		for x := px1; x < px2; x++ {
			var logit float32
			for k := 0; k < YOLOMaskCoeffs; k++ {
				logit += coeffs[k] * proto[k*ps*ps+y*ps+x]
			}
			v := 1.0 / (1.0 + math.Exp(-float64(logit)))
			if v > MaskBinarizeThreshold {
				gray.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}

	full := imaging.Resize(gray, origW, origH, imaging.NearestNeighbor)
	mask := make([]uint8, origW*origH)
	for y := 0; y < origH; y++ {
		for x := 0; x < origW; x++ {
			r, _, _, _ := full.At(x, y).RGBA()
			if r > 0x7fff {
				mask[y*origW+x] = 1
			}
		}
	}
	return mask
}

func clampF(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampI(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
