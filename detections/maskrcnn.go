package detections

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/spinevision/vertebrae-segmentation-service/models"
)

// MaskRCNNDetector is the two-stage variant: a Mask R-CNN graph exported with
// dynamic input/output shapes, driven through a DynamicAdvancedSession. Unlike
// the YOLO variant it returns the dense proposal set unfiltered; the shared
// postprocessor applies the configured thresholds uniformly.
type MaskRCNNDetector struct {
	cfg      DetectorConfig
	backbone string
	resolver ArtifactResolver
	log      *logrus.Entry

	// mu serializes Predict: output tensors are allocated per call but the
	// underlying runtime session is not assumed reentrant.
	mu     sync.Mutex
	loaded bool

	session *ort.DynamicAdvancedSession
}

// NewMaskRCNNDetector builds an unloaded Mask R-CNN variant.
func NewMaskRCNNDetector(cfg DetectorConfig, backbone string, resolver ArtifactResolver, log *logrus.Entry) *MaskRCNNDetector {
	return &MaskRCNNDetector{
		cfg:      cfg,
		backbone: backbone,
		resolver: resolver,
		log:      log.WithField("model", "maskrcnn"),
	}
}

// Load fetches the artifact and creates the dynamic session. Idempotent.
func (d *MaskRCNNDetector) Load(ctx context.Context) error {
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
		return &LoadError{Model: "maskrcnn", Cause: err}
	}
	defer options.Destroy()

	session, err := ort.NewDynamicAdvancedSession(
		path,
		[]string{"image"},
		[]string{"boxes", "labels", "scores", "masks"},
		options,
	)
	if err != nil {
		return &LoadError{Model: "maskrcnn", Cause: fmt.Errorf("creating session: %w", err)}
	}

	d.session = session
	d.loaded = true
	d.log.WithField("path", path).Info("Mask R-CNN model loaded")
	return nil
}

// Predict runs the image at its native resolution and returns every proposal
// the region head produced, masks pasted at image resolution.
func (d *MaskRCNNDetector) Predict(img image.Image) ([]models.RawDetection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.loaded {
		return nil, ErrNotLoaded
	}

	w := img.Bounds().Dx()
	h := img.Bounds().Dy()

	inputData := make([]float32, 3*w*h)
	fillCHW(img, inputData, w, h)

	input, err := ort.NewTensor(ort.NewShape(1, 3, int64(h), int64(w)), inputData)
	if err != nil {
		return nil, fmt.Errorf("creating input tensor: %w", err)
	}
	defer input.Destroy()

	// Output shapes depend on the proposal count; let the runtime allocate.
	outputs := make([]ort.Value, 4)
	if err := d.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, fmt.Errorf("maskrcnn inference: %w", err)
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Destroy()
			}
		}
	}()

	boxes, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected boxes tensor type %T", outputs[0])
	}
	labels, ok := outputs[1].(*ort.Tensor[int64])
	if !ok {
		return nil, fmt.Errorf("unexpected labels tensor type %T", outputs[1])
	}
	scores, ok := outputs[2].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected scores tensor type %T", outputs[2])
	}
	masks, ok := outputs[3].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected masks tensor type %T", outputs[3])
	}

	return decodeProposals(boxes, labels, scores, masks, w, h)
}

// decodeProposals flattens the four output tensors into RawDetections.
func decodeProposals(boxes *ort.Tensor[float32], labels *ort.Tensor[int64], scores *ort.Tensor[float32], masks *ort.Tensor[float32], w, h int) ([]models.RawDetection, error) {
	boxShape := boxes.GetShape()
	if len(boxShape) != 2 || boxShape[1] != 4 {
		return nil, fmt.Errorf("unexpected boxes shape %v", boxShape)
	}
	n := int(boxShape[0])

	boxData := boxes.GetData()
	labelData := labels.GetData()
	scoreData := scores.GetData()
	maskData := masks.GetData()

	if len(labelData) < n || len(scoreData) < n {
		return nil, fmt.Errorf("proposal tensor lengths disagree: %d boxes, %d labels, %d scores",
			n, len(labelData), len(scoreData))
	}
	maskStride := 0
	if n > 0 {
		if len(maskData)%n != 0 {
			return nil, fmt.Errorf("mask tensor length %d not divisible by %d proposals", len(maskData), n)
		}
		maskStride = len(maskData) / n
		if maskStride != w*h {
			return nil, fmt.Errorf("mask plane is %d values, want %d for %dx%d image", maskStride, w*h, w, h)
		}
	}

	detections := make([]models.RawDetection, 0, n)
	for i := 0; i < n; i++ {
		mask := make([]uint8, w*h)
		plane := maskData[i*maskStride : (i+1)*maskStride]
		for j, v := range plane {
			if v > MaskBinarizeThreshold {
				mask[j] = 1
			}
		}

		detections = append(detections, models.RawDetection{
			Box: models.BoundingBox{
				X1: float64(boxData[i*4]),
				Y1: float64(boxData[i*4+1]),
				X2: float64(boxData[i*4+2]),
				Y2: float64(boxData[i*4+3]),
			},
			Mask:    mask,
			MaskH:   h,
			MaskW:   w,
			Score:   scoreData[i],
			ClassID: int(labelData[i]),
		})
	}

	return detections, nil
}

// Info describes the model without loading it.
func (d *MaskRCNNDetector) Info() models.ModelInfo {
	d.mu.Lock()
	loaded := d.loaded
	d.mu.Unlock()

	return models.ModelInfo{
		ModelName:           "Mask R-CNN",
		ModelType:           "maskrcnn",
		NumClasses:          NumClasses,
		Classes:             VertebraClasses,
		Backbone:            d.backbone,
		Device:              d.cfg.Device,
		ConfidenceThreshold: d.cfg.ConfidenceThreshold,
		NMSThreshold:        d.cfg.NMSThreshold,
		Framework:           "ONNX Runtime",
		Loaded:              loaded,
	}
}

// Destroy releases the session.
func (d *MaskRCNNDetector) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.loaded {
		return
	}
	d.session.Destroy()
	d.loaded = false
}
