package detections

// VertebraClasses is the shared label table for both models. The index order
// is fixed (T1..T12 then L1..L5) and must match the order the models were
// trained with; both adapters and the postprocessor consume this one table.
var VertebraClasses = []string{
	"T1", "T2", "T3", "T4", "T5", "T6",
	"T7", "T8", "T9", "T10", "T11", "T12",
	"L1", "L2", "L3", "L4", "L5",
}

// NumClasses is the size of the vertebra label table.
const NumClasses = 17

const (
	// YOLOInputSize is the square input resolution of the YOLO-seg graph.
	YOLOInputSize = 640
	// YOLOMaskCoeffs is the number of mask prototype coefficients per box.
	YOLOMaskCoeffs = 32
	// YOLOProtoSize is the side length of the mask prototype maps.
	YOLOProtoSize = 160
	// YOLONumPredictions is the number of candidate boxes in the output head.
	YOLONumPredictions = 8400

	// MaskBinarizeThreshold converts soft mask logits to binary pixels.
	MaskBinarizeThreshold = 0.5
)
