package detections

const (
	InputName  = "images"
	OutputName = "output0"

	// DefaultInputSize is used when the model declares a dynamic input shape
	// and no size was configured.
	DefaultInputSize = 640

	IouThreshold  = 0.7
	MaxDetections = 300
	PadValue      = 114

	// Feature map strides of the YOLO detection head.
	strideSmall  = 8
	strideMedium = 16
	strideLarge  = 32
)

// NumAnchors returns the number of predictions a YOLO head produces for a
// square input of the given size.
func NumAnchors(size int) int {
	n := 0
	for _, s := range []int{strideSmall, strideMedium, strideLarge} {
		side := size / s
		n += side * side
	}
	return n
}
