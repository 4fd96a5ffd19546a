package pipeline

import (
	"context"
	"errors"
	"image"

	"github.com/Tutortoise/equipment-scanner/models"
)

// DetectOptions are deployment constants, never request parameters.
type DetectOptions struct {
	Confidence float32
	// InferenceSize is the long edge the frame is scaled to before inference.
	// Zero means the model's native input size.
	InferenceSize int
}

var (
	ServiceOptions     = DetectOptions{Confidence: 0.3}
	InteractiveOptions = DetectOptions{Confidence: 0.4, InferenceSize: 960}
)

// Detector is the object-detection capability. Implementations must return
// an empty slice, not an error, when nothing is found.
type Detector interface {
	Detect(ctx context.Context, frame image.Image, opts DetectOptions) ([]models.RawCandidate, error)
	// ClassNames maps class identifiers to labels. It must not change after
	// construction.
	ClassNames() map[int]string
}

func detect(ctx context.Context, det Detector, frame image.Image, opts DetectOptions) ([]models.RawCandidate, error) {
	candidates, err := det.Detect(ctx, frame, opts)
	if err != nil {
		if errors.Is(err, ErrBusy) {
			return nil, err
		}
		return nil, &DetectionError{Message: "detector invocation failed", Cause: err}
	}
	return candidates, nil
}
