package detections

import (
	"context"
	"fmt"
	"image"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Tutortoise/equipment-scanner/models"
)

// ModelInfo is what the model file declares about itself.
type ModelInfo struct {
	// InputSize is the fixed square input edge, or 0 for a dynamic shape.
	InputSize int
	// NumClasses comes from the output shape, or 0 for a dynamic shape.
	NumClasses int
	Names      map[int]string
}

// LoadModelInfo inspects the model's input/output shapes and its class name
// table. Names come from the "names" metadata entry, else from labelsPath,
// else the table is empty. The ONNX runtime environment must already be
// initialized.
func LoadModelInfo(modelPath, labelsPath string) (*ModelInfo, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("read model io info: %w", err)
	}
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, fmt.Errorf("expected one input and one output, got %d and %d", len(inputs), len(outputs))
	}

	info := &ModelInfo{}
	in := inputs[0].Dimensions
	if len(in) != 4 {
		return nil, fmt.Errorf("input %q: expected 4 dimensions, got %v", inputs[0].Name, in)
	}
	if in[2] > 0 && in[2] == in[3] {
		info.InputSize = int(in[2])
	}
	out := outputs[0].Dimensions
	if len(out) != 3 {
		return nil, fmt.Errorf("output %q: expected 3 dimensions, got %v", outputs[0].Name, out)
	}
	if out[1] > 4 {
		info.NumClasses = int(out[1]) - 4
	}

	info.Names, err = loadNames(modelPath, labelsPath)
	if err != nil {
		return nil, err
	}
	if info.NumClasses == 0 {
		info.NumClasses = len(info.Names)
	}
	if info.NumClasses == 0 {
		return nil, fmt.Errorf("cannot determine class count: dynamic output and no class names")
	}
	return info, nil
}

func loadNames(modelPath, labelsPath string) (map[int]string, error) {
	md, err := ort.GetModelMetadata(modelPath)
	if err == nil {
		defer md.Destroy()
		raw, ok, err := md.LookupCustomMetadataMap("names")
		if err == nil && ok {
			return ParseNames(raw)
		}
	}
	if labelsPath != "" {
		return LoadLabels(labelsPath)
	}
	return map[int]string{}, nil
}

// ResolveSize picks the inference size for a session: the configured size,
// or the model's own when zero. A fixed-shape model cannot run at any other
// size.
func (m *ModelInfo) ResolveSize(configured int) (int, error) {
	switch {
	case configured == 0 && m.InputSize > 0:
		return m.InputSize, nil
	case configured == 0:
		return DefaultInputSize, nil
	case m.InputSize > 0 && configured != m.InputSize:
		return 0, fmt.Errorf("model input is fixed at %d, cannot run at %d", m.InputSize, configured)
	default:
		return configured, nil
	}
}

type ModelSession struct {
	Session    *ort.AdvancedSession
	Input      *ort.Tensor[float32]
	Output     *ort.Tensor[float32]
	Size       int
	NumClasses int

	preprocessor *channelProcessor
}

// NewModelSession creates a session running the model at a square input of
// the given size.
func NewModelSession(modelPath string, size, numClasses, threads int) (*ModelSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	if threads > 0 {
		options.SetIntraOpNumThreads(threads)
		options.SetInterOpNumThreads(1)
	}

	inputShape := ort.NewShape(1, 3, int64(size), int64(size))
	outputShape := ort.NewShape(1, int64(4+numClasses), int64(NumAnchors(size)))

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{InputName},
		[]string{OutputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	return &ModelSession{
		Session:      session,
		Input:        inputTensor,
		Output:       outputTensor,
		Size:         size,
		NumClasses:   numClasses,
		preprocessor: newChannelProcessor(size, size),
	}, nil
}

func (m *ModelSession) Destroy() {
	if m.Session != nil {
		m.Session.Destroy()
	}
	if m.Input != nil {
		m.Input.Destroy()
	}
	if m.Output != nil {
		m.Output.Destroy()
	}
}

// Warmup runs one inference on a blank input so the first request does not
// pay for lazy initialization.
func (m *ModelSession) Warmup() error {
	clear(m.Input.GetData())
	return m.Session.Run()
}

// ProcessImage runs one frame through the session and returns the candidates
// above threshold after NMS, highest score first. The session must not be
// shared by concurrent callers.
func ProcessImage(ctx context.Context, img image.Image, model *ModelSession, threshold float32) ([]models.RawCandidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	canvas, lb := letterboxImage(img, model.Size)
	model.preprocessor.processChannels(canvas, model.Input.GetData())

	if err := model.Session.Run(); err != nil {
		return nil, fmt.Errorf("model inference: %w", err)
	}

	bounds := img.Bounds()
	candidates, err := decodeOutput(model.Output.GetData(), model.NumClasses, NumAnchors(model.Size),
		threshold, lb, bounds.Dx(), bounds.Dy())
	if err != nil {
		return nil, fmt.Errorf("process predictions: %w", err)
	}

	return nonMaxSuppression(candidates, IouThreshold, MaxDetections), nil
}
