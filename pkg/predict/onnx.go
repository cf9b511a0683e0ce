package predict

import (
	"os"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"
)

// ONNXConfig describes a segmentation model exported to ONNX
type ONNXConfig struct {
	// ModelPath is the path to the .onnx file
	ModelPath string

	// SharedLibraryPath points at the onnxruntime shared library. Empty keeps
	// the runtime's default search path.
	SharedLibraryPath string

	// InputName and OutputName are the graph's tensor names
	InputName  string
	OutputName string

	// BatchSize and BlockShape fix the input tensor shape (batch, x, y, z, 1)
	BatchSize  int
	BlockShape [3]int

	// Channels is the number of class scores per voxel in the output
	Channels int

	// Dtype selects a float32 or float64 input tensor
	Dtype string

	// IntraOpThreads limits intra-op parallelism; 0 lets the runtime decide
	IntraOpThreads int
}

// ONNXPredictor runs a model through ONNX Runtime with preallocated tensors
type ONNXPredictor struct {
	config  ONNXConfig
	session *ort.AdvancedSession
	input32 *ort.Tensor[float32]
	input64 *ort.Tensor[float64]
	output  *ort.Tensor[float32]
}

// NewONNXPredictor loads the model and binds fixed-shape input and output tensors.
// The caller must Close the predictor.
func NewONNXPredictor(config ONNXConfig) (*ONNXPredictor, error) {
	if _, err := os.Stat(config.ModelPath); err != nil {
		return nil, errors.Wrapf(err, "ONNX model %s", config.ModelPath)
	}
	if config.BatchSize < 1 || config.Channels < 1 {
		return nil, errors.Wrapf(ErrInvalidOptions, "batch size %d, channels %d", config.BatchSize, config.Channels)
	}

	if !ort.IsInitialized() {
		if config.SharedLibraryPath != "" {
			ort.SetSharedLibraryPath(config.SharedLibraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, errors.Wrap(err, "initializing ONNX Runtime environment")
		}
	}

	b := config.BlockShape
	inputShape := ort.NewShape(int64(config.BatchSize), int64(b[0]), int64(b[1]), int64(b[2]), 1)
	outputShape := ort.NewShape(int64(config.BatchSize), int64(b[0]), int64(b[1]), int64(b[2]), int64(config.Channels))

	p := &ONNXPredictor{config: config}

	var input ort.ArbitraryTensor
	var err error
	switch config.Dtype {
	case DtypeFloat64:
		p.input64, err = ort.NewEmptyTensor[float64](inputShape)
		input = p.input64
	case "", DtypeFloat32:
		p.input32, err = ort.NewEmptyTensor[float32](inputShape)
		input = p.input32
	default:
		return nil, errors.Wrapf(ErrInvalidOptions, "unsupported dtype %q", config.Dtype)
	}
	if err != nil {
		return nil, errors.Wrap(err, "creating input tensor")
	}

	p.output, err = ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		return nil, multierr.Append(errors.Wrap(err, "creating output tensor"), p.Close())
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, multierr.Append(errors.Wrap(err, "creating session options"), p.Close())
	}
	defer options.Destroy()

	if config.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(config.IntraOpThreads); err != nil {
			return nil, multierr.Append(errors.Wrap(err, "setting intra-op threads"), p.Close())
		}
	}

	p.session, err = ort.NewAdvancedSession(
		config.ModelPath,
		[]string{config.InputName},
		[]string{config.OutputName},
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{p.output},
		options,
	)
	if err != nil {
		return nil, multierr.Append(errors.Wrap(err, "creating ONNX session"), p.Close())
	}
	return p, nil
}

// Channels returns the number of class scores per voxel
func (p *ONNXPredictor) Channels() int {
	return p.config.Channels
}

// Predict copies features into the bound input tensor and runs the session
func (p *ONNXPredictor) Predict(features []float32, batch int, block [3]int) ([]float32, error) {
	if batch != p.config.BatchSize || block != p.config.BlockShape {
		return nil, errors.Wrapf(ErrInvalidOptions,
			"session is bound to batch %d of %v blocks, got batch %d of %v",
			p.config.BatchSize, p.config.BlockShape, batch, block)
	}

	if p.input64 != nil {
		dst := p.input64.GetData()
		if len(dst) != len(features) {
			return nil, errors.Errorf("got %d features, input tensor holds %d", len(features), len(dst))
		}
		for i, v := range features {
			dst[i] = float64(v)
		}
	} else {
		dst := p.input32.GetData()
		if len(dst) != len(features) {
			return nil, errors.Errorf("got %d features, input tensor holds %d", len(features), len(dst))
		}
		copy(dst, features)
	}

	if err := p.session.Run(); err != nil {
		return nil, errors.Wrap(err, "running ONNX session")
	}

	out := p.output.GetData()
	scores := make([]float32, len(out))
	copy(scores, out)
	return scores, nil
}

// Close releases the session and its tensors
func (p *ONNXPredictor) Close() error {
	var err error
	if p.session != nil {
		err = multierr.Append(err, p.session.Destroy())
		p.session = nil
	}
	if p.input32 != nil {
		err = multierr.Append(err, p.input32.Destroy())
		p.input32 = nil
	}
	if p.input64 != nil {
		err = multierr.Append(err, p.input64.Destroy())
		p.input64 = nil
	}
	if p.output != nil {
		err = multierr.Append(err, p.output.Destroy())
		p.output = nil
	}
	return err
}
