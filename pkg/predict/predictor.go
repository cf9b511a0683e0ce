//go:generate mockgen -destination=mocks/predictor.go -package=mocks neurovalidate/pkg/predict Predictor

// Package predict runs a segmentation model block-wise over a volume and
// reassembles the full-volume prediction, optionally estimating uncertainty
// from repeated stochastic forward passes.
package predict

import (
	"github.com/pkg/errors"
)

var (
	// ErrBlockShape is returned when a volume cannot be tiled by the block shape
	ErrBlockShape = errors.New("volume shape is not divisible by block shape")

	// ErrInvalidOptions is returned for unusable prediction options
	ErrInvalidOptions = errors.New("invalid prediction options")
)

// Predictor runs one forward pass of a model.
//
// features holds batch blocks laid out C-order over (batch, x, y, z, 1).
// The result holds class scores laid out C-order over
// (batch, x, y, z, Channels()).
type Predictor interface {
	Predict(features []float32, batch int, block [3]int) ([]float32, error)
	Channels() int
}

// Input tensor dtypes supported by the ONNX backend.
const (
	DtypeFloat32 = "float32"
	DtypeFloat64 = "float64"
)

// Options controls a prediction run
type Options struct {
	// BlockShape is the size of the sub-volumes fed to the model
	BlockShape [3]int

	// ReturnVariance requests the per-voxel variance across samples.
	// It is only produced when NSamples > 1.
	ReturnVariance bool

	// ReturnEntropy requests the per-voxel entropy of the mean class distribution
	ReturnEntropy bool

	// ArrayForm returns outputs without the input's spatial metadata
	ArrayForm bool

	// NSamples is the number of stochastic forward passes per batch
	NSamples int

	// Normalizer is applied to the whole volume before it is split into blocks.
	// Nil selects DefaultNormalizer.
	Normalizer Normalizer

	// BatchSize is the number of blocks per forward pass
	BatchSize int

	// Activation turns raw model outputs into probabilities: none, softmax or sigmoid
	Activation string
}

// DefaultOptions returns options matching a single deterministic pass
func DefaultOptions() Options {
	return Options{
		BlockShape: [3]int{128, 128, 128},
		NSamples:   1,
		Normalizer: DefaultNormalizer,
		BatchSize:  4,
		Activation: ActivationNone,
	}
}

// Validate checks the options and fills in defaults for unset optional fields
func (o *Options) Validate() error {
	for i, b := range o.BlockShape {
		if b < 1 {
			return errors.Wrapf(ErrInvalidOptions, "block dimension %d is %d", i, b)
		}
	}
	if o.NSamples < 1 {
		return errors.Wrapf(ErrInvalidOptions, "n_samples must be at least 1, got %d", o.NSamples)
	}
	if o.BatchSize < 1 {
		return errors.Wrapf(ErrInvalidOptions, "batch size must be at least 1, got %d", o.BatchSize)
	}
	switch o.Activation {
	case "":
		o.Activation = ActivationNone
	case ActivationNone, ActivationSoftmax, ActivationSigmoid:
	default:
		return errors.Wrapf(ErrInvalidOptions, "unknown activation %q", o.Activation)
	}
	if o.Normalizer == nil {
		o.Normalizer = DefaultNormalizer
	}
	return nil
}

// IncludeVariance reports whether a variance output will be produced
func (o Options) IncludeVariance() bool {
	return o.ReturnVariance && o.NSamples > 1
}
