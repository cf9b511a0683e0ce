package predict

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/pkg/errors"
)

// Normalizer maps raw intensities to model input range. It must not modify
// its argument.
type Normalizer func(data []float64) []float64

// DefaultNormalizer is used when Options.Normalizer is nil
var DefaultNormalizer Normalizer = ZeroOne

// ZeroOne rescales data linearly to [0, 1]. A constant volume maps to zeros.
func ZeroOne(data []float64) []float64 {
	out := make([]float64, len(data))
	if len(data) == 0 {
		return out
	}
	lo, hi := floats.Min(data), floats.Max(data)
	if hi == lo {
		return out
	}
	scale := 1 / (hi - lo)
	for i, v := range data {
		out[i] = (v - lo) * scale
	}
	return out
}

// Standardize shifts data to zero mean and unit variance
func Standardize(data []float64) []float64 {
	out := make([]float64, len(data))
	if len(data) == 0 {
		return out
	}
	mean, std := stat.PopMeanStdDev(data, nil)
	if std == 0 {
		return out
	}
	for i, v := range data {
		out[i] = (v - mean) / std
	}
	return out
}

// Identity returns a copy of data
func Identity(data []float64) []float64 {
	out := make([]float64, len(data))
	copy(out, data)
	return out
}

// NormalizerByName resolves the normalizer names used in configuration files
func NormalizerByName(name string) (Normalizer, error) {
	switch name {
	case "", "zero_one":
		return ZeroOne, nil
	case "standardize":
		return Standardize, nil
	case "none":
		return Identity, nil
	}
	return nil, errors.Wrapf(ErrInvalidOptions, "unknown normalizer %q", name)
}
