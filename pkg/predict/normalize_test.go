package predict

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroOne(t *testing.T) {
	data := []float64{2, 4, 6}
	assert.Equal(t, []float64{0, 0.5, 1}, ZeroOne(data))
	assert.Equal(t, []float64{2, 4, 6}, data, "input must not be modified")

	assert.Equal(t, []float64{0, 0}, ZeroOne([]float64{3, 3}))
	assert.Empty(t, ZeroOne(nil))
}

func TestStandardize(t *testing.T) {
	out := Standardize([]float64{1, 2, 3, 4})
	var sum, sq float64
	for _, v := range out {
		sum += v
		sq += v * v
	}
	assert.InDelta(t, 0, sum, 1e-12)
	assert.InDelta(t, 1, sq/4, 1e-12)

	assert.Equal(t, []float64{0, 0}, Standardize([]float64{5, 5}))
}

func TestNormalizerByName(t *testing.T) {
	for _, name := range []string{"", "zero_one", "standardize", "none"} {
		n, err := NormalizerByName(name)
		require.NoError(t, err, name)
		assert.NotNil(t, n)
	}

	_, err := NormalizerByName("minmax")
	assert.True(t, errors.Is(err, ErrInvalidOptions))
}

func TestActivate(t *testing.T) {
	scores := []float32{0, 0, 2, 1}
	activate(ActivationSoftmax, scores, 2)
	assert.InDelta(t, 0.5, scores[0], 1e-6)
	assert.InDelta(t, 0.5, scores[1], 1e-6)
	assert.InDelta(t, 1, scores[2]+scores[3], 1e-6)
	assert.InDelta(t, 1/(1+math.Exp(-1)), scores[2], 1e-6)

	single := []float32{0}
	activate(ActivationSoftmax, single, 1)
	assert.InDelta(t, 0.5, single[0], 1e-6)

	raw := []float32{3, -1}
	activate(ActivationNone, raw, 2)
	assert.Equal(t, []float32{3, -1}, raw)
}

func TestOptionsValidate(t *testing.T) {
	opts := DefaultOptions()
	opts.Normalizer = nil
	opts.Activation = ""
	require.NoError(t, opts.Validate())
	assert.NotNil(t, opts.Normalizer)
	assert.Equal(t, ActivationNone, opts.Activation)

	bad := []func(*Options){
		func(o *Options) { o.NSamples = 0 },
		func(o *Options) { o.BatchSize = 0 },
		func(o *Options) { o.BlockShape = [3]int{1, 0, 1} },
		func(o *Options) { o.Activation = "relu" },
	}
	for i, mutate := range bad {
		o := DefaultOptions()
		mutate(&o)
		assert.True(t, errors.Is(o.Validate(), ErrInvalidOptions), "case %d", i)
	}
}

func TestIncludeVariance(t *testing.T) {
	o := DefaultOptions()
	o.ReturnVariance = true
	assert.False(t, o.IncludeVariance())
	o.NSamples = 3
	assert.True(t, o.IncludeVariance())
	o.ReturnVariance = false
	assert.False(t, o.IncludeVariance())
}
