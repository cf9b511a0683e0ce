package predict

import (
	"github.com/chewxy/math32"
)

// Activations applied to raw model outputs.
const (
	ActivationNone    = "none"
	ActivationSoftmax = "softmax"
	ActivationSigmoid = "sigmoid"
)

// activate converts model outputs to probabilities in place.
// scores holds consecutive groups of channels values, one group per voxel.
func activate(name string, scores []float32, channels int) {
	switch name {
	case ActivationSoftmax:
		if channels == 1 {
			sigmoidAll(scores)
			return
		}
		for i := 0; i+channels <= len(scores); i += channels {
			softmax(scores[i : i+channels])
		}
	case ActivationSigmoid:
		sigmoidAll(scores)
	}
}

func softmax(v []float32) {
	top := math32.Inf(-1)
	for _, x := range v {
		if x > top {
			top = x
		}
	}
	var sum float32
	for i, x := range v {
		v[i] = math32.Exp(x - top)
		sum += v[i]
	}
	for i := range v {
		v[i] /= sum
	}
}

func sigmoidAll(v []float32) {
	for i, x := range v {
		v[i] = 1 / (1 + math32.Exp(-x))
	}
}
