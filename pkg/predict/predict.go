package predict

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"neurovalidate/internal/models"
)

// Predict runs predictor over vol block by block and returns the
// reassembled outputs. Outputs.Mean holds the class id of every voxel.
//
// The volume is normalized, split into blocks and fed to the model in
// batches of opts.BatchSize; the last batch is zero-padded so backends with
// fixed input shapes always see full batches. Each batch is run
// opts.NSamples times and the class probabilities are averaged with a
// running (Welford) update. Variance is the population variance of the
// winning class probability across samples; entropy is that of the mean
// class distribution.
func Predict(vol *models.Volume, predictor Predictor, opts Options, logger *zap.Logger) (*models.Outputs, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	shape, err := vol.Shape3D()
	if err != nil {
		return nil, errors.Wrap(ErrInvalidOptions, err.Error())
	}

	channels := predictor.Channels()
	if channels < 1 {
		return nil, errors.Errorf("predictor reports %d output channels", channels)
	}

	blocks, err := ToBlocks(opts.Normalizer(vol.Data), shape, opts.BlockShape)
	if err != nil {
		return nil, err
	}

	block := opts.BlockShape
	vox := block[0] * block[1] * block[2]
	includeVariance := opts.IncludeVariance()

	labels := make([][]float64, len(blocks))
	var variances, entropies [][]float64
	if includeVariance {
		variances = make([][]float64, len(blocks))
	}
	if opts.ReturnEntropy {
		entropies = make([][]float64, len(blocks))
	}

	if opts.ReturnEntropy && opts.Activation == ActivationNone {
		logger.Warn("entropy requested without an activation; model outputs are assumed to be probabilities")
	}

	logger.Info("predicting volume",
		zap.Ints("shape", shape[:]),
		zap.Ints("block", block[:]),
		zap.Int("blocks", len(blocks)),
		zap.Int("samples", opts.NSamples))

	features := make([]float32, opts.BatchSize*vox)
	for start := 0; start < len(blocks); start += opts.BatchSize {
		end := start + opts.BatchSize
		if end > len(blocks) {
			end = len(blocks)
		}

		for i := range features {
			features[i] = 0
		}
		for b := start; b < end; b++ {
			offset := (b - start) * vox
			for i, v := range blocks[b] {
				features[offset+i] = float32(v)
			}
		}

		est := newEstimator(opts.BatchSize * vox * channels)
		for s := 0; s < opts.NSamples; s++ {
			scores, err := predictor.Predict(features, opts.BatchSize, block)
			if err != nil {
				return nil, errors.Wrapf(err, "predicting blocks %d-%d", start, end-1)
			}
			if len(scores) != opts.BatchSize*vox*channels {
				return nil, errors.Errorf("predictor returned %d values, expected %d", len(scores), opts.BatchSize*vox*channels)
			}
			activate(opts.Activation, scores, channels)
			est.add(scores)
		}

		for b := start; b < end; b++ {
			lbl, variance, entropy := est.summarize((b-start)*vox, vox, channels)
			labels[b] = lbl
			if includeVariance {
				variances[b] = variance
			}
			if opts.ReturnEntropy {
				entropies[b] = entropy
			}
		}

		logger.Debug("predicted batch", zap.Int("first", start), zap.Int("last", end-1))
	}

	header := vol.Header
	if opts.ArrayForm {
		header = models.DefaultHeader()
	}

	out := &models.Outputs{ArrayForm: opts.ArrayForm}
	if out.Mean, err = assemble(labels, shape, block, header, models.DatatypeInt32); err != nil {
		return nil, err
	}
	if includeVariance {
		if out.Variance, err = assemble(variances, shape, block, header, models.DatatypeFloat32); err != nil {
			return nil, err
		}
	}
	if opts.ReturnEntropy {
		if out.Entropy, err = assemble(entropies, shape, block, header, models.DatatypeFloat32); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func assemble(blocks [][]float64, shape, block [3]int, header models.Header, datatype int16) (*models.Volume, error) {
	data, err := FromBlocks(blocks, shape, block)
	if err != nil {
		return nil, err
	}
	header.Datatype = datatype
	vol := models.NewVolume(shape[:], header)
	vol.Data = data
	return vol, nil
}

// estimator accumulates the running mean and sum of squared deviations of
// repeated samples.
type estimator struct {
	n    int
	mean []float64
	m2   []float64
}

func newEstimator(size int) *estimator {
	return &estimator{
		mean: make([]float64, size),
		m2:   make([]float64, size),
	}
}

func (e *estimator) add(sample []float32) {
	e.n++
	for i, s := range sample {
		x := float64(s)
		delta := x - e.mean[i]
		e.mean[i] += delta / float64(e.n)
		e.m2[i] += delta * (x - e.mean[i])
	}
}

// summarize reduces the per-channel estimates of vox voxels starting at voxel
// offset to a class id, a variance and an entropy per voxel.
func (e *estimator) summarize(offset, vox, channels int) (labels, variance, entropy []float64) {
	labels = make([]float64, vox)
	variance = make([]float64, vox)
	entropy = make([]float64, vox)

	dist := make([]float64, channels)
	if channels == 1 {
		dist = make([]float64, 2)
	}

	for v := 0; v < vox; v++ {
		base := (offset + v) * channels
		winner := base
		if channels == 1 {
			p := clamp01(e.mean[base])
			dist[0], dist[1] = 1-p, p
			if p >= 0.5 {
				labels[v] = 1
			}
		} else {
			for c := 0; c < channels; c++ {
				dist[c] = clamp01(e.mean[base+c])
			}
			class := floats.MaxIdx(e.mean[base : base+channels])
			labels[v] = float64(class)
			winner = base + class
		}
		variance[v] = e.m2[winner] / float64(e.n)
		entropy[v] = stat.Entropy(dist)
	}
	return labels, variance, entropy
}

func clamp01(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
