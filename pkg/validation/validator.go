// Package validation scores a segmentation model against ground-truth label
// volumes. It loads each (volume, labels) pair, predicts the full volume
// block-wise, remaps the ground-truth labels to class ids and computes a
// per-class Dice vector.
package validation

import (
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sbinet/npyio"
	"go.uber.org/zap"

	"neurovalidate/internal/models"
	"neurovalidate/pkg/labelmap"
	"neurovalidate/pkg/metrics"
	"neurovalidate/pkg/nifti"
	"neurovalidate/pkg/predict"
	"neurovalidate/pkg/visualization"
)

var (
	// ErrFileNotFound is returned before any processing when an input path is missing
	ErrFileNotFound = errors.New("file not found")

	// ErrOutputExists is returned when a prediction output would overwrite a file
	ErrOutputExists = errors.New("output already exists")

	// ErrNoPairs is returned when a batch is empty
	ErrNoPairs = errors.New("no volume pairs to validate")

	// ErrShapeMismatch is returned when prediction and ground truth differ in size
	ErrShapeMismatch = errors.New("prediction and ground truth shapes differ")
)

// Params holds the validation parameters shared by every pair of a batch
type Params struct {
	// NClasses is the number of classes the model predicts. Dice is computed
	// for every class id in [0, NClasses).
	NClasses int

	// MappingPath is the CSV file translating raw ground-truth labels to class ids
	MappingPath string

	// Options configures block-wise prediction
	Options predict.Options

	// PlotDice writes a bar chart next to the saved Dice vector
	PlotDice bool

	// Previews writes mid-plane PNGs of every mean prediction
	Previews bool
}

// Summary describes the outcome of a batch run.
//
// Only the last processed pair is reported: Filename, Dice and DicePath all
// refer to it and no aggregate across the batch is computed.
type Summary struct {
	// Filename is the volume path of the last processed pair
	Filename string

	// Dice is the Dice vector of the last processed pair
	Dice []float64

	// MeanDice is the mean of Dice
	MeanDice float64

	// DicePath is where Dice was saved
	DicePath string

	// Processed is the number of pairs whose outputs were written
	Processed int
}

// Validator runs the validation pipeline with one predictor
type Validator struct {
	predictor predict.Predictor
	params    *Params
	logger    *zap.Logger

	// stdout receives the batch summary lines
	stdout io.Writer
}

// NewValidator creates a validator. A nil logger disables logging.
func NewValidator(predictor predict.Predictor, params *Params, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{
		predictor: predictor,
		params:    params,
		logger:    logger,
		stdout:    os.Stdout,
	}
}

// SetOutput redirects the batch summary, which goes to stdout by default
func (v *Validator) SetOutput(w io.Writer) {
	v.stdout = w
}

// checkExists fails with ErrFileNotFound unless path is an existing regular file
func checkExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(ErrFileNotFound, "could not find file %s", path)
		}
		return err
	}
	if info.IsDir() {
		return errors.Wrapf(ErrFileNotFound, "%s is a directory", path)
	}
	return nil
}

// ValidateFilepath predicts one volume and scores it against its ground truth.
// It returns the prediction outputs and the per-class Dice vector.
func (v *Validator) ValidateFilepath(pair models.Pair) (*models.Outputs, []float64, error) {
	// Step 1: both inputs must exist before any work is done
	if err := checkExists(pair.Volume); err != nil {
		return nil, nil, err
	}
	if err := checkExists(pair.Label); err != nil {
		return nil, nil, err
	}

	// Step 2: load the volume and its ground truth
	vol, err := nifti.Load(pair.Volume)
	if err != nil {
		return nil, nil, err
	}
	truth, err := nifti.Load(pair.Label)
	if err != nil {
		return nil, nil, err
	}

	// Step 3: block-wise prediction
	outputs, err := predict.Predict(vol, v.predictor, v.params.Options, v.logger)
	if err != nil {
		return nil, nil, err
	}

	// Step 4: bring ground-truth labels into class-id space
	mapping, err := labelmap.Read(v.params.MappingPath)
	if err != nil {
		return nil, nil, err
	}
	truth = labelmap.Replace(truth, mapping)

	if !truth.SameShape(outputs.Mean) {
		return nil, nil, errors.Wrapf(ErrShapeMismatch, "prediction %v, ground truth %v", outputs.Mean.Dims, truth.Dims)
	}

	// Step 5: per-class Dice
	dice, err := metrics.PerClassDice(outputs.Mean.Data, truth.Data, v.params.NClasses)
	if err != nil {
		return nil, nil, err
	}

	v.logger.Debug("scored volume",
		zap.String("volume", pair.Volume),
		zap.Float64s("dice", dice))

	return outputs, dice, nil
}

// ValidateFilepaths validates every pair in order and writes the prediction
// volumes next to each input. Existing outputs abort the batch before that
// pair writes anything; pairs already written stay on disk.
//
// The summary printed to stdout and the saved Dice vector describe only the
// last processed pair.
func (v *Validator) ValidateFilepaths(pairs []models.Pair) (*Summary, error) {
	if len(pairs) == 0 {
		return nil, ErrNoPairs
	}

	var (
		filename string
		dice     []float64
		paths    OutputPaths
	)

	for i, pair := range pairs {
		outputs, pairDice, err := v.ValidateFilepath(pair)
		if err != nil {
			return nil, err
		}

		paths = DeriveOutputPaths(pair.Volume)
		if err := checkConflicts(paths); err != nil {
			return nil, err
		}
		if err := v.writeOutputs(outputs, paths); err != nil {
			return nil, err
		}

		filename, dice = pair.Volume, pairDice
		v.logger.Info("validated volume",
			zap.Int("index", i),
			zap.String("volume", pair.Volume),
			zap.String("mean", paths.Mean),
			zap.Float64("meanDice", metrics.Mean(pairDice)))
	}

	summary := &Summary{
		Filename:  filename,
		Dice:      dice,
		MeanDice:  metrics.Mean(dice),
		DicePath:  paths.Dice,
		Processed: len(pairs),
	}

	fmt.Fprintln(v.stdout, summary.Filename)
	fmt.Fprintln(v.stdout, "Dice: "+formatScore(summary.MeanDice))

	if err := saveDice(dice, paths.Dice); err != nil {
		return nil, err
	}

	if v.params.PlotDice {
		if err := visualization.SaveDiceChart(dice, filename, paths.Chart); err != nil {
			v.logger.Warn("failed to plot Dice scores", zap.String("path", paths.Chart), zap.Error(err))
		}
	}

	return summary, nil
}

// formatScore prints a float the way NumPy scalars print: shortest
// round-trip digits, always with a decimal point or exponent.
func formatScore(f float64) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}

// checkConflicts fails if any prediction volume target already exists
func checkConflicts(paths OutputPaths) error {
	for _, p := range []string{paths.Mean, paths.Variance, paths.Entropy} {
		if _, err := os.Stat(p); err == nil {
			return errors.Wrapf(ErrOutputExists, "%s or %s or %s already exists", paths.Mean, paths.Variance, paths.Entropy)
		}
	}
	return nil
}

// writeOutputs saves the mean prediction and, unless raw arrays were
// requested, the variance and entropy volumes that were produced.
func (v *Validator) writeOutputs(outputs *models.Outputs, paths OutputPaths) error {
	if err := nifti.Save(outputs.Mean, paths.Mean); err != nil {
		return err
	}

	if v.params.Previews {
		if viewer, err := visualization.NewViewer(outputs.Mean); err != nil {
			v.logger.Warn("cannot preview prediction", zap.Error(err))
		} else if _, err := viewer.SaveMidPlanes(paths.Preview); err != nil {
			v.logger.Warn("failed to save previews", zap.String("prefix", paths.Preview), zap.Error(err))
		}
	}

	if outputs.ArrayForm {
		return nil
	}

	if outputs.Variance != nil && v.params.Options.IncludeVariance() {
		if err := nifti.Save(outputs.Variance, paths.Variance); err != nil {
			return err
		}
	}
	if outputs.Entropy != nil && v.params.Options.ReturnEntropy {
		if err := nifti.Save(outputs.Entropy, paths.Entropy); err != nil {
			return err
		}
	}
	return nil
}

// saveDice writes the Dice vector as a NumPy .npy array
func saveDice(dice []float64, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := npyio.Write(f, dice); err != nil {
		f.Close()
		return errors.Wrapf(err, "writing %s", path)
	}
	return f.Close()
}
