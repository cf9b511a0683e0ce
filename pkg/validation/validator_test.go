package validation

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/sbinet/npyio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"neurovalidate/internal/models"
	"neurovalidate/pkg/nifti"
	"neurovalidate/pkg/predict"
	"neurovalidate/pkg/predict/mocks"
)

// thresholdPredictor scores class 1 with the normalized intensity
type thresholdPredictor struct {
	calls int
}

func (p *thresholdPredictor) Channels() int { return 2 }

func (p *thresholdPredictor) Predict(features []float32, batch int, block [3]int) ([]float32, error) {
	p.calls++
	out := make([]float32, 0, 2*len(features))
	for _, f := range features {
		out = append(out, 1-f, f)
	}
	return out, nil
}

// writeVolume saves a 4x4x4 volume whose voxels with x < edge hold value
func writeVolume(t *testing.T, path string, edge int, value float64) {
	t.Helper()
	header := models.DefaultHeader()
	header.Datatype = models.DatatypeInt16
	vol := models.NewVolume([]int{4, 4, 4}, header)
	for z := 0; z < 4; z++ {
		for y := 0; y < 4; y++ {
			for x := 0; x < edge; x++ {
				vol.Set(x, y, z, value)
			}
		}
	}
	require.NoError(t, nifti.Save(vol, path))
}

// testData writes a mapping file and returns a pair whose ground truth agrees
// with the prediction when labelEdge is 2.
func testData(t *testing.T, dir, name string, labelEdge int) models.Pair {
	t.Helper()
	pair := models.Pair{
		Volume: filepath.Join(dir, name+".nii.gz"),
		Label:  filepath.Join(dir, name+"_labels.nii.gz"),
	}
	writeVolume(t, pair.Volume, 2, 300)
	writeVolume(t, pair.Label, labelEdge, 17)
	return pair
}

func newParams(t *testing.T, dir string) *Params {
	t.Helper()
	mapping := filepath.Join(dir, "mapping.csv")
	require.NoError(t, os.WriteFile(mapping, []byte("original,new\n0,0\n17,1\n"), 0644))

	opts := predict.DefaultOptions()
	opts.BlockShape = [3]int{2, 2, 2}
	return &Params{
		NClasses:    2,
		MappingPath: mapping,
		Options:     opts,
	}
}

func TestDeriveOutputPaths(t *testing.T) {
	paths := DeriveOutputPaths(filepath.Join("data", "volume.nii.gz"))
	assert.Equal(t, filepath.Join("data", "volume_mean.nii.gz"), paths.Mean)
	assert.Equal(t, filepath.Join("data", "volume_variance.nii.gz"), paths.Variance)
	assert.Equal(t, filepath.Join("data", "volume_entropy.nii.gz"), paths.Entropy)
	assert.Equal(t, filepath.Join("data", "volume_dice.npy"), paths.Dice)
	assert.Equal(t, filepath.Join("data", "volume_dice.png"), paths.Chart)

	bare := DeriveOutputPaths("volume.nii.gz")
	assert.Equal(t, "volume_mean.nii.gz", bare.Mean)
	assert.Equal(t, "volume_variance.nii.gz", bare.Variance)
	assert.Equal(t, "volume_entropy.nii.gz", bare.Entropy)
	assert.Equal(t, "volume_dice.npy", bare.Dice)

	assert.Equal(t, "scan_mean.nii", DeriveOutputPaths("scan.nii").Mean)
	assert.Equal(t, "scan_mean", DeriveOutputPaths("scan").Mean)
}

func TestValidateFilepathPerfectPrediction(t *testing.T) {
	dir := t.TempDir()
	pair := testData(t, dir, "volume", 2)
	predictor := &thresholdPredictor{}

	v := NewValidator(predictor, newParams(t, dir), nil)
	outputs, dice, err := v.ValidateFilepath(pair)
	require.NoError(t, err)

	assert.Equal(t, []float64{1, 1}, dice)
	assert.Equal(t, []int{4, 4, 4}, outputs.Mean.Dims)
	assert.Equal(t, 2, predictor.calls)
	assert.Nil(t, outputs.Variance)
	assert.Nil(t, outputs.Entropy)
}

func TestValidateFilepathDiceRange(t *testing.T) {
	dir := t.TempDir()
	pair := testData(t, dir, "volume", 3)

	params := newParams(t, dir)
	params.NClasses = 5

	_, dice, err := NewValidator(&thresholdPredictor{}, params, nil).ValidateFilepath(pair)
	require.NoError(t, err)
	require.Len(t, dice, 5)
	assert.InDelta(t, 2.0/3, dice[0], 1e-12)
	assert.InDelta(t, 0.8, dice[1], 1e-12)
	// Classes absent from both volumes score 1.
	assert.Equal(t, []float64{1, 1, 1}, dice[2:])
}

func TestValidateFilepathMissingInputs(t *testing.T) {
	dir := t.TempDir()
	pair := testData(t, dir, "volume", 2)

	ctrl := gomock.NewController(t)
	// No expectations: any call to the predictor fails the test.
	predictor := mocks.NewMockPredictor(ctrl)
	v := NewValidator(predictor, newParams(t, dir), nil)

	missingVolume := models.Pair{Volume: filepath.Join(dir, "nope.nii.gz"), Label: pair.Label}
	_, _, err := v.ValidateFilepath(missingVolume)
	assert.True(t, errors.Is(err, ErrFileNotFound))
	assert.Contains(t, err.Error(), "nope.nii.gz")

	missingLabel := models.Pair{Volume: pair.Volume, Label: filepath.Join(dir, "nolabels.nii.gz")}
	_, _, err = v.ValidateFilepath(missingLabel)
	assert.True(t, errors.Is(err, ErrFileNotFound))
	assert.Contains(t, err.Error(), "nolabels.nii.gz")
}

func TestValidateFilepathShapeMismatch(t *testing.T) {
	dir := t.TempDir()
	pair := testData(t, dir, "volume", 2)

	for _, dims := range [][]int{{2, 2, 2}, {2, 2, 16}} {
		truth := models.NewVolume(dims, models.DefaultHeader())
		require.NoError(t, os.Remove(pair.Label))
		require.NoError(t, nifti.Save(truth, pair.Label))

		_, _, err := NewValidator(&thresholdPredictor{}, newParams(t, dir), nil).ValidateFilepath(pair)
		assert.True(t, errors.Is(err, ErrShapeMismatch), "dims %v", dims)
	}
}

func TestValidateFilepathSingletonTimeAxis(t *testing.T) {
	dir := t.TempDir()
	pair := testData(t, dir, "volume", 2)

	header := models.DefaultHeader()
	header.Datatype = models.DatatypeInt16
	truth := models.NewVolume([]int{4, 4, 4, 1}, header)
	for z := 0; z < 4; z++ {
		for y := 0; y < 4; y++ {
			for x := 0; x < 2; x++ {
				truth.Set(x, y, z, 17)
			}
		}
	}
	require.NoError(t, os.Remove(pair.Label))
	require.NoError(t, nifti.Save(truth, pair.Label))

	_, dice, err := NewValidator(&thresholdPredictor{}, newParams(t, dir), nil).ValidateFilepath(pair)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1}, dice)
}

func TestValidateFilepathPropagatesPredictorErrors(t *testing.T) {
	dir := t.TempDir()
	pair := testData(t, dir, "volume", 2)

	failure := errors.New("inference backend down")
	ctrl := gomock.NewController(t)
	predictor := mocks.NewMockPredictor(ctrl)
	predictor.EXPECT().Channels().Return(2).AnyTimes()
	predictor.EXPECT().Predict(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, failure)

	_, _, err := NewValidator(predictor, newParams(t, dir), nil).ValidateFilepath(pair)
	assert.True(t, errors.Is(err, failure))
}

func TestValidateFilepathsMissingInputRaisesBeforeProcessing(t *testing.T) {
	dir := t.TempDir()
	params := newParams(t, dir)

	ctrl := gomock.NewController(t)
	predictor := mocks.NewMockPredictor(ctrl)
	v := NewValidator(predictor, params, nil)
	var out bytes.Buffer
	v.SetOutput(&out)

	pairs := []models.Pair{{
		Volume: filepath.Join(dir, "missing.nii.gz"),
		Label:  filepath.Join(dir, "missing_labels.nii.gz"),
	}}
	_, err := v.ValidateFilepaths(pairs)
	assert.True(t, errors.Is(err, ErrFileNotFound))
	assert.Empty(t, out.String())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "only the mapping file may exist")
}

func TestValidateFilepathsExistingOutputRaisesBeforeWriting(t *testing.T) {
	dir := t.TempDir()
	pair := testData(t, dir, "volume", 2)
	params := newParams(t, dir)
	params.Options.NSamples = 2
	params.Options.ReturnVariance = true
	params.Options.ReturnEntropy = true

	paths := DeriveOutputPaths(pair.Volume)
	require.NoError(t, os.WriteFile(paths.Entropy, []byte("keep"), 0644))

	v := NewValidator(&thresholdPredictor{}, params, nil)
	v.SetOutput(&bytes.Buffer{})
	_, err := v.ValidateFilepaths([]models.Pair{pair})
	assert.True(t, errors.Is(err, ErrOutputExists))

	assert.NoFileExists(t, paths.Mean)
	assert.NoFileExists(t, paths.Variance)
	assert.NoFileExists(t, paths.Dice)
	data, err := os.ReadFile(paths.Entropy)
	require.NoError(t, err)
	assert.Equal(t, "keep", string(data))
}

func TestValidateFilepathsPartialBatch(t *testing.T) {
	dir := t.TempDir()
	first := testData(t, dir, "first", 2)
	second := testData(t, dir, "second", 2)
	params := newParams(t, dir)

	secondPaths := DeriveOutputPaths(second.Volume)
	require.NoError(t, os.WriteFile(secondPaths.Mean, []byte("keep"), 0644))

	v := NewValidator(&thresholdPredictor{}, params, nil)
	v.SetOutput(&bytes.Buffer{})
	_, err := v.ValidateFilepaths([]models.Pair{first, second})
	assert.True(t, errors.Is(err, ErrOutputExists))

	// The first pair completed before the batch halted.
	firstPaths := DeriveOutputPaths(first.Volume)
	assert.FileExists(t, firstPaths.Mean)
	assert.NoFileExists(t, firstPaths.Dice)
	assert.NoFileExists(t, secondPaths.Dice)
}

func TestValidateFilepathsSingleSampleNeverWritesVariance(t *testing.T) {
	dir := t.TempDir()
	pairs := []models.Pair{
		testData(t, dir, "first", 2),
		testData(t, dir, "second", 2),
	}
	params := newParams(t, dir)
	params.Options.NSamples = 1
	params.Options.ReturnVariance = true

	v := NewValidator(&thresholdPredictor{}, params, nil)
	v.SetOutput(&bytes.Buffer{})
	_, err := v.ValidateFilepaths(pairs)
	require.NoError(t, err)

	for _, pair := range pairs {
		paths := DeriveOutputPaths(pair.Volume)
		assert.FileExists(t, paths.Mean)
		assert.NoFileExists(t, paths.Variance)
		assert.NoFileExists(t, paths.Entropy)
	}
}

func TestValidateFilepathsWritesUncertaintyVolumes(t *testing.T) {
	dir := t.TempDir()
	pair := testData(t, dir, "volume", 2)
	params := newParams(t, dir)
	params.Options.NSamples = 3
	params.Options.ReturnVariance = true
	params.Options.ReturnEntropy = true

	predictor := &thresholdPredictor{}
	v := NewValidator(predictor, params, nil)
	v.SetOutput(&bytes.Buffer{})
	_, err := v.ValidateFilepaths([]models.Pair{pair})
	require.NoError(t, err)
	assert.Equal(t, 6, predictor.calls)

	paths := DeriveOutputPaths(pair.Volume)
	mean, err := nifti.Load(paths.Mean)
	require.NoError(t, err)
	assert.Equal(t, models.DatatypeInt32, mean.Header.Datatype)
	assert.Equal(t, 1.0, mean.At(0, 0, 0))
	assert.Equal(t, 0.0, mean.At(3, 0, 0))

	variance, err := nifti.Load(paths.Variance)
	require.NoError(t, err)
	for _, x := range variance.Data {
		assert.InDelta(t, 0, x, 1e-12)
	}
	assert.FileExists(t, paths.Entropy)
}

func TestValidateFilepathsEntropyOnly(t *testing.T) {
	dir := t.TempDir()
	pair := testData(t, dir, "volume", 2)
	params := newParams(t, dir)
	params.Options.ReturnEntropy = true

	v := NewValidator(&thresholdPredictor{}, params, nil)
	v.SetOutput(&bytes.Buffer{})
	_, err := v.ValidateFilepaths([]models.Pair{pair})
	require.NoError(t, err)

	paths := DeriveOutputPaths(pair.Volume)
	assert.FileExists(t, paths.Entropy)
	assert.NoFileExists(t, paths.Variance)
}

func TestValidateFilepathsArrayFormWritesMeanOnly(t *testing.T) {
	dir := t.TempDir()
	pair := testData(t, dir, "volume", 2)
	params := newParams(t, dir)
	params.Options.ArrayForm = true
	params.Options.NSamples = 2
	params.Options.ReturnVariance = true
	params.Options.ReturnEntropy = true

	v := NewValidator(&thresholdPredictor{}, params, nil)
	v.SetOutput(&bytes.Buffer{})
	_, err := v.ValidateFilepaths([]models.Pair{pair})
	require.NoError(t, err)

	paths := DeriveOutputPaths(pair.Volume)
	assert.FileExists(t, paths.Mean)
	assert.NoFileExists(t, paths.Variance)
	assert.NoFileExists(t, paths.Entropy)
	assert.FileExists(t, paths.Dice)
}

// The summary and the saved Dice vector describe only the last pair; no
// average across the batch is reported.
func TestValidateFilepathsSummaryReflectsLastPairOnly(t *testing.T) {
	dir := t.TempDir()
	first := testData(t, dir, "first", 2)
	second := testData(t, dir, "second", 3)

	v := NewValidator(&thresholdPredictor{}, newParams(t, dir), nil)
	var out bytes.Buffer
	v.SetOutput(&out)

	summary, err := v.ValidateFilepaths([]models.Pair{first, second})
	require.NoError(t, err)

	lastMean := (2.0/3 + 0.8) / 2
	assert.Equal(t, second.Volume, summary.Filename)
	assert.InDelta(t, lastMean, summary.MeanDice, 1e-12)
	assert.Equal(t, 2, summary.Processed)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, second.Volume, lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "Dice: 0.733333"), lines[1])

	assert.NoFileExists(t, DeriveOutputPaths(first.Volume).Dice)
	assert.Equal(t, DeriveOutputPaths(second.Volume).Dice, summary.DicePath)

	f, err := os.Open(summary.DicePath)
	require.NoError(t, err)
	defer f.Close()
	var saved []float64
	require.NoError(t, npyio.Read(f, &saved))
	assert.Equal(t, summary.Dice, saved)
}

func TestValidateFilepathsPrintsWholeScoresWithDecimalPoint(t *testing.T) {
	dir := t.TempDir()
	pair := testData(t, dir, "volume", 2)

	v := NewValidator(&thresholdPredictor{}, newParams(t, dir), nil)
	var out bytes.Buffer
	v.SetOutput(&out)

	_, err := v.ValidateFilepaths([]models.Pair{pair})
	require.NoError(t, err)
	assert.Equal(t, pair.Volume+"\nDice: 1.0\n", out.String())
}

func TestFormatScore(t *testing.T) {
	cases := map[float64]string{
		1:                  "1.0",
		0:                  "0.0",
		0.5:                "0.5",
		0.8333333333333334: "0.8333333333333334",
		0.00005:            "5e-05",
	}
	for in, want := range cases {
		assert.Equal(t, want, formatScore(in))
	}
	assert.Equal(t, "nan", formatScore(math.NaN()))
}

func TestValidateFilepathsEmpty(t *testing.T) {
	v := NewValidator(&thresholdPredictor{}, &Params{NClasses: 2}, nil)
	_, err := v.ValidateFilepaths(nil)
	assert.True(t, errors.Is(err, ErrNoPairs))
}

func TestValidateFilepathsChartsAndPreviews(t *testing.T) {
	dir := t.TempDir()
	pair := testData(t, dir, "volume", 2)
	params := newParams(t, dir)
	params.PlotDice = true
	params.Previews = true

	v := NewValidator(&thresholdPredictor{}, params, nil)
	v.SetOutput(&bytes.Buffer{})
	_, err := v.ValidateFilepaths([]models.Pair{pair})
	require.NoError(t, err)

	paths := DeriveOutputPaths(pair.Volume)
	assert.FileExists(t, paths.Chart)
	for _, axis := range []string{"x", "y", "z"} {
		assert.FileExists(t, paths.Preview+"_"+axis+".png")
	}
}
