package validation

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"neurovalidate/internal/models"
)

// OutputPaths are the files derived from one input volume path
type OutputPaths struct {
	Mean     string
	Variance string
	Entropy  string
	Dice     string

	// Chart is the optional Dice bar chart
	Chart string

	// Preview is the prefix of the optional mid-plane PNGs
	Preview string
}

// DeriveOutputPaths places outputs next to the input. For an input named
// S.X, where S is the name up to its first dot and X the full suffix chain,
// the outputs are S_mean.X, S_variance.X, S_entropy.X and S_dice.npy.
func DeriveOutputPaths(volumePath string) OutputPaths {
	dir, name := filepath.Split(volumePath)
	stem, suffix := name, ""
	if i := strings.Index(name, "."); i > 0 {
		stem, suffix = name[:i], name[i:]
	}

	at := func(tag, ext string) string {
		return filepath.Join(dir, stem+"_"+tag+ext)
	}
	return OutputPaths{
		Mean:     at("mean", suffix),
		Variance: at("variance", suffix),
		Entropy:  at("entropy", suffix),
		Dice:     at("dice", ".npy"),
		Chart:    at("dice", ".png"),
		Preview:  at("mean", ""),
	}
}

// ReadPairs reads a two-column CSV of volume and label paths. A first row
// whose volume field has no file extension is treated as a header. Relative
// paths are resolved against the CSV file's directory.
func ReadPairs(path string) ([]models.Pair, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	base := filepath.Dir(path)
	resolve := func(p string) string {
		if filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	var pairs []models.Pair
	for line := 1; ; line++ {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", path)
		}
		if len(record) != 2 {
			return nil, errors.Errorf("%s line %d: expected 2 columns, got %d", path, line, len(record))
		}
		if line == 1 && filepath.Ext(record[0]) == "" {
			continue
		}
		pairs = append(pairs, models.Pair{
			Volume: resolve(strings.TrimSpace(record[0])),
			Label:  resolve(strings.TrimSpace(record[1])),
		})
	}

	if len(pairs) == 0 {
		return nil, errors.Wrapf(ErrNoPairs, "reading %s", path)
	}
	return pairs, nil
}
