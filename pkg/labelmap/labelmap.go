// Package labelmap reads label-value mapping tables and applies them to
// ground-truth label volumes.
package labelmap

import (
	"encoding/csv"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"neurovalidate/internal/models"
)

// ErrMalformed is returned when a mapping file cannot be parsed
var ErrMalformed = errors.New("malformed label mapping")

// Entry maps one raw label value to a model class id
type Entry struct {
	From int
	To   int
}

// Mapping is an ordered list of label substitutions. When a source value
// appears more than once, the last entry wins.
type Mapping []Entry

// Read loads a two-column CSV mapping file. A first row whose first field is
// not a number is treated as a header and skipped.
func Read(path string) (Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := Parse(f)
	if err != nil {
		return nil, errors.Wrapf(err, "reading mapping %s", path)
	}
	return m, nil
}

// Parse reads a mapping from CSV text
func Parse(r io.Reader) (Mapping, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var m Mapping
	line := 0
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(ErrMalformed, err.Error())
		}
		line++

		if len(record) != 2 {
			return nil, errors.Wrapf(ErrMalformed, "line %d has %d columns, want 2", line, len(record))
		}

		from, fromErr := parseLabel(record[0])
		to, toErr := parseLabel(record[1])
		if line == 1 && fromErr != nil {
			continue
		}
		if fromErr != nil {
			return nil, errors.Wrapf(ErrMalformed, "line %d: %v", line, fromErr)
		}
		if toErr != nil {
			return nil, errors.Wrapf(ErrMalformed, "line %d: %v", line, toErr)
		}
		m = append(m, Entry{From: from, To: to})
	}

	if len(m) == 0 {
		return nil, errors.Wrap(ErrMalformed, "no entries")
	}
	return m, nil
}

// parseLabel accepts integers and integral floats such as "3.0"
func parseLabel(s string) (int, error) {
	s = strings.TrimSpace(s)
	if v, err := strconv.Atoi(s); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, errors.Errorf("label %q is not an integer", s)
	}
	return int(f), nil
}

// table flattens the mapping into a map honouring last-entry-wins
func (m Mapping) table() map[int]int {
	t := make(map[int]int, len(m))
	for _, e := range m {
		t[e.From] = e.To
	}
	return t
}

// Replace returns a new volume whose values are substituted through the
// mapping. Values with no entry become 0.
func Replace(vol *models.Volume, m Mapping) *models.Volume {
	t := m.table()
	out := models.NewVolume(vol.Dims, vol.Header)
	for i, v := range vol.Data {
		if v != math.Trunc(v) {
			continue
		}
		if to, ok := t[int(v)]; ok {
			out.Data[i] = float64(to)
		}
	}
	return out
}
