// Package metrics computes overlap scores between predicted and ground-truth
// label volumes.
package metrics

import (
	"fmt"

	"gonum.org/v1/gonum/stat"
)

// Dice returns the Dice coefficient 2|A∩B| / (|A|+|B|) of two masks.
// Two empty masks agree perfectly and score 1.
func Dice(a, b []bool) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("mask length mismatch: %d vs %d", len(a), len(b))
	}

	var inter, sumA, sumB int
	for i := range a {
		if a[i] {
			sumA++
		}
		if b[i] {
			sumB++
			if a[i] {
				inter++
			}
		}
	}

	if sumA+sumB == 0 {
		return 1, nil
	}
	return 2 * float64(inter) / float64(sumA+sumB), nil
}

// ClassMask marks the voxels equal to class
func ClassMask(labels []float64, class int) []bool {
	mask := make([]bool, len(labels))
	c := float64(class)
	for i, v := range labels {
		mask[i] = v == c
	}
	return mask
}

// PerClassDice scores every class id in [0, nClasses)
func PerClassDice(predicted, truth []float64, nClasses int) ([]float64, error) {
	if nClasses < 1 {
		return nil, fmt.Errorf("number of classes must be positive, got %d", nClasses)
	}

	dice := make([]float64, nClasses)
	for c := 0; c < nClasses; c++ {
		score, err := Dice(ClassMask(predicted, c), ClassMask(truth, c))
		if err != nil {
			return nil, fmt.Errorf("class %d: %w", c, err)
		}
		dice[c] = score
	}
	return dice, nil
}

// Mean averages a Dice vector
func Mean(dice []float64) float64 {
	return stat.Mean(dice, nil)
}
