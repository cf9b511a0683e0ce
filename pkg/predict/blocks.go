package predict

import (
	"github.com/pkg/errors"
)

// grid returns the number of blocks along each axis
func grid(shape, block [3]int) ([3]int, error) {
	var g [3]int
	for i := range shape {
		if block[i] < 1 || shape[i]%block[i] != 0 {
			return g, errors.Wrapf(ErrBlockShape, "volume %v, block %v", shape, block)
		}
		g[i] = shape[i] / block[i]
	}
	return g, nil
}

// ToBlocks splits a volume into non-overlapping blocks.
//
// data is in volume order (x fastest). Blocks are returned in C-order over
// the block grid (gx, gy, gz), and each block is laid out C-order over
// (x, y, z) so that z varies fastest, the channels-last layout models are
// trained on.
func ToBlocks(data []float64, shape, block [3]int) ([][]float64, error) {
	g, err := grid(shape, block)
	if err != nil {
		return nil, err
	}
	if len(data) != shape[0]*shape[1]*shape[2] {
		return nil, errors.Errorf("data has %d voxels, shape %v needs %d", len(data), shape, shape[0]*shape[1]*shape[2])
	}

	vox := block[0] * block[1] * block[2]
	blocks := make([][]float64, 0, g[0]*g[1]*g[2])
	for gx := 0; gx < g[0]; gx++ {
		for gy := 0; gy < g[1]; gy++ {
			for gz := 0; gz < g[2]; gz++ {
				b := make([]float64, vox)
				for i := 0; i < block[0]; i++ {
					x := gx*block[0] + i
					for j := 0; j < block[1]; j++ {
						y := gy*block[1] + j
						for k := 0; k < block[2]; k++ {
							z := gz*block[2] + k
							b[(i*block[1]+j)*block[2]+k] = data[z*shape[0]*shape[1]+y*shape[0]+x]
						}
					}
				}
				blocks = append(blocks, b)
			}
		}
	}
	return blocks, nil
}

// FromBlocks reassembles blocks produced by ToBlocks into volume order
func FromBlocks(blocks [][]float64, shape, block [3]int) ([]float64, error) {
	g, err := grid(shape, block)
	if err != nil {
		return nil, err
	}
	if len(blocks) != g[0]*g[1]*g[2] {
		return nil, errors.Errorf("got %d blocks, shape %v needs %d", len(blocks), shape, g[0]*g[1]*g[2])
	}

	data := make([]float64, shape[0]*shape[1]*shape[2])
	n := 0
	for gx := 0; gx < g[0]; gx++ {
		for gy := 0; gy < g[1]; gy++ {
			for gz := 0; gz < g[2]; gz++ {
				b := blocks[n]
				n++
				for i := 0; i < block[0]; i++ {
					x := gx*block[0] + i
					for j := 0; j < block[1]; j++ {
						y := gy*block[1] + j
						for k := 0; k < block[2]; k++ {
							z := gz*block[2] + k
							data[z*shape[0]*shape[1]+y*shape[0]+x] = b[(i*block[1]+j)*block[2]+k]
						}
					}
				}
			}
		}
	}
	return data, nil
}
