// Package visualization renders validation results: slices of predicted
// volumes and charts of per-class Dice scores.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"

	"neurovalidate/internal/models"
)

// Viewer extracts 2D slices from a volume for quick visual inspection
type Viewer struct {
	// volume is the 3D volume being viewed
	volume *models.Volume

	// dimensions of the volume
	width  int
	height int
	depth  int

	// lo and hi are the value window mapped to black and white
	lo, hi float64
}

// NewViewer creates a viewer over a 3D volume. The display window spans the
// volume's value range, so label volumes render with one grey level per class.
func NewViewer(vol *models.Volume) (*Viewer, error) {
	shape, err := vol.Shape3D()
	if err != nil {
		return nil, err
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range vol.Data {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if len(vol.Data) == 0 {
		lo, hi = 0, 0
	}

	return &Viewer{
		volume: vol,
		width:  shape[0],
		height: shape[1],
		depth:  shape[2],
		lo:     lo,
		hi:     hi,
	}, nil
}

// gray maps a voxel value into the display window
func (v *Viewer) gray(value float64) color.Gray16 {
	if v.hi == v.lo {
		return color.Gray16{}
	}
	scaled := (value - v.lo) / (v.hi - v.lo)
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, scaled*65535)))}
}

// ExtractSlice extracts a 2D slice from the volume along the specified axis
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	var img *image.Gray16

	switch axis {
	case "x", "X":
		// YZ plane
		if position >= v.width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, v.width)
		}
		img = image.NewGray16(image.Rect(0, 0, v.depth, v.height))
		for y := 0; y < v.height; y++ {
			for z := 0; z < v.depth; z++ {
				img.SetGray16(z, y, v.gray(v.volume.At(position, y, z)))
			}
		}

	case "y", "Y":
		// XZ plane
		if position >= v.height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, v.height)
		}
		img = image.NewGray16(image.Rect(0, 0, v.width, v.depth))
		for z := 0; z < v.depth; z++ {
			for x := 0; x < v.width; x++ {
				img.SetGray16(x, z, v.gray(v.volume.At(x, position, z)))
			}
		}

	case "z", "Z":
		// XY plane
		if position >= v.depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, v.depth)
		}
		img = image.NewGray16(image.Rect(0, 0, v.width, v.height))
		for y := 0; y < v.height; y++ {
			for x := 0; x < v.width; x++ {
				img.SetGray16(x, y, v.gray(v.volume.At(x, y, position)))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// SaveSlice saves an extracted slice as a PNG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}

	if err := png.Encode(file, img); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SaveMidPlanes writes the central slice along each axis to prefix_<axis>.png
// and returns the written paths.
func (v *Viewer) SaveMidPlanes(prefix string) ([]string, error) {
	centers := map[string]int{"x": v.width / 2, "y": v.height / 2, "z": v.depth / 2}

	var paths []string
	for _, axis := range []string{"x", "y", "z"} {
		img, err := v.ExtractSlice(axis, centers[axis])
		if err != nil {
			return paths, err
		}

		filename := fmt.Sprintf("%s_%s.png", prefix, axis)
		if err := v.SaveSlice(img, filename); err != nil {
			return paths, err
		}
		paths = append(paths, filename)
	}
	return paths, nil
}
