package models

import (
	"fmt"
)

// NIfTI-1 datatype codes understood by the volume reader and writer.
const (
	DatatypeUint8   int16 = 2
	DatatypeInt16   int16 = 4
	DatatypeInt32   int16 = 8
	DatatypeFloat32 int16 = 16
	DatatypeFloat64 int16 = 64
	DatatypeInt8    int16 = 256
	DatatypeUint16  int16 = 512
	DatatypeUint32  int16 = 768
)

// Header holds the spatial metadata that travels with a volume
type Header struct {
	// PixDim is the physical size of each voxel in mm along x, y, z
	PixDim [3]float64

	// SRow holds the three rows of the voxel-to-world affine transform
	SRow [3][4]float64

	// SFormCode and QFormCode record how the affine was obtained
	SFormCode int16
	QFormCode int16

	// Quatern and QOffset describe the qform rotation and translation
	Quatern [3]float64
	QOffset [3]float64

	// QFac is the qform handedness, 1 or -1
	QFac float64

	// Datatype is the on-disk voxel type used when the volume is written
	Datatype int16

	// XYZTUnits packs spatial and temporal units
	XYZTUnits uint8

	// Description is the free-text descrip field
	Description string
}

// DefaultHeader returns a header with 1mm isotropic voxels and an identity affine
func DefaultHeader() Header {
	return Header{
		PixDim: [3]float64{1, 1, 1},
		SRow: [3][4]float64{
			{1, 0, 0, 0},
			{0, 1, 0, 0},
			{0, 0, 1, 0},
		},
		SFormCode: 1,
		QFac:      1,
		Datatype:  DatatypeFloat32,
		XYZTUnits: 2,
	}
}

// Volume is a 3D or 4D voxel array plus its spatial metadata.
// Data is stored in NIfTI order: x varies fastest, then y, then z, then t.
type Volume struct {
	// Data holds the voxel values
	Data []float64

	// Dims is the extent of each axis (3 or 4 entries)
	Dims []int

	// Header is the spatial metadata
	Header Header
}

// NewVolume allocates a zero-filled volume with the given dimensions
func NewVolume(dims []int, header Header) *Volume {
	n := 1
	for _, d := range dims {
		n *= d
	}
	d := make([]int, len(dims))
	copy(d, dims)
	return &Volume{
		Data:   make([]float64, n),
		Dims:   d,
		Header: header,
	}
}

// Len returns the number of voxels
func (v *Volume) Len() int {
	return len(v.Data)
}

// Shape3D returns the spatial extent of a 3D volume. A 4D volume whose
// fourth axis is 1 is accepted as 3D.
func (v *Volume) Shape3D() ([3]int, error) {
	var shape [3]int
	switch {
	case len(v.Dims) == 3:
	case len(v.Dims) == 4 && v.Dims[3] == 1:
	default:
		return shape, fmt.Errorf("expected a 3D volume, got dims %v", v.Dims)
	}
	copy(shape[:], v.Dims[:3])
	return shape, nil
}

// Index returns the flat offset of voxel (x, y, z)
func (v *Volume) Index(x, y, z int) int {
	return z*v.Dims[0]*v.Dims[1] + y*v.Dims[0] + x
}

// At returns the value at voxel (x, y, z)
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// Set assigns the value at voxel (x, y, z)
func (v *Volume) Set(x, y, z int, value float64) {
	v.Data[v.Index(x, y, z)] = value
}

// SameShape reports whether two volumes have identical dimensions. Trailing
// singleton axes past the third are ignored, so x*y*z*1 matches x*y*z.
func (v *Volume) SameShape(o *Volume) bool {
	a, b := spatialDims(v.Dims), spatialDims(o.Dims)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func spatialDims(dims []int) []int {
	for len(dims) > 3 && dims[len(dims)-1] == 1 {
		dims = dims[:len(dims)-1]
	}
	return dims
}

// Pair is one validation unit: an input volume and its ground-truth labels
type Pair struct {
	// Volume is the path to the intensity volume fed to the model
	Volume string

	// Label is the path to the ground-truth label volume
	Label string
}

// Outputs are the prediction volumes produced for one input.
// Mean is always set. Variance and Entropy are nil unless they were requested
// and could be estimated.
type Outputs struct {
	Mean     *Volume
	Variance *Volume
	Entropy  *Volume

	// ArrayForm is set when the caller asked for raw arrays; the volumes then
	// carry a default header instead of the input's spatial metadata.
	ArrayForm bool
}
