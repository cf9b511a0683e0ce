package nifti

import (
	"bytes"
	"strings"

	"neurovalidate/internal/models"
)

const (
	headerSize = 348

	// voxOffset is the header plus the 4-byte extension flag of a single-file .nii
	voxOffset = 352
)

var magicSingleFile = [4]byte{'n', '+', '1', 0}

// rawHeader mirrors the on-disk NIfTI-1 header field by field
type rawHeader struct {
	SizeofHdr     int32
	DataType      [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XYZTUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	TOffset       float32
	GLMax         int32
	GLMin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QFormCode     int16
	SFormCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QOffsetX      float32
	QOffsetY      float32
	QOffsetZ      float32
	SRowX         [4]float32
	SRowY         [4]float32
	SRowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// bytesPerVoxel returns the storage size of a datatype, 0 when unsupported
func bytesPerVoxel(datatype int16) int {
	switch datatype {
	case models.DatatypeUint8, models.DatatypeInt8:
		return 1
	case models.DatatypeInt16, models.DatatypeUint16:
		return 2
	case models.DatatypeInt32, models.DatatypeUint32, models.DatatypeFloat32:
		return 4
	case models.DatatypeFloat64:
		return 8
	}
	return 0
}

// toHeader converts the raw header into the spatial metadata kept on a volume
func (h *rawHeader) toHeader() models.Header {
	var out models.Header
	for i := 0; i < 3; i++ {
		out.PixDim[i] = float64(h.Pixdim[i+1])
	}
	rows := [3][4]float32{h.SRowX, h.SRowY, h.SRowZ}
	for i := range rows {
		for j := range rows[i] {
			out.SRow[i][j] = float64(rows[i][j])
		}
	}
	out.SFormCode = h.SFormCode
	out.QFormCode = h.QFormCode
	out.Quatern = [3]float64{float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)}
	out.QOffset = [3]float64{float64(h.QOffsetX), float64(h.QOffsetY), float64(h.QOffsetZ)}
	out.QFac = qfac(h.Pixdim[0])
	out.Datatype = h.Datatype
	out.XYZTUnits = h.XYZTUnits
	out.Description = strings.TrimRight(string(bytes.TrimRight(h.Descrip[:], "\x00")), " ")
	return out
}

// qfac reads pixdim[0]. Anything but a negative value means a right-handed qform.
func qfac(v float32) float64 {
	if v < 0 {
		return -1
	}
	return 1
}

// fromVolume builds the raw header used to write a volume
func fromVolume(v *models.Volume) rawHeader {
	h := rawHeader{
		SizeofHdr: headerSize,
		Regular:   'r',
		Datatype:  v.Header.Datatype,
		Bitpix:    int16(8 * bytesPerVoxel(v.Header.Datatype)),
		VoxOffset: voxOffset,
		SclSlope:  1,
		XYZTUnits: v.Header.XYZTUnits,
		QFormCode: v.Header.QFormCode,
		SFormCode: v.Header.SFormCode,
		QuaternB:  float32(v.Header.Quatern[0]),
		QuaternC:  float32(v.Header.Quatern[1]),
		QuaternD:  float32(v.Header.Quatern[2]),
		QOffsetX:  float32(v.Header.QOffset[0]),
		QOffsetY:  float32(v.Header.QOffset[1]),
		QOffsetZ:  float32(v.Header.QOffset[2]),
		Magic:     magicSingleFile,
	}

	h.Dim[0] = int16(len(v.Dims))
	for i := 1; i < 8; i++ {
		h.Dim[i] = 1
	}
	for i, d := range v.Dims {
		h.Dim[i+1] = int16(d)
	}

	h.Pixdim[0] = float32(qfac(float32(v.Header.QFac)))
	for i := 0; i < 3; i++ {
		h.Pixdim[i+1] = float32(v.Header.PixDim[i])
	}
	for i := 4; i < 8; i++ {
		h.Pixdim[i] = 1
	}

	rows := [3]*[4]float32{&h.SRowX, &h.SRowY, &h.SRowZ}
	for i, row := range rows {
		for j := 0; j < 4; j++ {
			row[j] = float32(v.Header.SRow[i][j])
		}
	}

	copy(h.Descrip[:], v.Header.Description)
	return h
}
