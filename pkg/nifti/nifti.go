// Package nifti reads and writes single-file NIfTI-1 volumes (.nii and .nii.gz).
// Only the header fields and datatypes needed to carry voxel data and its
// spatial metadata are supported.
package nifti

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"io"
	"math"
	"os"
	"strings"

	"github.com/pkg/errors"

	"neurovalidate/internal/models"
)

// ErrUnsupported is returned for files this reader cannot decode
var ErrUnsupported = errors.New("unsupported NIfTI file")

// Load reads a volume from path. Files ending in .gz are gunzipped.
func Load(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, errors.Wrapf(err, "opening gzip stream of %s", path)
		}
		defer gz.Close()
		r = gz
	}

	vol, err := Decode(r)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	return vol, nil
}

// Decode reads a single-file NIfTI-1 stream
func Decode(r io.Reader) (*models.Volume, error) {
	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, errors.Wrap(err, "reading header")
	}

	order := binary.ByteOrder(binary.LittleEndian)
	if int32(binary.LittleEndian.Uint32(raw[:4])) != headerSize {
		order = binary.BigEndian
		if int32(binary.BigEndian.Uint32(raw[:4])) != headerSize {
			return nil, errors.Wrap(ErrUnsupported, "bad header size")
		}
	}

	var h rawHeader
	if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
		return nil, errors.Wrap(err, "decoding header")
	}
	if h.Magic != magicSingleFile {
		return nil, errors.Wrapf(ErrUnsupported, "magic %q", h.Magic[:3])
	}

	ndim := int(h.Dim[0])
	if ndim < 3 || ndim > 4 {
		return nil, errors.Wrapf(ErrUnsupported, "%d dimensions", ndim)
	}
	dims := make([]int, ndim)
	for i := range dims {
		dims[i] = int(h.Dim[i+1])
		if dims[i] <= 0 {
			return nil, errors.Wrapf(ErrUnsupported, "dimension %d has extent %d", i, dims[i])
		}
	}

	size := bytesPerVoxel(h.Datatype)
	if size == 0 {
		return nil, errors.Wrapf(ErrUnsupported, "datatype %d", h.Datatype)
	}

	// Skip the extension block up to the voxel offset.
	skip := int64(h.VoxOffset) - headerSize
	if skip > 0 {
		if _, err := io.CopyN(io.Discard, r, skip); err != nil {
			return nil, errors.Wrap(err, "skipping extensions")
		}
	}

	n := int64(1)
	for _, d := range dims {
		n *= int64(d)
	}
	need := n * int64(size)

	// The buffer grows with the bytes actually present, so a header claiming
	// more voxels than the stream holds fails without a huge allocation.
	buf, err := io.ReadAll(io.LimitReader(r, need))
	if err != nil {
		return nil, errors.Wrap(err, "reading voxel data")
	}
	if int64(len(buf)) < need {
		return nil, errors.Wrapf(io.ErrUnexpectedEOF, "voxel data holds %d of %d bytes", len(buf), need)
	}

	vol := models.NewVolume(dims, h.toHeader())
	decodeVoxels(buf, h.Datatype, order, vol.Data)

	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	if slope != 0 && (slope != 1 || inter != 0) {
		for i, v := range vol.Data {
			vol.Data[i] = v*slope + inter
		}
	}
	return vol, nil
}

// Save writes a volume to path, gzip-compressed when path ends in .gz
func Save(vol *models.Volume, path string) error {
	if bytesPerVoxel(vol.Header.Datatype) == 0 {
		return errors.Wrapf(ErrUnsupported, "datatype %d", vol.Header.Datatype)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}

	if err := Encode(w, vol); err != nil {
		f.Close()
		return errors.Wrapf(err, "writing %s", path)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			f.Close()
			return errors.Wrapf(err, "closing gzip stream of %s", path)
		}
	}
	return f.Close()
}

// Encode writes a volume as a little-endian single-file NIfTI-1 stream
func Encode(w io.Writer, vol *models.Volume) error {
	h := fromVolume(vol)
	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, &h); err != nil {
		return errors.Wrap(err, "encoding header")
	}
	// Empty extension flag.
	if _, err := bw.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}
	if _, err := bw.Write(encodeVoxels(vol.Data, vol.Header.Datatype)); err != nil {
		return errors.Wrap(err, "encoding voxel data")
	}
	return bw.Flush()
}

func decodeVoxels(buf []byte, datatype int16, order binary.ByteOrder, out []float64) {
	for i := range out {
		switch datatype {
		case models.DatatypeUint8:
			out[i] = float64(buf[i])
		case models.DatatypeInt8:
			out[i] = float64(int8(buf[i]))
		case models.DatatypeInt16:
			out[i] = float64(int16(order.Uint16(buf[2*i:])))
		case models.DatatypeUint16:
			out[i] = float64(order.Uint16(buf[2*i:]))
		case models.DatatypeInt32:
			out[i] = float64(int32(order.Uint32(buf[4*i:])))
		case models.DatatypeUint32:
			out[i] = float64(order.Uint32(buf[4*i:]))
		case models.DatatypeFloat32:
			out[i] = float64(math.Float32frombits(order.Uint32(buf[4*i:])))
		case models.DatatypeFloat64:
			out[i] = math.Float64frombits(order.Uint64(buf[8*i:]))
		}
	}
}

func encodeVoxels(data []float64, datatype int16) []byte {
	le := binary.LittleEndian
	buf := make([]byte, len(data)*bytesPerVoxel(datatype))
	for i, v := range data {
		switch datatype {
		case models.DatatypeUint8:
			buf[i] = uint8(math.Round(v))
		case models.DatatypeInt8:
			buf[i] = byte(int8(math.Round(v)))
		case models.DatatypeInt16:
			le.PutUint16(buf[2*i:], uint16(int16(math.Round(v))))
		case models.DatatypeUint16:
			le.PutUint16(buf[2*i:], uint16(math.Round(v)))
		case models.DatatypeInt32:
			le.PutUint32(buf[4*i:], uint32(int32(math.Round(v))))
		case models.DatatypeUint32:
			le.PutUint32(buf[4*i:], uint32(math.Round(v)))
		case models.DatatypeFloat32:
			le.PutUint32(buf[4*i:], math.Float32bits(float32(v)))
		case models.DatatypeFloat64:
			le.PutUint64(buf[8*i:], math.Float64bits(v))
		}
	}
	return buf
}
