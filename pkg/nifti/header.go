// Package nifti serializes fixed-layout NIfTI-1 (348-byte) and NIfTI-2
// (540-byte) binary headers and embeds them into a chunked store as a
// dedicated uncompressed single-chunk entry, making the store directly
// interpretable as a medical-imaging volume.
package nifti

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/kabilar/linc-convert/pkg/zarr"
)

// EntryName is the store entry holding the header bytes.
const EntryName = "nifti"

// Header sizes in bytes.
const (
	Nifti1Size = 348
	Nifti2Size = 540
)

// Unit codes per the NIfTI specification.
type Unit int

const (
	UnitUnknown Unit = 0
	UnitMeter   Unit = 1
	UnitMM      Unit = 2
	UnitMicron  Unit = 3
	UnitSec     Unit = 8
	UnitMsec    Unit = 16
	UnitUsec    Unit = 24
)

// ParseUnit maps common spelling of spatial units onto the NIfTI code.
func ParseUnit(s string) (Unit, error) {
	switch s {
	case "m", "meter":
		return UnitMeter, nil
	case "mm", "millimeter":
		return UnitMM, nil
	case "um", "micron", "micrometer":
		return UnitMicron, nil
	case "":
		return UnitUnknown, nil
	}
	return UnitUnknown, fmt.Errorf("unknown spatial unit %q", s)
}

// DtypeCode returns the NIfTI datatype code and bits-per-pixel for an
// element type.
func DtypeCode(dt zarr.Dtype) (code, bitpix int16, err error) {
	switch dt {
	case zarr.Uint8:
		return 2, 8, nil
	case zarr.Int16:
		return 4, 16, nil
	case zarr.Int32:
		return 8, 32, nil
	case zarr.Float32:
		return 16, 32, nil
	case zarr.Float64:
		return 64, 64, nil
	case zarr.Int8:
		return 256, 8, nil
	case zarr.Uint16:
		return 512, 16, nil
	case zarr.Uint32:
		return 768, 32, nil
	case zarr.Int64:
		return 1024, 64, nil
	case zarr.Uint64:
		return 1280, 64, nil
	}
	return 0, 0, fmt.Errorf("nifti: dtype %q has no header code", dt)
}

// Version returns 2 when any dimension exceeds the 16-bit signed range
// representable in a NIfTI-1 header, else 1.
func Version(shape []int) int {
	for _, s := range shape {
		if s > math.MaxInt16 {
			return 2
		}
	}
	return 1
}

// Header holds everything needed to emit the binary record. Shape is in
// imaging convention order: x, y, z, then optional t and c.
type Header struct {
	Shape     []int
	Dtype     zarr.Dtype
	Affine    *mat.Dense // 4x4 voxel-to-RAS
	SpaceUnit Unit
	TimeUnit  Unit
}

type nifti1Layout struct {
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
	XyztUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

type nifti2Layout struct {
	SizeofHdr     int32
	Magic         [8]byte
	Datatype      int16
	Bitpix        int16
	Dim           [8]int64
	IntentP1      float64
	IntentP2      float64
	IntentP3      float64
	Pixdim        [8]float64
	VoxOffset     int64
	SclSlope      float64
	SclInter      float64
	CalMax        float64
	CalMin        float64
	SliceDuration float64
	Toffset       float64
	SliceStart    int64
	SliceEnd      int64
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int32
	SformCode     int32
	QuaternB      float64
	QuaternC      float64
	QuaternD      float64
	QoffsetX      float64
	QoffsetY      float64
	QoffsetZ      float64
	SrowX         [4]float64
	SrowY         [4]float64
	SrowZ         [4]float64
	SliceCode     int32
	XyztUnits     int32
	IntentCode    int32
	IntentName    [16]byte
	DimInfo       byte
	UnusedStr     [15]byte
}

// quatern holds the qform decomposition of an affine.
type quatern struct {
	b, c, d float64
	offset  [3]float64
	pixdim  [3]float64
	qfac    float64
}

// affineToQuatern decomposes the rotation part of the affine into the
// quaternion representation of the qform, per the reference algorithm in
// nifti1.h (mat44_to_quatern).
func affineToQuatern(affine *mat.Dense) quatern {
	var q quatern
	var r [3][3]float64
	for col := 0; col < 3; col++ {
		n := math.Hypot(math.Hypot(affine.At(0, col), affine.At(1, col)), affine.At(2, col))
		if n == 0 {
			n = 1
		}
		q.pixdim[col] = n
		for row := 0; row < 3; row++ {
			r[row][col] = affine.At(row, col) / n
		}
	}
	for i := 0; i < 3; i++ {
		q.offset[i] = affine.At(i, 3)
	}

	det := r[0][0]*(r[1][1]*r[2][2]-r[1][2]*r[2][1]) -
		r[0][1]*(r[1][0]*r[2][2]-r[1][2]*r[2][0]) +
		r[0][2]*(r[1][0]*r[2][1]-r[1][1]*r[2][0])
	q.qfac = 1
	if det < 0 {
		q.qfac = -1
		for row := 0; row < 3; row++ {
			r[row][2] = -r[row][2]
		}
	}

	a := r[0][0] + r[1][1] + r[2][2] + 1
	var b, c, d float64
	if a > 0.5 {
		a = 0.5 * math.Sqrt(a)
		b = 0.25 * (r[2][1] - r[1][2]) / a
		c = 0.25 * (r[0][2] - r[2][0]) / a
		d = 0.25 * (r[1][0] - r[0][1]) / a
	} else {
		xd := 1 + r[0][0] - r[1][1] - r[2][2]
		yd := 1 + r[1][1] - r[0][0] - r[2][2]
		zd := 1 + r[2][2] - r[0][0] - r[1][1]
		switch {
		case xd > 1:
			b = 0.5 * math.Sqrt(xd)
			c = 0.25 * (r[0][1] + r[1][0]) / b
			d = 0.25 * (r[0][2] + r[2][0]) / b
			a = 0.25 * (r[2][1] - r[1][2]) / b
		case yd > 1:
			c = 0.5 * math.Sqrt(yd)
			b = 0.25 * (r[0][1] + r[1][0]) / c
			d = 0.25 * (r[1][2] + r[2][1]) / c
			a = 0.25 * (r[0][2] - r[2][0]) / c
		default:
			d = 0.5 * math.Sqrt(zd)
			b = 0.25 * (r[0][2] + r[2][0]) / d
			c = 0.25 * (r[1][2] + r[2][1]) / d
			a = 0.25 * (r[1][0] - r[0][1]) / d
		}
		if a < 0 {
			b, c, d = -b, -c, -d
		}
	}
	q.b, q.c, q.d = b, c, d
	return q
}

func (h Header) validate() error {
	if len(h.Shape) == 0 || len(h.Shape) > 7 {
		return fmt.Errorf("nifti: shape rank %d out of range [1, 7]", len(h.Shape))
	}
	if h.Affine == nil {
		return fmt.Errorf("nifti: missing affine")
	}
	if r, c := h.Affine.Dims(); r != 4 || c != 4 {
		return fmt.Errorf("nifti: affine is %dx%d, want 4x4", r, c)
	}
	if _, _, err := DtypeCode(h.Dtype); err != nil {
		return err
	}
	return nil
}

// Encode serializes the header, selecting the NIfTI-2 layout when any
// dimension does not fit the NIfTI-1 16-bit dim fields. Both the qform and
// the sform are populated from the same affine so any compliant reader
// derives the same orientation.
func (h Header) Encode() ([]byte, error) {
	if err := h.validate(); err != nil {
		return nil, err
	}
	code, bitpix, _ := DtypeCode(h.Dtype)
	q := affineToQuatern(h.Affine)
	units := int(h.SpaceUnit) | int(h.TimeUnit)

	buf := new(bytes.Buffer)
	if Version(h.Shape) == 1 {
		hdr := nifti1Layout{
			SizeofHdr: Nifti1Size,
			Regular:   'r',
			Datatype:  code,
			Bitpix:    bitpix,
			VoxOffset: Nifti1Size + 4,
			XyztUnits: byte(units),
			QformCode: 1,
			SformCode: 1,
			QuaternB:  float32(q.b),
			QuaternC:  float32(q.c),
			QuaternD:  float32(q.d),
			QoffsetX:  float32(q.offset[0]),
			QoffsetY:  float32(q.offset[1]),
			QoffsetZ:  float32(q.offset[2]),
			Magic:     [4]byte{'n', '+', '1', 0},
		}
		for i := range hdr.Dim {
			hdr.Dim[i] = 1
		}
		hdr.Dim[0] = int16(len(h.Shape))
		for i, s := range h.Shape {
			hdr.Dim[i+1] = int16(s)
		}
		for i := 1; i < len(hdr.Pixdim); i++ {
			hdr.Pixdim[i] = 1
		}
		hdr.Pixdim[0] = float32(q.qfac)
		for i := 0; i < 3; i++ {
			hdr.Pixdim[i+1] = float32(q.pixdim[i])
		}
		for c := 0; c < 4; c++ {
			hdr.SrowX[c] = float32(h.Affine.At(0, c))
			hdr.SrowY[c] = float32(h.Affine.At(1, c))
			hdr.SrowZ[c] = float32(h.Affine.At(2, c))
		}
		if err := binary.Write(buf, binary.LittleEndian, &hdr); err != nil {
			return nil, fmt.Errorf("nifti: serialize: %w", err)
		}
		if buf.Len() != Nifti1Size {
			return nil, fmt.Errorf("nifti: header is %d bytes, want %d", buf.Len(), Nifti1Size)
		}
		return buf.Bytes(), nil
	}

	hdr := nifti2Layout{
		SizeofHdr: Nifti2Size,
		Magic:     [8]byte{'n', '+', '2', 0, '\r', '\n', 0x1a, '\n'},
		Datatype:  code,
		Bitpix:    bitpix,
		VoxOffset: Nifti2Size + 4,
		XyztUnits: int32(units),
		QformCode: 1,
		SformCode: 1,
		QuaternB:  q.b,
		QuaternC:  q.c,
		QuaternD:  q.d,
		QoffsetX:  q.offset[0],
		QoffsetY:  q.offset[1],
		QoffsetZ:  q.offset[2],
	}
	for i := range hdr.Dim {
		hdr.Dim[i] = 1
	}
	hdr.Dim[0] = int64(len(h.Shape))
	for i, s := range h.Shape {
		hdr.Dim[i+1] = int64(s)
	}
	for i := 1; i < len(hdr.Pixdim); i++ {
		hdr.Pixdim[i] = 1
	}
	hdr.Pixdim[0] = q.qfac
	for i := 0; i < 3; i++ {
		hdr.Pixdim[i+1] = q.pixdim[i]
	}
	for c := 0; c < 4; c++ {
		hdr.SrowX[c] = h.Affine.At(0, c)
		hdr.SrowY[c] = h.Affine.At(1, c)
		hdr.SrowZ[c] = h.Affine.At(2, c)
	}
	if err := binary.Write(buf, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("nifti: serialize: %w", err)
	}
	if buf.Len() != Nifti2Size {
		return nil, fmt.Errorf("nifti: header is %d bytes, want %d", buf.Len(), Nifti2Size)
	}
	return buf.Bytes(), nil
}

// Embed serializes the header and writes it into the store as the dedicated
// uncompressed single-chunk "nifti" entry. Serialization errors (such as an
// unsupported dtype) abort before the store is touched.
func Embed(g *zarr.Group, h Header) error {
	data, err := h.Encode()
	if err != nil {
		return err
	}
	array, err := g.CreateArray(EntryName, zarr.ArrayOptions{
		Shape:      []int{len(data)},
		Chunks:     []int{len(data)},
		Dtype:      zarr.Uint8,
		Order:      "F",
		Compressor: zarr.Compressor{Kind: zarr.Raw},
	})
	if err != nil {
		return fmt.Errorf("nifti: create header entry: %w", err)
	}
	if err := array.Write(zarr.NewRegion([]int{len(data)}), data); err != nil {
		return fmt.Errorf("nifti: write header entry: %w", err)
	}
	return nil
}
