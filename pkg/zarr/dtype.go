package zarr

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Dtype identifies the element type of an array. The on-disk encoding is
// always little-endian.
type Dtype string

// Supported element types.
const (
	Uint8   Dtype = "uint8"
	Int8    Dtype = "int8"
	Uint16  Dtype = "uint16"
	Int16   Dtype = "int16"
	Uint32  Dtype = "uint32"
	Int32   Dtype = "int32"
	Uint64  Dtype = "uint64"
	Int64   Dtype = "int64"
	Float32 Dtype = "float32"
	Float64 Dtype = "float64"
)

// Size returns the element size in bytes, or 0 for an unknown dtype.
func (d Dtype) Size() int {
	switch d {
	case Uint8, Int8:
		return 1
	case Uint16, Int16:
		return 2
	case Uint32, Int32, Float32:
		return 4
	case Uint64, Int64, Float64:
		return 8
	}
	return 0
}

// IsInteger reports whether the dtype is an integer type.
func (d Dtype) IsInteger() bool {
	switch d {
	case Uint8, Int8, Uint16, Int16, Uint32, Int32, Uint64, Int64:
		return true
	}
	return false
}

// ZarrString returns the numpy-style type string used in .zarray documents,
// e.g. "|u1" or "<f4".
func (d Dtype) ZarrString() string {
	switch d {
	case Uint8:
		return "|u1"
	case Int8:
		return "|i1"
	case Uint16:
		return "<u2"
	case Int16:
		return "<i2"
	case Uint32:
		return "<u4"
	case Int32:
		return "<i4"
	case Uint64:
		return "<u8"
	case Int64:
		return "<i8"
	case Float32:
		return "<f4"
	case Float64:
		return "<f8"
	}
	return ""
}

// ParseDtype parses either a plain name ("uint8") or a numpy-style type
// string ("|u1", "<i2") into a Dtype.
func ParseDtype(s string) (Dtype, error) {
	switch s {
	case "uint8", "|u1":
		return Uint8, nil
	case "int8", "|i1":
		return Int8, nil
	case "uint16", "<u2":
		return Uint16, nil
	case "int16", "<i2":
		return Int16, nil
	case "uint32", "<u4":
		return Uint32, nil
	case "int32", "<i4":
		return Int32, nil
	case "uint64", "<u8":
		return Uint64, nil
	case "int64", "<i8":
		return Int64, nil
	case "float32", "<f4":
		return Float32, nil
	case "float64", "<f8":
		return Float64, nil
	}
	return "", fmt.Errorf("unsupported or unknown dtype: %q", s)
}

// ToFloat64 decodes a little-endian buffer of elements into float64 values.
func (d Dtype) ToFloat64(buf []byte) ([]float64, error) {
	esize := d.Size()
	if esize == 0 {
		return nil, fmt.Errorf("unsupported dtype: %q", d)
	}
	if len(buf)%esize != 0 {
		return nil, fmt.Errorf("buffer length %d is not a multiple of element size %d", len(buf), esize)
	}
	n := len(buf) / esize
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		b := buf[i*esize:]
		switch d {
		case Uint8:
			out[i] = float64(b[0])
		case Int8:
			out[i] = float64(int8(b[0]))
		case Uint16:
			out[i] = float64(binary.LittleEndian.Uint16(b))
		case Int16:
			out[i] = float64(int16(binary.LittleEndian.Uint16(b)))
		case Uint32:
			out[i] = float64(binary.LittleEndian.Uint32(b))
		case Int32:
			out[i] = float64(int32(binary.LittleEndian.Uint32(b)))
		case Uint64:
			out[i] = float64(binary.LittleEndian.Uint64(b))
		case Int64:
			out[i] = float64(int64(binary.LittleEndian.Uint64(b)))
		case Float32:
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		case Float64:
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b))
		}
	}
	return out, nil
}

// FromFloat64 encodes float64 values back into a little-endian element
// buffer. Integer types truncate toward zero, matching the cast applied by
// the reference pipeline after a mean/median reduction.
func (d Dtype) FromFloat64(vals []float64) ([]byte, error) {
	esize := d.Size()
	if esize == 0 {
		return nil, fmt.Errorf("unsupported dtype: %q", d)
	}
	out := make([]byte, len(vals)*esize)
	for i, v := range vals {
		b := out[i*esize:]
		switch d {
		case Uint8:
			b[0] = uint8(int64(v))
		case Int8:
			b[0] = byte(int8(int64(v)))
		case Uint16:
			binary.LittleEndian.PutUint16(b, uint16(int64(v)))
		case Int16:
			binary.LittleEndian.PutUint16(b, uint16(int16(int64(v))))
		case Uint32:
			binary.LittleEndian.PutUint32(b, uint32(int64(v)))
		case Int32:
			binary.LittleEndian.PutUint32(b, uint32(int32(int64(v))))
		case Uint64:
			binary.LittleEndian.PutUint64(b, uint64(v))
		case Int64:
			binary.LittleEndian.PutUint64(b, uint64(int64(v)))
		case Float32:
			binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
		case Float64:
			binary.LittleEndian.PutUint64(b, math.Float64bits(v))
		}
	}
	return out, nil
}

// EncodeFill returns the byte pattern of a single element holding the given
// fill value.
func (d Dtype) EncodeFill(v float64) ([]byte, error) {
	return d.FromFloat64([]float64{v})
}
