// Package npy reads NumPy ".npy" array files and exposes them through the
// converter's source interfaces. Region reads seek into the file instead of
// materializing the whole array, so memory stays bounded by the caller's
// sub-tile size.
package npy

import (
	"encoding/binary"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/kabilar/linc-convert/pkg/zarr"
)

var npyMagic = []byte{0x93, 'N', 'U', 'M', 'P', 'Y'}

// Array is a read-only view of one .npy file.
type Array struct {
	path       string
	file       *os.File
	shape      []int
	dtype      zarr.Dtype
	fortran    bool
	dataOffset int64
}

var headerRe = regexp.MustCompile(
	`'descr':\s*'([^']+)'\s*,\s*'fortran_order':\s*(True|False)\s*,\s*'shape':\s*\(([^)]*)\)`)

// Open maps a .npy file without reading its data.
func Open(path string) (*Array, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("npy %q: %w", path, err)
	}

	pre := make([]byte, 10)
	if _, err := f.ReadAt(pre, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("npy %q: read preamble: %w", path, err)
	}
	if string(pre[:6]) != string(npyMagic) {
		f.Close()
		return nil, fmt.Errorf("npy %q: bad magic", path)
	}
	major := pre[6]

	var headerLen, headerStart int64
	switch major {
	case 1:
		headerLen = int64(binary.LittleEndian.Uint16(pre[8:10]))
		headerStart = 10
	case 2, 3:
		ext := make([]byte, 4)
		if _, err := f.ReadAt(ext, 8); err != nil {
			f.Close()
			return nil, fmt.Errorf("npy %q: read header length: %w", path, err)
		}
		headerLen = int64(binary.LittleEndian.Uint32(ext))
		headerStart = 12
	default:
		f.Close()
		return nil, fmt.Errorf("npy %q: unsupported format version %d", path, major)
	}

	header := make([]byte, headerLen)
	if _, err := f.ReadAt(header, headerStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("npy %q: read header: %w", path, err)
	}
	m := headerRe.FindStringSubmatch(string(header))
	if m == nil {
		f.Close()
		return nil, fmt.Errorf("npy %q: cannot parse header %q", path, strings.TrimSpace(string(header)))
	}
	dtype, err := zarr.ParseDtype(m[1])
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("npy %q: %w", path, err)
	}
	fortran := m[2] == "True"

	var shape []int
	for _, part := range strings.Split(m[3], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("npy %q: bad shape element %q", path, part)
		}
		shape = append(shape, v)
	}
	if len(shape) == 0 {
		f.Close()
		return nil, fmt.Errorf("npy %q: scalar arrays are not supported", path)
	}

	return &Array{
		path:       path,
		file:       f,
		shape:      shape,
		dtype:      dtype,
		fortran:    fortran,
		dataOffset: headerStart + headerLen,
	}, nil
}

// Close releases the underlying file.
func (a *Array) Close() error { return a.file.Close() }

// Shape returns the array extent.
func (a *Array) Shape() []int { return append([]int(nil), a.shape...) }

// Dtype returns the element type.
func (a *Array) Dtype() zarr.Dtype { return a.dtype }

// Read returns the data over a rectangular region in row-major order of the
// region shape. Only the covered file runs are read.
func (a *Array) Read(region zarr.Region) ([]byte, error) {
	if len(region.Start) != len(a.shape) {
		return nil, fmt.Errorf("npy %q: region rank %d != array rank %d",
			a.path, len(region.Start), len(a.shape))
	}
	for i := range a.shape {
		if region.Start[i] < 0 || region.End(i) > a.shape[i] {
			return nil, fmt.Errorf("npy %q: region [%d, %d) outside extent %d on axis %d",
				a.path, region.Start[i], region.End(i), a.shape[i], i)
		}
	}

	esize := a.dtype.Size()
	out := make([]byte, region.NumElements()*esize)

	rank := len(a.shape)
	fileStride := make([]int, rank)
	acc := 1
	if a.fortran {
		for i := 0; i < rank; i++ {
			fileStride[i] = acc
			acc *= a.shape[i]
		}
	} else {
		for i := rank - 1; i >= 0; i-- {
			fileStride[i] = acc
			acc *= a.shape[i]
		}
	}
	outStride := make([]int, rank)
	acc = 1
	for i := rank - 1; i >= 0; i-- {
		outStride[i] = acc
		acc *= region.Shape[i]
	}

	// The file is contiguous along the last axis for C order and the
	// first axis for Fortran order; read one run per position of the
	// remaining axes.
	runAxis := rank - 1
	if a.fortran {
		runAxis = 0
	}
	runLen := region.Shape[runAxis]
	run := make([]byte, runLen*esize)

	idx := make([]int, rank)
	total := region.NumElements() / runLen
	for n := 0; n < total; n++ {
		fileOff := 0
		outOff := 0
		for i := 0; i < rank; i++ {
			fileOff += (region.Start[i] + idx[i]) * fileStride[i]
			outOff += idx[i] * outStride[i]
		}
		if _, err := a.file.ReadAt(run, a.dataOffset+int64(fileOff*esize)); err != nil {
			return nil, fmt.Errorf("npy %q: read at %d: %w", a.path, fileOff, err)
		}
		for k := 0; k < runLen; k++ {
			dst := (outOff + k*outStride[runAxis]) * esize
			copy(out[dst:dst+esize], run[k*esize:(k+1)*esize])
		}

		// Advance over every axis except the run axis.
		axis := rank - 1
		for axis >= 0 {
			if axis == runAxis {
				axis--
				continue
			}
			idx[axis]++
			if idx[axis] < region.Shape[axis] {
				break
			}
			idx[axis] = 0
			axis--
		}
		if axis < 0 {
			break
		}
	}
	return out, nil
}
