package zarr

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// dimensionSeparator is the chunk-key separator used throughout: chunk
// coordinates become nested directories under the array path.
const dimensionSeparator = "/"

// Metadata is the Zarr v2 .zarray document.
type Metadata struct {
	Chunks             []int             `json:"chunks"`
	Compressor         *compressorConfig `json:"compressor"`
	Dtype              string            `json:"dtype"`
	FillValue          *float64          `json:"fill_value"`
	Filters            any               `json:"filters"`
	Order              string            `json:"order"`
	Shape              []int             `json:"shape"`
	ZarrFormat         int               `json:"zarr_format"`
	DimensionSeparator string            `json:"dimension_separator,omitempty"`
}

// ArrayOptions configures a new array.
type ArrayOptions struct {
	Shape  []int
	Chunks []int
	Dtype  Dtype
	// Order is the in-chunk memory layout: "C" (row-major) or "F"
	// (column-major). Defaults to "C".
	Order string
	// FillValue is returned for unwritten regions. nil encodes as zero
	// bytes and serializes as JSON null.
	FillValue  *float64
	Compressor Compressor
}

// Array is one chunked dataset inside a Group. Region reads and writes may
// run concurrently on disjoint regions; chunk files shared across region
// boundaries are serialized internally.
type Array struct {
	dir    string
	name   string
	shape  []int
	chunks []int
	dtype  Dtype
	order  string
	fill   *float64
	comp   Compressor

	locks [64]sync.Mutex
}

// Shape returns the declared array shape.
func (a *Array) Shape() []int { return append([]int(nil), a.shape...) }

// Chunks returns the chunk shape.
func (a *Array) Chunks() []int { return append([]int(nil), a.chunks...) }

// Dtype returns the element type.
func (a *Array) Dtype() Dtype { return a.dtype }

// Order returns the in-chunk memory layout order, "C" or "F".
func (a *Array) Order() string { return a.order }

// FillValue returns the declared fill value, or nil for zero bytes.
func (a *Array) FillValue() *float64 {
	if a.fill == nil {
		return nil
	}
	v := *a.fill
	return &v
}

// Compressor returns the array's chunk codec.
func (a *Array) Compressor() Compressor { return a.comp }

func newArray(dir, name string, opt ArrayOptions) (*Array, error) {
	if len(opt.Shape) != len(opt.Chunks) {
		return nil, fmt.Errorf("array %q: shape rank %d != chunk rank %d",
			name, len(opt.Shape), len(opt.Chunks))
	}
	if len(opt.Shape) == 0 {
		return nil, fmt.Errorf("array %q: zero-rank arrays are not supported", name)
	}
	for i, s := range opt.Shape {
		if s < 0 {
			return nil, fmt.Errorf("array %q: negative extent %d on axis %d", name, s, i)
		}
		if opt.Chunks[i] <= 0 {
			return nil, fmt.Errorf("array %q: non-positive chunk size %d on axis %d",
				name, opt.Chunks[i], i)
		}
	}
	if opt.Dtype.Size() == 0 {
		return nil, fmt.Errorf("array %q: unsupported dtype %q", name, opt.Dtype)
	}
	order := opt.Order
	if order == "" {
		order = "C"
	}
	if order != "C" && order != "F" {
		return nil, fmt.Errorf("array %q: unknown layout order %q", name, opt.Order)
	}
	return &Array{
		dir:    dir,
		name:   name,
		shape:  append([]int(nil), opt.Shape...),
		chunks: append([]int(nil), opt.Chunks...),
		dtype:  opt.Dtype,
		order:  order,
		fill:   opt.FillValue,
		comp:   opt.Compressor,
	}, nil
}

func (a *Array) metadata() Metadata {
	return Metadata{
		Chunks:             a.chunks,
		Compressor:         a.comp.config(),
		Dtype:              a.dtype.ZarrString(),
		FillValue:          a.fill,
		Filters:            nil,
		Order:              a.order,
		Shape:              a.shape,
		ZarrFormat:         2,
		DimensionSeparator: dimensionSeparator,
	}
}

func (a *Array) path() string {
	return filepath.Join(a.dir, a.name)
}

func (a *Array) writeMetadata() error {
	if err := os.MkdirAll(a.path(), 0755); err != nil {
		return fmt.Errorf("array %q: %w", a.name, err)
	}
	data, err := json.MarshalIndent(a.metadata(), "", "    ")
	if err != nil {
		return fmt.Errorf("array %q: marshal .zarray: %w", a.name, err)
	}
	if err := os.WriteFile(filepath.Join(a.path(), ".zarray"), data, 0644); err != nil {
		return fmt.Errorf("array %q: write .zarray: %w", a.name, err)
	}
	return nil
}

func openArray(dir, name string) (*Array, error) {
	data, err := os.ReadFile(filepath.Join(dir, name, ".zarray"))
	if err != nil {
		return nil, fmt.Errorf("array %q: %w", name, err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("array %q: parse .zarray: %w", name, err)
	}
	dt, err := ParseDtype(meta.Dtype)
	if err != nil {
		return nil, fmt.Errorf("array %q: %w", name, err)
	}
	comp, err := compressorFromConfig(meta.Compressor)
	if err != nil {
		return nil, fmt.Errorf("array %q: %w", name, err)
	}
	return newArray(dir, name, ArrayOptions{
		Shape:      meta.Shape,
		Chunks:     meta.Chunks,
		Dtype:      dt,
		Order:      meta.Order,
		FillValue:  meta.FillValue,
		Compressor: comp,
	})
}

// elemStrides returns per-axis strides in element units for the given layout
// order.
func elemStrides(shape []int, order string) []int {
	strides := make([]int, len(shape))
	if order == "F" {
		acc := 1
		for i := 0; i < len(shape); i++ {
			strides[i] = acc
			acc *= shape[i]
		}
	} else {
		acc := 1
		for i := len(shape) - 1; i >= 0; i-- {
			strides[i] = acc
			acc *= shape[i]
		}
	}
	return strides
}

func (a *Array) chunkKey(idx []int) string {
	parts := make([]string, len(idx))
	for i, v := range idx {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, dimensionSeparator)
}

func (a *Array) chunkPath(idx []int) string {
	parts := make([]string, len(idx))
	for i, v := range idx {
		parts[i] = strconv.Itoa(v)
	}
	return filepath.Join(append([]string{a.path()}, parts...)...)
}

func (a *Array) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &a.locks[h.Sum32()%uint32(len(a.locks))]
}

func (a *Array) chunkElements() int {
	n := 1
	for _, c := range a.chunks {
		n *= c
	}
	return n
}

// fillChunk returns a freshly allocated chunk buffer holding the fill value.
func (a *Array) fillChunk() ([]byte, error) {
	size := a.chunkElements() * a.dtype.Size()
	buf := make([]byte, size)
	if a.fill == nil || *a.fill == 0 {
		return buf, nil
	}
	pattern, err := a.dtype.EncodeFill(*a.fill)
	if err != nil {
		return nil, err
	}
	for off := 0; off < size; off += len(pattern) {
		copy(buf[off:], pattern)
	}
	return buf, nil
}

// loadChunk reads and decompresses one chunk, or returns nil when the chunk
// has never been written.
func (a *Array) loadChunk(idx []int) ([]byte, error) {
	data, err := os.ReadFile(a.chunkPath(idx))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("array %q: read chunk %s: %w", a.name, a.chunkKey(idx), err)
	}
	raw, err := a.comp.decompress(data, a.chunkElements()*a.dtype.Size())
	if err != nil {
		return nil, fmt.Errorf("array %q: chunk %s: %w", a.name, a.chunkKey(idx), err)
	}
	if len(raw) != a.chunkElements()*a.dtype.Size() {
		return nil, fmt.Errorf("array %q: chunk %s has %d bytes, want %d",
			a.name, a.chunkKey(idx), len(raw), a.chunkElements()*a.dtype.Size())
	}
	return raw, nil
}

func (a *Array) storeChunk(idx []int, raw []byte) error {
	enc, err := a.comp.compress(raw)
	if err != nil {
		return fmt.Errorf("array %q: chunk %s: %w", a.name, a.chunkKey(idx), err)
	}
	path := a.chunkPath(idx)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("array %q: chunk %s: %w", a.name, a.chunkKey(idx), err)
	}
	if err := os.WriteFile(path, enc, 0644); err != nil {
		return fmt.Errorf("array %q: write chunk %s: %w", a.name, a.chunkKey(idx), err)
	}
	return nil
}

// copyND copies an n-dimensional block of extent shape between two strided
// buffers. Offsets are in elements; strides are per-axis element strides.
func copyND(dst, src []byte, shape []int, dstStride, srcStride []int, dstOff, srcOff, esize int) {
	if len(shape) == 0 {
		copy(dst[dstOff*esize:(dstOff+1)*esize], src[srcOff*esize:(srcOff+1)*esize])
		return
	}
	last := len(shape) - 1
	contiguous := dstStride[last] == 1 && srcStride[last] == 1

	idx := make([]int, last)
	for {
		d, s := dstOff, srcOff
		for i := 0; i < last; i++ {
			d += idx[i] * dstStride[i]
			s += idx[i] * srcStride[i]
		}
		if contiguous {
			copy(dst[d*esize:(d+shape[last])*esize], src[s*esize:(s+shape[last])*esize])
		} else {
			for k := 0; k < shape[last]; k++ {
				dd := d + k*dstStride[last]
				ss := s + k*srcStride[last]
				copy(dst[dd*esize:(dd+1)*esize], src[ss*esize:(ss+1)*esize])
			}
		}

		axis := last - 1
		for axis >= 0 {
			idx[axis]++
			if idx[axis] < shape[axis] {
				break
			}
			idx[axis] = 0
			axis--
		}
		if axis < 0 {
			break
		}
	}
}

// chunkRange iterates over the chunk grid indices intersecting a region.
func (a *Array) chunkRange(region Region, visit func(idx []int) error) error {
	rank := len(a.shape)
	lo := make([]int, rank)
	hi := make([]int, rank)
	for i := 0; i < rank; i++ {
		if region.Shape[i] == 0 {
			return nil
		}
		lo[i] = region.Start[i] / a.chunks[i]
		hi[i] = (region.End(i) - 1) / a.chunks[i]
	}
	idx := append([]int(nil), lo...)
	for {
		if err := visit(idx); err != nil {
			return err
		}
		axis := rank - 1
		for axis >= 0 {
			idx[axis]++
			if idx[axis] <= hi[axis] {
				break
			}
			idx[axis] = lo[axis]
			axis--
		}
		if axis < 0 {
			return nil
		}
	}
}

// intersection computes the overlap of a region with chunk idx, returning the
// extent plus the element offsets of the overlap origin inside the chunk and
// inside the region buffer.
func (a *Array) intersection(region Region, idx []int) (shape, chunkOrigin, regionOrigin []int) {
	rank := len(a.shape)
	shape = make([]int, rank)
	chunkOrigin = make([]int, rank)
	regionOrigin = make([]int, rank)
	for i := 0; i < rank; i++ {
		cStart := idx[i] * a.chunks[i]
		lo := max(region.Start[i], cStart)
		hi := min(region.End(i), cStart+a.chunks[i])
		shape[i] = hi - lo
		chunkOrigin[i] = lo - cStart
		regionOrigin[i] = lo - region.Start[i]
	}
	return shape, chunkOrigin, regionOrigin
}

// Read copies a rectangular region out of the array. The returned buffer is
// in row-major order of region.Shape regardless of the array's layout order.
// Unwritten chunks yield the fill value.
func (a *Array) Read(region Region) ([]byte, error) {
	if err := region.validate(a.shape); err != nil {
		return nil, fmt.Errorf("array %q: %w", a.name, err)
	}
	esize := a.dtype.Size()
	out := make([]byte, region.NumElements()*esize)
	if a.fill != nil && *a.fill != 0 {
		pattern, err := a.dtype.EncodeFill(*a.fill)
		if err != nil {
			return nil, fmt.Errorf("array %q: %w", a.name, err)
		}
		for off := 0; off < len(out); off += len(pattern) {
			copy(out[off:], pattern)
		}
	}

	chunkStride := elemStrides(a.chunks, a.order)
	regionStride := elemStrides(region.Shape, "C")

	err := a.chunkRange(region, func(idx []int) error {
		raw, err := a.loadChunk(idx)
		if err != nil {
			return err
		}
		if raw == nil {
			return nil
		}
		shape, cOrigin, rOrigin := a.intersection(region, idx)
		cOff, rOff := 0, 0
		for i := range shape {
			cOff += cOrigin[i] * chunkStride[i]
			rOff += rOrigin[i] * regionStride[i]
		}
		copyND(out, raw, shape, regionStride, chunkStride, rOff, cOff, esize)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Write copies a buffer in row-major order of region.Shape into the array.
// Chunks only partially covered by the region are read, merged and written
// back; a per-chunk lock keeps concurrent writers on adjacent regions safe.
func (a *Array) Write(region Region, data []byte) error {
	if err := region.validate(a.shape); err != nil {
		return fmt.Errorf("array %q: %w", a.name, err)
	}
	esize := a.dtype.Size()
	if len(data) != region.NumElements()*esize {
		return fmt.Errorf("array %q: buffer has %d bytes, region needs %d",
			a.name, len(data), region.NumElements()*esize)
	}

	chunkStride := elemStrides(a.chunks, a.order)
	regionStride := elemStrides(region.Shape, "C")

	return a.chunkRange(region, func(idx []int) error {
		key := a.chunkKey(idx)
		mu := a.lockFor(key)
		mu.Lock()
		defer mu.Unlock()

		raw, err := a.loadChunk(idx)
		if err != nil {
			return err
		}
		if raw == nil {
			if raw, err = a.fillChunk(); err != nil {
				return fmt.Errorf("array %q: %w", a.name, err)
			}
		}
		shape, cOrigin, rOrigin := a.intersection(region, idx)
		cOff, rOff := 0, 0
		for i := range shape {
			cOff += cOrigin[i] * chunkStride[i]
			rOff += rOrigin[i] * regionStride[i]
		}
		copyND(raw, data, shape, chunkStride, regionStride, cOff, rOff, esize)
		return a.storeChunk(idx, raw)
	})
}
