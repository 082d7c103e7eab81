package zarr

import "fmt"

// Region is an axis-aligned rectangular block of an array, given by the
// inclusive start index and the extent along each axis.
type Region struct {
	Start []int
	Shape []int
}

// NewRegion builds a region covering [0, shape) on every axis.
func NewRegion(shape []int) Region {
	return Region{Start: make([]int, len(shape)), Shape: append([]int(nil), shape...)}
}

// End returns the exclusive end index along axis i.
func (r Region) End(i int) int {
	return r.Start[i] + r.Shape[i]
}

// NumElements returns the number of elements covered by the region.
func (r Region) NumElements() int {
	n := 1
	for _, s := range r.Shape {
		n *= s
	}
	return n
}

func (r Region) validate(shape []int) error {
	if len(r.Start) != len(shape) || len(r.Shape) != len(shape) {
		return fmt.Errorf("region rank %d/%d does not match array rank %d",
			len(r.Start), len(r.Shape), len(shape))
	}
	for i := range shape {
		if r.Start[i] < 0 || r.Shape[i] < 0 || r.End(i) > shape[i] {
			return fmt.Errorf("region [%d, %d) outside array extent %d on axis %d",
				r.Start[i], r.End(i), shape[i], i)
		}
	}
	return nil
}

// Grid partitions shape into a regular grid of sub-tiles with at most
// maxLoad[i] elements along axis i. The returned regions tile shape exactly:
// no gaps, no overlaps. Tiles bound peak memory during compositing and
// pyramid generation and are unrelated to the storage chunk grid.
func Grid(shape []int, maxLoad []int) []Region {
	counts := make([]int, len(shape))
	total := 1
	for i, n := range shape {
		m := maxLoad[i]
		if m <= 0 || m > n {
			m = n
		}
		if n == 0 {
			counts[i] = 0
		} else {
			counts[i] = ceilDiv(n, m)
		}
		total *= counts[i]
	}
	if total == 0 {
		return nil
	}

	tiles := make([]Region, 0, total)
	idx := make([]int, len(shape))
	for {
		start := make([]int, len(shape))
		extent := make([]int, len(shape))
		for i := range shape {
			m := maxLoad[i]
			if m <= 0 || m > shape[i] {
				m = shape[i]
			}
			start[i] = idx[i] * m
			end := start[i] + m
			if end > shape[i] {
				end = shape[i]
			}
			extent[i] = end - start[i]
		}
		tiles = append(tiles, Region{Start: start, Shape: extent})

		// Advance the odometer.
		axis := len(idx) - 1
		for axis >= 0 {
			idx[axis]++
			if idx[axis] < counts[axis] {
				break
			}
			idx[axis] = 0
			axis--
		}
		if axis < 0 {
			break
		}
	}
	return tiles
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
