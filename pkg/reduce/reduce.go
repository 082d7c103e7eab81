// Package reduce implements windowed block reduction: every window of
// contiguous samples collapses to one output sample via mean or median. It
// is the pure computational kernel of pyramid generation and performs no
// I/O; calls on disjoint blocks may run concurrently.
package reduce

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Mode selects the windowed reduction function.
type Mode string

// Supported reduction modes.
const (
	Mean   Mode = "mean"
	Median Mode = "median"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case Mean, Median:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown reduction mode %q (want mean or median)", s)
}

// Reduce collapses every window of samples in a row-major block to a single
// value. The output extent along axis i is max(1, shape[i]/window[i]);
// passing window 1 excludes an axis from pooling. Trailing samples that do
// not fill a complete window are ignored, so callers that need exact
// coverage crop the block to window multiples first.
//
// Values are reduced in float64; the caller is responsible for casting the
// result back to the source element type.
func Reduce(data []float64, shape []int, window []int, mode Mode) ([]float64, []int, error) {
	if len(shape) != len(window) {
		return nil, nil, fmt.Errorf("shape rank %d != window rank %d", len(shape), len(window))
	}
	total := 1
	for i, s := range shape {
		if s <= 0 {
			return nil, nil, fmt.Errorf("non-positive extent %d on axis %d", s, i)
		}
		if window[i] < 1 {
			return nil, nil, fmt.Errorf("window %d on axis %d must be at least 1", window[i], i)
		}
		total *= s
	}
	if len(data) != total {
		return nil, nil, fmt.Errorf("block has %d values, shape needs %d", len(data), total)
	}
	if mode != Mean && mode != Median {
		return nil, nil, fmt.Errorf("unknown reduction mode %q", mode)
	}

	rank := len(shape)
	outShape := make([]int, rank)
	effWin := make([]int, rank)
	patchLen := 1
	outTotal := 1
	for i := 0; i < rank; i++ {
		outShape[i] = shape[i] / window[i]
		if outShape[i] < 1 {
			outShape[i] = 1
		}
		effWin[i] = window[i]
		if effWin[i] > shape[i] {
			effWin[i] = shape[i]
		}
		patchLen *= effWin[i]
		outTotal *= outShape[i]
	}

	inStride := make([]int, rank)
	acc := 1
	for i := rank - 1; i >= 0; i-- {
		inStride[i] = acc
		acc *= shape[i]
	}

	out := make([]float64, outTotal)
	patch := make([]float64, patchLen)
	outIdx := make([]int, rank)
	winIdx := make([]int, rank)

	for o := 0; o < outTotal; o++ {
		base := 0
		for i := 0; i < rank; i++ {
			base += outIdx[i] * window[i] * inStride[i]
		}

		// Gather the window combinations into the patch.
		for i := range winIdx {
			winIdx[i] = 0
		}
		for p := 0; p < patchLen; p++ {
			off := base
			for i := 0; i < rank; i++ {
				off += winIdx[i] * inStride[i]
			}
			patch[p] = data[off]

			axis := rank - 1
			for axis >= 0 {
				winIdx[axis]++
				if winIdx[axis] < effWin[axis] {
					break
				}
				winIdx[axis] = 0
				axis--
			}
		}

		switch mode {
		case Mean:
			out[o] = stat.Mean(patch, nil)
		case Median:
			out[o] = median(patch)
		}

		axis := rank - 1
		for axis >= 0 {
			outIdx[axis]++
			if outIdx[axis] < outShape[axis] {
				break
			}
			outIdx[axis] = 0
			axis--
		}
	}
	return out, outShape, nil
}

// median matches numpy semantics: the midpoint of the two central values for
// even-length input. The input slice is not modified.
func median(vals []float64) float64 {
	tmp := append([]float64(nil), vals...)
	sort.Float64s(tmp)
	n := len(tmp)
	if n%2 == 1 {
		return tmp[n/2]
	}
	return (tmp[n/2-1] + tmp[n/2]) / 2
}
