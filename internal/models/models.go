package models

import (
	"fmt"
	"sort"

	"github.com/kabilar/linc-convert/pkg/zarr"
)

// LeveledImageSource is a read-only multiresolution 2D image, typically
// backed by a wavelet-coded file whose resolution levels were produced at
// acquisition time. Levels are never recomputed from it; the converter
// copies each level as-is.
type LeveledImageSource interface {
	// Levels returns the number of resolution levels, finest first.
	Levels() int

	// LevelShape returns the (rows, cols) extent of the image at a level.
	LevelShape(level int) []int

	// Channels returns the number of color channels, or 0 for a
	// channel-less (single implicit channel) image.
	Channels() int

	// Dtype returns the element type of the pixel data.
	Dtype() zarr.Dtype

	// PixelSize returns the physical pixel size (column, row) at the
	// finest level, in micrometers.
	PixelSize() (float64, float64)

	// Read returns the pixel data of one channel over a rectangular
	// region of the given level, in row-major order of the region shape.
	// For a channel-less image the channel argument must be 0.
	Read(level, channel int, region zarr.Region) ([]byte, error)
}

// LabeledArray is a read-only N-dimensional array extracted from a
// scientific container file.
type LabeledArray interface {
	Shape() []int
	Dtype() zarr.Dtype
	// Read returns the data over a rectangular region in row-major order
	// of the region shape.
	Read(region zarr.Region) ([]byte, error)
}

// LabeledArraySource is a container file exposing one or more arrays keyed
// by name.
type LabeledArraySource interface {
	// Keys lists the available array names.
	Keys() []string

	// Array opens the array stored under a key.
	Array(key string) (LabeledArray, error)
}

// ResolveKey picks the array key to load from a container. When requested is
// empty the first key in sorted order is chosen, with a non-fatal warning if
// the choice was ambiguous. The resolution is deterministic across runs.
func ResolveKey(requested string, keys []string) (key string, warning string, err error) {
	if len(keys) == 0 {
		return "", "", fmt.Errorf("container exposes no arrays")
	}
	if requested != "" {
		for _, k := range keys {
			if k == requested {
				return requested, "", nil
			}
		}
		return "", "", fmt.Errorf("key %q not found in container (available: %v)", requested, keys)
	}
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	key = sorted[0]
	if len(sorted) > 1 {
		warning = fmt.Sprintf("more than one array in container, loading %q", key)
	}
	return key, warning, nil
}

// ProgressEvent reports one unit of conversion work. Components emit events
// through a ProgressFunc supplied by the caller; there is no process-wide
// progress state.
type ProgressEvent struct {
	// Stage names the pipeline step, e.g. "compose" or "pyramid".
	Stage string

	// Level is the pyramid level being written.
	Level int

	// Tile and TileCount give the position within the level's sub-tile
	// grid.
	Tile      int
	TileCount int

	// Bytes is the number of bytes written by this unit of work.
	Bytes int64
}

// ProgressFunc receives progress events. A nil ProgressFunc disables
// reporting. Implementations must be safe for concurrent calls.
type ProgressFunc func(ProgressEvent)

// Emit calls the function if it is non-nil.
func (f ProgressFunc) Emit(ev ProgressEvent) {
	if f != nil {
		f(ev)
	}
}

// Acquisition holds the informational sidecar parameters written alongside a
// converted store. Nothing in the conversion pipeline consumes it.
type Acquisition struct {
	// PixelSize is the in-plane physical pixel size.
	PixelSize []float64 `json:"PixelSize,omitempty"`

	// PixelSizeUnits is the unit of PixelSize, conventionally "um".
	PixelSizeUnits string `json:"PixelSizeUnits,omitempty"`

	// SliceThickness is the physical thickness of one slice.
	SliceThickness float64 `json:"SliceThickness,omitempty"`

	// SliceThicknessUnits is the unit of SliceThickness.
	SliceThicknessUnits string `json:"SliceThicknessUnits,omitempty"`

	// SampleStaining identifies the stain applied to the sample.
	SampleStaining string `json:"SampleStaining,omitempty"`
}
