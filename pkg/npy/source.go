package npy

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/kabilar/linc-convert/internal/models"
	"github.com/kabilar/linc-convert/pkg/zarr"
)

// Slice adapts a 2D (rows, cols) or 2D multi-channel (rows, cols, channels)
// .npy array to the leveled image source interface. A plain array file
// carries a single resolution level.
type Slice struct {
	arr      *Array
	channels int
	dx, dy   float64
}

// OpenSlice opens a .npy file as a single-level image slice with the given
// physical pixel size.
func OpenSlice(path string, dx, dy float64) (*Slice, error) {
	arr, err := Open(path)
	if err != nil {
		return nil, err
	}
	shape := arr.Shape()
	channels := 0
	switch len(shape) {
	case 2:
	case 3:
		channels = shape[2]
	default:
		arr.Close()
		return nil, fmt.Errorf("npy %q: slice is %d-dimensional, want 2 or 3", path, len(shape))
	}
	return &Slice{arr: arr, channels: channels, dx: dx, dy: dy}, nil
}

// Close releases the underlying file.
func (s *Slice) Close() error { return s.arr.Close() }

// Levels returns 1: plain array files carry no resolution pyramid.
func (s *Slice) Levels() int { return 1 }

// LevelShape returns the (rows, cols) extent.
func (s *Slice) LevelShape(level int) []int {
	return s.arr.Shape()[:2]
}

// Channels returns the trailing channel count, or 0 for a 2D array.
func (s *Slice) Channels() int { return s.channels }

// Dtype returns the element type.
func (s *Slice) Dtype() zarr.Dtype { return s.arr.Dtype() }

// PixelSize returns the physical (column, row) pixel size.
func (s *Slice) PixelSize() (float64, float64) { return s.dx, s.dy }

// Read returns one channel over a region of the given level.
func (s *Slice) Read(level, channel int, region zarr.Region) ([]byte, error) {
	if level != 0 {
		return nil, fmt.Errorf("npy %q: level %d out of range", s.arr.path, level)
	}
	if s.channels == 0 {
		if channel != 0 {
			return nil, fmt.Errorf("npy %q: channel %d on channel-less slice", s.arr.path, channel)
		}
		return s.arr.Read(region)
	}
	if channel < 0 || channel >= s.channels {
		return nil, fmt.Errorf("npy %q: channel %d out of range [0, %d)", s.arr.path, channel, s.channels)
	}
	full := zarr.Region{
		Start: []int{region.Start[0], region.Start[1], channel},
		Shape: []int{region.Shape[0], region.Shape[1], 1},
	}
	return s.arr.Read(full)
}

// OpenVolumes opens every path as a labeled-array container and resolves the
// requested key against each file separately. Each .npy container keys its
// single array by its own base name, so a shared key can only be resolved
// per file: an empty request picks each container's default array, while an
// explicit key must exist in every file. Warnings from ambiguous defaults
// are collected for the caller. On success the returned closer releases all
// underlying files.
func OpenVolumes(paths []string, requested string) (arrays []models.LabeledArray, warnings []string, closeAll func(), err error) {
	containers := make([]*Container, 0, len(paths))
	closeAll = func() {
		for _, c := range containers {
			c.Close()
		}
	}
	for _, path := range paths {
		c, err := OpenContainer(path)
		if err != nil {
			closeAll()
			return nil, nil, nil, err
		}
		containers = append(containers, c)

		key, warning, err := models.ResolveKey(requested, c.Keys())
		if err != nil {
			closeAll()
			return nil, nil, nil, fmt.Errorf("npy %q: %w", path, err)
		}
		if warning != "" {
			warnings = append(warnings, warning)
		}
		arr, err := c.Array(key)
		if err != nil {
			closeAll()
			return nil, nil, nil, err
		}
		arrays = append(arrays, arr)
	}
	return arrays, warnings, closeAll, nil
}

// Container adapts a .npy file to the labeled array source interface. A
// .npy file holds exactly one unnamed array; its key is the file's base
// name without extension.
type Container struct {
	arr *Array
	key string
}

// OpenContainer opens a .npy file as a single-entry container.
func OpenContainer(path string) (*Container, error) {
	arr, err := Open(path)
	if err != nil {
		return nil, err
	}
	base := filepath.Base(path)
	key := strings.TrimSuffix(base, filepath.Ext(base))
	return &Container{arr: arr, key: key}, nil
}

// Close releases the underlying file.
func (c *Container) Close() error { return c.arr.Close() }

// Keys lists the single array name.
func (c *Container) Keys() []string { return []string{c.key} }

// Array opens the array stored under a key.
func (c *Container) Array(key string) (models.LabeledArray, error) {
	if key != c.key {
		return nil, fmt.Errorf("npy %q: no array named %q", c.arr.path, key)
	}
	return c.arr, nil
}
