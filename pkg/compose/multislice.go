// Package compose builds the finest level (and, for pre-leveled sources,
// every level) of a chunked store from external image or array sources. All
// copies run through sub-tiles bounded by a configurable load so peak memory
// stays independent of the full volume size.
package compose

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/kabilar/linc-convert/internal/models"
	"github.com/kabilar/linc-convert/pkg/zarr"
)

// Result summarizes what a compositor wrote.
type Result struct {
	// LevelShapes holds the full shape of every written level, finest
	// first.
	LevelShapes [][]int

	// Channels is the channel count, or 0 for channel-less data.
	Channels int

	// Dtype is the element type of the written arrays.
	Dtype zarr.Dtype

	// PixelSize is the physical (column, row) pixel size of the finest
	// level, taken from the sources.
	PixelSize [2]float64
}

// MultiSliceOptions configures the multi-slice compositor.
type MultiSliceOptions struct {
	// Chunk is the storage chunk size along the two in-plane axes.
	// Defaults to 1024.
	Chunk int

	// Compressor is the chunk codec for every level.
	Compressor zarr.Compressor

	// MaxLoad bounds the per-axis extent of one copied sub-tile.
	// Defaults to 16384.
	MaxLoad int

	// Workers bounds concurrent slice copies within a level.
	Workers int

	// Progress receives per-sub-tile events. May be nil.
	Progress models.ProgressFunc
}

func (o *MultiSliceOptions) fill() {
	if o.Chunk <= 0 {
		o.Chunk = 1024
	}
	if o.MaxLoad <= 0 {
		o.MaxLoad = 16384
	}
	if o.Workers < 1 {
		o.Workers = 1
	}
	if o.Compressor.Kind == "" {
		o.Compressor = zarr.DefaultCompressor
	}
}

// MultiSlice stacks independent 2D multiresolution sources into a 3D store.
// The canvas extent is the per-axis maximum across sources and every slice
// is centered on it; untouched canvas regions keep the fill value (zero).
// Resolution levels come from the sources themselves (for example wavelet
// decomposition levels) and are copied, never recomputed; the level count is
// the minimum available across all sources.
//
// Array layout per level: [channel][slice][row][col], dropping the channel
// axis for channel-less sources. The slice axis is chunked at 1 so slices
// land in disjoint chunk files.
func MultiSlice(g *zarr.Group, sources []models.LeveledImageSource, opt MultiSliceOptions) (*Result, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("compose: no input slices")
	}
	opt.fill()

	// Heterogeneous channel counts or dtypes are configuration errors and
	// abort before any store mutation.
	channels := sources[0].Channels()
	dtype := sources[0].Dtype()
	levels := sources[0].Levels()
	for i, src := range sources {
		if src.Channels() != channels {
			return nil, fmt.Errorf("compose: slice %d has %d channels, slice 0 has %d",
				i, src.Channels(), channels)
		}
		if src.Dtype() != dtype {
			return nil, fmt.Errorf("compose: slice %d has dtype %s, slice 0 has %s",
				i, src.Dtype(), dtype)
		}
		if src.Levels() < levels {
			levels = src.Levels()
		}
	}

	// Canvas extent: per-axis maximum across the finest levels.
	canvasRows, canvasCols := 0, 0
	for _, src := range sources {
		s := src.LevelShape(0)
		if s[0] > canvasRows {
			canvasRows = s[0]
		}
		if s[1] > canvasCols {
			canvasCols = s[1]
		}
	}

	dx, dy := sources[0].PixelSize()
	result := &Result{
		Channels:  channels,
		Dtype:     dtype,
		PixelSize: [2]float64{dx, dy},
	}

	hasChannel := channels > 0
	nch := channels
	if nch == 0 {
		nch = 1
	}

	zero := 0.0
	for level := 0; level < levels; level++ {
		rows := ceilDiv(canvasRows, 1<<level)
		cols := ceilDiv(canvasCols, 1<<level)

		shape := []int{len(sources), rows, cols}
		chunks := []int{1, opt.Chunk, opt.Chunk}
		if hasChannel {
			shape = append([]int{channels}, shape...)
			chunks = append([]int{channels}, chunks...)
		}
		for i := range chunks {
			if chunks[i] > shape[i] {
				chunks[i] = shape[i]
			}
		}

		array, err := g.CreateArray(levelName(level), zarr.ArrayOptions{
			Shape:      shape,
			Chunks:     chunks,
			Dtype:      dtype,
			Order:      "F",
			FillValue:  &zero,
			Compressor: opt.Compressor,
		})
		if err != nil {
			return nil, fmt.Errorf("compose: create level %d: %w", level, err)
		}

		var eg errgroup.Group
		eg.SetLimit(opt.Workers)
		for idx, src := range sources {
			idx, src := idx, src
			eg.Go(func() error {
				return copySlice(array, src, level, idx, rows, cols, hasChannel, nch, opt)
			})
		}
		if err := eg.Wait(); err != nil {
			return nil, err
		}

		result.LevelShapes = append(result.LevelShapes, shape)
	}
	return result, nil
}

// copySlice copies one source slice into its centered footprint on the
// canvas, channel by channel, tiled by MaxLoad.
func copySlice(array *zarr.Array, src models.LeveledImageSource, level, idx, rows, cols int, hasChannel bool, nch int, opt MultiSliceOptions) error {
	srcShape := src.LevelShape(level)
	offRow := (rows - srcShape[0]) / 2
	offCol := (cols - srcShape[1]) / 2
	if offRow < 0 || offCol < 0 {
		return fmt.Errorf("compose: slice %d level %d extent %v exceeds canvas (%d, %d)",
			idx, level, srcShape, rows, cols)
	}

	tiles := zarr.Grid(srcShape, []int{opt.MaxLoad, opt.MaxLoad})
	for ch := 0; ch < nch; ch++ {
		for t, tile := range tiles {
			buf, err := src.Read(level, ch, tile)
			if err != nil {
				return fmt.Errorf("compose: slice %d level %d channel %d: %w", idx, level, ch, err)
			}

			start := []int{idx, offRow + tile.Start[0], offCol + tile.Start[1]}
			shape := []int{1, tile.Shape[0], tile.Shape[1]}
			if hasChannel {
				start = append([]int{ch}, start...)
				shape = append([]int{1}, shape...)
			}
			if err := array.Write(zarr.Region{Start: start, Shape: shape}, buf); err != nil {
				return fmt.Errorf("compose: slice %d level %d channel %d: %w", idx, level, ch, err)
			}

			opt.Progress.Emit(models.ProgressEvent{
				Stage:     "compose",
				Level:     level,
				Tile:      t,
				TileCount: len(tiles),
				Bytes:     int64(len(buf)),
			})
		}
	}
	return nil
}

func levelName(level int) string {
	return fmt.Sprintf("%d", level)
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
