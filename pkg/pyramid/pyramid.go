// Package pyramid builds the coarser resolution levels of a chunked array
// store from its finest level, one level at a time, without ever holding a
// full level in memory.
package pyramid

import (
	"fmt"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/kabilar/linc-convert/internal/models"
	"github.com/kabilar/linc-convert/pkg/reduce"
	"github.com/kabilar/linc-convert/pkg/zarr"
)

// DefaultMaxLoad bounds the per-axis extent of a sub-tile read from the
// previous level.
const DefaultMaxLoad = 512

// Options controls pyramid generation.
type Options struct {
	// Levels is the number of additional levels to generate. Zero means
	// "until every pooled spatial axis fits in one storage chunk".
	Levels int

	// MaxLoad bounds the per-axis extent of the sub-tiles read from the
	// previous level. Sub-tiles exist purely to bound peak memory and are
	// unrelated to the store's chunk grid. Rounded down to an even value
	// so tile boundaries land on window boundaries.
	MaxLoad int

	// Mode selects mean or median windows. Defaults to median.
	Mode reduce.Mode

	// NDim is the number of trailing spatial axes. Leading axes (channel,
	// series) are carried through unpooled. Defaults to 3, capped at the
	// array rank.
	NDim int

	// NoPool is the index of a spatial axis (within the trailing NDim
	// axes) excluded from halving, or -1 for none.
	NoPool int

	// Workers bounds the number of concurrent sub-tile reductions within
	// a level. Zero or one runs serially. Levels are always strictly
	// ordered: level n+1 starts only after every sub-tile of level n has
	// been written.
	Workers int

	// Progress receives per-sub-tile events. May be nil.
	Progress models.ProgressFunc
}

func (o *Options) fill(rank int) {
	if o.MaxLoad <= 0 {
		o.MaxLoad = DefaultMaxLoad
	}
	// Tile starts must map to window-aligned output offsets.
	if o.MaxLoad%2 == 1 {
		o.MaxLoad--
	}
	if o.MaxLoad < 2 {
		o.MaxLoad = 2
	}
	if o.Mode == "" {
		o.Mode = reduce.Median
	}
	if o.NDim <= 0 || o.NDim > rank {
		o.NDim = 3
		if o.NDim > rank {
			o.NDim = rank
		}
	}
	if o.NoPool < 0 || o.NoPool >= o.NDim {
		o.NoPool = -1
	}
	if o.Workers < 1 {
		o.Workers = 1
	}
}

// NumLevels returns the level count derived from the spatial extents: enough
// halvings to exhaust the largest pooled axis, bounded by the sub-tile size
// and by maxLevels. This is the level budget the volume converter passes to
// Generate.
func NumLevels(spatial []int, noPool, maxLoad, maxLevels int) int {
	levels := 0
	first := true
	for i, n := range spatial {
		if i == noPool {
			continue
		}
		l := 0
		for v := n; v > 1; v = (v + 1) / 2 {
			l++
		}
		if first || l < levels {
			levels = l
			first = false
		}
	}
	l := 0
	for v := maxLoad; v > 1; v /= 2 {
		l++
	}
	if l < levels {
		levels = l
	}
	if maxLevels > 0 && maxLevels < levels {
		levels = maxLevels
	}
	if levels < 1 {
		levels = 1
	}
	return levels
}

// Generate builds successive levels from the base level "0" of the group,
// reading each level through sub-tiles bounded by MaxLoad per axis, reducing
// every 2-sample window (per pooled axis) with the configured mode, and
// writing the halved region of the next level. Declared level shapes use
// ceil-division by 2 on pooled axes; the reduction itself discards trailing
// odd samples, so the last declared voxel of an odd axis keeps the fill
// value.
//
// It returns the full shape of every level, finest first, including the base
// level.
func Generate(g *zarr.Group, opts Options) ([][]int, error) {
	base, err := g.OpenArray("0")
	if err != nil {
		return nil, fmt.Errorf("pyramid: base level missing: %w", err)
	}
	shape := base.Shape()
	opts.fill(len(shape))

	nbatch := len(shape) - opts.NDim
	batch := shape[:nbatch]
	spatial := shape[nbatch:]
	chunkSpatial := base.Chunks()[nbatch:]

	allShapes := [][]int{append([]int(nil), shape...)}
	prev := base
	prevSpatial := spatial

	for level := 1; ; level++ {
		nextSpatial := make([]int, len(prevSpatial))
		for i, n := range prevSpatial {
			if i == opts.NoPool {
				nextSpatial[i] = n
			} else {
				nextSpatial[i] = (n + 1) / 2
			}
		}

		if opts.Levels > 0 {
			if level > opts.Levels {
				break
			}
		} else {
			// Halve while any pooled axis still exceeds one storage
			// chunk, so the coarsest level fits in a single chunk per
			// pooled axis.
			done := true
			progress := false
			for i := range nextSpatial {
				if i == opts.NoPool {
					continue
				}
				if prevSpatial[i] > chunkSpatial[i] {
					done = false
				}
				if nextSpatial[i] < prevSpatial[i] {
					progress = true
				}
			}
			if done || !progress {
				break
			}
		}

		nextShape := append(append([]int(nil), batch...), nextSpatial...)
		chunks := make([]int, len(nextShape))
		for i, c := range base.Chunks() {
			chunks[i] = c
			if chunks[i] > nextShape[i] {
				chunks[i] = nextShape[i]
			}
			if chunks[i] < 1 {
				chunks[i] = 1
			}
		}
		next, err := g.CreateArray(strconv.Itoa(level), zarr.ArrayOptions{
			Shape:      nextShape,
			Chunks:     chunks,
			Dtype:      base.Dtype(),
			Order:      base.Order(),
			FillValue:  base.FillValue(),
			Compressor: base.Compressor(),
		})
		if err != nil {
			return nil, fmt.Errorf("pyramid: create level %d: %w", level, err)
		}

		if err := reduceLevel(prev, next, batch, prevSpatial, nextSpatial, level, opts); err != nil {
			return nil, err
		}

		allShapes = append(allShapes, nextShape)
		prev = next
		prevSpatial = nextSpatial
	}
	return allShapes, nil
}

// reduceLevel fills one level from the previous one. Sub-tiles are disjoint
// by construction, so workers never overlap on output regions; partially
// shared storage chunks are serialized inside the store.
func reduceLevel(prev, next *zarr.Array, batch, prevSpatial, nextSpatial []int, level int, opts Options) error {
	maxLoad := make([]int, len(prevSpatial))
	for i := range maxLoad {
		maxLoad[i] = opts.MaxLoad
	}
	tiles := zarr.Grid(prevSpatial, maxLoad)

	window := make([]int, len(batch)+len(prevSpatial))
	for i := range window {
		window[i] = 1
	}
	for i := range prevSpatial {
		if i != opts.NoPool {
			window[len(batch)+i] = 2
		}
	}

	var eg errgroup.Group
	eg.SetLimit(opts.Workers)
	for t, tile := range tiles {
		t, tile := t, tile
		eg.Go(func() error {
			// Read the tile across the full batch extent.
			readRegion := zarr.Region{
				Start: append(make([]int, len(batch)), tile.Start...),
				Shape: append(append([]int(nil), batch...), tile.Shape...),
			}
			buf, err := prev.Read(readRegion)
			if err != nil {
				return fmt.Errorf("pyramid: level %d read: %w", level, err)
			}
			vals, err := prev.Dtype().ToFloat64(buf)
			if err != nil {
				return fmt.Errorf("pyramid: level %d: %w", level, err)
			}

			// Crop trailing odd samples so every pooled axis is an
			// exact multiple of the window.
			shape := readRegion.Shape
			cropped := make([]int, len(shape))
			for i := range shape {
				cropped[i] = shape[i]
				if window[i] == 2 && shape[i] > 1 && shape[i]%2 == 1 {
					cropped[i] = shape[i] - 1
				}
			}
			vals = cropBlock(vals, shape, cropped)

			out, outShape, err := reduce.Reduce(vals, cropped, window, opts.Mode)
			if err != nil {
				return fmt.Errorf("pyramid: level %d reduce: %w", level, err)
			}

			raw, err := next.Dtype().FromFloat64(out)
			if err != nil {
				return fmt.Errorf("pyramid: level %d: %w", level, err)
			}

			writeStart := make([]int, len(outShape))
			for i := range tile.Start {
				s := tile.Start[i]
				if i != opts.NoPool {
					s /= 2
				}
				writeStart[len(batch)+i] = s
			}
			if err := next.Write(zarr.Region{Start: writeStart, Shape: outShape}, raw); err != nil {
				return fmt.Errorf("pyramid: level %d write: %w", level, err)
			}

			opts.Progress.Emit(models.ProgressEvent{
				Stage:     "pyramid",
				Level:     level,
				Tile:      t,
				TileCount: len(tiles),
				Bytes:     int64(len(raw)),
			})
			return nil
		})
	}
	return eg.Wait()
}

// cropBlock trims a row-major block from shape to cropped extents, where
// cropped[i] <= shape[i] on every axis.
func cropBlock(vals []float64, shape, cropped []int) []float64 {
	same := true
	for i := range shape {
		if cropped[i] != shape[i] {
			same = false
			break
		}
	}
	if same {
		return vals
	}

	total := 1
	for _, s := range cropped {
		total *= s
	}
	out := make([]float64, total)

	inStride := make([]int, len(shape))
	outStride := make([]int, len(shape))
	accIn, accOut := 1, 1
	for i := len(shape) - 1; i >= 0; i-- {
		inStride[i] = accIn
		outStride[i] = accOut
		accIn *= shape[i]
		accOut *= cropped[i]
	}

	idx := make([]int, len(shape))
	last := len(shape) - 1
	for o := 0; o < total; o += cropped[last] {
		in := 0
		for i := 0; i < last; i++ {
			in += idx[i] * inStride[i]
		}
		copy(out[o:o+cropped[last]], vals[in:in+cropped[last]])

		axis := last - 1
		for axis >= 0 {
			idx[axis]++
			if idx[axis] < cropped[axis] {
				break
			}
			idx[axis] = 0
			axis--
		}
		if axis < 0 {
			break
		}
	}
	return out
}
