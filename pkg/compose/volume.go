package compose

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/kabilar/linc-convert/internal/models"
	"github.com/kabilar/linc-convert/pkg/pyramid"
	"github.com/kabilar/linc-convert/pkg/reduce"
	"github.com/kabilar/linc-convert/pkg/zarr"
)

// VolumeOptions configures the volume compositor.
type VolumeOptions struct {
	// Chunk is the storage chunk size along every spatial axis. Defaults
	// to 128.
	Chunk int

	// Compressor is the chunk codec for every level.
	Compressor zarr.Compressor

	// MaxLoad bounds the per-axis extent of one copied or reduced
	// sub-tile. Defaults to 128.
	MaxLoad int

	// MaxLevels caps the pyramid depth. Defaults to 5.
	MaxLevels int

	// NoPool is the index of a spatial axis excluded from halving, or -1
	// for none.
	NoPool int

	// Mode selects mean or median windows for the generated levels.
	Mode reduce.Mode

	// Workers bounds concurrent sub-tile copies and reductions.
	Workers int

	// Progress receives per-sub-tile events. May be nil.
	Progress models.ProgressFunc
}

func (o *VolumeOptions) fill() {
	if o.Chunk <= 0 {
		o.Chunk = 128
	}
	if o.MaxLoad <= 0 {
		o.MaxLoad = 128
	}
	if o.MaxLevels <= 0 {
		o.MaxLevels = 5
	}
	if o.Workers < 1 {
		o.Workers = 1
	}
	if o.Mode == "" {
		o.Mode = reduce.Mean
	}
	if o.Compressor.Kind == "" {
		o.Compressor = zarr.DefaultCompressor
	}
}

// Volume writes one or more same-shape 3D volumes into level 0 (stacked
// along a leading series axis when more than one) and then builds the
// remaining pyramid levels with windowed reduction. Every element of level 0
// is written exactly once across the union of sub-tile writes.
//
// The level budget is derived from the spatial extents, the sub-tile bound
// and MaxLevels, whichever is smallest.
func Volume(g *zarr.Group, vols []models.LabeledArray, opt VolumeOptions) (*Result, error) {
	if len(vols) == 0 {
		return nil, fmt.Errorf("compose: no input volumes")
	}
	opt.fill()

	// Heterogeneous shapes or dtypes are configuration errors and abort
	// before any store mutation.
	volShape := vols[0].Shape()
	dtype := vols[0].Dtype()
	if len(volShape) != 3 {
		return nil, fmt.Errorf("compose: input volume is %d-dimensional, want 3", len(volShape))
	}
	for i, v := range vols {
		if !equalInts(v.Shape(), volShape) {
			return nil, fmt.Errorf("compose: volume %d has shape %v, volume 0 has %v",
				i, v.Shape(), volShape)
		}
		if v.Dtype() != dtype {
			return nil, fmt.Errorf("compose: volume %d has dtype %s, volume 0 has %s",
				i, v.Dtype(), dtype)
		}
	}

	stacked := len(vols) > 1
	shape := volShape
	if stacked {
		shape = append([]int{len(vols)}, volShape...)
	}
	chunks := make([]int, len(shape))
	for i := range chunks {
		chunks[i] = opt.Chunk
		if chunks[i] > shape[i] {
			chunks[i] = shape[i]
		}
	}
	if stacked {
		// One series member per chunk.
		chunks[0] = 1
	}

	base, err := g.CreateArray("0", zarr.ArrayOptions{
		Shape:      shape,
		Chunks:     chunks,
		Dtype:      dtype,
		Order:      "F",
		Compressor: opt.Compressor,
	})
	if err != nil {
		return nil, fmt.Errorf("compose: create level 0: %w", err)
	}

	maxLoad := []int{opt.MaxLoad, opt.MaxLoad, opt.MaxLoad}
	tiles := zarr.Grid(volShape, maxLoad)

	var eg errgroup.Group
	eg.SetLimit(opt.Workers)
	for v, vol := range vols {
		for t, tile := range tiles {
			v, vol, t, tile := v, vol, t, tile
			eg.Go(func() error {
				buf, err := vol.Read(tile)
				if err != nil {
					return fmt.Errorf("compose: volume %d read: %w", v, err)
				}
				region := tile
				if stacked {
					region = zarr.Region{
						Start: append([]int{v}, tile.Start...),
						Shape: append([]int{1}, tile.Shape...),
					}
				}
				if err := base.Write(region, buf); err != nil {
					return fmt.Errorf("compose: volume %d write: %w", v, err)
				}
				opt.Progress.Emit(models.ProgressEvent{
					Stage:     "compose",
					Level:     0,
					Tile:      v*len(tiles) + t,
					TileCount: len(vols) * len(tiles),
					Bytes:     int64(len(buf)),
				})
				return nil
			})
		}
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	levels := pyramid.NumLevels(volShape, opt.NoPool, opt.MaxLoad, opt.MaxLevels)
	if levels < 2 {
		return &Result{LevelShapes: [][]int{shape}, Dtype: dtype}, nil
	}
	shapes, err := pyramid.Generate(g, pyramid.Options{
		Levels:   levels - 1,
		MaxLoad:  opt.MaxLoad,
		Mode:     opt.Mode,
		NDim:     3,
		NoPool:   opt.NoPool,
		Workers:  opt.Workers,
		Progress: opt.Progress,
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		LevelShapes: shapes,
		Channels:    0,
		Dtype:       dtype,
	}, nil
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
