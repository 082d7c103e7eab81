// Package multiscale derives the coordinate metadata of a resolution
// pyramid: per-level scale and translation vectors in physical units under a
// selectable alignment policy, the OME-NGFF multiscales document attached to
// the store, and the anatomical-orientation affine.
package multiscale

import (
	"fmt"
	"math"

	"github.com/kabilar/linc-convert/pkg/zarr"
)

// AxisType classifies an axis of the stored arrays.
type AxisType string

// Axis types.
const (
	Space   AxisType = "space"
	Time    AxisType = "time"
	Channel AxisType = "channel"
)

// Axis describes one array axis in storage order.
type Axis struct {
	Name string   `json:"name"`
	Type AxisType `json:"type"`
	Unit string   `json:"unit,omitempty"`
}

// AlignmentKind selects how a coarser level's sampling grid relates to the
// finest grid. The translation component differs between policies and is
// the most error-prone part of the metadata; the rules below are exact.
type AlignmentKind int

const (
	// AlignGeometric scales by a fixed factor per level with zero
	// translation.
	AlignGeometric AlignmentKind = iota

	// AlignEdge uses the extent ratio of level 0 to the level as the
	// scale, aligning the outer edges of the extreme voxels, with zero
	// translation.
	AlignEdge

	// AlignWindow scales by a fixed factor per level and carries the
	// half-voxel shift of a moving-window reduction: each output voxel
	// center sits between its input voxel centers, so translation is
	// (factor^level - 1) * voxelsize / 2.
	AlignWindow
)

// Alignment is the per-axis alignment policy.
type Alignment struct {
	Kind AlignmentKind
	// Factor is the per-level scale factor for the geometric and window
	// policies; ignored for edge alignment. Zero means 2.
	Factor float64
}

func (a Alignment) factor() float64 {
	if a.Factor == 0 {
		return 2
	}
	return a.Factor
}

// Params configures the multiscales document.
type Params struct {
	// Axes describes every array axis in storage order.
	Axes []Axis

	// Scale is the finest-level physical voxel size, one entry per space
	// axis, in Axes order.
	Scale []float64

	// TimeScale is the physical step of the time axis, if any.
	TimeScale float64

	// Align is the alignment policy, one entry per space axis. A single
	// entry applies to all space axes.
	Align []Alignment

	// Type documents how the pyramid was produced, e.g. "2x2x2 mean
	// window".
	Type string

	// Name is the multiscale image name attribute.
	Name string
}

type transformDoc struct {
	Type        string    `json:"type"`
	Scale       []float64 `json:"scale,omitempty"`
	Translation []float64 `json:"translation,omitempty"`
}

type datasetDoc struct {
	Path                      string         `json:"path"`
	CoordinateTransformations []transformDoc `json:"coordinateTransformations"`
}

type multiscaleDoc struct {
	Version                   string         `json:"version"`
	Axes                      []Axis         `json:"axes"`
	Datasets                  []datasetDoc   `json:"datasets"`
	Type                      string         `json:"type,omitempty"`
	Name                      string         `json:"name"`
	CoordinateTransformations []transformDoc `json:"coordinateTransformations"`
}

// Transforms computes the per-level scale and translation vectors, in
// storage-axis order, for the given level shapes (finest first). Level 0
// always comes out as scale = voxel size with zero translation.
func Transforms(shapes [][]int, p Params) (scales, translations [][]float64, err error) {
	if len(shapes) == 0 {
		return nil, nil, fmt.Errorf("multiscale: no level shapes")
	}
	rank := len(shapes[0])
	if len(p.Axes) != rank {
		return nil, nil, fmt.Errorf("multiscale: %d axes for rank-%d arrays", len(p.Axes), rank)
	}

	spaceIdx := make([]int, 0, rank)
	for i, ax := range p.Axes {
		if ax.Type == Space {
			spaceIdx = append(spaceIdx, i)
		}
	}
	sdim := len(spaceIdx)
	if len(p.Scale) != sdim {
		return nil, nil, fmt.Errorf("multiscale: %d voxel sizes for %d space axes", len(p.Scale), sdim)
	}
	align := p.Align
	if len(align) == 1 && sdim > 1 {
		align = make([]Alignment, sdim)
		for i := range align {
			align[i] = p.Align[0]
		}
	}
	if len(align) != sdim {
		return nil, nil, fmt.Errorf("multiscale: %d alignment policies for %d space axes", len(align), sdim)
	}

	for n, shape := range shapes {
		scale := make([]float64, rank)
		translation := make([]float64, rank)
		for i := range scale {
			scale[i] = 1
		}
		for s, axis := range spaceIdx {
			vx := p.Scale[s]
			switch align[s].Kind {
			case AlignGeometric:
				scale[axis] = math.Pow(align[s].factor(), float64(n)) * vx
			case AlignEdge:
				scale[axis] = float64(shapes[0][axis]) / float64(shape[axis]) * vx
			case AlignWindow:
				f := math.Pow(align[s].factor(), float64(n))
				scale[axis] = f * vx
				translation[axis] = (f - 1) * vx * 0.5
			default:
				return nil, nil, fmt.Errorf("multiscale: unknown alignment kind %d", align[s].Kind)
			}
		}
		scales = append(scales, scale)
		translations = append(translations, translation)
	}
	return scales, translations, nil
}

// Document builds the OME-NGFF (version 0.4) multiscales attribute document
// for the given level shapes.
func Document(shapes [][]int, p Params) (map[string]any, error) {
	scales, translations, err := Transforms(shapes, p)
	if err != nil {
		return nil, err
	}

	doc := multiscaleDoc{
		Version: "0.4",
		Axes:    p.Axes,
		Type:    p.Type,
		Name:    p.Name,
	}
	for n := range shapes {
		doc.Datasets = append(doc.Datasets, datasetDoc{
			Path: fmt.Sprintf("%d", n),
			CoordinateTransformations: []transformDoc{
				{Type: "scale", Scale: scales[n]},
				{Type: "translation", Translation: translations[n]},
			},
		})
	}

	// Top-level identity transform, carrying the time step if present.
	top := make([]float64, len(p.Axes))
	for i, ax := range p.Axes {
		top[i] = 1
		if ax.Type == Time && p.TimeScale != 0 {
			top[i] = p.TimeScale
		}
	}
	doc.CoordinateTransformations = []transformDoc{{Type: "scale", Scale: top}}

	return map[string]any{"multiscales": []multiscaleDoc{doc}}, nil
}

// Write attaches the multiscales document to the group's attributes.
func Write(g *zarr.Group, shapes [][]int, p Params) error {
	doc, err := Document(shapes, p)
	if err != nil {
		return err
	}
	return g.SetAttributes(doc)
}
