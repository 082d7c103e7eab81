package multiscale

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Orientation aliases for common slicing planes.
var orientationAliases = map[string]string{
	"coronal":  "LI",
	"axial":    "LP",
	"sagittal": "PI",
}

// anatomical direction pointed to by the positive index direction of an
// axis: physical axis index in RAS order plus sign.
var letterAxes = map[byte]struct {
	axis int
	sign float64
}{
	'R': {0, 1}, 'L': {0, -1},
	'A': {1, 1}, 'P': {1, -1},
	'S': {2, 1}, 'I': {2, -1},
}

var positiveLetters = [3]byte{'R', 'A', 'S'}

// OrientationToAffine derives the 4x4 voxel-to-RAS matrix from a 2-3 letter
// anatomical orientation code and per-axis physical voxel sizes. Each letter
// names the anatomical direction the positive index direction of the
// corresponding voxel axis points to. A 2-letter code is completed with the
// positive remaining anatomical axis. Missing voxel sizes default to 1.
func OrientationToAffine(orientation string, voxel ...float64) (*mat.Dense, error) {
	code := orientation
	if alias, ok := orientationAliases[strings.ToLower(orientation)]; ok {
		code = alias
	}
	code = strings.ToUpper(code)
	if len(code) < 2 || len(code) > 3 {
		return nil, fmt.Errorf("orientation %q: want 2 or 3 letters over {L,R,A,P,I,S}", orientation)
	}

	used := [3]bool{}
	type assignment struct {
		axis int
		sign float64
	}
	assignments := make([]assignment, 0, 3)
	for i := 0; i < len(code); i++ {
		la, ok := letterAxes[code[i]]
		if !ok {
			return nil, fmt.Errorf("orientation %q: unknown letter %q", orientation, code[i])
		}
		if used[la.axis] {
			return nil, fmt.Errorf("orientation %q: axis %c repeats an anatomical axis", orientation, code[i])
		}
		used[la.axis] = true
		assignments = append(assignments, assignment{la.axis, la.sign})
	}
	if len(assignments) == 2 {
		for phys := 0; phys < 3; phys++ {
			if !used[phys] {
				la := letterAxes[positiveLetters[phys]]
				assignments = append(assignments, assignment{la.axis, la.sign})
				break
			}
		}
	}

	affine := mat.NewDense(4, 4, nil)
	affine.Set(3, 3, 1)
	for voxAxis, a := range assignments {
		size := 1.0
		if voxAxis < len(voxel) {
			size = voxel[voxAxis]
		}
		affine.Set(a.axis, voxAxis, a.sign*size)
	}
	return affine, nil
}

// CenterAffine recomputes the translation column so that the canvas center
// voxel (shape[i]/2 on each axis) maps to physical (0, 0, 0). Shape is given
// in voxel-axis order matching the affine's columns; fewer than three axes
// leave the remaining coordinates at zero.
func CenterAffine(affine *mat.Dense, shape []int) {
	var center [3]float64
	for i := 0; i < 3 && i < len(shape); i++ {
		center[i] = float64(shape[i] / 2)
	}
	for r := 0; r < 3; r++ {
		t := 0.0
		for c := 0; c < 3; c++ {
			t += affine.At(r, c) * center[c]
		}
		affine.Set(r, 3, -t)
	}
}
