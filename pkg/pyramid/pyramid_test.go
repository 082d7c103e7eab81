package pyramid

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/kabilar/linc-convert/pkg/reduce"
	"github.com/kabilar/linc-convert/pkg/zarr"
)

// newTestGroup creates a group holding a base level "0" with the given shape
// and chunk size, filled with a constant value.
func newTestGroup(t *testing.T, shape []int, chunk int, value float64) *zarr.Group {
	t.Helper()
	dir, err := os.MkdirTemp("", "linc-convert-pyramid-*")
	if err != nil {
		t.Fatalf("Failed to create temporary directory: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	g, err := zarr.Create(filepath.Join(dir, "test.zarr"))
	if err != nil {
		t.Fatalf("Failed to create group: %v", err)
	}

	chunks := make([]int, len(shape))
	for i := range chunks {
		chunks[i] = chunk
		if chunks[i] > shape[i] {
			chunks[i] = shape[i]
		}
	}
	a, err := g.CreateArray("0", zarr.ArrayOptions{
		Shape:      shape,
		Chunks:     chunks,
		Dtype:      zarr.Uint16,
		Compressor: zarr.Compressor{Kind: zarr.Raw},
	})
	if err != nil {
		t.Fatalf("Failed to create base array: %v", err)
	}

	total := 1
	for _, s := range shape {
		total *= s
	}
	vals := make([]float64, total)
	for i := range vals {
		vals[i] = value
	}
	buf, err := zarr.Uint16.FromFloat64(vals)
	if err != nil {
		t.Fatalf("Failed to encode base values: %v", err)
	}
	if err := a.Write(zarr.NewRegion(shape), buf); err != nil {
		t.Fatalf("Failed to fill base array: %v", err)
	}
	return g
}

func TestGenerateShapes(t *testing.T) {
	g := newTestGroup(t, []int{9, 12, 7}, 4, 1)
	shapes, err := Generate(g, Options{Levels: 3, Mode: reduce.Mean})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	want := [][]int{
		{9, 12, 7},
		{5, 6, 4},
		{3, 3, 2},
		{2, 2, 1},
	}
	if len(shapes) != len(want) {
		t.Fatalf("Got %d levels, want %d", len(shapes), len(want))
	}
	for l := range want {
		for i := range want[l] {
			if shapes[l][i] != want[l][i] {
				t.Fatalf("Level %d shape: got %v, want %v", l, shapes[l], want[l])
			}
		}
	}

	// Every declared level must exist as an array.
	for l := range want {
		if !g.HasArray(strconv.Itoa(l)) {
			t.Fatalf("Level %d array missing from store", l)
		}
	}
}

func TestGenerateStopsAtChunk(t *testing.T) {
	// Without an explicit budget, halving stops once every pooled axis
	// fits in one storage chunk.
	g := newTestGroup(t, []int{32, 32, 32}, 8, 1)
	shapes, err := Generate(g, Options{Mode: reduce.Mean})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	// 32 -> 16 -> 8: two extra levels.
	if len(shapes) != 3 {
		t.Fatalf("Got %d levels, want 3 (shapes %v)", len(shapes), shapes)
	}
	coarsest := shapes[len(shapes)-1]
	for i, s := range coarsest {
		if s > 8 {
			t.Fatalf("Coarsest axis %d extent %d exceeds the chunk size", i, s)
		}
	}
}

func TestGenerateConstantVolume(t *testing.T) {
	// A constant integer volume must stay constant at every level under
	// both modes: windows of identical values reduce to that value.
	for _, mode := range []reduce.Mode{reduce.Mean, reduce.Median} {
		g := newTestGroup(t, []int{8, 8, 8}, 4, 42)
		shapes, err := Generate(g, Options{Levels: 2, Mode: mode, Workers: 4})
		if err != nil {
			t.Fatalf("Generate(%s) failed: %v", mode, err)
		}
		for l := 1; l < len(shapes); l++ {
			a, err := g.OpenArray(strconv.Itoa(l))
			if err != nil {
				t.Fatalf("Failed to open level %d: %v", l, err)
			}
			buf, err := a.Read(zarr.NewRegion(shapes[l]))
			if err != nil {
				t.Fatalf("Failed to read level %d: %v", l, err)
			}
			vals, _ := zarr.Uint16.ToFloat64(buf)
			for i, v := range vals {
				if v != 42 {
					t.Fatalf("Mode %s level %d element %d: got %v, want 42", mode, l, i, v)
				}
			}
		}
	}
}

func TestGenerateNoPool(t *testing.T) {
	g := newTestGroup(t, []int{6, 16, 16}, 4, 1)
	shapes, err := Generate(g, Options{Levels: 2, Mode: reduce.Mean, NoPool: 0})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	for l, s := range shapes {
		if s[0] != 6 {
			t.Fatalf("Level %d: no-pool axis halved, shape %v", l, s)
		}
	}
	if shapes[2][1] != 4 || shapes[2][2] != 4 {
		t.Fatalf("Level 2 pooled axes: got %v, want [6 4 4]", shapes[2])
	}
}

func TestGenerateValues(t *testing.T) {
	// Mean of a 1D ramp over a 4-sample axis.
	g := newTestGroup(t, []int{1, 1, 4}, 4, 0)
	a, _ := g.OpenArray("0")
	buf, _ := zarr.Uint16.FromFloat64([]float64{10, 20, 30, 41})
	if err := a.Write(zarr.NewRegion([]int{1, 1, 4}), buf); err != nil {
		t.Fatalf("Failed to seed values: %v", err)
	}

	shapes, err := Generate(g, Options{Levels: 1, Mode: reduce.Mean})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	l1, err := g.OpenArray("1")
	if err != nil {
		t.Fatalf("Failed to open level 1: %v", err)
	}
	out, err := l1.Read(zarr.NewRegion(shapes[1]))
	if err != nil {
		t.Fatalf("Failed to read level 1: %v", err)
	}
	vals, _ := zarr.Uint16.ToFloat64(out)
	// (10+20)/2 = 15 and (30+41)/2 = 35.5, truncated to 35 on cast.
	if len(vals) != 2 || vals[0] != 15 || vals[1] != 35 {
		t.Fatalf("Level 1 values: got %v, want [15 35]", vals)
	}
}

func TestGenerateMissingBase(t *testing.T) {
	dir, err := os.MkdirTemp("", "linc-convert-pyramid-*")
	if err != nil {
		t.Fatalf("Failed to create temporary directory: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	g, err := zarr.Create(filepath.Join(dir, "test.zarr"))
	if err != nil {
		t.Fatalf("Failed to create group: %v", err)
	}
	if _, err := Generate(g, Options{}); err == nil {
		t.Fatal("Expected an error for a group without a base level")
	}
}

func TestNumLevels(t *testing.T) {
	cases := []struct {
		spatial   []int
		noPool    int
		maxLoad   int
		maxLevels int
		want      int
	}{
		// ceil(log2(16)) = 4, bounded by the load-derived 7 and cap 10.
		{[]int{16, 16, 16}, -1, 128, 10, 4},
		// The smallest pooled axis wins.
		{[]int{16, 4, 16}, -1, 128, 10, 2},
		// A no-pool axis is excluded from the minimum.
		{[]int{2, 64, 64}, 0, 128, 10, 6},
		// maxLevels caps the count.
		{[]int{1024, 1024, 1024}, -1, 1024, 3, 3},
		// Extent 1 everywhere still yields a single level.
		{[]int{1, 1, 1}, -1, 128, 5, 1},
	}
	for _, tc := range cases {
		got := NumLevels(tc.spatial, tc.noPool, tc.maxLoad, tc.maxLevels)
		if got != tc.want {
			t.Fatalf("NumLevels(%v, %d, %d, %d): got %d, want %d",
				tc.spatial, tc.noPool, tc.maxLoad, tc.maxLevels, got, tc.want)
		}
	}
}
