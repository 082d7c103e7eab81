package zarr

import (
	"os"
	"path/filepath"
	"testing"
)

// createTempGroup creates a zarr group in a temporary directory
func createTempGroup(t *testing.T) *Group {
	t.Helper()
	dir, err := os.MkdirTemp("", "linc-convert-zarr-*")
	if err != nil {
		t.Fatalf("Failed to create temporary directory: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	g, err := Create(filepath.Join(dir, "test.zarr"))
	if err != nil {
		t.Fatalf("Failed to create group: %v", err)
	}
	return g
}

// sequence fills a float64 buffer with 0, 1, 2, ...
func sequence(n int) []float64 {
	vals := make([]float64, n)
	for i := range vals {
		vals[i] = float64(i)
	}
	return vals
}

func TestArrayRoundTrip(t *testing.T) {
	for _, order := range []string{"C", "F"} {
		t.Run("Order"+order, func(t *testing.T) {
			g := createTempGroup(t)
			a, err := g.CreateArray("0", ArrayOptions{
				Shape:      []int{5, 6},
				Chunks:     []int{2, 4},
				Dtype:      Float64,
				Order:      order,
				Compressor: Compressor{Kind: Raw},
			})
			if err != nil {
				t.Fatalf("Failed to create array: %v", err)
			}

			vals := sequence(5 * 6)
			buf, err := Float64.FromFloat64(vals)
			if err != nil {
				t.Fatalf("Failed to encode values: %v", err)
			}
			if err := a.Write(NewRegion([]int{5, 6}), buf); err != nil {
				t.Fatalf("Failed to write region: %v", err)
			}

			// Read the whole array back.
			got, err := a.Read(NewRegion([]int{5, 6}))
			if err != nil {
				t.Fatalf("Failed to read region: %v", err)
			}
			gotVals, err := Float64.ToFloat64(got)
			if err != nil {
				t.Fatalf("Failed to decode values: %v", err)
			}
			for i := range vals {
				if gotVals[i] != vals[i] {
					t.Fatalf("Element %d: got %v, want %v", i, gotVals[i], vals[i])
				}
			}

			// Read a misaligned sub-region crossing chunk boundaries.
			sub, err := a.Read(Region{Start: []int{1, 3}, Shape: []int{3, 2}})
			if err != nil {
				t.Fatalf("Failed to read sub-region: %v", err)
			}
			subVals, _ := Float64.ToFloat64(sub)
			for r := 0; r < 3; r++ {
				for c := 0; c < 2; c++ {
					want := float64((r+1)*6 + c + 3)
					if subVals[r*2+c] != want {
						t.Fatalf("Sub-region (%d, %d): got %v, want %v", r, c, subVals[r*2+c], want)
					}
				}
			}
		})
	}
}

func TestArrayFillValue(t *testing.T) {
	g := createTempGroup(t)
	fill := 7.0
	a, err := g.CreateArray("0", ArrayOptions{
		Shape:      []int{4, 4},
		Chunks:     []int{2, 2},
		Dtype:      Int32,
		FillValue:  &fill,
		Compressor: Compressor{Kind: Raw},
	})
	if err != nil {
		t.Fatalf("Failed to create array: %v", err)
	}

	// Write only the top-left chunk.
	buf, _ := Int32.FromFloat64([]float64{1, 2, 3, 4})
	if err := a.Write(Region{Start: []int{0, 0}, Shape: []int{2, 2}}, buf); err != nil {
		t.Fatalf("Failed to write region: %v", err)
	}

	got, err := a.Read(NewRegion([]int{4, 4}))
	if err != nil {
		t.Fatalf("Failed to read region: %v", err)
	}
	vals, _ := Int32.ToFloat64(got)
	want := []float64{
		1, 2, 7, 7,
		3, 4, 7, 7,
		7, 7, 7, 7,
		7, 7, 7, 7,
	}
	for i := range want {
		if vals[i] != want[i] {
			t.Fatalf("Element %d: got %v, want %v", i, vals[i], want[i])
		}
	}
}

func TestArrayPartialChunkMerge(t *testing.T) {
	g := createTempGroup(t)
	a, err := g.CreateArray("0", ArrayOptions{
		Shape:      []int{4},
		Chunks:     []int{4},
		Dtype:      Uint16,
		Compressor: Compressor{Kind: Raw},
	})
	if err != nil {
		t.Fatalf("Failed to create array: %v", err)
	}

	left, _ := Uint16.FromFloat64([]float64{10, 20})
	right, _ := Uint16.FromFloat64([]float64{30, 40})
	if err := a.Write(Region{Start: []int{0}, Shape: []int{2}}, left); err != nil {
		t.Fatalf("Failed to write left half: %v", err)
	}
	if err := a.Write(Region{Start: []int{2}, Shape: []int{2}}, right); err != nil {
		t.Fatalf("Failed to write right half: %v", err)
	}

	got, err := a.Read(NewRegion([]int{4}))
	if err != nil {
		t.Fatalf("Failed to read region: %v", err)
	}
	vals, _ := Uint16.ToFloat64(got)
	want := []float64{10, 20, 30, 40}
	for i := range want {
		if vals[i] != want[i] {
			t.Fatalf("Element %d: got %v, want %v", i, vals[i], want[i])
		}
	}
}

func TestArrayBounds(t *testing.T) {
	g := createTempGroup(t)
	a, err := g.CreateArray("0", ArrayOptions{
		Shape:      []int{4, 4},
		Chunks:     []int{2, 2},
		Dtype:      Uint8,
		Compressor: Compressor{Kind: Raw},
	})
	if err != nil {
		t.Fatalf("Failed to create array: %v", err)
	}

	if _, err := a.Read(Region{Start: []int{3, 0}, Shape: []int{2, 2}}); err == nil {
		t.Fatal("Expected an error for a region outside the array extent")
	}
	if err := a.Write(Region{Start: []int{0}, Shape: []int{2}}, []byte{0, 0}); err == nil {
		t.Fatal("Expected an error for a rank mismatch")
	}
}

func TestCompressors(t *testing.T) {
	for _, kind := range []Compression{Raw, Zlib, Zstd} {
		t.Run(string(kind), func(t *testing.T) {
			g := createTempGroup(t)
			a, err := g.CreateArray("0", ArrayOptions{
				Shape:      []int{16, 16},
				Chunks:     []int{8, 8},
				Dtype:      Float32,
				Compressor: Compressor{Kind: kind},
			})
			if err != nil {
				t.Fatalf("Failed to create array: %v", err)
			}

			vals := sequence(16 * 16)
			buf, _ := Float32.FromFloat64(vals)
			if err := a.Write(NewRegion([]int{16, 16}), buf); err != nil {
				t.Fatalf("Failed to write region: %v", err)
			}

			// Reopen through metadata to exercise the .zarray round trip.
			reopened, err := g.OpenArray("0")
			if err != nil {
				t.Fatalf("Failed to reopen array: %v", err)
			}
			got, err := reopened.Read(NewRegion([]int{16, 16}))
			if err != nil {
				t.Fatalf("Failed to read region: %v", err)
			}
			gotVals, _ := Float32.ToFloat64(got)
			for i := range vals {
				if gotVals[i] != vals[i] {
					t.Fatalf("Element %d: got %v, want %v", i, gotVals[i], vals[i])
				}
			}
		})
	}
}

func TestGridCoversExactly(t *testing.T) {
	cases := []struct {
		shape   []int
		maxLoad []int
	}{
		{[]int{10}, []int{3}},
		{[]int{8, 8}, []int{8, 8}},
		{[]int{7, 13}, []int{4, 5}},
		{[]int{5, 6, 7}, []int{2, 6, 3}},
		{[]int{1, 1, 1}, []int{128, 128, 128}},
	}
	for _, tc := range cases {
		tiles := Grid(tc.shape, tc.maxLoad)

		total := 1
		for _, s := range tc.shape {
			total *= s
		}
		covered := make([]int, total)
		for _, tile := range tiles {
			for i := range tile.Shape {
				if tile.Shape[i] > tc.maxLoad[i] {
					t.Fatalf("Shape %v: tile %v exceeds max load %v", tc.shape, tile, tc.maxLoad)
				}
			}
			// Mark every covered element.
			idx := append([]int(nil), tile.Start...)
			for n := 0; n < tile.NumElements(); n++ {
				flat := 0
				for i := range idx {
					flat = flat*tc.shape[i] + idx[i]
				}
				covered[flat]++

				axis := len(idx) - 1
				for axis >= 0 {
					idx[axis]++
					if idx[axis] < tile.End(axis) {
						break
					}
					idx[axis] = tile.Start[axis]
					axis--
				}
				if axis < 0 {
					break
				}
			}
		}
		for i, c := range covered {
			if c != 1 {
				t.Fatalf("Shape %v, max load %v: element %d covered %d times",
					tc.shape, tc.maxLoad, i, c)
			}
		}
	}
}

func TestDtypeConversion(t *testing.T) {
	// Integer cast-back truncates toward zero.
	buf, err := Int16.FromFloat64([]float64{1.9, -1.9, 3.5})
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}
	vals, err := Int16.ToFloat64(buf)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	want := []float64{1, -1, 3}
	for i := range want {
		if vals[i] != want[i] {
			t.Fatalf("Element %d: got %v, want %v", i, vals[i], want[i])
		}
	}

	if _, err := ParseDtype("<c16"); err == nil {
		t.Fatal("Expected an error for an unsupported dtype string")
	}
	if dt, err := ParseDtype("|u1"); err != nil || dt != Uint8 {
		t.Fatalf("ParseDtype(|u1): got %v, %v", dt, err)
	}
}
