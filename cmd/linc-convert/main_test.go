package main

import (
	"testing"

	"github.com/kabilar/linc-convert/pkg/multiscale"
	"github.com/kabilar/linc-convert/pkg/reduce"
)

func TestDefaultOutput(t *testing.T) {
	if got := defaultOutput("sample.npy", false); got != "sample.ome.zarr" {
		t.Fatalf("defaultOutput: got %q, want sample.ome.zarr", got)
	}
	if got := defaultOutput("sample.npy", true); got != "sample.nii.zarr" {
		t.Fatalf("defaultOutput: got %q, want sample.nii.zarr", got)
	}
}

func TestVolumeAxes(t *testing.T) {
	axes := volumeAxes(false)
	if len(axes) != 3 {
		t.Fatalf("Got %d axes, want 3", len(axes))
	}
	for i, name := range []string{"z", "y", "x"} {
		if axes[i].Name != name || axes[i].Type != multiscale.Space {
			t.Fatalf("Axis %d: got %+v, want space axis %q", i, axes[i], name)
		}
	}

	// A stack of volumes is a series, not a color channel: the leading
	// axis is named "s".
	axes = volumeAxes(true)
	if len(axes) != 4 {
		t.Fatalf("Got %d axes, want 4", len(axes))
	}
	if axes[0].Name != "s" {
		t.Fatalf("Series axis name: got %q, want s", axes[0].Name)
	}
	if axes[0].Type == multiscale.Space {
		t.Fatal("Series axis must not be a space axis")
	}
	if axes[1].Name != "z" {
		t.Fatalf("First spatial axis: got %q, want z", axes[1].Name)
	}
}

func TestWindowType(t *testing.T) {
	if got := windowType(-1, reduce.Mean); got != "2x2x2 mean window" {
		t.Fatalf("windowType: got %q", got)
	}
	if got := windowType(0, reduce.Median); got != "2x2 median window" {
		t.Fatalf("windowType: got %q", got)
	}
}

func TestParsePairTriple(t *testing.T) {
	dx, dy, err := parsePair("0.5, 2")
	if err != nil || dx != 0.5 || dy != 2 {
		t.Fatalf("parsePair: got (%v, %v), %v", dx, dy, err)
	}
	if _, _, err := parsePair("1"); err == nil {
		t.Fatal("Expected an error for a single value")
	}

	vx, err := parseTriple("1, 2, 3")
	if err != nil || vx[0] != 1 || vx[1] != 2 || vx[2] != 3 {
		t.Fatalf("parseTriple: got %v, %v", vx, err)
	}
	if _, err := parseTriple("1,2"); err == nil {
		t.Fatal("Expected an error for two values")
	}
}
