package sidecar

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/kabilar/linc-convert/internal/models"
)

func TestPathFor(t *testing.T) {
	cases := map[string]string{
		"/data/sample.ome.zarr": "/data/sample.json",
		"/data/sample.nii.zarr": "/data/sample.json",
		"/data/sample.zarr":     "/data/sample.json",
		"/data/sample":          "/data/sample.json",
	}
	for in, want := range cases {
		if got := PathFor(in); got != want {
			t.Fatalf("PathFor(%q): got %q, want %q", in, got, want)
		}
	}
}

func TestWrite(t *testing.T) {
	dir, err := os.MkdirTemp("", "linc-convert-sidecar-*")
	if err != nil {
		t.Fatalf("Failed to create temporary directory: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "sample.json")

	acq := models.Acquisition{
		PixelSize:      []float64{1.5, 1.5},
		PixelSizeUnits: "um",
		SliceThickness: 1.2,
	}
	if err := Write(path, acq); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read sidecar: %v", err)
	}
	if data[len(data)-1] != '\n' {
		t.Fatal("Sidecar does not end with a newline")
	}

	var got models.Acquisition
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Sidecar is not valid JSON: %v", err)
	}
	if got.SliceThickness != 1.2 || got.PixelSizeUnits != "um" {
		t.Fatalf("Round trip mismatch: %+v", got)
	}
}
