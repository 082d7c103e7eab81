package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/dustin/go-humanize"

	"github.com/kabilar/linc-convert/internal/models"
	"github.com/kabilar/linc-convert/pkg/compose"
	"github.com/kabilar/linc-convert/pkg/config"
	"github.com/kabilar/linc-convert/pkg/multiscale"
	"github.com/kabilar/linc-convert/pkg/nifti"
	"github.com/kabilar/linc-convert/pkg/npy"
	"github.com/kabilar/linc-convert/pkg/reduce"
	"github.com/kabilar/linc-convert/pkg/sidecar"
	"github.com/kabilar/linc-convert/pkg/zarr"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "multislice":
		runMultiSlice(os.Args[2:])
	case "volume":
		runVolume(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  linc-convert multislice [flags] slice1.npy slice2.npy ...")
	fmt.Fprintln(os.Stderr, "  linc-convert volume [flags] volume1.npy [volume2.npy ...]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Converts slice or volume datasets into an OME-Zarr (or NIfTI-Zarr) pyramid.")
}

// progressPrinter returns a callback printing sub-tile progress on one line.
func progressPrinter() models.ProgressFunc {
	var written atomic.Int64
	return func(ev models.ProgressEvent) {
		total := written.Add(ev.Bytes)
		fmt.Printf("\r%s level %d: tile %d/%d (%s written)   ",
			ev.Stage, ev.Level, ev.Tile+1, ev.TileCount, humanize.Bytes(uint64(total)))
	}
}

// defaultOutput derives the store path from the first input.
func defaultOutput(input string, nii bool) string {
	base := strings.TrimSuffix(input, ".npy")
	if nii {
		return base + ".nii.zarr"
	}
	return base + ".ome.zarr"
}

func runMultiSlice(args []string) {
	fs := flag.NewFlagSet("multislice", flag.ExitOnError)
	out := fs.String("out", "", "Output store path [<first input>.ome.zarr]")
	configPath := fs.String("config", "", "Path to a YAML configuration file")
	chunk := fs.Int("chunk", 1024, "Output chunk size along the in-plane axes")
	compressor := fs.String("compressor", "zstd", "Chunk codec: raw, zlib or zstd")
	level := fs.Int("compression-level", 0, "Codec level (0 selects the default)")
	maxLoad := fs.Int("max-load", 16384, "Maximum sub-tile extent per axis")
	workers := fs.Int("workers", 0, "Concurrent sub-tile copies (0: from config)")
	nii := fs.Bool("nii", false, "Embed a NIfTI header (implied by a .nii.zarr output path)")
	orientation := fs.String("orientation", "coronal", "Anatomical orientation code or alias")
	center := fs.Bool("center", true, "Map the field-of-view center to physical (0, 0, 0)")
	pixelSize := fs.String("pixel-size", "1,1", "In-plane pixel size as dx,dy in micrometers")
	thickness := fs.Float64("thickness", 1, "Slice thickness in micrometers")
	fs.Parse(args)

	inputs := fs.Args()
	if len(inputs) == 0 {
		fs.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *workers == 0 {
		*workers = cfg.Processing.Workers
	}

	comp, err := zarr.ParseCompressor(*compressor, *level)
	if err != nil {
		log.Fatalf("Invalid compressor: %v", err)
	}
	dx, dy, err := parsePair(*pixelSize)
	if err != nil {
		log.Fatalf("Invalid pixel size: %v", err)
	}

	outPath := *out
	if outPath == "" {
		outPath = defaultOutput(inputs[0], *nii)
	}
	useNii := *nii || strings.HasSuffix(outPath, ".nii.zarr")

	fmt.Println("================================")
	fmt.Println("MULTI-SLICE TO ZARR PYRAMID CONVERSION")
	fmt.Println("================================")

	// Step 1: open the input slices.
	fmt.Printf("Step 1: Opening %d input slices...\n", len(inputs))
	sources := make([]models.LeveledImageSource, 0, len(inputs))
	for _, input := range inputs {
		src, err := npy.OpenSlice(input, dx, dy)
		if err != nil {
			log.Fatalf("Failed to open slice: %v", err)
		}
		defer src.Close()
		sources = append(sources, src)
	}

	// Step 2: composite the slices into the store, level by level.
	fmt.Println("Step 2: Compositing slices...")
	group, err := zarr.Create(outPath)
	if err != nil {
		log.Fatalf("Failed to create store: %v", err)
	}
	result, err := compose.MultiSlice(group, sources, compose.MultiSliceOptions{
		Chunk:      *chunk,
		Compressor: comp,
		MaxLoad:    *maxLoad,
		Workers:    *workers,
		Progress:   progressPrinter(),
	})
	if err != nil {
		log.Fatalf("Compositing failed: %v", err)
	}
	fmt.Println()

	// Step 3: write the multiscale metadata.
	fmt.Println("Step 3: Writing multiscale metadata...")
	axes := []multiscale.Axis{
		{Name: "z", Type: multiscale.Space, Unit: "micrometer"},
		{Name: "y", Type: multiscale.Space, Unit: "micrometer"},
		{Name: "x", Type: multiscale.Space, Unit: "micrometer"},
	}
	scale := []float64{*thickness, dy, dx}
	align := []multiscale.Alignment{
		{Kind: multiscale.AlignGeometric, Factor: 1},
		{Kind: multiscale.AlignWindow, Factor: 2},
		{Kind: multiscale.AlignWindow, Factor: 2},
	}
	if result.Channels > 0 {
		axes = append([]multiscale.Axis{{Name: "c", Type: multiscale.Channel}}, axes...)
	}
	err = multiscale.Write(group, result.LevelShapes, multiscale.Params{
		Axes:  axes,
		Scale: scale,
		Align: align,
		Type:  "2x2 window",
	})
	if err != nil {
		log.Fatalf("Failed to write metadata: %v", err)
	}

	// Step 4: embed the NIfTI header and write the sidecar.
	if useNii {
		fmt.Println("Step 4: Embedding NIfTI header...")
		if err := embedHeader(group, result.LevelShapes[0], result.Channels, result.Dtype,
			*orientation, *center, 2, []float64{dx, dy, *thickness}, cfg.Output.Unit); err != nil {
			log.Fatalf("Failed to embed header: %v", err)
		}
	}

	acq := models.Acquisition{
		PixelSize:           []float64{dx, dy},
		PixelSizeUnits:      "um",
		SliceThickness:      *thickness,
		SliceThicknessUnits: "um",
		SampleStaining:      cfg.Acquisition.SampleStaining,
	}
	if err := sidecar.Write(sidecar.PathFor(outPath), acq); err != nil {
		log.Printf("Warning: failed to write sidecar: %v", err)
	}

	fmt.Printf("Conversion completed: %s\n", outPath)
}

func runVolume(args []string) {
	fs := flag.NewFlagSet("volume", flag.ExitOnError)
	out := fs.String("out", "", "Output store path [<first input>.ome.zarr]")
	configPath := fs.String("config", "", "Path to a YAML configuration file")
	key := fs.String("key", "", "Array key to extract (default: first key found)")
	chunk := fs.Int("chunk", 128, "Output chunk size per spatial axis")
	compressor := fs.String("compressor", "zstd", "Chunk codec: raw, zlib or zstd")
	level := fs.Int("compression-level", 0, "Codec level (0 selects the default)")
	maxLoad := fs.Int("max-load", 128, "Maximum sub-tile extent per axis")
	maxLevels := fs.Int("max-levels", 5, "Maximum number of pyramid levels")
	noPool := fs.Int("no-pool", -1, "Spatial axis index excluded from pooling (-1: none)")
	mode := fs.String("mode", "mean", "Windowed reduction: mean or median")
	workers := fs.Int("workers", 0, "Concurrent sub-tile operations (0: from config)")
	nii := fs.Bool("nii", false, "Embed a NIfTI header (implied by a .nii.zarr output path)")
	orientation := fs.String("orientation", "RAS", "Anatomical orientation code or alias")
	center := fs.Bool("center", true, "Map the field-of-view center to physical (0, 0, 0)")
	voxelSize := fs.String("voxel-size", "1,1,1", "Voxel size as dz,dy,dx in micrometers")
	fs.Parse(args)

	inputs := fs.Args()
	if len(inputs) == 0 {
		fs.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *workers == 0 {
		*workers = cfg.Processing.Workers
	}

	comp, err := zarr.ParseCompressor(*compressor, *level)
	if err != nil {
		log.Fatalf("Invalid compressor: %v", err)
	}
	redMode, err := reduce.ParseMode(*mode)
	if err != nil {
		log.Fatalf("Invalid mode: %v", err)
	}
	vx, err := parseTriple(*voxelSize)
	if err != nil {
		log.Fatalf("Invalid voxel size: %v", err)
	}

	outPath := *out
	if outPath == "" {
		outPath = defaultOutput(inputs[0], *nii)
	}
	useNii := *nii || strings.HasSuffix(outPath, ".nii.zarr")

	fmt.Println("================================")
	fmt.Println("VOLUME TO ZARR PYRAMID CONVERSION")
	fmt.Println("================================")

	// Step 1: open the input containers, resolving the array key per file.
	fmt.Printf("Step 1: Opening %d input volumes...\n", len(inputs))
	vols, warnings, closeVols, err := npy.OpenVolumes(inputs, *key)
	if err != nil {
		log.Fatalf("Failed to open volume: %v", err)
	}
	defer closeVols()
	for _, warning := range warnings {
		fmt.Printf("Warning: %s\n", warning)
	}

	// Step 2: write level 0 and generate the pyramid.
	fmt.Println("Step 2: Writing level 0 and generating pyramid...")
	group, err := zarr.Create(outPath)
	if err != nil {
		log.Fatalf("Failed to create store: %v", err)
	}
	result, err := compose.Volume(group, vols, compose.VolumeOptions{
		Chunk:      *chunk,
		Compressor: comp,
		MaxLoad:    *maxLoad,
		MaxLevels:  *maxLevels,
		NoPool:     *noPool,
		Mode:       redMode,
		Workers:    *workers,
		Progress:   progressPrinter(),
	})
	if err != nil {
		log.Fatalf("Conversion failed: %v", err)
	}
	fmt.Println()

	// Step 3: write the multiscale metadata.
	fmt.Println("Step 3: Writing multiscale metadata...")
	align := make([]multiscale.Alignment, 3)
	for i := range align {
		if i == *noPool {
			align[i] = multiscale.Alignment{Kind: multiscale.AlignGeometric, Factor: 1}
		} else {
			align[i] = multiscale.Alignment{Kind: multiscale.AlignWindow, Factor: 2}
		}
	}
	stacked := len(vols) > 1
	err = multiscale.Write(group, result.LevelShapes, multiscale.Params{
		Axes:  volumeAxes(stacked),
		Scale: vx,
		Align: align,
		Type:  windowType(*noPool, redMode),
	})
	if err != nil {
		log.Fatalf("Failed to write metadata: %v", err)
	}

	// Step 4: embed the NIfTI header and write the sidecar.
	if useNii {
		fmt.Println("Step 4: Embedding NIfTI header...")
		channels := 0
		if stacked {
			channels = len(vols)
		}
		if err := embedHeader(group, result.LevelShapes[0], channels, result.Dtype,
			*orientation, *center, 3, []float64{vx[2], vx[1], vx[0]}, cfg.Output.Unit); err != nil {
			log.Fatalf("Failed to embed header: %v", err)
		}
	}

	acq := models.Acquisition{
		PixelSize:           []float64{vx[2], vx[1], vx[0]},
		PixelSizeUnits:      "um",
		SampleStaining:      cfg.Acquisition.SampleStaining,
		SliceThickness:      cfg.Acquisition.SliceThickness,
		SliceThicknessUnits: cfg.Acquisition.SliceThicknessUnits,
	}
	if err := sidecar.Write(sidecar.PathFor(outPath), acq); err != nil {
		log.Printf("Warning: failed to write sidecar: %v", err)
	}

	fmt.Printf("Conversion completed: %s\n", outPath)
}

// volumeAxes returns the storage-order axes of a volume store. Stacked
// volumes carry a leading series axis, named "s" to distinguish it from a
// color channel axis.
func volumeAxes(stacked bool) []multiscale.Axis {
	axes := []multiscale.Axis{
		{Name: "z", Type: multiscale.Space, Unit: "micrometer"},
		{Name: "y", Type: multiscale.Space, Unit: "micrometer"},
		{Name: "x", Type: multiscale.Space, Unit: "micrometer"},
	}
	if stacked {
		axes = append([]multiscale.Axis{{Name: "s", Type: multiscale.Channel}}, axes...)
	}
	return axes
}

// embedHeader derives the orientation affine and writes the binary header
// entry. Shape is the level-0 store shape; the header carries it reordered
// to imaging convention (x, y, z, [t], [c]).
func embedHeader(group *zarr.Group, storeShape []int, channels int, dtype zarr.Dtype,
	orientation string, center bool, centerDims int, voxel []float64, unit string) error {
	imaging := make([]int, 0, 5)
	for i := len(storeShape) - 1; i >= 0; i-- {
		imaging = append(imaging, storeShape[i])
	}
	if channels > 0 {
		// Trailing channel axis becomes dim 5; dim 4 (time) is 1.
		spatial := imaging[:len(imaging)-1]
		imaging = append(append(append([]int(nil), spatial...), 1), channels)
	}

	affine, err := multiscale.OrientationToAffine(orientation, voxel...)
	if err != nil {
		return err
	}
	if center {
		if centerDims > len(imaging) {
			centerDims = len(imaging)
		}
		multiscale.CenterAffine(affine, imaging[:centerDims])
	}

	spaceUnit, err := nifti.ParseUnit(unit)
	if err != nil {
		return err
	}
	return nifti.Embed(group, nifti.Header{
		Shape:     imaging,
		Dtype:     dtype,
		Affine:    affine,
		SpaceUnit: spaceUnit,
		TimeUnit:  nifti.UnitSec,
	})
}

func windowType(noPool int, mode reduce.Mode) string {
	dims := "2x2x2"
	if noPool >= 0 {
		dims = "2x2"
	}
	return fmt.Sprintf("%s %s window", dims, mode)
}

func parsePair(s string) (float64, float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("want two comma-separated values, got %q", s)
	}
	a, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, err
	}
	b, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

func parseTriple(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return nil, fmt.Errorf("want three comma-separated values, got %q", s)
	}
	out := make([]float64, 3)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
