// Package sidecar writes the informational JSON descriptor accompanying a
// converted store. It is best-effort output: nothing in the conversion
// pipeline reads it back.
package sidecar

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/kabilar/linc-convert/internal/models"
)

// PathFor derives the sidecar path from the store path by swapping the
// ".ome.zarr" / ".nii.zarr" suffix for ".json".
func PathFor(storePath string) string {
	for _, suffix := range []string{".ome.zarr", ".nii.zarr", ".zarr"} {
		if strings.HasSuffix(storePath, suffix) {
			return strings.TrimSuffix(storePath, suffix) + ".json"
		}
	}
	return storePath + ".json"
}

// Write serializes the acquisition record next to the store.
func Write(path string, acq models.Acquisition) error {
	data, err := json.MarshalIndent(acq, "", "    ")
	if err != nil {
		return fmt.Errorf("sidecar: marshal: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("sidecar: write %q: %w", path, err)
	}
	return nil
}
