// Package zarr implements a Zarr v2 directory store: a group of chunked
// N-dimensional arrays with rectangular-region reads and writes, JSON
// metadata documents and a closed set of chunk codecs. Chunk keys use the
// "/" dimension separator, so chunk coordinates become nested directories.
package zarr

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Group is the root of a Zarr hierarchy on the local filesystem.
type Group struct {
	path string
}

// Create makes a fresh group at path, removing anything already there.
// Partial stores from aborted runs are never resumed; conversion always
// starts from an empty group.
func Create(path string) (*Group, error) {
	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("group %q: %w", path, err)
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("group %q: %w", path, err)
	}
	doc, _ := json.Marshal(map[string]int{"zarr_format": 2})
	if err := os.WriteFile(filepath.Join(path, ".zgroup"), doc, 0644); err != nil {
		return nil, fmt.Errorf("group %q: write .zgroup: %w", path, err)
	}
	return &Group{path: path}, nil
}

// Open opens an existing group.
func Open(path string) (*Group, error) {
	if _, err := os.Stat(filepath.Join(path, ".zgroup")); err != nil {
		return nil, fmt.Errorf("group %q: not a zarr group: %w", path, err)
	}
	return &Group{path: path}, nil
}

// Path returns the group's directory.
func (g *Group) Path() string { return g.path }

// SetAttributes writes the group's .zattrs document.
func (g *Group) SetAttributes(attrs any) error {
	data, err := json.MarshalIndent(attrs, "", "    ")
	if err != nil {
		return fmt.Errorf("group %q: marshal .zattrs: %w", g.path, err)
	}
	if err := os.WriteFile(filepath.Join(g.path, ".zattrs"), data, 0644); err != nil {
		return fmt.Errorf("group %q: write .zattrs: %w", g.path, err)
	}
	return nil
}

// CreateArray declares a new array in the group and persists its metadata.
// The shape is fixed at creation.
func (g *Group) CreateArray(name string, opt ArrayOptions) (*Array, error) {
	a, err := newArray(g.path, name, opt)
	if err != nil {
		return nil, err
	}
	if err := a.writeMetadata(); err != nil {
		return nil, err
	}
	return a, nil
}

// OpenArray opens an existing array by name.
func (g *Group) OpenArray(name string) (*Array, error) {
	return openArray(g.path, name)
}

// HasArray reports whether an array with the given name exists.
func (g *Group) HasArray(name string) bool {
	_, err := os.Stat(filepath.Join(g.path, name, ".zarray"))
	return err == nil
}
