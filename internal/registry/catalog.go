package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Catalog is the on-disk form of the capability catalog: descriptors only.
// Handlers are bound by import path from the builtin table, so a catalog
// file can re-describe or re-version a capability but can never introduce
// code the binary does not already contain.
type Catalog struct {
	Version      string       `yaml:"version"`
	Capabilities []Descriptor `yaml:"capabilities"`
}

// LoadCatalog reads a YAML catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog %s: %w", path, err)
	}
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parsing catalog %s: %w", path, err)
	}
	for i, d := range cat.Capabilities {
		if d.ImportPath == "" {
			return nil, fmt.Errorf("catalog %s: capability %d has no import_path", path, i)
		}
	}
	return &cat, nil
}

// Build assembles a frozen registry. When catalogPath is non-empty, its
// descriptors replace the builtin ones for matching import paths; catalog
// entries without a builtin handler are rejected (closed resolver).
func Build(catalogPath string) (*Registry, error) {
	descs := builtinDescriptors()

	if catalogPath != "" {
		cat, err := LoadCatalog(catalogPath)
		if err != nil {
			return nil, err
		}
		byPath := make(map[string]Descriptor, len(descs))
		for _, d := range descs {
			byPath[d.ImportPath] = d
		}
		for _, d := range cat.Capabilities {
			if _, ok := byPath[d.ImportPath]; !ok {
				return nil, fmt.Errorf("catalog capability %q has no compiled-in handler", d.ImportPath)
			}
			byPath[d.ImportPath] = d
		}
		descs = descs[:0]
		for _, d := range byPath {
			descs = append(descs, d)
		}
	}

	r := New()
	for _, d := range descs {
		handler, ok := builtinHandlers[d.ImportPath]
		if !ok {
			return nil, fmt.Errorf("no handler bound for capability %q", d.ImportPath)
		}
		if err := r.Register(d, handler); err != nil {
			return nil, err
		}
	}
	r.Freeze()
	return r, nil
}
