// Package manifest handles dynamic-plugins.yaml parsing, including the
// resolution of `includes` files into a single ordered plugin list.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/containerd/errdefs"
	"gopkg.in/yaml.v3"

	"github.com/portalforge/plugctl/internal/log"
)

// PullPolicy controls when a plugin is re-downloaded.
type PullPolicy string

const (
	// PullIfNotPresent downloads only when the plugin is not already installed.
	PullIfNotPresent PullPolicy = "IfNotPresent"
	// PullAlways checks for updates on every run.
	PullAlways PullPolicy = "Always"
)

// Entry is one plugin declaration after defaults and include overrides have
// been applied. Identity is the Package field; entries are immutable once
// loaded for a given run.
type Entry struct {
	// Package is an npm package name, a "./" local path, or an
	// "oci://image!path" reference.
	Package string
	// Version is a semver version or range; "latest" when unspecified.
	// Only meaningful for npm packages.
	Version string
	// Integrity is an "<algo>-<base64>" subresource-integrity string.
	Integrity string
	// Disabled excludes the entry from installation and config merging.
	Disabled bool
	// PullPolicy is empty when unset; the resolver applies the kind-specific
	// default (OCI ":latest" references default to Always).
	PullPolicy PullPolicy
	// ForceDownload re-fetches even when the installed copy looks current.
	ForceDownload bool
	// PluginConfig is the fragment merged into the global app config.
	PluginConfig map[string]any
}

// Manifest is the ordered plugin list. Order fixes config-merge precedence:
// later entries win on key collisions.
type Manifest struct {
	Entries []Entry
	// Empty records that the manifest document declared nothing at all (no
	// includes, no plugins key). The installer treats this like an absent
	// file and writes an empty merged config instead of the seeded document.
	Empty bool
}

// entrySpec is the YAML shape of a plugin declaration. Optional fields are
// pointers so include overrides can distinguish "unset" from zero values.
type entrySpec struct {
	Package       string         `yaml:"package"`
	Version       *string        `yaml:"version"`
	Integrity     *string        `yaml:"integrity"`
	Disabled      *bool          `yaml:"disabled"`
	PullPolicy    *string        `yaml:"pullPolicy"`
	ForceDownload *bool          `yaml:"forceDownload"`
	PluginConfig  map[string]any `yaml:"pluginConfig"`
}

type manifestFile struct {
	Includes []string    `yaml:"includes"`
	Plugins  []entrySpec `yaml:"plugins"`
}

// Load reads the manifest at path and resolves its includes. Include files
// are loaded first, in order; entries in the main plugins list then override
// same-package entries field by field. A missing manifest file returns an
// error satisfying errdefs.IsNotFound, which callers treat as "zero plugins".
// Malformed content is fatal and satisfies errdefs.IsInvalidArgument.
func Load(path string) (*Manifest, error) {
	content, err := parseFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: manifest %s", errdefs.ErrNotFound, path)
		}
		return nil, err
	}

	// Package identifier -> position in order, so overrides keep the
	// precedence slot of the first appearance.
	index := make(map[string]int)
	var specs []entrySpec

	add := func(spec entrySpec, source string) error {
		if spec.Package == "" {
			return fmt.Errorf("%w: %s: plugins entry is missing the package field", errdefs.ErrInvalidArgument, source)
		}
		if i, ok := index[spec.Package]; ok {
			log.Debug("overriding plugin declaration", "package", spec.Package, "source", source)
			specs[i] = override(specs[i], spec)
			return nil
		}
		index[spec.Package] = len(specs)
		specs = append(specs, spec)
		return nil
	}

	baseDir := filepath.Dir(path)
	for _, include := range content.Includes {
		includePath := include
		if !filepath.IsAbs(includePath) {
			includePath = filepath.Join(baseDir, includePath)
		}
		included, err := parseFile(includePath)
		if err != nil {
			if os.IsNotExist(err) {
				log.Warn("include file does not exist, skipping", "include", include)
				continue
			}
			return nil, err
		}
		for _, spec := range included.Plugins {
			if err := add(spec, include); err != nil {
				return nil, err
			}
		}
	}

	for _, spec := range content.Plugins {
		if err := add(spec, path); err != nil {
			return nil, err
		}
	}

	m := &Manifest{
		Entries: make([]Entry, 0, len(specs)),
		Empty:   content.Includes == nil && content.Plugins == nil,
	}
	for _, spec := range specs {
		entry, err := spec.resolve()
		if err != nil {
			return nil, err
		}
		m.Entries = append(m.Entries, entry)
	}
	return m, nil
}

// Enabled returns the entries that are not disabled, in manifest order.
func (m *Manifest) Enabled() []Entry {
	var enabled []Entry
	for _, e := range m.Entries {
		if !e.Disabled {
			enabled = append(enabled, e)
		}
	}
	return enabled
}

func parseFile(path string) (*manifestFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var content manifestFile
	if err := yaml.Unmarshal(data, &content); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", errdefs.ErrInvalidArgument, path, err)
	}
	return &content, nil
}

// override replaces every field of base that is present in over, except the
// package identifier itself.
func override(base, over entrySpec) entrySpec {
	if over.Version != nil {
		base.Version = over.Version
	}
	if over.Integrity != nil {
		base.Integrity = over.Integrity
	}
	if over.Disabled != nil {
		base.Disabled = over.Disabled
	}
	if over.PullPolicy != nil {
		base.PullPolicy = over.PullPolicy
	}
	if over.ForceDownload != nil {
		base.ForceDownload = over.ForceDownload
	}
	if over.PluginConfig != nil {
		base.PluginConfig = over.PluginConfig
	}
	return base
}

func (s entrySpec) resolve() (Entry, error) {
	entry := Entry{
		Package:      s.Package,
		Version:      "latest",
		PluginConfig: s.PluginConfig,
	}
	if s.Version != nil && *s.Version != "" {
		entry.Version = *s.Version
	}
	if s.Integrity != nil {
		entry.Integrity = *s.Integrity
	}
	if s.Disabled != nil {
		entry.Disabled = *s.Disabled
	}
	if s.ForceDownload != nil {
		entry.ForceDownload = *s.ForceDownload
	}
	if s.PullPolicy != nil {
		switch PullPolicy(*s.PullPolicy) {
		case PullIfNotPresent, PullAlways:
			entry.PullPolicy = PullPolicy(*s.PullPolicy)
		default:
			return Entry{}, fmt.Errorf("%w: package %s: invalid pullPolicy %q (must be %s or %s)",
				errdefs.ErrInvalidArgument, s.Package, *s.PullPolicy, PullIfNotPresent, PullAlways)
		}
	}
	return entry, nil
}
