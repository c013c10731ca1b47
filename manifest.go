// manifest.go: Plugin archive format and manifest decoding
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"archive/zip"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	// ArchiveExtension is the file extension of plugin archives.
	ArchiveExtension = ".pkg"

	// ManifestEntry is the zip entry holding the archive manifest.
	ManifestEntry = "manifest.yaml"

	maxManifestSize = 1 << 20
)

// ArchiveManifest describes what a plugin archive contributes to its namespace.
//
// Example manifest.yaml:
//
//	name: flowcontrol
//	version: 1.2.0
//	configs:
//	  - type: flowcontrol.config
//	    shared: false
//	interceptors:
//	  - target: "http.client.*"
//	    interceptor: flowcontrol.retry
//	services:
//	  - flowcontrol.rule-sync
type ArchiveManifest struct {
	Name         string                   `json:"name" yaml:"name"`
	Version      string                   `json:"version,omitempty" yaml:"version,omitempty"`
	Configs      []ConfigDeclaration      `json:"configs,omitempty" yaml:"configs,omitempty"`
	Interceptors []InterceptorDeclaration `json:"interceptors,omitempty" yaml:"interceptors,omitempty"`
	Services     []string                 `json:"services,omitempty" yaml:"services,omitempty"`
}

// ConfigDeclaration declares a configuration type used by the plugin.
// Shared types belong to the base namespace and are keyed without a namespace suffix.
type ConfigDeclaration struct {
	Type   string `json:"type" yaml:"type"`
	Shared bool   `json:"shared,omitempty" yaml:"shared,omitempty"`
}

// InterceptorDeclaration binds an interceptor type to every interception point
// whose name matches Target (path.Match glob syntax).
type InterceptorDeclaration struct {
	Target      string `json:"target" yaml:"target"`
	Interceptor string `json:"interceptor" yaml:"interceptor"`
}

// Archive is an opened plugin archive. Entries other than the manifest are
// exposed as resources of the namespace the archive is appended to.
type Archive struct {
	path        string
	manifest    ArchiveManifest
	hasManifest bool

	mu      sync.Mutex
	reader  *zip.ReadCloser
	entries map[string]*zip.File
	closed  bool
}

// OpenArchive opens the archive at path and decodes its manifest if present.
// The archive stays open until Close.
func OpenArchive(path string) (*Archive, error) {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}

	archive := &Archive{
		path:    path,
		reader:  reader,
		entries: make(map[string]*zip.File, len(reader.File)),
	}
	for _, f := range reader.File {
		if f.FileInfo().IsDir() {
			continue
		}
		archive.entries[f.Name] = f
	}

	manifest, found, err := decodeManifest(&reader.Reader)
	if err != nil {
		_ = reader.Close()
		return nil, NewInvalidArchiveManifestError(path, err)
	}
	archive.manifest = manifest
	archive.hasManifest = found
	return archive, nil
}

// ReadArchiveManifest reads only the manifest of the archive at path.
// An archive without manifest yields a zero manifest and found=false.
func ReadArchiveManifest(path string) (ArchiveManifest, bool, error) {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return ArchiveManifest{}, false, err
	}
	defer func() { _ = reader.Close() }()

	manifest, found, err := decodeManifest(&reader.Reader)
	if err != nil {
		return ArchiveManifest{}, false, NewInvalidArchiveManifestError(path, err)
	}
	return manifest, found, nil
}

func decodeManifest(reader *zip.Reader) (ArchiveManifest, bool, error) {
	var manifest ArchiveManifest
	for _, f := range reader.File {
		if f.Name != ManifestEntry {
			continue
		}
		if f.UncompressedSize64 > maxManifestSize {
			return manifest, true, fmt.Errorf("manifest exceeds %d bytes", maxManifestSize)
		}
		rc, err := f.Open()
		if err != nil {
			return manifest, true, err
		}
		data, err := io.ReadAll(io.LimitReader(rc, maxManifestSize))
		_ = rc.Close()
		if err != nil {
			return manifest, true, err
		}
		if err := yaml.Unmarshal(data, &manifest); err != nil {
			return manifest, true, err
		}
		manifest.Name = strings.TrimSpace(manifest.Name)
		manifest.Version = strings.TrimSpace(manifest.Version)
		return manifest, true, nil
	}
	return manifest, false, nil
}

// Path returns the archive file path.
func (a *Archive) Path() string {
	return a.path
}

// Manifest returns the decoded manifest and whether the archive carried one.
func (a *Archive) Manifest() (ArchiveManifest, bool) {
	return a.manifest, a.hasManifest
}

// HasResource reports whether the archive holds the named entry.
func (a *Archive) HasResource(name string) bool {
	if name == ManifestEntry {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	_, ok := a.entries[name]
	return ok
}

// ReadResource returns the content of the named entry.
func (a *Archive) ReadResource(name string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, fmt.Errorf("archive %s is closed", a.path)
	}
	f, ok := a.entries[name]
	if !ok || name == ManifestEntry {
		return nil, fmt.Errorf("resource %q not found in %s", name, a.path)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}

// Resources lists the resource entries in lexical order.
func (a *Archive) Resources() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.entries))
	for name := range a.entries {
		if name != ManifestEntry {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// Close releases the underlying file. Calling Close twice is a no-op.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	return a.reader.Close()
}
