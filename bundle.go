// bundle.go: Plugin bundle resolution inside the plugin package directory
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/agilira/go-errors"
)

// Bundle directory layout, relative to <root>/<real name>.
const (
	PluginArchiveDir  = "plugin"
	ServiceArchiveDir = "service"
	ConfigDir         = "config"
	ConfigFileName    = "config.yaml"

	// CopySeparator separates a plugin name from its copy index ("foo#2").
	CopySeparator = "#"
)

// Bundle is the on-disk shape of one plugin in the plugin package.
type Bundle struct {
	// Name is the registry name as requested, possibly with a copy suffix.
	Name string
	// RealName is Name with the copy suffix removed.
	RealName string
	// Dir is <root>/<RealName>.
	Dir string
	// PluginArchives are the primary archives, ordered by file name.
	PluginArchives []string
	// ServiceArchives are the secondary archives, ordered by file name.
	ServiceArchives []string
	// ConfigFile is the plugin configuration path. It may not exist.
	ConfigFile string
}

// HasConfigFile reports whether the bundle ships a configuration file.
func (b *Bundle) HasConfigFile() bool {
	info, err := os.Stat(b.ConfigFile)
	return err == nil && !info.IsDir()
}

// RealPluginName strips the copy suffix: RealPluginName("foo#2") == "foo".
func RealPluginName(name string) string {
	if idx := strings.Index(name, CopySeparator); idx >= 0 {
		return name[:idx]
	}
	return name
}

// ValidatePluginName rejects names that cannot safely address a bundle directory.
func ValidatePluginName(name string) error {
	realName := RealPluginName(strings.TrimSpace(name))
	if realName == "" || realName == "." {
		return NewInvalidPluginNameError(name)
	}
	if strings.Contains(realName, "..") || strings.ContainsAny(realName, `/\`) {
		return NewInvalidPluginNameError(name).
			WithContext("invalid_characters", "path_separators")
	}
	for _, r := range name {
		if r < 32 || r == 127 {
			return NewInvalidPluginNameError(name).
				WithContext("control_character_code", r)
		}
	}
	return nil
}

// BundleResolver maps plugin names to bundles under a package root.
type BundleResolver struct {
	logger Logger
}

// NewBundleResolver creates a resolver. A nil logger is replaced by a no-op one.
func NewBundleResolver(logger Logger) *BundleResolver {
	if logger == nil {
		logger = DefaultLogger()
	}
	return &BundleResolver{logger: logger}
}

// Resolve locates the bundle of name under root. A missing plugin directory
// yields a BundleNotFoundError; the caller skips that plugin and continues.
func (r *BundleResolver) Resolve(root, name string) (*Bundle, error) {
	if err := ValidatePluginName(name); err != nil {
		return nil, err
	}

	realName := RealPluginName(name)
	dir := filepath.Join(root, realName)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, NewBundleNotFoundError(name, dir)
	}

	pluginArchives, err := listArchives(filepath.Join(dir, PluginArchiveDir))
	if err != nil {
		return nil, errors.Wrap(err, ErrCodeBundleNotFound, "Cannot list plugin archives").
			WithContext("plugin_name", name).
			WithContext("plugin_path", dir)
	}
	serviceArchives, err := listArchives(filepath.Join(dir, ServiceArchiveDir))
	if err != nil {
		return nil, errors.Wrap(err, ErrCodeBundleNotFound, "Cannot list service archives").
			WithContext("plugin_name", name).
			WithContext("plugin_path", dir)
	}

	if len(pluginArchives) == 0 {
		r.logger.Debug("Plugin bundle has no primary archives", "plugin", name, "path", dir)
	}

	return &Bundle{
		Name:            name,
		RealName:        realName,
		Dir:             dir,
		PluginArchives:  pluginArchives,
		ServiceArchives: serviceArchives,
		ConfigFile:      filepath.Join(dir, ConfigDir, ConfigFileName),
	}, nil
}

// listArchives returns the *.pkg files of dir sorted by file name.
// A missing directory is an empty list.
func listArchives(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ArchiveExtension) {
			continue
		}
		names = append(names, entry.Name())
	}
	slices.Sort(names)

	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(dir, n)
	}
	return paths, nil
}
