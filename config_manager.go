// config_manager.go: Plugin configuration registry with namespace-scoped keys
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"fmt"
	"slices"
	"strings"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// PluginConfig is a typed configuration section owned by a plugin.
// TypeKey names the section in the plugin's configuration file.
type PluginConfig interface {
	TypeKey() string
}

// ConfigFactory returns a configuration instance holding default values.
type ConfigFactory func() PluginConfig

// ConfigLoader binds the section named by section in the file at path onto target.
// A missing section leaves target untouched.
type ConfigLoader interface {
	Load(path, section string, target PluginConfig) error
}

// ConfigTypeRegistry maps concrete configuration type names, as declared in
// archive manifests, to their factories.
type ConfigTypeRegistry struct {
	factories cmap.ConcurrentMap[string, ConfigFactory]
}

// NewConfigTypeRegistry creates an empty registry.
func NewConfigTypeRegistry() *ConfigTypeRegistry {
	return &ConfigTypeRegistry{factories: cmap.New[ConfigFactory]()}
}

// Register adds a configuration type. Registering a name twice replaces the factory.
func (r *ConfigTypeRegistry) Register(typeName string, factory ConfigFactory) error {
	if strings.TrimSpace(typeName) == "" || factory == nil {
		return NewInvalidManagerConfigError("configuration type requires a name and a factory")
	}
	r.factories.Set(typeName, factory)
	return nil
}

// Lookup returns the factory of typeName.
func (r *ConfigTypeRegistry) Lookup(typeName string) (ConfigFactory, bool) {
	return r.factories.Get(typeName)
}

// Types lists the registered type names, sorted.
func (r *ConfigTypeRegistry) Types() []string {
	names := r.factories.Keys()
	slices.Sort(names)
	return names
}

// ConfigEntry is one configuration registry entry.
type ConfigEntry struct {
	Key       string
	TypeName  string
	Owner     string
	Namespace NamespaceID
	Value     PluginConfig
}

// CanonicalConfigKey computes the registry key of a configuration type.
// Shared types are keyed by type key alone; others carry the namespace ID so
// two plugins using the same type key never collide.
func CanonicalConfigKey(typeKey string, shared bool, ns NamespaceID) string {
	if shared || ns == "" {
		return typeKey
	}
	return typeKey + "@" + string(ns)
}

// ConfigManager owns the configuration registry. The first plugin claiming a
// key keeps it; later claims are skipped (same type) or reported as conflicts.
type ConfigManager struct {
	types   *ConfigTypeRegistry
	loader  ConfigLoader
	entries cmap.ConcurrentMap[string, ConfigEntry]
	logger  Logger
}

// NewConfigManager creates a configuration manager.
func NewConfigManager(types *ConfigTypeRegistry, loader ConfigLoader, logger Logger) *ConfigManager {
	if types == nil {
		types = NewConfigTypeRegistry()
	}
	if logger == nil {
		logger = DefaultLogger()
	}
	if loader == nil {
		loader = NewFileConfigLoader(logger)
	}
	return &ConfigManager{
		types:   types,
		loader:  loader,
		entries: cmap.New[ConfigEntry](),
		logger:  logger,
	}
}

// Types returns the configuration type registry.
func (m *ConfigManager) Types() *ConfigTypeRegistry {
	return m.types
}

// LoadConfigs loads every configuration type declared by the plugin's primary
// namespace and claims its key. Claimed keys are recorded on the plugin as
// they are claimed, so CleanupConfigs can undo a partial load.
func (m *ConfigManager) LoadConfigs(plugin *Plugin) error {
	ns := plugin.Namespace()
	if ns == nil {
		return nil
	}
	configFile := ""
	if plugin.Bundle().HasConfigFile() {
		configFile = plugin.Bundle().ConfigFile
	}

	for _, decl := range ns.ConfigDeclarations() {
		entry, err := m.buildEntry(plugin.Name(), decl.Type, ns.ID(), decl.Shared, configFile)
		if err != nil {
			return err
		}
		m.claim(plugin, entry)
	}
	return nil
}

func (m *ConfigManager) buildEntry(owner, typeName string, ns NamespaceID, shared bool, configFile string) (ConfigEntry, error) {
	factory, ok := m.types.Lookup(typeName)
	if !ok {
		return ConfigEntry{}, NewConfigTypeNotFoundError(owner, typeName)
	}
	value := factory()
	if configFile != "" {
		if err := m.loader.Load(configFile, value.TypeKey(), value); err != nil {
			return ConfigEntry{}, err
		}
	}
	return ConfigEntry{
		Key:       CanonicalConfigKey(value.TypeKey(), shared, ns),
		TypeName:  typeName,
		Owner:     owner,
		Namespace: ns,
		Value:     value,
	}, nil
}

func (m *ConfigManager) claim(plugin *Plugin, entry ConfigEntry) {
	if m.entries.SetIfAbsent(entry.Key, entry) {
		plugin.addConfigKey(entry.Key)
		m.logger.Debug("Configuration registered",
			"plugin", plugin.Name(), "config_key", entry.Key, "config_type", entry.TypeName)
		return
	}

	existing, ok := m.entries.Get(entry.Key)
	if !ok {
		// the previous owner was removed in between; retry once
		if m.entries.SetIfAbsent(entry.Key, entry) {
			plugin.addConfigKey(entry.Key)
		}
		return
	}
	if existing.TypeName == entry.TypeName {
		m.logger.Debug("Configuration already registered, skipped",
			"plugin", plugin.Name(), "config_key", entry.Key, "owner", existing.Owner)
		return
	}
	m.logger.Warn("Configuration key conflict, keeping first registration",
		"plugin", plugin.Name(),
		"config_key", entry.Key,
		"owner", existing.Owner,
		"error", NewConfigConflictError(entry.Key, existing.TypeName, entry.TypeName))
}

// CleanupConfigs removes exactly the entries claimed by plugin and returns
// how many were removed.
func (m *ConfigManager) CleanupConfigs(plugin *Plugin) int {
	removed := 0
	for _, key := range plugin.ConfigKeys() {
		ok := m.entries.RemoveCb(key, func(_ string, v ConfigEntry, exists bool) bool {
			return exists && v.Owner == plugin.Name()
		})
		if ok {
			removed++
		}
	}
	plugin.clearConfigKeys()
	return removed
}

// ReloadConfigs re-reads the plugin's configuration file and swaps every entry
// the plugin still owns. It returns the number of swapped entries. Nothing is
// swapped when any entry fails to load.
//
// The caller holds the plugin's lifecycle lock: only CleanupConfigs for the
// same plugin removes its entries and other plugins never overwrite them.
func (m *ConfigManager) ReloadConfigs(plugin *Plugin) (int, error) {
	configFile := ""
	if plugin.Bundle().HasConfigFile() {
		configFile = plugin.Bundle().ConfigFile
	}

	fresh := make(map[string]ConfigEntry)
	for _, key := range plugin.ConfigKeys() {
		current, ok := m.entries.Get(key)
		if !ok || current.Owner != plugin.Name() {
			continue
		}
		shared := current.Key == current.Value.TypeKey()
		entry, err := m.buildEntry(plugin.Name(), current.TypeName, current.Namespace, shared, configFile)
		if err != nil {
			return 0, err
		}
		fresh[key] = entry
	}

	m.entries.MSet(fresh)
	return len(fresh), nil
}

// Entry returns the entry stored under key.
func (m *ConfigManager) Entry(key string) (ConfigEntry, bool) {
	return m.entries.Get(key)
}

// Entries returns every entry sorted by key.
func (m *ConfigManager) Entries() []ConfigEntry {
	items := m.entries.Items()
	out := make([]ConfigEntry, 0, len(items))
	for _, e := range items {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b ConfigEntry) int { return strings.Compare(a.Key, b.Key) })
	return out
}

// GetConfig returns the configuration of typeName visible from ns: the entry
// scoped to ns or one of its plugin ancestors, then the shared entry, then a
// fresh default. Entries registered under the same key by another
// configuration type are skipped.
func (m *ConfigManager) GetConfig(typeName string, ns *Namespace) (PluginConfig, error) {
	factory, ok := m.types.Lookup(typeName)
	if !ok {
		owner := ""
		if ns != nil {
			owner = ns.Owner()
		}
		return nil, NewConfigTypeNotFoundError(owner, typeName)
	}
	def := factory()
	for cur := ns; cur != nil; cur = cur.Parent() {
		if cur.IsBase() {
			break
		}
		if e, ok := m.entries.Get(CanonicalConfigKey(def.TypeKey(), false, cur.ID())); ok && e.TypeName == typeName {
			return e.Value, nil
		}
	}
	if e, ok := m.entries.Get(def.TypeKey()); ok && e.TypeName == typeName {
		return e.Value, nil
	}
	return def, nil
}

// ConfigOf is the typed form of GetConfig.
func ConfigOf[R PluginConfig](m *ConfigManager, typeName string, ns *Namespace) (R, error) {
	var zero R
	cfg, err := m.GetConfig(typeName, ns)
	if err != nil {
		return zero, err
	}
	typed, ok := cfg.(R)
	if !ok {
		return zero, fmt.Errorf("configuration %s is %T, not %T", typeName, cfg, zero)
	}
	return typed, nil
}
