// manager_config.go: Manager configuration, defaults and package root resolution
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// PluginPackageDirName is the plugin package directory inside the agent directory.
const PluginPackageDirName = "pluginPackage"

// ManagerConfig configures the plugin manager.
//
// Example YAML:
//
//	plugin_package_dir: /opt/agent/pluginPackage
//	dynamic_plugin_package_dir: /var/lib/agent/dynamic
//	static_plugins: [tracing, flowcontrol]
//	max_concurrent_installs: 4
//	watch_configs: true
//	config_watch:
//	  poll_interval: 5s
//	audit:
//	  enabled: true
//	  output_file: /var/log/agent/plugin-audit.jsonl
type ManagerConfig struct {
	// PluginPackageDir is the static plugin package root.
	PluginPackageDir string `json:"plugin_package_dir" yaml:"plugin_package_dir"`

	// DynamicPluginPackageDir, when set, is used for runtime installs.
	DynamicPluginPackageDir string `json:"dynamic_plugin_package_dir,omitempty" yaml:"dynamic_plugin_package_dir,omitempty"`

	// AgentDir is used to derive <AgentDir>/pluginPackage when the explicit roots are unset.
	AgentDir string `json:"agent_dir,omitempty" yaml:"agent_dir,omitempty"`

	// StaticPlugins are installed by Boot and cannot be uninstalled.
	StaticPlugins []string `json:"static_plugins,omitempty" yaml:"static_plugins,omitempty"`

	MaxConcurrentInstalls int `json:"max_concurrent_installs" yaml:"max_concurrent_installs"`
	ManifestCacheSize     int `json:"manifest_cache_size" yaml:"manifest_cache_size"`

	ServiceStartRetries int           `json:"service_start_retries" yaml:"service_start_retries"`
	ServiceRetryDelay   time.Duration `json:"service_retry_delay" yaml:"service_retry_delay"`

	WatchConfigs bool               `json:"watch_configs" yaml:"watch_configs"`
	ConfigWatch  ConfigWatchOptions `json:"config_watch" yaml:"config_watch"`

	Audit AuditConfig `json:"audit" yaml:"audit"`

	Logger Logger `json:"-" yaml:"-"`
}

// ApplyDefaults fills zero values with defaults.
func (c *ManagerConfig) ApplyDefaults() {
	if c.MaxConcurrentInstalls <= 0 {
		c.MaxConcurrentInstalls = runtime.GOMAXPROCS(0)
	}
	if c.ManifestCacheSize <= 0 {
		c.ManifestCacheSize = DefaultManifestCacheSize
	}
	if c.ServiceRetryDelay <= 0 {
		c.ServiceRetryDelay = 100 * time.Millisecond
	}
	defaults := DefaultConfigWatchOptions()
	if c.ConfigWatch.PollInterval <= 0 {
		c.ConfigWatch.PollInterval = defaults.PollInterval
	}
	if c.ConfigWatch.CacheTTL <= 0 {
		c.ConfigWatch.CacheTTL = defaults.CacheTTL
	}
	if c.ConfigWatch.MaxWatchedFiles <= 0 {
		c.ConfigWatch.MaxWatchedFiles = defaults.MaxWatchedFiles
	}
}

// Validate checks the configuration for contradictions.
func (c *ManagerConfig) Validate() error {
	if c.PluginPackageDir == "" && c.DynamicPluginPackageDir == "" && c.AgentDir == "" {
		return NewInvalidManagerConfigError("one of plugin_package_dir, dynamic_plugin_package_dir or agent_dir is required")
	}
	if c.MaxConcurrentInstalls < 0 {
		return NewInvalidManagerConfigError("max_concurrent_installs cannot be negative")
	}
	if c.ServiceStartRetries < 0 {
		return NewInvalidManagerConfigError("service_start_retries cannot be negative")
	}
	if c.Audit.Enabled && c.Audit.OutputFile == "" {
		return NewInvalidManagerConfigError("audit.output_file is required when audit is enabled")
	}
	for _, name := range c.StaticPlugins {
		if err := ValidatePluginName(name); err != nil {
			return err
		}
	}
	return nil
}

// ResolvePackageRoot returns the plugin package root for a batch.
//
// Dynamic installs prefer DynamicPluginPackageDir, then <AgentDir>/pluginPackage,
// then PluginPackageDir. Static installs use PluginPackageDir, then
// <AgentDir>/pluginPackage. The root must be an existing directory.
func (c ManagerConfig) ResolvePackageRoot(isDynamic bool) (string, error) {
	candidates := []string{c.PluginPackageDir, c.agentPackageDir()}
	if isDynamic {
		candidates = []string{c.DynamicPluginPackageDir, c.agentPackageDir(), c.PluginPackageDir}
	}

	root := ""
	for _, candidate := range candidates {
		if candidate != "" {
			root = candidate
			break
		}
	}
	if root == "" {
		return "", fmt.Errorf("no plugin package directory configured")
	}

	info, err := os.Stat(root)
	if err != nil {
		return "", fmt.Errorf("plugin package directory %s: %w", root, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("plugin package path %s is not a directory", root)
	}
	return filepath.Clean(root), nil
}

func (c ManagerConfig) agentPackageDir() string {
	if c.AgentDir == "" {
		return ""
	}
	return filepath.Join(c.AgentDir, PluginPackageDirName)
}

// LoadManagerConfig reads a manager configuration file in any format Argus
// detects, applies defaults and validates it.
func LoadManagerConfig(path string) (ManagerConfig, error) {
	var config ManagerConfig

	doc, err := readConfigDocument(path)
	if err != nil {
		return config, err
	}
	if err := bindSection(expandPlaceholders(doc), &config); err != nil {
		return config, NewConfigParseError(path, err)
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}
