// manager_config_test.go: manager configuration tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerConfig_ApplyDefaults(t *testing.T) {
	config := ManagerConfig{PluginPackageDir: "/opt"}
	config.ApplyDefaults()

	assert.Equal(t, runtime.GOMAXPROCS(0), config.MaxConcurrentInstalls)
	assert.Equal(t, DefaultManifestCacheSize, config.ManifestCacheSize)
	assert.Equal(t, 100*time.Millisecond, config.ServiceRetryDelay)
	assert.Equal(t, DefaultConfigWatchOptions(), config.ConfigWatch)

	custom := ManagerConfig{MaxConcurrentInstalls: 2, ConfigWatch: ConfigWatchOptions{PollInterval: time.Second}}
	custom.ApplyDefaults()
	assert.Equal(t, 2, custom.MaxConcurrentInstalls)
	assert.Equal(t, time.Second, custom.ConfigWatch.PollInterval)
}

func TestManagerConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  ManagerConfig
		wantErr bool
	}{
		{"package dir", ManagerConfig{PluginPackageDir: "/opt"}, false},
		{"agent dir", ManagerConfig{AgentDir: "/opt/agent"}, false},
		{"no root", ManagerConfig{}, true},
		{"negative installs", ManagerConfig{PluginPackageDir: "/opt", MaxConcurrentInstalls: -1}, true},
		{"negative retries", ManagerConfig{PluginPackageDir: "/opt", ServiceStartRetries: -1}, true},
		{"audit without file", ManagerConfig{PluginPackageDir: "/opt", Audit: AuditConfig{Enabled: true}}, true},
		{"bad static name", ManagerConfig{PluginPackageDir: "/opt", StaticPlugins: []string{"../x"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestManagerConfig_ResolvePackageRoot(t *testing.T) {
	base := t.TempDir()
	static := filepath.Join(base, "static")
	dynamic := filepath.Join(base, "dynamic")
	agent := filepath.Join(base, "agent")
	for _, dir := range []string{static, dynamic, filepath.Join(agent, PluginPackageDirName)} {
		require.NoError(t, os.MkdirAll(dir, 0o755))
	}

	config := ManagerConfig{PluginPackageDir: static, DynamicPluginPackageDir: dynamic, AgentDir: agent}
	root, err := config.ResolvePackageRoot(true)
	require.NoError(t, err)
	assert.Equal(t, dynamic, root)
	root, err = config.ResolvePackageRoot(false)
	require.NoError(t, err)
	assert.Equal(t, static, root)

	config = ManagerConfig{PluginPackageDir: static, AgentDir: agent}
	root, err = config.ResolvePackageRoot(true)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(agent, PluginPackageDirName), root)

	config = ManagerConfig{AgentDir: agent}
	root, err = config.ResolvePackageRoot(false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(agent, PluginPackageDirName), root)

	config = ManagerConfig{PluginPackageDir: static}
	root, err = config.ResolvePackageRoot(true)
	require.NoError(t, err)
	assert.Equal(t, static, root)

	_, err = ManagerConfig{}.ResolvePackageRoot(true)
	assert.Error(t, err)

	_, err = (&ManagerConfig{PluginPackageDir: filepath.Join(base, "missing")}).ResolvePackageRoot(false)
	assert.Error(t, err)

	file := filepath.Join(base, "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	_, err = (&ManagerConfig{PluginPackageDir: file}).ResolvePackageRoot(false)
	assert.Error(t, err)
}

func TestLoadManagerConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PLUGINHOST_TEST_ROOT", dir)
	path := filepath.Join(dir, "host.yaml")
	writeConfigFile(t, path, `plugin_package_dir: ${PLUGINHOST_TEST_ROOT}
static_plugins: [tracing, flowcontrol]
max_concurrent_installs: ${PLUGINHOST_TEST_WORKERS:-3}
service_start_retries: 2
watch_configs: true
config_watch:
  poll_interval: 2s
`)

	config, err := LoadManagerConfig(path)
	require.NoError(t, err)
	assert.Equal(t, dir, config.PluginPackageDir)
	assert.Equal(t, []string{"tracing", "flowcontrol"}, config.StaticPlugins)
	assert.Equal(t, 3, config.MaxConcurrentInstalls)
	assert.Equal(t, 2, config.ServiceStartRetries)
	assert.True(t, config.WatchConfigs)
	assert.Equal(t, 2*time.Second, config.ConfigWatch.PollInterval)
	assert.Equal(t, DefaultConfigWatchOptions().CacheTTL, config.ConfigWatch.CacheTTL)
}

func TestLoadManagerConfig_Invalid(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.yaml")
	writeConfigFile(t, empty, "static_plugins: [a]\n")
	_, err := LoadManagerConfig(empty)
	assert.True(t, HasErrorCode(err, ErrCodeInvalidManagerConfig))

	mistyped := filepath.Join(dir, "mistyped.yaml")
	writeConfigFile(t, mistyped, "plugin_package_dir: /opt\nmax_concurrent_installs: lots\n")
	_, err = LoadManagerConfig(mistyped)
	assert.True(t, HasErrorCode(err, ErrCodeConfigParseError))

	_, err = LoadManagerConfig(filepath.Join(dir, "missing.yaml"))
	assert.True(t, HasErrorCode(err, ErrCodeConfigFileError))
}
