// config_loader_test.go: multi-format configuration loading tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileConfigLoader_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfigFile(t, path, "demo:\n  endpoint: http://svc\n  retries: 3\nother:\n  mode: x\n")

	cfg := &demoConfig{Endpoint: "default", Retries: 1}
	require.NoError(t, NewFileConfigLoader(nil).Load(path, "demo", cfg))
	assert.Equal(t, "http://svc", cfg.Endpoint)
	assert.Equal(t, 3, cfg.Retries)
}

func TestFileConfigLoader_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfigFile(t, path, `{"demo": {"endpoint": "json", "retries": 2}}`)

	cfg := &demoConfig{}
	require.NoError(t, NewFileConfigLoader(nil).Load(path, "demo", cfg))
	assert.Equal(t, "json", cfg.Endpoint)
	assert.Equal(t, 2, cfg.Retries)
}

func TestFileConfigLoader_DottedSection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfigFile(t, path, "plugins:\n  demo:\n    endpoint: nested\n")

	cfg := &demoConfig{Retries: 5}
	require.NoError(t, NewFileConfigLoader(nil).Load(path, "plugins.demo", cfg))
	assert.Equal(t, "nested", cfg.Endpoint)
	assert.Equal(t, 5, cfg.Retries, "unset fields keep their defaults")
}

func TestFileConfigLoader_MissingSectionKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfigFile(t, path, "unrelated:\n  key: value\n")
	logger := NewTestLogger()

	cfg := &demoConfig{Endpoint: "default", Retries: 1}
	require.NoError(t, NewFileConfigLoader(logger).Load(path, "demo", cfg))
	assert.Equal(t, &demoConfig{Endpoint: "default", Retries: 1}, cfg)
	assert.True(t, logger.HasMessage("DEBUG", "Configuration section not found, using defaults"))

	require.NoError(t, NewFileConfigLoader(nil).Load(path, "a.b.c", cfg))
	assert.Equal(t, "default", cfg.Endpoint)
}

func TestFileConfigLoader_Placeholders(t *testing.T) {
	t.Setenv("DEMO_ENDPOINT", "http://from-env")
	t.Setenv("DEMO_EMPTY", "")

	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfigFile(t, path, "demo:\n  endpoint: ${DEMO_ENDPOINT}\n  retries: ${DEMO_RETRIES:-7}\n")

	cfg := &demoConfig{}
	require.NoError(t, NewFileConfigLoader(nil).Load(path, "demo", cfg))
	assert.Equal(t, "http://from-env", cfg.Endpoint)
	assert.Equal(t, 7, cfg.Retries)

	t.Setenv("DEMO_RETRIES", "11")
	require.NoError(t, NewFileConfigLoader(nil).Load(path, "demo", cfg))
	assert.Equal(t, 11, cfg.Retries)

	assert.Equal(t, "fallback", ExpandPlaceholders("${DEMO_EMPTY:fallback}"))
	assert.Equal(t, "a--b", ExpandPlaceholders("a-${DEMO_UNSET_VARIABLE}-b"))
	assert.Equal(t, "plain", ExpandPlaceholders("plain"))
}

func TestFileConfigLoader_Errors(t *testing.T) {
	dir := t.TempDir()
	loader := NewFileConfigLoader(nil)

	err := loader.Load(dir, "demo", &demoConfig{})
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeConfigFileError))

	err = loader.Load(filepath.Join(dir, "missing.yaml"), "demo", &demoConfig{})
	assert.True(t, HasErrorCode(err, ErrCodeConfigFileError))

	broken := filepath.Join(dir, "broken.yaml")
	writeConfigFile(t, broken, "demo: [oops")
	err = loader.Load(broken, "demo", &demoConfig{})
	assert.True(t, HasErrorCode(err, ErrCodeConfigParseError))

	mistyped := filepath.Join(dir, "mistyped.yaml")
	writeConfigFile(t, mistyped, "demo:\n  retries: many\n")
	err = loader.Load(mistyped, "demo", &demoConfig{})
	assert.True(t, HasErrorCode(err, ErrCodeConfigParseError))
}
