// bundle_test.go: bundle resolution tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRealPluginName(t *testing.T) {
	assert.Equal(t, "foo", RealPluginName("foo"))
	assert.Equal(t, "foo", RealPluginName("foo#2"))
	assert.Equal(t, "foo", RealPluginName("foo#2#3"))
	assert.Equal(t, "", RealPluginName("#1"))
}

func TestValidatePluginName(t *testing.T) {
	valid := []string{"flowcontrol", "flowcontrol#1", "my-plugin_2", "plugin.v2"}
	for _, name := range valid {
		assert.NoError(t, ValidatePluginName(name), name)
	}

	invalid := []string{"", "   ", "#1", ".", "..", "../etc", "a/b", `a\b`, "bad\x00name", "tab\tname"}
	for _, name := range invalid {
		err := ValidatePluginName(name)
		require.Error(t, err, "%q", name)
		assert.True(t, HasErrorCode(err, ErrCodeInvalidPluginName), "%q", name)
	}
}

func TestBundleResolver_Resolve(t *testing.T) {
	root := t.TempDir()
	dir := writeBundle(t, root, "alpha",
		[]archiveFixture{
			{file: "b.pkg", manifest: manifestYAML("alpha", "1.0.0")},
			{file: "a.PKG", manifest: manifestYAML("alpha", "1.0.0")},
		},
		[]archiveFixture{{file: "sync.pkg", manifest: manifestYAML("alpha", "")}},
		"demo:\n  endpoint: x\n")
	// ignored: wrong extension and sub directories
	require.NoError(t, os.WriteFile(filepath.Join(dir, PluginArchiveDir, "notes.txt"), []byte("x"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, PluginArchiveDir, "nested.pkg"), 0o755))

	bundle, err := NewBundleResolver(nil).Resolve(root, "alpha#3")
	require.NoError(t, err)

	assert.Equal(t, "alpha#3", bundle.Name)
	assert.Equal(t, "alpha", bundle.RealName)
	assert.Equal(t, dir, bundle.Dir)
	assert.Equal(t, []string{
		filepath.Join(dir, PluginArchiveDir, "a.PKG"),
		filepath.Join(dir, PluginArchiveDir, "b.pkg"),
	}, bundle.PluginArchives)
	assert.Equal(t, []string{filepath.Join(dir, ServiceArchiveDir, "sync.pkg")}, bundle.ServiceArchives)
	assert.Equal(t, filepath.Join(dir, ConfigDir, ConfigFileName), bundle.ConfigFile)
	assert.True(t, bundle.HasConfigFile())
}

func TestBundleResolver_MissingParts(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "bare"), 0o755))

	bundle, err := NewBundleResolver(nil).Resolve(root, "bare")
	require.NoError(t, err)
	assert.Empty(t, bundle.PluginArchives)
	assert.Empty(t, bundle.ServiceArchives)
	assert.False(t, bundle.HasConfigFile())
}

func TestBundleResolver_NotFound(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "file"), []byte("x"), 0o600))

	for _, name := range []string{"missing", "file"} {
		_, err := NewBundleResolver(nil).Resolve(root, name)
		require.Error(t, err)
		assert.True(t, HasErrorCode(err, ErrCodeBundleNotFound), name)
	}

	_, err := NewBundleResolver(nil).Resolve(root, "../escape")
	assert.True(t, HasErrorCode(err, ErrCodeInvalidPluginName))
}
