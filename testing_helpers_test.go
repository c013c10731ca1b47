// testing_helpers_test.go: plugin package fixtures and test doubles
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"archive/zip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// archiveFixture describes one .pkg file of a test bundle.
type archiveFixture struct {
	file      string
	manifest  string
	resources map[string]string
}

// manifestYAML renders a manifest with the given name and version plus any
// extra YAML lines (configs, interceptors, services).
func manifestYAML(name, version string, extra ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "name: %s\n", name)
	if version != "" {
		fmt.Fprintf(&b, "version: %s\n", version)
	}
	for _, line := range extra {
		b.WriteString(line)
		if !strings.HasSuffix(line, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}

func writeArchive(t testing.TB, path string, fixture archiveFixture) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)

	if fixture.manifest != "" {
		w, err := zw.Create(ManifestEntry)
		require.NoError(t, err)
		_, err = w.Write([]byte(fixture.manifest))
		require.NoError(t, err)
	}
	for name, content := range fixture.resources {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}

	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

// writeBundle creates root/<name> with the given primary and service archives
// and, when config is not empty, config/config.yaml. It returns the bundle dir.
func writeBundle(t testing.TB, root, name string, primary, service []archiveFixture, config string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	for _, a := range primary {
		writeArchive(t, filepath.Join(dir, PluginArchiveDir, a.file), a)
	}
	for _, a := range service {
		writeArchive(t, filepath.Join(dir, ServiceArchiveDir, a.file), a)
	}
	if config != "" {
		writeConfigFile(t, filepath.Join(dir, ConfigDir, ConfigFileName), config)
	}
	return dir
}

func writeConfigFile(t testing.TB, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

// simpleBundle writes a bundle with one primary archive declaring the given extra manifest lines.
func simpleBundle(t testing.TB, root, name, version string, extra ...string) string {
	t.Helper()
	return writeBundle(t, root, name, []archiveFixture{{
		file:     name + "-core.pkg",
		manifest: manifestYAML(name, version, extra...),
	}}, nil, "")
}

// newLoadedPlugin builds a dynamic plugin whose primary namespace holds one archive
// with the given manifest lines. config, when not empty, becomes the bundle's config file.
func newLoadedPlugin(t *testing.T, factory *NamespaceFactory, name, config string, extra ...string) *Plugin {
	t.Helper()
	root := t.TempDir()
	dir := writeBundle(t, root, RealPluginName(name),
		[]archiveFixture{{file: "core.pkg", manifest: manifestYAML(RealPluginName(name), "1.0.0", extra...)}},
		nil, config)

	bundle, err := NewBundleResolver(nil).Resolve(root, name)
	require.NoError(t, err)
	require.Equal(t, dir, bundle.Dir)

	plugin := newPlugin(bundle, true)
	plugin.namespace = factory.CreateNamespace(name, nil)
	_, err = factory.LoadArchive(plugin.namespace, name, bundle.PluginArchives[0])
	require.NoError(t, err)
	plugin.namespace.Seal()
	t.Cleanup(func() { plugin.namespace.Close() })
	return plugin
}

// Test configuration types

const (
	demoConfigType  = "demo.config"
	otherConfigType = "demo.other"
	demoConfigKey   = "demo"
)

type demoConfig struct {
	Endpoint string `yaml:"endpoint"`
	Retries  int    `yaml:"retries"`
}

func (c *demoConfig) TypeKey() string { return demoConfigKey }

// otherConfig uses the same type key as demoConfig with a different concrete type.
type otherConfig struct {
	Mode string `yaml:"mode"`
}

func (c *otherConfig) TypeKey() string { return demoConfigKey }

func newTestConfigTypes(t testing.TB) *ConfigTypeRegistry {
	t.Helper()
	types := NewConfigTypeRegistry()
	require.NoError(t, types.Register(demoConfigType, func() PluginConfig {
		return &demoConfig{Endpoint: "default", Retries: 1}
	}))
	require.NoError(t, types.Register(otherConfigType, func() PluginConfig {
		return &otherConfig{Mode: "default"}
	}))
	return types
}

// Test interceptor

const (
	testPoint           = "http.client.send"
	testInterceptorType = "demo.retry"
)

type countingInterceptor struct {
	before atomic.Int32
	after  atomic.Int32
	fail   error
}

func (c *countingInterceptor) Before(context.Context, string) error {
	c.before.Add(1)
	return c.fail
}

func (c *countingInterceptor) After(context.Context, string, error) {
	c.after.Add(1)
}

// Test service

type testService struct {
	startErr error
	stopErr  error
	started  atomic.Int32
	stopped  atomic.Int32
	lastCtx  ServiceContext
	mu       sync.Mutex
}

func (s *testService) Start(_ context.Context, sc ServiceContext) error {
	s.mu.Lock()
	s.lastCtx = sc
	s.mu.Unlock()
	s.started.Add(1)
	return s.startErr
}

func (s *testService) Stop() error {
	s.stopped.Add(1)
	return s.stopErr
}

// collectingSink keeps every collected event.
type collectingSink struct {
	mu     sync.Mutex
	events []Event
}

func (c *collectingSink) Collect(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *collectingSink) ofType(eventType EventType) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, e := range c.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// testHost bundles a manager with its collaborators.
type testHost struct {
	root     string
	manager  *Manager
	logger   *TestLogger
	events   *collectingSink
	services *ServiceRegistry
	service  *testService
	engine   *InterceptionEngine
}

// newTestHost creates a manager over a fresh package root with the demo
// config types, the demo interceptor on testPoint and a "demo.sync" service.
func newTestHost(t *testing.T, mutate ...func(*ManagerConfig)) *testHost {
	t.Helper()
	root := t.TempDir()
	logger := NewTestLogger()
	events := &collectingSink{}

	service := &testService{}
	services := NewServiceRegistry()
	require.NoError(t, services.Register("demo.sync", func() PluginService { return service }))

	config := ManagerConfig{
		PluginPackageDir:      root,
		MaxConcurrentInstalls: 4,
		Logger:                logger,
	}
	for _, m := range mutate {
		m(&config)
	}

	manager, err := NewManager(config,
		WithConfigTypes(newTestConfigTypes(t)),
		WithServiceRegistry(services),
		WithEventSink(events),
	)
	require.NoError(t, err)
	t.Cleanup(func() { manager.Shutdown(context.Background()) })

	engine := manager.Engine()
	engine.RegisterPoint(testPoint)
	require.NoError(t, engine.RegisterInterceptor(testInterceptorType, func(*Namespace) (Interceptor, error) {
		return &countingInterceptor{}, nil
	}))

	return &testHost{
		root:     root,
		manager:  manager,
		logger:   logger,
		events:   events,
		services: services,
		service:  service,
		engine:   engine,
	}
}
