// service_test.go: hosted plugin service tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyService fails its first failures starts.
type flakyService struct {
	failures int
	attempts int
}

func (f *flakyService) Start(context.Context, ServiceContext) error {
	f.attempts++
	if f.attempts <= f.failures {
		return errors.New("not ready")
	}
	return nil
}

func (f *flakyService) Stop() error { return nil }

// orderedService records its name on Stop.
type orderedService struct {
	name    string
	stops   *[]string
	mu      *sync.Mutex
	stopErr error
	panics  bool
}

func (o *orderedService) Start(context.Context, ServiceContext) error { return nil }

func (o *orderedService) Stop() error {
	o.mu.Lock()
	*o.stops = append(*o.stops, o.name)
	o.mu.Unlock()
	if o.panics {
		panic("stop exploded")
	}
	return o.stopErr
}

func servicesLines(names ...string) string {
	lines := "services:\n"
	for _, n := range names {
		lines += "  - " + n + "\n"
	}
	return lines
}

func TestServiceHost_StartWithRetries(t *testing.T) {
	registry := NewServiceRegistry()
	svc := &flakyService{failures: 2}
	require.NoError(t, registry.Register("demo.flaky", func() PluginService { return svc }))

	host := NewServiceHost(registry, nil, 3, time.Millisecond, NewTestLogger())
	plugin := newLoadedPlugin(t, NewNamespaceFactory(nil, nil), "alpha", "", servicesLines("demo.flaky"))

	require.NoError(t, host.StartServices(context.Background(), plugin))
	assert.Equal(t, 3, svc.attempts)
	assert.Equal(t, []string{"demo.flaky"}, plugin.Services())
}

func TestServiceHost_StartFailureStopsStartedServices(t *testing.T) {
	registry := NewServiceRegistry()
	var stops []string
	var mu sync.Mutex
	require.NoError(t, registry.Register("demo.a", func() PluginService {
		return &orderedService{name: "a", stops: &stops, mu: &mu}
	}))
	require.NoError(t, registry.Register("demo.flaky", func() PluginService { return &flakyService{failures: 10} }))

	host := NewServiceHost(registry, nil, 1, time.Millisecond, NewTestLogger())
	plugin := newLoadedPlugin(t, NewNamespaceFactory(nil, nil), "alpha", "", servicesLines("demo.a", "demo.flaky"))

	err := host.StartServices(context.Background(), plugin)
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeServiceStart))
	assert.Equal(t, []string{"a"}, stops)
	assert.Empty(t, plugin.Services())
}

func TestServiceHost_UnknownService(t *testing.T) {
	host := NewServiceHost(nil, nil, 0, 0, nil)
	plugin := newLoadedPlugin(t, NewNamespaceFactory(nil, nil), "alpha", "", servicesLines("demo.missing"))

	err := host.StartServices(context.Background(), plugin)
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeServiceNotFound))
}

func TestServiceHost_StopOrderAndErrors(t *testing.T) {
	registry := NewServiceRegistry()
	var stops []string
	var mu sync.Mutex
	failing := errors.New("stop failed")
	require.NoError(t, registry.Register("demo.a", func() PluginService {
		return &orderedService{name: "a", stops: &stops, mu: &mu, stopErr: failing}
	}))
	require.NoError(t, registry.Register("demo.b", func() PluginService {
		return &orderedService{name: "b", stops: &stops, mu: &mu, panics: true}
	}))
	require.NoError(t, registry.Register("demo.c", func() PluginService {
		return &orderedService{name: "c", stops: &stops, mu: &mu}
	}))
	assert.Equal(t, []string{"demo.a", "demo.b", "demo.c"}, registry.Names())

	logger := NewTestLogger()
	host := NewServiceHost(registry, nil, 0, 0, logger)
	plugin := newLoadedPlugin(t, NewNamespaceFactory(nil, nil), "alpha", "", servicesLines("demo.a", "demo.b", "demo.c"))
	require.NoError(t, host.StartServices(context.Background(), plugin))

	err := host.StopServices(plugin)
	require.Error(t, err)
	assert.ErrorIs(t, err, failing)
	assert.Contains(t, err.Error(), "panic: stop exploded")
	assert.Equal(t, []string{"c", "b", "a"}, stops)
	assert.Equal(t, 2, logger.CountContaining("WARN", "Plugin service stop failed"))

	// services are taken once
	assert.NoError(t, host.StopServices(plugin))
}

func TestServiceHost_ServiceContextConfig(t *testing.T) {
	factory := NewNamespaceFactory(nil, nil)
	configs := NewConfigManager(newTestConfigTypes(t), nil, nil)
	svc := &testService{}
	registry := NewServiceRegistry()
	require.NoError(t, registry.Register("demo.sync", func() PluginService { return svc }))

	plugin := newLoadedPlugin(t, factory, "alpha", "demo:\n  endpoint: from-file\n", configDecl, serviceDecl)
	require.NoError(t, configs.LoadConfigs(plugin))

	host := NewServiceHost(registry, configs, 0, 0, nil)
	require.NoError(t, host.StartServices(context.Background(), plugin))

	svc.mu.Lock()
	sc := svc.lastCtx
	svc.mu.Unlock()
	assert.Equal(t, "alpha", sc.Plugin)
	assert.Same(t, plugin.Namespace(), sc.Namespace)

	cfg, err := sc.Config(demoConfigType)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.(*demoConfig).Endpoint)
}

func TestServiceHost_CancelledContextStopsRetrying(t *testing.T) {
	registry := NewServiceRegistry()
	svc := &flakyService{failures: 100}
	require.NoError(t, registry.Register("demo.flaky", func() PluginService { return svc }))

	host := NewServiceHost(registry, nil, 50, time.Millisecond, nil)
	plugin := newLoadedPlugin(t, NewNamespaceFactory(nil, nil), "alpha", "", servicesLines("demo.flaky"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := host.StartServices(ctx, plugin)
	require.Error(t, err)
	assert.Less(t, svc.attempts, 50)
}
