// manager.go: Plugin lifecycle manager
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/trace"
)

// Manager installs and removes plugin bundles while the process keeps running.
//
// A plugin is either fully installed (namespaces open, configuration
// registered, services running, interceptors attached, registry entry
// published) or fully absent. Install and uninstall of the same name are
// serialised by a per-name lock; different names proceed concurrently on a
// bounded worker pool. Shared registries are concurrent maps with atomic
// check-and-act operations.
//
// Example usage:
//
//	manager, err := pluginhost.NewManager(pluginhost.ManagerConfig{
//	    PluginPackageDir: "/opt/agent/pluginPackage",
//	    StaticPlugins:    []string{"tracing"},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := manager.Boot(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	// Runtime install of two plugins, one of them a second copy
//	if err := manager.Install(ctx, "flowcontrol", "flowcontrol#1"); err != nil {
//	    log.Printf("install batch failed: %v", err)
//	}
//
//	for _, report := range manager.Uninstall(ctx, "flowcontrol#1") {
//	    log.Printf("%s: %d failed steps", report.Plugin, len(report.Failed()))
//	}
//
//	manager.Shutdown(ctx)
type Manager struct {
	config ManagerConfig
	logger Logger

	resolver   *BundleResolver
	namespaces *NamespaceFactory
	validator  *SchemaValidator
	configs    *ConfigManager
	services   *ServiceHost
	index      *NamespaceIndex
	enhancer   Enhancer
	engine     *InterceptionEngine

	events  EventSink
	metrics *LifecycleMetrics
	tracer  lifecycleTracer
	auditor *Auditor
	watcher *ConfigWatcher

	plugins cmap.ConcurrentMap[string, *Plugin]
	states  cmap.ConcurrentMap[string, PluginState]
	locks   cmap.ConcurrentMap[string, *sync.Mutex]
	pool    *ants.Pool

	watcherOnce  sync.Once
	shutdownOnce sync.Once
	shutdown     atomic.Bool
}

type managerOptions struct {
	enhancer       Enhancer
	events         EventSink
	loader         ConfigLoader
	configTypes    *ConfigTypeRegistry
	services       *ServiceRegistry
	metrics        *LifecycleMetrics
	tracerProvider trace.TracerProvider
	base           *Namespace
}

// ManagerOption customises a Manager.
type ManagerOption func(*managerOptions)

// WithEnhancer replaces the built-in InterceptionEngine.
func WithEnhancer(enhancer Enhancer) ManagerOption {
	return func(o *managerOptions) { o.enhancer = enhancer }
}

// WithEventSink sets the telemetry sink.
func WithEventSink(sink EventSink) ManagerOption {
	return func(o *managerOptions) { o.events = sink }
}

// WithConfigLoader replaces the FileConfigLoader.
func WithConfigLoader(loader ConfigLoader) ManagerOption {
	return func(o *managerOptions) { o.loader = loader }
}

// WithConfigTypes sets the configuration type registry.
func WithConfigTypes(types *ConfigTypeRegistry) ManagerOption {
	return func(o *managerOptions) { o.configTypes = types }
}

// WithServiceRegistry sets the hosted service registry.
func WithServiceRegistry(registry *ServiceRegistry) ManagerOption {
	return func(o *managerOptions) { o.services = registry }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(metrics *LifecycleMetrics) ManagerOption {
	return func(o *managerOptions) { o.metrics = metrics }
}

// WithTracerProvider sets the OpenTelemetry tracer provider. The global provider is used otherwise.
func WithTracerProvider(provider trace.TracerProvider) ManagerOption {
	return func(o *managerOptions) { o.tracerProvider = provider }
}

// WithBaseNamespace sets the platform-wide namespace shared by all plugins.
func WithBaseNamespace(base *Namespace) ManagerOption {
	return func(o *managerOptions) { o.base = base }
}

// NewManager creates a manager. The configuration is defaulted and validated.
func NewManager(config ManagerConfig, opts ...ManagerOption) (*Manager, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var o managerOptions
	for _, opt := range opts {
		opt(&o)
	}

	logger := NewLogger(config.Logger)
	if o.events == nil {
		o.events = NoOpEventSink{}
	}

	validator, err := NewSchemaValidator(config.ManifestCacheSize, logger)
	if err != nil {
		return nil, NewInvalidManagerConfigError("cannot create manifest cache: " + err.Error())
	}

	auditor, err := NewAuditor(config.Audit)
	if err != nil {
		return nil, err
	}

	pool, err := ants.NewPool(config.MaxConcurrentInstalls, ants.WithPanicHandler(func(p any) {
		logger.Error("Panic recovered in lifecycle worker", "panic", p)
	}))
	if err != nil {
		_ = auditor.Close()
		return nil, NewInvalidManagerConfigError("cannot create worker pool: " + err.Error())
	}

	configs := NewConfigManager(o.configTypes, o.loader, logger)
	index := NewNamespaceIndex()

	m := &Manager{
		config:     config,
		logger:     logger,
		resolver:   NewBundleResolver(logger),
		namespaces: NewNamespaceFactory(o.base, logger),
		validator:  validator,
		configs:    configs,
		services:   NewServiceHost(o.services, configs, config.ServiceStartRetries, config.ServiceRetryDelay, logger),
		index:      index,
		enhancer:   o.enhancer,
		events:     o.events,
		metrics:    o.metrics,
		tracer:     newLifecycleTracer(o.tracerProvider),
		auditor:    auditor,
		plugins:    cmap.New[*Plugin](),
		states:     cmap.New[PluginState](),
		locks:      cmap.New[*sync.Mutex](),
		pool:       pool,
	}
	if m.enhancer == nil {
		m.engine = NewInterceptionEngine(index, logger)
		m.enhancer = m.engine
	}
	if config.WatchConfigs {
		m.watcher = NewConfigWatcher(config.ConfigWatch, m.ReloadPluginConfig, logger)
	}
	return m, nil
}

// Config returns the effective configuration.
func (m *Manager) Config() ManagerConfig { return m.config }

// Logger returns the manager logger.
func (m *Manager) Logger() Logger { return m.logger }

// Engine returns the built-in interception engine, nil when WithEnhancer was used.
func (m *Manager) Engine() *InterceptionEngine { return m.engine }

// Index returns the namespace index.
func (m *Manager) Index() *NamespaceIndex { return m.index }

// Configs returns the configuration manager.
func (m *Manager) Configs() *ConfigManager { return m.configs }

// ConfigTypes returns the configuration type registry.
func (m *Manager) ConfigTypes() *ConfigTypeRegistry { return m.configs.Types() }

// Services returns the hosted service registry.
func (m *Manager) Services() *ServiceRegistry { return m.services.Registry() }

// Validator returns the schema validator.
func (m *Manager) Validator() *SchemaValidator { return m.validator }

// BaseNamespace returns the platform-wide namespace.
func (m *Manager) BaseNamespace() *Namespace { return m.namespaces.Base() }

// Get returns the installed plugin registered under name.
func (m *Manager) Get(name string) (*Plugin, bool) {
	return m.plugins.Get(name)
}

// IsInstalled reports whether name is published in the registry.
func (m *Manager) IsInstalled(name string) bool {
	return m.plugins.Has(name)
}

// Names returns the installed plugin names, sorted.
func (m *Manager) Names() []string {
	names := m.plugins.Keys()
	slices.Sort(names)
	return names
}

// State returns the lifecycle state of name.
func (m *Manager) State(name string) PluginState {
	if p, ok := m.plugins.Get(name); ok {
		return p.State()
	}
	if s, ok := m.states.Get(name); ok {
		return s
	}
	return StateUnregistered
}

// Plugins returns a snapshot of every installed plugin, sorted by name.
func (m *Manager) Plugins() []PluginInfo {
	names := m.Names()
	out := make([]PluginInfo, 0, len(names))
	for _, name := range names {
		p, ok := m.plugins.Get(name)
		if !ok {
			continue
		}
		info := p.Info()
		if v, ok := m.validator.Version(p.RealName()); ok {
			info.Version = v
		}
		out = append(out, info)
	}
	return out
}

// nameLock returns the mutex serialising lifecycle operations on name.
func (m *Manager) nameLock(name string) *sync.Mutex {
	return m.locks.Upsert(name, nil, func(exist bool, current *sync.Mutex, _ *sync.Mutex) *sync.Mutex {
		if exist {
			return current
		}
		return &sync.Mutex{}
	})
}

// runBatch runs fn for every name on the worker pool and waits. Once ctx is
// done no further names are started; running ones complete.
func (m *Manager) runBatch(ctx context.Context, names []string, fn func(i int, name string)) {
	var wg sync.WaitGroup
	for i, name := range names {
		if ctx.Err() != nil {
			m.logger.Warn("Batch cancelled, remaining plugins not processed",
				"plugin", name, "remaining", len(names)-i, "error", ctx.Err())
			break
		}

		wg.Add(1)
		task := func() {
			defer wg.Done()
			defer withStackRecover(m.logger)()
			fn(i, name)
		}
		if err := m.pool.Submit(task); err != nil {
			m.logger.Warn("Worker pool rejected task, running inline", "plugin", name, "error", err)
			task()
		}
	}
	wg.Wait()
}

// normalizeNames trims names, drops empty ones and duplicates, keeping order.
func (m *Manager) normalizeNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if name == "" {
			m.logger.Warn("Empty plugin name ignored")
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

func (m *Manager) startWatcher() {
	if m.watcher == nil {
		return
	}
	m.watcherOnce.Do(func() {
		if err := m.watcher.Start(); err != nil {
			m.logger.Error("Plugin configuration watcher failed to start", "error", err)
		}
	})
}

// Boot installs the configured static plugins.
func (m *Manager) Boot(ctx context.Context) error {
	if len(m.config.StaticPlugins) == 0 {
		m.logger.Info("No static plugins configured")
		return nil
	}
	return m.InitPlugins(ctx, m.config.StaticPlugins, false)
}

// ReloadPluginConfig re-reads the configuration file of an installed plugin
// and swaps the entries it owns.
func (m *Manager) ReloadPluginConfig(name string) error {
	lock := m.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	plugin, ok := m.plugins.Get(name)
	if !ok {
		return nil
	}
	swapped, err := m.configs.ReloadConfigs(plugin)
	event := newEvent(EventConfigReloaded, name, plugin.IsDynamic())
	if err != nil {
		event.Error = err.Error()
	}
	m.events.Collect(event)
	if err != nil {
		return err
	}
	m.logger.Debug("Plugin configuration entries swapped", "plugin", name, "entries", swapped)
	return nil
}

// Shutdown uninstalls every dynamic plugin, stops the configuration watcher
// and releases the worker pool. Static plugins stay published. Calling it
// again is a no-op.
func (m *Manager) Shutdown(ctx context.Context) {
	m.shutdownOnce.Do(func() {
		var dynamic []string
		for _, name := range m.Names() {
			if p, ok := m.plugins.Get(name); ok && p.IsDynamic() {
				dynamic = append(dynamic, name)
			}
		}
		if len(dynamic) > 0 {
			m.uninstallBatch(context.WithoutCancel(ctx), dynamic)
		}
		m.shutdown.Store(true)

		if m.watcher != nil {
			if err := m.watcher.Stop(); err != nil {
				m.logger.Warn("Plugin configuration watcher stop failed", "error", err)
			}
		}
		m.pool.Release()
		if err := m.auditor.Close(); err != nil {
			m.logger.Warn("Audit logger close failed", "error", err)
		}
		m.logger.Info("Plugin manager shut down", "dynamic_plugins_removed", len(dynamic))
	})
}
