// manager_lifecycle.go: Plugin installation pipeline
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"time"

	"github.com/agilira/go-timecache"
)

// Install installs plugins at runtime. The names may carry copy suffixes ("foo#1").
func (m *Manager) Install(ctx context.Context, names ...string) error {
	return m.InitPlugins(ctx, names, true)
}

// InitPlugins installs a batch of plugins from the package root chosen by
// isDynamic. Failing to resolve the package root aborts the whole batch and
// is returned; every other failure abandons only the affected plugin, which
// is rolled back and logged. Already installed names are skipped.
func (m *Manager) InitPlugins(ctx context.Context, names []string, isDynamic bool) error {
	if m.shutdown.Load() {
		return NewManagerShutdownError()
	}
	if len(names) == 0 {
		m.logger.Warn("No plugins to install", "error", NewNoPluginsConfiguredError())
		return nil
	}

	root, err := m.config.ResolvePackageRoot(isDynamic)
	if err != nil {
		perr := NewPackageRootError(names, err)
		m.logger.Error("Resolve plugin package failed", "plugins", names, "dynamic", isDynamic, "error", perr)
		return perr
	}

	batch := m.normalizeNames(names)
	m.runBatch(ctx, batch, func(_ int, name string) {
		_ = m.installOne(ctx, root, name, isDynamic)
	})
	return nil
}

func (m *Manager) installOne(ctx context.Context, root, name string, dynamic bool) error {
	lock := m.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	if m.plugins.Has(name) {
		m.logger.Warn("Plugin already installed, skipped", "plugin", name)
		m.metrics.recordInstall(resultSkipped, 0)
		return nil
	}

	ctx, span := m.tracer.start(ctx, "install", name, dynamic)
	start := time.Now()
	m.states.Set(name, StateResolving)
	defer m.states.Remove(name)

	plugin, err := m.install(ctx, root, name, dynamic)
	endSpan(span, err)

	if err != nil {
		if HasErrorCode(err, ErrCodeBundleNotFound) {
			m.logger.Warn("Plugin bundle not found, skipped", "plugin", name, "error", err)
			m.metrics.recordInstall(resultSkipped, 0)
			return err
		}
		m.logger.Error("Plugin install failed", "plugin", name, "dynamic", dynamic, "error", err)
		m.metrics.recordInstall(resultFailure, 0)
		event := newEvent(EventPluginInstallFailed, name, dynamic)
		event.Error = err.Error()
		m.events.Collect(event)
		return err
	}

	elapsed := time.Since(start)
	m.metrics.recordInstall(resultSuccess, elapsed)
	m.events.Collect(newEvent(EventPluginInstalled, name, dynamic))
	m.auditor.Record(EventPluginInstalled, name, map[string]interface{}{
		"dynamic":       dynamic,
		"path":          plugin.Path(),
		"config_keys":   len(plugin.ConfigKeys()),
		"lock_keys":     len(plugin.LockKeys()),
		"duration_ms":   elapsed.Milliseconds(),
		"service_count": len(plugin.Services()),
	})
	m.logger.Info("Plugin installed", "plugin", name, "dynamic", dynamic, "path", plugin.Path())
	return nil
}

// install runs the pipeline for one name. Any error after the bundle was
// resolved has already been rolled back when it is returned.
func (m *Manager) install(ctx context.Context, root, name string, dynamic bool) (*Plugin, error) {
	bundle, err := m.resolver.Resolve(root, name)
	if err != nil {
		return nil, err
	}

	plugin := newPlugin(bundle, dynamic)
	m.setState(plugin, StateLoading)

	plugin.namespace = m.namespaces.CreateNamespace(name, nil)
	if err := m.loadPrimaryArchives(plugin); err != nil {
		return nil, m.rollback(plugin, err)
	}
	plugin.namespace.Seal()

	serviceNamespace, err := m.namespaces.CreateSecondaryNamespace(name, bundle.ServiceArchives, plugin.namespace)
	if err != nil {
		return nil, m.rollback(plugin, err)
	}
	plugin.serviceNamespace = serviceNamespace

	if err := m.configs.LoadConfigs(plugin); err != nil {
		return nil, m.rollback(plugin, err)
	}
	if err := m.services.StartServices(ctx, plugin); err != nil {
		return nil, m.rollback(plugin, err)
	}
	m.index.Add(plugin)

	m.setState(plugin, StateEnhancing)
	lockKeys, err := m.enhancer.Enhance(plugin)
	if err != nil {
		if !isCoded(err) {
			err = NewEnhancementFailedError(name, err)
		}
		return nil, m.rollback(plugin, err)
	}
	plugin.addLockKeys(lockKeys)

	plugin.installedAt.Store(timecache.CachedTimeNano())
	plugin.setState(StateInstalled)
	m.plugins.Set(name, plugin)
	m.validator.SetDefaultVersion(name)
	m.trackConfigFile(plugin)
	return plugin, nil
}

func (m *Manager) setState(plugin *Plugin, state PluginState) {
	plugin.setState(state)
	m.states.Set(plugin.Name(), state)
}

// loadPrimaryArchives validates and appends the bundle's primary archives in
// file name order. Rejected archives are skipped; an archive that cannot be
// opened abandons the plugin.
func (m *Manager) loadPrimaryArchives(plugin *Plugin) error {
	archives := plugin.Bundle().PluginArchives
	accepted := 0
	for _, path := range archives {
		ok, err := m.validator.CheckSchema(plugin.Name(), plugin.RealName(), path)
		if !ok {
			if HasErrorCode(err, ErrCodeSchemaValidation) {
				m.logger.Warn("Archive rejected by schema validator, skipped",
					"plugin", plugin.Name(), "archive", path, "error", err)
				m.metrics.recordRejectedArchive()
				event := newEvent(EventArchiveRejected, plugin.Name(), plugin.IsDynamic())
				event.Error = err.Error()
				event.Details = map[string]string{"archive": path}
				m.events.Collect(event)
				continue
			}
			return NewNamespaceLoadError(plugin.Name(), path, err)
		}
		if _, err := m.namespaces.LoadArchive(plugin.namespace, plugin.Name(), path); err != nil {
			return err
		}
		accepted++
	}

	if len(archives) > 0 && accepted == 0 {
		return NewUnexpectedBundleError(plugin.Name(), plugin.Path(), "no archive accepted")
	}
	return nil
}

// rollback undoes a partial install with the same steps as uninstall and
// returns cause for the caller to report.
func (m *Manager) rollback(plugin *Plugin, cause error) error {
	for _, outcome := range m.teardown(plugin) {
		if outcome.Err != nil {
			m.logger.Warn("Rollback step failed",
				"plugin", plugin.Name(), "step", outcome.Step.String(), "error", outcome.Err)
		}
	}
	plugin.setState(StateUnregistered)
	return cause
}

func (m *Manager) trackConfigFile(plugin *Plugin) {
	if m.watcher == nil || !plugin.Bundle().HasConfigFile() {
		return
	}
	if err := m.watcher.Track(plugin.Name(), plugin.Bundle().ConfigFile); err != nil {
		m.logger.Warn("Plugin configuration file not watched", "plugin", plugin.Name(), "error", err)
		return
	}
	m.startWatcher()
}
