// manager_teardown.go: Ordered plugin uninstallation
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	stderrors "errors"
	"fmt"
)

// TeardownStep is one step of plugin removal, listed in execution order.
type TeardownStep int

const (
	StepReleaseLocks TeardownStep = iota + 1
	StepUnEnhance
	StepStopServices
	StepRemoveNamespaceIndex
	StepRemoveInterceptors
	StepPurgeConfigs
	StepCloseNamespaces
	StepRemoveRegistryEntry
	StepClearVersionCache
)

// String returns the string representation of the teardown step
func (s TeardownStep) String() string {
	switch s {
	case StepReleaseLocks:
		return "release_locks"
	case StepUnEnhance:
		return "un_enhance"
	case StepStopServices:
		return "stop_services"
	case StepRemoveNamespaceIndex:
		return "remove_namespace_index"
	case StepRemoveInterceptors:
		return "remove_interceptors"
	case StepPurgeConfigs:
		return "purge_configs"
	case StepCloseNamespaces:
		return "close_namespaces"
	case StepRemoveRegistryEntry:
		return "remove_registry_entry"
	case StepClearVersionCache:
		return "clear_version_cache"
	default:
		return "unknown"
	}
}

// StepOutcome is the result of one teardown step.
type StepOutcome struct {
	Step   TeardownStep
	Detail string
	Err    error
}

// UninstallReport describes what happened to one plugin name.
type UninstallReport struct {
	Plugin  string
	Skipped bool
	Reason  string
	Steps   []StepOutcome
}

// Failed returns the steps that reported an error.
func (r UninstallReport) Failed() []StepOutcome {
	var failed []StepOutcome
	for _, s := range r.Steps {
		if s.Err != nil {
			failed = append(failed, s)
		}
	}
	return failed
}

// Err joins the step errors, nil when every step succeeded.
func (r UninstallReport) Err() error {
	var errs []error
	for _, s := range r.Failed() {
		errs = append(errs, fmt.Errorf("%s: %w", s.Step, s.Err))
	}
	return stderrors.Join(errs...)
}

// Uninstall removes dynamic plugins. Static plugins and unknown names are
// skipped with a warning. Every teardown step is attempted even when an
// earlier one fails; the reports list each step's outcome.
func (m *Manager) Uninstall(ctx context.Context, names ...string) []UninstallReport {
	if m.shutdown.Load() {
		m.logger.Warn("Uninstall refused, manager is shut down", "plugins", names)
		return nil
	}
	return m.uninstallBatch(ctx, m.normalizeNames(names))
}

// UninstallAll removes every installed dynamic plugin. The set of names is
// taken once before any removal starts.
func (m *Manager) UninstallAll(ctx context.Context) []UninstallReport {
	return m.Uninstall(ctx, m.Names()...)
}

func (m *Manager) uninstallBatch(ctx context.Context, names []string) []UninstallReport {
	reports := make([]UninstallReport, len(names))
	for i, name := range names {
		reports[i] = UninstallReport{Plugin: name, Skipped: true, Reason: "not processed"}
	}
	m.runBatch(ctx, names, func(i int, name string) {
		reports[i] = m.uninstallOne(ctx, name)
	})
	return reports
}

func (m *Manager) uninstallOne(ctx context.Context, name string) UninstallReport {
	lock := m.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	report := UninstallReport{Plugin: name}
	plugin, ok := m.plugins.Get(name)
	if !ok {
		m.logger.Warn("Plugin not installed, nothing to uninstall", "plugin", name)
		report.Skipped, report.Reason = true, "not installed"
		return report
	}
	if !plugin.IsDynamic() {
		m.logger.Warn("Static plugin cannot be uninstalled", "plugin", name)
		m.metrics.recordUninstall(resultSkipped)
		report.Skipped, report.Reason = true, "static plugin"
		return report
	}

	_, span := m.tracer.start(ctx, "uninstall", name, true)
	m.setState(plugin, StateUninstalling)
	report.Steps = m.teardown(plugin)
	plugin.setState(StateUnregistered)
	m.states.Remove(name)

	err := report.Err()
	endSpan(span, err)

	result := resultSuccess
	if err != nil {
		result = resultFailure
	}
	m.metrics.recordUninstall(result)

	event := newEvent(EventPluginUninstalled, name, true)
	if err != nil {
		event.Error = err.Error()
	}
	m.events.Collect(event)
	m.auditor.Record(EventPluginUninstalled, name, map[string]interface{}{
		"failed_steps": len(report.Failed()),
	})

	if err != nil {
		m.logger.Warn("Plugin uninstalled with errors", "plugin", name, "error", err)
	} else {
		m.logger.Info("Plugin uninstalled", "plugin", name)
	}
	return report
}

// teardown releases everything the plugin holds. It is used both by
// uninstall and by install rollback, so each step tolerates state that was
// never created.
func (m *Manager) teardown(plugin *Plugin) []StepOutcome {
	steps := []struct {
		step TeardownStep
		run  func() (string, error)
	}{
		{StepReleaseLocks, func() (string, error) {
			keys := plugin.takeLockKeys()
			for _, key := range keys {
				m.enhancer.ReleaseLock(plugin.Name(), key)
			}
			return fmt.Sprintf("%d locks released", len(keys)), nil
		}},
		{StepUnEnhance, func() (string, error) {
			return "", m.enhancer.UnEnhance(plugin)
		}},
		{StepStopServices, func() (string, error) {
			return "", m.services.StopServices(plugin)
		}},
		{StepRemoveNamespaceIndex, func() (string, error) {
			return fmt.Sprintf("%d namespaces unindexed", m.index.Remove(plugin)), nil
		}},
		{StepRemoveInterceptors, func() (string, error) {
			removed := 0
			for _, ns := range plugin.namespaces() {
				removed += m.enhancer.RemoveInterceptors(ns.ID())
			}
			return fmt.Sprintf("%d interceptors dropped", removed), nil
		}},
		{StepPurgeConfigs, func() (string, error) {
			if m.watcher != nil {
				m.watcher.Untrack(plugin.Name(), plugin.Bundle().ConfigFile)
			}
			return fmt.Sprintf("%d config entries removed", m.configs.CleanupConfigs(plugin)), nil
		}},
		{StepCloseNamespaces, func() (string, error) {
			// service namespace first: it is the child of the primary one
			var errs []error
			closed := 0
			for _, ns := range []*Namespace{plugin.ServiceNamespace(), plugin.Namespace()} {
				if ns == nil {
					continue
				}
				outcome := ns.Close()
				closed += outcome.Closed
				if err := outcome.Err(); err != nil {
					errs = append(errs, err)
				}
			}
			return fmt.Sprintf("%d archives closed", closed), stderrors.Join(errs...)
		}},
		{StepRemoveRegistryEntry, func() (string, error) {
			removed := m.plugins.RemoveCb(plugin.Name(), func(_ string, p *Plugin, exists bool) bool {
				return exists && p == plugin
			})
			if removed {
				return "removed", nil
			}
			return "not published", nil
		}},
		{StepClearVersionCache, func() (string, error) {
			m.validator.RemoveVersionCache(plugin.Name())
			return "", nil
		}},
	}

	outcomes := make([]StepOutcome, 0, len(steps))
	for _, s := range steps {
		var detail string
		err := callSafely(func() error {
			var runErr error
			detail, runErr = s.run()
			return runErr
		})
		if err != nil {
			m.metrics.recordStepFailure(s.step)
			m.logger.Warn("Teardown step failed",
				"plugin", plugin.Name(), "step", s.step.String(), "error", err)
		}
		outcomes = append(outcomes, StepOutcome{Step: s.step, Detail: detail, Err: err})
	}
	return outcomes
}
