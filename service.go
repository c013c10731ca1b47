// service.go: Hosted plugin services started and stopped with their plugin
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	stderrors "errors"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	cmap "github.com/orcaman/concurrent-map/v2"
)

// ServiceContext is handed to a hosted service when it starts.
type ServiceContext struct {
	Plugin    string
	Namespace *Namespace
	Logger    Logger

	configs *ConfigManager
}

// Config returns the configuration of typeName as seen from the service's namespace.
func (sc ServiceContext) Config(typeName string) (PluginConfig, error) {
	return sc.configs.GetConfig(typeName, sc.Namespace)
}

// PluginService is a long-running component shipped by a plugin, such as a
// rule synchroniser. It runs while the plugin is installed.
type PluginService interface {
	Start(ctx context.Context, sc ServiceContext) error
	Stop() error
}

// ServiceFactory creates a service instance for one plugin.
type ServiceFactory func() PluginService

// ServiceRegistry maps service names, as declared in archive manifests, to factories.
type ServiceRegistry struct {
	factories cmap.ConcurrentMap[string, ServiceFactory]
}

// NewServiceRegistry creates an empty registry.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{factories: cmap.New[ServiceFactory]()}
}

// Register adds a service type.
func (r *ServiceRegistry) Register(name string, factory ServiceFactory) error {
	if strings.TrimSpace(name) == "" || factory == nil {
		return NewInvalidManagerConfigError("service requires a name and a factory")
	}
	r.factories.Set(name, factory)
	return nil
}

// Lookup returns the factory registered under name.
func (r *ServiceRegistry) Lookup(name string) (ServiceFactory, bool) {
	return r.factories.Get(name)
}

// Names lists the registered services, sorted.
func (r *ServiceRegistry) Names() []string {
	names := r.factories.Keys()
	slices.Sort(names)
	return names
}

// ServiceHost starts and stops the services declared by a plugin.
type ServiceHost struct {
	registry     *ServiceRegistry
	configs      *ConfigManager
	startRetries int
	retryDelay   time.Duration
	logger       Logger
}

// NewServiceHost creates a host. startRetries extra attempts are made, with
// exponential backoff from retryDelay, when a service fails to start.
func NewServiceHost(registry *ServiceRegistry, configs *ConfigManager, startRetries int, retryDelay time.Duration, logger Logger) *ServiceHost {
	if registry == nil {
		registry = NewServiceRegistry()
	}
	if logger == nil {
		logger = DefaultLogger()
	}
	if retryDelay <= 0 {
		retryDelay = 100 * time.Millisecond
	}
	return &ServiceHost{
		registry:     registry,
		configs:      configs,
		startRetries: startRetries,
		retryDelay:   retryDelay,
		logger:       logger,
	}
}

// Registry returns the service registry.
func (h *ServiceHost) Registry() *ServiceRegistry {
	return h.registry
}

// StartServices starts every service declared by the plugin's service
// namespace, or its primary namespace when it has none. If one fails, the
// services already started are stopped and the error is returned.
func (h *ServiceHost) StartServices(ctx context.Context, plugin *Plugin) error {
	ns := plugin.ServiceNamespace()
	if ns == nil {
		ns = plugin.Namespace()
	}
	if ns == nil {
		return nil
	}

	for _, name := range ns.ServiceDeclarations() {
		factory, ok := h.registry.Lookup(name)
		if !ok {
			h.stopAll(plugin)
			return NewServiceNotFoundError(plugin.Name(), name)
		}

		svc := factory()
		sc := ServiceContext{
			Plugin:    plugin.Name(),
			Namespace: ns,
			Logger:    h.logger.With("plugin", plugin.Name(), "service", name),
			configs:   h.configs,
		}
		if err := h.start(ctx, svc, sc); err != nil {
			h.stopAll(plugin)
			return NewServiceStartError(plugin.Name(), name, err)
		}
		plugin.addService(name, svc)
		h.logger.Debug("Plugin service started", "plugin", plugin.Name(), "service", name)
	}
	return nil
}

func (h *ServiceHost) start(ctx context.Context, svc PluginService, sc ServiceContext) error {
	attempt := func() error {
		return callSafely(func() error { return svc.Start(ctx, sc) })
	}
	if h.startRetries <= 0 {
		return attempt()
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = h.retryDelay
	return backoff.Retry(attempt,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(h.startRetries)), ctx))
}

// StopServices stops the plugin's running services in reverse start order.
// Every service is stopped even if an earlier one fails; the errors are joined.
func (h *ServiceHost) StopServices(plugin *Plugin) error {
	return h.stopAll(plugin)
}

func (h *ServiceHost) stopAll(plugin *Plugin) error {
	services := plugin.takeServices()
	var errs []error
	for i := len(services) - 1; i >= 0; i-- {
		s := services[i]
		if err := callSafely(s.service.Stop); err != nil {
			h.logger.Warn("Plugin service stop failed",
				"plugin", plugin.Name(), "service", s.name, "error", err)
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
