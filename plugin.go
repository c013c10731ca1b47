// plugin.go: Installed plugin record and lifecycle states
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// PluginState is the lifecycle state of a plugin name in the registry.
//
// A name moves Unregistered -> Resolving -> Loading -> Enhancing -> Installed
// and, when removed, Installed -> Uninstalling -> Unregistered. Any failure
// before Installed returns the name to Unregistered.
type PluginState int32

const (
	StateUnregistered PluginState = iota
	StateResolving
	StateLoading
	StateEnhancing
	StateInstalled
	StateUninstalling
)

// String returns the string representation of the plugin state
func (s PluginState) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateResolving:
		return "resolving"
	case StateLoading:
		return "loading"
	case StateEnhancing:
		return "enhancing"
	case StateInstalled:
		return "installed"
	case StateUninstalling:
		return "uninstalling"
	default:
		return "unknown"
	}
}

type startedService struct {
	name    string
	service PluginService
}

// Plugin is one installed plugin: its bundle, namespaces and the registry
// entries it owns. It is created by the Manager and only published once every
// install step succeeded.
type Plugin struct {
	name     string
	realName string
	dynamic  bool
	bundle   *Bundle

	namespace        *Namespace
	serviceNamespace *Namespace

	state       atomic.Int32
	installedAt atomic.Int64

	mu         sync.RWMutex
	configKeys map[string]struct{}
	lockKeys   map[LockKey]struct{}
	services   []startedService
}

func newPlugin(bundle *Bundle, dynamic bool) *Plugin {
	p := &Plugin{
		name:       bundle.Name,
		realName:   bundle.RealName,
		dynamic:    dynamic,
		bundle:     bundle,
		configKeys: make(map[string]struct{}),
		lockKeys:   make(map[LockKey]struct{}),
	}
	p.setState(StateResolving)
	return p
}

// Name returns the registry name, possibly carrying a copy suffix.
func (p *Plugin) Name() string { return p.name }

// RealName returns the name without copy suffix.
func (p *Plugin) RealName() string { return p.realName }

// Path returns the bundle directory.
func (p *Plugin) Path() string { return p.bundle.Dir }

// Bundle returns the resolved bundle.
func (p *Plugin) Bundle() *Bundle { return p.bundle }

// IsDynamic reports whether the plugin was installed at runtime.
// Only dynamic plugins can be uninstalled.
func (p *Plugin) IsDynamic() bool { return p.dynamic }

// Namespace returns the primary namespace.
func (p *Plugin) Namespace() *Namespace { return p.namespace }

// ServiceNamespace returns the secondary namespace, nil when the bundle has no service archives.
func (p *Plugin) ServiceNamespace() *Namespace { return p.serviceNamespace }

// namespaces returns the plugin's namespaces, children first.
func (p *Plugin) namespaces() []*Namespace {
	var out []*Namespace
	for _, ns := range []*Namespace{p.serviceNamespace, p.namespace} {
		if ns != nil {
			out = append(out, ns)
		}
	}
	return out
}

// State returns the current lifecycle state.
func (p *Plugin) State() PluginState { return PluginState(p.state.Load()) }

func (p *Plugin) setState(s PluginState) { p.state.Store(int32(s)) }

// InstalledAt returns the time the plugin was published, zero before that.
func (p *Plugin) InstalledAt() time.Time {
	nanos := p.installedAt.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// ConfigKeys returns the configuration keys claimed by the plugin, sorted.
func (p *Plugin) ConfigKeys() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	keys := make([]string, 0, len(p.configKeys))
	for k := range p.configKeys {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (p *Plugin) addConfigKey(key string) {
	p.mu.Lock()
	p.configKeys[key] = struct{}{}
	p.mu.Unlock()
}

func (p *Plugin) clearConfigKeys() {
	p.mu.Lock()
	p.configKeys = make(map[string]struct{})
	p.mu.Unlock()
}

// LockKeys returns the interception locks held by the plugin, sorted.
func (p *Plugin) LockKeys() []LockKey {
	p.mu.RLock()
	defer p.mu.RUnlock()
	keys := make([]LockKey, 0, len(p.lockKeys))
	for k := range p.lockKeys {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (p *Plugin) addLockKeys(keys []LockKey) {
	p.mu.Lock()
	for _, k := range keys {
		p.lockKeys[k] = struct{}{}
	}
	p.mu.Unlock()
}

func (p *Plugin) takeLockKeys() []LockKey {
	keys := p.LockKeys()
	p.mu.Lock()
	p.lockKeys = make(map[LockKey]struct{})
	p.mu.Unlock()
	return keys
}

// Services returns the names of the running hosted services in start order.
func (p *Plugin) Services() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, len(p.services))
	for i, s := range p.services {
		names[i] = s.name
	}
	return names
}

func (p *Plugin) addService(name string, svc PluginService) {
	p.mu.Lock()
	p.services = append(p.services, startedService{name: name, service: svc})
	p.mu.Unlock()
}

func (p *Plugin) takeServices() []startedService {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.services
	p.services = nil
	return out
}

// PluginInfo is a serialisable snapshot of an installed plugin.
type PluginInfo struct {
	Name             string    `json:"name"`
	RealName         string    `json:"real_name"`
	Path             string    `json:"path"`
	Dynamic          bool      `json:"dynamic"`
	State            string    `json:"state"`
	Version          string    `json:"version,omitempty"`
	InstalledAt      time.Time `json:"installed_at"`
	Namespace        string    `json:"namespace"`
	ServiceNamespace string    `json:"service_namespace,omitempty"`
	ConfigKeys       []string  `json:"config_keys,omitempty"`
	LockKeys         []string  `json:"lock_keys,omitempty"`
	Services         []string  `json:"services,omitempty"`
}

// Info returns a snapshot of the plugin.
func (p *Plugin) Info() PluginInfo {
	info := PluginInfo{
		Name:        p.name,
		RealName:    p.realName,
		Path:        p.bundle.Dir,
		Dynamic:     p.dynamic,
		State:       p.State().String(),
		InstalledAt: p.InstalledAt(),
		ConfigKeys:  p.ConfigKeys(),
		Services:    p.Services(),
	}
	if p.namespace != nil {
		info.Namespace = string(p.namespace.ID())
	}
	if p.serviceNamespace != nil {
		info.ServiceNamespace = string(p.serviceNamespace.ID())
	}
	for _, k := range p.LockKeys() {
		info.LockKeys = append(info.LockKeys, string(k))
	}
	return info
}
