// enhancement.go: Interception engine contract and in-process reference engine
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"path"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// LockKey identifies an exclusive interception lock: one interceptor type
// bound to one interception point.
type LockKey string

// NewLockKey builds the lock key of interceptorType bound to point.
func NewLockKey(point, interceptorType string) LockKey {
	return LockKey(point + "/" + interceptorType)
}

// Enhancer is the rewriting engine the manager coordinates with.
//
// Teardown calls ReleaseLock for every key returned by Enhance, then
// UnEnhance, and later RemoveInterceptors once the plugin's namespaces are
// no longer resolvable. Implementations must tolerate plugins they never enhanced.
type Enhancer interface {
	// Enhance attaches the plugin's interceptors and returns the locks acquired.
	// On error nothing attached by this call remains.
	Enhance(plugin *Plugin) ([]LockKey, error)

	// UnEnhance detaches the plugin's interceptors.
	UnEnhance(plugin *Plugin) error

	// ReleaseLock releases a lock held by owner. Releasing an unheld lock or
	// a lock held by another plugin is a no-op.
	ReleaseLock(owner string, key LockKey)

	// RemoveInterceptors drops every interceptor instance tagged with ns and
	// returns how many were dropped.
	RemoveInterceptors(ns NamespaceID) int
}

// Interceptor runs around an interception point.
type Interceptor interface {
	Before(ctx context.Context, point string) error
	After(ctx context.Context, point string, err error)
}

// InterceptorFactory instantiates an interceptor inside the declaring namespace.
type InterceptorFactory func(ns *Namespace) (Interceptor, error)

// NamespaceIndex resolves namespaces to the plugin that owns them. The
// interception engine uses it to find the declaring plugin of an interceptor
// and to ignore interceptors whose plugin is gone.
type NamespaceIndex struct {
	plugins cmap.ConcurrentMap[string, *Plugin]
}

// NewNamespaceIndex creates an empty index.
func NewNamespaceIndex() *NamespaceIndex {
	return &NamespaceIndex{plugins: cmap.New[*Plugin]()}
}

// Add indexes the plugin's primary and secondary namespaces.
func (x *NamespaceIndex) Add(plugin *Plugin) {
	if ns := plugin.Namespace(); ns != nil {
		x.plugins.Set(string(ns.ID()), plugin)
	}
	if ns := plugin.ServiceNamespace(); ns != nil {
		x.plugins.Set(string(ns.ID()), plugin)
	}
}

// Remove drops the plugin's namespaces and returns how many were indexed.
func (x *NamespaceIndex) Remove(plugin *Plugin) int {
	removed := 0
	for _, ns := range []*Namespace{plugin.Namespace(), plugin.ServiceNamespace()} {
		if ns == nil {
			continue
		}
		if x.plugins.RemoveCb(string(ns.ID()), func(_ string, p *Plugin, exists bool) bool {
			return exists && p == plugin
		}) {
			removed++
		}
	}
	return removed
}

// Find returns the plugin owning ns.
func (x *NamespaceIndex) Find(ns NamespaceID) (*Plugin, bool) {
	return x.plugins.Get(string(ns))
}

// Len returns the number of indexed namespaces.
func (x *NamespaceIndex) Len() int {
	return x.plugins.Count()
}

// InterceptorBinding describes one interceptor attached to a point.
type InterceptorBinding struct {
	Point       string
	Interceptor string
	Owner       string
	Namespace   NamespaceID
}

type binding struct {
	InterceptorBinding
	seq      uint64
	instance Interceptor
}

// InterceptionEngine is the in-process reference Enhancer.
//
// Interceptor types are registered by name; archive manifests bind them to
// interception points with glob targets. Every binding takes the lock of its
// point and interceptor type; a lock held by another plugin makes that
// binding a reported conflict and it is skipped.
type InterceptionEngine struct {
	mu        sync.RWMutex
	factories map[string]InterceptorFactory
	chains    map[string][]binding

	locks  cmap.ConcurrentMap[string, string]
	seq    atomic.Uint64
	index  *NamespaceIndex
	logger Logger
}

// NewInterceptionEngine creates an engine resolving plugins through index.
func NewInterceptionEngine(index *NamespaceIndex, logger Logger) *InterceptionEngine {
	if index == nil {
		index = NewNamespaceIndex()
	}
	if logger == nil {
		logger = DefaultLogger()
	}
	return &InterceptionEngine{
		factories: make(map[string]InterceptorFactory),
		chains:    make(map[string][]binding),
		locks:     cmap.New[string](),
		index:     index,
		logger:    logger,
	}
}

// Index returns the namespace index used by the engine.
func (e *InterceptionEngine) Index() *NamespaceIndex {
	return e.index
}

// RegisterInterceptor registers an interceptor type.
func (e *InterceptionEngine) RegisterInterceptor(typeName string, factory InterceptorFactory) error {
	if strings.TrimSpace(typeName) == "" || factory == nil {
		return NewInvalidManagerConfigError("interceptor type requires a name and a factory")
	}
	e.mu.Lock()
	e.factories[typeName] = factory
	e.mu.Unlock()
	return nil
}

// RegisterPoint declares an interception point. Registering twice is a no-op.
func (e *InterceptionEngine) RegisterPoint(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.chains[name]; !ok {
		e.chains[name] = nil
	}
}

// Points lists the registered interception points, sorted.
func (e *InterceptionEngine) Points() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	points := make([]string, 0, len(e.chains))
	for p := range e.chains {
		points = append(points, p)
	}
	slices.Sort(points)
	return points
}

// Interceptors returns the chain currently attached to point.
func (e *InterceptionEngine) Interceptors(point string) []InterceptorBinding {
	e.mu.RLock()
	defer e.mu.RUnlock()
	chain := e.chains[point]
	out := make([]InterceptorBinding, len(chain))
	for i, b := range chain {
		out[i] = b.InterceptorBinding
	}
	return out
}

// LockOwner returns the plugin holding key.
func (e *InterceptionEngine) LockOwner(key LockKey) (string, bool) {
	return e.locks.Get(string(key))
}

// Enhance implements Enhancer.
func (e *InterceptionEngine) Enhance(plugin *Plugin) ([]LockKey, error) {
	ns := plugin.Namespace()
	if ns == nil {
		return nil, nil
	}
	decls := ns.InterceptorDeclarations()
	if len(decls) == 0 {
		return nil, nil
	}

	points := e.Points()
	var acquired []LockKey
	var attached []binding

	rollback := func() {
		for _, key := range acquired {
			e.ReleaseLock(plugin.Name(), key)
		}
		e.detach(func(b binding) bool {
			return slices.ContainsFunc(attached, func(a binding) bool { return a.seq == b.seq })
		})
	}

	for _, decl := range decls {
		e.mu.RLock()
		factory, ok := e.factories[decl.Interceptor]
		e.mu.RUnlock()
		if !ok {
			rollback()
			return nil, NewInterceptorNotFoundError(plugin.Name(), decl.Interceptor)
		}

		var matched []string
		for _, point := range points {
			ok, err := path.Match(decl.Target, point)
			if err != nil {
				rollback()
				return nil, NewEnhancementFailedError(plugin.Name(), err).
					WithContext("target", decl.Target)
			}
			if ok {
				matched = append(matched, point)
			}
		}
		if len(matched) == 0 {
			e.logger.Debug("Interceptor target matches no interception point",
				"plugin", plugin.Name(), "target", decl.Target, "interceptor", decl.Interceptor)
			continue
		}

		instance, err := factory(ns)
		if err != nil {
			rollback()
			return nil, NewEnhancementFailedError(plugin.Name(), err).
				WithContext("interceptor", decl.Interceptor)
		}

		for _, point := range matched {
			key := NewLockKey(point, decl.Interceptor)
			if !e.locks.SetIfAbsent(string(key), plugin.Name()) {
				owner, _ := e.locks.Get(string(key))
				if owner != plugin.Name() {
					e.logger.Warn("Interception lock held by another plugin, binding skipped",
						"plugin", plugin.Name(), "lock", key, "owner", owner)
				}
				continue
			}
			acquired = append(acquired, key)

			b := binding{
				InterceptorBinding: InterceptorBinding{
					Point:       point,
					Interceptor: decl.Interceptor,
					Owner:       plugin.Name(),
					Namespace:   ns.ID(),
				},
				seq:      e.seq.Add(1),
				instance: instance,
			}
			e.mu.Lock()
			e.chains[point] = append(e.chains[point], b)
			e.mu.Unlock()
			attached = append(attached, b)
		}
	}

	e.logger.Debug("Plugin enhanced", "plugin", plugin.Name(), "bindings", len(attached))
	return acquired, nil
}

// UnEnhance implements Enhancer.
func (e *InterceptionEngine) UnEnhance(plugin *Plugin) error {
	removed := e.detach(func(b binding) bool { return b.Owner == plugin.Name() })
	if removed > 0 {
		e.logger.Debug("Plugin un-enhanced", "plugin", plugin.Name(), "bindings", removed)
	}
	return nil
}

// ReleaseLock implements Enhancer.
func (e *InterceptionEngine) ReleaseLock(owner string, key LockKey) {
	e.locks.RemoveCb(string(key), func(_ string, holder string, exists bool) bool {
		return exists && holder == owner
	})
}

// RemoveInterceptors implements Enhancer.
func (e *InterceptionEngine) RemoveInterceptors(ns NamespaceID) int {
	return e.detach(func(b binding) bool { return b.Namespace == ns })
}

func (e *InterceptionEngine) detach(match func(binding) bool) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for point, chain := range e.chains {
		kept := chain[:0:0]
		for _, b := range chain {
			if match(b) {
				removed++
				continue
			}
			kept = append(kept, b)
		}
		e.chains[point] = kept
	}
	return removed
}

// Invoke runs fn through the interceptor chain of point. Before hooks run in
// attachment order and After hooks in reverse. Interceptors whose namespace
// is no longer indexed are skipped.
func (e *InterceptionEngine) Invoke(ctx context.Context, point string, fn func(ctx context.Context) error) error {
	e.mu.RLock()
	chain := make([]binding, 0, len(e.chains[point]))
	for _, b := range e.chains[point] {
		if _, live := e.index.Find(b.Namespace); live {
			chain = append(chain, b)
		}
	}
	e.mu.RUnlock()

	entered := 0
	var err error
	for _, b := range chain {
		if err = b.instance.Before(ctx, point); err != nil {
			break
		}
		entered++
	}
	if err == nil {
		err = fn(ctx)
	}
	for i := entered - 1; i >= 0; i-- {
		chain[i].instance.After(ctx, point, err)
	}
	return err
}
