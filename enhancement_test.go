// enhancement_test.go: interception engine tests
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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// orderInterceptor appends "<label>.before" and "<label>.after" to a shared trace.
type orderInterceptor struct {
	label string
	trace *[]string
	mu    *sync.Mutex
	fail  error
}

func (o *orderInterceptor) Before(context.Context, string) error {
	o.mu.Lock()
	*o.trace = append(*o.trace, o.label+".before")
	o.mu.Unlock()
	return o.fail
}

func (o *orderInterceptor) After(context.Context, string, error) {
	o.mu.Lock()
	*o.trace = append(*o.trace, o.label+".after")
	o.mu.Unlock()
}

func newTestEngine(t *testing.T) (*InterceptionEngine, *NamespaceFactory, *TestLogger) {
	t.Helper()
	logger := NewTestLogger()
	engine := NewInterceptionEngine(NewNamespaceIndex(), logger)
	engine.RegisterPoint("http.client.send")
	engine.RegisterPoint("http.client.recv")
	engine.RegisterPoint("db.query")
	return engine, NewNamespaceFactory(nil, nil), logger
}

func interceptorLines(target, interceptor string) string {
	return "interceptors:\n  - target: \"" + target + "\"\n    interceptor: " + interceptor + "\n"
}

func TestInterceptionEngine_EnhanceAndInvoke(t *testing.T) {
	engine, factory, _ := newTestEngine(t)
	counter := &countingInterceptor{}
	require.NoError(t, engine.RegisterInterceptor("demo.retry", func(*Namespace) (Interceptor, error) {
		return counter, nil
	}))

	plugin := newLoadedPlugin(t, factory, "alpha", "", interceptorLines("http.client.*", "demo.retry"))
	keys, err := engine.Enhance(plugin)
	require.NoError(t, err)
	assert.ElementsMatch(t, []LockKey{
		NewLockKey("http.client.send", "demo.retry"),
		NewLockKey("http.client.recv", "demo.retry"),
	}, keys)
	assert.Empty(t, engine.Interceptors("db.query"))

	owner, ok := engine.LockOwner(NewLockKey("http.client.send", "demo.retry"))
	require.True(t, ok)
	assert.Equal(t, "alpha", owner)

	// not indexed yet: the interceptor is ignored
	called := false
	require.NoError(t, engine.Invoke(context.Background(), "http.client.send", func(context.Context) error {
		called = true
		return nil
	}))
	assert.True(t, called)
	assert.Zero(t, counter.before.Load())

	engine.Index().Add(plugin)
	require.NoError(t, engine.Invoke(context.Background(), "http.client.send", func(context.Context) error { return nil }))
	assert.Equal(t, int32(1), counter.before.Load())
	assert.Equal(t, int32(1), counter.after.Load())

	binding := engine.Interceptors("http.client.send")
	require.Len(t, binding, 1)
	assert.Equal(t, InterceptorBinding{
		Point:       "http.client.send",
		Interceptor: "demo.retry",
		Owner:       "alpha",
		Namespace:   plugin.Namespace().ID(),
	}, binding[0])
}

func TestInterceptionEngine_InvokeOrdering(t *testing.T) {
	engine, factory, _ := newTestEngine(t)
	var trace []string
	var mu sync.Mutex
	for _, label := range []string{"first", "second"} {
		label := label
		require.NoError(t, engine.RegisterInterceptor("demo."+label, func(*Namespace) (Interceptor, error) {
			return &orderInterceptor{label: label, trace: &trace, mu: &mu}, nil
		}))
	}

	first := newLoadedPlugin(t, factory, "first", "", interceptorLines("db.query", "demo.first"))
	second := newLoadedPlugin(t, factory, "second", "", interceptorLines("db.query", "demo.second"))
	for _, p := range []*Plugin{first, second} {
		_, err := engine.Enhance(p)
		require.NoError(t, err)
		engine.Index().Add(p)
	}

	require.NoError(t, engine.Invoke(context.Background(), "db.query", func(context.Context) error {
		mu.Lock()
		trace = append(trace, "call")
		mu.Unlock()
		return nil
	}))
	assert.Equal(t, []string{"first.before", "second.before", "call", "second.after", "first.after"}, trace)
}

func TestInterceptionEngine_BeforeFailureShortCircuits(t *testing.T) {
	engine, factory, _ := newTestEngine(t)
	var trace []string
	var mu sync.Mutex
	boom := errors.New("rejected")
	require.NoError(t, engine.RegisterInterceptor("demo.ok", func(*Namespace) (Interceptor, error) {
		return &orderInterceptor{label: "ok", trace: &trace, mu: &mu}, nil
	}))
	require.NoError(t, engine.RegisterInterceptor("demo.deny", func(*Namespace) (Interceptor, error) {
		return &orderInterceptor{label: "deny", trace: &trace, mu: &mu, fail: boom}, nil
	}))

	plugin := newLoadedPlugin(t, factory, "alpha", "",
		"interceptors:\n  - target: db.query\n    interceptor: demo.ok\n  - target: db.query\n    interceptor: demo.deny\n")
	_, err := engine.Enhance(plugin)
	require.NoError(t, err)
	engine.Index().Add(plugin)

	err = engine.Invoke(context.Background(), "db.query", func(context.Context) error {
		t.Fatal("call must not run")
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"ok.before", "deny.before", "ok.after"}, trace)
}

func TestInterceptionEngine_LockConflict(t *testing.T) {
	engine, factory, logger := newTestEngine(t)
	require.NoError(t, engine.RegisterInterceptor("demo.retry", func(*Namespace) (Interceptor, error) {
		return &countingInterceptor{}, nil
	}))

	alpha := newLoadedPlugin(t, factory, "alpha", "", interceptorLines("db.query", "demo.retry"))
	beta := newLoadedPlugin(t, factory, "beta", "", interceptorLines("db.*", "demo.retry"))

	keys, err := engine.Enhance(alpha)
	require.NoError(t, err)
	require.Len(t, keys, 1)

	keys, err = engine.Enhance(beta)
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.True(t, logger.HasMessage("WARN", "Interception lock held by another plugin, binding skipped"))
	assert.Len(t, engine.Interceptors("db.query"), 1)

	// beta cannot release alpha's lock
	key := NewLockKey("db.query", "demo.retry")
	engine.ReleaseLock("beta", key)
	owner, held := engine.LockOwner(key)
	require.True(t, held)
	assert.Equal(t, "alpha", owner)

	// releasing twice is harmless and frees the lock for beta
	engine.ReleaseLock("alpha", key)
	engine.ReleaseLock("alpha", key)
	_, held = engine.LockOwner(key)
	assert.False(t, held)
	require.NoError(t, engine.UnEnhance(alpha))
	assert.Empty(t, engine.Interceptors("db.query"))

	keys, err = engine.Enhance(beta)
	require.NoError(t, err)
	assert.Equal(t, []LockKey{key}, keys)
}

func TestInterceptionEngine_RollbackOnUnknownInterceptor(t *testing.T) {
	engine, factory, _ := newTestEngine(t)
	require.NoError(t, engine.RegisterInterceptor("demo.retry", func(*Namespace) (Interceptor, error) {
		return &countingInterceptor{}, nil
	}))

	plugin := newLoadedPlugin(t, factory, "alpha", "",
		"interceptors:\n  - target: db.query\n    interceptor: demo.retry\n  - target: db.query\n    interceptor: demo.missing\n")
	keys, err := engine.Enhance(plugin)
	require.Error(t, err)
	assert.Nil(t, keys)
	assert.True(t, HasErrorCode(err, ErrCodeInterceptorNotFound))

	assert.Empty(t, engine.Interceptors("db.query"))
	_, held := engine.LockOwner(NewLockKey("db.query", "demo.retry"))
	assert.False(t, held)
}

func TestInterceptionEngine_FactoryFailure(t *testing.T) {
	engine, factory, _ := newTestEngine(t)
	require.NoError(t, engine.RegisterInterceptor("demo.broken", func(*Namespace) (Interceptor, error) {
		return nil, errors.New("cannot build")
	}))

	plugin := newLoadedPlugin(t, factory, "alpha", "", interceptorLines("db.query", "demo.broken"))
	_, err := engine.Enhance(plugin)
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeEnhancementFailed))
}

func TestInterceptionEngine_UnmatchedTarget(t *testing.T) {
	engine, factory, logger := newTestEngine(t)
	require.NoError(t, engine.RegisterInterceptor("demo.retry", func(*Namespace) (Interceptor, error) {
		return &countingInterceptor{}, nil
	}))

	plugin := newLoadedPlugin(t, factory, "alpha", "", interceptorLines("grpc.*", "demo.retry"))
	keys, err := engine.Enhance(plugin)
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.True(t, logger.HasMessage("DEBUG", "Interceptor target matches no interception point"))
}

func TestInterceptionEngine_RemoveInterceptors(t *testing.T) {
	engine, factory, _ := newTestEngine(t)
	require.NoError(t, engine.RegisterInterceptor("demo.retry", func(*Namespace) (Interceptor, error) {
		return &countingInterceptor{}, nil
	}))

	plugin := newLoadedPlugin(t, factory, "alpha", "", interceptorLines("*", "demo.retry"))
	keys, err := engine.Enhance(plugin)
	require.NoError(t, err)
	require.Len(t, keys, 3)

	assert.Equal(t, 3, engine.RemoveInterceptors(plugin.Namespace().ID()))
	assert.Zero(t, engine.RemoveInterceptors(plugin.Namespace().ID()))
}

func TestNamespaceIndex(t *testing.T) {
	factory := NewNamespaceFactory(nil, nil)
	index := NewNamespaceIndex()
	alpha := newLoadedPlugin(t, factory, "alpha", "")
	beta := newLoadedPlugin(t, factory, "beta", "")

	index.Add(alpha)
	index.Add(beta)
	assert.Equal(t, 2, index.Len())

	found, ok := index.Find(alpha.Namespace().ID())
	require.True(t, ok)
	assert.Same(t, alpha, found)

	assert.Equal(t, 1, index.Remove(alpha))
	assert.Zero(t, index.Remove(alpha))
	_, ok = index.Find(alpha.Namespace().ID())
	assert.False(t, ok)
	assert.Equal(t, 1, index.Len())
}
