// Package pluginhost installs and removes plugin bundles inside a running
// host process without a restart, keeping every plugin isolated in its own
// resource namespace.
//
// A plugin package root holds one directory per plugin:
//
//	<root>/<name>/plugin/*.pkg       primary archives, loaded into the plugin namespace
//	<root>/<name>/service/*.pkg      service archives, loaded into a child namespace
//	<root>/<name>/config/config.yaml plugin configuration
//
// Each .pkg archive is a zip file with a manifest.yaml entry naming the
// plugin, its version and the configuration types, interceptors and hosted
// services it declares.
//
// Key Features:
//   - Per-plugin namespaces with parent-first resource lookup
//   - Version checks across archives and copies ("flowcontrol#1")
//   - First-writer-wins configuration registry with environment placeholders
//   - Interceptor attachment with exclusive per-point locks
//   - Ordered, best-effort teardown reported step by step
//   - Prometheus metrics, OpenTelemetry spans and an Argus audit trail
//
// Basic Usage:
//
//	manager, err := pluginhost.NewManager(pluginhost.ManagerConfig{
//		PluginPackageDir: "/opt/agent/pluginPackage",
//		StaticPlugins:    []string{"tracing"},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer manager.Shutdown(context.Background())
//
//	if err := manager.Boot(ctx); err != nil {
//		log.Fatal(err)
//	}
//
//	// Runtime install and removal
//	_ = manager.Install(ctx, "flowcontrol")
//	reports := manager.Uninstall(ctx, "flowcontrol")
//
// Remote control:
// CommandProcessor accepts "INSTALL-PLUGINS:a/b" style command lines and
// CommandServer exposes it over gRPC.
//
// Copyright (c) 2025 AGILira - A. Giordano
// SPDX-License-Identifier: MPL-2.0
package pluginhost
