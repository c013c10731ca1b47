// serve.go: long running plugin host process
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	pluginhost "github.com/agilira/plugin-host"
)

type serveOptions struct {
	configPath      string
	grpcAddr        string
	httpAddr        string
	shutdownTimeout time.Duration
}

func newServeCommand(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the plugin manager and its command server",
		Long: `Boot the static plugins listed in the configuration, then serve plugin
commands over gRPC until interrupted. Metrics are exposed on /metrics and
health on /live and /ready of the HTTP address.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := root.newLogger()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, logger)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "manager configuration file (yaml, json, toml, ...)")
	cmd.Flags().StringVar(&opts.grpcAddr, "grpc-addr", defaultCommandAddr, "command server listen address")
	cmd.Flags().StringVar(&opts.httpAddr, "http-addr", ":9464", "metrics and health listen address, empty to disable")
	cmd.Flags().DurationVar(&opts.shutdownTimeout, "shutdown-timeout", 30*time.Second, "time allowed for graceful shutdown")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func runServe(ctx context.Context, opts *serveOptions, log *logrus.Logger) error {
	config, err := pluginhost.LoadManagerConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger := pluginhost.NewLogrusLogger(log)
	config.Logger = logger

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := pluginhost.NewLifecycleMetrics(registry)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	events := pluginhost.NewAsyncEventSink(func(_ context.Context, event pluginhost.Event) error {
		log.WithFields(logrus.Fields{
			"event":   event.Type,
			"plugin":  event.Plugin,
			"dynamic": event.Dynamic,
			"error":   event.Error,
		}).Debug("Plugin lifecycle event")
		return nil
	}, pluginhost.DefaultAsyncEventSinkOptions(), logger)
	defer events.Close()

	manager, err := pluginhost.NewManager(config,
		pluginhost.WithMetrics(metrics),
		pluginhost.WithEventSink(events),
	)
	if err != nil {
		return fmt.Errorf("create plugin manager: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.shutdownTimeout)
		defer cancel()
		manager.Shutdown(shutdownCtx)
	}()

	if err := manager.Boot(ctx); err != nil {
		return fmt.Errorf("boot static plugins: %w", err)
	}

	listener, err := net.Listen("tcp", opts.grpcAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", opts.grpcAddr, err)
	}
	server := grpc.NewServer()
	pluginhost.NewCommandServer(pluginhost.NewCommandProcessor(manager)).Register(server)

	errCh := make(chan error, 2)
	go func() {
		log.WithField("addr", listener.Addr().String()).Info("Command server listening")
		errCh <- server.Serve(listener)
	}()

	var httpServer *http.Server
	if opts.httpAddr != "" {
		httpServer = newObservabilityServer(opts.httpAddr, registry, manager)
		go func() {
			log.WithField("addr", opts.httpAddr).Info("Metrics and health server listening")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("Received shutdown signal, shutting down gracefully...")
	case err = <-errCh:
		log.WithError(err).Error("Server stopped unexpectedly")
	}

	server.GracefulStop()
	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.shutdownTimeout)
		defer cancel()
		if serr := httpServer.Shutdown(shutdownCtx); serr != nil {
			log.WithError(serr).Warn("HTTP server shutdown failed")
		}
	}
	return err
}

func newObservabilityServer(addr string, registry *prometheus.Registry, manager *pluginhost.Manager) *http.Server {
	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))
	health.AddReadinessCheck("static-plugins", func() error {
		for _, name := range manager.Config().StaticPlugins {
			if !manager.IsInstalled(name) {
				return fmt.Errorf("static plugin %s is not installed", name)
			}
		}
		return nil
	})
	health.AddReadinessCheck("plugin-package-dir", func() error {
		_, err := manager.Config().ResolvePackageRoot(true)
		return err
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/live", health.LiveEndpoint)
	mux.HandleFunc("/ready", health.ReadyEndpoint)

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
