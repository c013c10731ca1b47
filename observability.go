// observability.go: Prometheus lifecycle metrics and OpenTelemetry spans
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/agilira/plugin-host"

// Metric result labels
const (
	resultSuccess = "success"
	resultFailure = "failure"
	resultSkipped = "skipped"
)

// LifecycleMetrics holds the Prometheus collectors of the plugin manager.
// A nil *LifecycleMetrics is valid and records nothing.
type LifecycleMetrics struct {
	InstallsTotal        *prometheus.CounterVec
	UninstallsTotal      *prometheus.CounterVec
	InstalledPlugins     prometheus.Gauge
	InstallDuration      prometheus.Histogram
	TeardownStepFailures *prometheus.CounterVec
	RejectedArchives     prometheus.Counter
}

// NewLifecycleMetrics creates the collectors and registers them with registerer.
// A nil registerer leaves them unregistered.
func NewLifecycleMetrics(registerer prometheus.Registerer) (*LifecycleMetrics, error) {
	m := &LifecycleMetrics{
		InstallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pluginhost_installs_total",
				Help: "Total number of plugin install attempts",
			},
			[]string{"result"},
		),
		UninstallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pluginhost_uninstalls_total",
				Help: "Total number of plugin uninstall attempts",
			},
			[]string{"result"},
		),
		InstalledPlugins: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pluginhost_installed_plugins",
				Help: "Number of plugins currently installed",
			},
		),
		InstallDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pluginhost_install_duration_seconds",
				Help:    "Plugin install duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		TeardownStepFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pluginhost_teardown_step_failures_total",
				Help: "Total number of failed teardown steps",
			},
			[]string{"step"},
		),
		RejectedArchives: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pluginhost_rejected_archives_total",
				Help: "Total number of archives rejected by the schema validator",
			},
		),
	}

	if registerer != nil {
		for _, c := range m.collectors() {
			if err := registerer.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *LifecycleMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.InstallsTotal,
		m.UninstallsTotal,
		m.InstalledPlugins,
		m.InstallDuration,
		m.TeardownStepFailures,
		m.RejectedArchives,
	}
}

func (m *LifecycleMetrics) recordInstall(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.InstallsTotal.WithLabelValues(result).Inc()
	if result == resultSuccess {
		m.InstalledPlugins.Inc()
		m.InstallDuration.Observe(elapsed.Seconds())
	}
}

func (m *LifecycleMetrics) recordUninstall(result string) {
	if m == nil {
		return
	}
	m.UninstallsTotal.WithLabelValues(result).Inc()
	if result != resultSkipped {
		m.InstalledPlugins.Dec()
	}
}

func (m *LifecycleMetrics) recordStepFailure(step TeardownStep) {
	if m == nil {
		return
	}
	m.TeardownStepFailures.WithLabelValues(step.String()).Inc()
}

func (m *LifecycleMetrics) recordRejectedArchive() {
	if m == nil {
		return
	}
	m.RejectedArchives.Inc()
}

// lifecycleTracer wraps the OpenTelemetry tracer used around install and uninstall.
type lifecycleTracer struct {
	tracer trace.Tracer
}

func newLifecycleTracer(provider trace.TracerProvider) lifecycleTracer {
	if provider == nil {
		return lifecycleTracer{tracer: otel.Tracer(tracerName)}
	}
	return lifecycleTracer{tracer: provider.Tracer(tracerName)}
}

func (t lifecycleTracer) start(ctx context.Context, operation, plugin string, dynamic bool) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "pluginhost."+operation,
		trace.WithAttributes(
			attribute.String("plugin.name", plugin),
			attribute.String("plugin.real_name", RealPluginName(plugin)),
			attribute.Bool("plugin.dynamic", dynamic),
		),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
