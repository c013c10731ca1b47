// events.go: Lifecycle events and asynchronous event delivery
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/cenkalti/backoff/v4"
)

// EventType identifies a lifecycle event.
type EventType string

const (
	EventPluginInstalled     EventType = "plugin.installed"
	EventPluginInstallFailed EventType = "plugin.install_failed"
	EventPluginUninstalled   EventType = "plugin.uninstalled"
	EventArchiveRejected     EventType = "plugin.archive_rejected"
	EventConfigReloaded      EventType = "plugin.config_reloaded"
)

// Event is a fire-and-forget lifecycle notification.
type Event struct {
	Type      EventType         `json:"type"`
	Plugin    string            `json:"plugin"`
	Dynamic   bool              `json:"dynamic"`
	Timestamp time.Time         `json:"timestamp"`
	Error     string            `json:"error,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

func newEvent(eventType EventType, plugin string, dynamic bool) Event {
	return Event{
		Type:      eventType,
		Plugin:    plugin,
		Dynamic:   dynamic,
		Timestamp: timecache.CachedTime(),
	}
}

// EventSink receives lifecycle events. Collect must not block the caller for
// long and its failures never affect the lifecycle operation.
type EventSink interface {
	Collect(event Event)
}

// NoOpEventSink discards events.
type NoOpEventSink struct{}

// Collect implements EventSink (no-op)
func (NoOpEventSink) Collect(Event) {}

// EventDeliverFunc pushes one event to its destination.
type EventDeliverFunc func(ctx context.Context, event Event) error

// AsyncEventSinkOptions configures an AsyncEventSink.
type AsyncEventSinkOptions struct {
	BufferSize int
	// MaxRetries is the number of redeliveries after a failed attempt.
	// Zero delivers each event once.
	MaxRetries      uint64
	InitialInterval time.Duration
	DeliverTimeout  time.Duration
}

// DefaultAsyncEventSinkOptions returns the recommended options. NewAsyncEventSink
// uses them for zero BufferSize, InitialInterval and DeliverTimeout.
func DefaultAsyncEventSinkOptions() AsyncEventSinkOptions {
	return AsyncEventSinkOptions{
		BufferSize:      256,
		MaxRetries:      3,
		InitialInterval: 200 * time.Millisecond,
		DeliverTimeout:  5 * time.Second,
	}
}

// AsyncEventSink buffers events and delivers them from a background goroutine,
// retrying failed deliveries with exponential backoff. When the buffer is full
// new events are dropped and counted.
type AsyncEventSink struct {
	deliver EventDeliverFunc
	options AsyncEventSinkOptions
	logger  Logger

	mu     sync.RWMutex
	events chan Event
	closed bool
	done   chan struct{}

	delivered atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// NewAsyncEventSink starts a sink delivering through deliver.
func NewAsyncEventSink(deliver EventDeliverFunc, options AsyncEventSinkOptions, logger Logger) *AsyncEventSink {
	defaults := DefaultAsyncEventSinkOptions()
	if options.BufferSize <= 0 {
		options.BufferSize = defaults.BufferSize
	}
	if options.InitialInterval <= 0 {
		options.InitialInterval = defaults.InitialInterval
	}
	if options.DeliverTimeout <= 0 {
		options.DeliverTimeout = defaults.DeliverTimeout
	}
	if logger == nil {
		logger = DefaultLogger()
	}

	s := &AsyncEventSink{
		deliver: deliver,
		options: options,
		logger:  logger,
		events:  make(chan Event, options.BufferSize),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Collect implements EventSink.
func (s *AsyncEventSink) Collect(event Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.events <- event:
	default:
		s.dropped.Add(1)
		s.logger.Warn("Event buffer full, event dropped", "event", event.Type, "plugin", event.Plugin)
	}
}

func (s *AsyncEventSink) run() {
	defer close(s.done)
	defer withStackRecover(s.logger)()

	for event := range s.events {
		if err := s.deliverWithRetry(event); err != nil {
			s.failed.Add(1)
			s.logger.Warn("Event delivery failed",
				"event", event.Type, "plugin", event.Plugin, "error", err)
			continue
		}
		s.delivered.Add(1)
	}
}

func (s *AsyncEventSink) deliverWithRetry(event Event) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.options.InitialInterval
	return backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), s.options.DeliverTimeout)
		defer cancel()
		return callSafely(func() error { return s.deliver(ctx, event) })
	}, backoff.WithMaxRetries(policy, s.options.MaxRetries))
}

// Close stops accepting events, drains the buffer and waits for delivery to finish.
func (s *AsyncEventSink) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	s.mu.Unlock()
	<-s.done
}

// Stats returns delivered, dropped and failed counts.
func (s *AsyncEventSink) Stats() (delivered, dropped, failed uint64) {
	return s.delivered.Load(), s.dropped.Load(), s.failed.Load()
}
