// Package alerting delivers pipeline alerts to log, storage and
// subscriber sinks without blocking the code that raises them. Alerts
// enter a bounded queue; a single worker fans each one out to every
// registered sink and handler.
package alerting

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mdpipeline/internal/model"
)

// Sink is a delivery backend for alerts.
type Sink interface {
	Write(ctx context.Context, a model.Alert) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, a model.Alert) error

func (f SinkFunc) Write(ctx context.Context, a model.Alert) error { return f(ctx, a) }

// Config tunes the manager.
type Config struct {
	QueueSize   int           // pending alerts before Publish starts dropping
	SinkTimeout time.Duration // per-sink delivery budget
	RecentSize  int           // alerts kept for the health surface
}

func (c *Config) defaults() {
	if c.QueueSize == 0 {
		c.QueueSize = 256
	}
	if c.SinkTimeout == 0 {
		c.SinkTimeout = 3 * time.Second
	}
	if c.RecentSize == 0 {
		c.RecentSize = 100
	}
}

// Manager owns the alert queue and its delivery worker.
type Manager struct {
	cfg   Config
	log   *zap.Logger
	queue chan model.Alert

	mu       sync.RWMutex
	sinks    []Sink
	handlers []func(model.Alert)
	recent   []model.Alert

	dropped atomic.Uint64
}

// New creates a manager. Run must be started for delivery to happen;
// alerts published before that simply wait in the queue.
func New(cfg Config, log *zap.Logger) *Manager {
	cfg.defaults()
	return &Manager{
		cfg:   cfg,
		log:   log.Named("alerting"),
		queue: make(chan model.Alert, cfg.QueueSize),
	}
}

// AddSink registers a delivery backend.
func (m *Manager) AddSink(s Sink) {
	m.mu.Lock()
	m.sinks = append(m.sinks, s)
	m.mu.Unlock()
}

// AddHandler registers an in-process subscriber. Handlers run on the
// delivery worker and should return quickly.
func (m *Manager) AddHandler(fn func(model.Alert)) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, fn)
	return len(m.handlers) - 1
}

// Publish enqueues an alert without blocking. A full queue drops it.
func (m *Manager) Publish(a model.Alert) {
	select {
	case m.queue <- a:
	default:
		m.dropped.Add(1)
	}
}

// Run drains the queue until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-m.queue:
			m.deliver(ctx, a)
		}
	}
}

func (m *Manager) deliver(ctx context.Context, a model.Alert) {
	m.logAlert(a)

	m.mu.Lock()
	m.recent = append(m.recent, a)
	if len(m.recent) > m.cfg.RecentSize {
		m.recent = m.recent[len(m.recent)-m.cfg.RecentSize:]
	}
	sinks := append([]Sink(nil), m.sinks...)
	handlers := append(([]func(model.Alert))(nil), m.handlers...)
	m.mu.Unlock()

	for _, s := range sinks {
		sctx, cancel := context.WithTimeout(ctx, m.cfg.SinkTimeout)
		if err := s.Write(sctx, a); err != nil {
			m.log.Warn("alert sink write failed",
				zap.String("alert_id", a.ID), zap.Error(err))
		}
		cancel()
	}
	for _, fn := range handlers {
		fn(a)
	}
}

func (m *Manager) logAlert(a model.Alert) {
	fields := []zap.Field{
		zap.String("alert_id", a.ID),
		zap.String("type", a.Type),
		zap.String("severity", a.Severity.String()),
	}
	switch a.Severity {
	case model.SeverityLow:
		m.log.Info(a.Message, fields...)
	case model.SeverityMedium:
		m.log.Warn(a.Message, fields...)
	default:
		m.log.Error(a.Message, fields...)
	}
}

// Recent returns the retained alerts, oldest first.
func (m *Manager) Recent() []model.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.Alert(nil), m.recent...)
}

// Dropped returns how many alerts were discarded on a full queue.
func (m *Manager) Dropped() uint64 { return m.dropped.Load() }
