package pool

import (
	"log/slog"
	"time"
)

// Metrics receives pool measurements. The observability package implements it.
type Metrics interface {
	ObserveAllocation(spec string, hit bool, d time.Duration)
	ObserveEviction(spec string)
	ObserveResident(n int)
}

type nopMetrics struct{}

func (nopMetrics) ObserveAllocation(string, bool, time.Duration) {}
func (nopMetrics) ObserveEviction(string)                        {}
func (nopMetrics) ObserveResident(int)                           {}

// Option configures the Manager.
type Option func(*Manager)

// WithMaxResident bounds how many handles may hold a constructed resource at once.
func WithMaxResident(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxResident = n
		}
	}
}

// WithPrewarmer installs a pre-warm strategy. Use NopPrewarmer to disable.
func WithPrewarmer(p Prewarmer) Option {
	return func(m *Manager) {
		m.prewarmer = p
	}
}

// WithPrewarmTimeout bounds a single background pre-warm load.
func WithPrewarmTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.prewarmTimeout = d
	}
}

// WithLogger configures a logger for the Manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics installs a metrics sink.
func WithMetrics(metrics Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithClock overrides the time source used for recency and latency.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}
