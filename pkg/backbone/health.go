package backbone

import (
	"sync"
	"time"

	"github.com/aretw0/orchestra/pkg/domain"
)

// HealthStatus is the externally visible state of an endpoint.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthDown      HealthStatus = "down"
)

// HealthConfig tunes the circuit breaker.
type HealthConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" validate:"gte=1"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout" validate:"gt=0"`
	SlowThreshold    time.Duration `yaml:"slow_threshold" validate:"gt=0"`
}

// DefaultHealthConfig opens the breaker after 3 consecutive failures and
// half-opens it after 30 seconds.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		FailureThreshold: 3,
		BreakerTimeout:   30 * time.Second,
		SlowThreshold:    time.Second,
	}
}

const responseWindow = 10

type endpointHealth struct {
	status    HealthStatus
	failures  int
	openedAt  time.Time
	open      bool
	responses []time.Duration
}

// EndpointHealth is a snapshot of one endpoint.
type EndpointHealth struct {
	Endpoint    string        `json:"endpoint"`
	Status      HealthStatus  `json:"status"`
	Failures    int           `json:"failures"`
	BreakerOpen bool          `json:"breaker_open"`
	AvgResponse time.Duration `json:"avg_response"`
}

// HealthMonitor tracks endpoint failures and guards calls with a circuit breaker.
type HealthMonitor struct {
	mu        sync.Mutex
	cfg       HealthConfig
	endpoints map[string]*endpointHealth
	now       func() time.Time
}

// NewHealthMonitor creates a monitor.
func NewHealthMonitor(cfg HealthConfig) *HealthMonitor {
	def := DefaultHealthConfig()
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = def.SlowThreshold
	}
	return &HealthMonitor{cfg: cfg, endpoints: make(map[string]*endpointHealth), now: time.Now}
}

func (h *HealthMonitor) get(endpoint string) *endpointHealth {
	e, ok := h.endpoints[endpoint]
	if !ok {
		e = &endpointHealth{status: HealthUnknown}
		h.endpoints[endpoint] = e
	}
	return e
}

// Allow reports whether a call to endpoint may proceed. While the breaker is
// open calls fail fast; after BreakerTimeout one trial call is let through.
func (h *HealthMonitor) Allow(endpoint string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.get(endpoint)
	if !e.open {
		return nil
	}
	if h.now().Sub(e.openedAt) >= h.cfg.BreakerTimeout {
		// half-open: re-arm the timer so only one trial goes through per window
		e.openedAt = h.now()
		return nil
	}
	return &domain.TransportError{Kind: domain.TransportConnectionFailed, Endpoint: endpoint, Err: domain.ErrCircuitOpen}
}

// RecordSuccess closes the breaker and records the response time.
func (h *HealthMonitor) RecordSuccess(endpoint string, rtt time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.get(endpoint)
	e.failures = 0
	e.open = false
	e.responses = append(e.responses, rtt)
	if len(e.responses) > responseWindow {
		e.responses = e.responses[len(e.responses)-responseWindow:]
	}
	if rtt > h.cfg.SlowThreshold {
		e.status = HealthUnhealthy
	} else {
		e.status = HealthHealthy
	}
}

// RecordFailure counts a failure and opens the breaker at the threshold.
func (h *HealthMonitor) RecordFailure(endpoint string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.get(endpoint)
	e.failures++
	if e.failures >= h.cfg.FailureThreshold {
		if !e.open {
			e.openedAt = h.now()
		}
		e.open = true
		e.status = HealthDown
		return
	}
	e.status = HealthUnhealthy
}

// Status returns a snapshot of endpoint.
func (h *HealthMonitor) Status(endpoint string) EndpointHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.endpoints[endpoint]
	if !ok {
		return EndpointHealth{Endpoint: endpoint, Status: HealthUnknown}
	}
	var avg time.Duration
	if n := len(e.responses); n > 0 {
		var sum time.Duration
		for _, r := range e.responses {
			sum += r
		}
		avg = sum / time.Duration(n)
	}
	return EndpointHealth{
		Endpoint:    endpoint,
		Status:      e.status,
		Failures:    e.failures,
		BreakerOpen: e.open,
		AvgResponse: avg,
	}
}
