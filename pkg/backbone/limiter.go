package backbone

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/aretw0/orchestra/pkg/domain"
)

// RateLimit is a token-bucket configuration.
type RateLimit struct {
	PerSecond float64 `yaml:"per_second" validate:"gte=0"`
	Burst     int     `yaml:"burst" validate:"gte=0"`
}

// Limiter keeps one token bucket per endpoint.
type Limiter struct {
	mu       sync.Mutex
	def      RateLimit
	limits   map[string]RateLimit
	limiters map[string]*rate.Limiter
}

// NewLimiter creates a limiter. A zero PerSecond in def means unlimited.
func NewLimiter(def RateLimit, perEndpoint map[string]RateLimit) *Limiter {
	l := &Limiter{limiters: make(map[string]*rate.Limiter)}
	l.Replace(def, perEndpoint)
	return l
}

// Replace swaps the configuration; existing buckets are rebuilt lazily.
func (l *Limiter) Replace(def RateLimit, perEndpoint map[string]RateLimit) {
	cp := make(map[string]RateLimit, len(perEndpoint))
	for k, v := range perEndpoint {
		cp[k] = v
	}
	l.mu.Lock()
	l.def = def
	l.limits = cp
	l.limiters = make(map[string]*rate.Limiter)
	l.mu.Unlock()
}

func (l *Limiter) bucket(endpoint string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[endpoint]; ok {
		return lim
	}
	cfg, ok := l.limits[endpoint]
	if !ok {
		cfg = l.def
	}
	var lim *rate.Limiter
	if cfg.PerSecond <= 0 {
		lim = rate.NewLimiter(rate.Inf, 0)
	} else {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(cfg.PerSecond), burst)
	}
	l.limiters[endpoint] = lim
	return lim
}

// Allow consumes one token for endpoint or returns a rate-limited TransportError.
func (l *Limiter) Allow(endpoint string) error {
	if l == nil {
		return nil
	}
	if !l.bucket(endpoint).Allow() {
		return &domain.TransportError{Kind: domain.TransportRateLimited, Endpoint: endpoint, Err: domain.ErrRateLimited}
	}
	return nil
}
