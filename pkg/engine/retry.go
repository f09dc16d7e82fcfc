package engine

import (
	"context"
	"math"
	"time"

	"github.com/aretw0/orchestra/pkg/domain"
)

// RetryPolicy bounds re-attempts of nodes failing with retryable errors
// (pool construction failures, transient transport errors).
type RetryPolicy struct {
	// MaxRetries applies to nodes that do not set Retries themselves.
	MaxRetries int           `yaml:"max_retries"`
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
}

// DefaultRetryPolicy retries twice starting at 50ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, Initial: 50 * time.Millisecond, Max: 5 * time.Second, Multiplier: 2}
}

// Delay returns the wait before retry number attempt (0-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.Initial <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.Initial) * math.Pow(mult, float64(attempt))
	if p.Max > 0 && d > float64(p.Max) {
		return p.Max
	}
	return time.Duration(d)
}

func (p RetryPolicy) limit(n domain.Node) int {
	if n.Retries > 0 {
		return n.Retries
	}
	return p.MaxRetries
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
