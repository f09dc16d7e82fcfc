package backbone

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/aretw0/orchestra/pkg/domain"
)

// ReconnectPolicy is an exponential backoff with jitter.
type ReconnectPolicy struct {
	Initial     time.Duration `yaml:"initial" validate:"gt=0"`
	Max         time.Duration `yaml:"max" validate:"gtefield=Initial"`
	Multiplier  float64       `yaml:"multiplier" validate:"gte=1"`
	MaxAttempts int           `yaml:"max_attempts" validate:"gte=0"`
	// Jitter is the +/- fraction applied to each delay, in [0, 1].
	Jitter float64 `yaml:"jitter" validate:"gte=0,lte=1"`
}

// DefaultReconnectPolicy starts at 100ms, doubles up to 30s and gives up after 10 attempts.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Initial:     100 * time.Millisecond,
		Max:         30 * time.Second,
		Multiplier:  2.0,
		MaxAttempts: 10,
		Jitter:      0.1,
	}
}

// Delay returns the wait before retry number attempt (0-based), without jitter.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	d := float64(p.Initial) * math.Pow(p.Multiplier, float64(attempt))
	if d > float64(p.Max) || math.IsInf(d, 0) {
		return p.Max
	}
	return time.Duration(d)
}

// Jittered applies the jitter fraction to Delay(attempt).
func (p ReconnectPolicy) Jittered(attempt int) time.Duration {
	d := p.Delay(attempt)
	if p.Jitter <= 0 {
		return d
	}
	spread := float64(d) * p.Jitter
	return time.Duration(float64(d) + (rand.Float64()*2-1)*spread)
}

// Retry calls fn until it succeeds, returns a non-retryable error, the
// attempts run out or ctx ends.
func (p ReconnectPolicy) Retry(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !domain.IsRetryable(err) {
			return err
		}
		if p.MaxAttempts > 0 && attempt+1 >= p.MaxAttempts {
			return err
		}
		timer := time.NewTimer(p.Jittered(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
