package arbitration

import "log/slog"

// Option configures the Arbiter.
type Option func(*Arbiter)

// WithQuota sets the per-workflow grant quota used by the fairness bump.
func WithQuota(k int) Option {
	return func(a *Arbiter) {
		if k > 0 {
			a.quota = k
		}
	}
}

// WithDefaultClass sets the configuration used for classes created on first use.
func WithDefaultClass(cfg ClassConfig) Option {
	return func(a *Arbiter) {
		a.defaults = normalize(cfg)
	}
}

// WithClass pre-registers a class.
func WithClass(name string, cfg ClassConfig) Option {
	return func(a *Arbiter) {
		a.classes[name] = newClass(name, cfg)
	}
}

// WithStrictClasses denies requests for classes that were not configured.
func WithStrictClasses() Option {
	return func(a *Arbiter) {
		a.strict = true
	}
}

// WithLogger configures a logger for the Arbiter.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Arbiter) {
		a.logger = logger
	}
}

// WithObserver installs a queue/resolution observer.
func WithObserver(o Observer) Option {
	return func(a *Arbiter) {
		a.observer = o
	}
}
