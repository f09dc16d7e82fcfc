/*
Package observability turns engine, pool, arbitration and lifecycle telemetry
into Prometheus metrics and structured log lines.

Metrics implements pool.Metrics and arbitration.Observer directly, and exposes
domain.LifecycleHooks for workflow and node transitions:

	m := observability.NewMetrics()
	p := pool.New(loader, pool.WithMetrics(m))
	arb := arbitration.New(arbitration.WithObserver(m))
	eng := engine.New(engine.WithPool(p), engine.WithArbiter(arb), engine.WithHooks(m.Hooks()))
	http.Handle("/metrics", m.Handler())
*/
package observability
