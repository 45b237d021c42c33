// Package telemetry provides observability for FortiFleet.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry), metrics
// (Prometheus), and fan-out progress events behind one Telemetry value.
//
// # Usage
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	executor := engine.NewExecutor(factory, resolver,
//	    engine.WithObserver(tel.Observer()),
//	    engine.WithLogger(tel.Logger.Zerolog()),
//	)
//
// The observer opens a "fanout.execute" span per fan-out, records target
// outcomes as span events and Prometheus counters, and publishes progress
// events that the CLI renders as live output.
//
// # Metrics
//
// All metrics share the configured namespace (default "fortifleet"):
//
//   - fanouts_started_total, fanouts_completed_total, fanout_duration_seconds
//   - target_outcomes_total, target_duration_seconds
//   - device_calls_total, device_call_duration_seconds, device_errors_total
//   - audit_writes_total, errors_by_code_total
//   - active_fanouts, targets
//
// Every recording method is safe on a nil or disabled *Metrics.
//
// # Events
//
// Subscribers receive fanout.started, target.succeeded, target.failed,
// fanout.completed, and audit.failed events. In synchronous mode a subscriber
// may be called from several goroutines at once, one per target.
package telemetry
