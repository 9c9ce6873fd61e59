// Package telemetry wires structured logging (zerolog), Prometheus metrics
// and OpenTelemetry tracing for froyo-play.
//
// The CLI builds one Telemetry from a Config:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Metrics.ListenAddress = ":9464"
//	tel, err := telemetry.New(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Metrics is an engine.Observer and is registered with the runner next to
// the store recorder:
//
//	runner := engine.NewRunner(rc, checkers, connector, tel.Logger.Zerolog(),
//	    engine.WithObservers(tel.Metrics),
//	    engine.WithTracer(tel.Tracer.Tracer()))
//
// Exported series, with the default "froyo" namespace:
//
//	froyo_runs_total{status}
//	froyo_run_duration_seconds{status}
//	froyo_active_runs
//	froyo_tasks_total{kind,status}
//	froyo_task_duration_seconds{kind}
//	froyo_hosts_unreachable_total
//	froyo_hosts_aborted_total
//	froyo_retry_attempts_total{kind}
//
// Log lines carry run_id, host, play and task fields through the
// WithRunID, WithHost and WithTask helpers.
package telemetry
