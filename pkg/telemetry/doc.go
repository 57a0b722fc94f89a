// Package telemetry wires the ambient observability of a hostprep run:
// structured logging with zerolog, OpenTelemetry tracing and Prometheus
// metrics.
//
// A run creates one Telemetry bundle from Config:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Tracing.Exporter = "stdout"
//	cfg.Metrics.Textfile = "/var/lib/node_exporter/hostprep.prom"
//
//	tel, err := telemetry.NewTelemetry(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// # Tracing
//
// Each run gets a root span from StartRunSpan and each pipeline step a
// child span from StartStepSpan. The none exporter still records spans in
// memory so TraceID can be attached to log lines and run history.
//
// # Metrics
//
// hostprep exits after a run, so metrics are not served over HTTP. Flush
// writes the registry to a node_exporter textfile when Metrics.Textfile is
// set; the provisioner calls it once the run has passed its privilege check.
package telemetry
