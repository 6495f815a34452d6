// Package telemetry provides the observability plumbing for homedeploy.
//
// It bundles three concerns:
//
//   - structured logging with zerolog (NewLogger, Component)
//   - OpenTelemetry tracing with otlp, stdout or no exporter (NewTracer)
//   - Prometheus metrics on a private registry (NewMetrics)
//
// Both *Tracer and *Metrics tolerate nil receivers, so callers that do not
// configure them can pass nil straight through to the pipeline.
//
// Metrics are exposed either by writing a textfile after each run, for the
// node-exporter textfile collector, or by serving /metrics from the
// long-running watch command:
//
//	m := telemetry.NewMetrics(cfg.Metrics)
//	defer m.WriteTextfile(cfg.Metrics.TextfilePath)
package telemetry
