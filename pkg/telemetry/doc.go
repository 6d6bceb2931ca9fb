// Package telemetry provides observability instrumentation for jailfleet.
//
// It integrates structured logging (zerolog), workflow tracing
// (OpenTelemetry with a stdout exporter), and Prometheus metrics into a
// single package consumed by the workflow engine and the dataset
// orchestrator.
//
// Initialize at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	logger, err := telemetry.NewLogger(cfg.Logging)
//	metrics := telemetry.NewMetrics(cfg.Metrics)
//	tracer, err := telemetry.NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion)
//
// Loggers are immutable; field helpers like WithJail and WithDataset return
// child loggers carrying the extra context.
package telemetry
