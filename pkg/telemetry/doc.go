// Package telemetry provides logging, tracing and metrics for the freckles
// binaries.
//
// Logging wraps zerolog. Libraries take a zerolog.Logger, obtained with
// Logger.Zerolog, and add a component field.
//
// Tracing installs a global OpenTelemetry provider. The engine starts its
// compile, render, dispatch and adapter spans through otel.Tracer, so they
// become children of the command span opened by StartOperation. Exporters
// are none (default), stdout and otlp over gRPC.
//
// Metrics live in a private Prometheus registry. Metrics implements
// engine.Metrics and writes the registry to metrics.prom in the run
// directory after each batch:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	eng := engine.New(engine.Options{
//	    Metrics: tel.Metrics,
//	    Logger:  tel.Logger.NewComponentLogger("engine").Zerolog(),
//	})
package telemetry
