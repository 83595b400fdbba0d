// Package telemetry sets up OpenTelemetry tracing and metrics for forged.
//
// Spans and instruments are exported over OTLP (gRPC or HTTP/protobuf) to a
// collector. When disabled, or when a provider cannot be built, callers get
// no-op tracers and meters and the daemon keeps running.
//
//	tel, err := telemetry.New(ctx, telemetry.FromObservability(cfg.Observability, version))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Tests use NewTestTelemetry, which records spans and metrics in memory.
package telemetry
