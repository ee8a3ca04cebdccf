// Package observability provides the Prometheus metrics and OpenTelemetry
// tracing wired into cmd/ai-core: message/LLM/tool counters and a tracer
// with an OTLP-gRPC exporter. Structured logging is handled directly with
// log/slog throughout the rest of the module rather than through a
// wrapper type, so it isn't duplicated here.
//
// Example usage:
//
//	metrics := observability.NewMetrics()
//	http.Handle("/metrics", promhttp.Handler())
//	metrics.RecordLLMRequest("venice", "claude-opus-45", "success", 1.2, 120, 340)
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName: "ai-core",
//	    Endpoint:    os.Getenv("OTEL_ENDPOINT"),
//	})
//	defer shutdown(context.Background())
//	ctx, span := tracer.TraceLLMRequest(ctx, "venice", "claude-opus-45")
//	defer span.End()
package observability
