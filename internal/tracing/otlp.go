//go:build otel

package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// OTLPExporter forwards collected spans to an OTLP endpoint. Spans are
// replayed with their original timestamps; the run linkage travels as
// attributes since the spans were closed before export.
type OTLPExporter struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// NewOTLPExporter connects to endpoint over "grpc" or "http". TLS is not
// used; point this at a local collector.
func NewOTLPExporter(ctx context.Context, endpoint, transport string) (*OTLPExporter, error) {
	var (
		exp sdktrace.SpanExporter
		err error
	)
	switch transport {
	case "", "grpc":
		exp, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
	case "http":
		exp, err = otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("unknown otlp transport %q (want grpc or http)", transport)
	}
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	res := resource.NewSchemaless(attribute.String("service.name", "undoable"))
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	return &OTLPExporter{tp: tp, tracer: tp.Tracer("undoable")}, nil
}

func (e *OTLPExporter) Export(s Span) {
	_, span := e.tracer.Start(context.Background(), s.Name,
		trace.WithTimestamp(s.Start),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	attrs := []attribute.KeyValue{
		attribute.String("undoable.span_type", s.Type),
		attribute.String("undoable.trace_id", s.TraceID),
	}
	if s.ParentID != "" {
		attrs = append(attrs, attribute.String("undoable.parent_id", s.ParentID))
	}
	if s.Provider != "" {
		attrs = append(attrs, attribute.String("llm.provider", s.Provider))
	}
	if s.Model != "" {
		attrs = append(attrs, attribute.String("llm.model", s.Model))
	}
	if s.ToolName != "" {
		attrs = append(attrs, attribute.String("tool.name", s.ToolName))
	}
	if s.InputTokens > 0 {
		attrs = append(attrs, attribute.Int("llm.input_tokens", s.InputTokens))
	}
	if s.OutputTokens > 0 {
		attrs = append(attrs, attribute.Int("llm.output_tokens", s.OutputTokens))
	}
	span.SetAttributes(attrs...)
	if s.Status == StatusError {
		span.SetStatus(codes.Error, s.Error)
	}
	span.End(trace.WithTimestamp(s.End))
}

// Shutdown flushes batched spans.
func (e *OTLPExporter) Shutdown(ctx context.Context) error {
	return e.tp.Shutdown(ctx)
}
