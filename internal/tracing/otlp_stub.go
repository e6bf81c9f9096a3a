//go:build !otel

package tracing

import (
	"context"
	"errors"
)

// OTLPExporter is only functional in binaries built with the otel tag.
type OTLPExporter struct{}

func NewOTLPExporter(ctx context.Context, endpoint, transport string) (*OTLPExporter, error) {
	return nil, errors.New("otlp export requires a binary built with -tags otel")
}

func (e *OTLPExporter) Export(Span) {}

func (e *OTLPExporter) Shutdown(context.Context) error { return nil }
