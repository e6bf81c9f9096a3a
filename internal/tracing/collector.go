// Package tracing collects run, LLM-call and tool-call spans in process.
// Spans are emitted fully formed once the work completes; the collector
// keeps a bounded ring for inspection and hands each span to an optional
// exporter (OTLP when built with the otel tag).
package tracing

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Span types.
const (
	SpanRun  = "run"
	SpanLLM  = "llm_call"
	SpanTool = "tool_call"
)

// Span statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Span is one completed unit of work inside a run. TraceID groups every
// span of a run; llm and tool spans parent to the run span.
type Span struct {
	ID         string        `json:"id"`
	TraceID    string        `json:"traceId"`
	ParentID   string        `json:"parentId,omitempty"`
	Type       string        `json:"type"`
	Name       string        `json:"name"`
	Start      time.Time     `json:"start"`
	End        time.Time     `json:"end"`
	Duration   time.Duration `json:"-"`
	DurationMs int64         `json:"durationMs"`
	Status     string        `json:"status"`
	Error      string        `json:"error,omitempty"`

	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
	ToolName     string `json:"toolName,omitempty"`
	InputTokens  int    `json:"inputTokens,omitempty"`
	OutputTokens int    `json:"outputTokens,omitempty"`
	Preview      string `json:"preview,omitempty"`
}

// Exporter receives every collected span. Implementations must not block;
// the OTLP exporter batches internally.
type Exporter interface {
	Export(Span)
}

const defaultCapacity = 2048

// Collector is safe for concurrent use. A nil *Collector is valid and drops
// everything, so callers emit unconditionally.
type Collector struct {
	mu       sync.Mutex
	spans    []Span
	capacity int
	exporter Exporter
}

func NewCollector(capacity int) *Collector {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Collector{capacity: capacity}
}

// SetExporter attaches an exporter for every span emitted after the call.
func (c *Collector) SetExporter(e Exporter) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.exporter = e
	c.mu.Unlock()
}

// Emit records a completed span. Missing ids, end times and durations are
// filled in.
func (c *Collector) Emit(s Span) {
	if c == nil {
		return
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.End.IsZero() {
		s.End = time.Now()
	}
	if s.Duration == 0 {
		s.Duration = s.End.Sub(s.Start)
	}
	s.DurationMs = s.Duration.Milliseconds()
	if s.Status == "" {
		s.Status = StatusOK
	}

	c.mu.Lock()
	c.spans = append(c.spans, s)
	if len(c.spans) > c.capacity {
		c.spans = c.spans[len(c.spans)-c.capacity:]
	}
	exporter := c.exporter
	c.mu.Unlock()

	if exporter != nil {
		exporter.Export(s)
	}
}

// Recent returns up to n spans, newest first. n <= 0 returns everything
// retained.
func (c *Collector) Recent(n int) []Span {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	count := len(c.spans)
	if n > 0 && n < count {
		count = n
	}
	out := make([]Span, count)
	for i := 0; i < count; i++ {
		out[i] = c.spans[len(c.spans)-1-i]
	}
	return out
}

// Trace returns every retained span of one trace in emission order.
func (c *Collector) Trace(traceID string) []Span {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Span
	for _, s := range c.spans {
		if s.TraceID == traceID {
			out = append(out, s)
		}
	}
	return out
}
