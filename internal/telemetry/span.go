// Package telemetry records spans for executions and syncs and exports
// them, redacted, to a JSONL trace file and the log.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Span is one timed operation.
type Span struct {
	SpanID     string         `json:"span_id"`
	ParentID   string         `json:"parent_id,omitempty"`
	SessionID  string         `json:"session_id"`
	Name       string         `json:"name"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Start      time.Time      `json:"start"`
	End        time.Time      `json:"end"`
	Status     string         `json:"status"`
	Error      string         `json:"error,omitempty"`

	mu     sync.Mutex
	tracer *Tracer
	ended  bool
}

// Sink receives finished spans. Export must not retain s.
type Sink interface {
	Export(s *Span) error
}

// Tracer creates spans and hands finished ones to its sinks.
type Tracer struct {
	sessionID string
	sinks     []Sink
	now       func() time.Time
	onError   func(error)
}

// NewTracer returns a Tracer stamping every span with sessionID. A Tracer
// without sinks still tracks spans so callers never need a nil check.
func NewTracer(sessionID string, sinks ...Sink) *Tracer {
	return &Tracer{sessionID: sessionID, sinks: sinks, now: time.Now}
}

// Noop returns a Tracer that exports nothing.
func Noop() *Tracer {
	return NewTracer("")
}

// OnExportError sets a callback for sink failures. Export errors never
// fail the traced operation.
func (t *Tracer) OnExportError(fn func(error)) {
	t.onError = fn
}

// SessionID returns the correlation id attached to spans.
func (t *Tracer) SessionID() string {
	return t.sessionID
}

type spanKey struct{}

// Start opens a span named name. When ctx carries a span, the new span is
// its child. The returned context carries the new span.
func (t *Tracer) Start(ctx context.Context, name string) (context.Context, *Span) {
	s := &Span{
		SpanID:     NewSpanID(),
		SessionID:  t.sessionID,
		Name:       name,
		Attributes: make(map[string]any),
		Start:      t.now(),
		tracer:     t,
	}
	if parent := FromContext(ctx); parent != nil {
		s.ParentID = parent.SpanID
	}
	return context.WithValue(ctx, spanKey{}, s), s
}

// FromContext returns the span carried by ctx, or nil.
func FromContext(ctx context.Context) *Span {
	s, _ := ctx.Value(spanKey{}).(*Span)
	return s
}

// NewSpanID returns a time-ordered span id.
func NewSpanID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return "spn_" + id.String()
}

// Set records an attribute. Values are redacted at export time.
func (s *Span) Set(key string, value any) *Span {
	s.mu.Lock()
	s.Attributes[key] = value
	s.mu.Unlock()
	return s
}

// Finish closes the span with err's outcome and exports it. Calls after
// the first are ignored.
func (s *Span) Finish(err error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.End = s.tracer.now()
	s.Status = "ok"
	if err != nil {
		s.Status = "error"
		s.Error = err.Error()
	}
	exported := s.redacted()
	s.mu.Unlock()

	for _, sink := range s.tracer.sinks {
		if err := sink.Export(exported); err != nil && s.tracer.onError != nil {
			s.tracer.onError(err)
		}
	}
}

// Duration is End minus Start, or zero for an open span.
func (s *Span) Duration() time.Duration {
	if s.End.IsZero() {
		return 0
	}
	return s.End.Sub(s.Start)
}

func (s *Span) redacted() *Span {
	return &Span{
		SpanID:     s.SpanID,
		ParentID:   s.ParentID,
		SessionID:  s.SessionID,
		Name:       s.Name,
		Attributes: RedactAttributes(s.Attributes),
		Start:      s.Start,
		End:        s.End,
		Status:     s.Status,
		Error:      RedactString(s.Error),
	}
}
