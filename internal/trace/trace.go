// Package trace implements the causal trace propagation layer.
//
// A trace identifier is created at the first hop of a workflow and carried
// unchanged through every model call it causes; a fresh span identifier is
// generated at each hop (gateway entry, per-backend attempt) with the
// enclosing span recorded as its parent. Lifecycle events are published to
// per-trace subscriber channels and appended to a bounded per-trace list so
// a workflow's model calls can be reconstructed after the fact.
//
// Publishing is best-effort observability: a trace failure is logged and
// swallowed, never surfaced to the request it describes.
package trace

import (
	"github.com/google/uuid"
)

// Propagation header names. Inbound requests may carry any of these; the
// gateway continues the trace id and generates its own span. Outbound backend
// calls carry all of them plus the backend span id.
const (
	HeaderTraceID    = "X-Trace-Id"
	HeaderSpanID     = "X-Span-Id"
	HeaderParentSpan = "X-Parent-Span-Id"
	HeaderTaskID     = "X-Task-Id"
	HeaderWorkflowID = "X-Workflow-Id"
	HeaderAgentType  = "X-Agent-Type"
)

// Context identifies one hop of one request within a workflow trace.
type Context struct {
	TraceID      string `json:"trace_id"`
	SpanID       string `json:"span_id"`
	ParentSpanID string `json:"parent_span_id,omitempty"`
	TaskID       string `json:"task_id,omitempty"`
	WorkflowID   string `json:"workflow_id,omitempty"`
	AgentType    string `json:"agent_type,omitempty"`
}

// New creates a root context: fresh trace id, fresh span, no parent.
func New() Context {
	return Context{
		TraceID: uuid.NewString(),
		SpanID:  uuid.NewString(),
	}
}

// Continue derives the gateway-entry context from inbound propagation
// values. An empty traceID starts a new trace; a present one is carried
// through unchanged. The span id is always freshly generated.
func Continue(traceID, parentSpanID, taskID, workflowID, agentType string) Context {
	if traceID == "" {
		traceID = uuid.NewString()
	}
	return Context{
		TraceID:      traceID,
		SpanID:       uuid.NewString(),
		ParentSpanID: parentSpanID,
		TaskID:       taskID,
		WorkflowID:   workflowID,
		AgentType:    agentType,
	}
}

// Child derives the context for a nested operation (a per-backend call):
// same trace, fresh span, parent set to the receiver's span.
func (c Context) Child() Context {
	return Context{
		TraceID:      c.TraceID,
		SpanID:       uuid.NewString(),
		ParentSpanID: c.SpanID,
		TaskID:       c.TaskID,
		WorkflowID:   c.WorkflowID,
		AgentType:    c.AgentType,
	}
}

// FromHeaders builds the gateway-entry context from a header lookup function.
func FromHeaders(get func(name string) string) Context {
	return Continue(
		get(HeaderTraceID),
		get(HeaderSpanID), // the caller's span becomes our parent
		get(HeaderTaskID),
		get(HeaderWorkflowID),
		get(HeaderAgentType),
	)
}

// OutboundHeaders returns the propagation headers attached to a backend call.
func (c Context) OutboundHeaders() map[string]string {
	h := map[string]string{
		HeaderTraceID: c.TraceID,
		HeaderSpanID:  c.SpanID,
	}
	if c.ParentSpanID != "" {
		h[HeaderParentSpan] = c.ParentSpanID
	}
	if c.TaskID != "" {
		h[HeaderTaskID] = c.TaskID
	}
	if c.WorkflowID != "" {
		h[HeaderWorkflowID] = c.WorkflowID
	}
	if c.AgentType != "" {
		h[HeaderAgentType] = c.AgentType
	}
	return h
}
