package invocation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Priority orders requests in the dispatch queue. Higher values dispatch first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Promote returns the next priority level up, capped at critical.
func (p Priority) Promote() Priority {
	if p >= PriorityCritical {
		return PriorityCritical
	}
	return p + 1
}

// Status classifies the outcome of a request.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusFailure  Status = "failure"
	StatusTimeout  Status = "timeout"
	StatusRejected Status = "rejected"
	StatusDegraded Status = "degraded"
)

// Request is an immutable tool invocation request. The queue owns it until
// dispatch; ownership transfers to a worker slot during execution.
type Request struct {
	ID                string                 `json:"id"`
	ToolName          string                 `json:"tool_name"`
	VersionConstraint string                 `json:"version_constraint,omitempty"`
	Arguments         map[string]interface{} `json:"arguments,omitempty"`
	Priority          Priority               `json:"priority"`
	SubmittedAt       time.Time              `json:"submitted_at"`
	Deadline          time.Duration          `json:"deadline,omitempty"`
	IdempotencyKey    string                 `json:"idempotency_key,omitempty"`
}

// NewRequest creates a request with a generated ID and submission timestamp.
func NewRequest(toolName string, args map[string]interface{}, priority Priority) *Request {
	return &Request{
		ID:          uuid.NewString(),
		ToolName:    toolName,
		Arguments:   args,
		Priority:    priority,
		SubmittedAt: time.Now(),
	}
}

// Result is the single outcome produced for a request.
type Result struct {
	RequestID       string        `json:"request_id"`
	Status          Status        `json:"status"`
	Payload         interface{}   `json:"payload,omitempty"`
	ErrorKind       ErrorKind     `json:"error_kind,omitempty"`
	Err             error         `json:"-"`
	Duration        time.Duration `json:"duration"`
	ServedFromCache bool          `json:"served_from_cache"`
	Truncated       bool          `json:"truncated,omitempty"`
}

// Handler is the unit of business logic invoked through the engine. The
// engine treats handlers as opaque; ctx carries the deadline and
// cancellation signal, which implementations must honor promptly.
type Handler interface {
	Invoke(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Invoke implements Handler.
func (f HandlerFunc) Invoke(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return f(ctx, args)
}

// BatchHandler is implemented by handlers that can serve a coalesced batch of
// argument sets in one downstream call, returning one payload per set in order.
type BatchHandler interface {
	Handler
	InvokeBatch(ctx context.Context, batch []map[string]interface{}) ([]interface{}, error)
}
