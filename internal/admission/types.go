// Package admission decides whether proposed tool executions may run and
// drives the ones that may through their lifecycle. Every execution walks a
// fixed state graph; approved executions queue up behind a concurrency cap
// and run in approval order.
package admission

import (
	"time"

	"github.com/toolgate/toolgate/internal/risk"
	"github.com/toolgate/toolgate/internal/tool"
)

// Status is the lifecycle state of one execution.
type Status string

// Execution statuses.
const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// transitions is the legal state graph. Any non-terminal state may
// additionally move to StatusError; that edge is handled in the guard
// rather than listed per state.
var transitions = map[Status][]Status{
	StatusPending:   {StatusApproved, StatusRejected},
	StatusApproved:  {StatusExecuting},
	StatusExecuting: {StatusCompleted, StatusError},
}

// Terminal reports whether a status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusCompleted, StatusError:
		return true
	}
	return false
}

func legal(from, to Status) bool {
	if to == StatusError {
		return !from.Terminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Execution is one admitted (or refused) tool call and its full lifecycle
// record.
type Execution struct {
	ID         string               `json:"id"`
	ToolName   string               `json:"tool_name"`
	Input      map[string]any       `json:"input,omitempty"`
	Role       string               `json:"role,omitempty"`
	RiskTier   risk.Tier            `json:"risk_tier"`
	Permission tool.PermissionLevel `json:"permission"`
	Status     Status               `json:"status"`

	// RequestID links to the approval request when human input was needed.
	RequestID string `json:"request_id,omitempty"`

	Result       *tool.Result `json:"result,omitempty"`
	ErrorCode    string       `json:"error_code,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`

	SubmittedAt time.Time `json:"submitted_at"`
	DecidedAt   time.Time `json:"decided_at,omitzero"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	FinishedAt  time.Time `json:"finished_at,omitzero"`
}

func (e *Execution) clone() Execution {
	out := *e
	if e.Input != nil {
		out.Input = make(map[string]any, len(e.Input))
		for k, v := range e.Input {
			out.Input[k] = v
		}
	}
	if e.Result != nil {
		r := *e.Result
		out.Result = &r
	}
	return out
}
