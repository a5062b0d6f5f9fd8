// Package workflow implements the rule-driven approval workflow engine.
// Each execution that needs human input gets one ApprovalRequest and one
// Workflow: an ordered sequence of approval steps, one per matching rule,
// advanced as approvers act and expired by timers plus a periodic sweep.
package workflow

import (
	"time"

	"github.com/toolgate/toolgate/internal/risk"
	"github.com/toolgate/toolgate/internal/tool"
)

// RequestStatus is the lifecycle state of an approval request.
type RequestStatus string

// Request statuses.
const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
	RequestExpired  RequestStatus = "expired"
)

// Request is the need for a human decision on one execution. 1:1 with a
// Workflow while the decision is outstanding.
type Request struct {
	ID          string        `json:"id"`
	ExecutionID string        `json:"execution_id"`
	ToolName    string        `json:"tool_name"`
	RiskTier    risk.Tier     `json:"risk_tier"`
	Role        string        `json:"role"`
	Category    tool.Category `json:"category"`
	Deadline    time.Time     `json:"deadline"`
	Approvers   []string      `json:"approvers"`
	Status      RequestStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	DecidedAt   time.Time     `json:"decided_at,omitzero"`
	DecidedBy   string        `json:"decided_by,omitempty"`
	Reason      string        `json:"reason,omitempty"`
}

// StepStatus is the lifecycle state of one approval step.
type StepStatus string

// Step statuses. StatusEscalated appears on the event surface when a step's
// approver set is replaced; the step itself stays pending so the new
// approvers can act (see Engine.Escalate).
const (
	StepPending   StepStatus = "pending"
	StepApproved  StepStatus = "approved"
	StepRejected  StepStatus = "rejected"
	StepEscalated StepStatus = "escalated"
	StepExpired   StepStatus = "expired"
)

// Decision is one recorded approver action on a step.
type Decision struct {
	By      string    `json:"by"`
	At      time.Time `json:"at"`
	Comment string    `json:"comment,omitempty"`
}

// Step is one sequential approval gate. By default a single qualifying
// approval satisfies the step (OR semantics); Unanimous requires every
// listed approver.
type Step struct {
	Number      int           `json:"number"`
	RuleID      string        `json:"rule_id,omitempty"`
	Approvers   []string      `json:"approvers"`
	Unanimous   bool          `json:"unanimous,omitempty"`
	Timeout     time.Duration `json:"timeout"`
	EscalateTo  []string      `json:"escalate_to,omitempty"`
	Status      StepStatus    `json:"status"`
	StartedAt   time.Time     `json:"started_at,omitzero"`
	Approvals   []Decision    `json:"approvals,omitempty"`
	Rejections  []Decision    `json:"rejections,omitempty"`
	Comments    []string      `json:"comments,omitempty"`
	Escalated   bool          `json:"escalated,omitempty"`
	EscalatedBy string        `json:"escalated_by,omitempty"`
	Channels    []string      `json:"channels,omitempty"`
}

func (s *Step) approvalBy(id string) bool {
	for _, d := range s.Approvals {
		if d.By == id {
			return true
		}
	}
	return false
}

func (s *Step) satisfied() bool {
	if len(s.Approvals) == 0 {
		return false
	}
	if !s.Unanimous {
		return true
	}
	for _, a := range s.Approvers {
		if !s.approvalBy(a) {
			return false
		}
	}
	return true
}

// Status is the overall workflow state.
type Status string

// Workflow statuses. A workflow with any rejected or expired step is
// immediately and irreversibly failed/expired; it never resumes.
const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Workflow is the ordered sequence of approval steps for one request.
type Workflow struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id"`
	Steps     []*Step   `json:"steps"`
	Current   int       `json:"current"`
	Status    Status    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
}

func (w *Workflow) currentStep() *Step {
	if w.Current < 0 || w.Current >= len(w.Steps) {
		return nil
	}
	return w.Steps[w.Current]
}

func (w *Workflow) hasApprovalBy(id string) bool {
	for _, s := range w.Steps {
		if s.approvalBy(id) {
			return true
		}
	}
	return false
}

// Outcome is the terminal resolution of a request, delivered to the
// admission engine's resolution callback.
type Outcome struct {
	RequestID   string
	ExecutionID string
	Approved    bool
	Expired     bool
	By          string
	Reason      string
}

// ResolutionFunc receives terminal outcomes. It is invoked outside the
// engine's lock, so implementations may call back into the engine.
type ResolutionFunc func(Outcome)
