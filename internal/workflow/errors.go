package workflow

import "errors"

var (
	// ErrWorkflowNotFound is returned when no workflow matches a request ID.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrInvalidStepState is returned when an operation targets a step that
	// is not pending, or a workflow that is already terminal.
	ErrInvalidStepState = errors.New("invalid step state")

	// ErrPermissionDenied is returned when the actor is not in the step's
	// (possibly escalated) required-approver set.
	ErrPermissionDenied = errors.New("approver not eligible")

	// ErrReasonRequired is returned when a rejection carries no reason.
	ErrReasonRequired = errors.New("rejection reason is required")

	// ErrNoEscalationPath is returned when escalating a step that declares
	// no escalation targets.
	ErrNoEscalationPath = errors.New("step has no escalation path")

	// ErrApprovalExpired is returned when acting on a request whose workflow
	// has already expired.
	ErrApprovalExpired = errors.New("approval expired")
)
