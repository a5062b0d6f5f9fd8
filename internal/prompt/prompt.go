// Package prompt is the interactive terminal approver: it watches for
// approval.required events and walks the operator through a decision form.
package prompt

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/charmbracelet/huh"
	"github.com/toolgate/toolgate/internal/event"
	"github.com/toolgate/toolgate/internal/workflow"
)

// Decider is the subset of the workflow engine the approver drives.
type Decider interface {
	Approve(ctx context.Context, requestID, approverID, comment string) error
	Reject(ctx context.Context, requestID, rejectedBy, reason string) error
	Escalate(ctx context.Context, requestID, escalatedBy, reason string) error
	GetRequest(requestID string) (workflow.Request, bool)
}

// Choices offered per pending request.
const (
	choiceApprove  = "approve"
	choiceReject   = "reject"
	choiceEscalate = "escalate"
	choiceSkip     = "skip"
)

// Approver presents pending approval requests on the terminal.
type Approver struct {
	decider Decider
	bus     *event.Bus
	actor   string
	logger  *slog.Logger

	// runForm is swapped in tests to avoid driving a real terminal.
	runForm func(ctx context.Context, req workflow.Request) (choice, reason string, err error)
}

// New creates a terminal approver acting as actor.
func New(decider Decider, bus *event.Bus, actor string, logger *slog.Logger) *Approver {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Approver{decider: decider, bus: bus, actor: actor, logger: logger}
	a.runForm = a.promptForm
	return a
}

// Run consumes approval.required events until ctx is done. Each pending
// request is presented once; decisions already made elsewhere are skipped.
func (a *Approver) Run(ctx context.Context) error {
	events, cancel := a.bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Type != event.ApprovalRequired {
				continue
			}
			a.handle(ctx, ev.RequestID)
		}
	}
}

func (a *Approver) handle(ctx context.Context, requestID string) {
	req, ok := a.decider.GetRequest(requestID)
	if !ok || req.Status != workflow.RequestPending {
		return // decided or expired before the prompt came up
	}

	choice, reason, err := a.runForm(ctx, req)
	if err != nil {
		a.logger.Warn("prompt: form aborted", "request_id", requestID, "error", err)
		return
	}
	if err := a.apply(ctx, requestID, choice, reason); err != nil {
		a.logger.Warn("prompt: decision failed", "request_id", requestID, "choice", choice, "error", err)
	}
}

// apply executes the operator's choice against the workflow engine.
func (a *Approver) apply(ctx context.Context, requestID, choice, reason string) error {
	switch choice {
	case choiceApprove:
		return a.decider.Approve(ctx, requestID, a.actor, reason)
	case choiceReject:
		if reason == "" {
			reason = "rejected at terminal"
		}
		return a.decider.Reject(ctx, requestID, a.actor, reason)
	case choiceEscalate:
		return a.decider.Escalate(ctx, requestID, a.actor, reason)
	case choiceSkip, "":
		return nil
	default:
		return fmt.Errorf("prompt: unknown choice %q", choice)
	}
}

// promptForm drives the interactive form for one request.
func (a *Approver) promptForm(ctx context.Context, req workflow.Request) (string, string, error) {
	var choice, reason string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title(fmt.Sprintf("Approval required: %s", req.ToolName)).
				Description(fmt.Sprintf("risk %s, requested by role %q, request %s",
					req.RiskTier, req.Role, req.ID)).
				Options(
					huh.NewOption("Approve", choiceApprove),
					huh.NewOption("Reject", choiceReject),
					huh.NewOption("Escalate", choiceEscalate),
					huh.NewOption("Skip (decide later)", choiceSkip),
				).
				Value(&choice),
			huh.NewInput().
				Title("Comment / reason").
				Placeholder("required for reject").
				Value(&reason),
		),
	)
	if err := form.RunWithContext(ctx); err != nil {
		return "", "", err
	}
	return choice, reason, nil
}
