package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/toolgate/toolgate/internal/audit"
	"github.com/toolgate/toolgate/internal/event"
	"github.com/toolgate/toolgate/internal/notify"
	"github.com/toolgate/toolgate/internal/risk"
	"github.com/toolgate/toolgate/internal/rule"
	"github.com/toolgate/toolgate/internal/store"
	"github.com/toolgate/toolgate/internal/tool"
)

// DefaultStepTimeout applies when a matching rule declares no timeout.
const DefaultStepTimeout = 5 * time.Minute

// DefaultApprovers is the required-approver set of the fallback step used
// when no rule matches a request.
var DefaultApprovers = []string{"user"}

// RoleResolver maps an actor ID to its role names. Eligibility checks
// accept an actor whose ID or any of whose roles appears in the step's
// approver set.
type RoleResolver func(id string) []string

// Config wires an Engine's collaborators. Zero fields get safe defaults.
type Config struct {
	Rules    *rule.Set
	Bus      *event.Bus
	Audit    *audit.Logger
	Notifier notify.Notifier
	Store    store.Store
	Logger   *slog.Logger
	Now      func() time.Time

	StepTimeout time.Duration
	Approvers   []string // fallback step approvers
	Roles       RoleResolver
}

// Engine owns every ApprovalRequest and Workflow. All mutation happens under
// one mutex; events, audit records, notifications, and the resolution
// callback fire after the lock is released so consumers may call back in.
type Engine struct {
	mu        sync.Mutex
	rules     *rule.Set
	requests  map[string]*Request
	workflows map[string]*Workflow
	byRequest map[string]string
	timers    map[string]*time.Timer

	bus      *event.Bus
	auditLog *audit.Logger
	notifier notify.Notifier
	store    store.Store
	logger   *slog.Logger
	now      func() time.Time

	stepTimeout time.Duration
	fallback    []string
	roles       RoleResolver

	onResolved ResolutionFunc
}

// NewEngine creates a workflow engine.
func NewEngine(cfg Config) *Engine {
	if cfg.Rules == nil {
		cfg.Rules = rule.NewSet()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	if len(cfg.Approvers) == 0 {
		cfg.Approvers = DefaultApprovers
	}
	if cfg.Roles == nil {
		cfg.Roles = func(string) []string { return []string{"user"} }
	}
	if cfg.Notifier == nil {
		cfg.Notifier = &notify.LogNotifier{Logger: cfg.Logger}
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NewLogger(audit.LoggerConfig{})
	}
	return &Engine{
		rules:       cfg.Rules,
		requests:    make(map[string]*Request),
		workflows:   make(map[string]*Workflow),
		byRequest:   make(map[string]string),
		timers:      make(map[string]*time.Timer),
		bus:         cfg.Bus,
		auditLog:    cfg.Audit,
		notifier:    cfg.Notifier,
		store:       cfg.Store,
		logger:      cfg.Logger,
		now:         cfg.Now,
		stepTimeout: cfg.StepTimeout,
		fallback:    cfg.Approvers,
		roles:       cfg.Roles,
	}
}

// SetResolution registers the terminal-outcome callback. Must be called
// before the first CreateRequest.
func (e *Engine) SetResolution(fn ResolutionFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onResolved = fn
}

// effects defers side effects until after the engine lock is released.
type effects struct {
	fns []func(context.Context)
}

func (f *effects) add(fn func(context.Context)) { f.fns = append(f.fns, fn) }

func (f *effects) run(ctx context.Context) {
	for _, fn := range f.fns {
		fn(ctx)
	}
}

// CreateInput describes the execution needing a decision.
type CreateInput struct {
	ExecutionID string
	ToolName    string
	RiskTier    risk.Tier
	Role        string
	Category    tool.Category
}

// CreateRequest evaluates the rule set against the input and builds the
// approval request plus its workflow. Every matching rule becomes one
// sequential gate, in ascending priority order; a matching deny rule
// rejects immediately, and a request matched only by auto-approve rules
// resolves approved without a workflow. With no matching rules at all, a
// single fallback step requiring the default approver set is used.
func (e *Engine) CreateRequest(ctx context.Context, in CreateInput) (Request, error) {
	var fx effects
	defer func() { fx.run(ctx) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	req := &Request{
		ID:          uuid.NewString(),
		ExecutionID: in.ExecutionID,
		ToolName:    in.ToolName,
		RiskTier:    in.RiskTier,
		Role:        in.Role,
		Category:    in.Category,
		Status:      RequestPending,
		CreatedAt:   now,
	}

	matched := e.rules.Evaluate(rule.Request{
		RiskTier: in.RiskTier,
		Role:     in.Role,
		Category: in.Category,
	})

	for _, r := range matched {
		if r.Action.Decision == rule.DecisionDeny {
			req.Status = RequestRejected
			req.DecidedAt = now
			req.DecidedBy = "system"
			req.Reason = fmt.Sprintf("denied by rule %s", r.ID)
			e.requests[req.ID] = req
			e.persistRequestLocked(req)
			e.emitLocked(&fx, event.Event{
				Type:        event.ApprovalRejected,
				RequestID:   req.ID,
				ExecutionID: req.ExecutionID,
				Data:        map[string]any{"reason": req.Reason},
			})
			e.auditLocked(&fx, audit.Record{
				Name:        audit.EventApprovalRejected,
				RequestID:   req.ID,
				ExecutionID: req.ExecutionID,
				Actor:       "system",
				ToolName:    req.ToolName,
				Detail:      req.Reason,
			})
			e.resolveLocked(&fx, Outcome{
				RequestID:   req.ID,
				ExecutionID: req.ExecutionID,
				Approved:    false,
				By:          "system",
				Reason:      req.Reason,
			})
			return *req, nil
		}
	}

	steps := e.buildSteps(matched, now)
	if len(steps) == 0 {
		if len(matched) > 0 {
			// Only auto-approve rules matched.
			req.Status = RequestApproved
			req.DecidedAt = now
			req.DecidedBy = "system"
			req.Reason = fmt.Sprintf("auto-approved by rule %s", matched[0].ID)
			e.requests[req.ID] = req
			e.persistRequestLocked(req)
			e.auditLocked(&fx, audit.Record{
				Name:        audit.EventApprovalGranted,
				RequestID:   req.ID,
				ExecutionID: req.ExecutionID,
				Actor:       "system",
				ToolName:    req.ToolName,
				Detail:      req.Reason,
			})
			e.resolveLocked(&fx, Outcome{
				RequestID:   req.ID,
				ExecutionID: req.ExecutionID,
				Approved:    true,
				By:          "system",
				Reason:      req.Reason,
			})
			return *req, nil
		}
		steps = []*Step{{
			Number:    0,
			Approvers: slices.Clone(e.fallback),
			Timeout:   e.stepTimeout,
			Status:    StepPending,
			StartedAt: now,
		}}
	}

	wf := &Workflow{
		ID:        uuid.NewString(),
		RequestID: req.ID,
		Steps:     steps,
		Current:   0,
		Status:    StatusActive,
		StartedAt: now,
	}
	first := wf.Steps[0]
	req.Approvers = slices.Clone(first.Approvers)
	req.Deadline = now.Add(first.Timeout)

	e.requests[req.ID] = req
	e.workflows[wf.ID] = wf
	e.byRequest[req.ID] = wf.ID
	e.armTimerLocked(wf)
	e.persistLocked(req, wf)

	e.emitLocked(&fx, event.Event{
		Type:        event.ApprovalRequired,
		RequestID:   req.ID,
		ExecutionID: req.ExecutionID,
		WorkflowID:  wf.ID,
		Data: map[string]any{
			"tool":      req.ToolName,
			"risk_tier": string(req.RiskTier),
			"approvers": first.Approvers,
			"steps":     len(wf.Steps),
		},
	})
	e.auditLocked(&fx, audit.Record{
		Name:        audit.EventApprovalRequested,
		RequestID:   req.ID,
		ExecutionID: req.ExecutionID,
		WorkflowID:  wf.ID,
		ToolName:    req.ToolName,
		Detail:      fmt.Sprintf("risk=%s steps=%d", req.RiskTier, len(wf.Steps)),
	})
	e.notifyStepLocked(&fx, req, first)

	return *req, nil
}

func (e *Engine) buildSteps(matched []rule.Rule, now time.Time) []*Step {
	var steps []*Step
	for _, r := range matched {
		if r.Action.Decision != rule.DecisionRequireApproval {
			continue
		}
		timeout := r.Action.Timeout
		if timeout <= 0 {
			timeout = e.stepTimeout
		}
		step := &Step{
			Number:     len(steps),
			RuleID:     r.ID,
			Approvers:  slices.Clone(r.Action.Approvers),
			Unanimous:  r.Action.Unanimous,
			Timeout:    timeout,
			EscalateTo: slices.Clone(r.Action.EscalateTo),
			Channels:   slices.Clone(r.Action.Channels),
			Status:     StepPending,
		}
		if step.Number == 0 {
			step.StartedAt = now
		}
		steps = append(steps, step)
	}
	return steps
}

// Approve records one approver's decision on the current step. Approving an
// already satisfied step again with the same approver is a no-op; double
// decisions never error and never duplicate records.
func (e *Engine) Approve(ctx context.Context, requestID, approverID, comment string) error {
	var fx effects
	defer func() { fx.run(ctx) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	req, wf, err := e.lookupLocked(requestID)
	if err != nil {
		return err
	}

	if wf.Status != StatusActive {
		if wf.Status == StatusCompleted && wf.hasApprovalBy(approverID) {
			return nil // idempotent repeat of a recorded approval
		}
		if wf.Status == StatusExpired {
			return fmt.Errorf("%w: request %s", ErrApprovalExpired, requestID)
		}
		return fmt.Errorf("%w: workflow %s is %s", ErrInvalidStepState, wf.ID, wf.Status)
	}

	step := wf.currentStep()
	if step == nil || step.Status != StepPending {
		return fmt.Errorf("%w: step is not pending", ErrInvalidStepState)
	}
	if step.approvalBy(approverID) {
		return nil // waiting on other approvers under unanimous semantics
	}
	if !e.eligibleLocked(step, approverID) {
		return fmt.Errorf("%w: %s (step %d requires %v)", ErrPermissionDenied, approverID, step.Number, step.Approvers)
	}

	now := e.now()
	step.Approvals = append(step.Approvals, Decision{By: approverID, At: now, Comment: comment})
	if comment != "" {
		step.Comments = append(step.Comments, comment)
	}

	e.auditLocked(&fx, audit.Record{
		Name:        audit.EventApprovalGranted,
		RequestID:   req.ID,
		ExecutionID: req.ExecutionID,
		WorkflowID:  wf.ID,
		Actor:       approverID,
		ToolName:    req.ToolName,
		Detail:      fmt.Sprintf("step %d", step.Number),
	})
	e.emitLocked(&fx, event.Event{
		Type:        event.ApprovalGranted,
		RequestID:   req.ID,
		ExecutionID: req.ExecutionID,
		WorkflowID:  wf.ID,
		Data:        map[string]any{"step": step.Number, "by": approverID},
	})

	if !step.satisfied() {
		e.persistLocked(req, wf)
		return nil
	}

	step.Status = StepApproved
	e.stopTimerLocked(wf.ID)

	if wf.Current+1 < len(wf.Steps) {
		wf.Current++
		next := wf.currentStep()
		next.StartedAt = now
		req.Approvers = slices.Clone(next.Approvers)
		req.Deadline = now.Add(next.Timeout)
		e.armTimerLocked(wf)
		e.persistLocked(req, wf)
		e.notifyStepLocked(&fx, req, next)
		return nil
	}

	wf.Status = StatusCompleted
	wf.EndedAt = now
	req.Status = RequestApproved
	req.DecidedAt = now
	req.DecidedBy = approverID
	e.persistLocked(req, wf)

	e.emitLocked(&fx, event.Event{
		Type:        event.WorkflowCompleted,
		RequestID:   req.ID,
		ExecutionID: req.ExecutionID,
		WorkflowID:  wf.ID,
	})
	e.auditLocked(&fx, audit.Record{
		Name:        audit.EventWorkflowCompleted,
		RequestID:   req.ID,
		ExecutionID: req.ExecutionID,
		WorkflowID:  wf.ID,
		Actor:       approverID,
	})
	e.resolveLocked(&fx, Outcome{
		RequestID:   req.ID,
		ExecutionID: req.ExecutionID,
		Approved:    true,
		By:          approverID,
	})
	return nil
}

// Reject fails the workflow at the current step. Rejection at any step is
// final; later steps are never evaluated. A non-empty reason is required.
func (e *Engine) Reject(ctx context.Context, requestID, rejectedBy, reason string) error {
	if reason == "" {
		return ErrReasonRequired
	}

	var fx effects
	defer func() { fx.run(ctx) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	req, wf, err := e.lookupLocked(requestID)
	if err != nil {
		return err
	}
	if wf.Status != StatusActive {
		return fmt.Errorf("%w: workflow %s is %s", ErrInvalidStepState, wf.ID, wf.Status)
	}
	step := wf.currentStep()
	if step == nil || step.Status != StepPending {
		return fmt.Errorf("%w: step is not pending", ErrInvalidStepState)
	}
	if !e.eligibleLocked(step, rejectedBy) {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, rejectedBy)
	}

	now := e.now()
	step.Rejections = append(step.Rejections, Decision{By: rejectedBy, At: now, Comment: reason})
	step.Status = StepRejected
	wf.Status = StatusFailed
	wf.EndedAt = now
	req.Status = RequestRejected
	req.DecidedAt = now
	req.DecidedBy = rejectedBy
	req.Reason = reason

	e.stopTimerLocked(wf.ID)
	e.persistLocked(req, wf)

	e.emitLocked(&fx, event.Event{
		Type:        event.ApprovalRejected,
		RequestID:   req.ID,
		ExecutionID: req.ExecutionID,
		WorkflowID:  wf.ID,
		Data:        map[string]any{"step": step.Number, "by": rejectedBy, "reason": reason},
	})
	e.emitLocked(&fx, event.Event{
		Type:        event.WorkflowFailed,
		RequestID:   req.ID,
		ExecutionID: req.ExecutionID,
		WorkflowID:  wf.ID,
	})
	e.auditLocked(&fx, audit.Record{
		Name:        audit.EventApprovalRejected,
		RequestID:   req.ID,
		ExecutionID: req.ExecutionID,
		WorkflowID:  wf.ID,
		Actor:       rejectedBy,
		Detail:      reason,
	})
	e.resolveLocked(&fx, Outcome{
		RequestID:   req.ID,
		ExecutionID: req.ExecutionID,
		Approved:    false,
		By:          rejectedBy,
		Reason:      reason,
	})
	return nil
}

// Escalate replaces the current step's approver set with its escalation
// path and re-arms the step timeout. The step stays pending so the new
// approvers can act; escalation is one-shot per step.
func (e *Engine) Escalate(ctx context.Context, requestID, escalatedBy, reason string) error {
	var fx effects
	defer func() { fx.run(ctx) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	req, wf, err := e.lookupLocked(requestID)
	if err != nil {
		return err
	}
	if wf.Status != StatusActive {
		return fmt.Errorf("%w: workflow %s is %s", ErrInvalidStepState, wf.ID, wf.Status)
	}
	step := wf.currentStep()
	if step == nil || step.Status != StepPending {
		return fmt.Errorf("%w: step is not pending", ErrInvalidStepState)
	}
	if len(step.EscalateTo) == 0 {
		return fmt.Errorf("%w: step %d", ErrNoEscalationPath, step.Number)
	}

	now := e.now()
	step.Approvers = step.EscalateTo
	step.EscalateTo = nil
	step.Escalated = true
	step.EscalatedBy = escalatedBy
	step.StartedAt = now
	if reason != "" {
		step.Comments = append(step.Comments, "escalated: "+reason)
	}
	req.Approvers = slices.Clone(step.Approvers)
	req.Deadline = now.Add(step.Timeout)

	e.stopTimerLocked(wf.ID)
	e.armTimerLocked(wf)
	e.persistLocked(req, wf)

	e.emitLocked(&fx, event.Event{
		Type:        event.ApprovalEscalated,
		RequestID:   req.ID,
		ExecutionID: req.ExecutionID,
		WorkflowID:  wf.ID,
		Data: map[string]any{
			"step":        step.Number,
			"by":          escalatedBy,
			"step_status": string(StepEscalated),
			"approvers":   step.Approvers,
		},
	})
	e.auditLocked(&fx, audit.Record{
		Name:        audit.EventApprovalEscalated,
		RequestID:   req.ID,
		ExecutionID: req.ExecutionID,
		WorkflowID:  wf.ID,
		Actor:       escalatedBy,
		Detail:      reason,
	})
	e.notifyStepLocked(&fx, req, step)
	return nil
}

// Cancel terminates an active workflow without a decision, used when the
// underlying execution is cancelled. No resolution callback fires: the
// admission engine initiated the cancellation and owns the execution's
// terminal state.
func (e *Engine) Cancel(ctx context.Context, requestID, reason string) error {
	var fx effects
	defer func() { fx.run(ctx) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	req, wf, err := e.lookupLocked(requestID)
	if err != nil {
		return err
	}
	if wf.Status != StatusActive {
		return nil // already terminal: cancelling twice is a no-op
	}

	now := e.now()
	wf.Status = StatusCancelled
	wf.EndedAt = now
	req.Status = RequestRejected
	req.DecidedAt = now
	req.DecidedBy = "system"
	req.Reason = reason

	e.stopTimerLocked(wf.ID)
	e.persistLocked(req, wf)

	e.auditLocked(&fx, audit.Record{
		Name:        audit.EventWorkflowCancelled,
		RequestID:   req.ID,
		ExecutionID: req.ExecutionID,
		WorkflowID:  wf.ID,
		Detail:      reason,
	})
	return nil
}

// lookupLocked resolves a request ID to its request and workflow.
func (e *Engine) lookupLocked(requestID string) (*Request, *Workflow, error) {
	wfID, ok := e.byRequest[requestID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: request %s", ErrWorkflowNotFound, requestID)
	}
	return e.requests[requestID], e.workflows[wfID], nil
}

func (e *Engine) eligibleLocked(step *Step, actorID string) bool {
	if slices.Contains(step.Approvers, actorID) {
		return true
	}
	for _, role := range e.roles(actorID) {
		if slices.Contains(step.Approvers, role) {
			return true
		}
	}
	return false
}

func (e *Engine) emitLocked(fx *effects, ev event.Event) {
	if e.bus == nil {
		return
	}
	bus := e.bus
	fx.add(func(context.Context) { bus.Publish(ev) })
}

func (e *Engine) auditLocked(fx *effects, rec audit.Record) {
	log := e.auditLog
	fx.add(func(context.Context) { log.Log(rec) })
}

func (e *Engine) resolveLocked(fx *effects, out Outcome) {
	fn := e.onResolved
	if fn == nil {
		return
	}
	fx.add(func(context.Context) { fn(out) })
}

func (e *Engine) notifyStepLocked(fx *effects, req *Request, step *Step) {
	notifier := e.notifier
	channels := step.Channels
	if len(channels) == 0 {
		channels = []string{"default"}
	}
	msg := fmt.Sprintf("approval required: tool %s (risk %s), request %s, step %d",
		req.ToolName, req.RiskTier, req.ID, step.Number)
	recipients := slices.Clone(step.Approvers)
	for _, ch := range channels {
		n := notify.Notification{Recipients: recipients, Message: msg, Channel: ch}
		fx.add(func(ctx context.Context) {
			if err := notifier.Notify(ctx, n); err != nil {
				e.logger.Warn("notification failed", "channel", n.Channel, "error", err)
			}
		})
	}
}

func (e *Engine) persistLocked(req *Request, wf *Workflow) {
	e.persistRequestLocked(req)
	if wf == nil || e.store == nil {
		return
	}
	raw, err := json.Marshal(wf)
	if err == nil {
		err = e.store.Set(store.BucketWorkflows, wf.ID, raw)
	}
	if err != nil {
		e.logger.Warn("persist workflow failed", "workflow_id", wf.ID, "error", err)
	}
}

func (e *Engine) persistRequestLocked(req *Request) {
	if e.store == nil {
		return
	}
	raw, err := json.Marshal(req)
	if err == nil {
		err = e.store.Set(store.BucketRequests, req.ID, raw)
	}
	if err != nil {
		e.logger.Warn("persist request failed", "request_id", req.ID, "error", err)
	}
}
