package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/toolgate/toolgate/internal/notify"
	"github.com/toolgate/toolgate/internal/risk"
	"github.com/toolgate/toolgate/internal/rule"
	"github.com/toolgate/toolgate/internal/store"
	"github.com/toolgate/toolgate/internal/tool"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type outcomeRecorder struct {
	mu   sync.Mutex
	outs []Outcome
}

func (r *outcomeRecorder) record(o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outs = append(r.outs, o)
}

func (r *outcomeRecorder) all() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Outcome, len(r.outs))
	copy(out, r.outs)
	return out
}

func requireRule(id string, priority int, approvers ...string) rule.Rule {
	return rule.Rule{
		ID:       id,
		Priority: priority,
		Enabled:  true,
		Action: rule.Action{
			Decision:  rule.DecisionRequireApproval,
			Approvers: approvers,
		},
	}
}

func testEngine(t *testing.T, clk *fakeClock, rules ...rule.Rule) (*Engine, *outcomeRecorder) {
	t.Helper()
	set := rule.NewSet()
	for _, r := range rules {
		if err := set.Add(r); err != nil {
			t.Fatalf("Add(%s): %v", r.ID, err)
		}
	}
	rec := &outcomeRecorder{}
	e := NewEngine(Config{
		Rules:    set,
		Store:    store.NewMemory(),
		Notifier: &notify.MemoryNotifier{},
		Now:      clk.Now,
		Roles: func(id string) []string {
			switch id {
			case "alice", "bob":
				return []string{"admin"}
			case "uma":
				return []string{"user"}
			}
			return nil
		},
	})
	e.SetResolution(rec.record)
	t.Cleanup(e.Close)
	return e, rec
}

func mustCreate(t *testing.T, e *Engine) Request {
	t.Helper()
	req, err := e.CreateRequest(context.Background(), CreateInput{
		ExecutionID: "exec-1",
		ToolName:    "delete_records",
		RiskTier:    risk.TierHigh,
		Role:        "user",
		Category:    tool.CategoryData,
	})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	return req
}

func TestCreateRequestDenyRuleRejectsImmediately(t *testing.T) {
	t.Parallel()
	deny := rule.Rule{
		ID:       "deny-all",
		Priority: 5,
		Enabled:  true,
		Action:   rule.Action{Decision: rule.DecisionDeny},
	}
	e, rec := testEngine(t, newFakeClock(), deny, requireRule("gate", 10, "admin"))

	req := mustCreate(t, e)
	if req.Status != RequestRejected {
		t.Fatalf("status = %s, want %s", req.Status, RequestRejected)
	}
	if _, ok := e.GetWorkflow(req.ID); ok {
		t.Fatal("deny rule should not create a workflow")
	}
	outs := rec.all()
	if len(outs) != 1 || outs[0].Approved {
		t.Fatalf("outcomes = %+v, want one rejection", outs)
	}
}

func TestCreateRequestAutoApproveOnly(t *testing.T) {
	t.Parallel()
	auto := rule.Rule{
		ID:      "trusted",
		Enabled: true,
		Action:  rule.Action{Decision: rule.DecisionAutoApprove},
	}
	e, rec := testEngine(t, newFakeClock(), auto)

	req := mustCreate(t, e)
	if req.Status != RequestApproved {
		t.Fatalf("status = %s, want %s", req.Status, RequestApproved)
	}
	outs := rec.all()
	if len(outs) != 1 || !outs[0].Approved {
		t.Fatalf("outcomes = %+v, want one approval", outs)
	}
}

func TestCreateRequestFallbackStep(t *testing.T) {
	t.Parallel()
	e, _ := testEngine(t, newFakeClock())

	req := mustCreate(t, e)
	if req.Status != RequestPending {
		t.Fatalf("status = %s, want %s", req.Status, RequestPending)
	}
	wf, ok := e.GetWorkflow(req.ID)
	if !ok {
		t.Fatal("workflow not found")
	}
	if len(wf.Steps) != 1 || len(wf.Steps[0].Approvers) != 1 || wf.Steps[0].Approvers[0] != "user" {
		t.Fatalf("fallback steps = %+v", wf.Steps)
	}
}

func TestApproveAdvancesSequentialGates(t *testing.T) {
	t.Parallel()
	e, rec := testEngine(t, newFakeClock(),
		requireRule("gate-user", 1, "user"),
		requireRule("gate-admin", 2, "admin"),
	)
	ctx := context.Background()

	req := mustCreate(t, e)
	wf, _ := e.GetWorkflow(req.ID)
	if len(wf.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(wf.Steps))
	}
	if wf.Steps[0].RuleID != "gate-user" || wf.Steps[1].RuleID != "gate-admin" {
		t.Fatalf("step order = %s, %s", wf.Steps[0].RuleID, wf.Steps[1].RuleID)
	}

	// uma holds the "user" role, so she satisfies step 0 but not step 1.
	if err := e.Approve(ctx, req.ID, "uma", "looks fine"); err != nil {
		t.Fatalf("Approve step 0: %v", err)
	}
	wf, _ = e.GetWorkflow(req.ID)
	if wf.Current != 1 || wf.Status != StatusActive {
		t.Fatalf("after step 0: current=%d status=%s", wf.Current, wf.Status)
	}
	if len(rec.all()) != 0 {
		t.Fatal("no outcome expected while workflow is active")
	}

	if err := e.Approve(ctx, req.ID, "alice", ""); err != nil {
		t.Fatalf("Approve step 1: %v", err)
	}
	got, _ := e.GetRequest(req.ID)
	if got.Status != RequestApproved || got.DecidedBy != "alice" {
		t.Fatalf("request = %+v, want approved by alice", got)
	}
	outs := rec.all()
	if len(outs) != 1 || !outs[0].Approved || outs[0].ExecutionID != "exec-1" {
		t.Fatalf("outcomes = %+v", outs)
	}
}

func TestRejectIsFinal(t *testing.T) {
	t.Parallel()
	e, rec := testEngine(t, newFakeClock(),
		requireRule("gate-user", 1, "user"),
		requireRule("gate-admin", 2, "admin"),
	)
	ctx := context.Background()

	req := mustCreate(t, e)
	if err := e.Reject(ctx, req.ID, "uma", "too risky"); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	wf, _ := e.GetWorkflow(req.ID)
	if wf.Status != StatusFailed {
		t.Fatalf("workflow status = %s, want %s", wf.Status, StatusFailed)
	}
	if wf.Steps[1].Status != StepPending {
		t.Fatalf("later step status = %s, want untouched pending", wf.Steps[1].Status)
	}
	outs := rec.all()
	if len(outs) != 1 || outs[0].Approved || outs[0].Reason != "too risky" {
		t.Fatalf("outcomes = %+v", outs)
	}

	// Rejection is irreversible: no later approval resurrects the workflow.
	err := e.Approve(ctx, req.ID, "alice", "")
	if !errors.Is(err, ErrInvalidStepState) {
		t.Fatalf("Approve after reject = %v, want ErrInvalidStepState", err)
	}
}

func TestRejectRequiresReason(t *testing.T) {
	t.Parallel()
	e, _ := testEngine(t, newFakeClock(), requireRule("gate", 1, "admin"))

	req := mustCreate(t, e)
	if err := e.Reject(context.Background(), req.ID, "alice", ""); !errors.Is(err, ErrReasonRequired) {
		t.Fatalf("Reject with empty reason = %v, want ErrReasonRequired", err)
	}
}

func TestApproveIdempotentAfterCompletion(t *testing.T) {
	t.Parallel()
	e, rec := testEngine(t, newFakeClock(), requireRule("gate", 1, "admin"))
	ctx := context.Background()

	req := mustCreate(t, e)
	if err := e.Approve(ctx, req.ID, "alice", ""); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if err := e.Approve(ctx, req.ID, "alice", ""); err != nil {
		t.Fatalf("repeat Approve by same approver = %v, want nil", err)
	}
	if err := e.Approve(ctx, req.ID, "bob", ""); !errors.Is(err, ErrInvalidStepState) {
		t.Fatalf("Approve by new actor on completed workflow = %v, want ErrInvalidStepState", err)
	}
	if n := len(rec.all()); n != 1 {
		t.Fatalf("outcomes = %d, want exactly 1", n)
	}
}

func TestApprovePermissionDenied(t *testing.T) {
	t.Parallel()
	e, _ := testEngine(t, newFakeClock(), requireRule("gate", 1, "admin"))

	req := mustCreate(t, e)
	err := e.Approve(context.Background(), req.ID, "mallory", "")
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Approve by outsider = %v, want ErrPermissionDenied", err)
	}
}

func TestUnanimousStepNeedsEveryApprover(t *testing.T) {
	t.Parallel()
	gate := rule.Rule{
		ID:      "dual-control",
		Enabled: true,
		Action: rule.Action{
			Decision:  rule.DecisionRequireApproval,
			Approvers: []string{"alice", "bob"},
			Unanimous: true,
		},
	}
	e, rec := testEngine(t, newFakeClock(), gate)
	ctx := context.Background()

	req := mustCreate(t, e)
	if err := e.Approve(ctx, req.ID, "alice", ""); err != nil {
		t.Fatalf("first Approve: %v", err)
	}
	wf, _ := e.GetWorkflow(req.ID)
	if wf.Status != StatusActive {
		t.Fatalf("one of two approvals gave status %s", wf.Status)
	}
	// Same approver again is a recorded no-op, not a second vote.
	if err := e.Approve(ctx, req.ID, "alice", ""); err != nil {
		t.Fatalf("repeat Approve: %v", err)
	}
	if wf, _ = e.GetWorkflow(req.ID); wf.Status != StatusActive {
		t.Fatalf("repeat approval changed status to %s", wf.Status)
	}

	if err := e.Approve(ctx, req.ID, "bob", ""); err != nil {
		t.Fatalf("second Approve: %v", err)
	}
	if outs := rec.all(); len(outs) != 1 || !outs[0].Approved {
		t.Fatalf("outcomes = %+v", outs)
	}
}

func TestEscalateReplacesApprovers(t *testing.T) {
	t.Parallel()
	gate := rule.Rule{
		ID:      "gate",
		Enabled: true,
		Action: rule.Action{
			Decision:   rule.DecisionRequireApproval,
			Approvers:  []string{"user"},
			EscalateTo: []string{"admin"},
		},
	}
	e, rec := testEngine(t, newFakeClock(), gate)
	ctx := context.Background()

	req := mustCreate(t, e)
	if err := e.Escalate(ctx, req.ID, "uma", "no response"); err != nil {
		t.Fatalf("Escalate: %v", err)
	}

	wf, _ := e.GetWorkflow(req.ID)
	step := wf.Steps[0]
	if step.Status != StepPending || !step.Escalated {
		t.Fatalf("step = %+v, want pending and escalated", step)
	}
	if len(step.Approvers) != 1 || step.Approvers[0] != "admin" {
		t.Fatalf("approvers = %v, want [admin]", step.Approvers)
	}

	// Escalation is one-shot per step.
	if err := e.Escalate(ctx, req.ID, "uma", "again"); !errors.Is(err, ErrNoEscalationPath) {
		t.Fatalf("second Escalate = %v, want ErrNoEscalationPath", err)
	}

	// The original approver no longer qualifies; the escalated one does.
	if err := e.Approve(ctx, req.ID, "uma", ""); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Approve by original approver = %v, want ErrPermissionDenied", err)
	}
	if err := e.Approve(ctx, req.ID, "alice", ""); err != nil {
		t.Fatalf("Approve by escalated approver: %v", err)
	}
	if outs := rec.all(); len(outs) != 1 || !outs[0].Approved {
		t.Fatalf("outcomes = %+v", outs)
	}
}

func TestExpireStaleSweep(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	gate := rule.Rule{
		ID:      "gate",
		Enabled: true,
		Action: rule.Action{
			Decision:  rule.DecisionRequireApproval,
			Approvers: []string{"admin"},
			Timeout:   time.Hour,
		},
	}
	e, rec := testEngine(t, clk, gate)
	ctx := context.Background()

	req := mustCreate(t, e)
	if n := e.ExpireStale(ctx); n != 0 {
		t.Fatalf("premature sweep expired %d", n)
	}

	clk.Advance(2 * time.Hour)
	if n := e.ExpireStale(ctx); n != 1 {
		t.Fatalf("sweep expired %d, want 1", n)
	}

	got, _ := e.GetRequest(req.ID)
	if got.Status != RequestExpired {
		t.Fatalf("status = %s, want %s", got.Status, RequestExpired)
	}
	outs := rec.all()
	if len(outs) != 1 || !outs[0].Expired || outs[0].Approved {
		t.Fatalf("outcomes = %+v, want one expiry", outs)
	}

	// Expiry is terminal.
	if err := e.Approve(ctx, req.ID, "alice", ""); !errors.Is(err, ErrApprovalExpired) {
		t.Fatalf("Approve after expiry = %v, want ErrApprovalExpired", err)
	}
}

func TestTimerExpiresPendingStep(t *testing.T) {
	t.Parallel()
	gate := rule.Rule{
		ID:      "gate",
		Enabled: true,
		Action: rule.Action{
			Decision:  rule.DecisionRequireApproval,
			Approvers: []string{"admin"},
			Timeout:   20 * time.Millisecond,
		},
	}
	set := rule.NewSet()
	if err := set.Add(gate); err != nil {
		t.Fatal(err)
	}
	done := make(chan Outcome, 1)
	e := NewEngine(Config{
		Rules:    set,
		Notifier: &notify.MemoryNotifier{},
	})
	e.SetResolution(func(o Outcome) { done <- o })
	t.Cleanup(e.Close)

	if _, err := e.CreateRequest(context.Background(), CreateInput{
		ExecutionID: "exec-t",
		ToolName:    "slow_tool",
		RiskTier:    risk.TierMedium,
		Category:    tool.CategoryNetwork,
	}); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	select {
	case o := <-done:
		if !o.Expired {
			t.Fatalf("outcome = %+v, want expired", o)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
}

func TestCancelActiveWorkflow(t *testing.T) {
	t.Parallel()
	e, rec := testEngine(t, newFakeClock(), requireRule("gate", 1, "admin"))
	ctx := context.Background()

	req := mustCreate(t, e)
	if err := e.Cancel(ctx, req.ID, "execution cancelled"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	wf, _ := e.GetWorkflow(req.ID)
	if wf.Status != StatusCancelled {
		t.Fatalf("status = %s, want %s", wf.Status, StatusCancelled)
	}
	// Cancellation came from the execution side, so no outcome is delivered.
	if n := len(rec.all()); n != 0 {
		t.Fatalf("outcomes = %d, want 0", n)
	}
	// Repeat cancel is a no-op.
	if err := e.Cancel(ctx, req.ID, "again"); err != nil {
		t.Fatalf("repeat Cancel: %v", err)
	}
}

func TestLookupUnknownRequest(t *testing.T) {
	t.Parallel()
	e, _ := testEngine(t, newFakeClock())
	if err := e.Approve(context.Background(), "nope", "alice", ""); !errors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("Approve unknown = %v, want ErrWorkflowNotFound", err)
	}
}

func TestCleanupResolved(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	e, _ := testEngine(t, clk, requireRule("gate", 1, "admin"))
	ctx := context.Background()

	req := mustCreate(t, e)
	if err := e.Approve(ctx, req.ID, "alice", ""); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	if n := e.CleanupResolved(time.Hour); n != 0 {
		t.Fatalf("cleanup inside retention removed %d", n)
	}
	clk.Advance(3 * time.Hour)
	if n := e.CleanupResolved(time.Hour); n != 1 {
		t.Fatalf("cleanup removed %d, want 1", n)
	}
	if _, ok := e.GetRequest(req.ID); ok {
		t.Fatal("request survived cleanup")
	}
}
