package workflow

import (
	"context"
	"slices"
	"time"

	"github.com/toolgate/toolgate/internal/audit"
	"github.com/toolgate/toolgate/internal/event"
	"github.com/toolgate/toolgate/internal/store"
)

// armTimerLocked schedules expiry of the workflow's current step. One timer
// per workflow; re-arming replaces the previous timer.
func (e *Engine) armTimerLocked(wf *Workflow) {
	step := wf.currentStep()
	if step == nil {
		return
	}
	id := wf.ID
	e.timers[id] = time.AfterFunc(step.Timeout, func() {
		e.expire(context.Background(), id)
	})
}

func (e *Engine) stopTimerLocked(workflowID string) {
	if t, ok := e.timers[workflowID]; ok {
		t.Stop()
		delete(e.timers, workflowID)
	}
}

// expire moves a still-active workflow to expired. Safe against double
// firing and against racing a decision: once the workflow left the active
// state this is a no-op.
func (e *Engine) expire(ctx context.Context, workflowID string) {
	var fx effects
	defer func() { fx.run(ctx) }()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.expireLocked(&fx, workflowID)
}

func (e *Engine) expireLocked(fx *effects, workflowID string) {
	wf, ok := e.workflows[workflowID]
	if !ok || wf.Status != StatusActive {
		return
	}
	req := e.requests[wf.RequestID]

	now := e.now()
	if step := wf.currentStep(); step != nil {
		step.Status = StepExpired
	}
	wf.Status = StatusExpired
	wf.EndedAt = now
	req.Status = RequestExpired
	req.DecidedAt = now
	req.DecidedBy = "system"
	req.Reason = "approval timed out"

	e.stopTimerLocked(workflowID)
	e.persistLocked(req, wf)

	e.emitLocked(fx, event.Event{
		Type:        event.ApprovalExpired,
		RequestID:   req.ID,
		ExecutionID: req.ExecutionID,
		WorkflowID:  wf.ID,
		Data:        map[string]any{"step": wf.Current},
	})
	e.auditLocked(fx, audit.Record{
		Name:        audit.EventApprovalExpired,
		RequestID:   req.ID,
		ExecutionID: req.ExecutionID,
		WorkflowID:  wf.ID,
		Detail:      req.Reason,
	})
	e.resolveLocked(fx, Outcome{
		RequestID:   req.ID,
		ExecutionID: req.ExecutionID,
		Approved:    false,
		Expired:     true,
		By:          "system",
		Reason:      req.Reason,
	})
	e.logger.Info("approval request expired",
		"request_id", req.ID, "workflow_id", wf.ID, "step", wf.Current)
}

// ExpireStale expires every active workflow whose current step deadline has
// passed. Timers normally handle expiry; the sweep catches steps whose
// timers were lost, for example across a process restart. Returns the
// number of workflows expired.
func (e *Engine) ExpireStale(ctx context.Context) int {
	var fx effects
	defer func() { fx.run(ctx) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	var stale []string
	for id, wf := range e.workflows {
		if wf.Status != StatusActive {
			continue
		}
		step := wf.currentStep()
		if step != nil && now.After(step.StartedAt.Add(step.Timeout)) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		e.expireLocked(&fx, id)
	}
	return len(stale)
}

// CleanupResolved drops terminal requests and workflows older than the
// retention window from memory and the store. Returns the number of
// requests removed.
func (e *Engine) CleanupResolved(olderThan time.Duration) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now().Add(-olderThan)
	removed := 0
	for reqID, req := range e.requests {
		if req.Status == RequestPending {
			continue
		}
		if req.DecidedAt.IsZero() || req.DecidedAt.After(cutoff) {
			continue
		}
		if wfID, ok := e.byRequest[reqID]; ok {
			e.stopTimerLocked(wfID)
			delete(e.workflows, wfID)
			delete(e.byRequest, reqID)
			if e.store != nil {
				_ = e.store.Delete(store.BucketWorkflows, wfID)
			}
		}
		delete(e.requests, reqID)
		if e.store != nil {
			_ = e.store.Delete(store.BucketRequests, reqID)
		}
		removed++
	}
	return removed
}

// Close stops all pending timers. In-flight workflows stay in the store and
// are swept by ExpireStale after a restart.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
}

// GetRequest returns a snapshot of a request.
func (e *Engine) GetRequest(requestID string) (Request, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	req, ok := e.requests[requestID]
	if !ok {
		return Request{}, false
	}
	out := *req
	out.Approvers = slices.Clone(req.Approvers)
	return out, true
}

// GetWorkflow returns a deep snapshot of the workflow behind a request.
func (e *Engine) GetWorkflow(requestID string) (Workflow, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	wfID, ok := e.byRequest[requestID]
	if !ok {
		return Workflow{}, false
	}
	wf := e.workflows[wfID]
	out := *wf
	out.Steps = make([]*Step, len(wf.Steps))
	for i, s := range wf.Steps {
		cp := *s
		cp.Approvers = slices.Clone(s.Approvers)
		cp.EscalateTo = slices.Clone(s.EscalateTo)
		cp.Channels = slices.Clone(s.Channels)
		cp.Approvals = slices.Clone(s.Approvals)
		cp.Rejections = slices.Clone(s.Rejections)
		cp.Comments = slices.Clone(s.Comments)
		out.Steps[i] = &cp
	}
	return out, true
}

// ListRequests returns snapshots of all requests with the given status, or
// every request when status is empty.
func (e *Engine) ListRequests(status RequestStatus) []Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Request
	for _, req := range e.requests {
		if status != "" && req.Status != status {
			continue
		}
		cp := *req
		cp.Approvers = slices.Clone(req.Approvers)
		out = append(out, cp)
	}
	slices.SortFunc(out, func(a, b Request) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

// PendingCount reports how many requests are awaiting a decision.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, req := range e.requests {
		if req.Status == RequestPending {
			n++
		}
	}
	return n
}
