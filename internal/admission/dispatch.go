package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/toolgate/toolgate/internal/audit"
	"github.com/toolgate/toolgate/internal/event"
	"github.com/toolgate/toolgate/internal/risk"
	"github.com/toolgate/toolgate/internal/tool"
)

// Start launches the dispatcher goroutine. It drains the approved queue in
// approval order, never exceeding the concurrency cap, until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			m.dispatch(ctx)
			select {
			case <-ctx.Done():
				return
			case <-m.wake:
			}
		}
	}()
}

// dispatch starts as many queued executions as the cap allows.
func (m *Manager) dispatch(ctx context.Context) {
	for {
		m.mu.Lock()
		if m.closed || m.executing >= m.maxConcurrent || len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		id := m.queue[0]
		m.queue = m.queue[1:]
		ex, ok := m.executions[id]
		if !ok || ex.Status != StatusApproved {
			m.mu.Unlock()
			continue
		}
		ex.Status = StatusExecuting
		ex.StartedAt = m.now()
		m.executing++
		m.persistLocked(ex)
		m.mu.Unlock()

		m.emit(event.Event{Type: event.ExecutionStarted, ExecutionID: id, Data: map[string]any{"tool": ex.ToolName}})
		m.auditLog.Log(audit.Record{Name: audit.EventExecutionStarted, ExecutionID: id, ToolName: ex.ToolName})

		m.wg.Add(1)
		go func(id string) {
			defer m.wg.Done()
			m.run(ctx, id)
		}(id)
	}
}

// run drives one executing tool call to a terminal state.
func (m *Manager) run(ctx context.Context, id string) {
	m.mu.Lock()
	ex, ok := m.executions[id]
	if !ok || ex.Status != StatusExecuting {
		m.mu.Unlock()
		return
	}
	name := ex.ToolName
	input := ex.Input
	m.mu.Unlock()

	desc, err := m.registry.Resolve(name)
	if err != nil {
		m.markError(id, "tool_not_found", err.Error())
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, desc.EffectiveTimeout())
	defer cancel()
	result, err := m.executor.Run(runCtx, name, input)
	if err != nil {
		code := "execution_failed"
		if runCtx.Err() != nil {
			code = "timeout"
		}
		m.markError(id, code, err.Error())
		return
	}
	if !result.Success {
		code := result.ErrorCode
		if code == "" {
			code = "tool_error"
		}
		m.finishError(id, code, result)
		return
	}
	m.finishCompleted(id, result)
}

func (m *Manager) finishCompleted(id string, result tool.Result) {
	m.mu.Lock()
	ex, ok := m.executions[id]
	if !ok || !legal(ex.Status, StatusCompleted) {
		m.mu.Unlock()
		return
	}
	ex.Status = StatusCompleted
	ex.Result = &result
	ex.FinishedAt = m.now()
	m.executing--
	m.persistLocked(ex)
	m.mu.Unlock()

	m.emit(event.Event{Type: event.ExecutionCompleted, ExecutionID: id, Data: map[string]any{"tool": ex.ToolName}})
	m.auditLog.Log(audit.Record{Name: audit.EventExecutionCompleted, ExecutionID: id, ToolName: ex.ToolName})
	m.signal()
}

// finishError records a tool-reported failure, keeping the result payload.
func (m *Manager) finishError(id, code string, result tool.Result) {
	m.mu.Lock()
	ex, ok := m.executions[id]
	if !ok || ex.Status != StatusExecuting {
		m.mu.Unlock()
		return
	}
	ex.Status = StatusError
	ex.Result = &result
	ex.ErrorCode = code
	ex.ErrorMessage = result.ErrorMessage
	ex.FinishedAt = m.now()
	m.executing--
	m.persistLocked(ex)
	m.mu.Unlock()

	m.emit(event.Event{Type: event.ExecutionFailed, ExecutionID: id, Data: map[string]any{"error_code": code}})
	m.auditLog.Log(audit.Record{Name: audit.EventExecutionFailed, ExecutionID: id, Detail: code})
	m.signal()
}

// ExecuteDirectly runs a tool synchronously, bypassing the queue and the
// concurrency cap while keeping full lifecycle bookkeeping. Intended for
// trusted internal callers such as the reasoning loop; permission levels
// still apply.
func (m *Manager) ExecuteDirectly(ctx context.Context, in SubmitInput) (Execution, error) {
	desc, err := m.registry.Resolve(in.ToolName)
	if err != nil {
		return Execution{}, err
	}
	if desc.Permission == tool.PermissionDenied {
		return Execution{}, fmt.Errorf("%w: %s", ErrPermissionDenied, in.ToolName)
	}
	tier := risk.Classify(desc.Category, desc.Permission, scanText(in.ToolName, in.Input))

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Execution{}, ErrManagerClosed
	}
	now := m.now()
	ex := &Execution{
		ID:          uuid.NewString(),
		ToolName:    in.ToolName,
		Input:       in.Input,
		Role:        in.Role,
		RiskTier:    tier,
		Permission:  desc.Permission,
		Status:      StatusExecuting,
		SubmittedAt: now,
		DecidedAt:   now,
		StartedAt:   now,
	}
	m.executions[ex.ID] = ex
	m.persistLocked(ex)
	m.mu.Unlock()

	m.auditLog.Log(audit.Record{
		Name:        audit.EventExecutionStarted,
		ExecutionID: ex.ID,
		ToolName:    ex.ToolName,
		Actor:       in.Role,
		Detail:      "direct",
	})
	m.emit(event.Event{Type: event.ExecutionStarted, ExecutionID: ex.ID, Data: map[string]any{"tool": ex.ToolName, "direct": true}})

	runCtx, cancel := context.WithTimeout(ctx, desc.EffectiveTimeout())
	defer cancel()
	result, runErr := m.executor.Run(runCtx, in.ToolName, in.Input)

	switch {
	case runErr != nil:
		code := "execution_failed"
		if runCtx.Err() != nil {
			code = "timeout"
		}
		m.directFinish(ex.ID, StatusError, tool.Result{}, code, runErr.Error())
	case !result.Success:
		code := result.ErrorCode
		if code == "" {
			code = "tool_error"
		}
		m.directFinish(ex.ID, StatusError, result, code, result.ErrorMessage)
	default:
		m.directFinish(ex.ID, StatusCompleted, result, "", "")
	}

	snap, _ := m.Get(ex.ID)
	if runErr != nil {
		return snap, runErr
	}
	return snap, nil
}

// directFinish records the terminal state of a direct execution. Direct
// executions never counted against the cap, so no slot is released.
func (m *Manager) directFinish(id string, status Status, result tool.Result, code, msg string) {
	m.mu.Lock()
	ex, ok := m.executions[id]
	if !ok || ex.Status != StatusExecuting {
		m.mu.Unlock()
		return
	}
	ex.Status = status
	if result != (tool.Result{}) {
		r := result
		ex.Result = &r
	}
	ex.ErrorCode = code
	ex.ErrorMessage = msg
	ex.FinishedAt = m.now()
	m.persistLocked(ex)
	m.mu.Unlock()

	if status == StatusCompleted {
		m.emit(event.Event{Type: event.ExecutionCompleted, ExecutionID: id})
		m.auditLog.Log(audit.Record{Name: audit.EventExecutionCompleted, ExecutionID: id})
		return
	}
	m.emit(event.Event{Type: event.ExecutionFailed, ExecutionID: id, Data: map[string]any{"error_code": code}})
	m.auditLog.Log(audit.Record{Name: audit.EventExecutionFailed, ExecutionID: id, Detail: code})
}

// Close stops accepting submissions and waits for in-flight executions and
// the dispatcher to finish. The Start context must be cancelled first.
func (m *Manager) Close(timeout time.Duration) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.signal()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("admission: shutdown timed out after %s", timeout)
	}
}
