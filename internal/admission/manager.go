package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/toolgate/toolgate/internal/audit"
	"github.com/toolgate/toolgate/internal/event"
	"github.com/toolgate/toolgate/internal/risk"
	"github.com/toolgate/toolgate/internal/store"
	"github.com/toolgate/toolgate/internal/tool"
	"github.com/toolgate/toolgate/internal/workflow"
)

// DefaultMaxConcurrent caps simultaneously executing tools when no limit is
// configured.
const DefaultMaxConcurrent = 4

// Config wires a Manager's collaborators. Registry and Executor are
// required; everything else gets a safe default.
type Config struct {
	Registry  *tool.Registry
	Executor  tool.Executor
	Workflows *workflow.Engine

	Bus    *event.Bus
	Audit  *audit.Logger
	Store  store.Store
	Logger *slog.Logger
	Now    func() time.Time

	MaxConcurrent int
}

// Manager is the admission engine. It owns every execution record, decides
// each submission's path (auto-approve, human approval, or refusal), and
// dispatches approved work under the concurrency cap.
type Manager struct {
	mu         sync.Mutex
	executions map[string]*Execution
	queue      []string // approved execution IDs awaiting dispatch
	executing  int
	closed     bool

	registry  *tool.Registry
	executor  tool.Executor
	workflows *workflow.Engine
	bus       *event.Bus
	auditLog  *audit.Logger
	store     store.Store
	logger    *slog.Logger
	now       func() time.Time

	maxConcurrent int
	wake          chan struct{}
	wg            sync.WaitGroup
}

// NewManager creates an admission manager and registers itself as the
// workflow engine's resolution sink.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NewLogger(audit.LoggerConfig{})
	}
	m := &Manager{
		executions:    make(map[string]*Execution),
		registry:      cfg.Registry,
		executor:      cfg.Executor,
		workflows:     cfg.Workflows,
		bus:           cfg.Bus,
		auditLog:      cfg.Audit,
		store:         cfg.Store,
		logger:        cfg.Logger,
		now:           cfg.Now,
		maxConcurrent: cfg.MaxConcurrent,
		wake:          make(chan struct{}, 1),
	}
	if m.workflows != nil {
		m.workflows.SetResolution(m.resolve)
	}
	return m
}

// SubmitInput describes one proposed tool call.
type SubmitInput struct {
	ToolName string
	Input    map[string]any
	Role     string
}

// Submit admits a proposed execution. The returned snapshot reflects the
// synchronous part of the decision: auto-approved executions come back
// approved (and queued), refusals come back rejected, and everything else
// comes back pending with an approval request attached.
func (m *Manager) Submit(ctx context.Context, in SubmitInput) (Execution, error) {
	desc, err := m.registry.Resolve(in.ToolName)
	if err != nil {
		return Execution{}, err
	}
	tier := risk.Classify(desc.Category, desc.Permission, scanText(in.ToolName, in.Input))

	ctx, span := otel.Tracer("toolgate/admission").Start(ctx, "admission.submit",
		trace.WithAttributes(
			attribute.String("tool.name", in.ToolName),
			attribute.String("risk.tier", string(tier)),
			attribute.String("tool.permission", string(desc.Permission)),
		))
	defer span.End()

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
		Status:      StatusPending,
		SubmittedAt: now,
	}
	m.executions[ex.ID] = ex
	m.persistLocked(ex)
	m.mu.Unlock()

	m.emit(event.Event{
		Type:        event.ExecutionRequested,
		ExecutionID: ex.ID,
		Data:        map[string]any{"tool": ex.ToolName, "risk_tier": string(tier)},
	})
	m.auditLog.Log(audit.Record{
		Name:        audit.EventExecutionSubmitted,
		ExecutionID: ex.ID,
		ToolName:    ex.ToolName,
		Actor:       in.Role,
		Detail:      fmt.Sprintf("risk=%s permission=%s", tier, desc.Permission),
	})

	switch desc.Permission {
	case tool.PermissionDenied:
		reason := fmt.Sprintf("tool %s has permission level denied", in.ToolName)
		m.markRejected(ex.ID, "system", reason)
		snap, _ := m.Get(ex.ID)
		return snap, fmt.Errorf("%w: %s", ErrPermissionDenied, in.ToolName)

	case tool.PermissionAuto:
		m.markApproved(ex.ID, "system")

	default:
		req, err := m.workflows.CreateRequest(ctx, workflow.CreateInput{
			ExecutionID: ex.ID,
			ToolName:    in.ToolName,
			RiskTier:    tier,
			Role:        in.Role,
			Category:    desc.Category,
		})
		if err != nil {
			m.markError(ex.ID, "workflow_create_failed", err.Error())
			return Execution{}, err
		}
		m.mu.Lock()
		if cur, ok := m.executions[ex.ID]; ok {
			cur.RequestID = req.ID
			m.persistLocked(cur)
		}
		m.mu.Unlock()
	}

	snap, _ := m.Get(ex.ID)
	return snap, nil
}

// resolve receives terminal approval outcomes from the workflow engine.
func (m *Manager) resolve(out workflow.Outcome) {
	m.mu.Lock()
	if ex, ok := m.executions[out.ExecutionID]; ok && ex.RequestID == "" {
		ex.RequestID = out.RequestID
	}
	m.mu.Unlock()

	if out.Approved {
		m.markApproved(out.ExecutionID, out.By)
		return
	}
	reason := out.Reason
	if reason == "" {
		reason = "approval rejected"
	}
	m.markRejected(out.ExecutionID, out.By, reason)
}

// markApproved moves a pending execution to approved and queues it for
// dispatch.
func (m *Manager) markApproved(id, by string) {
	m.mu.Lock()
	ex, ok := m.executions[id]
	if !ok || !legal(ex.Status, StatusApproved) {
		m.mu.Unlock()
		return
	}
	ex.Status = StatusApproved
	ex.DecidedAt = m.now()
	// The queue itself encodes dispatch order: approval order, not
	// submission order.
	m.queue = append(m.queue, id)
	m.persistLocked(ex)
	m.mu.Unlock()

	m.emit(event.Event{Type: event.ExecutionApproved, ExecutionID: id, Data: map[string]any{"by": by}})
	m.auditLog.Log(audit.Record{Name: audit.EventExecutionApproved, ExecutionID: id, Actor: by})
	m.signal()
}

func (m *Manager) markRejected(id, by, reason string) {
	m.mu.Lock()
	ex, ok := m.executions[id]
	if !ok || !legal(ex.Status, StatusRejected) {
		m.mu.Unlock()
		return
	}
	ex.Status = StatusRejected
	ex.DecidedAt = m.now()
	ex.ErrorCode = "rejected"
	ex.ErrorMessage = reason
	m.persistLocked(ex)
	m.mu.Unlock()

	m.emit(event.Event{Type: event.ExecutionRejected, ExecutionID: id, Data: map[string]any{"by": by, "reason": reason}})
	m.auditLog.Log(audit.Record{Name: audit.EventExecutionRejected, ExecutionID: id, Actor: by, Detail: reason})
}

func (m *Manager) markError(id, code, msg string) {
	m.mu.Lock()
	ex, ok := m.executions[id]
	if !ok || ex.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	wasExecuting := ex.Status == StatusExecuting
	ex.Status = StatusError
	ex.ErrorCode = code
	ex.ErrorMessage = msg
	ex.FinishedAt = m.now()
	if wasExecuting {
		m.executing--
	}
	m.removeQueuedLocked(id)
	m.persistLocked(ex)
	m.mu.Unlock()

	m.emit(event.Event{Type: event.ExecutionFailed, ExecutionID: id, Data: map[string]any{"error_code": code}})
	m.auditLog.Log(audit.Record{Name: audit.EventExecutionFailed, ExecutionID: id, Detail: code + ": " + msg})
	if wasExecuting {
		m.signal()
	}
}

// Cancel force-fails a non-terminal execution and, if an approval request
// is still open for it, cancels that workflow too.
func (m *Manager) Cancel(ctx context.Context, id, by, reason string) error {
	m.mu.Lock()
	ex, ok := m.executions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	if ex.Status.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("%w: execution %s is %s", ErrInvalidTransition, id, ex.Status)
	}
	requestID := ex.RequestID
	pending := ex.Status == StatusPending
	wasExecuting := ex.Status == StatusExecuting
	ex.Status = StatusError
	ex.ErrorCode = "cancelled"
	ex.ErrorMessage = reason
	ex.FinishedAt = m.now()
	if wasExecuting {
		m.executing--
	}
	m.removeQueuedLocked(id)
	m.persistLocked(ex)
	m.mu.Unlock()

	if pending && requestID != "" && m.workflows != nil {
		if err := m.workflows.Cancel(ctx, requestID, reason); err != nil {
			m.logger.Warn("cancel workflow failed", "request_id", requestID, "error", err)
		}
	}

	m.emit(event.Event{Type: event.ExecutionFailed, ExecutionID: id, Data: map[string]any{"error_code": "cancelled", "by": by}})
	m.auditLog.Log(audit.Record{Name: audit.EventExecutionCancelled, ExecutionID: id, Actor: by, Detail: reason})
	if wasExecuting {
		m.signal()
	}
	return nil
}

func (m *Manager) removeQueuedLocked(id string) {
	for i, queued := range m.queue {
		if queued == id {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}

// Get returns a snapshot of one execution.
func (m *Manager) Get(id string) (Execution, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex, ok := m.executions[id]
	if !ok {
		return Execution{}, false
	}
	return ex.clone(), true
}

// List returns snapshots of executions with the given status, or all of
// them when status is empty, oldest first.
func (m *Manager) List(status Status) []Execution {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Execution
	for _, ex := range m.executions {
		if status != "" && ex.Status != status {
			continue
		}
		out = append(out, ex.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out
}

// QueueDepth reports how many approved executions await dispatch.
func (m *Manager) QueueDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// ExecutingCount reports how many executions run right now.
func (m *Manager) ExecutingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.executing
}

// CleanupExpired drops terminal executions older than the retention window.
// Returns the number removed.
func (m *Manager) CleanupExpired(olderThan time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-olderThan)
	removed := 0
	for id, ex := range m.executions {
		if !ex.Status.Terminal() {
			continue
		}
		stamp := ex.FinishedAt
		if stamp.IsZero() {
			stamp = ex.DecidedAt
		}
		if stamp.IsZero() || stamp.After(cutoff) {
			continue
		}
		delete(m.executions, id)
		if m.store != nil {
			_ = m.store.Delete(store.BucketExecutions, id)
		}
		removed++
	}
	return removed
}

func (m *Manager) emit(ev event.Event) {
	if m.bus != nil {
		m.bus.Publish(ev)
	}
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) persistLocked(ex *Execution) {
	if m.store == nil {
		return
	}
	raw, err := json.Marshal(ex)
	if err == nil {
		err = m.store.Set(store.BucketExecutions, ex.ID, raw)
	}
	if err != nil {
		m.logger.Warn("persist execution failed", "execution_id", ex.ID, "error", err)
	}
}

// scanText flattens a tool call into the string the risk classifier scans
// for dangerous keywords.
func scanText(name string, input map[string]any) string {
	var b strings.Builder
	b.WriteString(name)
	if len(input) > 0 {
		if raw, err := json.Marshal(input); err == nil {
			b.WriteByte(' ')
			b.Write(raw)
		}
	}
	return b.String()
}
