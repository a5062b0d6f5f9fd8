// Package audit writes structured compliance records for every admission
// and approval state change, one JSON line per event.
package audit

import (
	"encoding/json"
	"io"
	"sync"
	"time"
	"unicode/utf8"
)

// EventName categorizes audit records.
type EventName string

// Audit event names covering every mutating operation of the engine.
const (
	EventExecutionSubmitted EventName = "execution_submitted"
	EventExecutionApproved  EventName = "execution_approved"
	EventExecutionRejected  EventName = "execution_rejected"
	EventExecutionStarted   EventName = "execution_started"
	EventExecutionCompleted EventName = "execution_completed"
	EventExecutionFailed    EventName = "execution_failed"
	EventExecutionCancelled EventName = "execution_cancelled"
	EventApprovalRequested  EventName = "approval_requested"
	EventApprovalGranted    EventName = "approval_granted"
	EventApprovalRejected   EventName = "approval_rejected"
	EventApprovalEscalated  EventName = "approval_escalated"
	EventApprovalExpired    EventName = "approval_expired"
	EventWorkflowCompleted  EventName = "workflow_completed"
	EventWorkflowFailed     EventName = "workflow_failed"
	EventWorkflowCancelled  EventName = "workflow_cancelled"
	EventReasoningRun       EventName = "reasoning_run"
)

// Record is a single audit log entry.
type Record struct {
	Timestamp   time.Time         `json:"timestamp"`
	Name        EventName         `json:"name"`
	ExecutionID string            `json:"execution_id,omitempty"`
	RequestID   string            `json:"request_id,omitempty"`
	WorkflowID  string            `json:"workflow_id,omitempty"`
	RunID       string            `json:"run_id,omitempty"`
	Actor       string            `json:"actor,omitempty"`
	ToolName    string            `json:"tool_name,omitempty"`
	Detail      string            `json:"detail,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// LoggerConfig configures the audit logger.
type LoggerConfig struct {
	// Writer is the destination for JSONL output. If nil, records are only
	// dispatched to OnRecord (useful for testing).
	Writer io.Writer

	// OnRecord, if non-nil, is called for every record (used in tests).
	OnRecord func(Record)

	// Now overrides time.Now for testing.
	Now func() time.Time
}

// Logger writes audit records as JSONL. Safe for concurrent use.
type Logger struct {
	writer   io.Writer
	onRecord func(Record)
	now      func() time.Time
	mu       sync.Mutex
}

// NewLogger creates an audit logger with the given configuration.
func NewLogger(cfg LoggerConfig) *Logger {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Logger{
		writer:   cfg.Writer,
		onRecord: cfg.OnRecord,
		now:      now,
	}
}

// maxDetailLen bounds the detail field so large tool payloads cannot bloat
// the log.
const maxDetailLen = 4096

// Log writes one record. A zero timestamp is stamped with the logger clock.
// Write errors are swallowed: audit must never fail an admission operation.
func (l *Logger) Log(r Record) {
	if r.Timestamp.IsZero() {
		r.Timestamp = l.now()
	}
	r.Detail = truncate(r.Detail)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.onRecord != nil {
		l.onRecord(r)
	}
	if l.writer != nil {
		_ = json.NewEncoder(l.writer).Encode(r)
	}
}

// truncate shortens s to maxDetailLen, walking back to a rune boundary so
// multi-byte characters are never split.
func truncate(s string) string {
	if len(s) <= maxDetailLen {
		return s
	}
	i := maxDetailLen
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return s[:i] + "...(truncated)"
}
