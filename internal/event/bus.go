// Package event provides the typed event surface of the admission core.
// Consumers (HTTP/WebSocket transport, terminal prompt, tests) subscribe to
// buffered channels; the core publishes and never blocks on a slow consumer.
package event

import (
	"log/slog"
	"sync"
	"time"
)

// Type names every event the admission core emits.
type Type string

// Event types, grouped by source component.
const (
	ExecutionRequested Type = "execution.requested"
	ExecutionApproved  Type = "execution.approved"
	ExecutionRejected  Type = "execution.rejected"
	ExecutionStarted   Type = "execution.started"
	ExecutionCompleted Type = "execution.completed"
	ExecutionFailed    Type = "execution.failed"

	ApprovalRequired  Type = "approval.required"
	ApprovalGranted   Type = "approval.granted"
	ApprovalRejected  Type = "approval.rejected"
	ApprovalEscalated Type = "approval.escalated"
	ApprovalExpired   Type = "approval.expired"

	WorkflowCompleted Type = "workflow.completed"
	WorkflowFailed    Type = "workflow.failed"

	ReasoningStep Type = "reasoning.step"
)

// Event is one notification from the admission core. Correlation IDs are
// filled where they apply; Data carries payload fields consumers may render.
type Event struct {
	Type        Type           `json:"type"`
	Time        time.Time      `json:"time"`
	ExecutionID string         `json:"execution_id,omitempty"`
	RequestID   string         `json:"request_id,omitempty"`
	WorkflowID  string         `json:"workflow_id,omitempty"`
	RunID       string         `json:"run_id,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Bus fans events out to subscribers. Publish never blocks: when a
// subscriber's buffer is full the event is dropped for that subscriber and
// counted, so a stalled UI cannot stall admission.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	buffer  int
	dropped int64
	logger  *slog.Logger
}

// NewBus creates a bus with the given per-subscriber buffer size.
// A size <= 0 uses DefaultBuffer.
func NewBus(buffer int, logger *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[int]chan Event),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe returns a receive channel and a cancel function. After cancel
// returns, the channel is closed and no further events arrive on it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.buffer)
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber. A zero Time is stamped
// with the current time.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped++
			b.logger.Warn("event dropped: subscriber buffer full", "type", e.Type)
		}
	}
}

// Dropped returns the total number of events dropped across subscribers.
func (b *Bus) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
