// Package notify defines the notification sink the approval workflow engine
// emits to when a step needs attention or escalates. Channel dispatch is the
// collaborator's responsibility; the engine only hands over recipients,
// message, and channel name.
package notify

import (
	"context"
	"log/slog"
	"sync"
)

// Notification is one alert for a set of recipients on a named channel.
type Notification struct {
	Recipients []string
	Message    string
	Channel    string
}

// Notifier delivers notifications. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to a slog logger. It is the default sink
// when no external channel integration is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification",
		"channel", n.Channel,
		"recipients", n.Recipients,
		"message", n.Message,
	)
	return nil
}

// MemoryNotifier records notifications for assertions in tests.
type MemoryNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

// Notify implements Notifier.
func (m *MemoryNotifier) Notify(_ context.Context, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, n)
	return nil
}

// Sent returns a copy of all recorded notifications.
func (m *MemoryNotifier) Sent() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Notification, len(m.sent))
	copy(out, m.sent)
	return out
}
