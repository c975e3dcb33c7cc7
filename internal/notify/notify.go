// Package notify delivers local notifications raised by the background
// scheduler. Delivery is fire-and-forget: Notify never blocks on the sink
// and never reports delivery failures to the caller.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mschirtzinger/huddle/internal/metrics"
)

// Kind classifies a notification.
type Kind string

const (
	KindDeadlineCritical Kind = "DEADLINE_CRITICAL"
	KindSyncRecovered    Kind = "SYNC_RECOVERED"
	KindSyncFatal        Kind = "SYNC_FATAL"
)

// Notification is one message for the local user.
type Notification struct {
	Kind      Kind      `json:"kind"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	ProjectID string    `json:"projectId,omitempty"`
	TaskID    string    `json:"taskId,omitempty"`
	At        time.Time `json:"at"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Log writes notifications to a zap logger.
type Log struct {
	logger *zap.Logger
}

// NewLog creates a Log notifier. A nil logger discards everything.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger.Named("notify")}
}

func (l *Log) Notify(_ context.Context, n Notification) {
	l.logger.Info(n.Title,
		zap.String("kind", string(n.Kind)),
		zap.String("body", n.Body),
		zap.String("project", n.ProjectID),
		zap.String("task", n.TaskID))
	metrics.RecordNotification(string(n.Kind), "log", "sent")
}

// Multi fans a notification out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) {
	for _, nt := range m {
		nt.Notify(ctx, n)
	}
}

// Discard drops every notification.
type Discard struct{}

func (Discard) Notify(context.Context, Notification) {}
