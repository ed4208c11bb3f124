// Package notify delivers best-effort notifications about agents and tasks.
// Delivery failures are logged and never propagate into the state machines
// that raised them.
package notify

import (
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/steveyegge/foreman/internal/eventbus"
)

// Kind classifies a notification.
type Kind string

const (
	KindAgentWaiting   Kind = "agent.waiting"
	KindAgentCompleted Kind = "agent.completed"
	KindAgentError     Kind = "agent.error"
	KindTaskDone       Kind = "task.done"
	KindTaskFailed     Kind = "task.failed"
)

// Notification is the payload published on the event bus.
type Notification struct {
	Kind    Kind   `json:"kind"`
	Subject string `json:"subject"`
	Message string `json:"message"`
}

// Sink delivers a notification. subject is the agent or task ID.
type Sink interface {
	Notify(ctx context.Context, kind Kind, subject, message string) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, kind Kind, subject, message string) error

func (f SinkFunc) Notify(ctx context.Context, kind Kind, subject, message string) error {
	return f(ctx, kind, subject, message)
}

// LogSink writes notifications to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Notify(_ context.Context, kind Kind, subject, message string) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	if kind == KindAgentError || kind == KindTaskFailed {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, "notification", "kind", kind, "subject", subject, "message", message)
	return nil
}

// BusSink publishes notifications as EventNotification.
type BusSink struct {
	Bus *eventbus.Bus
}

func (s BusSink) Notify(_ context.Context, kind Kind, subject, message string) error {
	s.Bus.Publish(eventbus.Event{
		Type:    eventbus.EventNotification,
		Subject: subject,
		Data:    Notification{Kind: kind, Subject: subject, Message: message},
	})
	return nil
}

// commandTimeout bounds a CommandSink invocation.
const commandTimeout = 10 * time.Second

// CommandSink runs an external command per notification, e.g. notify-send.
// The command receives the title and the message as its last two
// arguments; Kinds limits which notifications are forwarded.
type CommandSink struct {
	Command []string
	Kinds   map[Kind]bool
}

func (s CommandSink) Notify(ctx context.Context, kind Kind, subject, message string) error {
	if len(s.Command) == 0 || (len(s.Kinds) > 0 && !s.Kinds[kind]) {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	title := "foreman: " + strings.ReplaceAll(string(kind), ".", " ")
	args := append(append([]string(nil), s.Command[1:]...), title, message)
	cmd := exec.CommandContext(ctx, s.Command[0], args...) //nolint:gosec // G204: command comes from the user's config
	return cmd.Run()
}

// Multi fans a notification out to every sink. Errors are logged and
// swallowed.
type Multi struct {
	Sinks  []Sink
	Logger *slog.Logger
}

func (m Multi) Notify(ctx context.Context, kind Kind, subject, message string) error {
	for _, s := range m.Sinks {
		if s == nil {
			continue
		}
		if err := s.Notify(ctx, kind, subject, message); err != nil {
			logger := m.Logger
			if logger == nil {
				logger = slog.Default()
			}
			logger.Warn("notification delivery failed", "kind", kind, "subject", subject, "err", err)
		}
	}
	return nil
}

// Recorder is a SPY sink for tests.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *Recorder) Notify(_ context.Context, kind Kind, subject, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Notification{Kind: kind, Subject: subject, Message: message})
	return nil
}

// Sent returns every notification received, in order.
func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}

// Kinds returns the kinds received, in order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, len(r.sent))
	for i, n := range r.sent {
		out[i] = n.Kind
	}
	return out
}
