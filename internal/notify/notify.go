// Package notify delivers operator alerts about tasks that need a human.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Alert kinds.
const (
	KindDeadTask  = "dead_task"
	KindCrashLoop = "crash_loop"
)

type Alert struct {
	Kind     string    `json:"kind"`
	TaskID   int64     `json:"task_id"`
	Failures int       `json:"failures"`
	Category string    `json:"category,omitempty"`
	At       time.Time `json:"at"`
}

// Text renders the alert as a one-line message.
func (a Alert) Text() string {
	switch a.Kind {
	case KindCrashLoop:
		return fmt.Sprintf("simfleet: task %d keeps killing its worker and was parked as FAILED (%d registry entries)",
			a.TaskID, a.Failures)
	default:
		return fmt.Sprintf("simfleet: task %d is dead after %d failures (last: %s)", a.TaskID, a.Failures, a.Category)
	}
}

type Notifier interface {
	Name() string
	Notify(ctx context.Context, alert Alert) error
}

// Log writes alerts to a structured logger.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger.With("component", "notify")}
}

func (l *Log) Name() string { return "log" }

func (l *Log) Notify(_ context.Context, a Alert) error {
	l.logger.Warn(a.Text(), "kind", a.Kind, "task_id", a.TaskID, "failures", a.Failures, "category", a.Category)
	return nil
}

// Multi fans an alert out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Name() string { return "multi" }

func (m Multi) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}
