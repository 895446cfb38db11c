// Package executor runs the opaque simulation unit for one task.
//
// Three runners are provided: a subprocess, a WASI module under wazero and a
// throwaway container. Each one receives the task parameters as JSON, returns
// the raw result blob, and is forcibly stopped when its context ends.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/basket/simfleet/internal/config"
)

// Deterministic fault reason codes.
const (
	FaultTimeout   = "TIMEOUT"
	FaultExit      = "EXIT"
	FaultMalformed = "MALFORMED"
	FaultStart     = "START"
)

// Fault is a structured error emitted by a simulation run.
type Fault struct {
	Reason   string // one of the Fault* constants
	Executor string
	Detail   string
	Err      error
}

func (f *Fault) Error() string {
	if f.Detail == "" {
		return fmt.Sprintf("%s: executor=%s", f.Reason, f.Executor)
	}
	return fmt.Sprintf("%s: executor=%s: %s", f.Reason, f.Executor, f.Detail)
}

func (f *Fault) Unwrap() error { return f.Err }

// HasReason reports whether err carries a Fault with the given reason.
func HasReason(err error, reason string) bool {
	var f *Fault
	return errors.As(err, &f) && f.Reason == reason
}

// Request is one simulation invocation.
type Request struct {
	TaskID int64
	Params map[string]any
}

func (r Request) paramsJSON() ([]byte, error) {
	params := r.Params
	if params == nil {
		params = map[string]any{}
	}
	return json.Marshal(params)
}

func (r Request) env() []string {
	return []string{"SIMFLEET_TASK_ID=" + strconv.FormatInt(r.TaskID, 10)}
}

// Executor runs one simulation. Implementations must return once ctx is done,
// abandoning or killing the unit; ctx.Err() is then wrapped in the result.
type Executor interface {
	Kind() string
	Execute(ctx context.Context, req Request) ([]byte, error)
	Close(ctx context.Context) error
}

// New builds the executor selected by cfg.Kind.
func New(ctx context.Context, cfg config.ExecutorConfig, logger *slog.Logger) (Executor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Kind {
	case config.ExecutorProcess, "":
		return NewProcess(ProcessConfig{
			Command:   cfg.Command,
			Dir:       cfg.Dir,
			Env:       cfg.Env,
			KillGrace: cfg.KillGrace.Std(),
			Logger:    logger,
		})
	case config.ExecutorWasm:
		return NewWasm(ctx, WasmConfig{
			ModulePath:       cfg.WasmModule,
			Entry:            cfg.WasmEntry,
			MemoryLimitPages: cfg.WasmMemoryPages,
			Env:              cfg.Env,
			Logger:           logger,
		})
	case config.ExecutorDocker:
		return NewDocker(DockerConfig{
			Image:       cfg.Image,
			Command:     cfg.Command,
			MemoryMB:    cfg.DockerMemoryMB,
			NetworkMode: cfg.DockerNetwork,
			Env:         cfg.Env,
			KillGrace:   cfg.KillGrace.Std(),
			Logger:      logger,
		})
	default:
		return nil, fmt.Errorf("unknown executor kind %q", cfg.Kind)
	}
}

// contextFault converts a finished context into the error returned to callers.
// Deadline expiry is a TIMEOUT fault; cancellation is returned as-is so the
// caller can tell an interrupt from a timeout.
func contextFault(ctx context.Context, kind, detail string) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return &Fault{Reason: FaultTimeout, Executor: kind, Detail: detail, Err: err}
	}
	return fmt.Errorf("%s executor interrupted: %w", kind, err)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }

// limitBuffer keeps the first max bytes and discards the rest, remembering
// that it overflowed. It never fails a write so the unit cannot block on a
// full pipe.
type limitBuffer struct {
	max      int
	buf      []byte
	overflow bool
}

func (l *limitBuffer) Write(p []byte) (int, error) {
	room := l.max - len(l.buf)
	if room < len(p) {
		l.overflow = true
		if room > 0 {
			l.buf = append(l.buf, p[:room]...)
		}
		return len(p), nil
	}
	l.buf = append(l.buf, p...)
	return len(p), nil
}

func (l *limitBuffer) result(kind string) ([]byte, error) {
	if l.overflow {
		return nil, &Fault{Reason: FaultMalformed, Executor: kind, Detail: fmt.Sprintf("result exceeds %d bytes", l.max)}
	}
	return l.buf, nil
}

// DefaultMaxOutputBytes caps the result blob of a single run.
const DefaultMaxOutputBytes = 16 << 20

const defaultKillGrace = 5 * time.Second
