package shared

import (
	"context"
	"crypto/rand"
	"math/big"

	"github.com/google/uuid"
)

type traceKey struct{}
type workerIDKey struct{}
type taskIDKey struct{}
type runIDKey struct{}

// WorkerIDLength is the length of the random token that identifies a worker.
const WorkerIDLength = 8

const workerIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithWorkerID attaches a worker_id to the context.
func WithWorkerID(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, workerIDKey{}, workerID)
}

// WorkerID extracts worker_id from context. Returns "" if absent.
func WorkerID(ctx context.Context) string {
	if v, ok := ctx.Value(workerIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewWorkerID returns a random alphanumeric token of WorkerIDLength characters.
// It is created once per worker lifetime and recorded as claimed_by.
func NewWorkerID() string {
	buf := make([]byte, WorkerIDLength)
	limit := big.NewInt(int64(len(workerIDAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			// crypto/rand does not fail on supported platforms; fall back to uuid bytes.
			u := uuid.New()
			n = big.NewInt(int64(u[i%len(u)]) % limit.Int64())
		}
		buf[i] = workerIDAlphabet[n.Int64()]
	}
	return string(buf)
}

// WithTaskID attaches a task_id to the context.
func WithTaskID(ctx context.Context, taskID int64) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskID extracts task_id from context. Returns 0 if absent.
func TaskID(ctx context.Context) int64 {
	if v, ok := ctx.Value(taskIDKey{}).(int64); ok {
		return v
	}
	return 0
}

// WithRunID attaches a run_id to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunID extracts run_id from context. Returns "" if absent.
func RunID(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewRunID generates a new run_id.
func NewRunID() string {
	return uuid.NewString()
}
