// Package engine drives one worker agent: claim a task, run the simulation
// under a deadline, finalize the outcome and reconcile when the queue is dry.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/simfleet/internal/bus"
	"github.com/basket/simfleet/internal/config"
	"github.com/basket/simfleet/internal/executor"
	"github.com/basket/simfleet/internal/otel"
	"github.com/basket/simfleet/internal/persistence"
	"github.com/basket/simfleet/internal/shared"
)

// Ledger is the part of the store an agent talks to.
type Ledger interface {
	ClaimNextTask(ctx context.Context, workerID string) (*persistence.Task, error)
	FinalizeExecuted(ctx context.Context, taskID int64, workerID string, c persistence.Completion) error
	MarkExecuted(ctx context.Context, taskID int64, workerID string) error
	FinalizeFailed(ctx context.Context, taskID int64, workerID string, category persistence.Category, detail string) error
	ReconcileWithReport(ctx context.Context, opts persistence.ReconcileOptions) (persistence.ReconcileReport, error)
}

// Settings are the knobs that may change between tasks on config reload.
type Settings struct {
	MaxFailures      int
	TaskTimeout      time.Duration
	LeaseTimeout     time.Duration
	MaxCrashReclaims int
	PollInterval     time.Duration
	// KillGrace is how long the agent waits for an interrupted unit before
	// abandoning it.
	KillGrace time.Duration
}

// SettingsFrom extracts agent settings from a loaded config.
func SettingsFrom(cfg config.Config) Settings {
	return Settings{
		MaxFailures:      cfg.MaxFailures,
		TaskTimeout:      cfg.TaskTimeout.Std(),
		LeaseTimeout:     cfg.EffectiveLeaseTimeout(),
		MaxCrashReclaims: cfg.MaxCrashReclaims,
		PollInterval:     cfg.PollInterval.Std(),
		KillGrace:        cfg.Executor.KillGrace.Std(),
	}
}

func (s Settings) normalized() Settings {
	if s.TaskTimeout <= 0 {
		s.TaskTimeout = 10 * time.Minute
	}
	if s.LeaseTimeout <= 0 {
		s.LeaseTimeout = s.TaskTimeout + time.Minute
	}
	if s.PollInterval <= 0 {
		s.PollInterval = 100 * time.Millisecond
	}
	if s.KillGrace <= 0 {
		s.KillGrace = 5 * time.Second
	}
	if s.MaxFailures < 0 {
		s.MaxFailures = 0
	}
	return s
}

type Config struct {
	Settings
	// WorkerID defaults to a fresh random token.
	WorkerID  string
	Validator *executor.ResultValidator
	Bus       *bus.Bus
	Metrics   *otel.Metrics
	Tracer    trace.Tracer
	Logger    *slog.Logger
}

// StopReason says why Run returned.
type StopReason string

const (
	StopFleetDone   StopReason = "fleet_done"
	StopInterrupted StopReason = "interrupted"
	StopStorage     StopReason = "storage_error"
	StopMalformed   StopReason = "malformed_result"
	StopUnknown     StopReason = "unknown_error"
)

// Report summarizes one agent lifetime.
type Report struct {
	WorkerID  string     `json:"worker_id"`
	Executed  int        `json:"executed"`
	Failed    int        `json:"failed"`
	Conflicts int        `json:"conflicts"`
	Reason    StopReason `json:"reason"`
}

type Status struct {
	WorkerID    string `json:"worker_id"`
	CurrentTask int64  `json:"current_task,omitempty"`
	Executed    int64  `json:"executed"`
	Failed      int64  `json:"failed"`
	LastError   string `json:"last_error,omitempty"`
}

// finalizeTimeout bounds ledger writes made after the task context ended.
const finalizeTimeout = 30 * time.Second

type Agent struct {
	ledger    Ledger
	exec      executor.Executor
	validator *executor.ResultValidator
	id        string
	bus       *bus.Bus
	metrics   *otel.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger

	mu       sync.RWMutex
	settings Settings

	current   atomic.Int64
	executed  atomic.Int64
	failed    atomic.Int64
	conflicts atomic.Int64
	lastError atomic.Pointer[string]
}

func NewAgent(ledger Ledger, exec executor.Executor, cfg Config) *Agent {
	id := cfg.WorkerID
	if id == "" {
		id = shared.NewWorkerID()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	return &Agent{
		ledger:    ledger,
		exec:      exec,
		validator: cfg.Validator,
		id:        id,
		bus:       cfg.Bus,
		metrics:   cfg.Metrics,
		tracer:    tracer,
		logger:    logger.With("component", "agent", "worker_id", id),
		settings:  cfg.Settings.normalized(),
	}
}

// ID returns the worker identity recorded as claimed_by.
func (a *Agent) ID() string { return a.id }

// Apply swaps the settings. A task already running keeps its deadline; the
// new values take effect from the next claim.
func (a *Agent) Apply(s Settings) {
	a.mu.Lock()
	a.settings = s.normalized()
	a.mu.Unlock()
	a.logger.Info("agent settings updated",
		"max_failures", s.MaxFailures, "task_timeout", s.TaskTimeout, "lease_timeout", s.LeaseTimeout)
}

func (a *Agent) currentSettings() Settings {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.settings
}

func (a *Agent) Status() Status {
	st := Status{
		WorkerID:    a.id,
		CurrentTask: a.current.Load(),
		Executed:    a.executed.Load(),
		Failed:      a.failed.Load(),
	}
	if ptr := a.lastError.Load(); ptr != nil {
		st.LastError = *ptr
	}
	return st
}

// Run loops until the fleet has nothing left to do, ctx is canceled, or a
// fatal error stops this worker. A non-nil error accompanies the storage,
// malformed and unknown stop reasons.
func (a *Agent) Run(ctx context.Context) (Report, error) {
	ctx = shared.WithWorkerID(ctx, a.id)
	a.metrics.AgentStarted(ctx)
	a.bus.Publish(bus.TopicWorkerStarted, bus.WorkerEvent{WorkerID: a.id})
	a.logger.Info("agent started", "executor", a.exec.Kind())

	reason, err := a.loop(ctx)

	report := Report{
		WorkerID:  a.id,
		Executed:  int(a.executed.Load()),
		Failed:    int(a.failed.Load()),
		Conflicts: int(a.conflicts.Load()),
		Reason:    reason,
	}
	a.metrics.AgentStopped(context.WithoutCancel(ctx))
	a.bus.Publish(bus.TopicWorkerStopped, bus.WorkerEvent{
		WorkerID: a.id,
		Reason:   string(reason),
		Executed: report.Executed,
		Failed:   report.Failed,
	})
	if err != nil {
		a.setLastError(err)
		a.logger.Error("agent stopped", "reason", reason, "executed", report.Executed, "failed", report.Failed, "error", err)
	} else {
		a.logger.Info("agent stopped", "reason", reason, "executed", report.Executed, "failed", report.Failed)
	}
	return report, err
}

func (a *Agent) loop(ctx context.Context) (StopReason, error) {
	for {
		if ctx.Err() != nil {
			return StopInterrupted, nil
		}
		settings := a.currentSettings()

		claimStart := time.Now()
		task, err := a.ledger.ClaimNextTask(ctx, a.id)
		a.metrics.RecordClaim(ctx, time.Since(claimStart), task != nil)
		if err != nil {
			if ctx.Err() != nil {
				return StopInterrupted, nil
			}
			return StopStorage, fmt.Errorf("claim next task: %w", err)
		}

		if task == nil {
			available, err := a.reconcile(ctx, settings)
			if err != nil {
				if ctx.Err() != nil {
					return StopInterrupted, nil
				}
				return StopStorage, fmt.Errorf("reconcile: %w", err)
			}
			if !available {
				return StopFleetDone, nil
			}
			select {
			case <-ctx.Done():
				return StopInterrupted, nil
			case <-time.After(settings.PollInterval):
			}
			continue
		}

		if reason, err := a.handleTask(ctx, settings, *task); reason != "" {
			return reason, err
		}
	}
}

func (a *Agent) reconcile(ctx context.Context, s Settings) (bool, error) {
	start := time.Now()
	report, err := a.ledger.ReconcileWithReport(ctx, persistence.ReconcileOptions{
		MaxFailures:      s.MaxFailures,
		LeaseTimeout:     s.LeaseTimeout,
		MaxCrashReclaims: s.MaxCrashReclaims,
		Actor:            a.id,
	})
	if err != nil {
		return false, err
	}
	a.metrics.RecordReconcile(ctx, time.Since(start), len(report.Retried), len(report.Reclaimed), len(report.CrashLooped))
	a.logger.Debug("reconciled",
		"retried", len(report.Retried), "reclaimed", len(report.Reclaimed),
		"crash_looped", len(report.CrashLooped), "available", report.Available)
	return report.Available, nil
}

// handleTask runs and finalizes one claimed task. A non-empty StopReason
// ends the agent.
func (a *Agent) handleTask(ctx context.Context, s Settings, task persistence.Task) (StopReason, error) {
	traceID := shared.NewTraceID()
	ctx = shared.WithTaskID(shared.WithTraceID(ctx, traceID), task.ID)
	ctx, span := otel.StartSpan(ctx, a.tracer, "task.execute",
		otel.AttrTaskID.Int64(task.ID),
		otel.AttrWorkerID.String(a.id),
		otel.AttrExecutor.String(a.exec.Kind()),
	)
	a.current.Store(task.ID)
	defer a.current.Store(0)

	log := a.logger.With("task_id", task.ID, "trace_id", traceID)
	log.Info("task claimed", "label", task.Label)

	execCtx, cancel := context.WithTimeout(ctx, s.TaskTimeout)
	started := time.Now()
	output, err := a.execute(execCtx, s.KillGrace, executor.Request{TaskID: task.ID, Params: task.Params})
	elapsed := time.Since(started)
	cancel()
	if err == nil {
		err = a.validator.Validate(a.exec.Kind(), output)
	}

	// Ledger writes below must land even if ctx was canceled mid-task.
	fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer fcancel()

	var (
		reason  StopReason
		stopErr error
	)
	category, stop, detail := classify(err, ctx.Err() != nil, elapsed, s.TaskTimeout)
	if category == "" {
		reason, stopErr = a.complete(fctx, log, task.ID, output, elapsed)
		if reason == "" {
			reason = stop
		}
	} else {
		reason, stopErr = a.fail(fctx, log, task.ID, category, detail, stop)
		if stopErr == nil && (reason == StopMalformed || reason == StopUnknown) {
			stopErr = err
		}
	}
	otel.EndSpan(span, stopErr)
	return reason, stopErr
}

// execute runs the unit and abandons it if it overstays ctx by more than
// grace. Executors kill their unit on ctx.Done; the abandonment covers one
// that does not return after the kill.
func (a *Agent) execute(ctx context.Context, grace time.Duration, req executor.Request) ([]byte, error) {
	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := a.exec.Execute(ctx, req)
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
	}
	// select picks at random when both are ready; a finished unit wins.
	select {
	case r := <-done:
		return r.out, r.err
	default:
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case r := <-done:
		if r.err == nil && ctx.Err() != nil {
			// Finished while being stopped: the result may be partial.
			return nil, abandonError(ctx, a.exec.Kind(), "completed after deadline")
		}
		return r.out, r.err
	case <-timer.C:
		a.logger.Warn("simulation unit abandoned", "task_id", req.TaskID, "grace", grace)
		return nil, abandonError(ctx, a.exec.Kind(), "unit abandoned after kill grace")
	}
}

func abandonError(ctx context.Context, kind, detail string) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return &executor.Fault{Reason: executor.FaultTimeout, Executor: kind, Detail: detail, Err: err}
	}
	return fmt.Errorf("%s: %w", detail, err)
}

func (a *Agent) complete(ctx context.Context, log *slog.Logger, taskID int64, output []byte, elapsed time.Duration) (StopReason, error) {
	err := a.ledger.FinalizeExecuted(ctx, taskID, a.id, persistence.Completion{Output: output, ExecutionTime: elapsed})
	switch {
	case err == nil:
		a.executed.Add(1)
		a.metrics.RecordExecuted(ctx, elapsed)
		log.Info("task executed", "execution_ms", elapsed.Milliseconds(), "output_bytes", len(output))
		return "", nil
	case errors.Is(err, persistence.ErrDuplicateCompletion):
		a.conflicts.Add(1)
		log.Warn("duplicate completion", "category", persistence.CategoryIntegrityConflict)
		if err := a.ledger.MarkExecuted(ctx, taskID, a.id); err != nil && !isLeaseError(err) {
			return a.storageFailure(ctx, log, taskID, fmt.Errorf("mark executed: %w", err))
		}
		return "", nil
	case isLeaseError(err):
		// Reclaimed by lease expiry while running; the next holder redoes it.
		a.setLastError(err)
		log.Warn("result discarded", "error", err)
		return "", nil
	default:
		return a.storageFailure(ctx, log, taskID, fmt.Errorf("finalize executed: %w", err))
	}
}

// fail records a failure. stop is returned unless the write itself failed
// with a storage error, which always stops the agent.
func (a *Agent) fail(ctx context.Context, log *slog.Logger, taskID int64, category persistence.Category, detail string, stop StopReason) (StopReason, error) {
	err := a.ledger.FinalizeFailed(ctx, taskID, a.id, category, detail)
	if err != nil && !isLeaseError(err) {
		return a.storageFailure(ctx, log, taskID, fmt.Errorf("finalize failed: %w", err))
	}
	a.failed.Add(1)
	a.metrics.RecordFailed(ctx, string(category))
	if err != nil {
		log.Warn("task failed after lease loss", "category", category, "detail", detail, "error", err)
	} else {
		log.Warn("task failed", "category", category, "detail", detail)
	}
	return stop, nil
}

// storageFailure makes one best-effort Database Error entry and stops. If the
// ledger is really gone, the claim is left for lease expiry.
func (a *Agent) storageFailure(ctx context.Context, log *slog.Logger, taskID int64, cause error) (StopReason, error) {
	a.setLastError(cause)
	if err := a.ledger.FinalizeFailed(ctx, taskID, a.id, persistence.CategoryDatabaseError, cause.Error()); err == nil {
		a.failed.Add(1)
		a.metrics.RecordFailed(ctx, string(persistence.CategoryDatabaseError))
	}
	log.Error("ledger write failed", "category", persistence.CategoryDatabaseError, "error", cause)
	return StopStorage, cause
}

func isLeaseError(err error) bool {
	return errors.Is(err, persistence.ErrLeaseLost) || errors.Is(err, persistence.ErrTaskNotFound)
}

func (a *Agent) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	a.lastError.Store(&msg)
}
