package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/basket/simfleet/internal/bus"
	"github.com/basket/simfleet/internal/shared"
)

type TaskState string

const (
	StateNotExecuted TaskState = "NOT_EXECUTED"
	StateExecuting   TaskState = "EXECUTING"
	StateExecuted    TaskState = "EXECUTED"
	StateFailed      TaskState = "FAILED"
)

var allowedTransitions = map[TaskState]map[TaskState]struct{}{
	StateNotExecuted: {
		StateExecuting: {},
	},
	StateExecuting: {
		StateExecuted:    {},
		StateFailed:      {},
		StateNotExecuted: {}, // Lease-expiry reclaim.
	},
	StateFailed: {
		StateNotExecuted: {}, // Retry under the failure budget.
	},
}

func canTransition(from, to TaskState) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Task is one simulation configuration and its queue bookkeeping.
type Task struct {
	ID            int64          `json:"id"`
	Params        map[string]any `json:"params"`
	Label         int            `json:"label"`
	State         TaskState      `json:"state"`
	ClaimedBy     string         `json:"claimed_by,omitempty"`
	ClaimedAt     *time.Time     `json:"claimed_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	CrashReclaims int            `json:"crash_reclaims"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Completion is what a worker hands back for a successful execution.
type Completion struct {
	Output        []byte
	ExecutionTime time.Duration
}

const taskColumns = `id, params, label, state, COALESCE(claimed_by, ''), claimed_at, completed_at, crash_reclaims, created_at, updated_at`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var (
		params               string
		claimedAt, completed sql.NullInt64
		createdAt, updatedAt int64
	)
	if err := scanFn(
		&task.ID,
		&params,
		&task.Label,
		&task.State,
		&task.ClaimedBy,
		&claimedAt,
		&completed,
		&task.CrashReclaims,
		&createdAt,
		&updatedAt,
	); err != nil {
		return err
	}
	task.Params = nil
	if params != "" {
		if err := json.Unmarshal([]byte(params), &task.Params); err != nil {
			return fmt.Errorf("decode params for task %d: %w", task.ID, err)
		}
	}
	task.ClaimedAt = msPtr(claimedAt)
	task.CompletedAt = msPtr(completed)
	task.CreatedAt = time.UnixMilli(createdAt).UTC()
	task.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return nil
}

func msPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID int64, workerID string, from, to TaskState, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	_, err := s.exec(ctx, tx, `
		INSERT INTO task_events (task_id, worker_id, run_id, trace_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, NULLIF(?, ''), ?, ?, ?);
	`, taskID, workerID, shared.RunID(ctx), shared.TraceID(ctx), eventType, string(from), string(to), payload, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

// transitionTaskTx moves a task from one of allowedFrom to `to`, applying the
// extra column assignments in set. It reports false when the task is missing or
// not in an allowed state.
func (s *Store) transitionTaskTx(
	ctx context.Context,
	tx *sql.Tx,
	taskID int64,
	workerID string,
	allowedFrom []TaskState,
	to TaskState,
	eventType string,
	payload string,
	set string,
	setArgs ...any,
) (TaskState, bool, error) {
	var current TaskState
	if err := s.queryRow(ctx, tx, `SELECT state FROM tasks WHERE id = ?`+s.d.rowLock+`;`, taskID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("select task for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, current) {
		return current, false, nil
	}
	if !canTransition(current, to) {
		return current, false, fmt.Errorf("illegal transition %s -> %s", current, to)
	}

	assign := "state = ?, updated_at = ?"
	if set != "" {
		assign += ", " + set
	}
	args := append([]any{to, s.now().UnixMilli()}, setArgs...)
	args = append(args, taskID, current)
	res, err := s.exec(ctx, tx, `UPDATE tasks SET `+assign+` WHERE id = ? AND state = ?;`, args...)
	if err != nil {
		return current, false, fmt.Errorf("update task transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return current, false, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return current, false, nil
	}
	if err := s.appendTaskEventTx(ctx, tx, taskID, workerID, current, to, eventType, payload); err != nil {
		return current, false, err
	}
	return current, true, nil
}

// ClaimNextTask atomically claims the lowest-id NOT_EXECUTED task for workerID.
// It returns nil, nil when no task is available.
func (s *Store) ClaimNextTask(ctx context.Context, workerID string) (*Task, error) {
	if workerID == "" {
		return nil, fmt.Errorf("claim: worker id required")
	}
	var result *Task
	err := retryOnBusy(ctx, defaultBusyRetries, func() error {
		result = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var task Task
		row := s.queryRow(ctx, tx, `
			SELECT `+taskColumns+`
			FROM tasks
			WHERE state = ?
			ORDER BY id ASC
			LIMIT 1`+s.d.claimLock+`;`, StateNotExecuted)
		if scanErr := scanTask(row.Scan, &task); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select next task: %w", scanErr)
		}

		now := s.now()
		_, ok, err := s.transitionTaskTx(ctx, tx, task.ID, workerID,
			[]TaskState{StateNotExecuted}, StateExecuting,
			"task.claimed", "",
			"claimed_by = ?, claimed_at = ?, completed_at = NULL",
			workerID, now.UnixMilli())
		if err != nil {
			return fmt.Errorf("claim task transition: %w", err)
		}
		if !ok {
			return nil
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		claimedAt := time.UnixMilli(now.UnixMilli()).UTC()
		task.State = StateExecuting
		task.ClaimedBy = workerID
		task.ClaimedAt = &claimedAt
		task.CompletedAt = nil
		result = &task
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result != nil {
		s.publish(bus.TopicTaskClaimed, bus.TaskEvent{
			TaskID: result.ID, WorkerID: workerID, From: string(StateNotExecuted), To: string(StateExecuting),
		})
	}
	return result, nil
}

// ownerTx reads the state and claimant of a task inside tx.
func (s *Store) ownerTx(ctx context.Context, tx *sql.Tx, taskID int64) (TaskState, string, int, error) {
	var (
		state   TaskState
		owner   string
		label   int
		lockSQL = s.d.rowLock
	)
	err := s.queryRow(ctx, tx, `SELECT state, COALESCE(claimed_by, ''), label FROM tasks WHERE id = ?`+lockSQL+`;`, taskID).
		Scan(&state, &owner, &label)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", 0, ErrTaskNotFound
	}
	if err != nil {
		return "", "", 0, fmt.Errorf("read task owner: %w", err)
	}
	return state, owner, label, nil
}

// FinalizeExecuted stores the result of a successful execution and moves the
// task to EXECUTED in one transaction.
//
// Repeating the call for a task this worker already completed is a no-op.
// ErrDuplicateCompletion means a result row already exists; ErrLeaseLost means
// the task is no longer held by workerID.
func (s *Store) FinalizeExecuted(ctx context.Context, taskID int64, workerID string, c Completion) error {
	output := c.Output
	if output == nil {
		output = []byte{}
	}
	var published bool
	err := retryOnBusy(ctx, defaultBusyRetries, func() error {
		published = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin finalize tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		state, owner, label, err := s.ownerTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		switch {
		case state == StateExecuted && owner == workerID:
			return nil
		case state == StateExecuted:
			return ErrDuplicateCompletion
		case state != StateExecuting || owner != workerID:
			return ErrLeaseLost
		}

		now := s.now().UnixMilli()
		if _, err := s.exec(ctx, tx, `
			INSERT INTO task_results (task_id, worker_id, execution_ms, output, label, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, taskID, workerID, c.ExecutionTime.Milliseconds(), output, label, now); err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateCompletion
			}
			return fmt.Errorf("insert task result: %w", err)
		}

		payload := fmt.Sprintf(`{"execution_ms":%d}`, c.ExecutionTime.Milliseconds())
		_, ok, err := s.transitionTaskTx(ctx, tx, taskID, workerID,
			[]TaskState{StateExecuting}, StateExecuted,
			"task.executed", payload, "completed_at = ?", now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrLeaseLost
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit finalize tx: %w", err)
		}
		published = true
		return nil
	})
	if published {
		s.publish(bus.TopicTaskExecuted, bus.TaskEvent{
			TaskID: taskID, WorkerID: workerID, From: string(StateExecuting), To: string(StateExecuted),
		})
	}
	return err
}

// MarkExecuted moves a held task to EXECUTED without writing a result. It is
// the resolution for ErrDuplicateCompletion, where the result already exists.
func (s *Store) MarkExecuted(ctx context.Context, taskID int64, workerID string) error {
	var published bool
	err := retryOnBusy(ctx, defaultBusyRetries, func() error {
		published = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin mark executed tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		state, owner, _, err := s.ownerTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if state == StateExecuted {
			return nil
		}
		if state != StateExecuting || owner != workerID {
			return ErrLeaseLost
		}
		_, ok, err := s.transitionTaskTx(ctx, tx, taskID, workerID,
			[]TaskState{StateExecuting}, StateExecuted,
			"task.executed", `{"reason":"duplicate_completion"}`,
			"completed_at = ?", s.now().UnixMilli())
		if err != nil {
			return err
		}
		if !ok {
			return ErrLeaseLost
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit mark executed tx: %w", err)
		}
		published = true
		return nil
	})
	if published {
		s.publish(bus.TopicTaskExecuted, bus.TaskEvent{
			TaskID: taskID, WorkerID: workerID, From: string(StateExecuting), To: string(StateExecuted),
			Reason: "duplicate_completion",
		})
	}
	return err
}

// FinalizeFailed records a failure for taskID and, when workerID still holds
// the task, moves it to FAILED. Both writes share one transaction.
//
// If the task was already failed by this worker the call is a no-op. If the
// lease was lost the registry entry is still written and ErrLeaseLost returned.
func (s *Store) FinalizeFailed(ctx context.Context, taskID int64, workerID string, category Category, detail string) error {
	var (
		transitioned bool
		lost         bool
	)
	err := retryOnBusy(ctx, defaultBusyRetries, func() error {
		transitioned, lost = false, false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin finalize failed tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		state, owner, _, err := s.ownerTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if state == StateFailed && owner == workerID {
			return nil
		}
		now := s.now().UnixMilli()
		if state == StateExecuting && owner == workerID {
			payload, _ := json.Marshal(map[string]string{"category": string(category)})
			_, ok, err := s.transitionTaskTx(ctx, tx, taskID, workerID,
				[]TaskState{StateExecuting}, StateFailed,
				"task.failed", string(payload), "completed_at = ?", now)
			if err != nil {
				return err
			}
			transitioned = ok
		}
		lost = !transitioned
		if err := s.appendFailureTx(ctx, tx, taskID, workerID, category, detail, now); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit finalize failed tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	ev := bus.TaskEvent{TaskID: taskID, WorkerID: workerID, To: string(StateFailed), Category: string(category)}
	if transitioned {
		ev.From = string(StateExecuting)
		s.publish(bus.TopicTaskFailed, ev)
	}
	if lost {
		return ErrLeaseLost
	}
	return nil
}

// ReconcileOptions parameterizes one reconciliation pass.
type ReconcileOptions struct {
	// MaxFailures is the registry count below which a FAILED task is retried.
	MaxFailures int
	// LeaseTimeout is the claim age after which an unfinished EXECUTING task is reclaimed.
	LeaseTimeout time.Duration
	// MaxCrashReclaims bounds lease-expiry reclaims per task. 0 disables the bound.
	MaxCrashReclaims int
	// Actor is recorded on registry entries written by reconciliation.
	Actor string
}

// ReconcileReport describes what a reconciliation pass changed.
type ReconcileReport struct {
	Retried     []int64 `json:"retried"`
	Reclaimed   []int64 `json:"reclaimed"`
	CrashLooped []int64 `json:"crash_looped"`
	Available   bool    `json:"available"`
}

// Reconcile applies the retry and lease-expiry rules under an exclusive ledger
// lock and reports whether any task is NOT_EXECUTED afterwards.
func (s *Store) Reconcile(ctx context.Context, maxFailures int, leaseTimeout time.Duration) (bool, error) {
	report, err := s.ReconcileWithReport(ctx, ReconcileOptions{MaxFailures: maxFailures, LeaseTimeout: leaseTimeout})
	if err != nil {
		return false, err
	}
	return report.Available, nil
}

// ReconcileWithReport is Reconcile with the crash-reclaim bound and a detailed report.
func (s *Store) ReconcileWithReport(ctx context.Context, opts ReconcileOptions) (ReconcileReport, error) {
	if opts.MaxFailures < 0 {
		return ReconcileReport{}, fmt.Errorf("reconcile: max failures must be >= 0")
	}
	if opts.Actor == "" {
		opts.Actor = "reconciler"
	}
	var report ReconcileReport
	err := retryOnBusy(ctx, defaultBusyRetries, func() error {
		report = ReconcileReport{}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin reconcile tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if s.d.ledgerLock != "" {
			if _, err := tx.ExecContext(ctx, s.d.ledgerLock); err != nil {
				return fmt.Errorf("lock ledger: %w", err)
			}
		}
		now := s.now()

		// Retry rule. A crash-looped task is dead whatever its count, as in DeadTasks.
		ids, err := s.collectIDsTx(ctx, tx, `
			SELECT t.id FROM tasks t
			WHERE t.state = ?
			  AND (SELECT COUNT(1) FROM failure_registry r WHERE r.task_id = t.id) < ?
			  AND NOT EXISTS (
				SELECT 1 FROM failure_registry c WHERE c.task_id = t.id AND c.category = ?)
			ORDER BY t.id;`, StateFailed, opts.MaxFailures, string(CategoryCrashLoop))
		if err != nil {
			return fmt.Errorf("select retryable tasks: %w", err)
		}
		for _, id := range ids {
			_, ok, err := s.transitionTaskTx(ctx, tx, id, "",
				[]TaskState{StateFailed}, StateNotExecuted,
				"task.retry", `{"reason":"under_failure_budget"}`,
				"claimed_at = NULL, claimed_by = NULL, completed_at = NULL")
			if err != nil {
				return fmt.Errorf("retry transition: %w", err)
			}
			if ok {
				report.Retried = append(report.Retried, id)
			}
		}

		// Lease-expiry rule. A claim exactly lease_timeout old is not yet expired.
		cutoff := now.Add(-opts.LeaseTimeout).UnixMilli()
		expired, err := s.collectExpiredTx(ctx, tx, cutoff)
		if err != nil {
			return err
		}
		for _, e := range expired {
			if opts.MaxCrashReclaims > 0 && e.crashReclaims >= opts.MaxCrashReclaims {
				_, ok, err := s.transitionTaskTx(ctx, tx, e.id, e.owner,
					[]TaskState{StateExecuting}, StateFailed,
					"task.crash_loop", `{"reason":"crash_reclaim_bound"}`,
					"completed_at = ?", now.UnixMilli())
				if err != nil {
					return fmt.Errorf("crash loop transition: %w", err)
				}
				if !ok {
					continue
				}
				detail := fmt.Sprintf("lease expired %d times; last claimant %s", e.crashReclaims+1, e.owner)
				if err := s.appendFailureTx(ctx, tx, e.id, opts.Actor, CategoryCrashLoop, detail, now.UnixMilli()); err != nil {
					return err
				}
				report.CrashLooped = append(report.CrashLooped, e.id)
				continue
			}
			_, ok, err := s.transitionTaskTx(ctx, tx, e.id, e.owner,
				[]TaskState{StateExecuting}, StateNotExecuted,
				"task.lease_expired", `{"reason":"lease_expired"}`,
				"claimed_at = NULL, claimed_by = NULL, crash_reclaims = crash_reclaims + 1")
			if err != nil {
				return fmt.Errorf("lease expiry transition: %w", err)
			}
			if ok {
				report.Reclaimed = append(report.Reclaimed, e.id)
			}
		}

		var available int
		if err := s.queryRow(ctx, tx, `SELECT COUNT(1) FROM tasks WHERE state = ?;`, StateNotExecuted).Scan(&available); err != nil {
			return fmt.Errorf("count available tasks: %w", err)
		}
		report.Available = available > 0

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit reconcile tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return ReconcileReport{}, err
	}

	for _, id := range report.Retried {
		s.publish(bus.TopicTaskReclaimed, bus.TaskEvent{TaskID: id, From: string(StateFailed), To: string(StateNotExecuted), Reason: "retry"})
	}
	for _, id := range report.Reclaimed {
		s.publish(bus.TopicTaskReclaimed, bus.TaskEvent{TaskID: id, From: string(StateExecuting), To: string(StateNotExecuted), Reason: "lease_expired"})
	}
	for _, id := range report.CrashLooped {
		s.publish(bus.TopicTaskDead, bus.TaskEvent{TaskID: id, From: string(StateExecuting), To: string(StateFailed), Category: string(CategoryCrashLoop)})
	}
	s.publish(bus.TopicReconcileFinish, bus.ReconcileEvent{
		Retried: len(report.Retried), Reclaimed: len(report.Reclaimed),
		CrashLooped: len(report.CrashLooped), Available: report.Available,
	})
	return report, nil
}

func (s *Store) collectIDsTx(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]int64, error) {
	rows, err := s.query(ctx, tx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type expiredClaim struct {
	id            int64
	owner         string
	crashReclaims int
}

func (s *Store) collectExpiredTx(ctx context.Context, tx *sql.Tx, cutoffMs int64) ([]expiredClaim, error) {
	rows, err := s.query(ctx, tx, `
		SELECT id, COALESCE(claimed_by, ''), crash_reclaims
		FROM tasks
		WHERE state = ?
		  AND completed_at IS NULL
		  AND claimed_at IS NOT NULL
		  AND claimed_at < ?
		ORDER BY id;
	`, StateExecuting, cutoffMs)
	if err != nil {
		return nil, fmt.Errorf("query expired claims: %w", err)
	}
	defer rows.Close()
	var out []expiredClaim
	for rows.Next() {
		var e expiredClaim
		if err := rows.Scan(&e.id, &e.owner, &e.crashReclaims); err != nil {
			return nil, fmt.Errorf("scan expired claim: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired claims: %w", err)
	}
	return out, nil
}
