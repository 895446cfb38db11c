package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/simfleet/internal/bus"
)

// NewTask is one generated configuration ready to be inserted.
type NewTask struct {
	ID     int64
	Params map[string]any
	Label  int
}

// StateCounts is the number of tasks in each state.
type StateCounts struct {
	NotExecuted int `json:"not_executed"`
	Executing   int `json:"executing"`
	Executed    int `json:"executed"`
	Failed      int `json:"failed"`
}

// Total returns the number of tasks in the ledger.
func (c StateCounts) Total() int {
	return c.NotExecuted + c.Executing + c.Executed + c.Failed
}

// TaskEvent is one row of the per-task transition trail.
type TaskEvent struct {
	EventID   int64     `json:"event_id"`
	TaskID    int64     `json:"task_id"`
	WorkerID  string    `json:"worker_id,omitempty"`
	EventType string    `json:"event_type"`
	RunID     string    `json:"run_id,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
	StateFrom TaskState `json:"state_from,omitempty"`
	StateTo   TaskState `json:"state_to"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// InsertTasks bulk-inserts generated tasks in NOT_EXECUTED state in one transaction.
func (s *Store) InsertTasks(ctx context.Context, tasks []NewTask) (int64, error) {
	if len(tasks) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert tasks tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, s.d.rebind(`
		INSERT INTO tasks (id, params, label, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?);
	`))
	if err != nil {
		return 0, fmt.Errorf("prepare insert task: %w", err)
	}
	defer stmt.Close()

	now := s.now().UnixMilli()
	for _, t := range tasks {
		params := t.Params
		if params == nil {
			params = map[string]any{}
		}
		raw, err := json.Marshal(params)
		if err != nil {
			return 0, fmt.Errorf("encode params for task %d: %w", t.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, t.ID, string(raw), t.Label, StateNotExecuted, now, now); err != nil {
			if isUniqueViolation(err) {
				return 0, fmt.Errorf("task id %d already exists: %w", t.ID, err)
			}
			return 0, fmt.Errorf("insert task %d: %w", t.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert tasks tx: %w", err)
	}
	n := int64(len(tasks))
	s.publish(bus.TopicTasksGenerated, bus.LedgerEvent{Affected: n})
	return n, nil
}

// MaxTaskID returns the largest task id, or 0 for an empty ledger.
func (s *Store) MaxTaskID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.queryRow(ctx, s.db, `SELECT COALESCE(MAX(id), 0) FROM tasks;`).Scan(&id); err != nil {
		return 0, fmt.Errorf("read max task id: %w", err)
	}
	return id, nil
}

// CountByState returns the number of tasks in each state.
func (s *Store) CountByState(ctx context.Context) (StateCounts, error) {
	var c StateCounts
	rows, err := s.query(ctx, s.db, `SELECT state, COUNT(1) FROM tasks GROUP BY state;`)
	if err != nil {
		return c, fmt.Errorf("count by state: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			state TaskState
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return c, fmt.Errorf("scan state count: %w", err)
		}
		switch state {
		case StateNotExecuted:
			c.NotExecuted = n
		case StateExecuting:
			c.Executing = n
		case StateExecuted:
			c.Executed = n
		case StateFailed:
			c.Failed = n
		}
	}
	return c, rows.Err()
}

// ResetAll forces every task back to NOT_EXECUTED. With purge, stored results
// and the failure registry are cleared too.
func (s *Store) ResetAll(ctx context.Context, purge bool) (int64, error) {
	var affected int64
	err := retryOnBusy(ctx, defaultBusyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin reset tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if s.d.ledgerLock != "" {
			if _, err := tx.ExecContext(ctx, s.d.ledgerLock); err != nil {
				return fmt.Errorf("lock ledger: %w", err)
			}
		}
		res, err := s.exec(ctx, tx, `
			UPDATE tasks
			SET state = ?, claimed_by = NULL, claimed_at = NULL, completed_at = NULL,
				crash_reclaims = 0, updated_at = ?;
		`, StateNotExecuted, s.now().UnixMilli())
		if err != nil {
			return fmt.Errorf("reset tasks: %w", err)
		}
		affected, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("reset rows affected: %w", err)
		}
		if purge {
			for _, q := range []string{
				`DELETE FROM task_results;`,
				`DELETE FROM failure_registry;`,
				`DELETE FROM task_events;`,
			} {
				if _, err := tx.ExecContext(ctx, q); err != nil {
					return fmt.Errorf("purge (%s): %w", q, err)
				}
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit reset tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	detail := "reset"
	if purge {
		detail = "reset+purge"
	}
	s.publish(bus.TopicLedgerReset, bus.LedgerEvent{Affected: affected, Detail: detail})
	return affected, nil
}

// GetTask returns a task by id, or ErrTaskNotFound.
func (s *Store) GetTask(ctx context.Context, taskID int64) (*Task, error) {
	var task Task
	err := scanTask(s.queryRow(ctx, s.db, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID).Scan, &task)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// ListTasks returns up to limit tasks with id > afterID, optionally filtered by state.
func (s *Store) ListTasks(ctx context.Context, state TaskState, afterID int64, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE id > ?`
	args := []any{afterID}
	if state != "" {
		q += ` AND state = ?`
		args = append(args, state)
	}
	q += ` ORDER BY id LIMIT ?;`
	args = append(args, limit)

	rows, err := s.query(ctx, s.db, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TaskEvents returns the transition trail of one task, oldest first.
func (s *Store) TaskEvents(ctx context.Context, taskID int64) ([]TaskEvent, error) {
	rows, err := s.query(ctx, s.db, `
		SELECT event_id, task_id, COALESCE(worker_id, ''), event_type, COALESCE(run_id, ''),
			COALESCE(trace_id, ''), COALESCE(state_from, ''), state_to, payload_json, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query task events: %w", err)
	}
	defer rows.Close()
	var out []TaskEvent
	for rows.Next() {
		var (
			ev TaskEvent
			at int64
		)
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.WorkerID, &ev.EventType, &ev.RunID,
			&ev.TraceID, &ev.StateFrom, &ev.StateTo, &ev.Payload, &at); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		ev.CreatedAt = time.UnixMilli(at).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}
