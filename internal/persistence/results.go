package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Result is the stored output of a completed task.
type Result struct {
	TaskID        int64         `json:"task_id"`
	WorkerID      string        `json:"worker_id"`
	ExecutionTime time.Duration `json:"execution_time"`
	Output        []byte        `json:"output"`
	Label         int           `json:"label"`
	CreatedAt     time.Time     `json:"created_at"`
}

// ResultFor returns the stored result for taskID, or ErrTaskNotFound.
func (s *Store) ResultFor(ctx context.Context, taskID int64) (*Result, error) {
	var (
		r       Result
		execMs  int64
		created int64
	)
	err := s.queryRow(ctx, s.db, `
		SELECT task_id, worker_id, execution_ms, output, label, created_at
		FROM task_results
		WHERE task_id = ?;
	`, taskID).Scan(&r.TaskID, &r.WorkerID, &execMs, &r.Output, &r.Label, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read task result: %w", err)
	}
	r.ExecutionTime = time.Duration(execMs) * time.Millisecond
	r.CreatedAt = time.UnixMilli(created).UTC()
	return &r, nil
}

// ExecutionTimes returns the execution time of every stored result, in task id order.
func (s *Store) ExecutionTimes(ctx context.Context) ([]time.Duration, error) {
	rows, err := s.query(ctx, s.db, `SELECT execution_ms FROM task_results ORDER BY task_id;`)
	if err != nil {
		return nil, fmt.Errorf("query execution times: %w", err)
	}
	defer rows.Close()
	var out []time.Duration
	for rows.Next() {
		var ms int64
		if err := rows.Scan(&ms); err != nil {
			return nil, fmt.Errorf("scan execution time: %w", err)
		}
		out = append(out, time.Duration(ms)*time.Millisecond)
	}
	return out, rows.Err()
}
