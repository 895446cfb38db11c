package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Category classifies a failure registry entry.
type Category string

const (
	CategoryTimeout           Category = "Time Out"
	CategoryIntegrityConflict Category = "Integrity Conflict"
	CategoryDatabaseError     Category = "Database Error"
	CategoryUserAborted       Category = "User aborted"
	CategoryUnknown           Category = "Unknown"
	CategoryMalformedResult   Category = "Malformed Result"
	CategoryCrashLoop         Category = "Crash Loop"
)

// FailureRecord is one append-only registry row.
type FailureRecord struct {
	EntryID  int64     `json:"entry_id"`
	TaskID   int64     `json:"task_id"`
	FailedAt time.Time `json:"failed_at"`
	WorkerID string    `json:"worker_id"`
	Category Category  `json:"category"`
	Detail   string    `json:"detail,omitempty"`
}

// FailureCount aggregates registry rows for one task.
type FailureCount struct {
	TaskID       int64     `json:"task_id"`
	State        TaskState `json:"state"`
	Failures     int       `json:"failures"`
	LastCategory Category  `json:"last_category"`
	LastFailedAt time.Time `json:"last_failed_at"`
}

func (s *Store) appendFailureTx(ctx context.Context, tx *sql.Tx, taskID int64, workerID string, category Category, detail string, atMs int64) error {
	detail = truncateDetail(detail)
	if _, err := s.exec(ctx, tx, `
		INSERT INTO failure_registry (task_id, failed_at, worker_id, category, detail)
		VALUES (?, ?, ?, ?, ?);
	`, taskID, atMs, workerID, string(category), detail); err != nil {
		return fmt.Errorf("append failure registry: %w", err)
	}
	return nil
}

const maxDetailBytes = 2048

// truncateDetail makes detail valid UTF-8 and cuts it to maxDetailBytes on a
// rune boundary. Executor stderr tails can hold arbitrary bytes, which
// PostgreSQL rejects in TEXT columns.
func truncateDetail(detail string) string {
	detail = strings.ToValidUTF8(detail, "\uFFFD")
	if len(detail) <= maxDetailBytes {
		return detail
	}
	cut := maxDetailBytes
	for cut > 0 && !utf8.RuneStart(detail[cut]) {
		cut--
	}
	return detail[:cut]
}

// FailureCount returns how many registry entries exist for taskID.
func (s *Store) FailureCount(ctx context.Context, taskID int64) (int, error) {
	var n int
	if err := s.queryRow(ctx, s.db, `SELECT COUNT(1) FROM failure_registry WHERE task_id = ?;`, taskID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count failures: %w", err)
	}
	return n, nil
}

// FailureCounts returns per-task failure counts for every task with at least one entry,
// ordered by task id.
func (s *Store) FailureCounts(ctx context.Context) ([]FailureCount, error) {
	return s.failureCounts(ctx, "", nil)
}

// DeadTasks returns FAILED tasks that reconciliation will no longer retry:
// those whose registry count reached maxFailures, or that crash-looped.
func (s *Store) DeadTasks(ctx context.Context, maxFailures int) ([]FailureCount, error) {
	return s.failureCounts(ctx,
		`WHERE t.state = ? AND (agg.failures >= ? OR EXISTS (
			SELECT 1 FROM failure_registry c WHERE c.task_id = t.id AND c.category = ?))`,
		[]any{StateFailed, maxFailures, string(CategoryCrashLoop)})
}

func (s *Store) failureCounts(ctx context.Context, where string, args []any) ([]FailureCount, error) {
	q := `
		SELECT t.id, t.state, agg.failures, agg.last_at,
			COALESCE((SELECT r.category FROM failure_registry r
				WHERE r.task_id = t.id ORDER BY r.entry_id DESC LIMIT 1), '')
		FROM tasks t
		JOIN (
			SELECT task_id, COUNT(1) AS failures, MAX(failed_at) AS last_at
			FROM failure_registry GROUP BY task_id
		) agg ON agg.task_id = t.id
		` + where + `
		ORDER BY t.id;`
	rows, err := s.query(ctx, s.db, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query failure counts: %w", err)
	}
	defer rows.Close()
	var out []FailureCount
	for rows.Next() {
		var (
			fc     FailureCount
			lastAt int64
			cat    string
		)
		if err := rows.Scan(&fc.TaskID, &fc.State, &fc.Failures, &lastAt, &cat); err != nil {
			return nil, fmt.Errorf("scan failure count: %w", err)
		}
		fc.LastFailedAt = time.UnixMilli(lastAt).UTC()
		fc.LastCategory = Category(cat)
		out = append(out, fc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failure counts: %w", err)
	}
	return out, nil
}

// ListFailures returns registry rows, newest first. taskID 0 lists all tasks.
func (s *Store) ListFailures(ctx context.Context, taskID int64, limit int) ([]FailureRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		where strings.Builder
		args  []any
	)
	if taskID != 0 {
		where.WriteString("WHERE task_id = ? ")
		args = append(args, taskID)
	}
	args = append(args, limit)
	rows, err := s.query(ctx, s.db, `
		SELECT entry_id, task_id, failed_at, worker_id, category, detail
		FROM failure_registry `+where.String()+`
		ORDER BY entry_id DESC
		LIMIT ?;`, args...)
	if err != nil {
		return nil, fmt.Errorf("query failures: %w", err)
	}
	defer rows.Close()
	var out []FailureRecord
	for rows.Next() {
		var (
			rec FailureRecord
			at  int64
			cat string
		)
		if err := rows.Scan(&rec.EntryID, &rec.TaskID, &at, &rec.WorkerID, &cat, &rec.Detail); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		rec.FailedAt = time.UnixMilli(at).UTC()
		rec.Category = Category(cat)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failures: %w", err)
	}
	return out, nil
}
