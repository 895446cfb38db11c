package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"

	"github.com/basket/simfleet/internal/audit"
	"github.com/basket/simfleet/internal/bus"
)

const (
	// Schema ledger constants used to gate startup safety.
	schemaVersionV1  = 1
	schemaChecksumV1 = "sf-v1-2026-09-02-lease-ledger"

	// v2 adds tasks.crash_reclaims and the task_events trail.
	schemaVersionV2  = 2
	schemaChecksumV2 = "sf-v2-2026-10-01-crash-bound"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2

	defaultBusyRetries = 5
)

var (
	// ErrTaskNotFound is returned when a task id does not exist.
	ErrTaskNotFound = errors.New("task not found")
	// ErrLeaseLost is returned when a worker finalizes a task it no longer holds.
	ErrLeaseLost = errors.New("task lease lost")
	// ErrDuplicateCompletion is returned when a result already exists for the task.
	ErrDuplicateCompletion = errors.New("duplicate task completion")
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	db  *sql.DB
	d   dialect
	bus *bus.Bus // may be nil in tests

	clockMu sync.RWMutex
	clock   func() time.Time
}

// Open opens (or creates) a SQLite ledger at path.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	return OpenDriver(DriverSQLite, path, eventBus)
}

// OpenDriver opens a ledger with the given driver. For sqlite3 the source is a
// file path; for pgx it is a PostgreSQL connection string.
func OpenDriver(driver, source string, eventBus *bus.Bus) (*Store, error) {
	d, ok := dialectFor(driver)
	if !ok {
		return nil, fmt.Errorf("unsupported ledger driver %q", driver)
	}
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("ledger source required for driver %s", driver)
	}

	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(source), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		// _txlock=immediate makes every transaction take the write lock up front,
		// so claims and reconciliation serialize across processes.
		dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", source)
		db, err = sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite3: %w", err)
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	case DriverPostgres:
		db, err = sql.Open("pgx", source)
		if err != nil {
			return nil, fmt.Errorf("open pgx: %w", err)
		}
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	store := &Store{db: db, d: d, bus: eventBus, clock: time.Now}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping ledger: %w", err)
	}
	if err := store.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Driver reports the database driver name.
func (s *Store) Driver() string {
	return s.d.name
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SetClock replaces the time source used for claim and completion timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	if now == nil {
		now = time.Now
	}
	s.clock = now
}

func (s *Store) now() time.Time {
	s.clockMu.RLock()
	defer s.clockMu.RUnlock()
	return s.clock().UTC()
}

func (s *Store) exec(ctx context.Context, ex execer, query string, args ...any) (sql.Result, error) {
	return ex.ExecContext(ctx, s.d.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, ex execer, query string, args ...any) (*sql.Rows, error) {
	return ex.QueryContext(ctx, s.d.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, ex execer, query string, args ...any) *sql.Row {
	return ex.QueryRowContext(ctx, s.d.rebind(query), args...)
}

// Ping checks that the ledger is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// retryOnBusy retries f when the database reports a transient lock conflict,
// using exponential backoff with bounded jitter.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) && !isTransientPG(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		// 50ms, 100ms, 200ms, 400ms, 500ms (capped), each ±25%.
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// isTransientPG reports serialization failures and deadlocks, which are safe to retry.
func isTransientPG(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// isUniqueViolation reports a primary-key or unique constraint failure.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func (s *Store) configurePragmas(ctx context.Context) error {
	if s.d.name != DriverSQLite {
		return nil
	}
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

var tableStatements = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id BIGINT PRIMARY KEY,
		params TEXT NOT NULL,
		label INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL CHECK (state IN ('NOT_EXECUTED', 'EXECUTING', 'EXECUTED', 'FAILED')),
		claimed_by TEXT,
		claimed_at BIGINT,
		completed_at BIGINT,
		crash_reclaims INTEGER NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS failure_registry (
		entry_id {{serial}},
		task_id BIGINT NOT NULL REFERENCES tasks(id),
		failed_at BIGINT NOT NULL,
		worker_id TEXT NOT NULL,
		category TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT ''
	);`,
	`CREATE TABLE IF NOT EXISTS task_results (
		task_id BIGINT PRIMARY KEY REFERENCES tasks(id),
		worker_id TEXT NOT NULL,
		execution_ms BIGINT NOT NULL,
		output {{blob}} NOT NULL,
		label INTEGER NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS task_events (
		event_id {{serial}},
		task_id BIGINT NOT NULL,
		worker_id TEXT,
		run_id TEXT,
		trace_id TEXT,
		event_type TEXT NOT NULL,
		state_from TEXT,
		state_to TEXT NOT NULL,
		payload_json TEXT NOT NULL DEFAULT '{}',
		created_at BIGINT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		audit_id {{serial}},
		actor TEXT,
		subject TEXT,
		action TEXT NOT NULL,
		decision TEXT NOT NULL,
		reason TEXT,
		created_at BIGINT NOT NULL
	);`,
}

var indexStatements = []string{
	`CREATE INDEX IF NOT EXISTS idx_tasks_state_id ON tasks(state, id);`,
	`CREATE INDEX IF NOT EXISTS idx_failure_registry_task ON failure_registry(task_id);`,
	`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, event_id);`,
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if s.d.migrationLock != "" {
		if _, err := tx.ExecContext(ctx, s.d.migrationLock); err != nil {
			return fmt.Errorf("acquire migration lock: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at BIGINT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion > 0 {
		want := map[int]string{
			schemaVersionV1: schemaChecksumV1,
			schemaVersionV2: schemaChecksumV2,
		}[maxVersion]
		var existingChecksum string
		if err := s.queryRow(ctx, tx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, maxVersion).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != want {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", maxVersion, existingChecksum, want)
		}
		if maxVersion == schemaVersionLatest {
			return tx.Commit()
		}
	}

	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, s.d.ddl.Replace(stmt)); err != nil {
			return fmt.Errorf("exec migration statement: %w", err)
		}
	}
	if maxVersion == schemaVersionV1 {
		if err := s.upgradeV1Tx(ctx, tx); err != nil {
			return err
		}
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := s.exec(ctx, tx, `
		INSERT INTO schema_migrations (version, checksum, applied_at)
		VALUES (?, ?, ?)
		ON CONFLICT (version) DO UPDATE SET checksum = excluded.checksum, applied_at = excluded.applied_at;
	`, schemaVersionLatest, schemaChecksumLatest, s.now().UnixMilli()); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}

	audit.Record("allow", "data.migration", "migration_applied", "ledger",
		fmt.Sprintf("schema migrated from v%d to v%d (checksum %s)", maxVersion, schemaVersionLatest, schemaChecksumLatest))
	return nil
}

// upgradeV1Tx adds the crash-reclaim counter to ledgers created before v2.
func (s *Store) upgradeV1Tx(ctx context.Context, tx *sql.Tx) error {
	has, err := s.hasColumnTx(ctx, tx, "tasks", "crash_reclaims")
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `ALTER TABLE tasks ADD COLUMN crash_reclaims INTEGER NOT NULL DEFAULT 0;`); err != nil {
		return fmt.Errorf("add tasks.crash_reclaims: %w", err)
	}
	return nil
}

func (s *Store) hasColumnTx(ctx context.Context, tx *sql.Tx, table, column string) (bool, error) {
	var n int
	var err error
	if s.d.name == DriverSQLite {
		err = tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM pragma_table_info(?) WHERE name = ?;`, table, column).Scan(&n)
	} else {
		err = s.queryRow(ctx, tx, `
			SELECT COUNT(1) FROM information_schema.columns
			WHERE table_name = ? AND column_name = ?;
		`, table, column).Scan(&n)
	}
	if err != nil {
		return false, fmt.Errorf("inspect %s.%s: %w", table, column, err)
	}
	return n > 0, nil
}

// InsertAudit writes one audit entry to audit_log. It implements audit.Sink.
func (s *Store) InsertAudit(ctx context.Context, e audit.Entry) error {
	_, err := s.exec(ctx, s.db, `
		INSERT INTO audit_log (actor, subject, action, decision, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?);
	`, e.Actor, e.Subject, e.Action, e.Decision, e.Reason, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert audit_log: %w", err)
	}
	return nil
}

// Backup writes a consistent copy of a SQLite ledger to destPath.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if s.d.name != DriverSQLite {
		return fmt.Errorf("backup is only supported for the sqlite3 ledger; use pg_dump for %s", s.d.name)
	}
	if destPath == "" {
		return fmt.Errorf("backup destination path required")
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup destination already exists: %s", destPath)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath); err != nil {
		return fmt.Errorf("backup (VACUUM INTO): %w", err)
	}
	return nil
}

func (s *Store) publish(topic string, payload any) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}
