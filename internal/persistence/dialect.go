package persistence

import (
	"strconv"
	"strings"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// dialect captures the few places where SQLite and PostgreSQL disagree.
// Queries are written with '?' placeholders and rebound per driver.
type dialect struct {
	name string

	// claimLock is appended to the claim SELECT.
	claimLock string
	// rowLock is appended to single-row SELECTs inside finalize transactions.
	rowLock string
	// ledgerLock is executed first in a reconciliation transaction.
	ledgerLock string
	// migrationLock serializes concurrent schema setup from many workers.
	migrationLock string

	ddl *strings.Replacer
}

var sqliteDialect = dialect{
	name: DriverSQLite,
	// BEGIN IMMEDIATE (see the DSN) already takes the database write lock,
	// which excludes concurrent claims and reconciliation across processes.
	ddl: strings.NewReplacer(
		"{{serial}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
		"{{blob}}", "BLOB",
	),
}

var postgresDialect = dialect{
	name:          DriverPostgres,
	claimLock:     " FOR UPDATE SKIP LOCKED",
	rowLock:       " FOR UPDATE",
	ledgerLock:    "LOCK TABLE tasks IN ACCESS EXCLUSIVE MODE",
	migrationLock: "SELECT pg_advisory_xact_lock(7493001)",
	ddl: strings.NewReplacer(
		"{{serial}}", "BIGSERIAL PRIMARY KEY",
		"{{blob}}", "BYTEA",
	),
}

func dialectFor(driver string) (dialect, bool) {
	switch driver {
	case DriverSQLite:
		return sqliteDialect, true
	case DriverPostgres:
		return postgresDialect, true
	default:
		return dialect{}, false
	}
}

// rebind rewrites '?' placeholders into the driver's positional form.
func (d dialect) rebind(query string) string {
	if d.name != DriverPostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
