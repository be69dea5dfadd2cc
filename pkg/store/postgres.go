package store

import (
	"database/sql"
	"time"

	_ "github.com/lib/pq"
)

var postgresDialect = dialect{
	name:     "postgres",
	numbered: true,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS export_runs (
			run_id TEXT PRIMARY KEY,
			period TEXT NOT NULL,
			periodicity TEXT NOT NULL,
			mode TEXT NOT NULL,
			state TEXT NOT NULL,
			transactions INTEGER NOT NULL DEFAULT 0,
			row_count INTEGER NOT NULL DEFAULT 0,
			error_count INTEGER NOT NULL DEFAULT 0,
			rule_digest TEXT,
			artifact TEXT,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS export_rows (
			run_id TEXT NOT NULL REFERENCES export_runs(run_id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			transaction_id TEXT NOT NULL,
			sku TEXT,
			quantity INTEGER NOT NULL,
			total_minor BIGINT NOT NULL,
			payload JSONB NOT NULL,
			PRIMARY KEY (run_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS export_errors (
			run_id TEXT NOT NULL REFERENCES export_runs(run_id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			item_id TEXT NOT NULL,
			message TEXT NOT NULL,
			PRIMARY KEY (run_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_export_rows_tx ON export_rows(transaction_id)`,
	},
	encodeTime: func(t time.Time) any { return t.UTC() },
}

// PostgresRowStore keeps run history in PostgreSQL. Call Migrate once before
// first use.
type PostgresRowStore struct {
	sqlStore
}

// NewPostgresRowStore wraps db.
func NewPostgresRowStore(db *sql.DB) *PostgresRowStore {
	return &PostgresRowStore{sqlStore{db: db, d: postgresDialect}}
}

// OpenPostgres connects using a lib/pq DSN.
func OpenPostgres(dsn string) (*PostgresRowStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return NewPostgresRowStore(db), nil
}

// Close closes the underlying database.
func (s *PostgresRowStore) Close() error { return s.db.Close() }
