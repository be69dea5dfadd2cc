package store

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

// sqliteTimeLayout has a fixed width so text ordering matches time ordering.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var sqliteDialect = dialect{
	name: "sqlite",
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
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS export_rows (
			run_id TEXT NOT NULL REFERENCES export_runs(run_id),
			seq INTEGER NOT NULL,
			transaction_id TEXT NOT NULL,
			sku TEXT,
			quantity INTEGER NOT NULL,
			total_minor INTEGER NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (run_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS export_errors (
			run_id TEXT NOT NULL REFERENCES export_runs(run_id),
			seq INTEGER NOT NULL,
			item_id TEXT NOT NULL,
			message TEXT NOT NULL,
			PRIMARY KEY (run_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_export_rows_tx ON export_rows(transaction_id)`,
	},
	encodeTime: func(t time.Time) any { return t.UTC().Format(sqliteTimeLayout) },
}

// SQLiteRowStore keeps run history in a local SQLite file.
type SQLiteRowStore struct {
	sqlStore
}

// NewSQLiteRowStore wraps db and creates the schema.
func NewSQLiteRowStore(db *sql.DB) (*SQLiteRowStore, error) {
	s := &SQLiteRowStore{sqlStore{db: db, d: sqliteDialect}}
	if err := s.Migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens (or creates) the database file at path.
func OpenSQLite(path string) (*SQLiteRowStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers.
	db.SetMaxOpenConns(1)
	s, err := NewSQLiteRowStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLiteRowStore) Close() error { return s.db.Close() }
