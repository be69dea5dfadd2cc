// Package store keeps a history of export runs and their rows in SQLite or
// PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/guru-export/pkg/contracts"
)

// ErrRunNotFound is returned for an unknown run id.
var ErrRunNotFound = errors.New("store: run not found")

// RunRecord summarizes one export run.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type RunRecord struct {
	ID           string    `json:"id"`
	Period       string    `json:"period"`
	Periodicity  string    `json:"periodicity"`
	Mode         string    `json:"mode"`
	State        string    `json:"state"`
	Transactions int       `json:"transactions"`
	Rows         int       `json:"rows"`
	Errors       int       `json:"errors"`
	RuleDigest   string    `json:"rule_digest,omitempty"`
	Artifact     string    `json:"artifact,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// RowStore persists runs.
type RowStore interface {
	SaveRun(ctx context.Context, rec RunRecord, rows []contracts.ExportRow, errs []contracts.ItemError) error
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)
	Rows(ctx context.Context, runID string) ([]contracts.ExportRow, error)
	ItemErrors(ctx context.Context, runID string) ([]contracts.ItemError, error)
}

// dialect captures the SQL differences between the supported databases.
type dialect struct {
	name       string
	numbered   bool // $1 placeholders instead of ?
	schema     []string
	encodeTime func(time.Time) any
}

// rebind rewrites ? placeholders for numbered dialects.
func (d dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sqlStore implements RowStore on database/sql.
type sqlStore struct {
	db *sql.DB
	d  dialect
}

// Migrate creates the tables when missing.
func (s *sqlStore) Migrate(ctx context.Context) error {
	for _, stmt := range s.d.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s migrate: %w", s.d.name, err)
		}
	}
	return nil
}

// SaveRun writes the run, its rows and its item errors in one transaction.
func (s *sqlStore) SaveRun(ctx context.Context, rec RunRecord, rows []contracts.ExportRow, errs []contracts.ItemError) error {
	if rec.ID == "" {
		return fmt.Errorf("store: run without id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, s.d.rebind(`INSERT INTO export_runs (
		run_id, period, periodicity, mode, state, transactions, row_count, error_count, rule_digest, artifact, started_at, finished_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.Period, rec.Periodicity, rec.Mode, rec.State, rec.Transactions, rec.Rows, rec.Errors,
		rec.RuleDigest, rec.Artifact, s.d.encodeTime(rec.StartedAt), s.d.encodeTime(rec.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	rowQuery := s.d.rebind(`INSERT INTO export_rows (run_id, seq, transaction_id, sku, quantity, total_minor, payload) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	for i, r := range rows {
		payload, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode row %d: %w", i, err)
		}
		if _, err := tx.ExecContext(ctx, rowQuery, rec.ID, i, r.SourceTransactionID, r.SKU, r.Quantity, r.TotalValue.AmountMinor, string(payload)); err != nil {
			return fmt.Errorf("failed to insert row %d: %w", i, err)
		}
	}

	errQuery := s.d.rebind(`INSERT INTO export_errors (run_id, seq, item_id, message) VALUES (?, ?, ?, ?)`)
	for i, e := range errs {
		if _, err := tx.ExecContext(ctx, errQuery, rec.ID, i, e.ID, e.Message); err != nil {
			return fmt.Errorf("failed to insert item error %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const runColumns = `run_id, period, periodicity, mode, state, transactions, row_count, error_count, rule_digest, artifact, started_at, finished_at`

func (s *sqlStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT `+runColumns+` FROM export_runs WHERE run_id = ?`), id)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return rec, nil
}

// ListRuns returns the most recent runs first.
func (s *sqlStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, s.d.rebind(`SELECT `+runColumns+` FROM export_runs ORDER BY started_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *sqlStore) Rows(ctx context.Context, runID string) ([]contracts.ExportRow, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(`SELECT payload FROM export_rows WHERE run_id = ? ORDER BY seq`), runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.ExportRow
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var r contracts.ExportRow
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, fmt.Errorf("decode row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) ItemErrors(ctx context.Context, runID string) ([]contracts.ItemError, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(`SELECT item_id, message FROM export_errors WHERE run_id = ? ORDER BY seq`), runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query item errors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.ItemError
	for rows.Next() {
		var e contracts.ItemError
		if err := rows.Scan(&e.ID, &e.Message); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*RunRecord, error) {
	var (
		rec               RunRecord
		digest, artifact  sql.NullString
		started, finished any
	)
	err := sc.Scan(&rec.ID, &rec.Period, &rec.Periodicity, &rec.Mode, &rec.State,
		&rec.Transactions, &rec.Rows, &rec.Errors, &digest, &artifact, &started, &finished)
	if err != nil {
		return nil, err
	}
	rec.RuleDigest = digest.String
	rec.Artifact = artifact.String
	if rec.StartedAt, err = decodeTime(started); err != nil {
		return nil, err
	}
	if rec.FinishedAt, err = decodeTime(finished); err != nil {
		return nil, err
	}
	return &rec, nil
}

func decodeTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return t.UTC(), nil
	case string:
		return parseTime(t)
	case []byte:
		return parseTime(string(t))
	default:
		return time.Time{}, fmt.Errorf("unexpected time value %T", v)
	}
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}
