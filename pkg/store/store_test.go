package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Mindburn-Labs/guru-export/pkg/contracts"
	"github.com/Mindburn-Labs/guru-export/pkg/finance"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRun(id string, started time.Time) RunRecord {
	return RunRecord{
		ID:           id,
		Period:       "2024-03",
		Periodicity:  "monthly",
		Mode:         "all",
		State:        "succeeded",
		Transactions: 2,
		Rows:         2,
		Errors:       1,
		RuleDigest:   "abc",
		Artifact:     "2024/guru-2024-03.xlsx",
		StartedAt:    started,
		FinishedAt:   started.Add(90 * time.Second),
	}
}

func sampleRows() []contracts.ExportRow {
	return []contracts.ExportRow{
		{SourceTransactionID: "t1", SKU: "BOX", ProductName: "Box", Quantity: 1, TotalValue: finance.BRL(8990), UnitValue: finance.BRL(8990), ShippingValue: finance.BRL(1500), Plan: "anual", Period: 3},
		{SourceTransactionID: "t1", SKU: "CAD", ProductName: "Caderno", Quantity: 1, TotalValue: finance.BRL(0), UnitValue: finance.BRL(0), ShippingValue: finance.BRL(0), Plan: "anual", Period: 3},
	}
}

func openTemp(t *testing.T) *SQLiteRowStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteRowStore_RoundTrip(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	started := time.Date(2024, 4, 1, 9, 30, 0, 500, time.UTC)

	errs := []contracts.ItemError{{ID: "t9", Message: "sem mapeamento"}}
	require.NoError(t, s.SaveRun(ctx, sampleRun("run-1", started), sampleRows(), errs))

	rec, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, sampleRun("run-1", started), *rec)

	rows, err := s.Rows(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, sampleRows(), rows)

	gotErrs, err := s.ItemErrors(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, errs, gotErrs)
}

func TestSQLiteRowStore_ListNewestFirst(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	base := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveRun(ctx, sampleRun("old", base), nil, nil))
	require.NoError(t, s.SaveRun(ctx, sampleRun("new", base.Add(time.Hour)), nil, nil))
	require.NoError(t, s.SaveRun(ctx, sampleRun("mid", base.Add(time.Minute+500*time.Millisecond)), nil, nil))

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "new", runs[0].ID)
	assert.Equal(t, "mid", runs[1].ID)
	assert.Equal(t, "old", runs[2].ID)

	runs, err = s.ListRuns(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestSQLiteRowStore_Errors(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	_, err := s.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)

	assert.Error(t, s.SaveRun(ctx, RunRecord{}, nil, nil))

	now := time.Now()
	require.NoError(t, s.SaveRun(ctx, sampleRun("dup", now), sampleRows(), nil))
	assert.Error(t, s.SaveRun(ctx, sampleRun("dup", now), sampleRows(), nil), "run ids are unique")

	rows, err := s.Rows(ctx, "dup")
	require.NoError(t, err)
	assert.Len(t, rows, 2, "failed save left no partial rows")
}

func TestSQLiteRowStore_MigrateIsIdempotent(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.Migrate(context.Background()))
	_, err := NewSQLiteRowStore(s.db)
	require.NoError(t, err)
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "a = ? AND b = ?", sqliteDialect.rebind("a = ? AND b = ?"))
	assert.Equal(t, "a = $1 AND b = $2", postgresDialect.rebind("a = ? AND b = ?"))
}
