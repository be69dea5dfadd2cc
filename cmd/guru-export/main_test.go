package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/Mindburn-Labs/guru-export/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalog = `{
  "Box Clássica": {"tipo": "assinatura", "sku": "BOX-CL", "guru_ids": ["p-box"], "peso": 1.2},
  "Caderno": {"tipo": "produto", "sku": "CAD", "guru_ids": ["p-cad"], "peso": 0.3}
}`

const testRules = `{
  "version": "1.0.0",
  "rules": [
    {"applies_to": "cupom", "coupon": "promo10", "action": {"type": "add_gifts", "items": [{"nome": "Caderno", "qtd": 1}]}}
  ]
}`

const testTransactions = `{
  "data": [
    {
      "id": "tx-1",
      "contact": {"name": "Maria Souza", "email": "maria@example.com"},
      "product": {"id": "p-box", "name": "Box Clássica", "qty": 1},
      "payment": {"total": 89.9, "coupon": {"coupon_code": "PROMO10"}},
      "subscription": {"charged_every_days": 30},
      "dates": {"ordered_at": "2024-03-05 10:20:30"}
    }
  ],
  "has_more_pages": 0,
  "total_rows": 1
}`

func setupEnv(t *testing.T, apiURL string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skus.json"), []byte(testCatalog), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "regras.json"), []byte(testRules), 0o600))

	t.Setenv("GURU_API_URL", apiURL)
	t.Setenv("GURU_API_TOKEN", "12|opaque-token")
	t.Setenv("CATALOG_PATH", filepath.Join(dir, "skus.json"))
	t.Setenv("RULES_PATH", filepath.Join(dir, "regras.json"))
	t.Setenv("OUTPUT_DIR", filepath.Join(dir, "out"))
	t.Setenv("DATABASE_URL", "sqlite://"+filepath.Join(dir, "runs.db"))
	t.Setenv("ARTIFACT_BACKEND", "fs")
	t.Setenv("EXPORT_MAX_ATTEMPTS", "1")
	t.Setenv("EXPORT_RATE_LIMIT", "0")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("OTEL_ENABLED", "")
	t.Setenv("LOG_LEVEL", "ERROR")
	return dir
}

func guruServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/transactions":
			_, _ = w.Write([]byte(testTransactions))
		case "/products":
			_, _ = w.Write([]byte(`{"data":[{"id":"p-box","name":"Box Clássica","is_active":true}],"has_more_pages":0}`))
		case "/products/p-box/offers":
			_, _ = w.Write([]byte(`{"data":[{"id":"of-anual","name":"Plano Anual","value":"899,90"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRun_Dispatch(t *testing.T) {
	var stdout, stderr bytes.Buffer

	assert.Equal(t, 2, Run([]string{"guru-export"}, &stdout, &stderr))
	assert.Equal(t, 2, Run([]string{"guru-export", "bogus"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Unknown command: bogus")

	stdout.Reset()
	assert.Equal(t, 0, Run([]string{"guru-export", "help"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "export")

	stdout.Reset()
	assert.Equal(t, 0, Run([]string{"guru-export", "version"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "guru-export dev")
}

func TestExport_WritesCSVAndRecordsRun(t *testing.T) {
	srv := guruServer(t)
	dir := setupEnv(t, srv.URL)

	var stdout, stderr bytes.Buffer
	code := Run([]string{"guru-export", "export", "-year", "2024", "-month", "3", "-format", "csv", "-out", "marco.csv"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), "2 linhas")

	data, err := os.ReadFile(filepath.Join(dir, "out", "marco.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "tx-1")
	assert.Contains(t, string(data), "BOX-CL")
	assert.Contains(t, string(data), "CAD")

	rs, err := store.OpenSQLite(filepath.Join(dir, "runs.db"))
	require.NoError(t, err)
	defer rs.Close()
	runs, err := rs.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "succeeded", runs[0].State)
	assert.Equal(t, "2024-03", runs[0].Period)
	assert.Equal(t, 2, runs[0].Rows)
	assert.Equal(t, 1, runs[0].Transactions)
	assert.NotEmpty(t, runs[0].RuleDigest)
}

func TestExport_DefaultXLSXName(t *testing.T) {
	srv := guruServer(t)
	dir := setupEnv(t, srv.URL)
	t.Setenv("DATABASE_URL", "")

	var stdout, stderr bytes.Buffer
	code := Run([]string{"guru-export", "export", "-year", "2024", "-month", "4", "-periodicity", "bimestral"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	_, err := os.Stat(filepath.Join(dir, "out", "guru-2024-B2.xlsx"))
	assert.NoError(t, err)
}

func TestExport_RejectsBadInputBeforeNetwork(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
	}))
	defer srv.Close()
	setupEnv(t, srv.URL)

	var stdout, stderr bytes.Buffer
	assert.Equal(t, 2, Run([]string{"guru-export", "export", "-month", "13"}, &stdout, &stderr))
	assert.Equal(t, 2, Run([]string{"guru-export", "export", "-mode", "produtos"}, &stdout, &stderr))
	assert.Equal(t, 2, Run([]string{"guru-export", "export", "-format", "pdf"}, &stdout, &stderr))

	t.Setenv("GURU_API_TOKEN", "")
	assert.Equal(t, 1, Run([]string{"guru-export", "export", "-month", "3"}, &stdout, &stderr))
	assert.Zero(t, calls)
}

func TestExport_Profile(t *testing.T) {
	srv := guruServer(t)
	dir := setupEnv(t, srv.URL)
	t.Setenv("DATABASE_URL", "")
	profile := filepath.Join(dir, "boxes.yaml")
	require.NoError(t, os.WriteFile(profile, []byte("mode: produtos\nproduct_ids: [p-box]\nformat: csv\noutput_name: boxes.csv\n"), 0o600))

	var stdout, stderr bytes.Buffer
	code := Run([]string{"guru-export", "export", "-year", "2024", "-month", "3", "-profile", profile}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	_, err := os.Stat(filepath.Join(dir, "out", "boxes.csv"))
	assert.NoError(t, err)
}

func TestRulesCheck(t *testing.T) {
	dir := setupEnv(t, "http://127.0.0.1:1")

	var stdout, stderr bytes.Buffer
	code := Run([]string{"guru-export", "rules", "check", "-rules", filepath.Join(dir, "regras.json")}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), "version: 1.0.0")
	assert.Contains(t, stdout.String(), "coupons: 1")
	assert.Contains(t, stdout.String(), "digest:")

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"rules":[{"applies_to":"produto"}]}`), 0o600))
	assert.Equal(t, 1, Run([]string{"guru-export", "rules", "check", "-rules", bad}, &stdout, &stderr))
	assert.Equal(t, 2, Run([]string{"guru-export", "rules"}, &stdout, &stderr))
}

func TestRulesOffers(t *testing.T) {
	srv := guruServer(t)
	setupEnv(t, srv.URL)

	var stdout, stderr bytes.Buffer
	code := Run([]string{"guru-export", "rules", "offers"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), "p-box")
	assert.Contains(t, stdout.String(), "of-anual")
	assert.Contains(t, stdout.String(), "899,90")
}
