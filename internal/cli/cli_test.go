package cli

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseflow/internal/config"
	"caseflow/internal/repository"
	"caseflow/internal/service"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := BuildCLI()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	err := cmd.Execute()
	return out.String(), err
}

func useDatabase(t *testing.T) string {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "caseflow.db")
	t.Setenv("CASEFLOW_DATABASE_DSN", dsn)
	return dsn
}

func TestConfigPrint(t *testing.T) {
	t.Setenv("CASEFLOW_CURSOR_SECRET", "do-not-print")
	t.Setenv("CASEFLOW_WEBHOOK_MAX_ATTEMPTS", "7")

	out, err := run(t, "config", "print")
	require.NoError(t, err)
	assert.Contains(t, out, "max_attempts: 7")
	assert.NotContains(t, out, "do-not-print")
}

func TestConfigPrintRejectsInvalidConfig(t *testing.T) {
	t.Setenv("CASEFLOW_LOG_FORMAT", "xml")
	_, err := run(t, "config", "print")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log.format")
}

func TestMigrate(t *testing.T) {
	useDatabase(t)
	out, err := run(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "up to date")
}

func TestSweepReclaimsExpiredLeases(t *testing.T) {
	dsn := useDatabase(t)
	ctx := context.Background()

	repo, err := repository.Open(ctx, repository.DriverSQLite, dsn, true)
	require.NoError(t, err)
	past := time.Now().Add(-time.Hour)
	deps := service.Deps{Repo: repo, Now: func() time.Time { return past }}
	cases := service.NewCaseService(deps)
	docs := service.NewDocumentService(deps)
	jobs := service.NewJobService(deps)
	leases := service.NewLeaseService(deps)

	c, err := cases.Create(ctx, service.CreateCaseInput{Name: "stale"})
	require.NoError(t, err)
	_, err = docs.Add(ctx, c.ID, service.AddDocumentInput{Filename: "a.pdf", BlobRef: "blob://a"})
	require.NoError(t, err)
	job, err := jobs.Create(ctx, service.CreateJobInput{CaseIDs: []string{c.ID}})
	require.NoError(t, err)
	_, err = jobs.RecordResult(ctx, job.ID, c.ID, "succeeded", "")
	require.NoError(t, err)
	claim, err := leases.Claim(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, claim.Cases, 1)
	require.NoError(t, repo.Close())

	out, err := run(t, "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "reclaimed 1 expired leases")
}

func TestWorkerRequiresOCREndpoint(t *testing.T) {
	useDatabase(t)
	_, err := run(t, "worker")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ocr.endpoint")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown", "case_id", "c1")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"case_id":"c1"`)
	assert.True(t, logger.Enabled(context.Background(), slog.LevelError))
}
