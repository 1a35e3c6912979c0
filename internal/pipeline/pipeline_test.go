package pipeline

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/attachsync/internal/config"
	"github.com/agentworkforce/attachsync/internal/ledger"
	"github.com/agentworkforce/attachsync/internal/mapping"
	"github.com/agentworkforce/attachsync/internal/qbo"
	"github.com/agentworkforce/attachsync/internal/reconcile"
	"github.com/agentworkforce/attachsync/internal/runlock"
	"github.com/agentworkforce/attachsync/internal/tabular"
	"github.com/agentworkforce/attachsync/internal/verify"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		DataDir:   filepath.Join(dir, "data"),
		FilesDir:  filepath.Join(dir, "files"),
		LogDir:    filepath.Join(dir, "logs"),
		Inventory: config.InventoryConfig{SampleTree: true},
		Mapping:   config.MappingConfig{Sample: true},
		Uploader:  config.UploaderConfig{Mode: "fake"},
		QBO:       config.QBOConfig{Timeout: time.Second},
		Watch:     config.WatchConfig{Interval: time.Minute},
		Log:       config.LogConfig{Format: "json"},
	}
}

func newTestPipeline(t *testing.T, cfg config.Config, uploader qbo.Uploader) (*Pipeline, *bytes.Buffer) {
	t.Helper()
	out := &bytes.Buffer{}
	p, err := New(cfg, Deps{Uploader: uploader, Logger: zerolog.Nop(), Out: out})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p, out
}

func readRows(t *testing.T, path string) []tabular.Row {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, malformed, err := tabular.ReadAll(f)
	require.NoError(t, err)
	require.Zero(t, malformed)
	return rows
}

func TestRunAllEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	p, out := newTestPipeline(t, cfg, qbo.NewFakeUploader(0, 1))
	ctx := context.Background()

	result, err := p.RunAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Inventory.Records)
	assert.True(t, result.Inventory.SampleTree)
	assert.True(t, result.SampleMapping)
	assert.Equal(t, VerifyResult{OK: 2, Missing: 1}, result.Verify)
	assert.Equal(t, reconcile.Summary{Total: 2, Uploaded: 2}, result.Upload)
	assert.Contains(t, out.String(), "uploader finished: total candidates=2, uploaded=2, skipped=0, failed=0")

	verified := readRows(t, cfg.VerificationLogPath())
	require.Len(t, verified, 3)
	statuses := map[string]string{}
	for _, row := range verified {
		statuses[row.Get("raw_legacy_id")] = row.Get("status")
	}
	assert.Equal(t, map[string]string{
		"80ABC123":  "ok",
		"80DEF456":  "ok",
		"80MISSING": "missing_mapping",
	}, statuses)

	runlog := readRows(t, cfg.RunLogPath())
	require.Len(t, runlog, 2)
	for _, row := range runlog {
		assert.NotEqual(t, "80MISSING", row.Get("raw_legacy_id"))
		assert.Equal(t, "success", row.Get("outcome"))
	}

	result, err = p.RunAll(ctx)
	require.NoError(t, err)
	assert.False(t, result.Inventory.SampleTree)
	assert.False(t, result.SampleMapping)
	assert.Equal(t, reconcile.Summary{Total: 2, Skipped: 2}, result.Upload)

	assert.Len(t, readRows(t, cfg.RunLogPath()), 4)
	dups := readRows(t, cfg.DupsLogPath())
	require.Len(t, dups, 2)
	for _, row := range dups {
		assert.Equal(t, "skipped_already_uploaded", row.Get("outcome"))
	}
	_, err = os.Stat(cfg.ErrorsLogPath())
	assert.True(t, os.IsNotExist(err), "no failures means no errors log")
}

func TestUploadRecordsMissingLocalFile(t *testing.T) {
	cfg := testConfig(t)
	p, _ := newTestPipeline(t, cfg, qbo.NewFakeUploader(0, 1))
	ctx := context.Background()

	_, err := p.BuildInventory(ctx)
	require.NoError(t, err)
	_, err = p.ExportSampleMapping(ctx)
	require.NoError(t, err)
	_, err = p.Verify(ctx)
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(cfg.FilesDir, "Bill", "80DEF456", "invoice_DEF456.txt")))

	summary, err := p.Upload(ctx)
	require.NoError(t, err)
	assert.Equal(t, reconcile.Summary{Total: 2, Uploaded: 1, Failed: 1, FileMissing: 1}, summary)

	errs := readRows(t, cfg.ErrorsLogPath())
	require.Len(t, errs, 1)
	assert.Equal(t, "file_missing", errs[0].Get("outcome"))
	assert.Equal(t, "404", errs[0].Get("status_code"))
	assert.True(t, strings.HasPrefix(errs[0].Get("error"), "file not found: "))
}

func TestStagesRequireTheirInputs(t *testing.T) {
	cfg := testConfig(t)
	p, _ := newTestPipeline(t, cfg, qbo.NewFakeUploader(0, 1))
	ctx := context.Background()

	_, err := p.Upload(ctx)
	require.ErrorIs(t, err, ErrInputMissing)
	var missing *InputMissingError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, cfg.VerificationLogPath(), missing.Path)
	_, statErr := os.Stat(cfg.RunLogPath())
	assert.True(t, os.IsNotExist(statErr), "ledger must not be touched")

	_, err = p.Verify(ctx)
	require.ErrorIs(t, err, ErrInputMissing)
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, cfg.InventoryPath(), missing.Path)

	_, err = p.BuildInventory(ctx)
	require.NoError(t, err)
	_, err = p.Verify(ctx)
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, cfg.MappingPath(), missing.Path)
	assert.Contains(t, err.Error(), "run mapping first")
}

func TestVerifyRejectsConflictingMapping(t *testing.T) {
	cfg := testConfig(t)
	p, _ := newTestPipeline(t, cfg, qbo.NewFakeUploader(0, 1))
	ctx := context.Background()
	_, err := p.BuildInventory(ctx)
	require.NoError(t, err)

	rows := append(mapping.SampleExport(), mapping.Record{
		LegacyTxnIDNorm:  "ABC123",
		LegacyEntityType: "Bill",
		QBOEntityType:    "Bill",
		QBOEntityID:      "9999",
	})
	require.NoError(t, writeFileAtomic(cfg.MappingPath(), func(w io.Writer) error {
		return mapping.WriteCSV(w, rows)
	}))

	_, err = p.Verify(ctx)
	assert.ErrorIs(t, err, mapping.ErrConflict)
}

func TestVerifyReportsUnusedMappingRows(t *testing.T) {
	cfg := testConfig(t)
	p, _ := newTestPipeline(t, cfg, qbo.NewFakeUploader(0, 1))
	ctx := context.Background()
	_, err := p.BuildInventory(ctx)
	require.NoError(t, err)

	rows := append(mapping.SampleExport(), mapping.Record{
		LegacyTxnIDNorm:  "ZZZ999",
		LegacyEntityType: "Bill",
		QBOEntityType:    "Bill",
		QBOEntityID:      "2002",
	})
	require.NoError(t, writeFileAtomic(cfg.MappingPath(), func(w io.Writer) error {
		return mapping.WriteCSV(w, rows)
	}))

	result, err := p.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, VerifyResult{OK: 2, Missing: 1, Unused: 1}, result)

	skips := readRows(t, cfg.SkipsLogPath())
	require.Len(t, skips, 1)
	assert.Equal(t, "ZZZ999", skips[0].Get("legacy_txnid_norm"))
	assert.Equal(t, verify.UnusedMappingReason, skips[0].Get("reason"))
}

func TestVerifyKeepsTrailingCommaRowsAndWarnsOnShortRows(t *testing.T) {
	cfg := testConfig(t)
	var logs bytes.Buffer
	p, err := New(cfg, Deps{Uploader: qbo.NewFakeUploader(0, 1), Logger: zerolog.New(&logs), Out: io.Discard})
	require.NoError(t, err)
	defer p.Close()
	ctx := context.Background()
	_, err = p.BuildInventory(ctx)
	require.NoError(t, err)

	export := "legacy_txnid_norm,legacy_entity_type,qbo_entity_type,qbo_entity_id\n" +
		"ABC123,Bill,Bill,1001,\n" +
		"DEF456,Bill,Bill\n"
	require.NoError(t, os.MkdirAll(cfg.DataDir, 0o755))
	require.NoError(t, os.WriteFile(cfg.MappingPath(), []byte(export), 0o644))

	result, err := p.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.OK)
	assert.Equal(t, 2, result.Missing)
	assert.Contains(t, logs.String(), "skipped short or unparsable rows")
	assert.Contains(t, logs.String(), cfg.MappingPath())
	assert.Contains(t, logs.String(), `"malformed":1`)
}

func TestJSONMappingExport(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mapping.Path = filepath.Join(cfg.DataDir, "mapping_export.json")
	p, _ := newTestPipeline(t, cfg, qbo.NewFakeUploader(0, 1))

	result, err := p.RunAll(context.Background())
	require.NoError(t, err)
	assert.True(t, result.SampleMapping)
	assert.Equal(t, 2, result.Verify.OK)
}

func TestUploadFailsWhenLocked(t *testing.T) {
	cfg := testConfig(t)
	cfg.LockDSN = "file://" + filepath.Join(cfg.LogDir, "attachsync.lock")
	p, _ := newTestPipeline(t, cfg, qbo.NewFakeUploader(0, 1))
	ctx := context.Background()

	_, err := p.BuildInventory(ctx)
	require.NoError(t, err)
	_, err = p.ExportSampleMapping(ctx)
	require.NoError(t, err)
	_, err = p.Verify(ctx)
	require.NoError(t, err)

	holder, err := runlock.BuildFromDSN(cfg.LockDSN)
	require.NoError(t, err)
	release, err := holder.Acquire(ctx)
	require.NoError(t, err)

	_, err = p.Upload(ctx)
	require.ErrorIs(t, err, runlock.ErrLocked)
	_, statErr := os.Stat(cfg.RunLogPath())
	assert.True(t, os.IsNotExist(statErr))

	require.NoError(t, release())
	summary, err := p.Upload(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Uploaded)
}

func TestMemoryLedgerSurvivesAcrossRuns(t *testing.T) {
	cfg := testConfig(t)
	cfg.LedgerDSN = "memory://"
	p, _ := newTestPipeline(t, cfg, qbo.NewFakeUploader(0, 1))
	ctx := context.Background()

	first, err := p.RunAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Upload.Uploaded)

	second, err := p.RunAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Upload.Skipped)
	_, statErr := os.Stat(cfg.RunLogPath())
	assert.True(t, os.IsNotExist(statErr))
}

func TestInjectedLedger(t *testing.T) {
	cfg := testConfig(t)
	l := ledger.NewInMemoryLedger(ledger.Record{QBOEntityID: "1001", FileName: "invoice_ABC123.txt", Outcome: ledger.OutcomeSuccess})
	out := &bytes.Buffer{}
	p, err := New(cfg, Deps{Uploader: qbo.NewFakeUploader(0, 1), Ledger: l, Logger: zerolog.Nop(), Out: out})
	require.NoError(t, err)

	result, err := p.RunAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reconcile.Summary{Total: 2, Uploaded: 1, Skipped: 1}, result.Upload)
	assert.Len(t, l.Records(), 3)
}

func TestReport(t *testing.T) {
	cfg := testConfig(t)
	p, out := newTestPipeline(t, cfg, qbo.NewFakeUploader(0, 1))
	ctx := context.Background()
	_, err := p.RunAll(ctx)
	require.NoError(t, err)

	summary, err := p.Report(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Rows)
	assert.FileExists(t, cfg.ReportPath())
	assert.Contains(t, out.String(), "wrote report with 2 attempts")
}

func TestNewUploader(t *testing.T) {
	cfg := testConfig(t)
	uploader, err := NewUploader(cfg)
	require.NoError(t, err)
	assert.IsType(t, &qbo.FakeUploader{}, uploader)

	cfg.Uploader.Mode = "http"
	uploader, err = NewUploader(cfg)
	require.NoError(t, err)
	assert.IsType(t, &qbo.HTTPUploader{}, uploader)

	cfg.Uploader.Mode = "smoke-signals"
	_, err = NewUploader(cfg)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}
