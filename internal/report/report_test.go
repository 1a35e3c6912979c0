package report

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/agentworkforce/attachsync/internal/ledger"
)

func TestWriteXLSX(t *testing.T) {
	l := ledger.NewInMemoryLedger(
		ledger.Record{TS: "t1", QBOEntityID: "1001", FileName: "f", StatusCode: "200", Outcome: ledger.OutcomeSuccess},
		ledger.Record{TS: "t2", QBOEntityID: "1001", FileName: "f", StatusCode: "500", Error: "boom", Outcome: ledger.OutcomeError},
		ledger.Record{TS: "t3", QBOEntityID: "1002", FileName: "g", StatusCode: "200", Outcome: ledger.OutcomeSuccess},
		ledger.Record{TS: "t4", QBOEntityID: "1001", FileName: "f", Outcome: ledger.OutcomeSkippedAlreadyUploaded},
	)
	path := filepath.Join(t.TempDir(), "reports", "attempts.xlsx")

	summary, err := WriteXLSX(context.Background(), l, path)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Rows)
	assert.Equal(t, 2, summary.UploadedKeys)
	assert.Equal(t, 2, summary.ByOutcome[ledger.OutcomeSuccess])

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{AttemptsSheet, SummarySheet}, f.GetSheetList())

	rows, err := f.GetRows(AttemptsSheet)
	require.NoError(t, err)
	require.Len(t, rows, 5)
	assert.Equal(t, ledger.Columns, rows[0])
	assert.Equal(t, "t2", rows[2][0])
	assert.Equal(t, "boom", rows[2][9])
	assert.Equal(t, "error", rows[2][11])

	summaryRows, err := f.GetRows(SummarySheet)
	require.NoError(t, err)
	assert.Equal(t, []string{"outcome", "count"}, summaryRows[0])
	assert.Equal(t, []string{"success", "2"}, summaryRows[1])
	assert.Equal(t, []string{"file_missing", "0"}, summaryRows[2])
	assert.Equal(t, []string{"error", "1"}, summaryRows[3])
	assert.Equal(t, []string{"skipped_already_uploaded", "1"}, summaryRows[4])
	assert.Equal(t, []string{"uploaded_keys", "2"}, summaryRows[7])
}

func TestWriteXLSXEmptyLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.xlsx")
	summary, err := WriteXLSX(context.Background(), ledger.NewInMemoryLedger(), path)
	require.NoError(t, err)
	assert.Zero(t, summary.Rows)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(AttemptsSheet)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}
