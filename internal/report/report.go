// Package report renders the upload ledger as a spreadsheet for reviewers.
package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"

	"github.com/agentworkforce/attachsync/internal/ledger"
)

const (
	AttemptsSheet = "Attempts"
	SummarySheet  = "Summary"
)

var outcomeOrder = []ledger.Outcome{
	ledger.OutcomeSuccess,
	ledger.OutcomeFileMissing,
	ledger.OutcomeError,
	ledger.OutcomeSkippedAlreadyUploaded,
}

type Summary struct {
	Rows         int
	Malformed    int
	ByOutcome    map[ledger.Outcome]int
	UploadedKeys int
}

// WriteXLSX writes every ledger row to the Attempts sheet and per-outcome
// counts to the Summary sheet. The file is replaced atomically.
func WriteXLSX(ctx context.Context, l ledger.Ledger, path string) (Summary, error) {
	summary := Summary{ByOutcome: map[ledger.Outcome]int{}}
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", AttemptsSheet); err != nil {
		return summary, err
	}
	if _, err := f.NewSheet(SummarySheet); err != nil {
		return summary, err
	}
	header, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return summary, err
	}

	if err := setRow(f, AttemptsSheet, 1, toCells(ledger.Columns)); err != nil {
		return summary, err
	}
	uploaded := ledger.KeySet{}
	rowNo := 2
	stats, err := l.Scan(ctx, func(record ledger.Record) error {
		summary.ByOutcome[record.Outcome]++
		if record.Outcome == ledger.OutcomeSuccess {
			uploaded.Add(record.Key())
		}
		if err := setRow(f, AttemptsSheet, rowNo, toCells(record.Fields())); err != nil {
			return err
		}
		rowNo++
		return nil
	})
	if err != nil {
		return summary, fmt.Errorf("scan ledger: %w", err)
	}
	summary.Rows = stats.Rows
	summary.Malformed = stats.Malformed
	summary.UploadedKeys = uploaded.Len()
	if err := f.SetRowStyle(AttemptsSheet, 1, 1, header); err != nil {
		return summary, err
	}
	if err := f.SetPanes(AttemptsSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return summary, err
	}

	summaryRows := [][]any{{"outcome", "count"}}
	for _, outcome := range outcomeOrder {
		summaryRows = append(summaryRows, []any{string(outcome), summary.ByOutcome[outcome]})
	}
	summaryRows = append(summaryRows,
		[]any{"total_rows", summary.Rows},
		[]any{"malformed_rows", summary.Malformed},
		[]any{"uploaded_keys", summary.UploadedKeys},
	)
	for i, cells := range summaryRows {
		if err := setRow(f, SummarySheet, i+1, cells); err != nil {
			return summary, err
		}
	}
	if err := f.SetRowStyle(SummarySheet, 1, 1, header); err != nil {
		return summary, err
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return summary, err
		}
	}
	tmp := path + ".tmp.xlsx"
	if err := f.SaveAs(tmp); err != nil {
		_ = os.Remove(tmp)
		return summary, err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return summary, err
	}
	return summary, nil
}

func setRow(f *excelize.File, sheet string, row int, cells []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	return f.SetSheetRow(sheet, cell, &cells)
}

func toCells(values []string) []any {
	cells := make([]any, len(values))
	for i, v := range values {
		cells[i] = v
	}
	return cells
}
