// Package verify joins the attachment inventory to the mapping export and
// labels each attachment as mapped or not.
package verify

import (
	"io"

	"github.com/agentworkforce/attachsync/internal/inventory"
	"github.com/agentworkforce/attachsync/internal/mapping"
	"github.com/agentworkforce/attachsync/internal/tabular"
)

type Status string

const (
	StatusOK             Status = "ok"
	StatusMissingMapping Status = "missing_mapping"
)

const MissingMappingReason = "no mapping for (legacy_txnid_norm, legacy_entity_type)"

// UnusedMappingReason labels export rows that no attachment joined to.
const UnusedMappingReason = "mapped but no attachment found"

type Record struct {
	inventory.Record
	QBOEntityType string
	QBOEntityID   string
	Status        Status
	Reason        string
}

var Columns = []string{
	"legacy_txnid_norm",
	"legacy_entity_type",
	"raw_legacy_id",
	"file_name",
	"file_path",
	"qbo_entity_type",
	"qbo_entity_id",
	"status",
	"reason",
}

var SkipColumns = []string{
	"legacy_txnid_norm",
	"legacy_entity_type",
	"file_name",
	"reason",
}

// Verify labels every attachment, preserving input order. The mapping's
// qbo_entity_type is copied through without inspection.
func Verify(attachments []inventory.Record, index *mapping.Index) []Record {
	out := make([]Record, 0, len(attachments))
	for _, attachment := range attachments {
		record := Record{Record: attachment}
		if row, ok := index.Lookup(attachment.LegacyTxnIDNorm, attachment.LegacyEntityType); ok {
			record.QBOEntityType = row.QBOEntityType
			record.QBOEntityID = row.QBOEntityID
			record.Status = StatusOK
		} else {
			record.Status = StatusMissingMapping
			record.Reason = MissingMappingReason
		}
		out = append(out, record)
	}
	return out
}

func Counts(records []Record) (ok, missing int) {
	for _, r := range records {
		if r.Status == StatusOK {
			ok++
		} else {
			missing++
		}
	}
	return ok, missing
}

func WriteCSV(w io.Writer, records []Record) error {
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{
			r.LegacyTxnIDNorm,
			r.LegacyEntityType,
			r.RawLegacyID,
			r.FileName,
			r.FilePath,
			r.QBOEntityType,
			r.QBOEntityID,
			string(r.Status),
			r.Reason,
		})
	}
	return tabular.Write(w, Columns, rows)
}

// ReadCSV decodes a verification log and counts the rows it had to skip.
func ReadCSV(r io.Reader) ([]Record, int, error) {
	rows, malformed, err := tabular.ReadAll(r)
	if err != nil {
		return nil, malformed, err
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, Record{
			Record: inventory.Record{
				LegacyTxnIDNorm:  row.Get("legacy_txnid_norm"),
				LegacyEntityType: row.Get("legacy_entity_type"),
				RawLegacyID:      row.Get("raw_legacy_id"),
				FileName:         row.Get("file_name"),
				FilePath:         row.Get("file_path"),
			},
			QBOEntityType: row.Get("qbo_entity_type"),
			QBOEntityID:   row.Get("qbo_entity_id"),
			Status:        Status(row.Get("status")),
			Reason:        row.Get("reason"),
		})
	}
	return out, malformed, nil
}

// ReadCandidates returns only the rows eligible for upload, plus the count of
// skipped malformed rows.
func ReadCandidates(r io.Reader) ([]Record, int, error) {
	records, malformed, err := ReadCSV(r)
	if err != nil {
		return nil, malformed, err
	}
	candidates := make([]Record, 0, len(records))
	for _, record := range records {
		if record.Status == StatusOK {
			candidates = append(candidates, record)
		}
	}
	return candidates, malformed, nil
}

// WriteSkipsCSV lists mapping rows that matched no attachment.
func WriteSkipsCSV(w io.Writer, unused []mapping.Record) error {
	rows := make([][]string, 0, len(unused))
	for _, m := range unused {
		rows = append(rows, []string{m.LegacyTxnIDNorm, m.LegacyEntityType, "", UnusedMappingReason})
	}
	return tabular.Write(w, SkipColumns, rows)
}
