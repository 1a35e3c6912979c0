// Package mapping holds the legacy-id to QBO-entity export and the index the
// verifier joins attachments against.
package mapping

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentworkforce/attachsync/internal/legacyid"
	"github.com/agentworkforce/attachsync/internal/tabular"
)

var (
	ErrConflict     = errors.New("mapping conflict")
	ErrInvalidInput = errors.New("invalid input")
)

type Record struct {
	LegacyTxnIDNorm  string `json:"legacy_txnid_norm"`
	LegacyEntityType string `json:"legacy_entity_type"`
	QBOEntityType    string `json:"qbo_entity_type"`
	QBOEntityID      string `json:"qbo_entity_id"`
}

var Columns = []string{
	"legacy_txnid_norm",
	"legacy_entity_type",
	"qbo_entity_type",
	"qbo_entity_id",
}

// Key is the join key shared with attachment records.
type Key struct {
	LegacyTxnIDNorm  string
	LegacyEntityType string
}

func (r Record) Key() Key {
	return Key{LegacyTxnIDNorm: r.LegacyTxnIDNorm, LegacyEntityType: r.LegacyEntityType}
}

// ConflictError reports two export rows that share a key but disagree on the
// target entity.
type ConflictError struct {
	Key      Key
	Existing Record
	Incoming Record
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("mapping conflict for (%s, %s): qbo %s/%s vs %s/%s",
		e.Key.LegacyTxnIDNorm, e.Key.LegacyEntityType,
		e.Existing.QBOEntityType, e.Existing.QBOEntityID,
		e.Incoming.QBOEntityType, e.Incoming.QBOEntityID)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

type Index struct {
	rows  map[Key]Record
	order []Key
	used  map[Key]bool
}

// NewIndex keys rows by (legacy_txnid_norm, legacy_entity_type). Identical
// duplicates collapse; duplicates with different targets are a conflict.
func NewIndex(rows []Record) (*Index, error) {
	ix := &Index{
		rows:  make(map[Key]Record, len(rows)),
		order: make([]Key, 0, len(rows)),
		used:  make(map[Key]bool, len(rows)),
	}
	for _, row := range rows {
		key := row.Key()
		if existing, ok := ix.rows[key]; ok {
			if existing != row {
				return nil, &ConflictError{Key: key, Existing: existing, Incoming: row}
			}
			continue
		}
		ix.rows[key] = row
		ix.order = append(ix.order, key)
	}
	return ix, nil
}

// Lookup finds the row for a join key and marks it as used.
func (ix *Index) Lookup(legacyTxnIDNorm, legacyEntityType string) (Record, bool) {
	key := Key{LegacyTxnIDNorm: legacyTxnIDNorm, LegacyEntityType: legacyEntityType}
	row, ok := ix.rows[key]
	if ok {
		ix.used[key] = true
	}
	return row, ok
}

func (ix *Index) Len() int {
	return len(ix.rows)
}

// Unused returns rows no lookup has matched, in export order.
func (ix *Index) Unused() []Record {
	out := []Record{}
	for _, key := range ix.order {
		if !ix.used[key] {
			out = append(out, ix.rows[key])
		}
	}
	return out
}

// SampleExport mirrors the synthetic inventory tree. 80MISSING is left out on
// purpose.
func SampleExport() []Record {
	sample := []struct {
		entityType string
		rawID      string
		qboID      string
	}{
		{entityType: "Bill", rawID: "80ABC123", qboID: "1001"},
		{entityType: "Bill", rawID: "80DEF456", qboID: "1002"},
	}
	rows := make([]Record, 0, len(sample))
	for _, s := range sample {
		rows = append(rows, Record{
			LegacyTxnIDNorm:  legacyid.Normalize(s.rawID),
			LegacyEntityType: s.entityType,
			QBOEntityType:    "Bill",
			QBOEntityID:      s.qboID,
		})
	}
	return rows
}

func WriteCSV(w io.Writer, rows []Record) error {
	out := make([][]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, []string{r.LegacyTxnIDNorm, r.LegacyEntityType, r.QBOEntityType, r.QBOEntityID})
	}
	return tabular.Write(w, Columns, out)
}

// ReadCSV decodes an export. The second result counts rows that were skipped
// because they are short or unparsable.
func ReadCSV(r io.Reader) ([]Record, int, error) {
	rows, malformed, err := tabular.ReadAll(r)
	if err != nil {
		return nil, malformed, err
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, Record{
			LegacyTxnIDNorm:  row.Get("legacy_txnid_norm"),
			LegacyEntityType: row.Get("legacy_entity_type"),
			QBOEntityType:    row.Get("qbo_entity_type"),
			QBOEntityID:      row.Get("qbo_entity_id"),
		})
	}
	return out, malformed, nil
}

// Load reads an export file, choosing the JSON reader for .json files and
// CSV otherwise. JSON documents are validated whole, so only CSV reports
// skipped rows.
func Load(path string) ([]Record, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	if strings.EqualFold(filepath.Ext(path), ".json") {
		rows, err := ReadJSON(f)
		return rows, 0, err
	}
	return ReadCSV(f)
}
