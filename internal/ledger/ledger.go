// Package ledger is the append-only record of upload attempts. It is the only
// state that survives between pipeline runs and the sole source of the
// idempotency set.
package ledger

import (
	"context"
	"errors"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

type Outcome string

const (
	OutcomeSuccess                Outcome = "success"
	OutcomeFileMissing            Outcome = "file_missing"
	OutcomeError                  Outcome = "error"
	OutcomeSkippedAlreadyUploaded Outcome = "skipped_already_uploaded"
)

// Record is one upload attempt. StatusCode is kept as text because skipped
// attempts carry an empty code.
type Record struct {
	TS               string
	LegacyTxnIDNorm  string
	LegacyEntityType string
	RawLegacyID      string
	QBOEntityType    string
	QBOEntityID      string
	FileName         string
	FilePath         string
	StatusCode       string
	Error            string
	IntuitTID        string
	Outcome          Outcome
}

// Columns is the exact column order of the ledger and its derived logs.
var Columns = []string{
	"ts",
	"legacy_txnid_norm",
	"legacy_entity_type",
	"raw_legacy_id",
	"qbo_entity_type",
	"qbo_entity_id",
	"file_name",
	"file_path",
	"status_code",
	"error",
	"intuit_tid",
	"outcome",
}

func (r Record) Fields() []string {
	return []string{
		r.TS,
		r.LegacyTxnIDNorm,
		r.LegacyEntityType,
		r.RawLegacyID,
		r.QBOEntityType,
		r.QBOEntityID,
		r.FileName,
		r.FilePath,
		r.StatusCode,
		r.Error,
		r.IntuitTID,
		string(r.Outcome),
	}
}

func (r Record) Key() Key {
	return Key{QBOEntityID: r.QBOEntityID, FileName: r.FileName}
}

// Key identifies one logical unit of upload work: a file attached to a target
// entity.
type Key struct {
	QBOEntityID string
	FileName    string
}

type KeySet map[Key]struct{}

func (s KeySet) Has(key Key) bool {
	_, ok := s[key]
	return ok
}

func (s KeySet) Add(key Key) {
	s[key] = struct{}{}
}

func (s KeySet) Len() int {
	return len(s)
}

// ScanStats counts what a full ledger scan saw.
type ScanStats struct {
	Rows      int
	Malformed int
}

type Appender interface {
	Append(ctx context.Context, record Record) error
}

type Ledger interface {
	Appender
	// Scan visits every well-formed record in append order. Malformed rows
	// are counted and skipped.
	Scan(ctx context.Context, fn func(Record) error) (ScanStats, error)
	Close() error
}

// LoadSuccesses collects the key of every record whose outcome is success.
// A later failure for the same key does not remove it.
func LoadSuccesses(ctx context.Context, l Ledger) (KeySet, ScanStats, error) {
	keys := KeySet{}
	stats, err := l.Scan(ctx, func(record Record) error {
		if record.Outcome == OutcomeSuccess {
			keys.Add(record.Key())
		}
		return nil
	})
	if err != nil {
		return nil, stats, err
	}
	return keys, stats, nil
}
