package ledger

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentworkforce/attachsync/internal/tabular"
)

// CSVLedger appends records to a CSV file. The file is opened once in append
// mode on the first write and stays open until Close. The header is written
// only when the file is created.
type CSVLedger struct {
	path   string
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
}

func NewCSVLedger(path string) (*CSVLedger, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &CSVLedger{path: path}, nil
}

func (l *CSVLedger) Path() string {
	return l.path
}

func (l *CSVLedger) Append(ctx context.Context, record Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.openLocked(); err != nil {
		return err
	}
	if err := l.writer.Write(record.Fields()); err != nil {
		return err
	}
	l.writer.Flush()
	return l.writer.Error()
}

func (l *CSVLedger) Scan(ctx context.Context, fn func(Record) error) (ScanStats, error) {
	var stats ScanStats
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return stats, nil
		}
		return stats, err
	}
	defer f.Close()

	reader := tabular.NewReader(f)
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		row, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		if err != nil {
			if tabular.IsParseError(err) {
				stats.Malformed++
				continue
			}
			return stats, err
		}
		if !row.Complete() {
			stats.Malformed++
			continue
		}
		stats.Rows++
		if err := fn(recordFromRow(row)); err != nil {
			return stats, err
		}
	}
}

func (l *CSVLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	l.writer.Flush()
	flushErr := l.writer.Error()
	closeErr := l.file.Close()
	l.file = nil
	l.writer = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

func (l *CSVLedger) openLocked() error {
	if l.file != nil {
		return nil
	}
	if dir := filepath.Dir(l.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return err
	}
	writer := csv.NewWriter(file)
	if info.Size() == 0 {
		if err := writer.Write(Columns); err != nil {
			_ = file.Close()
			return err
		}
		writer.Flush()
		if err := writer.Error(); err != nil {
			_ = file.Close()
			return err
		}
	} else if err := terminateLastLine(file, info.Size()); err != nil {
		_ = file.Close()
		return err
	}
	l.file = file
	l.writer = writer
	return nil
}

// terminateLastLine keeps a record truncated by a crash on its own line so
// the next append is not glued onto it. A record cut inside a quoted field
// gets its quote closed first; otherwise every later line would be read as
// part of that field.
func terminateLastLine(file *os.File, size int64) error {
	open, last, err := scanQuoteState(io.NewSectionReader(file, 0, size))
	if err != nil {
		return err
	}
	switch {
	case open:
		_, err = file.Write([]byte("\"\n"))
	case last != '\n':
		_, err = file.Write([]byte("\n"))
	}
	return err
}

// scanQuoteState reports whether r ends inside a quoted field, and its last
// byte. Writers double embedded quotes, so quote parity is enough.
func scanQuoteState(r io.Reader) (open bool, last byte, err error) {
	buf := bufio.NewReader(r)
	for {
		b, readErr := buf.ReadByte()
		if errors.Is(readErr, io.EOF) {
			return open, last, nil
		}
		if readErr != nil {
			return false, 0, readErr
		}
		if b == '"' {
			open = !open
		}
		last = b
	}
}

func recordFromRow(row tabular.Row) Record {
	return Record{
		TS:               row.Get("ts"),
		LegacyTxnIDNorm:  row.Get("legacy_txnid_norm"),
		LegacyEntityType: row.Get("legacy_entity_type"),
		RawLegacyID:      row.Get("raw_legacy_id"),
		QBOEntityType:    row.Get("qbo_entity_type"),
		QBOEntityID:      row.Get("qbo_entity_id"),
		FileName:         row.Get("file_name"),
		FilePath:         row.Get("file_path"),
		StatusCode:       row.Get("status_code"),
		Error:            row.Get("error"),
		IntuitTID:        row.Get("intuit_tid"),
		Outcome:          Outcome(row.Get("outcome")),
	}
}
