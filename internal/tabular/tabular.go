// Package tabular reads and writes the header-keyed CSV files exchanged
// between pipeline stages.
package tabular

import (
	"encoding/csv"
	"errors"
	"io"
	"strings"
)

// Header maps a column name to its position in a row.
type Header map[string]int

// Row is one data line addressed by column name.
type Row struct {
	header Header
	fields []string
}

// Get returns the named column, or "" when the column is absent.
func (r Row) Get(name string) string {
	idx, ok := r.header[name]
	if !ok || idx >= len(r.fields) {
		return ""
	}
	return r.fields[idx]
}

// Complete reports whether the row has exactly one field per header column.
// A row cut short by an interrupted write is not complete.
func (r Row) Complete() bool {
	return len(r.fields) == len(r.header)
}

// Covers reports whether the row has a field for every header column. Extra
// trailing fields are allowed and ignored.
func (r Row) Covers() bool {
	return len(r.fields) >= len(r.header)
}

// Len is the number of fields present on the line.
func (r Row) Len() int {
	return len(r.fields)
}

type Reader struct {
	csv    *csv.Reader
	header Header
	read   bool
}

func NewReader(r io.Reader) *Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	return &Reader{csv: cr}
}

// Header returns the column index, reading the header line on first use.
// An empty input yields an empty header and io.EOF.
func (r *Reader) Header() (Header, error) {
	if r.read {
		return r.header, nil
	}
	r.read = true
	r.header = Header{}
	names, err := r.csv.Read()
	if err != nil {
		return r.header, err
	}
	for i, name := range names {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		if _, dup := r.header[name]; !dup {
			r.header[name] = i
		}
	}
	return r.header, nil
}

// Next returns the next data row. Parse failures are returned as
// *csv.ParseError and reading may continue with the following line.
func (r *Reader) Next() (Row, error) {
	header, err := r.Header()
	if err != nil {
		return Row{}, err
	}
	fields, err := r.csv.Read()
	if err != nil {
		return Row{}, err
	}
	return Row{header: header, fields: fields}, nil
}

// IsParseError reports whether err describes a single malformed line.
func IsParseError(err error) bool {
	var parseErr *csv.ParseError
	return errors.As(err, &parseErr)
}

// ReadAll collects every row that covers the header. Extra trailing fields are
// ignored. Short rows and unparsable lines are skipped and counted.
func ReadAll(r io.Reader) ([]Row, int, error) {
	reader := NewReader(r)
	rows := []Row{}
	malformed := 0
	for {
		row, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return rows, malformed, nil
		}
		if err != nil {
			if IsParseError(err) {
				malformed++
				continue
			}
			return nil, malformed, err
		}
		if !row.Covers() {
			malformed++
			continue
		}
		rows = append(rows, row)
	}
}

// Write emits a header line followed by rows.
func Write(w io.Writer, columns []string, rows [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(columns); err != nil {
		return err
	}
	for _, row := range rows {
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
