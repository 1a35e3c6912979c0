// Package inventory lists the legacy attachment tree and turns every file
// into an attachment record keyed by its normalized legacy id.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/attachsync/internal/legacyid"
	"github.com/agentworkforce/attachsync/internal/tabular"
)

// MinSegments is the shortest relative path that carries an entity type, a
// raw legacy id and a file name.
const MinSegments = 3

var ErrInvalidInput = errors.New("invalid input")

type Record struct {
	LegacyTxnIDNorm  string
	LegacyEntityType string
	RawLegacyID      string
	FileName         string
	FilePath         string
}

var Columns = []string{
	"legacy_txnid_norm",
	"legacy_entity_type",
	"raw_legacy_id",
	"file_name",
	"file_path",
}

// WalkFunc receives the slash-separated segments of a file relative to the
// source root and the local path the file can be read from.
type WalkFunc func(segments []string, path string) error

type Source interface {
	Walk(ctx context.Context, fn WalkFunc) error
}

// FromSegments interprets <entity_type>/<raw_legacy_id>/.../<file_name>.
func FromSegments(segments []string, path string) (Record, bool) {
	if len(segments) < MinSegments {
		return Record{}, false
	}
	rawID := segments[1]
	return Record{
		LegacyTxnIDNorm:  legacyid.Normalize(rawID),
		LegacyEntityType: segments[0],
		RawLegacyID:      rawID,
		FileName:         segments[len(segments)-1],
		FilePath:         path,
	}, true
}

type Builder struct {
	source Source
	logger zerolog.Logger
}

func NewBuilder(source Source, logger zerolog.Logger) (*Builder, error) {
	if source == nil {
		return nil, fmt.Errorf("%w: inventory source is required", ErrInvalidInput)
	}
	return &Builder{source: source, logger: logger}, nil
}

// Build emits one record per file in source order. Files outside the
// expected layout are skipped.
func (b *Builder) Build(ctx context.Context) ([]Record, error) {
	records := []Record{}
	skipped := 0
	err := b.source.Walk(ctx, func(segments []string, path string) error {
		record, ok := FromSegments(segments, path)
		if !ok {
			skipped++
			b.logger.Debug().Str("path", path).Msg("skipping file outside <type>/<id>/<file> layout")
			return nil
		}
		records = append(records, record)
		return nil
	})
	if err != nil {
		return nil, err
	}
	b.logger.Debug().Int("records", len(records)).Int("skipped", skipped).Msg("inventory walk finished")
	return records, nil
}

type LocalSource struct {
	root string
}

func NewLocalSource(root string) (*LocalSource, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("%w: local source root is required", ErrInvalidInput)
	}
	return &LocalSource{root: filepath.Clean(root)}, nil
}

func (s *LocalSource) Root() string {
	return s.root
}

func (s *LocalSource) Walk(ctx context.Context, fn WalkFunc) error {
	return filepath.WalkDir(s.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !isRegularFile(path, d) {
			return nil
		}
		segments, err := relativeSegments(s.root, path)
		if err != nil {
			return nil
		}
		return fn(segments, path)
	})
}

func isRegularFile(path string, d fs.DirEntry) bool {
	if d.Type().IsRegular() {
		return true
	}
	if d.Type()&fs.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func relativeSegments(root, path string) ([]string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return nil, err
	}
	if rel == "." {
		return nil, fmt.Errorf("root is not a file")
	}
	rel = filepath.ToSlash(rel)
	if strings.HasPrefix(rel, "../") || rel == ".." {
		return nil, fmt.Errorf("path %s escapes root", path)
	}
	return strings.Split(rel, "/"), nil
}

// WriteCSV writes records with the inventory header.
func WriteCSV(w io.Writer, records []Record) error {
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{r.LegacyTxnIDNorm, r.LegacyEntityType, r.RawLegacyID, r.FileName, r.FilePath})
	}
	return tabular.Write(w, Columns, rows)
}

// ReadCSV decodes an inventory and counts the rows it had to skip.
func ReadCSV(r io.Reader) ([]Record, int, error) {
	rows, malformed, err := tabular.ReadAll(r)
	if err != nil {
		return nil, malformed, err
	}
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, Record{
			LegacyTxnIDNorm:  row.Get("legacy_txnid_norm"),
			LegacyEntityType: row.Get("legacy_entity_type"),
			RawLegacyID:      row.Get("raw_legacy_id"),
			FileName:         row.Get("file_name"),
			FilePath:         row.Get("file_path"),
		})
	}
	return records, malformed, nil
}
