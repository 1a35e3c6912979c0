package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresLedgerTableName  = "attachsync_upload_ledger"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresLedger stores attempts in a single append-only table. Rows are
// never updated; the serial id preserves append order.
type PostgresLedger struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresLedger(dsn string) (*PostgresLedger, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresLedger{
		dsn:       dsn,
		tableName: postgresLedgerTableName,
		openDB:    sql.Open,
	}, nil
}

func (l *PostgresLedger) Append(ctx context.Context, record Record) error {
	if err := l.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		postgresQuoteIdentifier(l.tableName), strings.Join(Columns, ", "))
	fields := record.Fields()
	args := make([]any, len(fields))
	for i, field := range fields {
		args[i] = field
	}
	_, err := l.db.ExecContext(ctx, query, args...)
	return err
}

func (l *PostgresLedger) Scan(ctx context.Context, fn func(Record) error) (ScanStats, error) {
	var stats ScanStats
	if err := l.ensureReady(ctx); err != nil {
		return stats, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY id ASC",
		strings.Join(Columns, ", "), postgresQuoteIdentifier(l.tableName))
	rows, err := l.db.QueryContext(ctx, query)
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			record  Record
			outcome string
		)
		if err := rows.Scan(
			&record.TS,
			&record.LegacyTxnIDNorm,
			&record.LegacyEntityType,
			&record.RawLegacyID,
			&record.QBOEntityType,
			&record.QBOEntityID,
			&record.FileName,
			&record.FilePath,
			&record.StatusCode,
			&record.Error,
			&record.IntuitTID,
			&outcome,
		); err != nil {
			stats.Malformed++
			continue
		}
		record.Outcome = Outcome(outcome)
		stats.Rows++
		if err := fn(record); err != nil {
			return stats, err
		}
	}
	return stats, rows.Err()
}

func (l *PostgresLedger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *PostgresLedger) ensureReady(ctx context.Context) error {
	if l == nil {
		return ErrInvalidInput
	}
	l.initOnce.Do(func() {
		db, err := l.openDB("postgres", l.dsn)
		if err != nil {
			l.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				ts TEXT NOT NULL,
				legacy_txnid_norm TEXT NOT NULL,
				legacy_entity_type TEXT NOT NULL,
				raw_legacy_id TEXT NOT NULL,
				qbo_entity_type TEXT NOT NULL,
				qbo_entity_id TEXT NOT NULL,
				file_name TEXT NOT NULL,
				file_path TEXT NOT NULL,
				status_code TEXT NOT NULL,
				error TEXT NOT NULL,
				intuit_tid TEXT NOT NULL,
				outcome TEXT NOT NULL
			)`, postgresQuoteIdentifier(l.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			l.initErr = err
			return
		}
		indexQuery := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (qbo_entity_id, file_name) WHERE outcome = 'success'",
			postgresQuoteIdentifier(l.tableName+"_success_key_idx"),
			postgresQuoteIdentifier(l.tableName),
		)
		if _, err := db.ExecContext(ctx, indexQuery); err != nil {
			_ = db.Close()
			l.initErr = err
			return
		}
		l.db = db
	})
	return l.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
