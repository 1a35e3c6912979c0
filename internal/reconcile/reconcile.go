// Package reconcile uploads verified attachments at most once per
// (qbo_entity_id, file_name), recording every attempt in the ledger.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/attachsync/internal/ledger"
	"github.com/agentworkforce/attachsync/internal/qbo"
	"github.com/agentworkforce/attachsync/internal/verify"
)

var ErrInvalidInput = errors.New("invalid input")

const TimestampFormat = time.RFC3339Nano

type Options struct {
	// Ledger is scanned for prior successes and receives every attempt.
	Ledger   ledger.Ledger
	Uploader qbo.Uploader
	// Errors receives attempts whose outcome is not success.
	Errors ledger.Appender
	// Dups receives attempts skipped because the key already succeeded.
	Dups   ledger.Appender
	Now    func() time.Time
	Logger zerolog.Logger
}

type Summary struct {
	Total       int
	Uploaded    int
	Skipped     int
	Failed      int
	FileMissing int
}

func (s Summary) String() string {
	return fmt.Sprintf("uploader finished: total candidates=%d, uploaded=%d, skipped=%d, failed=%d",
		s.Total, s.Uploaded, s.Skipped, s.Failed)
}

type Reconciler struct {
	ledger   ledger.Ledger
	uploader qbo.Uploader
	errors   ledger.Appender
	dups     ledger.Appender
	now      func() time.Time
	logger   zerolog.Logger

	known  ledger.KeySet
	loaded bool
}

func New(opts Options) (*Reconciler, error) {
	if opts.Ledger == nil {
		return nil, fmt.Errorf("%w: ledger is required", ErrInvalidInput)
	}
	if opts.Uploader == nil {
		return nil, fmt.Errorf("%w: uploader is required", ErrInvalidInput)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		ledger:   opts.Ledger,
		uploader: opts.Uploader,
		errors:   opts.Errors,
		dups:     opts.Dups,
		now:      now,
		logger:   opts.Logger,
	}, nil
}

// LoadKnown builds the idempotency set from the full ledger. Run calls it on
// first use; calling it again rescans.
func (r *Reconciler) LoadKnown(ctx context.Context) (ledger.ScanStats, error) {
	keys, stats, err := ledger.LoadSuccesses(ctx, r.ledger)
	if err != nil {
		return stats, fmt.Errorf("scan ledger: %w", err)
	}
	if stats.Malformed > 0 {
		r.logger.Warn().Int("malformed", stats.Malformed).Msg("ignored malformed ledger rows")
	}
	r.known = keys
	r.loaded = true
	r.logger.Debug().Int("rows", stats.Rows).Int("known", keys.Len()).Msg("loaded idempotency set")
	return stats, nil
}

// Run processes candidates in order. Only records with status ok are
// considered. Per-record upload failures are data; an error is returned only
// when a log cannot be written or ctx ends.
func (r *Reconciler) Run(ctx context.Context, candidates []verify.Record) (Summary, error) {
	var summary Summary
	if !r.loaded {
		if _, err := r.LoadKnown(ctx); err != nil {
			return summary, err
		}
	}
	for _, candidate := range candidates {
		if candidate.Status != verify.StatusOK {
			continue
		}
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Total++

		record := r.baseRecord(candidate)
		key := record.Key()
		if r.known.Has(key) {
			record.Outcome = ledger.OutcomeSkippedAlreadyUploaded
			if err := r.append(ctx, record, r.dups); err != nil {
				return summary, err
			}
			summary.Skipped++
			r.logger.Debug().
				Str("qbo_entity_id", key.QBOEntityID).
				Str("file_name", key.FileName).
				Msg("already uploaded")
			continue
		}

		resp := r.uploader.Upload(ctx, candidate.QBOEntityType, candidate.QBOEntityID, candidate.FilePath)
		record.StatusCode = strconv.Itoa(resp.StatusCode)
		record.Error = resp.Error
		record.IntuitTID = resp.IntuitTID
		record.Outcome = OutcomeForStatus(resp.StatusCode)

		var sink ledger.Appender
		if record.Outcome != ledger.OutcomeSuccess {
			sink = r.errors
		}
		if err := r.append(ctx, record, sink); err != nil {
			return summary, err
		}

		event := r.logger.Info()
		switch record.Outcome {
		case ledger.OutcomeSuccess:
			r.known.Add(key)
			summary.Uploaded++
			if resp.Error != "" {
				event = r.logger.Warn()
			}
		case ledger.OutcomeFileMissing:
			summary.Failed++
			summary.FileMissing++
			event = r.logger.Warn()
		default:
			summary.Failed++
			event = r.logger.Warn()
		}
		if resp.Error != "" {
			event = event.Str("error", resp.Error)
		}
		event.
			Str("qbo_entity_type", candidate.QBOEntityType).
			Str("qbo_entity_id", key.QBOEntityID).
			Str("file_name", key.FileName).
			Int("status_code", resp.StatusCode).
			Str("intuit_tid", resp.IntuitTID).
			Dur("duration", resp.Duration).
			Str("outcome", string(record.Outcome)).
			Msg("upload attempt")
	}
	return summary, nil
}

// OutcomeForStatus maps an upload status code to a ledger outcome.
func OutcomeForStatus(status int) ledger.Outcome {
	switch status {
	case http.StatusOK:
		return ledger.OutcomeSuccess
	case http.StatusNotFound:
		return ledger.OutcomeFileMissing
	default:
		return ledger.OutcomeError
	}
}

func (r *Reconciler) baseRecord(candidate verify.Record) ledger.Record {
	return ledger.Record{
		TS:               r.now().UTC().Format(TimestampFormat),
		LegacyTxnIDNorm:  candidate.LegacyTxnIDNorm,
		LegacyEntityType: candidate.LegacyEntityType,
		RawLegacyID:      candidate.RawLegacyID,
		QBOEntityType:    candidate.QBOEntityType,
		QBOEntityID:      candidate.QBOEntityID,
		FileName:         candidate.FileName,
		FilePath:         candidate.FilePath,
	}
}

// append writes to the ledger first so a derived log never holds a row the
// ledger lacks.
func (r *Reconciler) append(ctx context.Context, record ledger.Record, derived ledger.Appender) error {
	if err := r.ledger.Append(ctx, record); err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}
	if derived == nil {
		return nil
	}
	if err := derived.Append(ctx, record); err != nil {
		return fmt.Errorf("append derived log: %w", err)
	}
	return nil
}
