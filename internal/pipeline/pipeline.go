// Package pipeline wires the stages together: inventory, mapping export,
// verification and upload. Each stage reads the previous stage's file output,
// so any stage can be rerun on its own.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/attachsync/internal/config"
	"github.com/agentworkforce/attachsync/internal/inventory"
	"github.com/agentworkforce/attachsync/internal/ledger"
	"github.com/agentworkforce/attachsync/internal/mapping"
	"github.com/agentworkforce/attachsync/internal/qbo"
	"github.com/agentworkforce/attachsync/internal/reconcile"
	"github.com/agentworkforce/attachsync/internal/report"
	"github.com/agentworkforce/attachsync/internal/runlock"
	"github.com/agentworkforce/attachsync/internal/verify"
)

var ErrInputMissing = errors.New("required input missing")

// InputMissingError means a stage ran before the stage that produces its
// input. It is fatal for the run.
type InputMissingError struct {
	Stage    string
	Path     string
	Producer string
}

func (e *InputMissingError) Error() string {
	return fmt.Sprintf("%s: %s not found; run %s first", e.Stage, e.Path, e.Producer)
}

func (e *InputMissingError) Is(target error) bool {
	return target == ErrInputMissing
}

const userAgent = "attachsync"

// Deps overrides collaborators that would otherwise be built from the
// configuration.
type Deps struct {
	Uploader qbo.Uploader
	Ledger   ledger.Ledger
	Locker   runlock.Locker
	Source   inventory.Source
	Now      func() time.Time
	Logger   zerolog.Logger
	// Out receives one summary line per stage.
	Out io.Writer
}

type Pipeline struct {
	cfg      config.Config
	uploader qbo.Uploader
	locker   runlock.Locker
	source   inventory.Source
	now      func() time.Time
	logger   zerolog.Logger
	out      io.Writer

	// ledger is set when injected or when the DSN names a process-local
	// store that must outlive a single run.
	ledger ledger.Ledger
}

func New(cfg config.Config, deps Deps) (*Pipeline, error) {
	p := &Pipeline{
		cfg:      cfg,
		uploader: deps.Uploader,
		locker:   deps.Locker,
		source:   deps.Source,
		now:      deps.Now,
		logger:   deps.Logger,
		out:      deps.Out,
		ledger:   deps.Ledger,
	}
	if p.out == nil {
		p.out = io.Discard
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.uploader == nil {
		uploader, err := NewUploader(cfg)
		if err != nil {
			return nil, err
		}
		p.uploader = uploader
	}
	if p.locker == nil {
		locker, err := runlock.BuildFromDSN(cfg.LockDSN)
		if err != nil {
			return nil, fmt.Errorf("build run lock: %w", err)
		}
		if redisLocker, ok := locker.(*runlock.RedisLocker); ok {
			redisLocker.SetLogger(p.logger)
		}
		p.locker = locker
	}
	return p, nil
}

// NewUploader builds the uploader selected by uploader.mode.
func NewUploader(cfg config.Config) (qbo.Uploader, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Uploader.Mode)) {
	case "", "fake":
		return qbo.NewFakeUploader(cfg.Uploader.FailRate, cfg.Uploader.Seed), nil
	case "http":
		return qbo.NewHTTPUploader(qbo.HTTPUploaderOptions{
			BaseURL:    cfg.QBO.BaseURL,
			Sessions:   qbo.StaticSessionProvider{RealmID: cfg.QBO.RealmID, AccessToken: cfg.QBO.AccessToken},
			HTTPClient: &http.Client{Timeout: cfg.QBO.Timeout},
			UserAgent:  userAgent,
		}), nil
	default:
		return nil, fmt.Errorf("%w: unknown uploader mode %q", config.ErrInvalidConfig, cfg.Uploader.Mode)
	}
}

// Close releases collaborators the pipeline built itself.
func (p *Pipeline) Close() error {
	var errs []error
	if closer, ok := p.locker.(io.Closer); ok {
		errs = append(errs, closer.Close())
	}
	return errors.Join(errs...)
}

type InventoryResult struct {
	Records     int
	SampleTree  bool
	Destination string
}

// BuildInventory lists the attachment source and rewrites the inventory CSV.
func (p *Pipeline) BuildInventory(ctx context.Context) (InventoryResult, error) {
	result := InventoryResult{Destination: p.cfg.InventoryPath()}
	source, closeSource, created, err := p.openSource(ctx)
	if err != nil {
		return result, err
	}
	defer closeSource()
	result.SampleTree = created
	if created {
		p.logger.Info().Str("root", p.cfg.InventorySource()).Msg("created sample attachment tree")
	}

	builder, err := inventory.NewBuilder(source, p.logger)
	if err != nil {
		return result, err
	}
	records, err := builder.Build(ctx)
	if err != nil {
		return result, fmt.Errorf("build inventory: %w", err)
	}
	if err := writeFileAtomic(result.Destination, func(w io.Writer) error {
		return inventory.WriteCSV(w, records)
	}); err != nil {
		return result, fmt.Errorf("write inventory: %w", err)
	}
	result.Records = len(records)
	fmt.Fprintf(p.out, "wrote %d attachment rows to %s\n", result.Records, result.Destination)
	return result, nil
}

func (p *Pipeline) openSource(ctx context.Context) (inventory.Source, func(), bool, error) {
	noop := func() {}
	if p.source != nil {
		return p.source, noop, false, nil
	}
	src := p.cfg.InventorySource()
	if strings.HasPrefix(strings.ToLower(src), "gs://") {
		gcs, err := inventory.NewGCSSource(ctx, src, p.cfg.StageDir())
		if err != nil {
			return nil, noop, false, err
		}
		return gcs, func() { _ = gcs.Close() }, false, nil
	}
	created := false
	if p.cfg.Inventory.SampleTree {
		var err error
		created, err = inventory.EnsureSampleTree(src)
		if err != nil {
			return nil, noop, false, fmt.Errorf("create sample tree: %w", err)
		}
	}
	local, err := inventory.NewLocalSource(src)
	if err != nil {
		return nil, noop, false, err
	}
	return local, noop, created, nil
}

// ExportSampleMapping writes the synthetic mapping export that matches the
// sample attachment tree.
func (p *Pipeline) ExportSampleMapping(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	path := p.cfg.MappingPath()
	rows := mapping.SampleExport()
	err := writeFileAtomic(path, func(w io.Writer) error {
		if strings.EqualFold(filepath.Ext(path), ".json") {
			return mapping.WriteJSON(w, rows)
		}
		return mapping.WriteCSV(w, rows)
	})
	if err != nil {
		return 0, fmt.Errorf("write mapping export: %w", err)
	}
	fmt.Fprintf(p.out, "wrote synthetic mapping export to %s\n", path)
	return len(rows), nil
}

type VerifyResult struct {
	OK      int
	Missing int
	Unused  int
}

// Verify joins the inventory to the mapping export and rewrites the
// verification log and the skips log.
func (p *Pipeline) Verify(ctx context.Context) (VerifyResult, error) {
	var result VerifyResult
	if err := ctx.Err(); err != nil {
		return result, err
	}
	inventoryFile, err := requireInput("verify", p.cfg.InventoryPath(), "inventory")
	if err != nil {
		return result, err
	}
	defer inventoryFile.Close()
	attachments, malformed, err := inventory.ReadCSV(inventoryFile)
	if err != nil {
		return result, fmt.Errorf("read inventory: %w", err)
	}
	p.warnMalformed(p.cfg.InventoryPath(), malformed)

	mappingPath := p.cfg.MappingPath()
	if !fileExists(mappingPath) {
		return result, &InputMissingError{Stage: "verify", Path: mappingPath, Producer: "mapping"}
	}
	rows, malformed, err := mapping.Load(mappingPath)
	if err != nil {
		return result, fmt.Errorf("read mapping export: %w", err)
	}
	p.warnMalformed(mappingPath, malformed)
	index, err := mapping.NewIndex(rows)
	if err != nil {
		return result, err
	}

	verified := verify.Verify(attachments, index)
	result.OK, result.Missing = verify.Counts(verified)
	unused := index.Unused()
	result.Unused = len(unused)

	if err := writeFileAtomic(p.cfg.VerificationLogPath(), func(w io.Writer) error {
		return verify.WriteCSV(w, verified)
	}); err != nil {
		return result, fmt.Errorf("write verification log: %w", err)
	}
	if err := writeFileAtomic(p.cfg.SkipsLogPath(), func(w io.Writer) error {
		return verify.WriteSkipsCSV(w, unused)
	}); err != nil {
		return result, fmt.Errorf("write skips log: %w", err)
	}
	if result.Unused > 0 {
		p.logger.Warn().Int("unused", result.Unused).Str("path", p.cfg.SkipsLogPath()).Msg("mapping rows matched no attachment")
	}
	fmt.Fprintf(p.out, "verification complete: %d with mapping, %d missing (see %s)\n",
		result.OK, result.Missing, p.cfg.VerificationLogPath())
	return result, nil
}

// Upload reconciles the ok rows of the verification log against the ledger.
// The run lock is held for the whole stage.
func (p *Pipeline) Upload(ctx context.Context) (summary reconcile.Summary, err error) {
	logFile, err := requireInput("upload", p.cfg.VerificationLogPath(), "verify")
	if err != nil {
		return summary, err
	}
	candidates, malformed, err := verify.ReadCandidates(logFile)
	_ = logFile.Close()
	if err != nil {
		return summary, fmt.Errorf("read verification log: %w", err)
	}
	p.warnMalformed(p.cfg.VerificationLogPath(), malformed)

	release, err := p.locker.Acquire(ctx)
	if err != nil {
		return summary, err
	}
	defer func() {
		if releaseErr := release(); releaseErr != nil && err == nil {
			err = fmt.Errorf("release run lock: %w", releaseErr)
		}
	}()

	l, closeLedger, err := p.openLedger()
	if err != nil {
		return summary, err
	}
	defer func() {
		if closeErr := closeLedger(); closeErr != nil && err == nil {
			err = fmt.Errorf("close ledger: %w", closeErr)
		}
	}()
	errorsLog, err := ledger.NewCSVLedger(p.cfg.ErrorsLogPath())
	if err != nil {
		return summary, err
	}
	defer errorsLog.Close()
	dupsLog, err := ledger.NewCSVLedger(p.cfg.DupsLogPath())
	if err != nil {
		return summary, err
	}
	defer dupsLog.Close()

	reconciler, err := reconcile.New(reconcile.Options{
		Ledger:   l,
		Uploader: p.uploader,
		Errors:   errorsLog,
		Dups:     dupsLog,
		Now:      p.now,
		Logger:   p.logger,
	})
	if err != nil {
		return summary, err
	}
	summary, err = reconciler.Run(ctx, candidates)
	if err != nil {
		return summary, err
	}
	fmt.Fprintln(p.out, summary.String())
	return summary, nil
}

// openLedger returns the ledger for one run and the function that ends its
// use. Process-local ledgers are kept for later runs.
func (p *Pipeline) openLedger() (ledger.Ledger, func() error, error) {
	keep := func() error { return nil }
	if p.ledger != nil {
		return p.ledger, keep, nil
	}
	l, err := ledger.BuildFromDSN(p.cfg.Ledger())
	if err != nil {
		return nil, keep, fmt.Errorf("open ledger: %w", err)
	}
	if _, ok := l.(*ledger.InMemoryLedger); ok {
		p.ledger = l
		return l, keep, nil
	}
	return l, l.Close, nil
}

// warnMalformed reports rows a stage input reader skipped. Those rows take no
// further part in the run.
func (p *Pipeline) warnMalformed(path string, malformed int) {
	if malformed == 0 {
		return
	}
	p.logger.Warn().Str("path", path).Int("malformed", malformed).Msg("skipped short or unparsable rows")
}

type RunResult struct {
	Inventory     InventoryResult
	SampleMapping bool
	Verify        VerifyResult
	Upload        reconcile.Summary
}

// RunAll runs every stage in order, exporting the sample mapping first when
// no export exists and samples are enabled.
func (p *Pipeline) RunAll(ctx context.Context) (RunResult, error) {
	var result RunResult
	var err error
	if result.Inventory, err = p.BuildInventory(ctx); err != nil {
		return result, err
	}
	if p.cfg.Mapping.Sample && !fileExists(p.cfg.MappingPath()) {
		if _, err = p.ExportSampleMapping(ctx); err != nil {
			return result, err
		}
		result.SampleMapping = true
	}
	if result.Verify, err = p.Verify(ctx); err != nil {
		return result, err
	}
	if result.Upload, err = p.Upload(ctx); err != nil {
		return result, err
	}
	return result, nil
}

// Report renders the ledger to an XLSX workbook at path, or the configured
// default when path is empty.
func (p *Pipeline) Report(ctx context.Context, path string) (report.Summary, error) {
	if strings.TrimSpace(path) == "" {
		path = p.cfg.ReportPath()
	}
	l, closeLedger, err := p.openLedger()
	if err != nil {
		return report.Summary{}, err
	}
	defer closeLedger()
	summary, err := report.WriteXLSX(ctx, l, path)
	if err != nil {
		return summary, err
	}
	fmt.Fprintf(p.out, "wrote report with %d attempts to %s\n", summary.Rows, path)
	return summary, nil
}
