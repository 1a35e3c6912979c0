package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/attachsync/internal/config"
	"github.com/agentworkforce/attachsync/internal/logging"
	"github.com/agentworkforce/attachsync/internal/pipeline"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand(&app{}).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "attachsync:", err)
		stop()
		os.Exit(1)
	}
}

type app struct {
	configFile string
	cfg        config.Config
	logger     zerolog.Logger
	closeLog   func() error

	// deps is passed to every pipeline; tests use it to inject collaborators.
	deps pipeline.Deps
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:     "attachsync",
		Short:   "Reconcile legacy attachments and upload them to QuickBooks Online once",
		Version: version,
		Long: `attachsync walks a legacy attachment tree, joins it to a legacy-to-QBO id
mapping export and uploads every mapped file to its QBO entity. An append-only
ledger keyed by (qbo_entity_id, file_name) makes reruns safe.`,
		PersistentPreRunE:  a.setup,
		PersistentPostRunE: a.teardown,
		SilenceUsage:       true,
		SilenceErrors:      true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (default ./attachsync.yaml)")
	flags.String("data-dir", "", "directory for the inventory and mapping export")
	flags.String("files-dir", "", "root of the legacy attachment tree")
	flags.String("log-dir", "", "directory for verification logs and the upload ledger")
	flags.String("ledger", "", "ledger DSN: path, file://, memory:// or postgres://")
	flags.String("lock", "", "run lock DSN: none, file:// or redis://")
	flags.String("source", "", "attachment source: directory or gs://bucket/prefix")
	flags.String("mapping", "", "mapping export path (.csv or .json)")
	flags.String("uploader", "", "uploader: fake or http")
	flags.Float64("fail-rate", 0, "fake uploader failure probability")
	flags.Int64("seed", 0, "fake uploader random seed (0 uses the clock)")
	flags.String("log-level", "", "log level: trace, debug, info, warn, error")
	flags.String("log-format", "", "log format: auto, json, console")
	flags.String("log-output", "", "log output: stderr, stdout, discard or a file path")

	root.AddCommand(
		a.stageCommand("inventory", "Build the attachment inventory from the legacy tree", func(ctx context.Context, p *pipeline.Pipeline) error {
			_, err := p.BuildInventory(ctx)
			return err
		}),
		a.stageCommand("mapping", "Write the synthetic mapping export", func(ctx context.Context, p *pipeline.Pipeline) error {
			_, err := p.ExportSampleMapping(ctx)
			return err
		}),
		a.stageCommand("verify", "Join the inventory to the mapping export", func(ctx context.Context, p *pipeline.Pipeline) error {
			_, err := p.Verify(ctx)
			return err
		}),
		a.stageCommand("upload", "Upload verified attachments not yet in the ledger", func(ctx context.Context, p *pipeline.Pipeline) error {
			_, err := p.Upload(ctx)
			return err
		}),
		a.stageCommand("run", "Run every stage in order", func(ctx context.Context, p *pipeline.Pipeline) error {
			_, err := p.RunAll(ctx)
			return err
		}),
		a.watchCommand(),
		a.reportCommand(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(config.LoadOptions{
		ConfigFile: a.configFile,
		EnvFiles:   config.DefaultEnvFiles(),
		Flags:      cmd.Flags(),
	})
	if err != nil {
		return err
	}
	logger, closeLog, err := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	a.cfg = cfg
	a.logger = logger.With().Str("command", cmd.Name()).Logger()
	a.closeLog = closeLog
	if cfg.ConfigFile != "" {
		a.logger.Debug().Str("path", cfg.ConfigFile).Msg("loaded config file")
	}
	return nil
}

func (a *app) teardown(*cobra.Command, []string) error {
	if a.closeLog == nil {
		return nil
	}
	return a.closeLog()
}

func (a *app) newPipeline(out io.Writer) (*pipeline.Pipeline, error) {
	deps := a.deps
	deps.Logger = a.logger
	if deps.Out == nil {
		deps.Out = out
	}
	return pipeline.New(a.cfg, deps)
}

func (a *app) stageCommand(use, short string, stage func(context.Context, *pipeline.Pipeline) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.newPipeline(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer p.Close()
			started := time.Now()
			if err := stage(cmd.Context(), p); err != nil {
				a.logger.Error().Err(err).Msg("stage failed")
				return err
			}
			a.logger.Debug().Dur("elapsed", time.Since(started)).Msg("stage finished")
			return nil
		},
	}
}

func (a *app) watchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run every stage now, then again on changes or on an interval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.newPipeline(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer p.Close()
			return p.Watch(cmd.Context(), pipeline.WatchOptions{
				Interval: a.cfg.Watch.Interval,
				Jitter:   a.cfg.Watch.Jitter,
				Debounce: a.cfg.Watch.Debounce,
			})
		},
	}
	cmd.Flags().Duration("interval", 0, "time between scheduled runs")
	cmd.Flags().Float64("jitter", 0, "interval jitter ratio (0.0-1.0)")
	cmd.Flags().Duration("debounce", 0, "quiet period after a file change before running")
	return cmd
}

func (a *app) reportCommand() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Write the ledger to an XLSX workbook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.newPipeline(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer p.Close()
			_, err = p.Report(cmd.Context(), out)
			return err
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "workbook path (default <log-dir>/qbo_attach_report.xlsx)")
	return cmd
}
