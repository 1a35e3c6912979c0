package pipeline

import (
	"context"
	"errors"
	"io/fs"
	"math/rand"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

type WatchOptions struct {
	Interval time.Duration
	Jitter   float64
	// Debounce delays a run after a file change until changes stop arriving.
	Debounce time.Duration
}

// Watch runs every stage once, then again whenever the attachment tree
// changes or the jittered interval elapses. A failed run is logged and the
// next trigger tries again. Watch returns nil when ctx ends.
func (p *Pipeline) Watch(ctx context.Context, opts WatchOptions) error {
	run := func(ctx context.Context) error {
		_, err := p.RunAll(ctx)
		return err
	}
	var roots []string
	if src := p.cfg.InventorySource(); p.source == nil && !strings.HasPrefix(strings.ToLower(src), "gs://") {
		roots = append(roots, src)
	}
	return watchLoop(ctx, opts, roots, run, p.logger)
}

func watchLoop(ctx context.Context, opts WatchOptions, roots []string, run func(context.Context) error, logger zerolog.Logger) error {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	opts.Jitter = clampJitterRatio(opts.Jitter)

	runOnce := func() {
		if err := run(ctx); err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("pipeline run failed")
			return
		}
		logger.Info().Msg("pipeline run completed")
	}

	var events <-chan fsnotify.Event
	var watchErrors <-chan error
	var watcher *fsnotify.Watcher
	if len(roots) > 0 {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			logger.Warn().Err(err).Msg("file watching unavailable, using interval only")
		} else {
			watcher = w
			defer watcher.Close()
			events = watcher.Events
			watchErrors = watcher.Errors
		}
	}

	runOnce()
	if watcher != nil {
		for _, root := range roots {
			if err := addRecursive(watcher, root); err != nil {
				logger.Warn().Err(err).Str("root", root).Msg("cannot watch attachment tree")
			}
		}
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(opts.Interval, opts.Jitter, rng.Float64()))
	defer timer.Stop()
	debounce := time.NewTimer(time.Hour)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Err(ctx.Err()).Msg("watch stopping")
			return nil
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if event.Has(fsnotify.Create) {
				if err := addRecursive(watcher, event.Name); err != nil && !errors.Is(err, fs.ErrNotExist) {
					logger.Debug().Err(err).Str("path", event.Name).Msg("cannot watch new path")
				}
			}
			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}
			logger.Debug().Str("path", event.Name).Str("op", event.Op.String()).Msg("attachment tree changed")
			debounce.Reset(opts.Debounce)
		case err, ok := <-watchErrors:
			if !ok {
				watchErrors = nil
				continue
			}
			logger.Warn().Err(err).Msg("file watch error")
		case <-debounce.C:
			runOnce()
			resetTimer(timer, jitteredIntervalWithSample(opts.Interval, opts.Jitter, rng.Float64()))
		case <-timer.C:
			runOnce()
			timer.Reset(jitteredIntervalWithSample(opts.Interval, opts.Jitter, rng.Float64()))
		}
	}
}

// addRecursive watches root and every directory below it. Files are ignored;
// fsnotify reports their changes through the parent directory.
func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.IsDir() {
			return nil
		}
		return watcher.Add(path)
	})
}

func resetTimer(timer *time.Timer, d time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
