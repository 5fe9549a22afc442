// Package autosync saves the draft in the background on a schedule, so an
// editor session converges to the server copy even when the caller never
// syncs explicitly. Only dirty sessions are saved; a failed save keeps the
// dirty flag so the next tick retries.
package autosync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/draftflow/internal/draft"
)

// Saver is the slice of the sync layer the auto-syncer drives.
// Satisfied by *draft.Syncer.
type Saver interface {
	Sync(ctx context.Context, opts draft.Options) error
}

// AutoSyncer runs a background loop that saves the draft whenever the
// schedule fires and local edits are pending.
type AutoSyncer struct {
	saver    Saver
	schedule cron.Schedule
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	dirtyMu sync.Mutex
	dirty   bool
}

// New creates an AutoSyncer from a cron expression. Descriptors like
// "@every 30s" are accepted alongside standard five-field expressions.
func New(saver Saver, schedule string, logger *slog.Logger) (*AutoSyncer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("parse autosync schedule %q: %w", schedule, err)
	}
	return &AutoSyncer{
		saver:    saver,
		schedule: sched,
		logger:   logger,
	}, nil
}

// MarkDirty records that local edits are pending. Called by the edit layer
// after every graph or variable mutation.
func (a *AutoSyncer) MarkDirty() {
	a.dirtyMu.Lock()
	a.dirty = true
	a.dirtyMu.Unlock()
}

// Dirty reports whether unsaved edits are pending.
func (a *AutoSyncer) Dirty() bool {
	a.dirtyMu.Lock()
	defer a.dirtyMu.Unlock()
	return a.dirty
}

// Start launches the background save loop.
func (a *AutoSyncer) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.done != nil {
		a.mu.Unlock()
		return fmt.Errorf("autosync already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	a.mu.Unlock()

	go a.loop(loopCtx)
	a.logger.Info("autosync started")
	return nil
}

func (a *AutoSyncer) loop(ctx context.Context) {
	defer close(a.done)

	for {
		next := a.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			a.tick(ctx)
		}
	}
}

// tick saves the draft if edits are pending. The dirty flag clears only on a
// successful save, so transient failures retry on the next fire.
func (a *AutoSyncer) tick(ctx context.Context) {
	if !a.Dirty() {
		return
	}

	if err := a.saver.Sync(ctx, draft.Options{}); err != nil {
		a.logger.Error("autosync save failed", slog.String("error", err.Error()))
		return
	}

	a.dirtyMu.Lock()
	a.dirty = false
	a.dirtyMu.Unlock()
	a.logger.Debug("autosync saved draft")
}

// Flush saves immediately when edits are pending, bypassing the schedule.
// Used at session teardown before the detached unload save.
func (a *AutoSyncer) Flush(ctx context.Context) error {
	if !a.Dirty() {
		return nil
	}
	if err := a.saver.Sync(ctx, draft.Options{}); err != nil {
		return err
	}
	a.dirtyMu.Lock()
	a.dirty = false
	a.dirtyMu.Unlock()
	return nil
}

// Stop gracefully shuts down the loop.
func (a *AutoSyncer) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cancel == nil {
		return nil
	}

	a.cancel()
	<-a.done
	a.cancel = nil
	a.done = nil

	a.logger.Info("autosync stopped")
	return nil
}
