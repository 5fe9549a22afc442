package main

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/draftflow/internal/draft"
)

type fakeSaver struct {
	mu    sync.Mutex
	syncs int
}

func (f *fakeSaver) Sync(context.Context, draft.Options) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs++
	return nil
}

func (f *fakeSaver) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncs
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStartAutoSync_RunsAndFlushesOnStop(t *testing.T) {
	cfg := defaultConfig()
	cfg.AutosyncEvery = "@every 1h"
	saver := &fakeSaver{}

	auto := startAutoSync(context.Background(), cfg, saver, discardLogger())
	require.NotNil(t, auto)
	assert.True(t, auto.Dirty())

	// The schedule has not fired; stopping flushes the pending edits.
	stopAutoSync(auto, time.Second, discardLogger())
	assert.Equal(t, 1, saver.count())
	assert.False(t, auto.Dirty())
}

func TestStartAutoSync_BadScheduleIsDisabled(t *testing.T) {
	cfg := defaultConfig()
	cfg.AutosyncEvery = "not-a-schedule"

	assert.Nil(t, startAutoSync(context.Background(), cfg, &fakeSaver{}, discardLogger()))
}

func TestStopAutoSync_NilIsNoop(t *testing.T) {
	stopAutoSync(nil, time.Second, discardLogger())
}
