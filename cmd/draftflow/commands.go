package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rendis/draftflow/internal/api"
	"github.com/rendis/draftflow/internal/autosync"
	"github.com/rendis/draftflow/internal/draft"
	"github.com/rendis/draftflow/internal/history"
	"github.com/rendis/draftflow/internal/run"
	"github.com/rendis/draftflow/internal/session"
	"github.com/rendis/draftflow/internal/stream"
	"github.com/rendis/draftflow/internal/validation"
	"github.com/rendis/draftflow/pkg/schema"
)

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// loadDraftFile reads a local draft file: the same JSON shape the backend
// stores (graph, variables, hash).
func loadDraftFile(path string) schema.DraftPayload {
	data, err := os.ReadFile(path)
	if err != nil {
		fatal("cannot read draft file: %v", err)
	}
	var payload schema.DraftPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		fatal("cannot parse draft file %s: %v", path, err)
	}
	if err := validation.ValidateDraftPayload(payload); err != nil {
		fatal("invalid draft file %s: %v", path, err)
	}
	return payload
}

func newSession(pipelineID string, payload schema.DraftPayload) *session.Session {
	sess := session.New(pipelineID)
	sess.SetGraph(payload.Graph)
	sess.SetEnvironmentVariables(payload.EnvironmentVariables)
	sess.SetRagPipelineVariables(payload.RagPipelineVariables)
	sess.SetHash(payload.Hash)
	return sess
}

func newBackendClient(cfg Config) *api.Client {
	return api.NewClient(api.Config{
		BaseURL: cfg.BaseURL,
		Token:   cfg.Token,
		Timeout: duration(cfg.RequestTimeout, 30*time.Second),
	})
}

// startAutoSync launches the background draft saver for the lifetime of a
// command. Best effort: a broken schedule disables autosync with a warning
// instead of failing the command.
func startAutoSync(ctx context.Context, cfg Config, saver autosync.Saver, logger *slog.Logger) *autosync.AutoSyncer {
	auto, err := autosync.New(saver, cfg.AutosyncEvery, logger)
	if err != nil {
		logger.Warn("autosync disabled", slog.String("error", err.Error()))
		return nil
	}
	auto.MarkDirty()
	if err := auto.Start(ctx); err != nil {
		logger.Warn("autosync disabled", slog.String("error", err.Error()))
		return nil
	}
	return auto
}

// stopAutoSync halts the loop and pushes pending edits one last time.
func stopAutoSync(auto *autosync.AutoSyncer, timeout time.Duration, logger *slog.Logger) {
	if auto == nil {
		return
	}
	_ = auto.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := auto.Flush(ctx); err != nil {
		logger.Warn("final draft save failed", slog.String("error", err.Error()))
	}
}

func runSync(args []string) {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	file := fs.String("file", "", "draft file to save (required)")
	suppressRefresh := fs.Bool("suppress-refresh", false, "do not refetch the server draft on a stale-hash conflict")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 1 || *file == "" {
		fatal("usage: draftflow sync -file draft.json <pipeline-id>")
	}
	pipelineID := fs.Arg(0)

	cfg := loadConfig()
	logger := newLogger(cfg)
	sess := newSession(pipelineID, loadDraftFile(*file))
	syncer := draft.NewSyncer(sess, newBackendClient(cfg), logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err := syncer.Sync(ctx, draft.Options{SuppressConflictRefresh: *suppressRefresh})
	if err != nil {
		if schema.IsDraftOutOfSync(err) && !*suppressRefresh {
			fatal("draft was out of sync; local state replaced with server copy (new hash %s)", sess.Hash())
		}
		fatal("sync failed: %v", err)
	}
	fmt.Printf("Draft saved: hash=%s saved_at=%s\n", sess.Hash(), sess.LastSavedAt().Format(time.RFC3339))
}

func runRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	file := fs.String("file", "", "draft file to save and run (required)")
	inputs := fs.String("inputs", "{}", "run inputs as a JSON object")
	showEvents := fs.Bool("events", false, "print every stream event as JSON")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 1 || *file == "" {
		fatal("usage: draftflow run -file draft.json [-inputs '{...}'] <pipeline-id>")
	}
	pipelineID := fs.Arg(0)

	var inputVals map[string]any
	if err := json.Unmarshal([]byte(*inputs), &inputVals); err != nil {
		fatal("cannot parse -inputs: %v", err)
	}

	cfg := loadConfig()
	logger := newLogger(cfg)
	sess := newSession(pipelineID, loadDraftFile(*file))
	client := newBackendClient(cfg)
	syncer := draft.NewSyncer(sess, client, logger)
	hub := stream.NewHub()

	var hist run.History
	store := openHistory(cfg, logger)
	if store != nil {
		defer store.Close()
		hist = store
	}

	ctrl := run.NewController(sess, syncer, client, hub, hist, run.Config{
		RunTimeout: duration(cfg.RunTimeout, 10*time.Minute),
	}, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Keep the server draft fresh while a long run streams.
	auto := startAutoSync(ctx, cfg, syncer, logger)

	cb := run.Callbacks{
		Handlers: map[string]stream.Handler{
			schema.EventTextChunk: func(env *schema.EventEnvelope) {
				var d schema.TextChunkData
				if err := json.Unmarshal(env.Data, &d); err == nil {
					fmt.Print(d.Text)
				}
			},
		},
		Rest: func(env *schema.EventEnvelope) {
			logger.Debug("unrecognized event", slog.String("event", env.Event))
		},
		OnCompleted: func(hasError bool, errMsg string) {
			fmt.Println()
			if hasError {
				fmt.Fprintf(os.Stderr, "Run finished with error: %s\n", errMsg)
				return
			}
			fmt.Println("Run succeeded")
		},
	}
	if *showEvents {
		echo := func(env *schema.EventEnvelope) {
			raw, _ := json.Marshal(env)
			fmt.Fprintln(os.Stderr, string(raw))
		}
		for _, tag := range []string{
			schema.EventWorkflowStarted, schema.EventWorkflowFinished,
			schema.EventNodeStarted, schema.EventNodeFinished, schema.EventNodeRetry,
			schema.EventIterationStarted, schema.EventIterationNext, schema.EventIterationFinished,
			schema.EventLoopStarted, schema.EventLoopNext, schema.EventLoopFinished,
			schema.EventAgentLog, schema.EventTextReplace, schema.EventError,
		} {
			cb.Handlers[tag] = echo
		}
	}

	params := map[string]any{"inputs": inputVals}
	runErr := ctrl.Run(ctx, params, cb)

	stopAutoSync(auto, duration(cfg.RequestTimeout, 30*time.Second), logger)

	if runErr != nil {
		if ctrl.Result() == nil {
			fatal("run failed: %v", runErr)
		}
		os.Exit(1)
	}
}

func runStop(args []string) {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 2 {
		fatal("usage: draftflow stop <pipeline-id> <task-id>")
	}
	pipelineID, taskID := fs.Arg(0), fs.Arg(1)

	cfg := loadConfig()
	client := newBackendClient(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), duration(cfg.RequestTimeout, 30*time.Second))
	defer cancel()

	if err := client.StopTask(ctx, pipelineID, taskID); err != nil {
		fatal("stop failed: %v", err)
	}
	fmt.Printf("Stop requested for task %s\n", taskID)
}

func runHistory(args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	limit := fs.Int("limit", 10, "maximum runs to show")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 1 {
		fatal("usage: draftflow history [-limit N] <pipeline-id>")
	}
	pipelineID := fs.Arg(0)

	cfg := loadConfig()
	logger := newLogger(cfg)
	store := openHistory(cfg, logger)
	if store == nil {
		fatal("cannot open history database at %s", cfg.DBPath)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if retain := duration(cfg.HistoryRetainFor, 0); retain > 0 {
		_ = store.Prune(ctx, pipelineID, retain)
	}

	runs, err := store.ListRuns(ctx, pipelineID, *limit)
	if err != nil {
		fatal("list runs: %v", err)
	}
	if len(runs) == 0 {
		fmt.Println("No cached runs")
		return
	}
	for _, r := range runs {
		stale := ""
		if r.Stale {
			stale = " (stale)"
		}
		fmt.Printf("%s  %-18s  run=%s task=%s%s\n",
			r.FinishedAt.Format(time.RFC3339), r.Status, r.WorkflowRunID, r.TaskID, stale)
		if r.Error != "" {
			fmt.Printf("    error: %s\n", r.Error)
		}
	}
}

// openHistory opens the local run-history cache. Best effort outside the
// history command: a broken cache must not block a run.
func openHistory(cfg Config, logger *slog.Logger) *history.Store {
	if err := os.MkdirAll(draftflowDir(), 0o700); err != nil {
		logger.Warn("cannot create config dir", slog.String("error", err.Error()))
		return nil
	}
	store, err := history.NewStore("file:" + cfg.DBPath)
	if err != nil {
		logger.Warn("cannot open run history", slog.String("error", err.Error()))
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.Migrate(ctx); err != nil {
		logger.Warn("cannot migrate run history", slog.String("error", err.Error()))
		_ = store.Close()
		return nil
	}
	return store
}
