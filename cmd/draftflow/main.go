// draftflow is a client for pipeline workflow drafts: save the local draft
// under optimistic concurrency, execute trial runs over the event stream and
// inspect the cached run history.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/rendis/draftflow/internal/logging"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "sync":
		runSync(os.Args[2:])
	case "run":
		runRun(os.Args[2:])
	case "stop":
		runStop(os.Args[2:])
	case "history":
		runHistory(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `Usage: draftflow <command> [flags]

Commands:
  sync     save a local draft file to the backend
  run      save the draft, then execute it and stream events
  stop     ask the backend to stop a running task
  history  show locally cached run outcomes
  version  print the version

Environment:
  DRAFTFLOW_BASE_URL, DRAFTFLOW_TOKEN, DRAFTFLOW_DB_PATH,
  DRAFTFLOW_LOG_LEVEL, DRAFTFLOW_REQUEST_TIMEOUT, DRAFTFLOW_RUN_TIMEOUT
`)
}

func newLogger(cfg Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(logging.NewCorrelationHandler(inner))
}
