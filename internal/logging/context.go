// Package logging carries correlation ids through context so every log line
// emitted while serving a session names the pipeline, run, task and node it
// belongs to.
package logging

import (
	"context"
	"log/slog"
)

// correlation is the id set a draft session accrues: the pipeline under
// edit, the workflow run and task once a trial run starts, and the node
// currently executing. Stored under a single context key.
type correlation struct {
	pipelineID string
	runID      string
	taskID     string
	nodeID     string
}

type ctxKey struct{}

func fromContext(ctx context.Context) correlation {
	c, _ := ctx.Value(ctxKey{}).(correlation)
	return c
}

func (c correlation) into(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// attrs lists the non-empty ids as log attributes, in a fixed order.
func (c correlation) attrs() []slog.Attr {
	out := make([]slog.Attr, 0, 4)
	if c.pipelineID != "" {
		out = append(out, slog.String("pipeline_id", c.pipelineID))
	}
	if c.runID != "" {
		out = append(out, slog.String("run_id", c.runID))
	}
	if c.taskID != "" {
		out = append(out, slog.String("task_id", c.taskID))
	}
	if c.nodeID != "" {
		out = append(out, slog.String("node_id", c.nodeID))
	}
	return out
}

// WithPipelineID returns a context carrying the pipeline id.
func WithPipelineID(ctx context.Context, id string) context.Context {
	c := fromContext(ctx)
	c.pipelineID = id
	return c.into(ctx)
}

// WithRun returns a context carrying the workflow run and task ids. The two
// arrive together on the first stream event of a trial run.
func WithRun(ctx context.Context, runID, taskID string) context.Context {
	c := fromContext(ctx)
	c.runID = runID
	c.taskID = taskID
	return c.into(ctx)
}

// WithNodeID returns a context carrying the id of the executing node.
func WithNodeID(ctx context.Context, id string) context.Context {
	c := fromContext(ctx)
	c.nodeID = id
	return c.into(ctx)
}

// PipelineID extracts the pipeline id from the context, or "" if absent.
func PipelineID(ctx context.Context) string { return fromContext(ctx).pipelineID }

// RunID extracts the workflow run id from the context, or "" if absent.
func RunID(ctx context.Context) string { return fromContext(ctx).runID }

// TaskID extracts the task id from the context, or "" if absent.
func TaskID(ctx context.Context) string { return fromContext(ctx).taskID }

// NodeID extracts the node id from the context, or "" if absent.
func NodeID(ctx context.Context) string { return fromContext(ctx).nodeID }

// LogWith returns a logger enriched with every correlation id present on the
// context.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range fromContext(ctx).attrs() {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting the
// context's correlation ids into every record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and ids appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with correlation id injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(fromContext(ctx).attrs()...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
