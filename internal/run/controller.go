// Package run drives a trial execution of the current draft: reset markers,
// sync, open the event stream and keep the run projection consistent while
// fanning events out to the caller and to hub observers.
package run

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/rendis/draftflow/internal/draft"
	"github.com/rendis/draftflow/internal/history"
	"github.com/rendis/draftflow/internal/logging"
	"github.com/rendis/draftflow/internal/session"
	"github.com/rendis/draftflow/internal/stream"
	"github.com/rendis/draftflow/internal/validation"
	"github.com/rendis/draftflow/pkg/schema"
)

const defaultRunTimeout = 10 * time.Minute

// StreamBackend is the slice of the API client the controller needs.
type StreamBackend interface {
	OpenRunStream(ctx context.Context, pipelineID string, params map[string]any) (io.ReadCloser, error)
	StopTask(ctx context.Context, pipelineID, taskID string) error
}

// History is the run-history cache notified when a run reaches a terminal
// state, so cached "last run" views are refetched.
type History interface {
	RecordRun(ctx context.Context, rec *history.RunRecord) error
	InvalidateLastRun(ctx context.Context, pipelineID string) error
}

// ViewportSize is the canvas dimensions handed to node-centering callbacks.
type ViewportSize struct {
	Width  int
	Height int
}

// Config tunes a Controller.
type Config struct {
	// RunTimeout is the run watchdog: if no terminal event arrives
	// within it, the run fails with a timeout. Zero means the default.
	RunTimeout time.Duration
	// ViewportSize is forwarded to CenterNode on *_started events.
	ViewportSize ViewportSize
	// CenterNode, when set, is invoked for every node/iteration/loop start so
	// a canvas can auto-scroll to the active node.
	CenterNode func(nodeID string, size ViewportSize)
}

// Callbacks carries the caller's per-tag handlers. Internal handling always
// runs first, so caller-observable state is consistent by the time a caller
// handler fires. Unregistered tags fall through to Rest when set.
type Callbacks struct {
	Handlers map[string]stream.Handler
	Rest     stream.Handler
	// OnCompleted fires once per run, after the terminal event or stream
	// failure, with the projection's final error message ("" on success).
	OnCompleted func(hasError bool, errMsg string)
}

// Controller orchestrates trial runs for one session.
type Controller struct {
	sess    *session.Session
	syncer  *draft.Syncer
	backend StreamBackend
	hub     *stream.Hub
	history History
	logger  *slog.Logger
	cfg     Config

	result *Result
}

// NewController wires a Controller. hub and history may be nil when no
// observers or cache exist.
func NewController(sess *session.Session, syncer *draft.Syncer, backend StreamBackend, hub *stream.Hub, history History, cfg Config, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultRunTimeout
	}
	return &Controller{
		sess:    sess,
		syncer:  syncer,
		backend: backend,
		hub:     hub,
		history: history,
		logger:  logger,
		cfg:     cfg,
	}
}

// Result returns the projection of the current (or last) run, nil before the
// first run.
func (c *Controller) Result() *Result {
	return c.result
}

// Run executes the draft. Strict order: reset transient node markers, await
// the draft sync, discard the stale projection, seed a fresh one, open the
// stream, dispatch until a terminal event. A sync failure aborts the run
// attempt; the stream is never opened against an unsynced draft.
func (c *Controller) Run(ctx context.Context, params map[string]any, cb Callbacks) error {
	ctx = logging.WithPipelineID(ctx, c.sess.PipelineID())

	c.sess.UpdateNodes(func(n *schema.Node) {
		n.Data[schema.SelectedKey] = false
		delete(n.Data, schema.RunningStatusKey)
	})

	if err := c.syncer.Sync(ctx, draft.Options{}); err != nil {
		return schema.NewErrorf(schema.ErrCodeTransport, "draft sync before run failed: %s", err.Error()).WithCause(err)
	}

	// Discard the previous run's projection and seed a fresh one.
	c.result = nil
	res := NewResult()
	c.result = res

	if err := validation.ValidateRunParams(params); err != nil {
		res.failed(err.Error())
		return err
	}

	runCtx, cancel := context.WithTimeout(ctx, c.cfg.RunTimeout)
	defer cancel()

	body, err := c.backend.OpenRunStream(runCtx, c.sess.PipelineID(), params)
	if err != nil {
		res.failed(err.Error())
		return err
	}
	defer body.Close()

	startedAt := time.Now().UTC()
	router := c.buildRouter(res, cb)

	runErr := router.Run(runCtx, body)

	switch {
	case res.Terminal():
		// Terminal event observed; a late stream error is irrelevant.
	case runErr != nil && runCtx.Err() == context.DeadlineExceeded:
		res.failed("timeout")
		runErr = schema.NewError(schema.ErrCodeTimeout, "run watchdog expired").WithCause(runErr)
	case runErr != nil:
		res.failed(runErr.Error())
	default:
		// Stream closed without a terminal event.
		res.failed("stream ended before terminal event")
		runErr = schema.NewError(schema.ErrCodeStream, "stream ended before terminal event")
	}

	view := res.Snapshot()
	ctx = logging.WithRun(ctx, view.WorkflowRunID, view.TaskID)
	c.logger.InfoContext(ctx, "run finished", slog.String("status", string(view.Status)))

	c.finishRun(ctx, view, startedAt)

	if cb.OnCompleted != nil {
		cb.OnCompleted(view.Status != schema.RunStatusSucceeded, view.Error)
	}
	return runErr
}

// buildRouter assembles the dispatch table: internal handler, then hub
// publish, then the caller's handler for the same tag with the same payload.
// Events after the terminal one are dropped wholesale.
func (c *Controller) buildRouter(res *Result, cb Callbacks) *stream.Router {
	internal := map[string]func(*Result, *schema.EventEnvelope){
		schema.EventWorkflowStarted:   c.handleWorkflowStarted,
		schema.EventWorkflowFinished:  c.handleWorkflowFinished,
		schema.EventError:             c.handleStreamError,
		schema.EventNodeStarted:       c.handleNodeStarted,
		schema.EventNodeFinished:      c.handleNodeFinished,
		schema.EventNodeRetry:         c.handleNodeRetry,
		schema.EventIterationStarted:  c.handleContainerStarted,
		schema.EventIterationNext:     c.handleContainerNext,
		schema.EventIterationFinished: c.handleContainerFinished,
		schema.EventLoopStarted:       c.handleContainerStarted,
		schema.EventLoopNext:          c.handleContainerNext,
		schema.EventLoopFinished:      c.handleContainerFinished,
		schema.EventAgentLog:          c.handleAgentLog,
		schema.EventTextChunk:         c.handleTextChunk,
		schema.EventTextReplace:       c.handleTextReplace,
	}

	rest := func(env *schema.EventEnvelope) {
		if res.Terminal() {
			return
		}
		c.publish(env)
		if cb.Rest != nil {
			cb.Rest(env)
		}
	}

	router := stream.NewRouter(rest, c.logger)
	for tag, h := range internal {
		router.On(tag, func(env *schema.EventEnvelope) {
			if res.Terminal() {
				return
			}
			h(res, env)
			c.publish(env)
			if caller, ok := cb.Handlers[tag]; ok {
				caller(env)
			}
		})
	}
	return router
}

func (c *Controller) publish(env *schema.EventEnvelope) {
	if c.hub == nil {
		return
	}
	_ = c.hub.Publish(context.Background(), env)
}

// finishRun invalidates the cached run history and records the terminal
// outcome. Cache failures are logged, never surfaced into the run result.
func (c *Controller) finishRun(ctx context.Context, view View, startedAt time.Time) {
	if c.history == nil {
		return
	}
	if err := c.history.InvalidateLastRun(ctx, c.sess.PipelineID()); err != nil {
		c.logger.ErrorContext(ctx, "invalidate run history failed", slog.String("error", err.Error()))
	}
	rec := &history.RunRecord{
		PipelineID:    c.sess.PipelineID(),
		WorkflowRunID: view.WorkflowRunID,
		TaskID:        view.TaskID,
		Status:        view.Status,
		Error:         view.Error,
		ResultText:    view.ResultText,
		StartedAt:     startedAt,
		FinishedAt:    time.Now().UTC(),
	}
	if err := c.history.RecordRun(ctx, rec); err != nil {
		c.logger.ErrorContext(ctx, "record run failed", slog.String("error", err.Error()))
	}
}

// StopRun asks the backend to stop the task. Advisory only: the projection
// stays untouched until the stream delivers the terminal event reflecting
// the cancellation.
func (c *Controller) StopRun(ctx context.Context, taskID string) error {
	if taskID == "" {
		return schema.NewError(schema.ErrCodeValidation, "stop run: empty task id")
	}
	return c.backend.StopTask(ctx, c.sess.PipelineID(), taskID)
}

// RestoreFromPublished replaces the live graph, environment variables and
// pipeline variables wholesale with a published snapshot. Bulk replacement,
// not a merge; every node's selected marker is cleared.
func (c *Controller) RestoreFromPublished(v schema.PublishedVersion) {
	g := schema.CloneGraph(v.Graph)
	for i := range g.Nodes {
		if g.Nodes[i].Data == nil {
			g.Nodes[i].Data = make(map[string]any)
		}
		g.Nodes[i].Data[schema.SelectedKey] = false
	}
	c.sess.SetGraph(g)
	c.sess.SetEnvironmentVariables(v.EnvironmentVariables)
	c.sess.SetRagPipelineVariables(v.RagPipelineVariables)
}
