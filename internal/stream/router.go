// Package stream decodes the run event stream and fans envelopes out to
// per-tag handlers and to subscribed observers.
package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/rendis/draftflow/pkg/schema"
)

// Handler processes one decoded envelope.
type Handler func(env *schema.EventEnvelope)

// Router dispatches each inbound envelope to the handler registered for its
// tag. Unknown tags go to the required rest handler so new event kinds pass
// through instead of being dropped. Dispatch is strictly ordered and
// single-flight: a handler always returns before the next event is decoded.
type Router struct {
	handlers map[string]Handler
	rest     Handler
	logger   *slog.Logger
}

// NewRouter creates a router. The rest handler is required; pass a no-op
// func if the caller has no use for unknown tags.
func NewRouter(rest Handler, logger *slog.Logger) *Router {
	if rest == nil {
		panic("stream: rest handler is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		handlers: make(map[string]Handler),
		rest:     rest,
		logger:   logger,
	}
}

// On registers the handler for a tag, replacing any previous registration.
// Registration is not safe concurrently with Run.
func (r *Router) On(tag string, h Handler) *Router {
	r.handlers[tag] = h
	return r
}

// Dispatch routes a single envelope.
func (r *Router) Dispatch(env *schema.EventEnvelope) {
	if h, ok := r.handlers[env.Event]; ok {
		h(env)
		return
	}
	r.rest(env)
}

// Run decodes frames from body until the stream ends or ctx is cancelled,
// dispatching each envelope in arrival order. Malformed frames are logged and
// skipped. Returns nil on a clean end of stream.
func (r *Router) Run(ctx context.Context, body io.Reader) error {
	dec := NewDecoder(body)
	for {
		if err := ctx.Err(); err != nil {
			return schema.NewError(schema.ErrCodeCancelled, "stream cancelled").WithCause(err)
		}
		env, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, ErrMalformedFrame) {
				r.logger.Warn("skipping malformed stream frame")
				continue
			}
			if ctx.Err() != nil {
				return schema.NewError(schema.ErrCodeCancelled, "stream cancelled").WithCause(ctx.Err())
			}
			return schema.NewErrorf(schema.ErrCodeStream, "read stream: %s", err.Error()).WithCause(err)
		}
		r.Dispatch(env)
	}
}
