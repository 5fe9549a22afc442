package stream

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/draftflow/pkg/schema"
)

const defaultChannelBuffer = 64

// Filter specifies which run events a subscriber wants to receive. Both
// criteria are optional; an empty filter matches everything. Expr is an
// expr-lang expression evaluated against {event, task_id, workflow_run_id,
// data}; a non-true result drops the event for that subscriber.
type Filter struct {
	EventTypes []string
	Expr       string
}

// Hub fans decoded run events out to UI observers. The run controller is the
// only publisher; observers subscribe with an optional filter.
type Hub struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

type subscriber struct {
	ch     chan *schema.EventEnvelope
	filter Filter
	prg    *vm.Program
}

// NewHub creates an empty observer hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]*subscriber)}
}

// Publish sends an event to all matching subscribers. Non-blocking: a slow
// subscriber's event is dropped rather than stalling dispatch order for the
// rest.
func (h *Hub) Publish(ctx context.Context, env *schema.EventEnvelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !sub.matches(env) {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			// backpressure: drop event for slow subscriber
		}
	}
	return nil
}

// Subscribe registers an observer. Returns a receive-only channel, a cancel
// function, and an error when the filter expression does not compile.
func (h *Hub) Subscribe(ctx context.Context, filter Filter) (<-chan *schema.EventEnvelope, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	sub := &subscriber{
		ch:     make(chan *schema.EventEnvelope, defaultChannelBuffer),
		filter: filter,
	}

	if filter.Expr != "" {
		prg, err := expr.Compile(filter.Expr, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, nil, schema.NewErrorf(schema.ErrCodeValidation,
				"compile subscription filter %q: %s", filter.Expr, err.Error()).WithCause(err)
		}
		sub.prg = prg
	}

	id := h.seq.Add(1)
	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}

	return sub.ch, cancel, nil
}

func (s *subscriber) matches(env *schema.EventEnvelope) bool {
	if len(s.filter.EventTypes) > 0 {
		found := false
		for _, t := range s.filter.EventTypes {
			if t == env.Event {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if s.prg != nil {
		var data map[string]any
		if len(env.Data) > 0 {
			_ = json.Unmarshal(env.Data, &data)
		}
		out, err := vm.Run(s.prg, map[string]any{
			"event":           env.Event,
			"task_id":         env.TaskID,
			"workflow_run_id": env.WorkflowRunID,
			"data":            data,
		})
		if err != nil {
			return false
		}
		ok, _ := out.(bool)
		return ok
	}
	return true
}
