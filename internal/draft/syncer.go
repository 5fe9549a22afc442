// Package draft keeps the locally edited graph consistent with the
// server-held draft copy under optimistic concurrency, and manages the
// backup/restore cycle around destructive trial actions.
package draft

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rendis/draftflow/internal/graph"
	"github.com/rendis/draftflow/internal/session"
	"github.com/rendis/draftflow/pkg/schema"
)

// Backend is the slice of the API client the draft layer needs.
type Backend interface {
	SaveDraft(ctx context.Context, pipelineID string, payload schema.DraftPayload) (*schema.DraftSaveResponse, error)
	SaveDraftDetached(pipelineID string, payload schema.DraftPayload)
	FetchDraft(ctx context.Context, pipelineID string) (*schema.Draft, error)
}

// Options tunes a single Sync call.
type Options struct {
	// SuppressConflictRefresh disables the automatic discard-and-refetch
	// recovery on a stale-draft conflict.
	SuppressConflictRefresh bool
	// OnSuccess runs after the hash has rotated.
	OnSuccess func(resp *schema.DraftSaveResponse)
	// OnError runs on any failure, after conflict recovery (if any).
	OnError func(err error)
	// OnSettled runs last in both outcomes. It does not run when the call
	// was a precondition no-op.
	OnSettled func()
}

// Syncer performs the authoritative draft save. Calls serialize on an
// internal mutex so two in-flight saves for the same session can never
// interleave, regardless of caller discipline.
type Syncer struct {
	mu      sync.Mutex
	sess    *session.Session
	backend Backend
	logger  *slog.Logger
}

// NewSyncer creates a Syncer bound to one session.
func NewSyncer(sess *session.Session, backend Backend, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{sess: sess, backend: backend, logger: logger}
}

// buildPayload assembles the wire payload from current session state. State
// is read at call time, never from a stale capture: the draft may have
// changed between scheduling and execution of a sync. Returns ok=false when
// there is nothing to send.
func (s *Syncer) buildPayload() (schema.DraftPayload, bool) {
	if s.sess.ReadOnly() || s.sess.PipelineID() == "" {
		return schema.DraftPayload{}, false
	}
	wire := graph.Encode(s.sess.Graph())
	if len(wire.Nodes) == 0 {
		return schema.DraftPayload{}, false
	}
	return schema.DraftPayload{
		Graph:                wire,
		EnvironmentVariables: s.sess.EnvironmentVariables(),
		RagPipelineVariables: s.sess.RagPipelineVariables(),
		Hash:                 s.sess.Hash(),
	}, true
}

// Sync saves the current draft. Silent no-op when the session is read-only,
// has no pipeline id, or the encoded node list is empty. On success the
// version token rotates to the server's new hash. On a stale-draft conflict
// the local draft is discarded and refetched unless suppressed.
func (s *Syncer) Sync(ctx context.Context, opts Options) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Payload assembly happens under the lock: a queued caller reads the
	// hash rotated by the save it waited on, not the one current when it
	// was scheduled.
	payload, ok := s.buildPayload()
	if !ok {
		return nil
	}

	if opts.OnSettled != nil {
		defer opts.OnSettled()
	}

	resp, err := s.backend.SaveDraft(ctx, s.sess.PipelineID(), payload)
	if err != nil {
		if schema.IsDraftOutOfSync(err) && !opts.SuppressConflictRefresh {
			if refreshErr := s.refresh(ctx); refreshErr != nil {
				s.logger.Error("draft refresh after conflict failed",
					slog.String("pipeline_id", s.sess.PipelineID()),
					slog.String("error", refreshErr.Error()),
				)
			}
		}
		if opts.OnError != nil {
			opts.OnError(err)
		}
		return err
	}

	s.sess.SetHash(resp.Hash)
	s.sess.SetLastSavedAt(resp.UpdatedAt)

	if opts.OnSuccess != nil {
		opts.OnSuccess(resp)
	}
	return nil
}

// FlushDetached fires a best-effort save for page teardown. It builds the
// same payload as Sync but never blocks, never reads a response and never
// rotates the hash; same no-op preconditions. Safe to call from an unload
// hook while a regular Sync is in flight.
func (s *Syncer) FlushDetached() {
	payload, ok := s.buildPayload()
	if !ok {
		return
	}
	s.backend.SaveDraftDetached(s.sess.PipelineID(), payload)
}

// refresh discards local draft state and replaces it with the server copy.
func (s *Syncer) refresh(ctx context.Context) error {
	d, err := s.backend.FetchDraft(ctx, s.sess.PipelineID())
	if err != nil {
		return err
	}
	s.sess.SetGraph(d.Graph)
	s.sess.SetEnvironmentVariables(d.EnvironmentVariables)
	s.sess.SetRagPipelineVariables(d.RagPipelineVariables)
	s.sess.SetHash(d.Hash)
	s.sess.SetLastSavedAt(d.UpdatedAt)
	s.logger.Info("draft refreshed after conflict",
		slog.String("pipeline_id", s.sess.PipelineID()),
	)
	return nil
}
