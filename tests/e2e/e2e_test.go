package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/draftflow/internal/api"
	"github.com/rendis/draftflow/internal/draft"
	"github.com/rendis/draftflow/internal/history"
	"github.com/rendis/draftflow/internal/run"
	"github.com/rendis/draftflow/internal/session"
	"github.com/rendis/draftflow/internal/stream"
	"github.com/rendis/draftflow/pkg/schema"
)

// fakeBackend is an httptest server speaking the draft wire protocol: draft
// save with hash rotation, draft fetch, SSE run stream and task stop.
type fakeBackend struct {
	mu        sync.Mutex
	hash      int
	saved     []schema.DraftPayload
	stopped   []string
	runFrames []string
	conflicts int // remaining saves to reject as stale
}

func (b *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /pipelines/{id}/workflows/draft", func(w http.ResponseWriter, r *http.Request) {
		var payload schema.DraftPayload
		require2(json.NewDecoder(r.Body).Decode(&payload))

		b.mu.Lock()
		defer b.mu.Unlock()
		if b.conflicts > 0 {
			b.conflicts--
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"code": schema.WireCodeDraftOutOfSync, "message": "draft is out of sync"})
			return
		}
		b.saved = append(b.saved, payload)
		b.hash++
		_ = json.NewEncoder(w).Encode(schema.DraftSaveResponse{
			Hash:      fmt.Sprintf("h%d", b.hash),
			UpdatedAt: time.Now().UTC(),
		})
	})
	mux.HandleFunc("GET /pipelines/{id}/workflows/draft", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		_ = json.NewEncoder(w).Encode(schema.Draft{
			Graph: schema.Graph{Nodes: []schema.Node{
				{ID: "server-n1", Data: map[string]any{"type": "start"}},
			}},
			Hash:      fmt.Sprintf("h%d", b.hash),
			UpdatedAt: time.Now().UTC(),
		})
	})
	mux.HandleFunc("POST /pipelines/{id}/workflows/draft/run", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		b.mu.Lock()
		frames := b.runFrames
		b.mu.Unlock()
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
		}
	})
	mux.HandleFunc("POST /pipelines/{id}/workflow-runs/tasks/{taskId}/stop", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.stopped = append(b.stopped, r.PathValue("taskId"))
		b.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"result": "success"})
	})
	return mux
}

func require2(err error) {
	if err != nil {
		panic(err)
	}
}

type harness struct {
	backend *fakeBackend
	client  *api.Client
	sess    *session.Session
	syncer  *draft.Syncer
	store   *history.Store
	ctrl    *run.Controller
	hub     *stream.Hub
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	backend := &fakeBackend{}
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)

	client := api.NewClient(api.Config{BaseURL: srv.URL})

	sess := session.New("pipe-e2e")
	sess.SetGraph(schema.Graph{
		Nodes: []schema.Node{
			{ID: "n1", Data: map[string]any{"type": "start", schema.SelectedKey: true}},
			{ID: "n2", Data: map[string]any{"type": "llm", "_draggingHint": "x"}},
		},
		Edges: []schema.Edge{{ID: "e1", Source: "n1", Target: "n2"}},
	})
	sess.SetHash("h0")

	syncer := draft.NewSyncer(sess, client, nil)

	st, err := history.NewStore("file:" + filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	hub := stream.NewHub()
	ctrl := run.NewController(sess, syncer, client, hub, st, run.Config{RunTimeout: 5 * time.Second}, nil)

	return &harness{backend: backend, client: client, sess: sess, syncer: syncer, store: st, ctrl: ctrl, hub: hub}
}

func event(tag, data string) string {
	return fmt.Sprintf(`{"event": %q, "task_id": "task-1", "workflow_run_id": "wr-1", "data": %s}`, tag, data)
}

func TestFullRunLoop(t *testing.T) {
	h := newHarness(t)
	h.backend.runFrames = []string{
		event(schema.EventWorkflowStarted, `{"id": "wr-1"}`),
		event(schema.EventNodeStarted, `{"node_id": "n1"}`),
		event(schema.EventNodeFinished, `{"node_id": "n1", "status": "succeeded"}`),
		event(schema.EventTextChunk, `{"text": "hello "}`),
		event(schema.EventTextChunk, `{"text": "world"}`),
		event(schema.EventWorkflowFinished, `{"status": "succeeded"}`),
	}

	ctx := context.Background()

	// Subscribe an observer before the run; it must see the fan-out.
	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()
	events, unsub, err := h.hub.Subscribe(subCtx, stream.Filter{EventTypes: []string{schema.EventWorkflowFinished}})
	require.NoError(t, err)
	defer unsub()

	params := map[string]any{"inputs": map[string]any{"query": "hi"}}
	require.NoError(t, h.ctrl.Run(ctx, params, run.Callbacks{}))

	// Draft was saved exactly once before the stream, transient keys stripped.
	require.Len(t, h.backend.saved, 1)
	payload := h.backend.saved[0]
	assert.Equal(t, "h0", payload.Hash)
	for _, n := range payload.Graph.Nodes {
		assert.NotContains(t, n.Data, "_draggingHint")
	}

	// Hash rotated to the server's new token.
	assert.Equal(t, "h1", h.sess.Hash())

	// Projection reached the terminal state with coalesced text.
	view := h.ctrl.Result().Snapshot()
	assert.Equal(t, schema.RunStatusSucceeded, view.Status)
	assert.Equal(t, "hello world", view.ResultText)
	assert.Equal(t, "wr-1", view.WorkflowRunID)

	// The terminal outcome landed in the local history cache.
	last, err := h.store.LastRun(ctx, "pipe-e2e")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, last.Status)
	assert.Equal(t, "wr-1", last.WorkflowRunID)

	// The observer received the terminal event.
	select {
	case env := <-events:
		assert.Equal(t, schema.EventWorkflowFinished, env.Event)
	case <-time.After(time.Second):
		t.Fatal("hub subscriber never received workflow_finished")
	}
}

func TestConflictRecoveryLoop(t *testing.T) {
	h := newHarness(t)
	h.backend.conflicts = 1
	h.backend.hash = 7 // server draft is ahead of the local copy

	err := h.syncer.Sync(context.Background(), draft.Options{})
	require.Error(t, err)
	assert.True(t, schema.IsDraftOutOfSync(err))

	// Local state was discarded and replaced with the server copy.
	assert.Equal(t, "h7", h.sess.Hash())
	g := h.sess.Graph()
	require.Len(t, g.Nodes, 1)
	assert.Equal(t, "server-n1", g.Nodes[0].ID)

	// The next sync carries the refreshed hash and succeeds.
	require.NoError(t, h.syncer.Sync(context.Background(), draft.Options{}))
	require.Len(t, h.backend.saved, 1)
	assert.Equal(t, "h7", h.backend.saved[0].Hash)
	assert.Equal(t, "h8", h.sess.Hash())
}

func TestRunFailurePropagates(t *testing.T) {
	h := newHarness(t)
	h.backend.runFrames = []string{
		event(schema.EventWorkflowStarted, `{"id": "wr-1"}`),
		event(schema.EventError, `{"code": "node_error", "message": "llm quota exceeded"}`),
	}

	var completed []string
	err := h.ctrl.Run(context.Background(), map[string]any{"inputs": map[string]any{}}, run.Callbacks{
		OnCompleted: func(hasError bool, errMsg string) {
			completed = append(completed, errMsg)
		},
	})
	require.NoError(t, err)

	view := h.ctrl.Result().Snapshot()
	assert.Equal(t, schema.RunStatusFailed, view.Status)
	assert.Equal(t, "llm quota exceeded", view.Error)
	assert.Equal(t, []string{"llm quota exceeded"}, completed)

	last, err := h.store.LastRun(context.Background(), "pipe-e2e")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, last.Status)
	assert.Equal(t, "llm quota exceeded", last.Error)
}

func TestStopTaskRoundTrip(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.ctrl.StopRun(context.Background(), "task-9"))
	assert.Equal(t, []string{"task-9"}, h.backend.stopped)
}

func TestBackupRestoreLoop(t *testing.T) {
	h := newHarness(t)
	backups := draft.NewBackupStore(h.sess, h.syncer, nil)
	ctx := context.Background()

	original := h.sess.Graph()

	// Backup syncs the pre-action state to the server.
	require.NoError(t, backups.Backup(ctx))
	require.Len(t, h.backend.saved, 1)

	// A destructive action mangles the live graph.
	h.sess.SetGraph(schema.Graph{Nodes: []schema.Node{{ID: "mangled", Data: map[string]any{"type": "start"}}}})

	// A second backup while one is pending must not overwrite the snapshot.
	require.NoError(t, backups.Backup(ctx))
	require.Len(t, h.backend.saved, 1)

	backups.Restore()
	g := h.sess.Graph()
	require.Len(t, g.Nodes, len(original.Nodes))
	assert.Equal(t, original.Nodes[0].ID, g.Nodes[0].ID)
	assert.False(t, h.sess.HasBackup())
}
