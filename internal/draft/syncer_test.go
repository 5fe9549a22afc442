package draft

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/draftflow/internal/session"
	"github.com/rendis/draftflow/pkg/schema"
)

// mockBackend records calls and plays back scripted responses.
type mockBackend struct {
	mu sync.Mutex

	saves    []schema.DraftPayload
	detached []schema.DraftPayload
	fetches  int

	saveResp   *schema.DraftSaveResponse
	saveErr    error
	fetchDraft *schema.Draft
	fetchErr   error
}

func (m *mockBackend) SaveDraft(_ context.Context, _ string, p schema.DraftPayload) (*schema.DraftSaveResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves = append(m.saves, p)
	if m.saveErr != nil {
		return nil, m.saveErr
	}
	resp := m.saveResp
	if resp == nil {
		resp = &schema.DraftSaveResponse{Hash: "h-next", UpdatedAt: time.Now().UTC()}
	}
	return resp, nil
}

func (m *mockBackend) SaveDraftDetached(_ string, p schema.DraftPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detached = append(m.detached, p)
}

func (m *mockBackend) FetchDraft(_ context.Context, _ string) (*schema.Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	if m.fetchDraft != nil {
		return m.fetchDraft, nil
	}
	return &schema.Draft{Hash: "h-server"}, nil
}

func (m *mockBackend) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saves)
}

func newTestSession() *session.Session {
	s := session.New("p1")
	s.SetGraph(schema.Graph{
		Nodes: []schema.Node{
			{ID: "n1", Data: map[string]any{"type": "start", "_runningStatus": "running"}},
		},
		Viewport: schema.Viewport{Zoom: 1},
	})
	s.SetHash("h1")
	return s
}

func conflictErr() error {
	return schema.NewError(schema.ErrCodeConflict, "draft out of sync").
		WithWireCode(schema.WireCodeDraftOutOfSync)
}

func TestSync_RotatesHash(t *testing.T) {
	sess := newTestSession()
	backend := &mockBackend{saveResp: &schema.DraftSaveResponse{
		Hash:      "h2",
		UpdatedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}}
	syncer := NewSyncer(sess, backend, nil)

	require.NoError(t, syncer.Sync(context.Background(), Options{}))
	assert.Equal(t, "h2", sess.Hash())
	assert.Equal(t, time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC), sess.LastSavedAt())

	// The next sync must send the rotated hash.
	require.NoError(t, syncer.Sync(context.Background(), Options{}))
	require.Len(t, backend.saves, 2)
	assert.Equal(t, "h1", backend.saves[0].Hash)
	assert.Equal(t, "h2", backend.saves[1].Hash)
}

func TestSync_PayloadIsStripped(t *testing.T) {
	sess := newTestSession()
	backend := &mockBackend{}
	syncer := NewSyncer(sess, backend, nil)

	require.NoError(t, syncer.Sync(context.Background(), Options{}))

	require.Len(t, backend.saves, 1)
	data := backend.saves[0].Graph.Nodes[0].Data
	assert.NotContains(t, data, "_runningStatus")
	assert.Equal(t, "start", data["type"])
}

func TestSync_NoopWhenEmptyGraph(t *testing.T) {
	sess := session.New("p1")
	backend := &mockBackend{}
	syncer := NewSyncer(sess, backend, nil)

	require.NoError(t, syncer.Sync(context.Background(), Options{}))
	assert.Zero(t, backend.saveCount())
}

func TestSync_NoopWhenNoPipelineID(t *testing.T) {
	sess := session.New("")
	sess.SetGraph(schema.Graph{Nodes: []schema.Node{{ID: "n1"}}})
	backend := &mockBackend{}
	syncer := NewSyncer(sess, backend, nil)

	require.NoError(t, syncer.Sync(context.Background(), Options{}))
	assert.Zero(t, backend.saveCount())
}

func TestSync_NoopWhenReadOnly(t *testing.T) {
	sess := newTestSession()
	sess.SetReadOnly(true)
	backend := &mockBackend{}
	syncer := NewSyncer(sess, backend, nil)

	require.NoError(t, syncer.Sync(context.Background(), Options{}))
	assert.Zero(t, backend.saveCount())
}

func TestSync_ConflictTriggersExactlyOneRefresh(t *testing.T) {
	sess := newTestSession()
	backend := &mockBackend{
		saveErr:    conflictErr(),
		fetchDraft: &schema.Draft{Hash: "h-fresh", Graph: schema.Graph{Nodes: []schema.Node{{ID: "srv"}}}},
	}
	syncer := NewSyncer(sess, backend, nil)

	err := syncer.Sync(context.Background(), Options{})
	require.Error(t, err)
	assert.True(t, schema.IsDraftOutOfSync(err))

	assert.Equal(t, 1, backend.fetches)
	assert.Equal(t, "h-fresh", sess.Hash())
	require.Equal(t, 1, sess.NodeCount())
	assert.Equal(t, "srv", sess.Graph().Nodes[0].ID)
}

func TestSync_ConflictSuppressedSkipsRefresh(t *testing.T) {
	sess := newTestSession()
	backend := &mockBackend{saveErr: conflictErr()}
	syncer := NewSyncer(sess, backend, nil)

	err := syncer.Sync(context.Background(), Options{SuppressConflictRefresh: true})
	require.Error(t, err)
	assert.Zero(t, backend.fetches)
	assert.Equal(t, "h1", sess.Hash())
}

func TestSync_CallbackOrder(t *testing.T) {
	sess := newTestSession()
	backend := &mockBackend{}
	syncer := NewSyncer(sess, backend, nil)

	var calls []string
	err := syncer.Sync(context.Background(), Options{
		OnSuccess: func(resp *schema.DraftSaveResponse) {
			calls = append(calls, "success:"+resp.Hash)
		},
		OnError:   func(error) { calls = append(calls, "error") },
		OnSettled: func() { calls = append(calls, "settled") },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"success:h-next", "settled"}, calls)
}

func TestSync_ErrorCallbacks(t *testing.T) {
	sess := newTestSession()
	backend := &mockBackend{saveErr: errors.New("network down")}
	syncer := NewSyncer(sess, backend, nil)

	var calls []string
	err := syncer.Sync(context.Background(), Options{
		OnSuccess: func(*schema.DraftSaveResponse) { calls = append(calls, "success") },
		OnError:   func(error) { calls = append(calls, "error") },
		OnSettled: func() { calls = append(calls, "settled") },
	})
	require.Error(t, err)
	assert.Equal(t, []string{"error", "settled"}, calls)
	// Plain transport failures never trigger a refetch.
	assert.Zero(t, backend.fetches)
	assert.Equal(t, "h1", sess.Hash())
}

func TestFlushDetached_PayloadShape(t *testing.T) {
	sess := newTestSession()
	backend := &mockBackend{}
	syncer := NewSyncer(sess, backend, nil)

	syncer.FlushDetached()

	require.Len(t, backend.detached, 1)
	p := backend.detached[0]
	require.Len(t, p.Graph.Nodes, 1)
	assert.Equal(t, "n1", p.Graph.Nodes[0].ID)
	for k := range p.Graph.Nodes[0].Data {
		assert.NotEqual(t, byte('_'), k[0], "transient key %q leaked into detached payload", k)
	}
	assert.Equal(t, sess.Hash(), p.Hash)
	// The detached path never rotates the hash.
	assert.Equal(t, "h1", sess.Hash())
}

func TestFlushDetached_NoopPreconditions(t *testing.T) {
	backend := &mockBackend{}

	empty := session.New("p1")
	NewSyncer(empty, backend, nil).FlushDetached()

	locked := newTestSession()
	locked.SetReadOnly(true)
	NewSyncer(locked, backend, nil).FlushDetached()

	assert.Empty(t, backend.detached)
}

func TestSync_SerializesConcurrentCallers(t *testing.T) {
	sess := newTestSession()

	var inFlight, maxInFlight int
	var mu sync.Mutex
	backend := &slowBackend{mockBackend: &mockBackend{}, onSave: func() {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
	}}
	syncer := NewSyncer(sess, backend, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = syncer.Sync(context.Background(), Options{})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInFlight, "saves must never overlap")
	assert.Equal(t, 8, backend.saveCount())
}

type slowBackend struct {
	*mockBackend
	onSave func()
}

func (s *slowBackend) SaveDraft(ctx context.Context, id string, p schema.DraftPayload) (*schema.DraftSaveResponse, error) {
	s.onSave()
	return s.mockBackend.SaveDraft(ctx, id, p)
}

func TestSync_OverlappingCallerSendsRotatedHash(t *testing.T) {
	sess := newTestSession()
	backend := &gatedBackend{
		mockBackend: &mockBackend{},
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	syncer := NewSyncer(sess, backend, nil)

	first := make(chan error, 1)
	go func() { first <- syncer.Sync(context.Background(), Options{}) }()
	<-backend.entered

	// Issue the second sync while the first save is still in flight, give it
	// time to queue, then let the first save complete.
	second := make(chan error, 1)
	go func() { second <- syncer.Sync(context.Background(), Options{}) }()
	time.Sleep(20 * time.Millisecond)
	close(backend.release)

	require.NoError(t, <-first)
	require.NoError(t, <-second)

	require.Len(t, backend.saves, 2)
	assert.Equal(t, "h1", backend.saves[0].Hash)
	assert.Equal(t, "h2", backend.saves[1].Hash,
		"queued save must carry the hash rotated by the save it waited on")
	assert.Equal(t, "h3", sess.Hash())
}

// gatedBackend holds its first save open until released. Later saves pass
// straight through. Each save returns the next hash in the h2, h3, ... series.
type gatedBackend struct {
	*mockBackend
	entered chan struct{}
	release chan struct{}
}

func (g *gatedBackend) SaveDraft(_ context.Context, _ string, p schema.DraftPayload) (*schema.DraftSaveResponse, error) {
	g.mu.Lock()
	n := len(g.saves)
	g.saves = append(g.saves, p)
	g.mu.Unlock()
	if n == 0 {
		g.entered <- struct{}{}
		<-g.release
	}
	return &schema.DraftSaveResponse{Hash: fmt.Sprintf("h%d", n+2), UpdatedAt: time.Now().UTC()}, nil
}
