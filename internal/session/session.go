// Package session holds the mutable state of one editor session: the live
// graph, the draft version token, variables and the backup slot. All other
// subsystems receive a *Session instead of reaching for ambient globals.
package session

import (
	"sync"
	"time"

	"github.com/rendis/draftflow/pkg/schema"
)

// Backup is a point-in-time snapshot captured before a destructive trial
// action. At most one exists per session.
type Backup struct {
	Graph                schema.Graph
	EnvironmentVariables []schema.Variable
}

// Session is the single logical owner of the graph, hash and run state for
// one open editor. Safe for concurrent use; every accessor takes the lock.
type Session struct {
	mu sync.RWMutex

	pipelineID string
	readOnly   bool

	graph                schema.Graph
	environmentVariables []schema.Variable
	ragPipelineVariables []schema.Variable

	hash        string
	lastSavedAt time.Time

	backup *Backup
}

// New creates a session for the given pipeline.
func New(pipelineID string) *Session {
	return &Session{pipelineID: pipelineID}
}

// PipelineID returns the pipeline this session edits.
func (s *Session) PipelineID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pipelineID
}

// ReadOnly reports whether the session is locked (e.g. viewing a historical
// version). Mutating operations are silent no-ops while locked.
func (s *Session) ReadOnly() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readOnly
}

// SetReadOnly toggles the locked state.
func (s *Session) SetReadOnly(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readOnly = v
}

// Graph returns a deep copy of the live graph. Callers get an isolated view;
// mutations go through SetGraph or UpdateNodes.
func (s *Session) Graph() schema.Graph {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return schema.CloneGraph(s.graph)
}

// SetGraph replaces the live graph wholesale.
func (s *Session) SetGraph(g schema.Graph) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.graph = schema.CloneGraph(g)
}

// UpdateNodes applies fn to every node's data map in place, under the lock.
// Used for transient marker resets and per-node run-status updates.
func (s *Session) UpdateNodes(fn func(n *schema.Node)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.graph.Nodes {
		if s.graph.Nodes[i].Data == nil {
			s.graph.Nodes[i].Data = make(map[string]any)
		}
		fn(&s.graph.Nodes[i])
	}
}

// UpdateNode applies fn to the node with the given id, if present.
func (s *Session) UpdateNode(id string, fn func(n *schema.Node)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.graph.Nodes {
		if s.graph.Nodes[i].ID != id {
			continue
		}
		if s.graph.Nodes[i].Data == nil {
			s.graph.Nodes[i].Data = make(map[string]any)
		}
		fn(&s.graph.Nodes[i])
		return true
	}
	return false
}

// NodeCount returns the number of nodes in the live graph.
func (s *Session) NodeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.graph.Nodes)
}

// EnvironmentVariables returns a copy of the session's environment variables.
func (s *Session) EnvironmentVariables() []schema.Variable {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return schema.CloneVariables(s.environmentVariables)
}

// SetEnvironmentVariables replaces the environment variables.
func (s *Session) SetEnvironmentVariables(vars []schema.Variable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.environmentVariables = schema.CloneVariables(vars)
}

// RagPipelineVariables returns a copy of the pipeline-level variables.
func (s *Session) RagPipelineVariables() []schema.Variable {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return schema.CloneVariables(s.ragPipelineVariables)
}

// SetRagPipelineVariables replaces the pipeline-level variables.
func (s *Session) SetRagPipelineVariables(vars []schema.Variable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ragPipelineVariables = schema.CloneVariables(vars)
}

// Hash returns the last-known server version token. Opaque; the client never
// computes or validates it.
func (s *Session) Hash() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hash
}

// SetHash rotates the version token.
func (s *Session) SetHash(h string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hash = h
}

// LastSavedAt returns the timestamp of the last successful draft save.
func (s *Session) LastSavedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSavedAt
}

// SetLastSavedAt records a successful save.
func (s *Session) SetLastSavedAt(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSavedAt = t
}

// TakeBackupIfAbsent stores b if no backup exists yet. Returns true when the
// snapshot was stored, false when one was already pending (idempotent no-op).
func (s *Session) TakeBackupIfAbsent(b Backup) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backup != nil {
		return false
	}
	s.backup = &b
	return true
}

// ConsumeBackup removes and returns the pending backup, or nil.
func (s *Session) ConsumeBackup() *Backup {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.backup
	s.backup = nil
	return b
}

// HasBackup reports whether a backup is pending.
func (s *Session) HasBackup() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backup != nil
}
