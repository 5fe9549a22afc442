package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// TransientKeyPrefix marks node/edge data keys that exist only for in-flight
// UI interaction. Keys with this prefix are never persisted to the server.
const TransientKeyPrefix = "_"

// TempNodeKey flags a node that exists only for an in-progress canvas
// interaction (e.g. drag-to-create). Such nodes are excluded from the
// persisted graph entirely.
const TempNodeKey = "_isTempNode"

// Reserved transient keys used by the run projection layer.
const (
	SelectedKey      = "selected"
	RunningStatusKey = "_runningStatus"
)

// Position is a node's canvas coordinate.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Viewport is the canvas transform at serialization time.
type Viewport struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Zoom float64 `json:"zoom"`
}

// Node is a single workflow graph node. Data holds node-type specific
// configuration plus transient UI keys (see TransientKeyPrefix).
type Node struct {
	ID       string         `json:"id"`
	Data     map[string]any `json:"data"`
	Position Position       `json:"position"`
}

// Edge connects two nodes. Data may carry transient keys just like Node.Data.
type Edge struct {
	ID     string         `json:"id"`
	Source string         `json:"source"`
	Target string         `json:"target"`
	Data   map[string]any `json:"data,omitempty"`
}

// Graph is the in-memory workflow graph owned by the editor session.
// Node/edge order is insertion order; ids must be unique.
type Graph struct {
	Nodes    []Node   `json:"nodes"`
	Edges    []Edge   `json:"edges"`
	Viewport Viewport `json:"viewport"`
}

// Variable is an environment or pipeline-level variable attached to a draft.
type Variable struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Value     any    `json:"value"`
	ValueType string `json:"value_type,omitempty"`
	Secret    bool   `json:"secret,omitempty"`
}

// DraftPayload is the wire body for POST /pipelines/{id}/workflows/draft.
type DraftPayload struct {
	Graph                Graph      `json:"graph"`
	EnvironmentVariables []Variable `json:"environment_variables"`
	RagPipelineVariables []Variable `json:"rag_pipeline_variables"`
	Hash                 string     `json:"hash"`
}

// DraftSaveResponse is the success body of a draft save: the rotated version
// token and the server-side save timestamp.
type DraftSaveResponse struct {
	Hash      string    `json:"hash"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Draft is the full server-held draft returned by a refetch.
type Draft struct {
	Graph                Graph      `json:"graph"`
	EnvironmentVariables []Variable `json:"environment_variables"`
	RagPipelineVariables []Variable `json:"rag_pipeline_variables"`
	Hash                 string     `json:"hash"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// PublishedVersion is a previously published snapshot used for wholesale
// restore of the editor session.
type PublishedVersion struct {
	Version              string     `json:"version"`
	Graph                Graph      `json:"graph"`
	EnvironmentVariables []Variable `json:"environment_variables"`
	RagPipelineVariables []Variable `json:"rag_pipeline_variables"`
}

// ValidateGraph checks the id-uniqueness invariant for nodes and edges.
func ValidateGraph(g Graph) error {
	seen := make(map[string]struct{}, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			return NewError(ErrCodeValidation, "node with empty id")
		}
		if _, dup := seen[n.ID]; dup {
			return NewErrorf(ErrCodeValidation, "duplicate node id %q", n.ID)
		}
		seen[n.ID] = struct{}{}
	}
	seenEdges := make(map[string]struct{}, len(g.Edges))
	for _, e := range g.Edges {
		if _, dup := seenEdges[e.ID]; dup {
			return NewErrorf(ErrCodeValidation, "duplicate edge id %q", e.ID)
		}
		seenEdges[e.ID] = struct{}{}
	}
	return nil
}

// CloneGraph returns a deep copy of g. Used by the backup store so later
// canvas edits cannot mutate a captured snapshot.
func CloneGraph(g Graph) Graph {
	out := Graph{
		Nodes:    make([]Node, len(g.Nodes)),
		Edges:    make([]Edge, len(g.Edges)),
		Viewport: g.Viewport,
	}
	for i, n := range g.Nodes {
		out.Nodes[i] = Node{ID: n.ID, Position: n.Position, Data: cloneData(n.Data)}
	}
	for i, e := range g.Edges {
		out.Edges[i] = Edge{ID: e.ID, Source: e.Source, Target: e.Target, Data: cloneData(e.Data)}
	}
	return out
}

// CloneVariables returns a copy of the variable slice.
func CloneVariables(vars []Variable) []Variable {
	if vars == nil {
		return nil
	}
	out := make([]Variable, len(vars))
	copy(out, vars)
	return out
}

func cloneData(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	// JSON round-trip keeps nested maps/slices independent of the original.
	raw, err := json.Marshal(m)
	if err != nil {
		// Data came from JSON in the first place; fall back to a shallow copy.
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("clone node data: %v", err))
	}
	return out
}
