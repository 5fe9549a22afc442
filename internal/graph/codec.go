// Package graph converts the in-memory editor graph into its wire form.
package graph

import (
	"strings"

	"github.com/rendis/draftflow/pkg/schema"
)

// Encode produces the persistable wire form of g:
//   - nodes flagged temporary are dropped entirely;
//   - every remaining node/edge data key with the transient prefix is removed;
//   - the viewport is carried over as-is.
//
// Pure and deterministic: the input graph is never mutated, and two calls on
// the same graph yield identical output.
func Encode(g schema.Graph) schema.Graph {
	out := schema.Graph{
		Nodes:    make([]schema.Node, 0, len(g.Nodes)),
		Edges:    make([]schema.Edge, 0, len(g.Edges)),
		Viewport: g.Viewport,
	}

	for _, n := range g.Nodes {
		if isTempNode(n) {
			continue
		}
		out.Nodes = append(out.Nodes, schema.Node{
			ID:       n.ID,
			Position: n.Position,
			Data:     stripTransient(n.Data),
		})
	}

	for _, e := range g.Edges {
		out.Edges = append(out.Edges, schema.Edge{
			ID:     e.ID,
			Source: e.Source,
			Target: e.Target,
			Data:   stripTransient(e.Data),
		})
	}

	return out
}

func isTempNode(n schema.Node) bool {
	v, ok := n.Data[schema.TempNodeKey]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// stripTransient returns a copy of data without transient-prefixed keys.
// A nil map stays nil so empty edges keep their wire shape.
func stripTransient(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if strings.HasPrefix(k, schema.TransientKeyPrefix) {
			continue
		}
		out[k] = v
	}
	return out
}
