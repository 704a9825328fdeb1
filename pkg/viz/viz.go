// Package viz renders a map's notes and connections to SVG via graphviz.
package viz

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/mindmesh/mindmesh/pkg/model"
)

const labelLimit = 40

// RenderSVG lays the map out as a directed graph: one node per note labelled
// with its (truncated) content, one edge per connection. Dangling
// connections are drawn against placeholder nodes rather than dropped, so
// the render shows what the document actually holds.
func RenderSVG(m *model.MapJSON) ([]byte, error) {
	g := graphviz.New()

	graph, err := g.Graph()
	if err != nil {
		return nil, fmt.Errorf("failed to setup graph: %w", err)
	}

	nodeMap := make(map[string]*cgraph.Node, len(m.Notes))
	for _, note := range m.Notes {
		n, err := graph.CreateNode(note.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(nodeLabel(note))
		nodeMap[note.ID] = n
	}

	ensure := func(id string) (*cgraph.Node, error) {
		if n, ok := nodeMap[id]; ok {
			return n, nil
		}
		n, err := graph.CreateNode(id)
		if err != nil {
			return nil, fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(id + "?")
		nodeMap[id] = n
		return n, nil
	}

	for i, c := range m.Connections {
		from, err := ensure(c.From)
		if err != nil {
			return nil, err
		}
		to, err := ensure(c.To)
		if err != nil {
			return nil, err
		}
		e, err := graph.CreateEdge(fmt.Sprintf("e%d", i), from, to)
		if err != nil {
			return nil, fmt.Errorf("failed to create edge: %w", err)
		}
		if c.Type != "" && c.Type != model.DefaultConnectionType {
			e.SetLabel(c.Type)
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return nil, fmt.Errorf("failed to render: %w", err)
	}
	return buff.Bytes(), nil
}

func nodeLabel(n model.Note) string {
	label := n.Content
	if label == "" {
		label = n.ID
	}
	runes := []rune(label)
	if len(runes) > labelLimit {
		label = string(runes[:labelLimit]) + "…"
	}
	return label
}
