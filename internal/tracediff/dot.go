package tracediff

import (
	"fmt"
	"strings"

	"github.com/roach88/retrace/internal/value"
)

// DOT export. Output is deterministic: nodes in ID order, edges in
// first-traversal order, diff entries pre-sorted by variable name.

var stateColors = map[State]string{
	StateOnly1:    "red",
	StateOnly2:    "green",
	StateCommon:   "gray",
	StateModified: "orange",
}

// DOT renders an execution graph in Graphviz DOT form.
func (g *Graph) DOT() string {
	var b strings.Builder
	b.WriteString("digraph trace {\n")
	b.WriteString("  node [shape=box];\n")
	for _, n := range g.Nodes {
		fmt.Fprintf(&b, "  n%d [label=\"line %d (x%d)\"];\n", n.ID, n.Line, len(n.Generations))
	}
	for _, key := range g.EdgeOrder {
		e := g.Edges[key]
		fmt.Fprintf(&b, "  n%d -> n%d [label=%q];\n", e.From, e.To, edgeLabel(e.Diffs))
	}
	b.WriteString("}\n")
	return b.String()
}

// DOT renders an edit graph in Graphviz DOT form, coloring each node and
// edge by its state.
func (eg *EditGraph) DOT() string {
	var b strings.Builder
	b.WriteString("digraph editgraph {\n")
	b.WriteString("  node [shape=box];\n")
	for _, n := range eg.Nodes {
		fmt.Fprintf(&b, "  n%d [label=%q, color=%s];\n", n.ID, editNodeLabel(n), stateColors[n.State])
	}
	for _, e := range eg.Edges {
		fmt.Fprintf(&b, "  n%d -> n%d [color=%s];\n", e.From, e.To, stateColors[e.State])
	}
	b.WriteString("}\n")
	return b.String()
}

func editNodeLabel(n *EditNode) string {
	switch n.State {
	case StateOnly1:
		return fmt.Sprintf("line %d | -", n.Line1)
	case StateOnly2:
		return fmt.Sprintf("- | line %d", n.Line2)
	default:
		return fmt.Sprintf("line %d | line %d", n.Line1, n.Line2)
	}
}

// edgeLabel summarizes an edge's traversal diffs: one comma-separated
// clause per traversal, empty traversals rendered as "=".
func edgeLabel(diffs []value.Diff) string {
	parts := make([]string, len(diffs))
	for i, d := range diffs {
		if d.Empty() {
			parts[i] = "="
			continue
		}
		entries := make([]string, len(d.Entries))
		for j, e := range d.Entries {
			switch e.Kind {
			case value.DiffAdded:
				entries[j] = "+" + e.Key
			case value.DiffRemoved:
				entries[j] = "-" + e.Key
			default:
				entries[j] = e.Key + ":" + value.Display(e.Before) + ">" + value.Display(e.After)
			}
		}
		parts[i] = strings.Join(entries, ",")
	}
	return strings.Join(parts, " ; ")
}
