package tracediff

import (
	"github.com/roach88/retrace/internal/value"
)

// Substitution and indel costs for the node alignment. A substitution is
// free when the line mapping agrees, prohibitively expensive otherwise,
// so unmapped nodes prefer delete+insert.
const (
	costSubstMatch    = 0
	costSubstMismatch = 10
	costIndel         = 1
)

// State classifies a node or edge of an edit graph.
type State string

const (
	StateOnly1    State = "only1"
	StateOnly2    State = "only2"
	StateCommon   State = "common"
	StateModified State = "modified"
)

// LineMapping is the externally supplied correspondence between the two
// traces' source lines, typically produced by a source differ. The zero
// value maps every line to itself.
type LineMapping struct {
	// OldToNew maps a first-trace line to its second-trace counterpart.
	// Nil means identity; a missing entry means the line was removed.
	OldToNew map[int]int

	// Modified marks first-trace lines whose text changed in place.
	Modified map[int]bool
}

// MapsTo resolves a first-trace line. ok is false for removed lines.
func (m LineMapping) MapsTo(line int) (int, bool) {
	if m.OldToNew == nil {
		return line, true
	}
	mapped, ok := m.OldToNew[line]
	return mapped, ok
}

// IsModified reports whether a first-trace line changed in place.
func (m LineMapping) IsModified(line int) bool {
	return m.Modified[line]
}

// EditNode is one node of an edit graph. Matched nodes carry both sides;
// only1/only2 nodes carry one.
type EditNode struct {
	ID     int
	Line1  int // 0 when the node exists only in the second graph
	Line2  int // 0 when the node exists only in the first graph
	Vars1  []map[string]value.Value
	Vars2  []map[string]value.Value
	State  State
	Equal  bool // matched nodes: generation data agrees on both sides
}

// EditEdge is one edge of an edit graph, carrying the traversal diffs of
// whichever sides it exists on.
type EditEdge struct {
	From, To int
	State    State
	Diffs1   []value.Diff
	Diffs2   []value.Diff
}

// EditGraph is the correspondence between two execution graphs.
type EditGraph struct {
	Nodes []*EditNode
	Edges []*EditEdge
}

// EditGraphOf computes a minimum-cost correspondence between two
// execution graphs. Nodes are aligned over their first-visit order with
// the line mapping as the substitution cost; matched nodes whose
// generation data (or mapped line text) differs are tagged modified,
// unmatched nodes and edges only1 or only2.
func EditGraphOf(g1, g2 *Graph, mapping LineMapping) *EditGraph {
	match, del, ins := alignNodes(g1, g2, mapping)

	out := &EditGraph{}
	idOffset := len(g1.Nodes)

	// g2 node ID -> edit-graph node ID (g1 ID for matched, offset for inserted)
	g2ToEdit := make(map[int]int, len(g2.Nodes))
	matched := make(map[int]int, len(match)) // g1 ID -> g2 ID
	for _, pair := range match {
		matched[pair[0]] = pair[1]
		g2ToEdit[pair[1]] = pair[0]
	}

	for _, n1 := range g1.Nodes {
		node := &EditNode{ID: n1.ID, Line1: n1.Line, Vars1: n1.Generations}
		if j, ok := matched[n1.ID]; ok {
			n2 := g2.Nodes[j]
			node.Line2 = n2.Line
			node.Vars2 = n2.Generations
			node.Equal = generationsEqual(n1.Generations, n2.Generations)
			if node.Equal && !mapping.IsModified(n1.Line) {
				node.State = StateCommon
			} else {
				node.State = StateModified
			}
		} else {
			node.State = StateOnly1
		}
		out.Nodes = append(out.Nodes, node)
	}
	_ = del // deleted g1 nodes are exactly the unmatched ones above

	for _, j := range ins {
		n2 := g2.Nodes[j]
		id := idOffset + n2.ID
		g2ToEdit[n2.ID] = id
		out.Nodes = append(out.Nodes, &EditNode{
			ID:    id,
			Line2: n2.Line,
			Vars2: n2.Generations,
			State: StateOnly2,
		})
	}

	// Edges: g1 edges are common when the matched counterparts are also
	// connected in g2, only1 otherwise. Remaining g2 edges are only2,
	// with endpoints remapped onto edit-graph IDs.
	coveredG2 := make(map[EdgeKey]bool)
	for _, key := range g1.EdgeOrder {
		e1 := g1.Edges[key]
		edge := &EditEdge{From: e1.From, To: e1.To, State: StateOnly1, Diffs1: e1.Diffs}
		if fromG2, ok := matched[e1.From]; ok {
			if toG2, ok := matched[e1.To]; ok {
				g2Key := EdgeKey{From: fromG2, To: toG2}
				if e2, ok := g2.Edges[g2Key]; ok {
					edge.State = StateCommon
					edge.Diffs2 = e2.Diffs
					coveredG2[g2Key] = true
				}
			}
		}
		out.Edges = append(out.Edges, edge)
	}
	for _, key := range g2.EdgeOrder {
		if coveredG2[key] {
			continue
		}
		e2 := g2.Edges[key]
		out.Edges = append(out.Edges, &EditEdge{
			From:   g2ToEdit[e2.From],
			To:     g2ToEdit[e2.To],
			State:  StateOnly2,
			Diffs2: e2.Diffs,
		})
	}
	return out
}

// alignNodes runs a standard alignment DP over the two graphs'
// first-visit node orders. Returns matched index pairs (g1, g2),
// deleted g1 indices and inserted g2 indices.
func alignNodes(g1, g2 *Graph, mapping LineMapping) (match [][2]int, del, ins []int) {
	n, m := len(g1.Nodes), len(g2.Nodes)
	cost := make([][]int, n+1)
	for i := range cost {
		cost[i] = make([]int, m+1)
	}
	for i := 1; i <= n; i++ {
		cost[i][0] = i * costIndel
	}
	for j := 1; j <= m; j++ {
		cost[0][j] = j * costIndel
	}
	subst := func(i, j int) int {
		mapped, ok := mapping.MapsTo(g1.Nodes[i].Line)
		if ok && mapped == g2.Nodes[j].Line {
			return costSubstMatch
		}
		return costSubstMismatch
	}
	for i := 1; i <= n; i++ {
		for j := 1; j <= m; j++ {
			best := cost[i-1][j-1] + subst(i-1, j-1)
			if c := cost[i-1][j] + costIndel; c < best {
				best = c
			}
			if c := cost[i][j-1] + costIndel; c < best {
				best = c
			}
			cost[i][j] = best
		}
	}

	// Traceback, preferring substitution so equal-cost paths stay aligned.
	i, j := n, m
	for i > 0 || j > 0 {
		switch {
		case i > 0 && j > 0 && cost[i][j] == cost[i-1][j-1]+subst(i-1, j-1):
			match = append([][2]int{{i - 1, j - 1}}, match...)
			i--
			j--
		case i > 0 && cost[i][j] == cost[i-1][j]+costIndel:
			del = append([]int{i - 1}, del...)
			i--
		default:
			ins = append([]int{j - 1}, ins...)
			j--
		}
	}
	return match, del, ins
}

func generationsEqual(a, b []map[string]value.Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if len(a[i]) != len(b[i]) {
			return false
		}
		for k, av := range a[i] {
			bv, ok := b[i][k]
			if !ok || !value.Equal(av, bv) {
				return false
			}
		}
	}
	return true
}
