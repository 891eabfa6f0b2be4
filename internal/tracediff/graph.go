package tracediff

import (
	"context"
	"fmt"
	"sort"

	"github.com/roach88/retrace/internal/store"
	"github.com/roach88/retrace/internal/value"
)

// Step is one observed line execution: the line number and the locally
// visible variables at that point.
type Step struct {
	Line int
	Vars map[string]value.Value
}

// Node is one distinct executed line. Revisits of the same line reuse the
// node, appending each visit's variables as a new generation; loops
// therefore collapse to one node with multiple generations.
type Node struct {
	ID          int
	Line        int
	Generations []map[string]value.Value
}

// EdgeKey identifies a directed edge by node IDs.
type EdgeKey struct {
	From, To int
}

// Edge records the control transfers between two nodes. Each traversal
// contributes one per-variable diff between the two endpoint states.
type Edge struct {
	From, To int
	Diffs    []value.Diff
}

// Graph is the per-line execution graph of one call.
type Graph struct {
	// Nodes in first-visit order.
	Nodes []*Node

	// Edges keyed by endpoints; EdgeOrder preserves first-traversal order.
	Edges     map[EdgeKey]*Edge
	EdgeOrder []EdgeKey

	byLine map[int]*Node
}

// NodeByLine returns the node for a line, or nil.
func (g *Graph) NodeByLine(line int) *Node {
	return g.byLine[line]
}

// BuildGraph folds a call's step sequence into its execution graph.
func BuildGraph(steps []Step) *Graph {
	g := &Graph{
		Edges:  make(map[EdgeKey]*Edge),
		byLine: make(map[int]*Node),
	}
	var prev *Node
	for _, step := range steps {
		node := g.byLine[step.Line]
		if node == nil {
			node = &Node{ID: len(g.Nodes), Line: step.Line}
			g.Nodes = append(g.Nodes, node)
			g.byLine[step.Line] = node
		}
		node.Generations = append(node.Generations, step.Vars)

		if prev != nil {
			// Diff against the previous node's state just before this
			// step, i.e. its latest generation at traversal time.
			prevVars := prev.Generations[len(prev.Generations)-1]
			if prev == node {
				prevVars = node.Generations[len(node.Generations)-2]
			}
			key := EdgeKey{From: prev.ID, To: node.ID}
			edge := g.Edges[key]
			if edge == nil {
				edge = &Edge{From: prev.ID, To: node.ID}
				g.Edges[key] = edge
				g.EdgeOrder = append(g.EdgeOrder, key)
			}
			edge.Diffs = append(edge.Diffs, diffVars(prevVars, step.Vars))
		}
		prev = node
	}
	return g
}

// diffVars classifies the variable changes between two states: a name
// present only after is added, only before is removed, present in both
// with different values is changed.
func diffVars(before, after map[string]value.Value) value.Diff {
	names := make(map[string]bool, len(before)+len(after))
	for k := range before {
		names[k] = true
	}
	for k := range after {
		names[k] = true
	}
	sorted := make([]string, 0, len(names))
	for k := range names {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	var diff value.Diff
	for _, k := range sorted {
		b, inBefore := before[k]
		a, inAfter := after[k]
		switch {
		case !inBefore:
			diff.Entries = append(diff.Entries, value.DiffEntry{Key: k, Kind: value.DiffAdded, After: a})
		case !inAfter:
			diff.Entries = append(diff.Entries, value.DiffEntry{Key: k, Kind: value.DiffRemoved, Before: b})
		case !value.Equal(b, a):
			diff.Entries = append(diff.Entries, value.DiffEntry{Key: k, Kind: value.DiffChanged, Before: b, After: a})
		}
	}
	return diff
}

// StepsForCall loads a call's snapshot sequence from the store and
// resolves each snapshot's locals into structural values. Globals are
// excluded: graph diffs cover locally visible names only.
func StepsForCall(ctx context.Context, s *store.Store, callID int64) ([]Step, error) {
	snaps, err := s.SnapshotsForCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	steps := make([]Step, 0, len(snaps))
	for _, snap := range snaps {
		vars := make(map[string]value.Value, len(snap.LocalsRefs))
		for name, ref := range snap.LocalsRefs {
			v, err := s.GetValue(ctx, ref)
			if err != nil {
				return nil, fmt.Errorf("snapshot %d slot %q: %w", snap.ID, name, err)
			}
			vars[name] = v
		}
		steps = append(steps, Step{Line: snap.Line, Vars: vars})
	}
	return steps, nil
}
