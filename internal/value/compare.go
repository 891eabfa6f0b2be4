package value

import (
	"fmt"
	"strconv"
)

// DiffKind classifies one entry of a structural diff.
type DiffKind string

const (
	DiffAdded   DiffKind = "added"
	DiffRemoved DiffKind = "removed"
	DiffChanged DiffKind = "changed"
)

// DiffEntry records one differing slot between two values.
// Key is the map key, struct field, or decimal list index.
type DiffEntry struct {
	Key    string
	Kind   DiffKind
	Before Value // nil for added entries
	After  Value // nil for removed entries
}

// Diff is the structural difference between two values.
// Entries are ordered deterministically (canonical key order for keyed
// structures, positional order for sequences).
type Diff struct {
	Entries []DiffEntry
}

// Empty reports whether the two compared values were equal.
func (d Diff) Empty() bool { return len(d.Entries) == 0 }

// Compare computes the structural diff between two stored values. It is a
// pure function of the two payloads and never touches live program state.
//
// Key-bearing structures (maps, structs) diff over the union of their keys;
// sequences diff positionally. Comparing a value with itself always yields
// the empty diff. Mismatched shapes (keyed vs sequence, or either input
// missing) are reported as an error value, not a panic: diffs are usually
// requested from exploratory contexts.
func Compare(a, b Value) (Diff, error) {
	if a == nil || b == nil {
		return Diff{}, fmt.Errorf("compare: missing input (a=%v, b=%v)", a != nil, b != nil)
	}

	aFields, aKeyed := keyedFields(a)
	bFields, bKeyed := keyedFields(b)
	if aKeyed && bKeyed {
		return compareKeyed(aFields, bFields), nil
	}

	aList, aSeq := a.(List)
	bList, bSeq := b.(List)
	if aSeq && bSeq {
		return compareSequences(aList, bList), nil
	}

	if aKeyed != bKeyed || aSeq != bSeq {
		return Diff{}, fmt.Errorf("compare: mismatched shapes (%s vs %s)", a.Kind(), b.Kind())
	}

	// Two primitives (or opaques): either equal or wholly changed.
	if Equal(a, b) {
		return Diff{}, nil
	}
	return Diff{Entries: []DiffEntry{{Kind: DiffChanged, Before: a, After: b}}}, nil
}

func keyedFields(v Value) (Map, bool) {
	switch val := v.(type) {
	case Map:
		return val, true
	case Struct:
		return val.Fields, true
	default:
		return nil, false
	}
}

func compareKeyed(a, b Map) Diff {
	var d Diff
	union := make(Map, len(a)+len(b))
	for k, v := range a {
		union[k] = v
	}
	for k, v := range b {
		union[k] = v
	}
	for _, k := range union.SortedKeys() {
		av, inA := a[k]
		bv, inB := b[k]
		switch {
		case !inA:
			d.Entries = append(d.Entries, DiffEntry{Key: k, Kind: DiffAdded, After: bv})
		case !inB:
			d.Entries = append(d.Entries, DiffEntry{Key: k, Kind: DiffRemoved, Before: av})
		case !Equal(av, bv):
			d.Entries = append(d.Entries, DiffEntry{Key: k, Kind: DiffChanged, Before: av, After: bv})
		}
	}
	return d
}

func compareSequences(a, b List) Diff {
	var d Diff
	n := max(len(a), len(b))
	for i := 0; i < n; i++ {
		key := strconv.Itoa(i)
		switch {
		case i >= len(a):
			d.Entries = append(d.Entries, DiffEntry{Key: key, Kind: DiffAdded, After: b[i]})
		case i >= len(b):
			d.Entries = append(d.Entries, DiffEntry{Key: key, Kind: DiffRemoved, Before: a[i]})
		case !Equal(a[i], b[i]):
			d.Entries = append(d.Entries, DiffEntry{Key: key, Kind: DiffChanged, Before: a[i], After: b[i]})
		}
	}
	return d
}

// Equal reports deep structural equality of two values.
func Equal(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Kind() != b.Kind() {
		return false
	}
	switch av := a.(type) {
	case Null:
		return true
	case Bool:
		return av == b.(Bool)
	case Int:
		return av == b.(Int)
	case Float:
		return av == b.(Float)
	case Str:
		return av == b.(Str)
	case List:
		bv := b.(List)
		if len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case Map:
		return mapsEqual(av, b.(Map))
	case Struct:
		bv := b.(Struct)
		return av.TypeName == bv.TypeName && mapsEqual(av.Fields, bv.Fields)
	case Opaque:
		bv := b.(Opaque)
		if av.TypeName != bv.TypeName || av.Display != bv.Display || len(av.Elems) != len(bv.Elems) {
			return false
		}
		for i := range av.Elems {
			if !Equal(av.Elems[i], bv.Elems[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func mapsEqual(a, b Map) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !Equal(av, bv) {
			return false
		}
	}
	return true
}
