package value

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"unicode/utf16"
)

// Kind classifies a Value for storage purposes.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindStr
	KindList
	KindMap
	KindStruct
	KindOpaque
)

// String returns the storage name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindStr:
		return "str"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	case KindStruct:
		return "struct"
	case KindOpaque:
		return "opaque"
	default:
		return "unknown"
	}
}

// StorageClass groups kinds into the three persisted content-object classes.
type StorageClass string

const (
	ClassPrimitive       StorageClass = "primitive"
	ClassStructured      StorageClass = "structured"
	ClassUnrepresentable StorageClass = "unrepresentable"
)

// Value is a sealed interface over the recorded value types.
// Only the types in this package implement it.
type Value interface {
	Kind() Kind
	value() // sealed
}

// Null represents an absent value.
type Null struct{}

func (Null) Kind() Kind { return KindNull }
func (Null) value()     {}

// Bool is a boolean value.
type Bool bool

func (Bool) Kind() Kind { return KindBool }
func (Bool) value()     {}

// Int is a signed integer value. Always int64.
type Int int64

func (Int) Kind() Kind { return KindInt }
func (Int) value()     {}

// Float is a floating point value. Non-finite floats cannot be captured
// directly; the recorder degrades them to Opaque before they reach here.
type Float float64

func (Float) Kind() Kind { return KindFloat }
func (Float) value()     {}

// Str is a string value.
type Str string

func (Str) Kind() Kind { return KindStr }
func (Str) value()     {}

// List is an ordered sequence of values.
type List []Value

func (List) Kind() Kind { return KindList }
func (List) value()     {}

// Map is a string-keyed collection of values.
// Use SortedKeys for deterministic iteration.
type Map map[string]Value

func (Map) Kind() Kind { return KindMap }
func (Map) value()     {}

// Struct is a named composite: the captured state of a custom type.
// TypeName is the recorded type's name (with package path when known);
// Fields holds the exported state that could be captured.
type Struct struct {
	TypeName string
	Fields   Map
}

func (Struct) Kind() Kind { return KindStruct }
func (Struct) value()     {}

// Opaque stands in for a value that could not be fully captured.
// Display is a best-effort string form. For ordered collections, Elems
// holds whichever individual elements could be captured.
type Opaque struct {
	TypeName string
	Display  string
	Elems    []Value
}

func (Opaque) Kind() Kind { return KindOpaque }
func (Opaque) value()     {}

// Class maps a value's kind onto its persisted storage class.
func Class(v Value) StorageClass {
	switch v.Kind() {
	case KindNull, KindBool, KindInt, KindFloat, KindStr:
		return ClassPrimitive
	case KindOpaque:
		return ClassUnrepresentable
	default:
		return ClassStructured
	}
}

// SortedKeys returns the map's keys in RFC 8785 canonical order, which
// compares UTF-16 code units. Go's sort.Strings compares UTF-8 bytes and
// produces a different order for strings outside the BMP.
func (m Map) SortedKeys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysUTF16)
	return keys
}

func compareKeysUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	n := min(len(a16), len(b16))
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	default:
		return 0
	}
}

// Display renders a value for humans. It is lossy and must never be used
// for identity; use Canonical/ContentID for that.
func Display(v Value) string {
	switch val := v.(type) {
	case nil:
		return "<nil>"
	case Null:
		return "None"
	case Bool:
		if val {
			return "true"
		}
		return "false"
	case Int:
		return strconv.FormatInt(int64(val), 10)
	case Float:
		return strconv.FormatFloat(float64(val), 'g', -1, 64)
	case Str:
		return string(val)
	case List:
		parts := make([]string, len(val))
		for i, e := range val {
			parts[i] = Display(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case Map:
		keys := val.SortedKeys()
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + ": " + Display(val[k])
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case Struct:
		return val.TypeName + Display(val.Fields)
	case Opaque:
		if val.Display != "" {
			return val.Display
		}
		return fmt.Sprintf("<%s (unrepresentable)>", val.TypeName)
	default:
		return fmt.Sprintf("<unknown %T>", v)
	}
}
