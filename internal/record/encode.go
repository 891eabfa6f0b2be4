package record

import (
	"fmt"
	"math"
	"reflect"
	"sort"

	"github.com/roach88/retrace/internal/value"
)

// maxElems caps how many elements of an ordered collection are captured
// structurally inside an Opaque stand-in.
const maxElems = 32

// Encode converts a native Go value into its captured form.
//
// Primitives, strings, slices, arrays, string-keyed maps and structs map
// onto their structural counterparts. Anything else (channels, funcs,
// unsafe pointers, non-finite floats, non-string map keys) degrades to an
// Opaque stand-in carrying the type name, a display string and, for
// ordered collections, a partial structural capture of elements. Encode
// never fails: a value that cannot be represented is still recorded as
// the best stand-in available.
func Encode(v any) value.Value {
	if v == nil {
		return value.Null{}
	}
	if vv, ok := v.(value.Value); ok {
		return vv
	}
	return encodeReflect(reflect.ValueOf(v), 0)
}

// maxDepth bounds structural recursion for cyclic or deeply nested values.
const maxDepth = 16

func encodeReflect(rv reflect.Value, depth int) value.Value {
	if depth > maxDepth {
		return opaqueOf(rv)
	}

	switch rv.Kind() {
	case reflect.Invalid:
		return value.Null{}
	case reflect.Bool:
		return value.Bool(rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return value.Int(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return value.Int(int64(rv.Uint()))
	case reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return opaqueOf(rv)
		}
		return value.Int(int64(u))
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return opaqueOf(rv)
		}
		return value.Float(f)
	case reflect.String:
		return value.Str(rv.String())
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return value.Null{}
		}
		return encodeReflect(rv.Elem(), depth+1)
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return value.Null{}
		}
		out := make(value.List, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = encodeReflect(rv.Index(i), depth+1)
		}
		return out
	case reflect.Map:
		if rv.IsNil() {
			return value.Null{}
		}
		if rv.Type().Key().Kind() != reflect.String {
			return opaqueOf(rv)
		}
		out := make(value.Map, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = encodeReflect(iter.Value(), depth+1)
		}
		return out
	case reflect.Struct:
		return encodeStruct(rv, depth)
	default:
		// Chan, Func, UnsafePointer, Complex
		return opaqueOf(rv)
	}
}

func encodeStruct(rv reflect.Value, depth int) value.Value {
	t := rv.Type()
	fields := make(value.Map)
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		fields[f.Name] = encodeReflect(rv.Field(i), depth+1)
	}
	return value.Struct{TypeName: typeName(t), Fields: fields}
}

// opaqueOf builds the unrepresentable stand-in: type name, display string,
// and for ordered collections a partial element capture.
func opaqueOf(rv reflect.Value) value.Value {
	op := value.Opaque{
		TypeName: typeName(rv.Type()),
		Display:  displayOf(rv),
	}
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		n := min(rv.Len(), maxElems)
		op.Elems = make([]value.Value, n)
		for i := 0; i < n; i++ {
			op.Elems[i] = encodeReflect(rv.Index(i), maxDepth) // shallow
		}
	case reflect.Map:
		// Non-string-keyed maps: capture values in deterministic key order.
		keys := make([]string, 0, rv.Len())
		byKey := make(map[string]reflect.Value, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := fmt.Sprint(iter.Key().Interface())
			keys = append(keys, k)
			byKey[k] = iter.Value()
		}
		sort.Strings(keys)
		if len(keys) > maxElems {
			keys = keys[:maxElems]
		}
		op.Elems = make([]value.Value, len(keys))
		for i, k := range keys {
			op.Elems[i] = encodeReflect(byKey[k], maxDepth)
		}
	}
	return op
}

func typeName(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	if t.PkgPath() != "" {
		return t.PkgPath() + "." + t.Name()
	}
	return t.String()
}

func displayOf(rv reflect.Value) string {
	if !rv.CanInterface() {
		return "<" + rv.Type().String() + ">"
	}
	return fmt.Sprintf("%v", rv.Interface())
}
