package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Decode parses a canonical payload back into a Value tree.
// It is the inverse of Canonical.
func Decode(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return fromRaw(raw)
}

func fromRaw(raw any) (Value, error) {
	switch v := raw.(type) {
	case nil:
		return Null{}, nil
	case bool:
		return Bool(v), nil
	case string:
		return Str(v), nil
	case json.Number:
		s := string(v)
		if strings.ContainsAny(s, ".eE") {
			// Canonical integers never carry a fraction or exponent.
			return nil, fmt.Errorf("unexpected bare float %q in canonical payload", s)
		}
		n, err := v.Int64()
		if err != nil {
			return nil, fmt.Errorf("integer out of range: %q", s)
		}
		return Int(n), nil
	case []any:
		list := make(List, len(v))
		for i, e := range v {
			ev, err := fromRaw(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			list[i] = ev
		}
		return list, nil
	case map[string]any:
		return fromRawObject(v)
	default:
		return nil, fmt.Errorf("unsupported payload element %T", raw)
	}
}

func fromRawObject(obj map[string]any) (Value, error) {
	if f, ok := obj[tagFloat]; ok {
		s, ok := f.(string)
		if !ok {
			return nil, fmt.Errorf("malformed float tag %v", f)
		}
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed float %q: %w", s, err)
		}
		return Float(n), nil
	}

	if o, ok := obj[tagOpaque]; ok {
		typeName, _ := o.(string)
		display, _ := obj[tagDisplay].(string)
		op := Opaque{TypeName: typeName, Display: display}
		if rawElems, ok := obj[tagElems].([]any); ok {
			op.Elems = make([]Value, len(rawElems))
			for i, e := range rawElems {
				ev, err := fromRaw(e)
				if err != nil {
					return nil, fmt.Errorf("opaque elem [%d]: %w", i, err)
				}
				op.Elems[i] = ev
			}
		}
		return op, nil
	}

	rawFields, ok := obj[tagMap].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("bare object in canonical payload (missing %q tag)", tagMap)
	}
	fields := make(Map, len(rawFields))
	for k, e := range rawFields {
		ev, err := fromRaw(e)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		fields[k] = ev
	}
	if name, ok := obj[tagStruct].(string); ok {
		return Struct{TypeName: name, Fields: fields}, nil
	}
	return fields, nil
}
