package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// Tag keys for the canonical wire form. Bare JSON objects never appear in
// the encoding: maps are wrapped in {"$m": ...}, so the tags cannot collide
// with recorded map keys.
const (
	tagFloat   = "$f" // {"$f": "<shortest round-trip decimal>"}
	tagMap     = "$m" // {"$m": {...}} and Struct {"$m": {...}, "$s": "name"}
	tagStruct  = "$s"
	tagElems   = "$e" // Opaque partial elements
	tagOpaque  = "$o" // Opaque type name
	tagDisplay = "$r" // Opaque display string
)

// Canonical produces the deterministic serialized form of a value.
// Identical values always produce identical bytes, so the result is the
// sole input to ContentID.
//
// The encoding follows RFC 8785 where JSON allows it:
//   - object keys sorted by UTF-16 code units
//   - strings NFC normalized, no HTML escaping
//   - integers as plain decimals
//
// Floats are carried as tagged shortest round-trip decimal strings, which
// is deterministic for a given bit pattern. Non-finite floats have no
// canonical form and return an error; the recorder degrades them to Opaque
// before storage.
func Canonical(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v Value) error {
	switch val := v.(type) {
	case nil:
		return fmt.Errorf("cannot serialize untyped nil; use value.Null")
	case Null:
		buf.WriteString("null")
	case Bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case Int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case Float:
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("non-finite float %v has no canonical form", f)
		}
		buf.WriteString(`{"` + tagFloat + `":`)
		if err := writeCanonicalString(buf, strconv.FormatFloat(f, 'g', -1, 64)); err != nil {
			return err
		}
		buf.WriteByte('}')
	case Str:
		return writeCanonicalString(buf, string(val))
	case List:
		buf.WriteByte('[')
		for i, e := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, e); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case Map:
		buf.WriteString(`{"` + tagMap + `":`)
		if err := writeCanonicalFields(buf, val); err != nil {
			return err
		}
		buf.WriteByte('}')
	case Struct:
		// "$m" sorts before "$s" in UTF-16 order.
		buf.WriteString(`{"` + tagMap + `":`)
		if err := writeCanonicalFields(buf, val.Fields); err != nil {
			return err
		}
		buf.WriteString(`,"` + tagStruct + `":`)
		if err := writeCanonicalString(buf, val.TypeName); err != nil {
			return err
		}
		buf.WriteByte('}')
	case Opaque:
		// "$e" < "$o" < "$r" in UTF-16 order.
		buf.WriteByte('{')
		if len(val.Elems) > 0 {
			buf.WriteString(`"` + tagElems + `":[`)
			for i, e := range val.Elems {
				if i > 0 {
					buf.WriteByte(',')
				}
				if err := writeCanonical(buf, e); err != nil {
					return fmt.Errorf("opaque elem [%d]: %w", i, err)
				}
			}
			buf.WriteString(`],`)
		}
		buf.WriteString(`"` + tagOpaque + `":`)
		if err := writeCanonicalString(buf, val.TypeName); err != nil {
			return err
		}
		buf.WriteString(`,"` + tagDisplay + `":`)
		if err := writeCanonicalString(buf, val.Display); err != nil {
			return err
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unsupported value type %T", v)
	}
	return nil
}

func writeCanonicalFields(buf *bytes.Buffer, m Map) error {
	buf.WriteByte('{')
	for i, k := range m.SortedKeys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeCanonicalString(buf, k); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
		buf.WriteByte(':')
		if err := writeCanonical(buf, m[k]); err != nil {
			return fmt.Errorf("field %q: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return nil
}

// writeCanonicalString emits a canonical JSON string: NFC normalized, no
// HTML escaping, and U+2028/U+2029 left literal per RFC 8785.
func writeCanonicalString(buf *bytes.Buffer, s string) error {
	normalized := norm.NFC.String(s)

	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return err
	}
	out := bytes.TrimSuffix(tmp.Bytes(), []byte("\n"))
	buf.Write(unescapeLineSeparators(out))
	return nil
}

// unescapeLineSeparators converts   and   escapes back to literal
// characters. Go's encoder escapes them for JavaScript embedding, which
// RFC 8785 forbids. A sequence preceded by an odd number of backslashes is
// an escaped-backslash-plus-text and must be left alone.
func unescapeLineSeparators(data []byte) []byte {
	if !bytes.Contains(data, []byte(`\u202`)) {
		return data
	}
	var out []byte
	for i := 0; i < len(data); {
		if i+6 <= len(data) && data[i] == '\\' && data[i+1] == 'u' &&
			data[i+2] == '2' && data[i+3] == '0' && data[i+4] == '2' &&
			(data[i+5] == '8' || data[i+5] == '9') {
			backslashes := 0
			for j := len(out) - 1; j >= 0 && out[j] == '\\'; j-- {
				backslashes++
			}
			if backslashes%2 == 0 {
				if data[i+5] == '8' {
					out = append(out, 0xE2, 0x80, 0xA8)
				} else {
					out = append(out, 0xE2, 0x80, 0xA9)
				}
				i += 6
				continue
			}
		}
		out = append(out, data[i])
		i++
	}
	return out
}
