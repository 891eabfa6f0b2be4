package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/retrace/internal/value"
)

// ErrNotFound is returned for a genuinely unknown ID. Every other failure
// mode on the read path degrades to a stand-in rather than erroring.
var ErrNotFound = errors.New("not found")

// PutValue stores a value and returns its content ID. Idempotent:
// identical values always produce the same ID and duplicate inserts are
// silently ignored (ON CONFLICT DO NOTHING).
//
// codeDefinitionID optionally links the value to the stored definition of
// its type; pass "" when there is none.
func (s *Store) PutValue(ctx context.Context, v value.Value, codeDefinitionID string) (string, error) {
	canonical, err := value.Canonical(v)
	if err != nil {
		return "", fmt.Errorf("put value: %w", err)
	}
	id, err := value.ContentID(v)
	if err != nil {
		return "", fmt.Errorf("put value: %w", err)
	}

	var codeDef any
	if codeDefinitionID != "" {
		codeDef = codeDefinitionID
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO content_objects (id, kind, type_name, payload, code_definition_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, string(value.Class(v)), typeNameOf(v), string(canonical), codeDef, time.Now().UnixNano())
	if err != nil {
		return "", fmt.Errorf("put value: %w", err)
	}
	return id, nil
}

// GetValue retrieves the value tree stored under id.
//
// Decoding never fails opaquely for display purposes: a payload that can
// no longer be parsed comes back as an Opaque stand-in carrying the raw
// payload as its string form. Only a genuinely unknown id returns
// ErrNotFound.
func (s *Store) GetValue(ctx context.Context, id string) (value.Value, error) {
	obj, err := s.GetContentObject(ctx, id)
	if err != nil {
		return nil, err
	}

	v, err := value.Decode([]byte(obj.Payload))
	if err != nil {
		return value.Opaque{TypeName: obj.TypeName, Display: obj.Payload}, nil
	}
	return v, nil
}

// GetContentObject retrieves the raw stored record for id.
func (s *Store) GetContentObject(ctx context.Context, id string) (ContentObject, error) {
	var (
		obj     ContentObject
		kind    string
		codeDef sql.NullString
		created int64
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT id, kind, type_name, payload, code_definition_id, created_at
		FROM content_objects
		WHERE id = ?
	`, id).Scan(&obj.ID, &kind, &obj.TypeName, &obj.Payload, &codeDef, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return ContentObject{}, fmt.Errorf("content object %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return ContentObject{}, fmt.Errorf("get content object: %w", err)
	}
	obj.Kind = value.StorageClass(kind)
	obj.CodeDefinitionID = codeDef.String
	obj.CreatedAt = nanosToTime(created)
	return obj, nil
}

// Rehydrate resolves id to a native Go value.
//
// Primitives map onto their Go counterparts. Structured values decode to
// nested map[string]any / []any trees. A Struct whose type is registered
// in the store's type registry reconstructs the native type; when the
// first lookup misses and the object was stored with a linked code
// definition, the registry is consulted once more under the definition's
// bare name. If still unresolved, the Struct itself is returned as a
// stand-in exposing the string form and structural children.
func (s *Store) Rehydrate(ctx context.Context, id string) (any, error) {
	obj, err := s.GetContentObject(ctx, id)
	if err != nil {
		return nil, err
	}
	v, err := value.Decode([]byte(obj.Payload))
	if err != nil {
		return value.Opaque{TypeName: obj.TypeName, Display: obj.Payload}, nil
	}
	return s.toNative(ctx, v, obj.CodeDefinitionID), nil
}

// RehydrateRefs resolves a ref map to native values. Slots that fail to
// resolve are reported as error-text stand-ins, matching the exploratory
// read path of GetValue.
func (s *Store) RehydrateRefs(ctx context.Context, refs RefMap) (map[string]any, error) {
	out := make(map[string]any, len(refs))
	for name, ref := range refs {
		v, err := s.Rehydrate(ctx, ref)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("slot %q: %w", name, err)
			}
			out[name] = fmt.Sprintf("<error rehydrating %s: %v>", ref, err)
			continue
		}
		out[name] = v
	}
	return out, nil
}

func (s *Store) toNative(ctx context.Context, v value.Value, codeDefID string) any {
	switch val := v.(type) {
	case value.Null:
		return nil
	case value.Bool:
		return bool(val)
	case value.Int:
		return int64(val)
	case value.Float:
		return float64(val)
	case value.Str:
		return string(val)
	case value.List:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = s.toNative(ctx, e, "")
		}
		return out
	case value.Map:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = s.toNative(ctx, e, "")
		}
		return out
	case value.Struct:
		if s.registry != nil {
			if native, ok, err := s.registry.Decode(val); ok && err == nil {
				return native
			}
			// Retry once under the linked definition's bare name.
			if codeDefID != "" {
				if def, err := s.GetCodeDefinition(ctx, codeDefID); err == nil && def.Name != val.TypeName {
					retry := value.Struct{TypeName: def.Name, Fields: val.Fields}
					if native, ok, err := s.registry.Decode(retry); ok && err == nil {
						return native
					}
				}
			}
		}
		return val
	default: // Opaque
		return val
	}
}

func typeNameOf(v value.Value) string {
	switch val := v.(type) {
	case value.Struct:
		return val.TypeName
	case value.Opaque:
		return val.TypeName
	default:
		return v.Kind().String()
	}
}
