package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// marshalRefs serializes a ref map to JSON TEXT for storage.
// json.Marshal sorts map keys, so the output is deterministic.
func marshalRefs(refs RefMap) (string, error) {
	if len(refs) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(refs)
	if err != nil {
		return "", fmt.Errorf("marshal refs: %w", err)
	}
	return string(data), nil
}

// unmarshalRefs parses a stored ref map. Empty TEXT yields an empty map.
func unmarshalRefs(data string) (RefMap, error) {
	if data == "" || data == "{}" {
		return RefMap{}, nil
	}
	var refs RefMap
	if err := json.Unmarshal([]byte(data), &refs); err != nil {
		return nil, fmt.Errorf("unmarshal refs: %w", err)
	}
	return refs, nil
}

// marshalParams serializes a parameter order list to JSON TEXT.
func marshalParams(params []string) (string, error) {
	if len(params) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("marshal params: %w", err)
	}
	return string(data), nil
}

func unmarshalParams(data string) ([]string, error) {
	if data == "" || data == "[]" {
		return nil, nil
	}
	var params []string
	if err := json.Unmarshal([]byte(data), &params); err != nil {
		return nil, fmt.Errorf("unmarshal params: %w", err)
	}
	return params, nil
}

// Nullable column helpers. The sql package's Null types stay inside the
// store; callers see pointers.

func nanosToTime(n int64) time.Time {
	return time.Unix(0, n)
}

func timeToNanos(t time.Time) int64 {
	return t.UnixNano()
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullInt64(n *int64) any {
	if n == nil {
		return nil
	}
	return *n
}

func nullInt(n *int) any {
	if n == nil {
		return nil
	}
	return *n
}
