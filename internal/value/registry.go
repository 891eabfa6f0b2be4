package value

import (
	"fmt"
	"sync"
)

// Decoder reconstructs a native Go value from a captured Struct.
type Decoder func(Struct) (any, error)

// Registry is an explicit, opt-in table of type reconstructors.
//
// When the content store rehydrates a Struct whose native type is wanted,
// it consults the registry exactly once. Unregistered types are never
// reconstructed by other means (in particular, never by executing stored
// source text); callers receive the Struct itself as a stand-in that still
// exposes the string form and structural children.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]Decoder
}

// NewRegistry creates an empty type registry.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]Decoder)}
}

// Register installs a decoder for the given recorded type name.
// Registering the same name twice replaces the previous decoder.
func (r *Registry) Register(typeName string, d Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[typeName] = d
}

// Decode attempts to reconstruct a native value for s.
// The second return is false when no decoder is registered for the type.
func (r *Registry) Decode(s Struct) (any, bool, error) {
	r.mu.RLock()
	d, ok := r.decoders[s.TypeName]
	r.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	v, err := d(s)
	if err != nil {
		return nil, true, fmt.Errorf("decode %s: %w", s.TypeName, err)
	}
	return v, true, nil
}
