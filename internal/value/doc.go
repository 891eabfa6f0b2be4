// Package value defines the runtime value model for recorded program state.
//
// Values form a sealed tree: primitives (Null, Bool, Int, Float, Str),
// structured values (List, Map, Struct), and Opaque stand-ins for values
// that could not be fully captured. Every value has a deterministic
// canonical serialization (RFC 8785 style) and therefore a deterministic
// content ID, which is the basis for content-addressed storage and
// version-history compaction.
package value
