package replay

import (
	"fmt"
	"sync"
)

// Args carries the rehydrated arguments of a replayed call, split into
// positional values (ordered by the function's declared parameters) and
// named leftovers.
type Args struct {
	Positional []any
	Named      map[string]any
}

// Func is an invokable replayed function.
type Func func(Args) (any, error)

// Namespace is the mutable binding table of a loaded module. The engine
// injects recorded globals into it once per replay and installs mocks in
// it; both are visible to functions that resolve collaborators through
// Lookup.
type Namespace interface {
	Lookup(name string) (any, bool)
	Bind(name string, v any)
	Remove(name string)
}

// FunctionRef identifies a recorded function for loading.
type FunctionRef struct {
	Function   string
	File       string
	ModulePath string
}

// LoadedFunction is the Loader's resolution of a FunctionRef.
type LoadedFunction struct {
	// Call invokes the function.
	Call Func

	// Params is the declared parameter order, used to split rehydrated
	// locals into positional arguments. Empty means the signature is
	// unknown and all arguments pass named.
	Params []string

	// Module is the namespace the function resolves globals and
	// collaborators in.
	Module Namespace
}

// Loader resolves recorded functions to live implementations. It is the
// external collaborator of the replay engine: implementations may load
// plugins, spawn subprocesses or dispatch to registered handlers.
//
// forceReload requests a fresh load discarding any cached module state;
// the engine forces it only for the starting call of a sequence.
type Loader interface {
	Load(ref FunctionRef, forceReload bool) (*LoadedFunction, error)
}

// MapNamespace is an in-memory Namespace backed by a map.
type MapNamespace struct {
	mu sync.RWMutex
	m  map[string]any
}

// NewMapNamespace creates an empty namespace.
func NewMapNamespace() *MapNamespace {
	return &MapNamespace{m: make(map[string]any)}
}

func (n *MapNamespace) Lookup(name string) (any, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	v, ok := n.m[name]
	return v, ok
}

func (n *MapNamespace) Bind(name string, v any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.m[name] = v
}

func (n *MapNamespace) Remove(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.m, name)
}

// MapLoader is an in-memory Loader for tests and embedding users: register
// functions under their recorded names and the loader serves them from a
// single shared namespace.
type MapLoader struct {
	ns      *MapNamespace
	params  map[string][]string
	reloads map[string]int
}

// NewMapLoader creates an empty loader.
func NewMapLoader() *MapLoader {
	return &MapLoader{
		ns:      NewMapNamespace(),
		params:  make(map[string][]string),
		reloads: make(map[string]int),
	}
}

// Register installs fn under name with its declared parameter order.
// The function is also bound into the loader's namespace, so mocks can
// shadow it and sibling functions can resolve it with Lookup.
func (l *MapLoader) Register(name string, params []string, fn Func) {
	l.params[name] = params
	l.ns.Bind(name, fn)
}

// Namespace returns the loader's shared namespace.
func (l *MapLoader) Namespace() *MapNamespace {
	return l.ns
}

// Reloads reports how many forced reloads were requested for name.
func (l *MapLoader) Reloads(name string) int {
	return l.reloads[name]
}

// Load implements Loader.
func (l *MapLoader) Load(ref FunctionRef, forceReload bool) (*LoadedFunction, error) {
	params, ok := l.params[ref.Function]
	if !ok {
		return nil, fmt.Errorf("function %q not registered", ref.Function)
	}
	if forceReload {
		l.reloads[ref.Function]++
	}
	// Resolve at call time so later rebinds (mocks) take effect even for
	// direct invocations of this loaded function.
	call := func(args Args) (any, error) {
		cur, ok := l.ns.Lookup(ref.Function)
		if !ok {
			return nil, fmt.Errorf("function %q removed from namespace", ref.Function)
		}
		fn, ok := cur.(Func)
		if !ok {
			return nil, fmt.Errorf("binding %q is not callable", ref.Function)
		}
		return fn(args)
	}
	return &LoadedFunction{Call: call, Params: params, Module: l.ns}, nil
}
