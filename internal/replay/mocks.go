package replay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/retrace/internal/store"
)

// savedBinding remembers a namespace entry displaced by a mock.
type savedBinding struct {
	value   any
	existed bool
}

// mockSet is the installed mock state for one replay: per-name FIFO
// queues of recorded return refs, plus the displaced originals for
// guaranteed restoration.
type mockSet struct {
	ns     Namespace
	db     *store.Store
	log    *slog.Logger
	saved  map[string]savedBinding
	queues map[string][]string
}

// installMocks replaces each requested function name that was actually
// called among the given call's children with a mock serving the
// recorded return values in call order. Once a queue is exhausted the
// mock falls through to the displaced real function. Names that never
// appear among the children are left alone.
func installMocks(ctx context.Context, db *store.Store, callID int64, ns Namespace, names []string, log *slog.Logger) (*mockSet, error) {
	m := &mockSet{
		ns:     ns,
		db:     db,
		log:    log,
		saved:  make(map[string]savedBinding),
		queues: make(map[string][]string),
	}
	if len(names) == 0 {
		return m, nil
	}

	children, err := db.ChildCalls(ctx, callID)
	if err != nil {
		return nil, fmt.Errorf("install mocks: %w", err)
	}
	recorded := make(map[string][]string)
	for _, child := range children {
		if child.ReturnRef == nil {
			continue
		}
		recorded[child.Function] = append(recorded[child.Function], *child.ReturnRef)
	}

	for _, name := range names {
		refs, ok := recorded[name]
		if !ok {
			log.Debug("mock requested for function not called here", "function", name, "call_id", callID)
			continue
		}
		orig, existed := ns.Lookup(name)
		m.saved[name] = savedBinding{value: orig, existed: existed}
		m.queues[name] = refs
		ns.Bind(name, m.mockFor(ctx, name))
		log.Debug("mock installed", "function", name, "recorded_returns", len(refs))
	}
	return m, nil
}

// mockFor builds the replacement Func for name: pop the next recorded
// return, or fall back to the displaced real function when exhausted.
func (m *mockSet) mockFor(ctx context.Context, name string) Func {
	return func(args Args) (any, error) {
		queue := m.queues[name]
		if len(queue) > 0 {
			ref := queue[0]
			m.queues[name] = queue[1:]
			return m.db.Rehydrate(ctx, ref)
		}
		orig := m.saved[name]
		if !orig.existed {
			return nil, fmt.Errorf("mock %q exhausted and no real implementation to fall back to", name)
		}
		fn, ok := orig.value.(Func)
		if !ok {
			return nil, fmt.Errorf("mock %q exhausted and original binding is not callable", name)
		}
		return fn(args)
	}
}

// restore rebinds every displaced original. Safe to call more than once
// and on a nil set.
func (m *mockSet) restore() {
	if m == nil {
		return
	}
	for name, orig := range m.saved {
		if orig.existed {
			m.ns.Bind(name, orig.value)
		} else {
			m.ns.Remove(name)
		}
	}
	m.saved = make(map[string]savedBinding)
	m.queues = make(map[string][]string)
}
