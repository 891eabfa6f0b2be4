package record

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/retrace/internal/store"
	"github.com/roach88/retrace/internal/value"
)

// scope labels for identity keys.
const (
	scopeLocal  = "local"
	scopeGlobal = "global"
)

// Recorder captures function executions into a store.
//
// A Recorder is an explicit context object: it owns the active session,
// the ordering counters and the one-shot replay-parent hint. There is no
// package-level instance. A Recorder is not safe for concurrent use;
// callers serialize access.
type Recorder struct {
	store *store.Store // active target; tx-bound while a transaction is open
	base  *store.Store
	tx    *sql.Tx
	log   *slog.Logger
	now   func() time.Time

	// runToken scopes identity keys to this recording run, so slot
	// identities never leak across process lifetimes.
	runToken string

	sessionID        *int64
	sessionCallCount int
	childCounts      map[int64]int
	callStack        []int64
	lastCallID       *int64

	// replayParent is consumed by the next CaptureCall only.
	replayParent *int64
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the recorder's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.log = l }
}

// WithClock overrides the time source. Tests use this for deterministic
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder creates a Recorder writing to s.
func NewRecorder(s *store.Store, opts ...Option) *Recorder {
	r := &Recorder{
		store:       s,
		base:        s,
		log:         slog.Default(),
		now:         time.Now,
		runToken:    uuid.NewString(),
		childCounts: make(map[int64]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store returns the store the recorder currently writes through: the
// transaction-bound store while a transaction is open, the base store
// otherwise. Replay uses this to keep its reads on the same connection
// as the recording writes.
func (r *Recorder) Store() *store.Store {
	return r.store
}

// BeginTx routes all subsequent recorder writes through a single store
// transaction until CommitTx or RollbackTx. Only one transaction may be
// open at a time.
func (r *Recorder) BeginTx(ctx context.Context) error {
	if r.tx != nil {
		return fmt.Errorf("begin: recorder transaction already open")
	}
	tx, err := r.base.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin recorder transaction: %w", err)
	}
	r.tx = tx
	r.store = r.base.WithTx(tx)
	return nil
}

// CommitTx durably commits the open transaction.
func (r *Recorder) CommitTx() error {
	if r.tx == nil {
		return fmt.Errorf("commit: no open recorder transaction")
	}
	err := r.tx.Commit()
	r.tx = nil
	r.store = r.base
	if err != nil {
		return fmt.Errorf("commit recorder transaction: %w", err)
	}
	return nil
}

// RollbackTx discards the open transaction's writes.
func (r *Recorder) RollbackTx() error {
	if r.tx == nil {
		return fmt.Errorf("rollback: no open recorder transaction")
	}
	err := r.tx.Rollback()
	r.tx = nil
	r.store = r.base
	if err != nil {
		return fmt.Errorf("rollback recorder transaction: %w", err)
	}
	return nil
}

// RunToken returns the identity-scoping token of this recording run.
func (r *Recorder) RunToken() string {
	return r.runToken
}

// StartSession opens a recording session. Any previously active session
// is left open in the store; the recorder simply switches to the new one
// and resets its ordering counters.
func (r *Recorder) StartSession(ctx context.Context, name, description string) (int64, error) {
	id, err := r.store.InsertSession(ctx, name, description, r.now())
	if err != nil {
		return 0, fmt.Errorf("start session: %w", err)
	}
	r.sessionID = &id
	r.sessionCallCount = 0
	r.childCounts = make(map[int64]int)
	r.callStack = nil
	r.log.Info("session started", "session_id", id, "name", name)
	return id, nil
}

// EndSession stamps the active session's end time and detaches it.
func (r *Recorder) EndSession(ctx context.Context) error {
	if r.sessionID == nil {
		return fmt.Errorf("end session: no active session")
	}
	id := *r.sessionID
	if err := r.store.EndSession(ctx, id, r.now()); err != nil {
		return err
	}
	r.sessionID = nil
	r.log.Info("session ended", "session_id", id)
	return nil
}

// SessionID returns the active session, or nil when none is open.
func (r *Recorder) SessionID() *int64 {
	return r.sessionID
}

// SetReplayParent arms the one-shot parent hint: the next captured call
// is recorded as a child of callID instead of the top of the call stack.
func (r *Recorder) SetReplayParent(callID int64) {
	r.replayParent = &callID
}

// PendingReplayParent reports the armed hint without consuming it.
func (r *Recorder) PendingReplayParent() *int64 {
	return r.replayParent
}

// ClearReplayParent disarms the hint.
func (r *Recorder) ClearReplayParent() {
	r.replayParent = nil
}

// LastCallID returns the most recently captured call, or nil.
func (r *Recorder) LastCallID() *int64 {
	return r.lastCallID
}

// CallEvent describes the start of a function execution.
type CallEvent struct {
	Function string
	File     string
	Line     int
	Locals   map[string]any
	Globals  map[string]any

	// Code optionally carries the function's source for content-hashed
	// dedup. Nil when the caller has no source at hand.
	Code *store.CodeDefinition
}

// CaptureCall records the start of a call: stores locals and globals by
// content, seeds or advances the identity history of every structured
// slot, allocates session and parent ordering, and consumes the replay
// parent hint if armed.
func (r *Recorder) CaptureCall(ctx context.Context, ev CallEvent) (int64, error) {
	start := r.now()

	var codeDefID *string
	if ev.Code != nil {
		id, err := r.store.PutCodeDefinition(ctx, *ev.Code)
		if err != nil {
			return 0, fmt.Errorf("capture %s: %w", ev.Function, err)
		}
		codeDefID = &id
	}

	localsRefs, err := r.storeSlots(ctx, scopeLocal, ev.Locals, codeDefID)
	if err != nil {
		return 0, fmt.Errorf("capture %s: %w", ev.Function, err)
	}
	globalsRefs, err := r.storeSlots(ctx, scopeGlobal, ev.Globals, codeDefID)
	if err != nil {
		return 0, fmt.Errorf("capture %s: %w", ev.Function, err)
	}

	parentID := r.replayParent
	if parentID != nil {
		r.replayParent = nil
		r.log.Info("replay parent consumed", "parent_call_id", *parentID)
	} else if len(r.callStack) > 0 {
		top := r.callStack[len(r.callStack)-1]
		parentID = &top
	}

	call := store.CallRecord{
		Function:         ev.Function,
		File:             ev.File,
		Line:             ev.Line,
		StartTime:        start,
		LocalsRefs:       localsRefs,
		GlobalsRefs:      globalsRefs,
		ParentCallID:     parentID,
		SessionID:        r.sessionID,
		CodeDefinitionID: codeDefID,
	}
	if r.sessionID != nil {
		order := r.sessionCallCount
		call.OrderInSession = &order
	}
	if parentID != nil {
		order := r.childCounts[*parentID]
		call.OrderInParent = &order
	}

	id, err := r.store.InsertCall(ctx, call)
	if err != nil {
		return 0, fmt.Errorf("capture %s: %w", ev.Function, err)
	}

	r.callStack = append(r.callStack, id)
	r.lastCallID = &id
	if r.sessionID != nil {
		// First call of the session becomes its entry point; the store
		// ignores the write once one is set.
		if err := r.store.SetEntryPoint(ctx, *r.sessionID, id); err != nil {
			return 0, fmt.Errorf("capture %s: %w", ev.Function, err)
		}
		r.sessionCallCount++
	}
	if parentID != nil {
		r.childCounts[*parentID]++
	}

	r.log.Debug("call captured", "call_id", id, "function", ev.Function)
	return id, nil
}

// CallReturn describes the end of a captured call.
type CallReturn struct {
	Return any
	Err    error
	Locals map[string]any
}

// FinalizeCall records the end of a call. Re-finalizing overwrites the
// previous end state.
func (r *Recorder) FinalizeCall(ctx context.Context, callID int64, ret CallReturn) error {
	localsRefs, err := r.storeSlots(ctx, scopeLocal, ret.Locals, nil)
	if err != nil {
		return fmt.Errorf("finalize call %d: %w", callID, err)
	}

	end := store.CallEnd{
		EndTime:    r.now(),
		LocalsRefs: localsRefs,
	}
	if ret.Err != nil {
		text := ret.Err.Error()
		end.ErrorText = &text
	} else {
		ref, err := r.store.PutValue(ctx, Encode(ret.Return), "")
		if err != nil {
			return fmt.Errorf("finalize call %d: %w", callID, err)
		}
		end.ReturnRef = &ref
	}

	if err := r.store.FinalizeCall(ctx, callID, end); err != nil {
		return err
	}

	// Pop the call from the stack if it is still on it.
	for i := len(r.callStack) - 1; i >= 0; i-- {
		if r.callStack[i] == callID {
			r.callStack = append(r.callStack[:i], r.callStack[i+1:]...)
			break
		}
	}
	return nil
}

// AppendSnapshot records a line-execution state for an in-flight call.
func (r *Recorder) AppendSnapshot(ctx context.Context, callID int64, line int, locals, globals map[string]any) (int64, error) {
	localsRefs, err := r.storeSlots(ctx, scopeLocal, locals, nil)
	if err != nil {
		return 0, fmt.Errorf("snapshot call %d: %w", callID, err)
	}
	globalsRefs, err := r.storeSlots(ctx, scopeGlobal, globals, nil)
	if err != nil {
		return 0, fmt.Errorf("snapshot call %d: %w", callID, err)
	}
	return r.store.AppendSnapshot(ctx, store.Snapshot{
		CallID:      callID,
		Line:        line,
		LocalsRefs:  localsRefs,
		GlobalsRefs: globalsRefs,
		Timestamp:   r.now(),
	})
}

// storeSlots encodes and stores a variable map, returning name->content
// refs. Dunder-style names and function-valued slots are skipped. For
// structured and unrepresentable values the slot's identity history is
// advanced; primitives are content-only and get no identities.
func (r *Recorder) storeSlots(ctx context.Context, scope string, slots map[string]any, codeDefID *string) (store.RefMap, error) {
	refs := store.RefMap{}
	for name, raw := range slots {
		if skipSlot(name, raw) {
			continue
		}
		v := Encode(raw)

		def := ""
		if codeDefID != nil {
			def = *codeDefID
		}
		ref, err := r.store.PutValue(ctx, v, def)
		if err != nil {
			r.log.Warn("could not store slot", "slot", name, "error", err)
			continue
		}
		refs[name] = ref

		if value.Class(v) == value.ClassPrimitive {
			continue
		}
		key := value.IdentityKey(r.runToken, scope, name)
		identID, err := r.store.IdentityFor(ctx, key, name)
		if err != nil {
			return nil, fmt.Errorf("identity for slot %q: %w", name, err)
		}
		if _, err := r.store.AddVersion(ctx, identID, ref); err != nil {
			return nil, fmt.Errorf("version slot %q: %w", name, err)
		}
	}
	return refs, nil
}

// skipSlot reports whether a variable is excluded from capture: special
// dunder-style names and function values never record.
func skipSlot(name string, v any) bool {
	if strings.HasPrefix(name, "__") {
		return true
	}
	if v == nil {
		return false
	}
	return reflect.TypeOf(v).Kind() == reflect.Func
}
