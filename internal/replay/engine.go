package replay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/roach88/retrace/internal/record"
	"github.com/roach88/retrace/internal/store"
)

// Options configures one replay sequence.
type Options struct {
	// IgnoreGlobals lists global names excluded from state injection.
	IgnoreGlobals []string

	// MockFunctions lists function names satisfied from recorded return
	// values instead of real execution.
	MockFunctions []string

	// EnableRecording records the replayed calls as a new branch.
	EnableRecording bool

	// SessionName names the replay session when recording starts one.
	// Empty derives a name from the starting call.
	SessionName string
}

// Result reports the outcome of a replay sequence.
type Result struct {
	// BranchRootID is the first call recorded in the replay, the root of
	// the new branch. Nil when recording was disabled.
	BranchRootID *int64

	// Steps counts successfully executed calls, the starting call included.
	Steps int

	// StepErr is set when iteration stopped early on a failed step. The
	// steps before it remain executed and, when recording, committed.
	StepErr error
}

// Engine replays recorded call sequences.
//
// The engine mutates the loaded module's namespace (global injection,
// mocks) and the recorder's one-shot parent hint; it is not reentrant.
// Callers serialize replay invocations.
type Engine struct {
	store  *store.Store
	loader Loader
	rec    *record.Recorder
	log    *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// NewEngine creates a replay engine. The recorder may be nil when replay
// is only ever run with recording disabled.
func NewEngine(s *store.Store, loader Loader, rec *record.Recorder, opts ...EngineOption) *Engine {
	e := &Engine{
		store:  s,
		loader: loader,
		rec:    rec,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ReplaySequence re-executes the recorded call sequence beginning at
// startCallID: it reloads the starting function, reconstructs its
// arguments and globals, installs mocks, runs the starting call, then
// walks the original session order re-running each subsequent call of
// the same function with only its locals reconstructed.
//
// With recording enabled the replayed calls are written in a single
// store transaction, attached to the original lineage through the
// starting call, and committed at the end; an abort before commit rolls
// the whole branch back. A failed step after the first stops iteration
// but keeps prior steps: partial success is reported in Result.StepErr,
// never silently discarded.
func (e *Engine) ReplaySequence(ctx context.Context, startCallID int64, opts Options) (result *Result, err error) {
	if opts.EnableRecording && e.rec == nil {
		return nil, &ReplayError{
			Code:    ErrCodeNotMonitored,
			Message: "recording requested but engine has no recorder",
			CallID:  startCallID,
		}
	}

	// INIT
	startCall, err := e.store.GetCall(ctx, startCallID)
	if err != nil {
		return nil, newLoadError(startCallID, "", err)
	}

	db := e.store
	recording := opts.EnableRecording
	committed := false
	if recording {
		if err := e.rec.BeginTx(ctx); err != nil {
			return nil, &ReplayError{Code: ErrCodeCommitError, Message: "could not open recording transaction", CallID: startCallID, Err: err}
		}
		// All reads follow the recording writes onto the transaction's
		// connection; SQLite is limited to one.
		db = e.rec.Store()
		defer func() {
			e.rec.ClearReplayParent()
			if !committed {
				if rbErr := e.rec.RollbackTx(); rbErr != nil {
					e.log.Error("rollback failed", "error", rbErr)
				}
			}
		}()

		if e.rec.SessionID() == nil {
			name := opts.SessionName
			if name == "" {
				name = fmt.Sprintf("replay of call %d", startCallID)
			}
			if _, err := e.rec.StartSession(ctx, name, ""); err != nil {
				return nil, &ReplayError{Code: ErrCodeCommitError, Message: "could not start replay session", CallID: startCallID, Err: err}
			}
		}
	}

	// LOAD_START: forced reload happens here and only here.
	lf, err := e.loader.Load(refOf(startCall), true)
	if err != nil || lf == nil {
		return nil, newLoadError(startCallID, startCall.Function, err)
	}

	args, err := e.loadArgs(ctx, db, startCall, lf.Params)
	if err != nil {
		return nil, newLoadError(startCallID, startCall.Function, err)
	}
	if err := e.injectGlobals(ctx, db, startCall, lf.Module, opts.IgnoreGlobals); err != nil {
		return nil, newLoadError(startCallID, startCall.Function, err)
	}

	// Mocking: queues are step-scoped, rebuilt from each executed call's
	// own children. Originals restored on every exit path.
	mocks, err := installMocks(ctx, db, startCallID, lf.Module, opts.MockFunctions, e.log)
	if err != nil {
		return nil, newLoadError(startCallID, startCall.Function, err)
	}
	defer func() { mocks.restore() }()

	// EXEC_FIRST
	var branchRoot *int64
	if recording {
		e.rec.SetReplayParent(startCallID)
	}
	e.log.Info("executing first replay call", "call_id", startCallID, "function", startCall.Function)
	if _, err := lf.Call(args); err != nil {
		return nil, newExecutionError(startCallID, startCall.Function, err)
	}
	if recording {
		if e.rec.PendingReplayParent() != nil {
			e.rec.ClearReplayParent()
			return nil, &ReplayError{
				Code:     ErrCodeNotMonitored,
				Message:  "first call executed but was never captured",
				CallID:   startCallID,
				Function: startCall.Function,
			}
		}
		branchRoot = e.rec.LastCallID()
	}

	result = &Result{BranchRootID: branchRoot, Steps: 1}

	// ITERATE: walk the original session order, recomputed from the store
	// each step rather than via stored next pointers.
	cur := startCall
	for cur.SessionID != nil && cur.OrderInSession != nil {
		next, err := db.NextInSession(ctx, *cur.SessionID, cur.Function, *cur.OrderInSession)
		if err != nil {
			break // end of original sequence
		}

		stepLf, err := e.loader.Load(refOf(next), false)
		if err != nil || stepLf == nil {
			// Load failure is fatal for the step only; skip it.
			e.log.Warn("skipping step: load failed", "call_id", next.ID, "function", next.Function, "error", err)
			cur = next
			continue
		}
		// Locals only; globals evolve through the replayed calls themselves.
		stepArgs, err := e.loadArgs(ctx, db, next, stepLf.Params)
		if err != nil {
			e.log.Warn("skipping step: locals failed to rehydrate", "call_id", next.ID, "error", err)
			cur = next
			continue
		}

		// Reinstall mocks scoped to this step's call.
		mocks.restore()
		mocks, err = installMocks(ctx, db, next.ID, stepLf.Module, opts.MockFunctions, e.log)
		if err != nil {
			e.log.Warn("skipping step: mocks failed to install", "call_id", next.ID, "error", err)
			cur = next
			continue
		}

		e.log.Info("executing replay step", "call_id", next.ID, "function", next.Function)
		if _, err := stepLf.Call(stepArgs); err != nil {
			// Stop, but keep what already ran.
			result.StepErr = newExecutionError(next.ID, next.Function, err)
			break
		}
		result.Steps++
		cur = next
	}

	// COMMIT
	if recording {
		if err := e.rec.CommitTx(); err != nil {
			return nil, &ReplayError{Code: ErrCodeCommitError, Message: "could not commit replay recording", CallID: startCallID, Err: err}
		}
		committed = true
		e.log.Info("replay committed", "branch_root", derefID(branchRoot), "steps", result.Steps)
	}
	return result, nil
}

// loadArgs rehydrates a call's locals and splits them into positional and
// named arguments by the declared parameter order. An unknown signature
// passes everything named.
func (e *Engine) loadArgs(ctx context.Context, db *store.Store, call store.CallRecord, params []string) (Args, error) {
	locals, err := db.RehydrateRefs(ctx, call.LocalsRefs)
	if err != nil {
		return Args{}, err
	}
	if len(params) == 0 {
		return Args{Named: locals}, nil
	}
	args := Args{Named: make(map[string]any)}
	seen := make(map[string]bool, len(params))
	for _, p := range params {
		seen[p] = true
	}
	// The positional prefix stops at the first parameter absent from the
	// locals; a later value must not shift into the wrong slot.
	i := 0
	for ; i < len(params); i++ {
		v, ok := locals[params[i]]
		if !ok {
			break
		}
		args.Positional = append(args.Positional, v)
	}
	for ; i < len(params); i++ {
		if v, ok := locals[params[i]]; ok {
			args.Named[params[i]] = v
		}
	}
	for name, v := range locals {
		if !seen[name] {
			args.Named[name] = v
		}
	}
	return args, nil
}

// injectGlobals rehydrates the call's globals, filters dunder-style and
// ignored names, and binds the rest into the module namespace. Happens
// exactly once per replay.
func (e *Engine) injectGlobals(ctx context.Context, db *store.Store, call store.CallRecord, ns Namespace, ignore []string) error {
	globals, err := db.RehydrateRefs(ctx, call.GlobalsRefs)
	if err != nil {
		return err
	}
	ignored := make(map[string]bool, len(ignore))
	for _, name := range ignore {
		ignored[name] = true
	}
	for name, v := range globals {
		if strings.HasPrefix(name, "__") || ignored[name] {
			continue
		}
		ns.Bind(name, v)
	}
	return nil
}

func refOf(call store.CallRecord) FunctionRef {
	return FunctionRef{Function: call.Function, File: call.File}
}

func derefID(id *int64) int64 {
	if id == nil {
		return 0
	}
	return *id
}
