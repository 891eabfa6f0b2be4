package replay

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/retrace/internal/record"
	"github.com/roach88/retrace/internal/store"
	"github.com/roach88/retrace/internal/value"
)

type replayFixture struct {
	store  *store.Store
	rec    *record.Recorder
	loader *MapLoader
	engine *Engine
}

func newReplayFixture(t *testing.T) *replayFixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "replay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	var tick int64
	rec := record.NewRecorder(s, record.WithClock(func() time.Time {
		tick++
		return time.Unix(0, tick)
	}))
	loader := NewMapLoader()
	return &replayFixture{
		store:  s,
		rec:    rec,
		loader: loader,
		engine: NewEngine(s, loader, rec),
	}
}

// instrument wraps a function body so each invocation records a call
// through the fixture's recorder, the way a capture layer would.
func (f *replayFixture) instrument(name string, params []string, body Func) Func {
	return func(args Args) (any, error) {
		locals := map[string]any{}
		for i, p := range params {
			if i < len(args.Positional) {
				locals[p] = args.Positional[i]
			}
		}
		for k, v := range args.Named {
			locals[k] = v
		}
		ctx := context.Background()
		id, err := f.rec.CaptureCall(ctx, record.CallEvent{
			Function: name, File: "app.src", Line: 1, Locals: locals,
		})
		if err != nil {
			return nil, err
		}
		ret, callErr := body(args)
		if err := f.rec.FinalizeCall(ctx, id, record.CallReturn{Return: ret, Err: callErr, Locals: locals}); err != nil {
			return nil, err
		}
		return ret, callErr
	}
}

func firstPositional(args Args) (int64, error) {
	if len(args.Positional) > 0 {
		if n, ok := args.Positional[0].(int64); ok {
			return n, nil
		}
	}
	if v, ok := args.Named["n"]; ok {
		if n, ok := v.(int64); ok {
			return n, nil
		}
	}
	return 0, fmt.Errorf("argument n missing")
}

// recordWorkSession records calls work(2), work(3), work(4) in a fresh
// session and returns the session and the first call's ID.
func recordWorkSession(t *testing.T, f *replayFixture, body Func) (sessID int64, firstCallID int64) {
	t.Helper()
	ctx := context.Background()

	work := f.instrument("work", []string{"n"}, body)
	f.loader.Register("work", []string{"n"}, work)

	sessID, err := f.rec.StartSession(ctx, "original", "")
	require.NoError(t, err)
	for _, n := range []int64{2, 3, 4} {
		_, err := work(Args{Positional: []any{n}})
		require.NoError(t, err)
	}
	require.NoError(t, f.rec.EndSession(ctx))

	calls, err := f.store.SessionCalls(ctx, sessID)
	require.NoError(t, err)
	require.Len(t, calls, 3)
	return sessID, calls[0].ID
}

func TestReplaySequence_RecordsMatchingBranch(t *testing.T) {
	f := newReplayFixture(t)
	ctx := context.Background()

	double := func(args Args) (any, error) {
		n, err := firstPositional(args)
		if err != nil {
			return nil, err
		}
		return n * 2, nil
	}
	origSess, firstCall := recordWorkSession(t, f, double)

	res, err := f.engine.ReplaySequence(ctx, firstCall, Options{EnableRecording: true})
	require.NoError(t, err)
	require.NotNil(t, res.BranchRootID)
	assert.Equal(t, 3, res.Steps)
	assert.NoError(t, res.StepErr)

	// The branch root is a child of the original starting call, recorded
	// in a different session.
	root, err := f.store.GetCall(ctx, *res.BranchRootID)
	require.NoError(t, err)
	require.NotNil(t, root.ParentCallID)
	assert.Equal(t, firstCall, *root.ParentCallID)
	require.NotNil(t, root.SessionID)
	assert.NotEqual(t, origSess, *root.SessionID)

	// Replayed returns match the originals.
	origFirst, err := f.store.GetCall(ctx, firstCall)
	require.NoError(t, err)
	origRet, err := f.store.Rehydrate(ctx, *origFirst.ReturnRef)
	require.NoError(t, err)
	newRet, err := f.store.Rehydrate(ctx, *root.ReturnRef)
	require.NoError(t, err)
	assert.Equal(t, origRet, newRet)

	// The whole sequence was replayed into the new session. The branch
	// root has a cross-session parent, so filter by session rather than
	// by top-level calls.
	replayed, err := f.store.SearchCalls(ctx, store.CallFilter{SessionID: root.SessionID})
	require.NoError(t, err)
	assert.Len(t, replayed, 3)

	// Branch derivation sees the fork.
	branches, err := f.store.BranchesOf(ctx, origSess)
	require.NoError(t, err)
	require.Len(t, branches, 1)
	assert.Equal(t, *root.SessionID, branches[0].BranchSession)
	assert.Equal(t, firstCall, branches[0].ParentCallID)
}

func TestReplaySequence_ForcedReloadOnlyAtStart(t *testing.T) {
	f := newReplayFixture(t)
	ctx := context.Background()

	identity := func(args Args) (any, error) { return firstPositional(args) }
	_, firstCall := recordWorkSession(t, f, identity)

	_, err := f.engine.ReplaySequence(ctx, firstCall, Options{EnableRecording: true})
	require.NoError(t, err)
	assert.Equal(t, 1, f.loader.Reloads("work"), "reload must be forced exactly once, for the starting call")
}

func TestReplaySequence_MockFIFOThenRealFallback(t *testing.T) {
	f := newReplayFixture(t)
	ctx := context.Background()

	// Real fetch: counts invocations; during recording returns 10, 20.
	fetchCalls := 0
	fetch := f.instrument("fetch", nil, func(Args) (any, error) {
		fetchCalls++
		return int64(fetchCalls * 10), nil
	})
	f.loader.Register("fetch", nil, fetch)

	// main calls fetch three times through the namespace and sums.
	main := f.instrument("main", nil, func(Args) (any, error) {
		var sum int64
		for i := 0; i < 3; i++ {
			bound, ok := f.loader.Namespace().Lookup("fetch")
			if !ok {
				return nil, fmt.Errorf("fetch not bound")
			}
			ret, err := bound.(Func)(Args{})
			if err != nil {
				return nil, err
			}
			sum += ret.(int64)
		}
		return sum, nil
	})
	f.loader.Register("main", nil, main)

	sessID, err := f.rec.StartSession(ctx, "original", "")
	require.NoError(t, err)
	ret, err := main(Args{})
	require.NoError(t, err)
	assert.Equal(t, int64(60), ret) // 10+20+30
	require.NoError(t, f.rec.EndSession(ctx))

	calls, err := f.store.SessionCalls(ctx, sessID)
	require.NoError(t, err)
	mainCall := calls[0].ID

	// Replay with fetch mocked: the three recorded returns (10, 20, 30)
	// are served FIFO; the real fetch is never consulted.
	fetchCallsBefore := fetchCalls
	res, err := f.engine.ReplaySequence(ctx, mainCall, Options{
		EnableRecording: true,
		MockFunctions:   []string{"fetch"},
	})
	require.NoError(t, err)
	require.NotNil(t, res.BranchRootID)

	root, err := f.store.GetCall(ctx, *res.BranchRootID)
	require.NoError(t, err)
	newRet, err := f.store.Rehydrate(ctx, *root.ReturnRef)
	require.NoError(t, err)
	assert.Equal(t, int64(60), newRet)
	assert.Equal(t, fetchCallsBefore, fetchCalls, "mocked replay must not hit the real fetch")

	// Mocks are restored: the binding serves the real function again.
	bound, ok := f.loader.Namespace().Lookup("fetch")
	require.True(t, ok)
	ret, err = bound.(Func)(Args{})
	require.NoError(t, err)
	assert.Equal(t, int64((fetchCallsBefore+1)*10), ret)
}

func TestReplaySequence_MockExhaustionFallsBack(t *testing.T) {
	f := newReplayFixture(t)
	ctx := context.Background()

	fetchCalls := 0
	fetch := f.instrument("fetch", nil, func(Args) (any, error) {
		fetchCalls++
		return int64(fetchCalls), nil
	})
	f.loader.Register("fetch", nil, fetch)

	// Recording calls fetch once; replay calls it twice, so the second
	// replayed invocation exhausts the queue and falls back.
	invocations := 1
	main := f.instrument("main", nil, func(Args) (any, error) {
		var last any
		for i := 0; i < invocations; i++ {
			bound, _ := f.loader.Namespace().Lookup("fetch")
			ret, err := bound.(Func)(Args{})
			if err != nil {
				return nil, err
			}
			last = ret
		}
		return last, nil
	})
	f.loader.Register("main", nil, main)

	sessID, err := f.rec.StartSession(ctx, "original", "")
	require.NoError(t, err)
	_, err = main(Args{})
	require.NoError(t, err)
	require.NoError(t, f.rec.EndSession(ctx))

	calls, err := f.store.SessionCalls(ctx, sessID)
	require.NoError(t, err)

	invocations = 2
	fetchCallsBefore := fetchCalls
	res, err := f.engine.ReplaySequence(ctx, calls[0].ID, Options{
		EnableRecording: true,
		MockFunctions:   []string{"fetch"},
	})
	require.NoError(t, err)
	require.NotNil(t, res.BranchRootID)
	assert.Equal(t, fetchCallsBefore+1, fetchCalls, "exhausted mock must fall back to the real function once")
}

func TestReplaySequence_PartialSuccessOnStepFailure(t *testing.T) {
	f := newReplayFixture(t)
	ctx := context.Background()

	failing := int64(-1)
	body := func(args Args) (any, error) {
		n, err := firstPositional(args)
		if err != nil {
			return nil, err
		}
		if n == failing {
			return nil, errors.New("step blew up")
		}
		return n, nil
	}
	origSess, firstCall := recordWorkSession(t, f, body)

	failing = 3 // second call of the sequence fails during replay
	res, err := f.engine.ReplaySequence(ctx, firstCall, Options{EnableRecording: true})
	require.NoError(t, err, "partial success is not an overall failure")
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Steps)
	require.Error(t, res.StepErr)
	assert.True(t, IsExecutionError(res.StepErr))

	// The successful step is committed: the branch exists with one call.
	require.NotNil(t, res.BranchRootID)
	root, err := f.store.GetCall(ctx, *res.BranchRootID)
	require.NoError(t, err)
	replayed, err := f.store.SearchCalls(ctx, store.CallFilter{SessionID: root.SessionID})
	require.NoError(t, err)
	assert.Len(t, replayed, 1)

	branches, err := f.store.BranchesOf(ctx, origSess)
	require.NoError(t, err)
	assert.Len(t, branches, 1)
}

func TestReplaySequence_FirstCallFailureAborts(t *testing.T) {
	f := newReplayFixture(t)
	ctx := context.Background()

	failing := int64(-1)
	body := func(args Args) (any, error) {
		n, err := firstPositional(args)
		if err != nil {
			return nil, err
		}
		if n == failing {
			return nil, errors.New("boom")
		}
		return n, nil
	}
	_, firstCall := recordWorkSession(t, f, body)

	sessionsBefore, err := f.store.ListSessions(ctx)
	require.NoError(t, err)

	failing = 2 // the starting call itself fails
	res, err := f.engine.ReplaySequence(ctx, firstCall, Options{EnableRecording: true})
	assert.Nil(t, res)
	require.Error(t, err)
	assert.True(t, IsExecutionError(err))

	// Abort rolled the recording back; no replay session survives.
	sessionsAfter, err := f.store.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, sessionsAfter, len(sessionsBefore))
}

func TestReplaySequence_NotMonitoredAbort(t *testing.T) {
	f := newReplayFixture(t)
	ctx := context.Background()

	// Record the original session with an instrumented function, then
	// swap in an uninstrumented body for the replay.
	_, firstCall := recordWorkSession(t, f, func(args Args) (any, error) {
		return firstPositional(args)
	})
	f.loader.Register("work", []string{"n"}, func(args Args) (any, error) {
		return firstPositional(args)
	})

	sessionsBefore, err := f.store.ListSessions(ctx)
	require.NoError(t, err)

	res, err := f.engine.ReplaySequence(ctx, firstCall, Options{EnableRecording: true})
	assert.Nil(t, res)
	require.Error(t, err)
	assert.True(t, IsNotMonitored(err))
	assert.Nil(t, f.rec.PendingReplayParent(), "abort must disarm the parent hint")

	sessionsAfter, err := f.store.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, sessionsAfter, len(sessionsBefore), "rollback must discard the replay session")
}

func TestReplaySequence_IgnoreGlobals(t *testing.T) {
	f := newReplayFixture(t)
	ctx := context.Background()

	work := f.instrument("work", nil, func(Args) (any, error) {
		v, ok := f.loader.Namespace().Lookup("rate")
		if !ok {
			return int64(-1), nil
		}
		return v.(int64), nil
	})
	f.loader.Register("work", nil, work)

	_, err := f.rec.StartSession(ctx, "original", "")
	require.NoError(t, err)
	id, err := f.rec.CaptureCall(ctx, record.CallEvent{
		Function: "work", File: "app.src", Line: 1,
		Globals: map[string]any{"rate": int64(7), "__name__": "app"},
	})
	require.NoError(t, err)
	require.NoError(t, f.rec.FinalizeCall(ctx, id, record.CallReturn{Return: int64(7)}))
	require.NoError(t, f.rec.EndSession(ctx))

	// Ignored global is never injected.
	res, err := f.engine.ReplaySequence(ctx, id, Options{
		EnableRecording: true,
		IgnoreGlobals:   []string{"rate"},
	})
	require.NoError(t, err)
	root, err := f.store.GetCall(ctx, *res.BranchRootID)
	require.NoError(t, err)
	ret, err := f.store.Rehydrate(ctx, *root.ReturnRef)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), ret, "ignored global must not reach the namespace")

	// Dunder-style globals are filtered regardless.
	_, ok := f.loader.Namespace().Lookup("__name__")
	assert.False(t, ok)
}

func TestReplaySequence_UnknownCall(t *testing.T) {
	f := newReplayFixture(t)

	_, err := f.engine.ReplaySequence(context.Background(), 4242, Options{})
	require.Error(t, err)
	assert.True(t, IsLoadError(err))
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestReplaySequence_MocksRebuiltPerStep(t *testing.T) {
	f := newReplayFixture(t)
	ctx := context.Background()

	// Real helper: counts invocations; returns 100 during the first work
	// call and 200 during the second.
	helperCalls := 0
	helper := f.instrument("helper", nil, func(Args) (any, error) {
		helperCalls++
		return int64(helperCalls * 100), nil
	})
	f.loader.Register("helper", nil, helper)

	// work calls helper once and passes its value through.
	work := f.instrument("work", []string{"n"}, func(Args) (any, error) {
		bound, ok := f.loader.Namespace().Lookup("helper")
		if !ok {
			return nil, fmt.Errorf("helper not bound")
		}
		return bound.(Func)(Args{})
	})
	f.loader.Register("work", []string{"n"}, work)

	sessID, err := f.rec.StartSession(ctx, "original", "")
	require.NoError(t, err)
	for _, n := range []int64{1, 2} {
		_, err := work(Args{Positional: []any{n}})
		require.NoError(t, err)
	}
	require.NoError(t, f.rec.EndSession(ctx))

	calls, err := f.store.SessionCalls(ctx, sessID)
	require.NoError(t, err)
	require.Len(t, calls, 2)

	// Replay with helper mocked. Step two's queue must come from the
	// second work call's own children (recorded return 200); a queue
	// built only from the first call would be exhausted and fall through
	// to the live helper.
	helperCallsBefore := helperCalls
	res, err := f.engine.ReplaySequence(ctx, calls[0].ID, Options{
		EnableRecording: true,
		MockFunctions:   []string{"helper"},
	})
	require.NoError(t, err)
	require.NotNil(t, res.BranchRootID)
	assert.Equal(t, 2, res.Steps)
	assert.Equal(t, helperCallsBefore, helperCalls, "mocked replay must not hit the real helper")

	root, err := f.store.GetCall(ctx, *res.BranchRootID)
	require.NoError(t, err)
	branch, err := f.store.SearchCalls(ctx, store.CallFilter{Function: "work", SessionID: root.SessionID})
	require.NoError(t, err)
	require.Len(t, branch, 2)

	// SearchCalls lists newest first: branch[0] is step two.
	secondRet, err := f.store.Rehydrate(ctx, *branch[0].ReturnRef)
	require.NoError(t, err)
	assert.Equal(t, int64(200), secondRet)
	firstRet, err := f.store.Rehydrate(ctx, *branch[1].ReturnRef)
	require.NoError(t, err)
	assert.Equal(t, int64(100), firstRet)

	// Restored: the binding serves the real helper again.
	bound, ok := f.loader.Namespace().Lookup("helper")
	require.True(t, ok)
	ret, err := bound.(Func)(Args{})
	require.NoError(t, err)
	assert.Equal(t, int64((helperCallsBefore+1)*100), ret)
}

func TestLoadArgs_MissingParamDoesNotShift(t *testing.T) {
	f := newReplayFixture(t)
	ctx := context.Background()

	refA, err := f.store.PutValue(ctx, value.Int(3), "")
	require.NoError(t, err)
	refB, err := f.store.PutValue(ctx, value.Int(7), "")
	require.NoError(t, err)

	// Only b recorded: it must arrive named, never in a's slot.
	args, err := f.engine.loadArgs(ctx, f.store, store.CallRecord{
		LocalsRefs: store.RefMap{"b": refB},
	}, []string{"a", "b"})
	require.NoError(t, err)
	assert.Empty(t, args.Positional)
	assert.Equal(t, int64(7), args.Named["b"])

	// Both recorded: the full positional prefix is used.
	args, err = f.engine.loadArgs(ctx, f.store, store.CallRecord{
		LocalsRefs: store.RefMap{"a": refA, "b": refB},
	}, []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, args.Positional, 2)
	assert.Equal(t, int64(3), args.Positional[0])
	assert.Equal(t, int64(7), args.Positional[1])
	assert.Empty(t, args.Named)
}
