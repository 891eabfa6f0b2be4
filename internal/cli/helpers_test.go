package cli

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/retrace/internal/store"
	"github.com/roach88/retrace/internal/value"
)

// openSeedStore creates a database under the test's temp dir and returns
// it open for seeding. Callers close it before running commands against
// the path.
func openSeedStore(t *testing.T) (string, *store.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	return dbPath, st
}

// seedSession inserts a session with a fixed start time.
func seedSession(t *testing.T, st *store.Store, name string) int64 {
	t.Helper()
	id, err := st.InsertSession(context.Background(), name, "", time.Unix(0, 1))
	require.NoError(t, err)
	return id
}

// seedCall inserts a finished call with one captured local and a return
// value, ordered within the given session.
func seedCall(t *testing.T, st *store.Store, function string, sessionID int64, order int, x int64, ret int64) int64 {
	t.Helper()
	ctx := context.Background()

	localRef, err := st.PutValue(ctx, value.Int(x), "")
	require.NoError(t, err)
	retRef, err := st.PutValue(ctx, value.Int(ret), "")
	require.NoError(t, err)

	id, err := st.InsertCall(ctx, store.CallRecord{
		Function:       function,
		File:           "examples/demo.py",
		Line:           1,
		StartTime:      time.Unix(0, int64(order)+10),
		LocalsRefs:     store.RefMap{"x": localRef},
		SessionID:      &sessionID,
		OrderInSession: &order,
	})
	require.NoError(t, err)

	end := time.Unix(0, int64(order)+11)
	err = st.FinalizeCall(ctx, id, store.CallEnd{
		EndTime:   end,
		ReturnRef: &retRef,
	})
	require.NoError(t, err)
	return id
}

// seedSnapshot appends a line snapshot with the given locals to a call.
func seedSnapshot(t *testing.T, st *store.Store, callID int64, line int, locals map[string]value.Value) {
	t.Helper()
	ctx := context.Background()

	refs := store.RefMap{}
	for name, v := range locals {
		ref, err := st.PutValue(ctx, v, "")
		require.NoError(t, err)
		refs[name] = ref
	}
	_, err := st.AppendSnapshot(ctx, store.Snapshot{
		CallID:     callID,
		Line:       line,
		LocalsRefs: refs,
		Timestamp:  time.Unix(0, 1),
	})
	require.NoError(t, err)
}
