package cli

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/retrace/internal/store"
	"github.com/roach88/retrace/internal/value"
)

// seedVersions stores two map values under one identity and returns the
// version IDs.
func seedVersions(t *testing.T, st *store.Store, a, b value.Value) (int64, int64) {
	t.Helper()
	ctx := context.Background()

	identityID, err := st.IdentityFor(ctx, "run:local:state", "state")
	require.NoError(t, err)

	refA, err := st.PutValue(ctx, a, "")
	require.NoError(t, err)
	verA, err := st.AddVersion(ctx, identityID, refA)
	require.NoError(t, err)

	refB, err := st.PutValue(ctx, b, "")
	require.NoError(t, err)
	verB, err := st.AddVersion(ctx, identityID, refB)
	require.NoError(t, err)

	return verA.ID, verB.ID
}

func TestDiffEqualValues(t *testing.T) {
	dbPath, st := openSeedStore(t)
	ctx := context.Background()
	ref, err := st.PutValue(ctx, value.Map{"n": value.Int(1)}, "")
	require.NoError(t, err)
	st.Close()

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewDiffCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--content", ref, ref, "--db", dbPath})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "Values are equal.")
}

func TestDiffChangedVersions(t *testing.T) {
	dbPath, st := openSeedStore(t)
	verA, verB := seedVersions(t, st,
		value.Map{"n": value.Int(1), "gone": value.Str("x")},
		value.Map{"n": value.Int(2), "new": value.Bool(true)},
	)
	st.Close()

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewDiffCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{fmt.Sprint(verA), fmt.Sprint(verB), "--db", dbPath})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	out := buf.String()
	assert.Contains(t, out, "~ n: 1 -> 2")
	assert.Contains(t, out, "- gone = x")
	assert.Contains(t, out, "+ new = true")
}

func TestDiffInvalidVersionID(t *testing.T) {
	dbPath, st := openSeedStore(t)
	st.Close()

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewDiffCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"one", "two", "--db", dbPath})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid version ID")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestDiffUnknownContentID(t *testing.T) {
	dbPath, st := openSeedStore(t)
	st.Close()

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewDiffCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--content", "missing-a", "missing-b", "--db", dbPath})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
