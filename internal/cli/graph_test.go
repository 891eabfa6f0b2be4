package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/retrace/internal/value"
)

func TestGraphExportsExecutionDOT(t *testing.T) {
	dbPath, st := openSeedStore(t)
	sid := seedSession(t, st, "run")
	id := seedCall(t, st, "loop", sid, 0, 2, 4)
	seedSnapshot(t, st, id, 10, map[string]value.Value{"i": value.Int(1)})
	seedSnapshot(t, st, id, 20, map[string]value.Value{"i": value.Int(1), "acc": value.Int(2)})
	st.Close()

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewGraphCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{fmt.Sprint(id), "--db", dbPath})

	require.NoError(t, cmd.Execute())
	out := buf.String()
	assert.Contains(t, out, "digraph trace {")
	assert.Contains(t, out, `label="line 10 (x1)"`)
	assert.Contains(t, out, `label="line 20 (x1)"`)
	assert.Contains(t, out, "+acc")
}

func TestGraphEditExport(t *testing.T) {
	dbPath, st := openSeedStore(t)
	sid := seedSession(t, st, "run")
	id1 := seedCall(t, st, "loop", sid, 0, 2, 4)
	seedSnapshot(t, st, id1, 10, map[string]value.Value{"i": value.Int(1)})
	id2 := seedCall(t, st, "loop", sid, 1, 3, 6)
	seedSnapshot(t, st, id2, 10, map[string]value.Value{"i": value.Int(1)})
	seedSnapshot(t, st, id2, 20, map[string]value.Value{"i": value.Int(2)})
	st.Close()

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewGraphCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{fmt.Sprint(id1), "--against", fmt.Sprint(id2), "--db", dbPath})

	require.NoError(t, cmd.Execute())
	out := buf.String()
	assert.Contains(t, out, "digraph editgraph {")
	assert.Contains(t, out, "color=green")
}

func TestGraphWritesOutputFile(t *testing.T) {
	dbPath, st := openSeedStore(t)
	sid := seedSession(t, st, "run")
	id := seedCall(t, st, "loop", sid, 0, 2, 4)
	seedSnapshot(t, st, id, 10, map[string]value.Value{"i": value.Int(1)})
	st.Close()

	outPath := filepath.Join(t.TempDir(), "trace.dot")
	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewGraphCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{fmt.Sprint(id), "--db", dbPath, "--out", outPath})

	require.NoError(t, cmd.Execute())
	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "digraph trace {")
}

func TestGraphNoSnapshots(t *testing.T) {
	dbPath, st := openSeedStore(t)
	sid := seedSession(t, st, "run")
	id := seedCall(t, st, "plain", sid, 0, 2, 4)
	st.Close()

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewGraphCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{fmt.Sprint(id), "--db", dbPath})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no snapshots")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
