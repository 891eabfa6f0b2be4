package replay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlan(t *testing.T) {
	plan, err := ParsePlan([]byte(`
start_call_id: 3
session_name: retry with fix
ignore_globals: [cache]
mock_functions: [fetch_rate, now]
record: true
`))
	require.NoError(t, err)
	assert.Equal(t, int64(3), plan.StartCallID)
	assert.Equal(t, "retry with fix", plan.SessionName)
	assert.Equal(t, []string{"cache"}, plan.IgnoreGlobals)
	assert.Equal(t, []string{"fetch_rate", "now"}, plan.MockFunctions)
	assert.True(t, plan.Record)

	opts := plan.Options()
	assert.True(t, opts.EnableRecording)
	assert.Equal(t, plan.MockFunctions, opts.MockFunctions)
}

func TestParsePlan_MissingStartCall(t *testing.T) {
	_, err := ParsePlan([]byte(`session_name: x`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start_call_id")
}

func TestParsePlan_Invalid(t *testing.T) {
	_, err := ParsePlan([]byte(`{not yaml`))
	require.Error(t, err)
}

func TestReplayError_Codes(t *testing.T) {
	err := newExecutionError(7, "work", assert.AnError)
	assert.True(t, IsExecutionError(err))
	assert.False(t, IsLoadError(err))
	assert.Contains(t, err.Error(), "EXECUTION_ERROR")
	assert.Contains(t, err.Error(), "work")

	wrapped := &ReplayError{Code: ErrCodeCommitError, Message: "flush failed", Err: assert.AnError}
	assert.True(t, IsCommitError(wrapped))
	assert.ErrorIs(t, wrapped, assert.AnError)
}
