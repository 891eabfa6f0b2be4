package cli

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitErrorMessage(t *testing.T) {
	err := NewExitError(ExitCommandError, "database not found")
	assert.Equal(t, "database not found", err.Error())

	wrapped := WrapExitError(ExitFailure, "replay aborted", fmt.Errorf("boom"))
	assert.Equal(t, "replay aborted: boom", wrapped.Error())
}

func TestExitErrorUnwrap(t *testing.T) {
	inner := errors.New("inner")
	err := WrapExitError(ExitCommandError, "outer", inner)
	assert.True(t, errors.Is(err, inner))
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "x")))
	assert.Equal(t, ExitFailure, GetExitCode(NewExitError(ExitFailure, "x")))

	// Non-ExitError defaults to failure.
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))

	// Wrapped ExitError still resolves.
	err := fmt.Errorf("context: %w", NewExitError(ExitCommandError, "x"))
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "short", truncateID("short"))
	long := "sha256:0123456789abcdef0123456789abcdef"
	assert.Equal(t, "sha256:0...89abcdef", truncateID(long))
}
