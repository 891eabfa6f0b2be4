package replay

import (
	"errors"
	"fmt"
)

// ReplayError represents a failure in the replay state machine.
//
// Replay errors include:
//   - Not monitored: the first replayed call executed without being captured
//   - Load error: the Loader could not resolve a recorded function
//   - Execution error: a replayed call failed; iteration stops, prior steps keep
//   - Commit error: the recording transaction failed to flush
//
// ReplayError includes structured fields for diagnostics.
type ReplayError struct {
	// Code identifies the error category.
	Code ReplayErrorCode

	// Message is a human-readable description.
	Message string

	// CallID identifies the original call involved, when known.
	CallID int64

	// Function names the function involved, when known.
	Function string

	// Err is the underlying cause, if any.
	Err error
}

// ReplayErrorCode categorizes replay errors.
type ReplayErrorCode string

const (
	// ErrCodeNotMonitored indicates the first call ran without being captured.
	ErrCodeNotMonitored ReplayErrorCode = "NOT_MONITORED"

	// ErrCodeLoadError indicates a recorded function could not be resolved.
	ErrCodeLoadError ReplayErrorCode = "LOAD_ERROR"

	// ErrCodeExecutionError indicates a replayed call failed.
	ErrCodeExecutionError ReplayErrorCode = "EXECUTION_ERROR"

	// ErrCodeCommitError indicates the recording transaction failed to flush.
	ErrCodeCommitError ReplayErrorCode = "COMMIT_ERROR"
)

// Error implements the error interface.
func (e *ReplayError) Error() string {
	if e.Function != "" && e.CallID != 0 {
		return fmt.Sprintf("%s: %s (call=%d, function=%s)", e.Code, e.Message, e.CallID, e.Function)
	}
	if e.CallID != 0 {
		return fmt.Sprintf("%s: %s (call=%d)", e.Code, e.Message, e.CallID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is / errors.As.
func (e *ReplayError) Unwrap() error {
	return e.Err
}

// IsNotMonitored returns true if the error is a not-monitored abort.
// Uses errors.As to handle wrapped errors.
func IsNotMonitored(err error) bool {
	return hasCode(err, ErrCodeNotMonitored)
}

// IsLoadError returns true if the error is a function load failure.
func IsLoadError(err error) bool {
	return hasCode(err, ErrCodeLoadError)
}

// IsExecutionError returns true if the error is a replayed-call failure.
func IsExecutionError(err error) bool {
	return hasCode(err, ErrCodeExecutionError)
}

// IsCommitError returns true if the error is a commit failure.
func IsCommitError(err error) bool {
	return hasCode(err, ErrCodeCommitError)
}

func hasCode(err error, code ReplayErrorCode) bool {
	var re *ReplayError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

func newLoadError(callID int64, function string, err error) *ReplayError {
	return &ReplayError{
		Code:     ErrCodeLoadError,
		Message:  "could not load recorded function",
		CallID:   callID,
		Function: function,
		Err:      err,
	}
}

func newExecutionError(callID int64, function string, err error) *ReplayError {
	return &ReplayError{
		Code:     ErrCodeExecutionError,
		Message:  "replayed call failed",
		CallID:   callID,
		Function: function,
		Err:      err,
	}
}
