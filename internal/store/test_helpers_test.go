package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/retrace/internal/value"
)

// createTestStore creates a fresh on-disk store under a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// mustPut stores a value and fails the test on error.
func mustPut(t *testing.T, s *Store, v value.Value) string {
	t.Helper()
	id, err := s.PutValue(context.Background(), v, "")
	if err != nil {
		t.Fatalf("PutValue() failed: %v", err)
	}
	return id
}

// createTestSession creates a session with a fixed start time.
func createTestSession(t *testing.T, s *Store, name string) int64 {
	t.Helper()
	id, err := s.InsertSession(context.Background(), name, "", time.Unix(0, 1000))
	if err != nil {
		t.Fatalf("InsertSession() failed: %v", err)
	}
	return id
}

// createTestCall records the start of a call with minimal fields.
func createTestCall(t *testing.T, s *Store, function string, sessionID *int64, orderInSession *int) int64 {
	t.Helper()
	id, err := s.InsertCall(context.Background(), CallRecord{
		Function:       function,
		File:           "app.src",
		Line:           1,
		StartTime:      time.Unix(0, 2000),
		LocalsRefs:     RefMap{},
		GlobalsRefs:    RefMap{},
		SessionID:      sessionID,
		OrderInSession: orderInSession,
	})
	if err != nil {
		t.Fatalf("InsertCall() failed: %v", err)
	}
	return id
}

func intPtr(n int) *int       { return &n }
func strPtr(s string) *string { return &s }
