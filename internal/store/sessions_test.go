package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSession_Lifecycle(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	id, err := s.InsertSession(ctx, "morning run", "baseline recording", time.Unix(0, 100))
	if err != nil {
		t.Fatalf("InsertSession() failed: %v", err)
	}

	sess, err := s.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession() failed: %v", err)
	}
	if sess.Name != "morning run" {
		t.Errorf("name = %q, want %q", sess.Name, "morning run")
	}
	if sess.EndTime != nil {
		t.Errorf("end time = %v, want nil for open session", sess.EndTime)
	}

	if err := s.EndSession(ctx, id, time.Unix(0, 500)); err != nil {
		t.Fatalf("EndSession() failed: %v", err)
	}
	sess, err = s.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession() failed: %v", err)
	}
	if sess.EndTime == nil || sess.EndTime.UnixNano() != 500 {
		t.Errorf("end time = %v, want 500ns", sess.EndTime)
	}
}

func TestSetEntryPoint_SetOnce(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	sessID := createTestSession(t, s, "run")
	first := createTestCall(t, s, "main", &sessID, intPtr(0))
	second := createTestCall(t, s, "helper", &sessID, intPtr(1))

	if err := s.SetEntryPoint(ctx, sessID, first); err != nil {
		t.Fatalf("SetEntryPoint() failed: %v", err)
	}
	// Second attempt is silently ignored.
	if err := s.SetEntryPoint(ctx, sessID, second); err != nil {
		t.Fatalf("SetEntryPoint() repeat failed: %v", err)
	}

	sess, err := s.GetSession(ctx, sessID)
	if err != nil {
		t.Fatalf("GetSession() failed: %v", err)
	}
	if sess.EntryPointCallID == nil || *sess.EntryPointCallID != first {
		t.Errorf("entry point = %v, want %d", sess.EntryPointCallID, first)
	}
}

func TestListSessions_CreationOrder(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	createTestSession(t, s, "first")
	createTestSession(t, s, "second")

	sessions, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions() failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(sessions))
	}
	if sessions[0].Name != "first" || sessions[1].Name != "second" {
		t.Errorf("order = [%q %q], want [first second]", sessions[0].Name, sessions[1].Name)
	}
}

func TestBranches_ForkDetection(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	// Original session with two calls.
	origID := createTestSession(t, s, "original")
	createTestCall(t, s, "setup", &origID, intPtr(0))
	forkPoint := createTestCall(t, s, "compute", &origID, intPtr(1))

	// Replay session whose first call hangs off the original's compute call.
	branchID := createTestSession(t, s, "replay")
	branchRoot, err := s.InsertCall(ctx, CallRecord{
		Function: "compute", File: "app.src", Line: 1, StartTime: time.Unix(0, 10),
		LocalsRefs: RefMap{}, GlobalsRefs: RefMap{},
		ParentCallID:   &forkPoint,
		SessionID:      &branchID,
		OrderInSession: intPtr(0),
	})
	if err != nil {
		t.Fatalf("InsertCall() failed: %v", err)
	}

	branches, err := s.BranchesOf(ctx, origID)
	if err != nil {
		t.Fatalf("BranchesOf() failed: %v", err)
	}
	if len(branches) != 1 {
		t.Fatalf("branches = %d, want 1", len(branches))
	}
	b := branches[0]
	if b.BranchSession != branchID || b.ParentSession != origID {
		t.Errorf("branch sessions = %d<-%d, want %d<-%d", b.BranchSession, b.ParentSession, branchID, origID)
	}
	if b.RootCallID != branchRoot || b.ParentCallID != forkPoint {
		t.Errorf("branch calls = root %d parent %d, want root %d parent %d",
			b.RootCallID, b.ParentCallID, branchRoot, forkPoint)
	}
	if b.AttachedAt != 1 {
		t.Errorf("attached at order %d, want 1", b.AttachedAt)
	}

	parent, err := s.ParentBranch(ctx, branchID)
	if err != nil {
		t.Fatalf("ParentBranch() failed: %v", err)
	}
	if parent != b {
		t.Errorf("ParentBranch() = %+v, want %+v", parent, b)
	}
}

func TestParentBranch_RootSession(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	sessID := createTestSession(t, s, "root")
	createTestCall(t, s, "main", &sessID, intPtr(0))

	_, err := s.ParentBranch(ctx, sessID)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("ParentBranch() error = %v, want ErrNotFound", err)
	}
}

func TestBranchesOf_IntraSessionChildrenAreNotBranches(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	sessID := createTestSession(t, s, "run")
	parent := createTestCall(t, s, "outer", &sessID, intPtr(0))
	_, err := s.InsertCall(ctx, CallRecord{
		Function: "inner", File: "app.src", Line: 1, StartTime: time.Unix(0, 1),
		LocalsRefs: RefMap{}, GlobalsRefs: RefMap{},
		ParentCallID: &parent, SessionID: &sessID, OrderInSession: intPtr(1),
	})
	if err != nil {
		t.Fatalf("InsertCall() failed: %v", err)
	}

	branches, err := s.BranchesOf(ctx, sessID)
	if err != nil {
		t.Fatalf("BranchesOf() failed: %v", err)
	}
	if len(branches) != 0 {
		t.Errorf("branches = %d, want 0 for same-session children", len(branches))
	}
}
