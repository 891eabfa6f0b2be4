package store

import (
	"context"
	"errors"
	"testing"

	"github.com/roach88/retrace/internal/value"
)

func TestIdentityFor_GetOrCreate(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	key := value.IdentityKey("run-1", "local", "counter")
	id1, err := s.IdentityFor(ctx, key, "counter")
	if err != nil {
		t.Fatalf("IdentityFor() failed: %v", err)
	}
	id2, err := s.IdentityFor(ctx, key, "counter")
	if err != nil {
		t.Fatalf("IdentityFor() second call failed: %v", err)
	}
	if id1 != id2 {
		t.Errorf("same key got different identities: %d vs %d", id1, id2)
	}

	other := value.IdentityKey("run-1", "local", "total")
	id3, err := s.IdentityFor(ctx, other, "total")
	if err != nil {
		t.Fatalf("IdentityFor() failed: %v", err)
	}
	if id3 == id1 {
		t.Errorf("distinct keys share identity %d", id1)
	}
}

func TestAddVersion_GaplessNumbering(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	identID, err := s.IdentityFor(ctx, value.IdentityKey("run-1", "local", "x"), "x")
	if err != nil {
		t.Fatalf("IdentityFor() failed: %v", err)
	}

	for i, v := range []value.Value{value.Int(1), value.Int(2), value.Int(3)} {
		cid := mustPut(t, s, v)
		ver, err := s.AddVersion(ctx, identID, cid)
		if err != nil {
			t.Fatalf("AddVersion() failed: %v", err)
		}
		if ver.VersionNumber != i+1 {
			t.Errorf("version number = %d, want %d", ver.VersionNumber, i+1)
		}
	}

	history, err := s.History(ctx, identID)
	if err != nil {
		t.Fatalf("History() failed: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}
	for i, ver := range history {
		if ver.VersionNumber != i+1 {
			t.Errorf("history[%d].VersionNumber = %d, want %d", i, ver.VersionNumber, i+1)
		}
	}
}

func TestAddVersion_UnchangedContentIsNoOp(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	identID, err := s.IdentityFor(ctx, value.IdentityKey("run-1", "local", "x"), "x")
	if err != nil {
		t.Fatalf("IdentityFor() failed: %v", err)
	}

	cid := mustPut(t, s, value.Str("same"))
	v1, err := s.AddVersion(ctx, identID, cid)
	if err != nil {
		t.Fatalf("AddVersion() failed: %v", err)
	}
	v2, err := s.AddVersion(ctx, identID, cid)
	if err != nil {
		t.Fatalf("AddVersion() repeat failed: %v", err)
	}
	if v2.ID != v1.ID || v2.VersionNumber != v1.VersionNumber {
		t.Errorf("unchanged content created new version %d (was %d)", v2.VersionNumber, v1.VersionNumber)
	}

	history, err := s.History(ctx, identID)
	if err != nil {
		t.Fatalf("History() failed: %v", err)
	}
	if len(history) != 1 {
		t.Errorf("history length = %d, want 1", len(history))
	}
}

func TestAddVersion_AlternatingContentAlwaysVersions(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	identID, err := s.IdentityFor(ctx, value.IdentityKey("run-1", "local", "toggle"), "toggle")
	if err != nil {
		t.Fatalf("IdentityFor() failed: %v", err)
	}

	a := mustPut(t, s, value.Bool(true))
	b := mustPut(t, s, value.Bool(false))
	for _, cid := range []string{a, b, a} {
		if _, err := s.AddVersion(ctx, identID, cid); err != nil {
			t.Fatalf("AddVersion() failed: %v", err)
		}
	}

	// Only consecutive duplicates compact; A,B,A is three versions.
	history, err := s.History(ctx, identID)
	if err != nil {
		t.Fatalf("History() failed: %v", err)
	}
	if len(history) != 3 {
		t.Errorf("history length = %d, want 3", len(history))
	}
}

func TestLatestVersion_EmptyIdentity(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	identID, err := s.IdentityFor(ctx, value.IdentityKey("run-1", "local", "empty"), "empty")
	if err != nil {
		t.Fatalf("IdentityFor() failed: %v", err)
	}
	_, err = s.LatestVersion(ctx, identID)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("LatestVersion() error = %v, want ErrNotFound", err)
	}
}

func TestHistory_EmptyIsNonNil(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	identID, err := s.IdentityFor(ctx, value.IdentityKey("run-1", "local", "fresh"), "fresh")
	if err != nil {
		t.Fatalf("IdentityFor() failed: %v", err)
	}
	history, err := s.History(ctx, identID)
	if err != nil {
		t.Fatalf("History() failed: %v", err)
	}
	if history == nil {
		t.Error("History() = nil, want empty slice")
	}
	if len(history) != 0 {
		t.Errorf("history length = %d, want 0", len(history))
	}
}

func TestCompareVersions_FieldDiff(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	identID, err := s.IdentityFor(ctx, value.IdentityKey("run-1", "local", "obj"), "obj")
	if err != nil {
		t.Fatalf("IdentityFor() failed: %v", err)
	}

	before := mustPut(t, s, value.Map{"a": value.Int(1), "b": value.Int(2)})
	after := mustPut(t, s, value.Map{"a": value.Int(1), "b": value.Int(3), "c": value.Int(4)})

	v1, err := s.AddVersion(ctx, identID, before)
	if err != nil {
		t.Fatalf("AddVersion() failed: %v", err)
	}
	v2, err := s.AddVersion(ctx, identID, after)
	if err != nil {
		t.Fatalf("AddVersion() failed: %v", err)
	}

	diff, err := s.CompareVersions(ctx, v1.ID, v2.ID)
	if err != nil {
		t.Fatalf("CompareVersions() failed: %v", err)
	}
	if len(diff.Entries) != 2 {
		t.Fatalf("diff entries = %d, want 2: %+v", len(diff.Entries), diff.Entries)
	}

	byKey := map[string]value.DiffKind{}
	for _, e := range diff.Entries {
		byKey[e.Key] = e.Kind
	}
	if byKey["b"] != value.DiffChanged {
		t.Errorf("entry b kind = %v, want changed", byKey["b"])
	}
	if byKey["c"] != value.DiffAdded {
		t.Errorf("entry c kind = %v, want added", byKey["c"])
	}
}
