package store

import (
	"time"

	"github.com/roach88/retrace/internal/value"
)

// RefMap maps slot names (variable names) to content-object IDs.
type RefMap map[string]string

// ContentObject is one content-addressed stored value.
// Immutable once created; identical values always resolve to the same ID.
type ContentObject struct {
	ID               string
	Kind             value.StorageClass
	TypeName         string
	Payload          string
	CodeDefinitionID string // optional link to the value's type definition
	CreatedAt        time.Time
}

// Identity is a stable handle for "the same logical slot" whose value
// changes over time.
type Identity struct {
	ID        int64
	KeyHash   string
	Name      string
	CreatedAt time.Time
}

// Version is one historical state of an Identity.
// Version numbers per identity start at 1 and are gapless.
type Version struct {
	ID            int64
	IdentityID    int64
	ContentID     string
	VersionNumber int
	Timestamp     time.Time
}

// CodeDefinition is the content-hashed source text of a function or class.
// Deduplicated by hash; Params preserves the declared parameter order as
// captured structurally at record time.
type CodeDefinition struct {
	ID         string
	Name       string
	ModulePath string
	Kind       string // "function" | "class"
	SourceText string
	FirstLine  int
	Params     []string
	CreatedAt  time.Time
}

// CallRecord is one recorded function invocation.
// Created at call start; end fields are filled once at call end.
type CallRecord struct {
	ID               int64
	Function         string
	File             string
	Line             int
	StartTime        time.Time
	EndTime          *time.Time
	LocalsRefs       RefMap
	GlobalsRefs      RefMap
	ReturnRef        *string
	ErrorText        *string
	ParentCallID     *int64
	SessionID        *int64
	OrderInSession   *int
	OrderInParent    *int
	CodeDefinitionID *string
	FirstSnapshotID  *int64
}

// Snapshot is one recorded line-execution state within a call.
// Append-only per call, ordered by OrderInCall.
type Snapshot struct {
	ID             int64
	CallID         int64
	Line           int
	LocalsRefs     RefMap
	GlobalsRefs    RefMap
	OrderInCall    int
	NextSnapshotID *int64
	Timestamp      time.Time
}

// Session is an ordered group of top-level call records.
type Session struct {
	ID               int64
	Name             string
	Description      string
	StartTime        time.Time
	EndTime          *time.Time
	EntryPointCallID *int64
}

// Branch describes a replay branch relationship between two sessions:
// a call in BranchSession whose parent call belongs to ParentSession.
// Derived by walking call links; never persisted.
type Branch struct {
	BranchSession int64
	ParentSession int64
	RootCallID    int64 // first call of the branch
	ParentCallID  int64 // call in the parent session it forked from
	AttachedAt    int   // order_in_session of the parent call
}
