package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const callColumns = `id, function, file, line, start_time, end_time, locals_refs, globals_refs,
	return_ref, error_text, parent_call_id, session_id, order_in_session, order_in_parent,
	code_definition_id, first_snapshot_id`

// InsertCall records the start of a call and returns its ID. Only the
// start-time fields are meaningful here; end fields are filled later by
// FinalizeCall.
func (s *Store) InsertCall(ctx context.Context, call CallRecord) (int64, error) {
	locals, err := marshalRefs(call.LocalsRefs)
	if err != nil {
		return 0, fmt.Errorf("insert call: %w", err)
	}
	globals, err := marshalRefs(call.GlobalsRefs)
	if err != nil {
		return 0, fmt.Errorf("insert call: %w", err)
	}
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO call_records (function, file, line, start_time, locals_refs, globals_refs,
			parent_call_id, session_id, order_in_session, order_in_parent, code_definition_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, call.Function, call.File, call.Line, timeToNanos(call.StartTime), locals, globals,
		nullInt64(call.ParentCallID), nullInt64(call.SessionID),
		nullInt(call.OrderInSession), nullInt(call.OrderInParent),
		nullString(call.CodeDefinitionID))
	if err != nil {
		return 0, fmt.Errorf("insert call: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert call: %w", err)
	}
	return id, nil
}

// FinalizeCall fills in the end-of-call fields. Calling it again for the
// same call overwrites the previous end state; the last write wins.
func (s *Store) FinalizeCall(ctx context.Context, id int64, end CallEnd) error {
	locals, err := marshalRefs(end.LocalsRefs)
	if err != nil {
		return fmt.Errorf("finalize call %d: %w", id, err)
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE call_records
		SET end_time = ?, locals_refs = ?, return_ref = ?, error_text = ?
		WHERE id = ?
	`, timeToNanos(end.EndTime), locals, nullString(end.ReturnRef), nullString(end.ErrorText), id)
	if err != nil {
		return fmt.Errorf("finalize call %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize call %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("finalize call %d: %w", id, ErrNotFound)
	}
	return nil
}

// CallEnd carries the fields FinalizeCall writes.
type CallEnd struct {
	EndTime    time.Time
	LocalsRefs RefMap
	ReturnRef  *string
	ErrorText  *string
}

// GetCall retrieves a call record by ID.
func (s *Store) GetCall(ctx context.Context, id int64) (CallRecord, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+callColumns+` FROM call_records WHERE id = ?`, id)
	call, err := scanCallRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return CallRecord{}, fmt.Errorf("call %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return CallRecord{}, fmt.Errorf("get call %d: %w", id, err)
	}
	return call, nil
}

// ChildCalls returns the direct children of a call, ordered by their
// position within the parent.
func (s *Store) ChildCalls(ctx context.Context, parentID int64) ([]CallRecord, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+callColumns+` FROM call_records
		WHERE parent_call_id = ?
		ORDER BY order_in_parent ASC, id ASC
	`, parentID)
	if err != nil {
		return nil, fmt.Errorf("child calls of %d: %w", parentID, err)
	}
	return collectCalls(rows)
}

// SessionCalls returns all top-level calls of a session in session order.
func (s *Store) SessionCalls(ctx context.Context, sessionID int64) ([]CallRecord, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+callColumns+` FROM call_records
		WHERE session_id = ? AND parent_call_id IS NULL
		ORDER BY order_in_session ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session calls of %d: %w", sessionID, err)
	}
	return collectCalls(rows)
}

// NextInSession finds the next recorded call of a function within a
// session, strictly after the given session order. Returns ErrNotFound
// when the sequence is exhausted.
func (s *Store) NextInSession(ctx context.Context, sessionID int64, function string, afterOrder int) (CallRecord, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+callColumns+` FROM call_records
		WHERE session_id = ? AND function = ? AND order_in_session > ?
		ORDER BY order_in_session ASC, id ASC
		LIMIT 1
	`, sessionID, function, afterOrder)
	call, err := scanCallRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return CallRecord{}, fmt.Errorf("next %s call after order %d: %w", function, afterOrder, ErrNotFound)
	}
	if err != nil {
		return CallRecord{}, fmt.Errorf("next call in session %d: %w", sessionID, err)
	}
	return call, nil
}

// CountSessionCalls returns the number of calls recorded against a session.
// Used to allocate the next order_in_session.
func (s *Store) CountSessionCalls(ctx context.Context, sessionID int64) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM call_records WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count session calls: %w", err)
	}
	return n, nil
}

// CountChildCalls returns the number of direct children of a call.
func (s *Store) CountChildCalls(ctx context.Context, parentID int64) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM call_records WHERE parent_call_id = ?`, parentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count child calls: %w", err)
	}
	return n, nil
}

// AppendSnapshot records a line-execution state at the end of a call's
// snapshot chain. It allocates order_in_call, links the previous
// snapshot's next_snapshot_id, and sets the call's first_snapshot_id on
// the first append only.
func (s *Store) AppendSnapshot(ctx context.Context, snap Snapshot) (int64, error) {
	locals, err := marshalRefs(snap.LocalsRefs)
	if err != nil {
		return 0, fmt.Errorf("append snapshot: %w", err)
	}
	globals, err := marshalRefs(snap.GlobalsRefs)
	if err != nil {
		return 0, fmt.Errorf("append snapshot: %w", err)
	}

	var prevID sql.NullInt64
	var order int
	err = s.q.QueryRowContext(ctx, `
		SELECT id, order_in_call + 1 FROM snapshots
		WHERE call_id = ?
		ORDER BY order_in_call DESC, id DESC
		LIMIT 1
	`, snap.CallID).Scan(&prevID, &order)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("append snapshot: %w", err)
	}

	res, err := s.q.ExecContext(ctx, `
		INSERT INTO snapshots (call_id, line, locals_refs, globals_refs, order_in_call, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, snap.CallID, snap.Line, locals, globals, order, timeToNanos(snap.Timestamp))
	if err != nil {
		return 0, fmt.Errorf("append snapshot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append snapshot: %w", err)
	}

	if prevID.Valid {
		_, err = s.q.ExecContext(ctx,
			`UPDATE snapshots SET next_snapshot_id = ? WHERE id = ?`, id, prevID.Int64)
	} else {
		_, err = s.q.ExecContext(ctx, `
			UPDATE call_records SET first_snapshot_id = ?
			WHERE id = ? AND first_snapshot_id IS NULL
		`, id, snap.CallID)
	}
	if err != nil {
		return 0, fmt.Errorf("append snapshot: %w", err)
	}
	return id, nil
}

// SnapshotsForCall returns a call's snapshots in execution order.
// The order_in_call index is authoritative; next_snapshot_id links are
// maintained for chain walking but not trusted for ordering.
func (s *Store) SnapshotsForCall(ctx context.Context, callID int64) ([]Snapshot, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, call_id, line, locals_refs, globals_refs, order_in_call, next_snapshot_id, timestamp
		FROM snapshots
		WHERE call_id = ?
		ORDER BY order_in_call ASC, id ASC
	`, callID)
	if err != nil {
		return nil, fmt.Errorf("snapshots for call %d: %w", callID, err)
	}
	defer rows.Close()

	snaps := []Snapshot{}
	for rows.Next() {
		var (
			snap    Snapshot
			locals  string
			globals string
			next    sql.NullInt64
			ts      int64
		)
		if err := rows.Scan(&snap.ID, &snap.CallID, &snap.Line, &locals, &globals,
			&snap.OrderInCall, &next, &ts); err != nil {
			return nil, fmt.Errorf("snapshots for call %d: %w", callID, err)
		}
		if snap.LocalsRefs, err = unmarshalRefs(locals); err != nil {
			return nil, fmt.Errorf("snapshots for call %d: %w", callID, err)
		}
		if snap.GlobalsRefs, err = unmarshalRefs(globals); err != nil {
			return nil, fmt.Errorf("snapshots for call %d: %w", callID, err)
		}
		if next.Valid {
			snap.NextSnapshotID = &next.Int64
		}
		snap.Timestamp = nanosToTime(ts)
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("snapshots for call %d: %w", callID, err)
	}
	return snaps, nil
}

// DeleteCall removes a call and, recursively, its child calls. Snapshots
// go with their calls via the schema's ON DELETE CASCADE. Content objects
// are never deleted; they may be shared.
func (s *Store) DeleteCall(ctx context.Context, id int64) error {
	children, err := s.ChildCalls(ctx, id)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := s.DeleteCall(ctx, child.ID); err != nil {
			return err
		}
	}
	_, err = s.q.ExecContext(ctx, `DELETE FROM call_records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete call %d: %w", id, err)
	}
	return nil
}

// CallFilter narrows a SearchCalls query. Zero fields are ignored.
type CallFilter struct {
	Function  string
	File      string
	SessionID *int64
	Errored   bool // only calls that ended with an error
	Limit     int
}

// SearchCalls lists call records matching a filter, newest first.
func (s *Store) SearchCalls(ctx context.Context, f CallFilter) ([]CallRecord, error) {
	var (
		conds []string
		args  []any
	)
	if f.Function != "" {
		conds = append(conds, "function = ?")
		args = append(args, f.Function)
	}
	if f.File != "" {
		conds = append(conds, "file = ?")
		args = append(args, f.File)
	}
	if f.SessionID != nil {
		conds = append(conds, "session_id = ?")
		args = append(args, *f.SessionID)
	}
	if f.Errored {
		conds = append(conds, "error_text IS NOT NULL")
	}

	query := `SELECT ` + callColumns + ` FROM call_records`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search calls: %w", err)
	}
	return collectCalls(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCallRow(row rowScanner) (CallRecord, error) {
	var (
		call    CallRecord
		start   int64
		end     sql.NullInt64
		locals  string
		globals string
		ret     sql.NullString
		errText sql.NullString
		parent  sql.NullInt64
		session sql.NullInt64
		ordSess sql.NullInt64
		ordPar  sql.NullInt64
		codeDef sql.NullString
		firstSn sql.NullInt64
	)
	err := row.Scan(&call.ID, &call.Function, &call.File, &call.Line, &start, &end,
		&locals, &globals, &ret, &errText, &parent, &session, &ordSess, &ordPar,
		&codeDef, &firstSn)
	if err != nil {
		return CallRecord{}, err
	}
	call.StartTime = nanosToTime(start)
	if end.Valid {
		t := nanosToTime(end.Int64)
		call.EndTime = &t
	}
	if call.LocalsRefs, err = unmarshalRefs(locals); err != nil {
		return CallRecord{}, err
	}
	if call.GlobalsRefs, err = unmarshalRefs(globals); err != nil {
		return CallRecord{}, err
	}
	if ret.Valid {
		call.ReturnRef = &ret.String
	}
	if errText.Valid {
		call.ErrorText = &errText.String
	}
	if parent.Valid {
		call.ParentCallID = &parent.Int64
	}
	if session.Valid {
		call.SessionID = &session.Int64
	}
	if ordSess.Valid {
		n := int(ordSess.Int64)
		call.OrderInSession = &n
	}
	if ordPar.Valid {
		n := int(ordPar.Int64)
		call.OrderInParent = &n
	}
	if codeDef.Valid {
		call.CodeDefinitionID = &codeDef.String
	}
	if firstSn.Valid {
		call.FirstSnapshotID = &firstSn.Int64
	}
	return call, nil
}

func collectCalls(rows *sql.Rows) ([]CallRecord, error) {
	defer rows.Close()
	calls := []CallRecord{}
	for rows.Next() {
		call, err := scanCallRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		calls = append(calls, call)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan calls: %w", err)
	}
	return calls, nil
}
