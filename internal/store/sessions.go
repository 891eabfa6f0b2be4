package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertSession creates a session and returns its ID.
func (s *Store) InsertSession(ctx context.Context, name, description string, start time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO sessions (name, description, start_time)
		VALUES (?, ?, ?)
	`, name, description, timeToNanos(start))
	if err != nil {
		return 0, fmt.Errorf("insert session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert session: %w", err)
	}
	return id, nil
}

// EndSession stamps a session's end time.
func (s *Store) EndSession(ctx context.Context, id int64, end time.Time) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE sessions SET end_time = ? WHERE id = ?`, timeToNanos(end), id)
	if err != nil {
		return fmt.Errorf("end session %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("end session %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("end session %d: %w", id, ErrNotFound)
	}
	return nil
}

// SetEntryPoint records the session's entry-point call. The entry point is
// set once; later attempts against a session that already has one are
// silently ignored.
func (s *Store) SetEntryPoint(ctx context.Context, sessionID, callID int64) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE sessions SET entry_point_call_id = ?
		WHERE id = ? AND entry_point_call_id IS NULL
	`, callID, sessionID)
	if err != nil {
		return fmt.Errorf("set entry point of session %d: %w", sessionID, err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, id int64) (Session, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, name, description, start_time, end_time, entry_point_call_id
		FROM sessions WHERE id = ?
	`, id)
	sess, err := scanSessionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("session %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session %d: %w", id, err)
	}
	return sess, nil
}

// ListSessions returns all sessions in creation order.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, name, description, start_time, end_time, entry_point_call_id
		FROM sessions
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		sess, err := scanSessionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// BranchesOf finds the replay sessions forked from calls of the given
// session: branch roots are calls in another session whose parent call
// belongs to this one.
func (s *Store) BranchesOf(ctx context.Context, sessionID int64) ([]Branch, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT child.session_id, parent.session_id, child.id, parent.id,
			COALESCE(parent.order_in_session, 0)
		FROM call_records child
		JOIN call_records parent ON child.parent_call_id = parent.id
		WHERE parent.session_id = ?
			AND child.session_id IS NOT NULL
			AND child.session_id != parent.session_id
		ORDER BY child.id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("branches of session %d: %w", sessionID, err)
	}
	return collectBranches(rows)
}

// ParentBranch finds the fork point of a branch session: the call in
// another session that the branch's first call hangs off. Returns
// ErrNotFound for root sessions that were not forked from anywhere.
func (s *Store) ParentBranch(ctx context.Context, sessionID int64) (Branch, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT child.session_id, parent.session_id, child.id, parent.id,
			COALESCE(parent.order_in_session, 0)
		FROM call_records child
		JOIN call_records parent ON child.parent_call_id = parent.id
		WHERE child.session_id = ?
			AND parent.session_id IS NOT NULL
			AND parent.session_id != child.session_id
		ORDER BY child.id ASC
		LIMIT 1
	`, sessionID)
	var b Branch
	err := row.Scan(&b.BranchSession, &b.ParentSession, &b.RootCallID, &b.ParentCallID, &b.AttachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Branch{}, fmt.Errorf("parent branch of session %d: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return Branch{}, fmt.Errorf("parent branch of session %d: %w", sessionID, err)
	}
	return b, nil
}

func scanSessionRow(row rowScanner) (Session, error) {
	var (
		sess  Session
		start int64
		end   sql.NullInt64
		entry sql.NullInt64
	)
	err := row.Scan(&sess.ID, &sess.Name, &sess.Description, &start, &end, &entry)
	if err != nil {
		return Session{}, err
	}
	sess.StartTime = nanosToTime(start)
	if end.Valid {
		t := nanosToTime(end.Int64)
		sess.EndTime = &t
	}
	if entry.Valid {
		sess.EntryPointCallID = &entry.Int64
	}
	return sess, nil
}

func collectBranches(rows *sql.Rows) ([]Branch, error) {
	defer rows.Close()
	branches := []Branch{}
	for rows.Next() {
		var b Branch
		if err := rows.Scan(&b.BranchSession, &b.ParentSession, &b.RootCallID, &b.ParentCallID, &b.AttachedAt); err != nil {
			return nil, fmt.Errorf("scan branch: %w", err)
		}
		branches = append(branches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan branches: %w", err)
	}
	return branches, nil
}
