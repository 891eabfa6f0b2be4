package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/retrace/internal/value"
)

// IdentityFor returns the identity for key, creating it if needed.
// Idempotent on key. Write races resolve optimistically: attempt the
// insert, and on conflict re-query and use the existing row.
func (s *Store) IdentityFor(ctx context.Context, key, name string) (int64, error) {
	id, err := s.identityByKey(ctx, key)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("identity for %s: %w", key, err)
	}

	res, err := s.q.ExecContext(ctx, `
		INSERT INTO identities (key_hash, name, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key_hash) DO NOTHING
	`, key, name, time.Now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("identity for %s: %w", key, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return res.LastInsertId()
	}

	// Lost the race; another writer created it.
	id, err = s.identityByKey(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("identity for %s: requery after conflict: %w", key, err)
	}
	return id, nil
}

func (s *Store) identityByKey(ctx context.Context, key string) (int64, error) {
	var id int64
	err := s.q.QueryRowContext(ctx,
		`SELECT id FROM identities WHERE key_hash = ?`, key).Scan(&id)
	return id, err
}

// GetIdentity retrieves an identity by its row id.
func (s *Store) GetIdentity(ctx context.Context, id int64) (Identity, error) {
	var (
		ident   Identity
		name    sql.NullString
		created int64
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT id, key_hash, name, created_at FROM identities WHERE id = ?
	`, id).Scan(&ident.ID, &ident.KeyHash, &name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Identity{}, fmt.Errorf("identity %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Identity{}, fmt.Errorf("get identity: %w", err)
	}
	ident.Name = name.String
	ident.CreatedAt = nanosToTime(created)
	return ident, nil
}

// AddVersion appends a new version of an identity pointing at contentID.
//
// Version numbers are gapless per identity, starting at 1. Re-recording an
// unchanged value is a no-op returning the existing latest version:
// history never grows for identical consecutive states.
func (s *Store) AddVersion(ctx context.Context, identityID int64, contentID string) (Version, error) {
	latest, err := s.LatestVersion(ctx, identityID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Version{}, fmt.Errorf("add version: %w", err)
	}

	next := 1
	if err == nil {
		if latest.ContentID == contentID {
			return latest, nil
		}
		next = latest.VersionNumber + 1
	}

	now := time.Now()
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO versions (identity_id, content_id, version_number, timestamp)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(identity_id, version_number) DO NOTHING
	`, identityID, contentID, next, now.UnixNano())
	if err != nil {
		return Version{}, fmt.Errorf("add version: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Another writer claimed this version number; re-read the latest
		// and report it. Same optimistic discipline as IdentityFor.
		latest, err := s.LatestVersion(ctx, identityID)
		if err != nil {
			return Version{}, fmt.Errorf("add version: requery after conflict: %w", err)
		}
		return latest, nil
	}

	id, err := res.LastInsertId()
	if err != nil {
		return Version{}, fmt.Errorf("add version: last insert id: %w", err)
	}
	return Version{
		ID:            id,
		IdentityID:    identityID,
		ContentID:     contentID,
		VersionNumber: next,
		Timestamp:     now,
	}, nil
}

// LatestVersion returns the highest-numbered version of an identity.
// ErrNotFound when the identity has no versions yet.
func (s *Store) LatestVersion(ctx context.Context, identityID int64) (Version, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, identity_id, content_id, version_number, timestamp
		FROM versions
		WHERE identity_id = ?
		ORDER BY version_number DESC
		LIMIT 1
	`, identityID)
	return scanVersionRow(row)
}

// GetVersion retrieves a single version by its row id.
func (s *Store) GetVersion(ctx context.Context, id int64) (Version, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, identity_id, content_id, version_number, timestamp
		FROM versions
		WHERE id = ?
	`, id)
	return scanVersionRow(row)
}

// History returns an identity's versions in order.
// Returns an empty slice (not nil) for an identity with no versions.
func (s *Store) History(ctx context.Context, identityID int64) ([]Version, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, identity_id, content_id, version_number, timestamp
		FROM versions
		WHERE identity_id = ?
		ORDER BY version_number ASC, id ASC
	`, identityID)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()

	versions := []Version{}
	for rows.Next() {
		var (
			v  Version
			ts int64
		)
		if err := rows.Scan(&v.ID, &v.IdentityID, &v.ContentID, &v.VersionNumber, &ts); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		v.Timestamp = nanosToTime(ts)
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return versions, nil
}

// CompareVersions diffs the stored payloads of two versions. It is purely
// a function of the two content objects and never touches live values.
// Missing versions or mismatched payload shapes come back as error values.
func (s *Store) CompareVersions(ctx context.Context, versionA, versionB int64) (value.Diff, error) {
	va, err := s.GetVersion(ctx, versionA)
	if err != nil {
		return value.Diff{}, fmt.Errorf("compare versions: %w", err)
	}
	vb, err := s.GetVersion(ctx, versionB)
	if err != nil {
		return value.Diff{}, fmt.Errorf("compare versions: %w", err)
	}
	return s.CompareContent(ctx, va.ContentID, vb.ContentID)
}

// CompareContent diffs two stored values by content ID.
func (s *Store) CompareContent(ctx context.Context, contentA, contentB string) (value.Diff, error) {
	a, err := s.GetValue(ctx, contentA)
	if err != nil {
		return value.Diff{}, fmt.Errorf("compare content: %w", err)
	}
	b, err := s.GetValue(ctx, contentB)
	if err != nil {
		return value.Diff{}, fmt.Errorf("compare content: %w", err)
	}
	return value.Compare(a, b)
}

func scanVersionRow(row *sql.Row) (Version, error) {
	var (
		v  Version
		ts int64
	)
	err := row.Scan(&v.ID, &v.IdentityID, &v.ContentID, &v.VersionNumber, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return Version{}, ErrNotFound
	}
	if err != nil {
		return Version{}, fmt.Errorf("scan version: %w", err)
	}
	v.Timestamp = nanosToTime(ts)
	return v, nil
}
