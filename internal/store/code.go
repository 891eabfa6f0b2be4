package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/retrace/internal/value"
)

// PutCodeDefinition stores a code definition, deduplicated by the content
// hash of its source text, and returns its ID. The ID field on the input
// is ignored; it is always derived from SourceText.
func (s *Store) PutCodeDefinition(ctx context.Context, def CodeDefinition) (string, error) {
	id := value.CodeID(def.SourceText)

	params, err := marshalParams(def.Params)
	if err != nil {
		return "", fmt.Errorf("put code definition: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO code_definitions (id, name, module_path, kind, source_text, first_line, params, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, def.Name, def.ModulePath, def.Kind, def.SourceText, def.FirstLine, params, time.Now().UnixNano())
	if err != nil {
		return "", fmt.Errorf("put code definition: %w", err)
	}
	return id, nil
}

// GetCodeDefinition retrieves a code definition by ID.
func (s *Store) GetCodeDefinition(ctx context.Context, id string) (CodeDefinition, error) {
	var (
		def       CodeDefinition
		firstLine sql.NullInt64
		params    string
		created   int64
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT id, name, module_path, kind, source_text, first_line, params, created_at
		FROM code_definitions
		WHERE id = ?
	`, id).Scan(&def.ID, &def.Name, &def.ModulePath, &def.Kind, &def.SourceText, &firstLine, &params, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return CodeDefinition{}, fmt.Errorf("code definition %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return CodeDefinition{}, fmt.Errorf("get code definition: %w", err)
	}
	def.FirstLine = int(firstLine.Int64)
	def.Params, err = unmarshalParams(params)
	if err != nil {
		return CodeDefinition{}, fmt.Errorf("get code definition: %w", err)
	}
	def.CreatedAt = nanosToTime(created)
	return def, nil
}
