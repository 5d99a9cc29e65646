package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/oscillatelabsllc/skyth/internal/models"
)

// SemanticFilter narrows ListSemantic
type SemanticFilter struct {
	EntityType string
	Limit      int
}

// UpsertSemantic writes a fact keyed by (user, entity_type, summary); an
// existing fact has its details, source and timestamp replaced.
func (s *Store) UpsertSemantic(ctx context.Context, e models.SemanticEntry) (*models.SemanticEntry, error) {
	if e.EntityType == "" || e.Summary == "" {
		return nil, fmt.Errorf("entity_type and summary are required")
	}

	unlock := s.keys.Lock(lockKey("semantic", e.UserID, e.EntityType, e.Summary))
	defer unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO semantic_memory (user_id, entity_type, summary, details, source, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, entity_type, summary) DO UPDATE SET
			details = excluded.details,
			source = excluded.source,
			updated_at = excluded.updated_at
	`, e.UserID, e.EntityType, e.Summary, e.Details, e.Source, s.stamp())
	if err != nil {
		return nil, fmt.Errorf("failed to upsert semantic memory: %w", err)
	}

	return s.GetSemantic(ctx, e.UserID, e.EntityType, e.Summary)
}

const semanticColumns = `id, user_id, entity_type, summary, COALESCE(details, ''), COALESCE(source, ''), updated_at`

// GetSemantic returns one fact
func (s *Store) GetSemantic(ctx context.Context, userID int64, entityType, summary string) (*models.SemanticEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+semanticColumns+` FROM semantic_memory
		WHERE user_id = ? AND entity_type = ? AND summary = ?
	`, userID, entityType, summary)

	var e models.SemanticEntry
	var updated timestamp
	err := row.Scan(&e.ID, &e.UserID, &e.EntityType, &e.Summary, &e.Details, &e.Source, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get semantic memory: %w", err)
	}
	e.UpdatedAt = updated.Time
	return &e, nil
}

// ListSemantic returns the user's facts, most recently updated first
func (s *Store) ListSemantic(ctx context.Context, userID int64, f SemanticFilter) ([]models.SemanticEntry, error) {
	query := `SELECT ` + semanticColumns + ` FROM semantic_memory WHERE user_id = ?`
	args := []interface{}{userID}
	if f.EntityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, f.EntityType)
	}
	query += ` ORDER BY updated_at DESC, id DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list semantic memory: %w", err)
	}
	defer rows.Close()

	entries := []models.SemanticEntry{}
	for rows.Next() {
		var e models.SemanticEntry
		var updated timestamp
		if err := rows.Scan(&e.ID, &e.UserID, &e.EntityType, &e.Summary, &e.Details, &e.Source, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan semantic memory: %w", err)
		}
		e.UpdatedAt = updated.Time
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
