package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/oscillatelabsllc/skyth/internal/models"
)

// UpsertProcedure stores a named task template, replacing steps on conflict
func (s *Store) UpsertProcedure(ctx context.Context, userID int64, name string, steps json.RawMessage) (*models.Procedure, error) {
	if name == "" {
		return nil, fmt.Errorf("name is required")
	}
	if !json.Valid(steps) {
		return nil, fmt.Errorf("steps must be valid JSON")
	}

	unlock := s.keys.Lock(lockKey("procedural", userID, name))
	defer unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO procedural_memory (user_id, name, steps, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, name) DO UPDATE SET
			steps = excluded.steps,
			updated_at = excluded.updated_at
	`, userID, name, string(steps), s.stamp())
	if err != nil {
		return nil, fmt.Errorf("failed to upsert procedure: %w", err)
	}

	return s.GetProcedure(ctx, userID, name)
}

// GetProcedure returns one procedure by name
func (s *Store) GetProcedure(ctx context.Context, userID int64, name string) (*models.Procedure, error) {
	var p models.Procedure
	var steps string
	var updated timestamp
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, steps, updated_at FROM procedural_memory WHERE user_id = ? AND name = ?
	`, userID, name).Scan(&p.ID, &p.UserID, &p.Name, &steps, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get procedure: %w", err)
	}
	p.Steps = json.RawMessage(steps)
	p.UpdatedAt = updated.Time
	return &p, nil
}

// ListProcedures returns the user's procedures by name
func (s *Store) ListProcedures(ctx context.Context, userID int64) ([]models.Procedure, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, steps, updated_at FROM procedural_memory WHERE user_id = ? ORDER BY name
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list procedures: %w", err)
	}
	defer rows.Close()

	procs := []models.Procedure{}
	for rows.Next() {
		var p models.Procedure
		var steps string
		var updated timestamp
		if err := rows.Scan(&p.ID, &p.UserID, &p.Name, &steps, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan procedure: %w", err)
		}
		p.Steps = json.RawMessage(steps)
		p.UpdatedAt = updated.Time
		procs = append(procs, p)
	}
	return procs, rows.Err()
}
