package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/oscillatelabsllc/skyth/internal/models"
)

// UpsertCore writes (user, segment, key) → value, replacing value and
// timestamp when the key exists. Writers to the same key are serialized.
func (s *Store) UpsertCore(ctx context.Context, userID int64, segment models.CoreSegment, key, value string) (*models.CoreEntry, error) {
	if !segment.IsValid() {
		return nil, fmt.Errorf("invalid segment %q", segment)
	}
	if key == "" {
		return nil, fmt.Errorf("key is required")
	}

	unlock := s.keys.Lock(lockKey("core", userID, string(segment), key))
	defer unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO core_memory (user_id, segment, entry_key, entry_value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, segment, entry_key) DO UPDATE SET
			entry_value = excluded.entry_value,
			updated_at = excluded.updated_at
	`, userID, string(segment), key, value, s.stamp())
	if err != nil {
		return nil, fmt.Errorf("failed to upsert core memory: %w", err)
	}

	return s.GetCore(ctx, userID, segment, key)
}

// GetCore returns one core entry
func (s *Store) GetCore(ctx context.Context, userID int64, segment models.CoreSegment, key string) (*models.CoreEntry, error) {
	var e models.CoreEntry
	var seg string
	var updated timestamp
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, segment, entry_key, entry_value, updated_at
		FROM core_memory WHERE user_id = ? AND segment = ? AND entry_key = ?
	`, userID, string(segment), key).Scan(&e.ID, &e.UserID, &seg, &e.Key, &e.Value, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get core memory: %w", err)
	}
	e.Segment = models.CoreSegment(seg)
	e.UpdatedAt = updated.Time
	return &e, nil
}

// ListCore returns the user's core entries, optionally limited to a segment
func (s *Store) ListCore(ctx context.Context, userID int64, segment models.CoreSegment) ([]models.CoreEntry, error) {
	query := `SELECT id, user_id, segment, entry_key, entry_value, updated_at FROM core_memory WHERE user_id = ?`
	args := []interface{}{userID}
	if segment != "" {
		query += ` AND segment = ?`
		args = append(args, string(segment))
	}
	query += ` ORDER BY segment, entry_key`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list core memory: %w", err)
	}
	defer rows.Close()

	entries := []models.CoreEntry{}
	for rows.Next() {
		var e models.CoreEntry
		var seg string
		var updated timestamp
		if err := rows.Scan(&e.ID, &e.UserID, &seg, &e.Key, &e.Value, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan core memory: %w", err)
		}
		e.Segment = models.CoreSegment(seg)
		e.UpdatedAt = updated.Time
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
