package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oscillatelabsllc/skyth/internal/models"
)

// AppendEpisodic inserts one turn. Appends to the same chat are serialized
// and receive strictly increasing timestamps. There is no update or delete.
func (s *Store) AppendEpisodic(ctx context.Context, e models.EpisodicEntry) (*models.EpisodicEntry, error) {
	if !e.Role.IsValid() {
		return nil, fmt.Errorf("invalid role %q", e.Role)
	}

	unlock := s.chats.Lock(chatKey(e.ChatID))
	defer unlock()

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := ownsChat(ctx, tx, e.UserID, e.ChatID); err != nil {
			return err
		}
		last, err := lastEpisodicStamp(ctx, tx, e.ChatID)
		if err != nil {
			return err
		}
		return s.insertEpisodic(ctx, tx, &e, s.nextStamp(last))
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListEpisodic returns every turn of a chat in timestamp order
func (s *Store) ListEpisodic(ctx context.Context, userID, chatID int64) ([]models.EpisodicEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, chat_id, role, content, COALESCE(payload, ''), created_at
		FROM episodic_memory
		WHERE user_id = ? AND chat_id = ?
		ORDER BY created_at ASC, id ASC
	`, userID, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to list episodic memory: %w", err)
	}
	defer rows.Close()
	return scanEpisodic(rows)
}

// RecentEpisodic returns the last n turns of a chat, oldest first
func (s *Store) RecentEpisodic(ctx context.Context, userID, chatID int64, n int) ([]models.EpisodicEntry, error) {
	if n <= 0 {
		return []models.EpisodicEntry{}, nil
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, user_id, chat_id, role, content, COALESCE(payload, ''), created_at
		FROM episodic_memory
		WHERE user_id = ? AND chat_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT %d
	`, n), userID, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent episodic memory: %w", err)
	}
	defer rows.Close()

	entries, err := scanEpisodic(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func (s *Store) insertEpisodic(ctx context.Context, tx *sql.Tx, e *models.EpisodicEntry, at time.Time) error {
	var payload interface{}
	if len(e.Payload) > 0 {
		payload = string(e.Payload)
	}

	e.CreatedAt = at
	err := tx.QueryRowContext(ctx, `
		INSERT INTO episodic_memory (user_id, chat_id, role, content, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?) RETURNING id
	`, e.UserID, e.ChatID, string(e.Role), e.Content, payload, at).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("failed to append episodic memory: %w", err)
	}
	return nil
}

// nextStamp returns now, or just after last when the clock has not advanced
func (s *Store) nextStamp(last time.Time) time.Time {
	now := s.stamp()
	if !last.IsZero() && !now.After(last) {
		return last.Add(time.Microsecond)
	}
	return now
}

func lastEpisodicStamp(ctx context.Context, tx *sql.Tx, chatID int64) (time.Time, error) {
	var last timestamp
	err := tx.QueryRowContext(ctx, `
		SELECT created_at FROM episodic_memory WHERE chat_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1
	`, chatID).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last turn: %w", err)
	}
	return last.Time, nil
}

func scanEpisodic(rows *sql.Rows) ([]models.EpisodicEntry, error) {
	entries := []models.EpisodicEntry{}
	for rows.Next() {
		var e models.EpisodicEntry
		var role, payload string
		var created timestamp
		if err := rows.Scan(&e.ID, &e.UserID, &e.ChatID, &role, &e.Content, &payload, &created); err != nil {
			return nil, fmt.Errorf("failed to scan episodic memory: %w", err)
		}
		e.Role = models.Role(role)
		if payload != "" {
			e.Payload = json.RawMessage(payload)
		}
		e.CreatedAt = created.Time
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
