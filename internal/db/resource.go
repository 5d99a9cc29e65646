package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/oscillatelabsllc/skyth/internal/models"
)

// ResourceFilter narrows ListResources
type ResourceFilter struct {
	ChatID *int64
	Type   models.ResourceType
	Limit  int
}

// AppendResource inserts a resource row. Chat-scoped rows require the user
// to own the chat.
func (s *Store) AppendResource(ctx context.Context, r models.ResourceEntry) (*models.ResourceEntry, error) {
	if err := validateResource(r); err != nil {
		return nil, err
	}

	if r.ChatID != nil {
		unlock := s.chats.Lock(chatKey(*r.ChatID))
		defer unlock()
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if r.ChatID != nil {
			if err := ownsChat(ctx, tx, r.UserID, *r.ChatID); err != nil {
				return err
			}
		}
		return s.insertResource(ctx, tx, &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListResources returns the user's resources, newest first
func (s *Store) ListResources(ctx context.Context, userID int64, f ResourceFilter) ([]models.ResourceEntry, error) {
	query := `
		SELECT id, user_id, chat_id, title, COALESCE(summary, ''), resource_type, location, created_at
		FROM resource_memory WHERE user_id = ?`
	args := []interface{}{userID}
	if f.ChatID != nil {
		query += ` AND chat_id = ?`
		args = append(args, *f.ChatID)
	}
	if f.Type != "" {
		query += ` AND resource_type = ?`
		args = append(args, string(f.Type))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	resources := []models.ResourceEntry{}
	for rows.Next() {
		var r models.ResourceEntry
		var chatID sql.NullInt64
		var rtype string
		var created timestamp
		if err := rows.Scan(&r.ID, &r.UserID, &chatID, &r.Title, &r.Summary, &rtype, &r.Location, &created); err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		if chatID.Valid {
			id := chatID.Int64
			r.ChatID = &id
		}
		r.ResourceType = models.ResourceType(rtype)
		r.CreatedAt = created.Time
		resources = append(resources, r)
	}
	return resources, rows.Err()
}

func (s *Store) insertResource(ctx context.Context, tx *sql.Tx, r *models.ResourceEntry) error {
	var chatID interface{}
	if r.ChatID != nil {
		chatID = *r.ChatID
	}

	r.CreatedAt = s.stamp()
	err := tx.QueryRowContext(ctx, `
		INSERT INTO resource_memory (user_id, chat_id, title, summary, resource_type, location, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id
	`, r.UserID, chatID, r.Title, r.Summary, string(r.ResourceType), r.Location, r.CreatedAt).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("failed to append resource: %w", err)
	}
	return nil
}

func validateResource(r models.ResourceEntry) error {
	if !r.ResourceType.IsValid() {
		return fmt.Errorf("invalid resource type %q", r.ResourceType)
	}
	if r.Location == "" {
		return fmt.Errorf("location is required")
	}
	if r.Title == "" {
		return fmt.Errorf("title is required")
	}
	return nil
}
