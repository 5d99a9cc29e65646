package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/oscillatelabsllc/skyth/internal/models"
)

// CreateChat starts a chat owned by userID
func (s *Store) CreateChat(ctx context.Context, userID int64, title string) (*models.Chat, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = models.ChatTitle("")
	}

	chat := &models.Chat{UserID: userID, Title: title, CreatedAt: s.stamp()}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO chats (user_id, title, created_at) VALUES (?, ?, ?) RETURNING id
	`, userID, chat.Title, chat.CreatedAt).Scan(&chat.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat: %w", err)
	}
	return chat, nil
}

// GetChat returns the chat if userID owns it
func (s *Store) GetChat(ctx context.Context, userID, chatID int64) (*models.Chat, error) {
	var c models.Chat
	var created timestamp
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, created_at FROM chats WHERE id = ? AND user_id = ?
	`, chatID, userID).Scan(&c.ID, &c.UserID, &c.Title, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}
	c.CreatedAt = created.Time
	return &c, nil
}

// ListChats returns the user's chats, newest first
func (s *Store) ListChats(ctx context.Context, userID int64) ([]models.Chat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, title, created_at FROM chats
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	defer rows.Close()

	chats := []models.Chat{}
	for rows.Next() {
		var c models.Chat
		var created timestamp
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &created); err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		c.CreatedAt = created.Time
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// RenameChat changes a chat title
func (s *Store) RenameChat(ctx context.Context, userID, chatID int64, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("title is required")
	}

	result, err := s.db.ExecContext(ctx, `UPDATE chats SET title = ? WHERE id = ? AND user_id = ?`, title, chatID, userID)
	if err != nil {
		return fmt.Errorf("failed to rename chat: %w", err)
	}
	return expectOne(result)
}

// DeleteChat removes a chat with its episodic and chat-scoped resource rows.
// A chat that does not exist or belongs to someone else yields ErrNotFound.
func (s *Store) DeleteChat(ctx context.Context, userID, chatID int64) error {
	unlock := s.chats.Lock(chatKey(chatID))
	defer unlock()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := ownsChat(ctx, tx, userID, chatID); err != nil {
			return err
		}

		for _, stmt := range []string{
			`DELETE FROM episodic_memory WHERE chat_id = ?`,
			`DELETE FROM resource_memory WHERE chat_id = ?`,
			`DELETE FROM chats WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, chatID); err != nil {
				return fmt.Errorf("failed to delete chat: %w", err)
			}
		}
		return nil
	})
}

// ownsChat checks ownership inside a transaction
func ownsChat(ctx context.Context, tx *sql.Tx, userID, chatID int64) error {
	var owner int64
	err := tx.QueryRowContext(ctx, `SELECT user_id FROM chats WHERE id = ?`, chatID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check chat owner: %w", err)
	}
	if owner != userID {
		return ErrNotFound
	}
	return nil
}
