package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/oscillatelabsllc/skyth/internal/models"
)

// CommitTurn writes the user turn, the assistant turn and the turn's
// resources in one transaction. Either all rows land or none do.
func (s *Store) CommitTurn(ctx context.Context, t models.Turn) ([]models.EpisodicEntry, error) {
	for _, r := range t.Resources {
		if err := validateResource(r); err != nil {
			return nil, err
		}
	}

	unlock := s.chats.Lock(chatKey(t.ChatID))
	defer unlock()

	user := models.EpisodicEntry{UserID: t.UserID, ChatID: t.ChatID, Role: models.RoleUser, Content: t.Query}
	assistant := models.EpisodicEntry{UserID: t.UserID, ChatID: t.ChatID, Role: models.RoleAssistant, Content: t.Answer, Payload: t.Payload}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := ownsChat(ctx, tx, t.UserID, t.ChatID); err != nil {
			return err
		}
		last, err := lastEpisodicStamp(ctx, tx, t.ChatID)
		if err != nil {
			return err
		}

		first := s.nextStamp(last)
		if err := s.insertEpisodic(ctx, tx, &user, first); err != nil {
			return err
		}
		if err := s.insertEpisodic(ctx, tx, &assistant, s.nextStamp(first)); err != nil {
			return err
		}

		for i := range t.Resources {
			r := &t.Resources[i]
			chatID := t.ChatID
			r.UserID = t.UserID
			r.ChatID = &chatID
			if err := s.insertResource(ctx, tx, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to commit turn: %w", err)
	}

	return []models.EpisodicEntry{user, assistant}, nil
}
