package db

import (
	"context"
	"errors"
	"testing"

	"github.com/oscillatelabsllc/skyth/internal/models"
)

func TestDuckDBStore(t *testing.T) {
	store := setupDriverStore(t, "duckdb")
	ctx := context.Background()

	if store.Driver() != "duckdb" {
		t.Fatalf("Expected duckdb driver, got %s", store.Driver())
	}

	u := mustUser(t, store, "duck@example.com")
	chat := mustChat(t, store, u.ID)

	t.Run("core upsert replaces", func(t *testing.T) {
		store.UpsertCore(ctx, u.ID, models.SegmentHuman, "city", "Oslo")
		e, err := store.UpsertCore(ctx, u.ID, models.SegmentHuman, "city", "Bergen")
		if err != nil {
			t.Fatalf("Failed to upsert: %v", err)
		}
		if e.Value != "Bergen" {
			t.Errorf("Expected Bergen, got %q", e.Value)
		}
		entries, _ := store.ListCore(ctx, u.ID, "")
		if len(entries) != 1 {
			t.Errorf("Expected 1 row, got %d", len(entries))
		}
	})

	t.Run("turn commit and cascade delete", func(t *testing.T) {
		_, err := store.CommitTurn(ctx, models.Turn{
			UserID: u.ID, ChatID: chat.ID, Query: "q", Answer: "a",
			Resources: []models.ResourceEntry{{Title: "r", ResourceType: models.ResourceURL, Location: "https://example.com"}},
		})
		if err != nil {
			t.Fatalf("Failed to commit: %v", err)
		}

		history, _ := store.ListEpisodic(ctx, u.ID, chat.ID)
		if len(history) != 2 || !history[0].CreatedAt.Before(history[1].CreatedAt) {
			t.Fatalf("Unexpected history %+v", history)
		}

		if err := store.DeleteChat(ctx, u.ID, chat.ID); err != nil {
			t.Fatalf("Failed to delete: %v", err)
		}
		if res, _ := store.ListResources(ctx, u.ID, ResourceFilter{}); len(res) != 0 {
			t.Errorf("Expected resources removed, got %d", len(res))
		}
		if err := store.DeleteChat(ctx, u.ID, chat.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})
}
