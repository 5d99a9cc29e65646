// Package memory assembles LLM context from the memory store and extracts
// durable facts from completed turns.
package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/oscillatelabsllc/skyth/internal/llm"
	"github.com/oscillatelabsllc/skyth/internal/models"
)

// ContextStore is the slice of the store the builder reads
type ContextStore interface {
	ListCore(ctx context.Context, userID int64, segment models.CoreSegment) ([]models.CoreEntry, error)
	RecentEpisodic(ctx context.Context, userID, chatID int64, n int) ([]models.EpisodicEntry, error)
}

// Builder assembles the preference and history blocks sent with each prompt
type Builder struct {
	store     ContextStore
	maxTurns  int
	maxTokens int
}

// NewBuilder creates a builder bounded to maxTurns turns and maxTokens tokens of history
func NewBuilder(store ContextStore, maxTurns, maxTokens int) *Builder {
	return &Builder{store: store, maxTurns: maxTurns, maxTokens: maxTokens}
}

// Context is the memory handed to a pipeline
type Context struct {
	Preferences []models.CoreEntry
	History     []models.EpisodicEntry
}

// Build loads the user's human-segment preferences and the chat's recent
// turns. A zero chatID yields no history.
func (b *Builder) Build(ctx context.Context, userID, chatID int64) (*Context, error) {
	prefs, err := b.store.ListCore(ctx, userID, models.SegmentHuman)
	if err != nil {
		return nil, fmt.Errorf("failed to load preferences: %w", err)
	}

	mc := &Context{Preferences: prefs, History: []models.EpisodicEntry{}}
	if chatID == 0 || b.maxTurns <= 0 {
		return mc, nil
	}

	recent, err := b.store.RecentEpisodic(ctx, userID, chatID, b.maxTurns)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	mc.History = Window(recent, b.maxTurns, b.maxTokens)
	return mc, nil
}

// Prompt renders the context as the text block prepended to system prompts
func (c *Context) Prompt() string {
	if c == nil {
		return ""
	}
	var parts []string
	if len(c.Preferences) > 0 {
		var sb strings.Builder
		sb.WriteString("--- User Preferences ---")
		for _, p := range c.Preferences {
			fmt.Fprintf(&sb, "\n- %s: %s", p.Key, p.Value)
		}
		parts = append(parts, sb.String())
	}
	if len(c.History) > 0 {
		parts = append(parts, "--- Conversation History ---\n"+FormatHistory(c.History))
	}
	return strings.Join(parts, "\n\n")
}

// Messages converts the history into chat messages, oldest first
func (c *Context) Messages() []llm.Message {
	if c == nil {
		return nil
	}
	msgs := make([]llm.Message, 0, len(c.History))
	for _, e := range c.History {
		msgs = append(msgs, llm.Message{Role: e.Role, Content: e.Content})
	}
	return msgs
}

// FormatHistory renders turns as "role: content" lines
func FormatHistory(entries []models.EpisodicEntry) string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("%s: %s", e.Role, e.Content))
	}
	return strings.Join(lines, "\n")
}

// Window keeps the newest entries that fit in maxTurns and maxTokens,
// preserving order. Non-positive limits are unbounded.
func Window(entries []models.EpisodicEntry, maxTurns, maxTokens int) []models.EpisodicEntry {
	if maxTurns > 0 && len(entries) > maxTurns {
		entries = entries[len(entries)-maxTurns:]
	}
	if maxTokens <= 0 {
		return entries
	}

	used := 0
	start := len(entries)
	for i := len(entries) - 1; i >= 0; i-- {
		cost := llm.CountTokens(entries[i].Content) + 4
		if used+cost > maxTokens {
			break
		}
		used += cost
		start = i
	}
	return entries[start:]
}
