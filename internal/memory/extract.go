package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/oscillatelabsllc/skyth/internal/llm"
	"github.com/oscillatelabsllc/skyth/internal/metrics"
	"github.com/oscillatelabsllc/skyth/internal/models"
)

// Completer is the LLM call the extractor needs
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (string, error)
}

// ExtractStore is the slice of the store the extractor writes
type ExtractStore interface {
	UpsertCore(ctx context.Context, userID int64, segment models.CoreSegment, key, value string) (*models.CoreEntry, error)
	UpsertSemantic(ctx context.Context, e models.SemanticEntry) (*models.SemanticEntry, error)
}

// Extractor pulls durable facts out of a completed turn
type Extractor struct {
	llm     Completer
	store   ExtractStore
	model   string
	timeout time.Duration
	log     zerolog.Logger
	wg      sync.WaitGroup
	slots   chan struct{}
}

// maxConcurrentExtractions caps background extractions; turns committed
// while every slot is busy are not extracted
const maxConcurrentExtractions = 4

// NewExtractor creates an extractor calling model with a per-call timeout
func NewExtractor(c Completer, store ExtractStore, model string, timeout time.Duration, log zerolog.Logger) *Extractor {
	return &Extractor{
		llm:     c,
		store:   store,
		model:   model,
		timeout: timeout,
		log:     log.With().Str("component", "memory").Logger(),
		slots:   make(chan struct{}, maxConcurrentExtractions),
	}
}

type extraction struct {
	CoreHuman []struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	} `json:"core_human"`
	Semantic []struct {
		Type    string `json:"type"`
		Summary string `json:"summary"`
		Details string `json:"details"`
	} `json:"semantic"`
}

const extractPrompt = `Analyze the following conversation turn and extract information worth remembering for future personalization.

Memory types:
- core_human: long-term facts or preferences about the user, as key/value pairs. Examples: {"key": "diet", "value": "vegetarian"}, {"key": "city", "value": "London"}.
- semantic: concepts, entities or definitions that were discussed, with a type, a short summary and details.

Conversation turn:
User: %q
Assistant: %q

If nothing qualifies, return empty lists. Respond with a single JSON object:
{"core_human": [{"key": "...", "value": "..."}], "semantic": [{"type": "...", "summary": "...", "details": "..."}]}`

// Extract runs one extraction and upserts what it finds, returning a
// description of each saved memory
func (x *Extractor) Extract(ctx context.Context, userID, chatID int64, query, answer string) ([]string, error) {
	callCtx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	prompt := fmt.Sprintf(extractPrompt, query, truncate(answer, 500))
	text, err := x.llm.Complete(callCtx, llm.Request{
		Model:    x.model,
		Messages: []llm.Message{{Role: models.RoleUser, Content: prompt}},
		JSON:     true,
	})
	if err != nil {
		return nil, err
	}

	var found extraction
	if err := llm.DecodeJSON(text, &found); err != nil {
		return nil, err
	}

	var saved []string
	for _, item := range found.CoreHuman {
		key, value := strings.TrimSpace(item.Key), strings.TrimSpace(item.Value)
		if key == "" || value == "" {
			continue
		}
		if _, err := x.store.UpsertCore(ctx, userID, models.SegmentHuman, key, value); err != nil {
			return saved, fmt.Errorf("failed to save preference: %w", err)
		}
		saved = append(saved, fmt.Sprintf("core:%s=%s", key, value))
	}

	for _, item := range found.Semantic {
		summary := strings.TrimSpace(item.Summary)
		if summary == "" {
			continue
		}
		entityType := strings.TrimSpace(item.Type)
		if entityType == "" {
			entityType = "concept"
		}
		_, err := x.store.UpsertSemantic(ctx, models.SemanticEntry{
			UserID:     userID,
			EntityType: entityType,
			Summary:    summary,
			Details:    item.Details,
			Source:     fmt.Sprintf("chat_id:%d", chatID),
		})
		if err != nil {
			return saved, fmt.Errorf("failed to save fact: %w", err)
		}
		saved = append(saved, fmt.Sprintf("semantic:%s/%s", entityType, summary))
	}
	return saved, nil
}

// ExtractAsync runs Extract in the background when a slot is free and drops
// the turn otherwise. Failures are logged only.
func (x *Extractor) ExtractAsync(userID, chatID int64, query, answer string) {
	select {
	case x.slots <- struct{}{}:
	default:
		metrics.MemoryExtractions.WithLabelValues("dropped").Inc()
		x.log.Debug().Int64("user_id", userID).Int64("chat_id", chatID).Msg("extraction skipped, all slots busy")
		return
	}

	x.wg.Add(1)
	go func() {
		defer x.wg.Done()
		defer func() { <-x.slots }()

		saved, err := x.Extract(context.Background(), userID, chatID, query, answer)
		if err != nil {
			metrics.MemoryExtractions.WithLabelValues("error").Inc()
			x.log.Warn().Err(err).Int64("user_id", userID).Int64("chat_id", chatID).Msg("memory extraction failed")
			return
		}
		metrics.MemoryExtractions.WithLabelValues("ok").Inc()
		if len(saved) > 0 {
			x.log.Debug().Strs("saved", saved).Int64("chat_id", chatID).Msg("memories extracted")
		}
	}()
}

// Wait blocks until background extractions finish
func (x *Extractor) Wait() {
	x.wg.Wait()
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}
