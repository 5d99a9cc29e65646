package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oscillatelabsllc/skyth/internal/llm"
	"github.com/oscillatelabsllc/skyth/internal/models"
)

type fakeStore struct {
	mu       sync.Mutex
	core     []models.CoreEntry
	history  []models.EpisodicEntry
	semantic []models.SemanticEntry
	err      error
}

func (f *fakeStore) ListCore(_ context.Context, userID int64, segment models.CoreSegment) ([]models.CoreEntry, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []models.CoreEntry
	for _, e := range f.core {
		if e.UserID == userID && e.Segment == segment {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) RecentEpisodic(_ context.Context, userID, chatID int64, n int) ([]models.EpisodicEntry, error) {
	var out []models.EpisodicEntry
	for _, e := range f.history {
		if e.UserID == userID && e.ChatID == chatID {
			out = append(out, e)
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

func (f *fakeStore) UpsertCore(_ context.Context, userID int64, segment models.CoreSegment, key, value string) (*models.CoreEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	e := models.CoreEntry{UserID: userID, Segment: segment, Key: key, Value: value}
	f.core = append(f.core, e)
	return &e, nil
}

func (f *fakeStore) UpsertSemantic(_ context.Context, e models.SemanticEntry) (*models.SemanticEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.semantic = append(f.semantic, e)
	return &e, nil
}

type fakeLLM struct {
	reply string
	err   error
	last  llm.Request
}

func (f *fakeLLM) Complete(ctx context.Context, req llm.Request) (string, error) {
	f.last = req
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func turn(chatID int64, role models.Role, content string) models.EpisodicEntry {
	return models.EpisodicEntry{UserID: 1, ChatID: chatID, Role: role, Content: content}
}

func TestWindow(t *testing.T) {
	entries := []models.EpisodicEntry{
		turn(1, models.RoleUser, "one"),
		turn(1, models.RoleAssistant, "two"),
		turn(1, models.RoleUser, "three"),
		turn(1, models.RoleAssistant, "four"),
	}

	t.Run("turn limit keeps newest", func(t *testing.T) {
		got := Window(entries, 2, 0)
		require.Len(t, got, 2)
		assert.Equal(t, "three", got[0].Content)
		assert.Equal(t, "four", got[1].Content)
	})

	t.Run("unbounded", func(t *testing.T) {
		assert.Len(t, Window(entries, 0, 0), 4)
	})

	t.Run("token budget drops oldest", func(t *testing.T) {
		long := turn(1, models.RoleUser, strings.Repeat("lorem ipsum dolor sit amet ", 200))
		withLong := append([]models.EpisodicEntry{long}, entries...)
		got := Window(withLong, 10, 100)
		require.Len(t, got, 4)
		assert.Equal(t, "one", got[0].Content)
	})

	t.Run("budget smaller than newest turn", func(t *testing.T) {
		assert.Empty(t, Window(entries, 10, 1))
	})
}

func TestBuild(t *testing.T) {
	store := &fakeStore{
		core: []models.CoreEntry{
			{UserID: 1, Segment: models.SegmentHuman, Key: "city", Value: "London"},
			{UserID: 1, Segment: models.SegmentPersona, Key: "tone", Value: "dry"},
			{UserID: 2, Segment: models.SegmentHuman, Key: "city", Value: "Paris"},
		},
		history: []models.EpisodicEntry{
			turn(7, models.RoleUser, "hi"),
			turn(7, models.RoleAssistant, "hello"),
			turn(8, models.RoleUser, "other chat"),
		},
	}
	b := NewBuilder(store, 20, 6000)

	mc, err := b.Build(context.Background(), 1, 7)
	require.NoError(t, err)
	assert.Equal(t, "--- User Preferences ---\n- city: London\n\n--- Conversation History ---\nuser: hi\nassistant: hello", mc.Prompt())

	msgs := mc.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)

	t.Run("no chat", func(t *testing.T) {
		mc, err := b.Build(context.Background(), 1, 0)
		require.NoError(t, err)
		assert.Empty(t, mc.History)
		assert.Equal(t, "--- User Preferences ---\n- city: London", mc.Prompt())
	})

	t.Run("empty", func(t *testing.T) {
		mc, err := b.Build(context.Background(), 3, 0)
		require.NoError(t, err)
		assert.Equal(t, "", mc.Prompt())
	})

	t.Run("store failure", func(t *testing.T) {
		_, err := NewBuilder(&fakeStore{err: errors.New("disk")}, 5, 0).Build(context.Background(), 1, 7)
		assert.Error(t, err)
	})
}

func TestExtract(t *testing.T) {
	store := &fakeStore{}
	c := &fakeLLM{reply: "```json\n" + `{"core_human":[{"key":"diet","value":"vegetarian"},{"key":"","value":"x"}],` +
		`"semantic":[{"type":"","summary":"Photosynthesis","details":"plants"}]}` + "\n```"}
	x := NewExtractor(c, store, "utility", time.Second, zerolog.Nop())

	saved, err := x.Extract(context.Background(), 1, 42, "I'm vegetarian, explain photosynthesis", strings.Repeat("a", 900))
	require.NoError(t, err)
	assert.Equal(t, []string{"core:diet=vegetarian", "semantic:concept/Photosynthesis"}, saved)

	require.Len(t, store.core, 1)
	assert.Equal(t, models.SegmentHuman, store.core[0].Segment)
	require.Len(t, store.semantic, 1)
	assert.Equal(t, "chat_id:42", store.semantic[0].Source)

	assert.Equal(t, "utility", c.last.Model)
	assert.True(t, c.last.JSON)
	assert.NotContains(t, c.last.Messages[0].Content, strings.Repeat("a", 501))
}

func TestExtractFailures(t *testing.T) {
	t.Run("llm error", func(t *testing.T) {
		x := NewExtractor(&fakeLLM{err: errors.New("boom")}, &fakeStore{}, "m", time.Second, zerolog.Nop())
		_, err := x.Extract(context.Background(), 1, 1, "q", "a")
		assert.Error(t, err)
	})

	t.Run("not json", func(t *testing.T) {
		x := NewExtractor(&fakeLLM{reply: "nothing to remember"}, &fakeStore{}, "m", time.Second, zerolog.Nop())
		_, err := x.Extract(context.Background(), 1, 1, "q", "a")
		assert.ErrorIs(t, err, llm.ErrNoJSON)
	})

	t.Run("async failure is swallowed", func(t *testing.T) {
		store := &fakeStore{err: errors.New("locked")}
		x := NewExtractor(&fakeLLM{reply: `{"core_human":[{"key":"k","value":"v"}]}`}, store, "m", time.Second, zerolog.Nop())
		x.ExtractAsync(1, 1, "q", "a")
		x.Wait()
		assert.Empty(t, store.core)
	})
}

type gatedLLM struct {
	release  chan struct{}
	calls    int32
	inflight int32
	peak     int32
}

func (g *gatedLLM) Complete(ctx context.Context, req llm.Request) (string, error) {
	atomic.AddInt32(&g.calls, 1)
	n := atomic.AddInt32(&g.inflight, 1)
	for {
		peak := atomic.LoadInt32(&g.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&g.peak, peak, n) {
			break
		}
	}
	<-g.release
	atomic.AddInt32(&g.inflight, -1)
	return `{"core_human":[],"semantic":[]}`, nil
}

func TestExtractAsyncIsBounded(t *testing.T) {
	c := &gatedLLM{release: make(chan struct{})}
	x := NewExtractor(c, &fakeStore{}, "m", time.Second, zerolog.Nop())

	for i := 0; i < maxConcurrentExtractions+3; i++ {
		x.ExtractAsync(1, int64(i), "q", "a")
	}
	close(c.release)
	x.Wait()

	assert.Equal(t, int32(maxConcurrentExtractions), atomic.LoadInt32(&c.calls))
	assert.LessOrEqual(t, atomic.LoadInt32(&c.peak), int32(maxConcurrentExtractions))

	// slots are free again once the batch is done
	x.ExtractAsync(1, 99, "q", "a")
	x.Wait()
	assert.Equal(t, int32(maxConcurrentExtractions+1), atomic.LoadInt32(&c.calls))
}
