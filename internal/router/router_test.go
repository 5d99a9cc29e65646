package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oscillatelabsllc/skyth/internal/llm"
	"github.com/oscillatelabsllc/skyth/internal/models"
)

// scripted returns its replies in order, repeating the last one
type scripted struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	prompts []string
}

func (s *scripted) Complete(ctx context.Context, req llm.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, req.Messages[0].Content)
	i := len(s.prompts) - 1

	var err error
	if len(s.errs) > 0 {
		err = s.errs[min(i, len(s.errs)-1)]
	}
	if err != nil {
		return "", err
	}
	return s.replies[min(i, len(s.replies)-1)], nil
}

type blocking struct{}

func (blocking) Complete(ctx context.Context, req llm.Request) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func newRouter(c Completer) *Router {
	return New(c, Config{Model: "router", Timeout: time.Second, HistoryTurns: 6, HistoryTokens: 1500}, zerolog.Nop())
}

func TestRouteClassified(t *testing.T) {
	c := &scripted{replies: []string{`Sure! {"pipeline": "stock_query", "params": {"ticker": "aapl", "range": null}}`}}
	r := newRouter(c)

	d, err := r.Route(context.Background(), Input{
		Query:  "show me apple over the last 3 months",
		Recent: []models.EpisodicEntry{{Role: models.RoleUser, Content: "earlier question"}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.PipelineStock, d.Pipeline)
	assert.Equal(t, "AAPL", d.Params[ParamTicker])
	assert.Equal(t, "3mo", d.Params[ParamRange])
	assert.False(t, d.Fallback)

	require.Len(t, c.prompts, 1)
	assert.Contains(t, c.prompts[0], "user: earlier question")
	assert.Contains(t, c.prompts[0], "- stock:")
}

func TestRouteStrictRetry(t *testing.T) {
	c := &scripted{replies: []string{
		`{"pipeline": "astrology"}`,
		`{"pipeline": "visualize", "params": {}}`,
	}}
	r := newRouter(c)

	d, err := r.Route(context.Background(), Input{Query: "animate the solar system"})
	require.NoError(t, err)
	assert.Equal(t, models.PipelineVisualize, d.Pipeline)
	assert.Equal(t, "animate the solar system", d.Params[ParamTopic])

	require.Len(t, c.prompts, 2)
	assert.NotContains(t, c.prompts[0], "MUST be exactly one of")
	assert.Contains(t, c.prompts[1], "MUST be exactly one of")
}

func TestRouteFallback(t *testing.T) {
	t.Run("ambiguous twice", func(t *testing.T) {
		c := &scripted{replies: []string{"I think research?"}}
		d, err := newRouter(c).Route(context.Background(), Input{Query: "hmm"})
		require.NoError(t, err)
		assert.Equal(t, models.PipelineChat, d.Pipeline)
		assert.True(t, d.Fallback)
		assert.Len(t, c.prompts, 2)
	})

	t.Run("collaborator error", func(t *testing.T) {
		c := &scripted{errs: []error{models.CollaboratorError("llm", models.CollabRateLimit, errors.New("slow down"))}}
		d, err := newRouter(c).Route(context.Background(), Input{Query: "hello"})
		require.NoError(t, err)
		assert.Equal(t, models.PipelineChat, d.Pipeline)
		assert.True(t, d.Fallback)
		assert.Len(t, c.prompts, 1)
	})

	t.Run("router timeout", func(t *testing.T) {
		r := New(blocking{}, Config{Timeout: 20 * time.Millisecond}, zerolog.Nop())
		d, err := r.Route(context.Background(), Input{Query: "hello"})
		require.NoError(t, err)
		assert.True(t, d.Fallback)
	})

	t.Run("unavailable pipeline", func(t *testing.T) {
		c := &scripted{replies: []string{`{"pipeline": "code"}`}}
		d, err := newRouter(c).Route(context.Background(), Input{
			Query:     "write a parser",
			Available: models.NewPipelineSet(models.PipelineChat, models.PipelineResearch),
		})
		require.NoError(t, err)
		assert.Equal(t, models.PipelineChat, d.Pipeline)
		assert.True(t, d.Fallback)
	})
}

func TestRouteCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	r := New(blocking{}, Config{Timeout: time.Minute}, zerolog.Nop())
	_, err := r.Route(ctx, Input{Query: "hello"})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindCancelled))
}

func TestRoutePreconditions(t *testing.T) {
	c := &scripted{replies: []string{`{"pipeline": "chat"}`}}
	r := newRouter(c)

	tests := []struct {
		name string
		in   Input
		want models.PipelineID
	}{
		{"deep research mode", Input{Query: "fusion power", Mode: ModeDeepResearch}, models.PipelineDeepResearch},
		{"audio without query", Input{HasAudio: true}, models.PipelineTranscribe},
		{"image with edit verb", Input{Query: "Make it black and white", HasImage: true}, models.PipelineImageEdit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := r.Route(context.Background(), tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Pipeline)
		})
	}
	assert.Empty(t, c.prompts)

	d, err := r.Route(context.Background(), Input{Query: "fusion power", Mode: ModeDeepResearch})
	require.NoError(t, err)
	assert.Equal(t, "fusion power", d.Params[ParamTopic])

	t.Run("image without edit verb goes to the model", func(t *testing.T) {
		d, err := r.Route(context.Background(), Input{Query: "what is in this picture?", HasImage: true})
		require.NoError(t, err)
		assert.Equal(t, models.PipelineChat, d.Pipeline)
		assert.Len(t, c.prompts, 1)
	})
}

func TestRouteNeverLeavesEnum(t *testing.T) {
	answers := []string{
		`{"pipeline": "research"}`,
		`{"pipeline": "General Research"}`,
		`{"pipeline": "image-generation"}`,
		`{"pipeline": "DROP TABLE"}`,
		`{"pipeline": 42}`,
		`not json at all`,
		`{"pipeline": "tts", "params": {"text": 7}}`,
	}
	for _, a := range answers {
		d, err := newRouter(&scripted{replies: []string{a}}).Route(context.Background(), Input{Query: "q"})
		require.NoError(t, err)
		assert.True(t, d.Pipeline.IsValid(), "answer %q produced %q", a, d.Pipeline)
	}
}

func TestNormalizeParams(t *testing.T) {
	t.Run("null ticker is dropped", func(t *testing.T) {
		p := normalizeParams(models.PipelineStock, "how is the market", map[string]string{ParamTicker: "NULL"})
		_, ok := p[ParamTicker]
		assert.False(t, ok)
		assert.Equal(t, "max", p[ParamRange])
	})

	t.Run("explicit range kept", func(t *testing.T) {
		p := normalizeParams(models.PipelineStock, "msft", map[string]string{ParamTicker: "msft", ParamRange: "YTD"})
		assert.Equal(t, "MSFT", p[ParamTicker])
		assert.Equal(t, "ytd", p[ParamRange])
	})

	t.Run("prompt defaults to query", func(t *testing.T) {
		p := normalizeParams(models.PipelineImageGenerate, " a red fox ", nil)
		assert.Equal(t, "a red fox", p[ParamPrompt])
	})
}
