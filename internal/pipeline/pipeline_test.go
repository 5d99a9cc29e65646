package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oscillatelabsllc/skyth/internal/collab"
	"github.com/oscillatelabsllc/skyth/internal/config"
	"github.com/oscillatelabsllc/skyth/internal/llm"
	"github.com/oscillatelabsllc/skyth/internal/memory"
	"github.com/oscillatelabsllc/skyth/internal/models"
	"github.com/oscillatelabsllc/skyth/internal/router"
	"github.com/oscillatelabsllc/skyth/internal/stockdata"
)

func pipelineErr(t *testing.T, err error) *models.PipelineError {
	t.Helper()
	var pe *models.PipelineError
	require.ErrorAs(t, err, &pe)
	return pe
}

func TestExecuteMissingParameter(t *testing.T) {
	h := newHarness()

	tests := []struct {
		pipeline models.PipelineID
		param    string
	}{
		{models.PipelineStock, router.ParamTicker},
		{models.PipelineImageEdit, router.ParamImage},
		{models.PipelineTranscribe, router.ParamAudio},
	}
	for _, tt := range tests {
		t.Run(string(tt.pipeline), func(t *testing.T) {
			_, err := h.d.Execute(context.Background(), tt.pipeline, &Request{UserID: 1, ChatID: 1, Query: "q"}, nil)
			pe := pipelineErr(t, err)
			assert.Equal(t, models.KindMissingParameter, pe.Kind)
			assert.Equal(t, tt.pipeline, pe.Pipeline)
			assert.Contains(t, pe.Message, tt.param)
		})
	}
	assert.Empty(t, h.store.turns)
}

func TestExecuteUnknownPipeline(t *testing.T) {
	h := newHarness()
	_, err := h.d.Execute(context.Background(), "astrology", &Request{Query: "q"}, nil)
	assert.True(t, models.IsKind(err, models.KindNotFound))
}

func TestChatCommitsTurn(t *testing.T) {
	h := newHarness()
	h.llm.stream = "Hello there, friend."
	rec := &recorder{}

	req := &Request{
		UserID: 1,
		ChatID: 9,
		Query:  "hi",
		Memory: &memory.Context{
			Preferences: []models.CoreEntry{{Key: "name", Value: "Sam"}},
			History:     []models.EpisodicEntry{{Role: models.RoleUser, Content: "earlier"}},
		},
	}
	res, err := h.d.Execute(context.Background(), models.PipelineChat, req, rec)
	require.NoError(t, err)

	assert.Equal(t, models.ResultText, res.Kind)
	assert.Equal(t, models.PipelineChat, res.Pipeline)
	assert.Equal(t, "Hello there, friend.", rec.chunks.String())
	assert.NotEmpty(t, req.TurnID)

	require.Len(t, h.store.turns, 1)
	turn := h.store.turns[0]
	assert.Equal(t, int64(9), turn.ChatID)
	assert.Equal(t, "hi", turn.Query)
	assert.Equal(t, "Hello there, friend.", turn.Answer)
	assert.Nil(t, turn.Payload)
	assert.Equal(t, []string{"hi"}, h.extractor.calls)

	sent := h.llm.requests[0]
	assert.Equal(t, "conv", sent.Model)
	assert.Contains(t, sent.System, "- name: Sam")
	require.Len(t, sent.Messages, 2)
	assert.Equal(t, "earlier", sent.Messages[0].Content)
	assert.Equal(t, "hi", sent.Messages[1].Content)
}

func TestChatWithUploads(t *testing.T) {
	h := newHarness()
	h.llm.stream = "It is a cat."

	res, err := h.d.Execute(context.Background(), models.PipelineChat, &Request{
		UserID:    1,
		ChatID:    2,
		Image:     []byte{0x89, 'P', 'N', 'G'},
		ImageMIME: "image/png",
		FileName:  "notes.txt",
		FileText:  "grocery list",
	}, nil)
	require.NoError(t, err)

	msg := h.llm.requests[0].Messages[0]
	require.Len(t, msg.Images, 1)
	assert.True(t, strings.HasPrefix(msg.Images[0], "data:image/png;base64,"))
	assert.Contains(t, msg.Content, "grocery list")

	require.Len(t, res.Resources, 1)
	assert.Equal(t, models.ResourceFile, res.Resources[0].ResourceType)
	assert.Equal(t, "notes.txt", res.Resources[0].Title)
}

func TestNoChatSkipsCommit(t *testing.T) {
	h := newHarness()
	h.llm.stream = "ok"
	_, err := h.d.Execute(context.Background(), models.PipelineChat, &Request{UserID: 1, Query: "hi"}, nil)
	require.NoError(t, err)
	assert.Empty(t, h.store.turns)
	assert.Empty(t, h.extractor.calls)
}

func TestFailedPipelineWritesNothing(t *testing.T) {
	h := newHarness()
	h.llm.complete = func(llm.Request) (string, error) { return `["a", "b"]`, nil }
	h.search.results["a"] = []collab.SearchResult{{Title: "A", URL: "https://a.example"}}
	h.search.results["b"] = []collab.SearchResult{{Title: "B", URL: "https://b.example"}}
	h.llm.streamErr = models.CollaboratorError("llm", models.CollabRateLimit, errors.New("quota"))

	_, err := h.d.Execute(context.Background(), models.PipelineResearch, &Request{UserID: 1, ChatID: 3, Query: "q"}, nil)
	pe := pipelineErr(t, err)
	assert.Equal(t, models.KindCollaborator, pe.Kind)
	assert.Equal(t, models.CollabRateLimit, pe.Subtype)
	assert.Equal(t, "llm", pe.Collaborator)
	assert.Equal(t, models.PipelineResearch, pe.Pipeline)

	assert.Len(t, h.search.queries, 2)
	assert.Empty(t, h.store.turns)
	assert.Empty(t, h.extractor.calls)
}

func TestCommitFailureIsPersistenceError(t *testing.T) {
	h := newHarness()
	h.llm.stream = "ok"
	h.store.err = errors.New("database is locked")

	_, err := h.d.Execute(context.Background(), models.PipelineChat, &Request{UserID: 1, ChatID: 3, Query: "hi"}, nil)
	pe := pipelineErr(t, err)
	assert.Equal(t, models.KindPersistence, pe.Kind)
	assert.Empty(t, h.extractor.calls)
}

func TestCancelledPipeline(t *testing.T) {
	h := newHarness()
	h.llm.stream = "never"
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.d.Execute(ctx, models.PipelineChat, &Request{UserID: 1, ChatID: 3, Query: "hi"}, nil)
	assert.True(t, models.IsKind(err, models.KindCancelled))
	assert.Empty(t, h.store.turns)
}

func TestResearch(t *testing.T) {
	h := newHarness()
	h.llm.complete = func(req llm.Request) (string, error) {
		assert.Equal(t, "util", req.Model)
		return "```json\n[\"go generics\", \"Go Generics\", \"go type parameters\"]\n```", nil
	}
	h.search.results["go generics"] = []collab.SearchResult{
		{Title: "Tutorial", URL: "https://go.dev/doc/tutorial/generics", Snippet: "intro"},
		{Title: "Blog", URL: "https://go.dev/blog/intro-generics"},
	}
	h.search.results["go type parameters"] = []collab.SearchResult{
		{Title: "Blog again", URL: "https://go.dev/blog/intro-generics"},
		{Title: "Spec", URL: "https://go.dev/ref/spec"},
	}
	h.llm.stream = "Generics landed in 1.18 [1]."
	rec := &recorder{}

	res, err := h.d.Execute(context.Background(), models.PipelineResearch, &Request{UserID: 1, ChatID: 4, Query: "explain go generics"}, rec)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"go generics", "go type parameters"}, h.search.queries)
	require.Len(t, res.Sources, 3)
	assert.Equal(t, "https://go.dev/doc/tutorial/generics", res.Sources[0].URL)
	assert.Contains(t, rec.events, EventSources)
	assert.Contains(t, h.llm.requests[1].Messages[0].Content, "Source [3] (URL: https://go.dev/ref/spec)")

	require.Len(t, h.store.turns, 1)
	assert.NotEmpty(t, h.store.turns[0].Payload)
}

func TestResearchPlanFallback(t *testing.T) {
	h := newHarness()
	h.llm.complete = func(llm.Request) (string, error) { return "no idea", nil }
	h.llm.stream = "answer"

	_, err := h.d.Execute(context.Background(), models.PipelineResearch, &Request{UserID: 1, Query: "weather in oslo"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"weather in oslo"}, h.search.queries)
}

func TestResearchAllSearchesFail(t *testing.T) {
	h := newHarness()
	h.llm.complete = func(llm.Request) (string, error) { return `["x"]`, nil }
	h.search.fail["x"] = models.CollaboratorError("search", models.CollabNetwork, errors.New("dns"))

	_, err := h.d.Execute(context.Background(), models.PipelineResearch, &Request{UserID: 1, ChatID: 1, Query: "x"}, nil)
	pe := pipelineErr(t, err)
	assert.Equal(t, "search", pe.Collaborator)
	assert.Empty(t, h.store.turns)
}

func TestDeepResearch(t *testing.T) {
	h := newHarness()
	h.llm.complete = func(llm.Request) (string, error) { return `["fusion"]`, nil }
	h.search.results["fusion"] = []collab.SearchResult{
		{Title: "ITER", URL: "https://iter.example"},
		{Title: "Broken", URL: "https://broken.example"},
		{Title: "NIF", URL: "https://nif.example"},
	}
	h.scrape.pages["https://iter.example"] = &collab.Page{URL: "https://iter.example", Title: "ITER project", Markdown: "tokamak"}
	h.scrape.pages["https://nif.example"] = &collab.Page{URL: "https://nif.example", Markdown: "lasers"}
	h.llm.stream = "# Fusion Power\n\nIt is hard."
	rec := &recorder{}

	res, err := h.d.Execute(context.Background(), models.PipelineDeepResearch, &Request{
		UserID: 1,
		ChatID: 5,
		Query:  "deep research on fusion",
		Params: map[string]string{router.ParamTopic: "fusion power"},
	}, rec)
	require.NoError(t, err)

	assert.Equal(t, models.ResultDocument, res.Kind)
	require.NotNil(t, res.Document)
	assert.Equal(t, "Fusion Power", res.Document.Title)
	require.Len(t, res.Sources, 2)
	assert.Equal(t, "NIF", res.Sources[1].Title)
	assert.Contains(t, rec.events, EventDocument)

	assert.Equal(t, "reason", h.llm.requests[1].Model)
	assert.Contains(t, h.llm.requests[1].Messages[0].Content, "tokamak")

	require.Len(t, h.store.turns, 1)
	resources := h.store.turns[0].Resources
	require.Len(t, resources, 2)
	assert.Equal(t, models.ResourceURL, resources[0].ResourceType)
	assert.Equal(t, []string{"deep research on fusion"}, h.extractor.calls)
}

func TestDeepResearchNoReadableSources(t *testing.T) {
	h := newHarness()
	h.llm.complete = func(llm.Request) (string, error) { return `["fusion"]`, nil }
	h.search.results["fusion"] = []collab.SearchResult{{Title: "Broken", URL: "https://broken.example"}}

	_, err := h.d.Execute(context.Background(), models.PipelineDeepResearch, &Request{UserID: 1, ChatID: 5, Query: "fusion"}, nil)
	pe := pipelineErr(t, err)
	assert.Equal(t, models.KindCollaborator, pe.Kind)
	assert.Equal(t, "scraper", pe.Collaborator)
	assert.Empty(t, h.store.turns)
}

func TestVisualize(t *testing.T) {
	h := newHarness()
	h.llm.complete = func(req llm.Request) (string, error) {
		assert.Equal(t, "viz", req.Model)
		assert.Contains(t, req.Messages[0].Content, "mathematical")
		return "Here you go:\n```html\n<!DOCTYPE html><html><body>sine</body></html>\n```", nil
	}

	res, err := h.d.Execute(context.Background(), models.PipelineVisualize, &Request{
		UserID: 1,
		ChatID: 6,
		Query:  "plot the sine function",
		Params: map[string]string{router.ParamTopic: "sine wave"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, models.ResultVisualization, res.Kind)
	assert.Equal(t, "<!DOCTYPE html><html><body>sine</body></html>", res.Visualization.HTML)

	t.Run("not html", func(t *testing.T) {
		h := newHarness()
		h.llm.complete = func(llm.Request) (string, error) { return "I cannot draw that.", nil }
		_, err := h.d.Execute(context.Background(), models.PipelineVisualize, &Request{UserID: 1, ChatID: 6, Query: "x"}, nil)
		pe := pipelineErr(t, err)
		assert.Equal(t, models.CollabInvalidInput, pe.Subtype)
		assert.Empty(t, h.store.turns)
	})
}

func TestImageGenerate(t *testing.T) {
	t.Run("primary", func(t *testing.T) {
		h := newHarness()
		res, err := h.d.Execute(context.Background(), models.PipelineImageGenerate, &Request{
			UserID: 1, ChatID: 7, Query: "draw a fox", Params: map[string]string{router.ParamPrompt: "a red fox"},
		}, nil)
		require.NoError(t, err)
		assert.False(t, h.fallback.called)
		assert.Equal(t, "imagen", res.Image.Model)

		require.Len(t, h.store.turns[0].Resources, 1)
		r := h.store.turns[0].Resources[0]
		assert.Equal(t, models.ResourceImage, r.ResourceType)
		assert.Equal(t, "data:image/png;base64,aW1n", r.Location)
		assert.Equal(t, "a red fox", r.Title)
		assert.Empty(t, h.extractor.calls)
	})

	t.Run("fallback", func(t *testing.T) {
		h := newHarness()
		h.llm.imageErr = models.CollaboratorError("llm", models.CollabUnavailable, errors.New("model overloaded"))
		rec := &recorder{}
		res, err := h.d.Execute(context.Background(), models.PipelineImageGenerate, &Request{UserID: 1, ChatID: 7, Query: "a fox"}, rec)
		require.NoError(t, err)
		assert.True(t, h.fallback.called)
		assert.Equal(t, "pollinations", res.Image.Model)
		assert.Equal(t, "https://img.example/x.jpg", h.store.turns[0].Resources[0].Location)
		assert.Contains(t, rec.events, EventImage)
	})
}

func TestImageEdit(t *testing.T) {
	h := newHarness()
	h.llm.imageErr = nil
	res, err := h.d.Execute(context.Background(), models.PipelineImageEdit, &Request{
		UserID: 1, ChatID: 8, Query: "make it blue", Image: []byte("png"),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "imagen-edit", res.Image.Model)
	assert.Len(t, h.store.turns[0].Resources, 1)
}

func bars(closes ...float64) []stockdata.Bar {
	out := make([]stockdata.Bar, len(closes))
	for i, c := range closes {
		out[i] = stockdata.Bar{Date: "2025-01-0" + string(rune('1'+i)) + "T00:00:00Z", Close: c}
	}
	return out
}

func TestStock(t *testing.T) {
	h := newHarness()
	h.stocks.bars = bars(100, 105, 110)
	h.llm.stream = "Up ten percent."

	res, err := h.d.Execute(context.Background(), models.PipelineStock, &Request{
		UserID: 1,
		ChatID: 9,
		Query:  "aapl this month",
		Params: map[string]string{router.ParamTicker: "AAPL", router.ParamRange: "1mo"},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, [2]string{"AAPL", "1mo"}, h.stocks.got)
	assert.Equal(t, models.ResultVisualization, res.Kind)
	require.NotNil(t, res.Visualization.Chart)
	assert.Equal(t, "AAPL (Last Month)", res.Visualization.Chart.Title)
	assert.Len(t, res.Visualization.Chart.Series, 3)
	assert.Equal(t, "Up ten percent.", res.Text)
	assert.Contains(t, h.llm.requests[0].Messages[0].Content, "(+10.00%)")
}

func TestStockSummaryFallback(t *testing.T) {
	h := newHarness()
	h.stocks.bars = bars(200, 150)
	h.llm.streamErr = models.CollaboratorError("llm", models.CollabNetwork, errors.New("reset"))

	res, err := h.d.Execute(context.Background(), models.PipelineStock, &Request{
		UserID: 1, ChatID: 9, Query: "tsla", Params: map[string]string{router.ParamTicker: "TSLA"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, [2]string{"TSLA", "max"}, h.stocks.got)
	assert.Contains(t, res.Text, "TSLA (All Time)")
	assert.Contains(t, res.Text, "(-25.00%)")
}

func TestStockCollaboratorError(t *testing.T) {
	h := newHarness()
	h.stocks.err = models.CollaboratorError("stockfetch", models.CollabInvalidInput, errors.New("no data for ZZZZ"))

	_, err := h.d.Execute(context.Background(), models.PipelineStock, &Request{
		UserID: 1, ChatID: 9, Query: "zzzz", Params: map[string]string{router.ParamTicker: "ZZZZ"},
	}, nil)
	pe := pipelineErr(t, err)
	assert.Equal(t, "stockfetch", pe.Collaborator)
	assert.Empty(t, h.store.turns)
}

func TestSummarize(t *testing.T) {
	s := Summarize("MSFT", "ytd", bars(50, 75))
	assert.Equal(t, "Year-to-Date", s.Label)
	assert.InDelta(t, 25, s.Change, 1e-9)
	assert.InDelta(t, 50, s.ChangePercent, 1e-9)

	assert.Zero(t, Summarize("X", "1d", bars(0, 5)).ChangePercent)
	assert.Equal(t, "FOO", RangeLabel("foo"))
}

func TestTTS(t *testing.T) {
	h := newHarness()
	h.llm.speech = "mp3bytes"

	res, err := h.d.Execute(context.Background(), models.PipelineTTS, &Request{
		UserID:  1,
		ChatID:  10,
		Query:   "read this",
		Persona: PersonaCoding,
		Params:  map[string]string{router.ParamText: "hello world"},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, "en-US-BrianMultilingualNeural", h.llm.voice)
	assert.Equal(t, models.ResultAudio, res.Kind)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("mp3bytes")), res.Audio.Data)
	assert.NotContains(t, string(h.store.turns[0].Payload), res.Audio.Data)
}

func TestTTSStalledEngineTimesOut(t *testing.T) {
	h := newHarness()
	h.llm.speechStalls = true
	d := NewDispatcher(Deps{
		LLM:           h.llm,
		Store:         h.store,
		Voices:        config.Default().TTS.Voices,
		Cache:         config.Default().Cache,
		SpeechTimeout: 50 * time.Millisecond,
		Log:           zerolog.Nop(),
	})

	start := time.Now()
	_, err := d.Execute(context.Background(), models.PipelineTTS, &Request{UserID: 1, ChatID: 10, Query: "read this"}, nil)
	pe := pipelineErr(t, err)
	assert.Equal(t, models.KindTimeout, pe.Kind)
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, h.store.turns)
}

func TestTranscribe(t *testing.T) {
	h := newHarness()
	h.llm.transcript = "  hello from the recording "

	res, err := h.d.Execute(context.Background(), models.PipelineTranscribe, &Request{UserID: 1, ChatID: 11, Audio: []byte("ogg")}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello from the recording", res.Text)

	t.Run("nothing recognized", func(t *testing.T) {
		h := newHarness()
		_, err := h.d.Execute(context.Background(), models.PipelineTranscribe, &Request{UserID: 1, ChatID: 11, Audio: []byte("ogg")}, nil)
		pe := pipelineErr(t, err)
		assert.Equal(t, models.CollabInvalidInput, pe.Subtype)
		assert.ErrorIs(t, err, ErrNoSpeech)
	})
}

func TestPersonas(t *testing.T) {
	assert.Equal(t, PersonaAcademic, ParsePersona(" Academic "))
	assert.Equal(t, PersonaDefault, ParsePersona("pirate"))

	assert.Equal(t, "be terse", systemPrompt(PersonaCustom, "be terse", nil))
	assert.Equal(t, personaPrompts[PersonaDefault], systemPrompt(PersonaCustom, " ", nil))
	assert.Equal(t, personaPrompts[PersonaDefault], systemPrompt("", "", &memory.Context{}))

	voices := newHarness().d.deps.Voices
	assert.Equal(t, "en-US-AndrewMultilingualNeural", VoiceFor(voices, "unhinged"))
	assert.Equal(t, "en-US-AvaMultilingualNeural", VoiceFor(voices, "nobody"))
}

func TestHandleOverride(t *testing.T) {
	h := newHarness()
	h.d.Handle(models.PipelineChat, HandlerFunc(func(ctx context.Context, req *Request, emit Emitter) (*models.PipelineResult, error) {
		return &models.PipelineResult{Kind: models.ResultText, Text: "custom"}, nil
	}))
	res, err := h.d.Execute(context.Background(), models.PipelineChat, &Request{UserID: 1, Query: "q"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "custom", res.Text)
}
