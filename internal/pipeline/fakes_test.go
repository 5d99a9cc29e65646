package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/oscillatelabsllc/skyth/internal/collab"
	"github.com/oscillatelabsllc/skyth/internal/config"
	"github.com/oscillatelabsllc/skyth/internal/llm"
	"github.com/oscillatelabsllc/skyth/internal/models"
	"github.com/oscillatelabsllc/skyth/internal/stockdata"
)

var testModels = config.ModelsConfig{
	Conversational: "conv",
	Visualization:  "viz",
	Reasoning:      "reason",
	Utility:        "util",
}

type fakeLLM struct {
	mu           sync.Mutex
	complete     func(req llm.Request) (string, error)
	stream       string
	streamErr    error
	imageErr     error
	speech       string
	speechStalls bool
	transcript   string
	requests     []llm.Request
	voice        string
}

func (f *fakeLLM) Models() config.ModelsConfig { return testModels }

func (f *fakeLLM) record(req llm.Request) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
}

func (f *fakeLLM) Complete(ctx context.Context, req llm.Request) (string, error) {
	f.record(req)
	if f.complete == nil {
		return "", errors.New("no completion scripted")
	}
	return f.complete(req)
}

func (f *fakeLLM) Stream(ctx context.Context, req llm.Request, onDelta func(string) error) (string, error) {
	f.record(req)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if f.streamErr != nil {
		return "", f.streamErr
	}
	for _, word := range strings.SplitAfter(f.stream, " ") {
		if err := onDelta(word); err != nil {
			return "", err
		}
	}
	return f.stream, nil
}

func (f *fakeLLM) GenerateImage(ctx context.Context, prompt string) (*models.ImageResult, error) {
	if f.imageErr != nil {
		return nil, f.imageErr
	}
	return &models.ImageResult{MIME: "image/png", Data: "aW1n", Prompt: prompt, Model: "imagen"}, nil
}

func (f *fakeLLM) EditImage(ctx context.Context, prompt string, image []byte) (*models.ImageResult, error) {
	if f.imageErr != nil {
		return nil, f.imageErr
	}
	return &models.ImageResult{MIME: "image/png", Data: "ZWRpdGVk", Prompt: prompt, Model: "imagen-edit"}, nil
}

func (f *fakeLLM) Speak(ctx context.Context, text, voice string) (io.ReadCloser, error) {
	f.voice = voice
	if f.speechStalls {
		return io.NopCloser(stalledBody{ctx}), nil
	}
	return io.NopCloser(bytes.NewBufferString(f.speech)), nil
}

// stalledBody never yields data and fails once its context ends
type stalledBody struct {
	ctx context.Context
}

func (b stalledBody) Read([]byte) (int, error) {
	<-b.ctx.Done()
	return 0, b.ctx.Err()
}

func (f *fakeLLM) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	return f.transcript, nil
}

type fakeSearch struct {
	mu      sync.Mutex
	results map[string][]collab.SearchResult
	fail    map[string]error
	queries []string
}

func (f *fakeSearch) Search(ctx context.Context, query string, max int) ([]collab.SearchResult, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.mu.Unlock()
	if err := f.fail[query]; err != nil {
		return nil, err
	}
	return f.results[query], nil
}

func (f *fakeSearch) News(ctx context.Context, query string, max int) ([]collab.SearchResult, error) {
	return f.Search(ctx, query, max)
}

type fakeScrape struct {
	pages map[string]*collab.Page
}

func (f *fakeScrape) Fetch(ctx context.Context, pageURL string) (*collab.Page, error) {
	if p, ok := f.pages[pageURL]; ok {
		return p, nil
	}
	return nil, models.CollaboratorError("scraper", models.CollabUnavailable, errors.New("404"))
}

type fakeStocks struct {
	bars []stockdata.Bar
	err  error
	got  [2]string
}

func (f *fakeStocks) History(ctx context.Context, ticker, rng string) ([]stockdata.Bar, error) {
	f.got = [2]string{ticker, rng}
	return f.bars, f.err
}

type fakeFallback struct {
	called bool
}

func (f *fakeFallback) Generate(ctx context.Context, prompt string) (*models.ImageResult, error) {
	f.called = true
	return &models.ImageResult{MIME: "image/jpeg", URL: "https://img.example/x.jpg", Prompt: prompt, Model: "pollinations"}, nil
}

type fakeStore struct {
	mu    sync.Mutex
	turns []models.Turn
	err   error
}

func (f *fakeStore) CommitTurn(ctx context.Context, t models.Turn) ([]models.EpisodicEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.turns = append(f.turns, t)
	return []models.EpisodicEntry{
		{UserID: t.UserID, ChatID: t.ChatID, Role: models.RoleUser, Content: t.Query},
		{UserID: t.UserID, ChatID: t.ChatID, Role: models.RoleAssistant, Content: t.Answer},
	}, nil
}

type fakeExtractor struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeExtractor) ExtractAsync(userID, chatID int64, query, answer string) {
	f.mu.Lock()
	f.calls = append(f.calls, query)
	f.mu.Unlock()
}

// recorder collects emitted events
type recorder struct {
	mu     sync.Mutex
	events []string
	chunks strings.Builder
	data   map[string]interface{}
}

func (r *recorder) Emit(event string, data interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	if r.data == nil {
		r.data = make(map[string]interface{})
	}
	r.data[event] = data
	if s, ok := data.(string); ok && event == EventChunk {
		r.chunks.WriteString(s)
	}
	return nil
}

type harness struct {
	llm       *fakeLLM
	search    *fakeSearch
	scrape    *fakeScrape
	stocks    *fakeStocks
	fallback  *fakeFallback
	store     *fakeStore
	extractor *fakeExtractor
	d         *Dispatcher
}

func newHarness() *harness {
	h := &harness{
		llm:       &fakeLLM{},
		search:    &fakeSearch{results: map[string][]collab.SearchResult{}, fail: map[string]error{}},
		scrape:    &fakeScrape{pages: map[string]*collab.Page{}},
		stocks:    &fakeStocks{},
		fallback:  &fakeFallback{},
		store:     &fakeStore{},
		extractor: &fakeExtractor{},
	}
	h.d = NewDispatcher(Deps{
		LLM:           h.llm,
		Search:        h.search,
		Scrape:        h.scrape,
		Stocks:        h.stocks,
		ImageFallback: h.fallback,
		Store:         h.store,
		Extractor:     h.extractor,
		Voices:        config.Default().TTS.Voices,
		Cache:         config.Default().Cache,
		Log:           zerolog.Nop(),
	})
	return h
}
