// Package pipeline runs the content pipelines behind each routed query and
// commits the resulting turn to memory.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/oscillatelabsllc/skyth/internal/collab"
	"github.com/oscillatelabsllc/skyth/internal/config"
	"github.com/oscillatelabsllc/skyth/internal/llm"
	"github.com/oscillatelabsllc/skyth/internal/memory"
	"github.com/oscillatelabsllc/skyth/internal/metrics"
	"github.com/oscillatelabsllc/skyth/internal/models"
	"github.com/oscillatelabsllc/skyth/internal/router"
	"github.com/oscillatelabsllc/skyth/internal/stockdata"
)

// LLM is the model surface pipelines use
type LLM interface {
	Models() config.ModelsConfig
	Complete(ctx context.Context, req llm.Request) (string, error)
	Stream(ctx context.Context, req llm.Request, onDelta func(string) error) (string, error)
	GenerateImage(ctx context.Context, prompt string) (*models.ImageResult, error)
	EditImage(ctx context.Context, prompt string, image []byte) (*models.ImageResult, error)
	Speak(ctx context.Context, text, voice string) (io.ReadCloser, error)
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}

// Searcher finds web pages
type Searcher interface {
	Search(ctx context.Context, query string, max int) ([]collab.SearchResult, error)
	News(ctx context.Context, query string, max int) ([]collab.SearchResult, error)
}

// Scraper downloads a page as Markdown
type Scraper interface {
	Fetch(ctx context.Context, pageURL string) (*collab.Page, error)
}

// StockSource returns price history for a ticker
type StockSource interface {
	History(ctx context.Context, ticker, rng string) ([]stockdata.Bar, error)
}

// ImageGenerator is the fallback image service
type ImageGenerator interface {
	Generate(ctx context.Context, prompt string) (*models.ImageResult, error)
}

// TurnStore commits a finished turn
type TurnStore interface {
	CommitTurn(ctx context.Context, t models.Turn) ([]models.EpisodicEntry, error)
}

// Extractor learns from committed turns in the background
type Extractor interface {
	ExtractAsync(userID, chatID int64, query, answer string)
}

// Emitter receives progress events while a pipeline runs. An error aborts
// the pipeline.
type Emitter interface {
	Emit(event string, data interface{}) error
}

// EmitFunc adapts a function to Emitter
type EmitFunc func(event string, data interface{}) error

func (f EmitFunc) Emit(event string, data interface{}) error {
	return f(event, data)
}

// Discard drops every event
var Discard Emitter = EmitFunc(func(string, interface{}) error { return nil })

// Event names emitted by pipelines
const (
	EventStep          = "step"
	EventChunk         = "answer_chunk"
	EventSources       = "sources"
	EventImage         = "image"
	EventVisualization = "visualization"
	EventAudio         = "audio"
	EventDocument      = "document"
)

// Step is the payload of a step event
type Step struct {
	Status string `json:"status"`
	Text   string `json:"text"`
}

// Request is one pipeline invocation
type Request struct {
	TurnID        string
	UserID        int64
	ChatID        int64 // zero runs the pipeline without committing a turn
	Query         string
	Persona       Persona
	CustomPersona string
	Params        map[string]string
	Image         []byte
	ImageMIME     string
	Audio         []byte
	AudioName     string
	FileName      string
	FileText      string
	Memory        *memory.Context
}

// Param returns a router parameter
func (r *Request) Param(key string) string {
	if r.Params == nil {
		return ""
	}
	return r.Params[key]
}

func (r *Request) has(param string) bool {
	switch param {
	case router.ParamImage:
		return len(r.Image) > 0
	case router.ParamAudio:
		return len(r.Audio) > 0
	}
	return r.Param(param) != ""
}

// Handler fulfils one pipeline
type Handler interface {
	Run(ctx context.Context, req *Request, emit Emitter) (*models.PipelineResult, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, req *Request, emit Emitter) (*models.PipelineResult, error)

func (f HandlerFunc) Run(ctx context.Context, req *Request, emit Emitter) (*models.PipelineResult, error) {
	return f(ctx, req, emit)
}

// Deps are the collaborators the dispatcher wires into its handlers
type Deps struct {
	LLM           LLM
	Search        Searcher
	Scrape        Scraper
	Stocks        StockSource
	ImageFallback ImageGenerator
	Store         TurnStore
	Extractor     Extractor // nil disables extraction
	Voices        config.VoicesConfig
	Cache         config.CacheConfig
	SpeechTimeout time.Duration // bounds reading a synthesized answer; 0 is unbounded
	Log           zerolog.Logger
}

// Dispatcher maps each pipeline identifier to its handler
type Dispatcher struct {
	deps     Deps
	caches   *Caches
	handlers map[models.PipelineID]Handler
	log      zerolog.Logger
}

// NewDispatcher builds a dispatcher with a handler for every pipeline
func NewDispatcher(deps Deps) *Dispatcher {
	d := &Dispatcher{
		deps:   deps,
		caches: NewCaches(deps.Cache),
		log:    deps.Log.With().Str("component", "pipeline").Logger(),
	}
	d.handlers = map[models.PipelineID]Handler{
		models.PipelineChat:          HandlerFunc(d.runChat),
		models.PipelineCode:          HandlerFunc(d.runCode),
		models.PipelineResearch:      HandlerFunc(d.runResearch),
		models.PipelineDeepResearch:  HandlerFunc(d.runDeepResearch),
		models.PipelineVisualize:     HandlerFunc(d.runVisualize),
		models.PipelineImageGenerate: HandlerFunc(d.runImageGenerate),
		models.PipelineImageEdit:     HandlerFunc(d.runImageEdit),
		models.PipelineStock:         HandlerFunc(d.runStock),
		models.PipelineTTS:           HandlerFunc(d.runTTS),
		models.PipelineTranscribe:    HandlerFunc(d.runTranscribe),
	}
	return d
}

// Caches returns the caches the dispatcher owns
func (d *Dispatcher) Caches() *Caches {
	return d.caches
}

// Handle replaces the handler for id
func (d *Dispatcher) Handle(id models.PipelineID, h Handler) {
	if id.IsValid() {
		d.handlers[id] = h
	}
}

// Execute runs one pipeline and, when it succeeds and the request belongs to
// a chat, commits the user and assistant turns with any resources in one
// transaction. A failed pipeline writes nothing.
func (d *Dispatcher) Execute(ctx context.Context, id models.PipelineID, req *Request, emit Emitter) (*models.PipelineResult, error) {
	h, ok := d.handlers[id]
	if !ok {
		return nil, &models.PipelineError{Kind: models.KindNotFound, Pipeline: id, Message: fmt.Sprintf("unknown pipeline %q", id)}
	}
	for _, param := range router.RequiredParams(id) {
		if !req.has(param) {
			metrics.PipelineRuns.WithLabelValues(string(id), string(models.KindMissingParameter)).Inc()
			return nil, models.MissingParameter(id, param)
		}
	}
	if req.TurnID == "" {
		req.TurnID = ulid.Make().String()
	}
	if req.Memory == nil {
		req.Memory = &memory.Context{}
	}
	if emit == nil {
		emit = Discard
	}

	log := d.log.With().Str("pipeline", string(id)).Str("turn_id", req.TurnID).Int64("chat_id", req.ChatID).Logger()
	start := time.Now()
	defer func() {
		metrics.PipelineDuration.WithLabelValues(string(id)).Observe(time.Since(start).Seconds())
	}()

	res, err := h.Run(ctx, req, emit)
	if err != nil {
		pe := models.AsPipelineError(err, "")
		pe.Pipeline = id
		metrics.PipelineRuns.WithLabelValues(string(id), string(pe.Kind)).Inc()
		log.Warn().Err(pe).Msg("pipeline failed")
		return nil, pe
	}
	res.Pipeline = id

	if req.ChatID != 0 && d.deps.Store != nil {
		turn := models.Turn{
			UserID:    req.UserID,
			ChatID:    req.ChatID,
			Query:     req.Query,
			Answer:    res.Text,
			Payload:   payload(res),
			Resources: res.Resources,
		}
		if _, err := d.deps.Store.CommitTurn(ctx, turn); err != nil {
			pe := models.AsPipelineError(err, "")
			if pe.Kind == models.KindCollaborator {
				pe = models.PersistenceError(err)
			}
			pe.Pipeline = id
			metrics.PipelineRuns.WithLabelValues(string(id), string(pe.Kind)).Inc()
			log.Error().Err(err).Msg("failed to commit turn")
			return nil, pe
		}
		if d.deps.Extractor != nil && req.Query != "" && (res.Kind == models.ResultText || res.Kind == models.ResultDocument) {
			d.deps.Extractor.ExtractAsync(req.UserID, req.ChatID, req.Query, res.Text)
		}
	}

	metrics.PipelineRuns.WithLabelValues(string(id), string(res.Kind)).Inc()
	log.Info().Str("kind", string(res.Kind)).Dur("duration", time.Since(start)).Msg("pipeline complete")
	return res, nil
}

// payload is the structured part of the assistant turn. Audio bytes are
// not persisted.
func payload(res *models.PipelineResult) json.RawMessage {
	if res.Kind == models.ResultText && len(res.Sources) == 0 {
		return nil
	}
	stored := *res
	if stored.Audio != nil {
		audio := *stored.Audio
		audio.Data = ""
		stored.Audio = &audio
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return nil
	}
	return raw
}

func step(emit Emitter, status, text string) error {
	return emit.Emit(EventStep, Step{Status: status, Text: text})
}

// chunker forwards streamed deltas as answer chunks
func chunker(emit Emitter) func(string) error {
	return func(delta string) error {
		return emit.Emit(EventChunk, delta)
	}
}
