// Package router classifies a query into one pipeline of the closed set.
// The router keeps no state between calls.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/oscillatelabsllc/skyth/internal/llm"
	"github.com/oscillatelabsllc/skyth/internal/memory"
	"github.com/oscillatelabsllc/skyth/internal/metrics"
	"github.com/oscillatelabsllc/skyth/internal/models"
	"github.com/oscillatelabsllc/skyth/internal/stockdata"
)

// ModeDeepResearch is the explicit request mode that bypasses classification
const ModeDeepResearch = "deep_research"

// Completer is the LLM call the router makes
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (string, error)
}

// Config bounds the router's model call and the history it shows
type Config struct {
	Model         string
	Timeout       time.Duration
	HistoryTurns  int
	HistoryTokens int
}

// Input is everything a routing decision may depend on
type Input struct {
	Query     string
	Recent    []models.EpisodicEntry
	Available models.PipelineSet // empty means every pipeline
	Mode      string
	Persona   string
	HasImage  bool
	HasAudio  bool
	HasFile   bool
}

// Decision is the router's answer
type Decision struct {
	Pipeline models.PipelineID `json:"pipeline"`
	Params   map[string]string `json:"params"`
	Fallback bool              `json:"fallback,omitempty"`
	Reason   string            `json:"reason,omitempty"`
}

// Router maps queries to pipelines through an LLM
type Router struct {
	llm Completer
	cfg Config
	log zerolog.Logger
}

// New creates a router
func New(c Completer, cfg Config, log zerolog.Logger) *Router {
	return &Router{
		llm: c,
		cfg: cfg,
		log: log.With().Str("component", "router").Logger(),
	}
}

var descriptions = map[models.PipelineID]string{
	models.PipelineChat:          "casual conversation, greetings, opinions, questions answerable without a web search, and analysis of an uploaded image or file",
	models.PipelineResearch:      "questions needing current information from the web, answered with cited sources",
	models.PipelineDeepResearch:  "requests for an in-depth, multi-source report on a topic; params: {\"topic\": string}",
	models.PipelineVisualize:     "requests to visualize, diagram, chart or animate a concept as an interactive HTML page; params: {\"topic\": string}",
	models.PipelineImageGenerate: "requests to create, draw or generate a new image; params: {\"prompt\": string}",
	models.PipelineImageEdit:     "requests to modify an image the user has uploaded",
	models.PipelineCode:          "writing, debugging or explaining code",
	models.PipelineStock:         "stock or crypto prices and charts; params: {\"ticker\": string or \"NULL\", \"range\": one of 1d,5d,1wk,1mo,3mo,6mo,ytd,1y,2y,5y,10y,max}",
	models.PipelineTTS:           "requests to read text aloud or turn text into speech; params: {\"text\": string}",
	models.PipelineTranscribe:    "requests to transcribe uploaded audio",
}

var editVerbs = []string{
	"edit", "change", "modify", "remove", "replace", "add ", "make it", "make the",
	"turn it", "turn the", "recolor", "colorize", "erase", "crop", "convert this",
}

// Route applies the precondition shortcuts, then classifies with one strict
// retry, falling back to chat when the model cannot be used. Only client
// cancellation is returned as an error.
func (r *Router) Route(ctx context.Context, in Input) (*Decision, error) {
	available := in.Available
	if len(available) == 0 {
		available = models.NewPipelineSet(models.AllPipelines()...)
	}
	in.Available = available

	if d := preconditions(in); d != nil {
		metrics.RouterDecisions.WithLabelValues(string(d.Pipeline), "precondition").Inc()
		return d, nil
	}

	d, err := r.Classify(ctx, in, false)
	outcome := "classified"
	if models.IsKind(err, models.KindRoutingAmbiguous) {
		r.log.Debug().Err(err).Msg("ambiguous routing answer, retrying strictly")
		d, err = r.Classify(ctx, in, true)
		outcome = "retried"
	}

	if err != nil {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) {
			return nil, models.AsPipelineError(ctxErr, "router")
		}
		r.log.Warn().Err(err).Str("query", truncateQuery(in.Query)).Msg("routing failed, falling back to chat")
		metrics.RouterDecisions.WithLabelValues(string(models.DefaultPipeline), "fallback").Inc()
		return &Decision{
			Pipeline: models.DefaultPipeline,
			Params:   normalizeParams(models.DefaultPipeline, in.Query, nil),
			Fallback: true,
			Reason:   err.Error(),
		}, nil
	}

	metrics.RouterDecisions.WithLabelValues(string(d.Pipeline), outcome).Inc()
	return d, nil
}

func preconditions(in Input) *Decision {
	query := strings.TrimSpace(in.Query)
	pick := func(p models.PipelineID, reason string) *Decision {
		if !in.Available.Contains(p) {
			return nil
		}
		return &Decision{Pipeline: p, Params: normalizeParams(p, query, nil), Reason: reason}
	}

	switch {
	case in.Mode == ModeDeepResearch:
		return pick(models.PipelineDeepResearch, "requested mode")
	case in.HasAudio && query == "":
		return pick(models.PipelineTranscribe, "audio upload without query")
	case in.HasImage && containsAny(strings.ToLower(query), editVerbs...):
		return pick(models.PipelineImageEdit, "image upload with edit instruction")
	}
	return nil
}

// Classify asks the model for one pipeline. An answer that names no known
// pipeline, or one outside Available, is a RoutingAmbiguous error.
func (r *Router) Classify(ctx context.Context, in Input, strict bool) (*Decision, error) {
	available := in.Available
	if len(available) == 0 {
		available = models.NewPipelineSet(models.AllPipelines()...)
	}

	callCtx := ctx
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	text, err := r.llm.Complete(callCtx, llm.Request{
		Model:    r.cfg.Model,
		Messages: []llm.Message{{Role: models.RoleUser, Content: r.prompt(in, available, strict)}},
		JSON:     true,
	})
	if err != nil {
		return nil, err
	}

	p, params, err := parseAnswer(text)
	if err != nil {
		return nil, &models.PipelineError{Kind: models.KindRoutingAmbiguous, Collaborator: "router", Message: err.Error(), Err: err}
	}
	if !available.Contains(p) {
		return nil, &models.PipelineError{
			Kind:         models.KindRoutingAmbiguous,
			Collaborator: "router",
			Message:      fmt.Sprintf("pipeline %q is not available", p),
		}
	}

	return &Decision{Pipeline: p, Params: normalizeParams(p, in.Query, params)}, nil
}

func (r *Router) prompt(in Input, available models.PipelineSet, strict bool) string {
	var sb strings.Builder
	sb.WriteString("You are an intent router. Pick the single pipeline that best handles the user's latest query.\n\nPipelines:\n")
	for _, p := range available.Sorted() {
		fmt.Fprintf(&sb, "- %s: %s\n", p, descriptions[p])
	}

	fmt.Fprintf(&sb, "\nImage uploaded: %t\nAudio uploaded: %t\nFile uploaded: %t\n", in.HasImage, in.HasAudio, in.HasFile)
	if in.Persona != "" {
		fmt.Fprintf(&sb, "Active persona: %s\n", in.Persona)
	}

	if history := memory.Window(in.Recent, r.cfg.HistoryTurns, r.cfg.HistoryTokens); len(history) > 0 {
		sb.WriteString("\nRecent conversation:\n")
		sb.WriteString(memory.FormatHistory(history))
		sb.WriteString("\n")
	}

	fmt.Fprintf(&sb, "\nQuery: %q\n\n", in.Query)
	sb.WriteString(`Respond with a JSON object: {"pipeline": "<name>", "params": {...}}`)
	if strict {
		names := make([]string, 0, len(available))
		for _, p := range available.Sorted() {
			names = append(names, string(p))
		}
		fmt.Fprintf(&sb, "\nThe pipeline value MUST be exactly one of: %s. Output only the JSON object and nothing else.", strings.Join(names, ", "))
	}
	return sb.String()
}

type answer struct {
	Pipeline string                 `json:"pipeline"`
	Params   map[string]interface{} `json:"params"`
}

func parseAnswer(text string) (models.PipelineID, map[string]string, error) {
	raw, err := llm.ExtractObject(text)
	if err != nil {
		return "", nil, err
	}

	var a answer
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return "", nil, fmt.Errorf("failed to decode routing answer: %w", err)
	}

	p, ok := ParsePipeline(a.Pipeline)
	if !ok {
		return "", nil, fmt.Errorf("unknown pipeline %q", a.Pipeline)
	}

	params := make(map[string]string, len(a.Params))
	for k, v := range a.Params {
		switch val := v.(type) {
		case nil:
		case string:
			params[k] = val
		default:
			params[k] = fmt.Sprint(val)
		}
	}
	return p, params, nil
}

// normalizeParams fills defaults from the query and drops unusable values
func normalizeParams(p models.PipelineID, query string, params map[string]string) map[string]string {
	out := make(map[string]string, len(params)+1)
	for k, v := range params {
		if v = strings.TrimSpace(v); v != "" {
			out[k] = v
		}
	}

	query = strings.TrimSpace(query)
	setDefault := func(key string) {
		if out[key] == "" && query != "" {
			out[key] = query
		}
	}

	switch p {
	case models.PipelineStock:
		if t, ok := NormalizeTicker(out[ParamTicker]); ok {
			out[ParamTicker] = t
		} else {
			delete(out, ParamTicker)
		}
		if rng := strings.ToLower(out[ParamRange]); stockdata.ValidRange(rng) {
			out[ParamRange] = rng
		} else {
			out[ParamRange] = ExtractStockRange(query)
		}
	case models.PipelineVisualize, models.PipelineDeepResearch, models.PipelineResearch:
		setDefault(ParamTopic)
	case models.PipelineImageGenerate, models.PipelineImageEdit:
		setDefault(ParamPrompt)
	case models.PipelineTTS:
		setDefault(ParamText)
	}
	return out
}

func truncateQuery(q string) string {
	if r := []rune(q); len(r) > 80 {
		return string(r[:80])
	}
	return q
}
