// Package llm wraps an OpenAI-compatible endpoint for completions, streaming,
// images, speech and transcription. Every call is rate limited, bounded by
// the configured call timeout and returns classified errors.
package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/oscillatelabsllc/skyth/internal/config"
	"github.com/oscillatelabsllc/skyth/internal/metrics"
	"github.com/oscillatelabsllc/skyth/internal/models"
)

const collaborator = "llm"

// Message is one chat message. Images are data or https URIs sent as
// image parts alongside the text.
type Message struct {
	Role    models.Role
	Content string
	Images  []string
}

// Request describes a chat completion
type Request struct {
	Model       string
	System      string
	Messages    []Message
	JSON        bool
	Temperature float32
	MaxTokens   int
}

// Prompt is a single-user-message request
func Prompt(model, system, prompt string) Request {
	return Request{
		Model:    model,
		System:   system,
		Messages: []Message{{Role: models.RoleUser, Content: prompt}},
	}
}

// Client handles communication with the LLM endpoint
type Client struct {
	api         *openai.Client
	speech      *openai.Client
	models      config.ModelsConfig
	limiter     *rate.Limiter
	callTimeout time.Duration
	log         zerolog.Logger
}

// NewClient creates a client for cfg. Speech uses tts.base_url and
// tts.api_key when set and the LLM endpoint otherwise.
func NewClient(cfg config.LLMConfig, tts config.TTSConfig, log zerolog.Logger) *Client {
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}
	apiCfg.HTTPClient = &http.Client{}
	api := openai.NewClientWithConfig(apiCfg)

	speech := api
	if tts.BaseURL != "" || tts.APIKey != "" {
		key := tts.APIKey
		if key == "" {
			key = cfg.APIKey
		}
		speechCfg := openai.DefaultConfig(key)
		speechCfg.BaseURL = apiCfg.BaseURL
		if tts.BaseURL != "" {
			speechCfg.BaseURL = tts.BaseURL
		}
		speech = openai.NewClientWithConfig(speechCfg)
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &Client{
		api:         api,
		speech:      speech,
		models:      cfg.Models,
		limiter:     rate.NewLimiter(limit, burst),
		callTimeout: timeout,
		log:         log.With().Str("component", "llm").Logger(),
	}
}

// Models returns the configured model names
func (c *Client) Models() config.ModelsConfig {
	return c.models
}

// begin waits for the rate limiter and derives the per-call deadline
func (c *Client) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, classify(ctx, err)
	}
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	return callCtx, cancel, nil
}

func (c *Client) chatRequest(req Request) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		if len(m.Images) == 0 {
			messages = append(messages, openai.ChatCompletionMessage{
				Role:    string(m.Role),
				Content: m.Content,
			})
			continue
		}
		parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: m.Content}}
		for _, uri := range m.Images {
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: uri},
			})
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:         string(m.Role),
			MultiContent: parts,
		})
	}

	model := req.Model
	if model == "" {
		model = c.models.Conversational
	}

	out := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.JSON {
		out.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return out
}

// Complete returns the full completion text
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	callCtx, cancel, err := c.begin(ctx)
	if err != nil {
		return "", err
	}
	defer cancel()

	resp, err := c.api.CreateChatCompletion(callCtx, c.chatRequest(req))
	if err != nil {
		return "", classify(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return "", models.CollaboratorError(collaborator, models.CollabUnavailable, errors.New("no choices returned"))
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream calls onDelta for every content fragment and returns the joined text.
// An error from onDelta aborts the stream and is returned unchanged.
func (c *Client) Stream(ctx context.Context, req Request, onDelta func(string) error) (string, error) {
	callCtx, cancel, err := c.begin(ctx)
	if err != nil {
		return "", err
	}
	defer cancel()

	chatReq := c.chatRequest(req)
	chatReq.Stream = true
	stream, err := c.api.CreateChatCompletionStream(callCtx, chatReq)
	if err != nil {
		return "", classify(ctx, err)
	}
	defer stream.Close()

	var full bytes.Buffer
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return full.String(), classify(ctx, err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return full.String(), err
			}
		}
	}
	return full.String(), nil
}

// CompleteJSON requests a JSON answer and decodes the first JSON value in it into v
func (c *Client) CompleteJSON(ctx context.Context, req Request, v interface{}) error {
	req.JSON = true
	text, err := c.Complete(ctx, req)
	if err != nil {
		return err
	}
	if err := DecodeJSON(text, v); err != nil {
		return models.CollaboratorError(collaborator, models.CollabInvalidInput, err)
	}
	return nil
}

// GenerateImage creates one image from prompt
func (c *Client) GenerateImage(ctx context.Context, prompt string) (*models.ImageResult, error) {
	callCtx, cancel, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	resp, err := c.api.CreateImage(callCtx, openai.ImageRequest{
		Prompt:         prompt,
		Model:          c.models.Image,
		N:              1,
		Size:           openai.CreateImageSize1024x1024,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return nil, classify(ctx, err)
	}
	return c.imageResult(resp, prompt, c.models.Image)
}

// EditImage applies prompt to an uploaded PNG/JPEG image
func (c *Client) EditImage(ctx context.Context, prompt string, image []byte) (*models.ImageResult, error) {
	callCtx, cancel, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	// the images endpoint takes the upload as a named multipart file
	f, err := os.CreateTemp("", "skyth-edit-*.png")
	if err != nil {
		return nil, fmt.Errorf("failed to stage image: %w", err)
	}
	defer os.Remove(f.Name())
	defer f.Close()
	if _, err := f.Write(image); err != nil {
		return nil, fmt.Errorf("failed to stage image: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to stage image: %w", err)
	}

	resp, err := c.api.CreateEditImage(callCtx, openai.ImageEditRequest{
		Image:          f,
		Prompt:         prompt,
		Model:          c.models.ImageEdit,
		N:              1,
		Size:           openai.CreateImageSize1024x1024,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return nil, classify(ctx, err)
	}
	return c.imageResult(resp, prompt, c.models.ImageEdit)
}

func (c *Client) imageResult(resp openai.ImageResponse, prompt, model string) (*models.ImageResult, error) {
	if len(resp.Data) == 0 {
		return nil, models.CollaboratorError(collaborator, models.CollabUnavailable, errors.New("no image returned"))
	}
	img := resp.Data[0]
	if img.B64JSON == "" && img.URL == "" {
		return nil, models.CollaboratorError(collaborator, models.CollabUnavailable, errors.New("empty image returned"))
	}
	result := &models.ImageResult{
		MIME:   "image/png",
		Data:   img.B64JSON,
		URL:    img.URL,
		Prompt: prompt,
		Model:  model,
	}
	if img.B64JSON != "" {
		if raw, err := base64.StdEncoding.DecodeString(img.B64JSON); err == nil {
			result.MIME = http.DetectContentType(raw)
		}
	}
	return result, nil
}

// Speak synthesizes text with voice and returns an MP3 stream the caller must
// close. The call timeout covers the wait for the response headers; the
// stream stays bound to ctx until Close.
func (c *Client) Speak(ctx context.Context, text, voice string) (io.ReadCloser, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, classify(ctx, err)
	}

	callCtx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(c.callTimeout, cancel)

	resp, err := c.speech.CreateSpeech(callCtx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(c.models.TTS),
		Input:          text,
		Voice:          openai.SpeechVoice(voice),
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if !timer.Stop() {
		// the timer fired, or is about to cancel the body
		if err == nil {
			resp.Close()
		}
		cancel()
		return nil, classify(ctx, context.DeadlineExceeded)
	}
	if err != nil {
		cancel()
		return nil, classify(ctx, err)
	}
	return &speechStream{ReadCloser: resp, cancel: cancel}, nil
}

// speechStream releases the call context when the body is closed
type speechStream struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (s *speechStream) Close() error {
	err := s.ReadCloser.Close()
	s.cancel()
	return err
}

// Transcribe converts recorded audio to text
func (c *Client) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	callCtx, cancel, err := c.begin(ctx)
	if err != nil {
		return "", err
	}
	defer cancel()

	resp, err := c.api.CreateTranscription(callCtx, openai.AudioRequest{
		Model:    c.models.Transcribe,
		FilePath: filename,
		Reader:   bytes.NewReader(audio),
	})
	if err != nil {
		return "", classify(ctx, err)
	}
	return resp.Text, nil
}

// classify maps client errors to the collaborator taxonomy. Cancellation of
// the caller's ctx wins over a call deadline.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return models.AsPipelineError(ctx.Err(), collaborator)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		pe := models.AsPipelineError(err, collaborator)
		metrics.CollaboratorErrors.WithLabelValues(collaborator, string(pe.Kind)).Inc()
		return pe
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	subtype := SubtypeForStatus(status)
	metrics.CollaboratorErrors.WithLabelValues(collaborator, string(subtype)).Inc()
	return models.CollaboratorError(collaborator, subtype, err)
}

// SubtypeForStatus maps an HTTP status to a collaborator error subtype
func SubtypeForStatus(status int) models.CollaboratorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return models.CollabAuth
	case status == http.StatusTooManyRequests:
		return models.CollabRateLimit
	case status == http.StatusBadRequest || status == http.StatusNotFound ||
		status == http.StatusUnprocessableEntity || status == http.StatusRequestEntityTooLarge:
		return models.CollabInvalidInput
	case status >= 500:
		return models.CollabUnavailable
	default:
		return models.CollabNetwork
	}
}
