package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/oscillatelabsllc/skyth/internal/llm"
	"github.com/oscillatelabsllc/skyth/internal/models"
	"github.com/oscillatelabsllc/skyth/internal/router"
)

// ErrNoSpeech is returned when a transcription recognized nothing
var ErrNoSpeech = errors.New("no speech recognized")

const visualizePrompt = `Create a single, complete, self-contained HTML document that visualizes the following request as an interactive, animated page.
- Use only inline CSS and JavaScript (canvas or SVG); no external resources.
- Include a short title and brief explanatory labels.
- Output only the HTML, starting with <!DOCTYPE html>.
%s
Request: %q`

const mathHint = "- The request is mathematical: plot the function or equation accurately with labelled axes and allow the user to vary its parameters."

func (d *Dispatcher) runVisualize(ctx context.Context, req *Request, emit Emitter) (*models.PipelineResult, error) {
	topic := req.Param(router.ParamTopic)
	if topic == "" {
		topic = req.Query
	}
	if err := step(emit, "thinking", "Generating requested HTML visualization..."); err != nil {
		return nil, err
	}

	hint := ""
	if q := strings.ToLower(req.Query + " " + topic); strings.Contains(q, "math") || strings.Contains(q, "equation") || strings.Contains(q, "function") {
		hint = mathHint
	}

	text, err := d.deps.LLM.Complete(ctx, llm.Request{
		Model:    d.deps.LLM.Models().Visualization,
		Messages: []llm.Message{{Role: models.RoleUser, Content: fmt.Sprintf(visualizePrompt, hint, topic)}},
	})
	if err != nil {
		return nil, err
	}

	html := extractHTML(text)
	if html == "" {
		return nil, models.CollaboratorError("llm", models.CollabInvalidInput, errors.New("model did not return an HTML document"))
	}

	viz := &models.VisualizationResult{HTML: html}
	if err := emit.Emit(EventVisualization, viz); err != nil {
		return nil, err
	}
	return &models.PipelineResult{
		Kind:          models.ResultVisualization,
		Text:          fmt.Sprintf("Here is an interactive visualization of %q.", topic),
		Visualization: viz,
	}, nil
}

// extractHTML returns the HTML document in a model answer, or "" when there is none
func extractHTML(text string) string {
	html := llm.StripFences(text)
	lower := strings.ToLower(html)
	start := strings.Index(lower, "<!doctype html")
	if start < 0 {
		start = strings.Index(lower, "<html")
	}
	if start < 0 {
		return ""
	}
	end := strings.LastIndex(lower, "</html>")
	if end < start {
		return strings.TrimSpace(html[start:])
	}
	return html[start : end+len("</html>")]
}

func (d *Dispatcher) runImageGenerate(ctx context.Context, req *Request, emit Emitter) (*models.PipelineResult, error) {
	prompt := req.Param(router.ParamPrompt)
	if prompt == "" {
		prompt = req.Query
	}
	if err := step(emit, "thinking", fmt.Sprintf("Generating image for: %q", prompt)); err != nil {
		return nil, err
	}

	img, err := d.deps.LLM.GenerateImage(ctx, prompt)
	if err != nil {
		if ctx.Err() != nil || d.deps.ImageFallback == nil {
			return nil, err
		}
		d.log.Warn().Err(err).Msg("primary image model failed, using fallback")
		if err := step(emit, "warning", "Primary image model failed. Falling back to the backup service..."); err != nil {
			return nil, err
		}
		img, err = d.deps.ImageFallback.Generate(ctx, prompt)
		if err != nil {
			return nil, err
		}
	}

	return d.imageResult(emit, img, prompt, "Here is the image I generated for %q.")
}

func (d *Dispatcher) runImageEdit(ctx context.Context, req *Request, emit Emitter) (*models.PipelineResult, error) {
	prompt := req.Param(router.ParamPrompt)
	if prompt == "" {
		prompt = req.Query
	}
	if err := step(emit, "thinking", fmt.Sprintf("Applying edit: %q", clip(prompt, 40))); err != nil {
		return nil, err
	}

	img, err := d.deps.LLM.EditImage(ctx, prompt, req.Image)
	if err != nil {
		return nil, err
	}
	return d.imageResult(emit, img, prompt, "I edited the image as requested: %q.")
}

func (d *Dispatcher) imageResult(emit Emitter, img *models.ImageResult, prompt, format string) (*models.PipelineResult, error) {
	if err := emit.Emit(EventImage, img); err != nil {
		return nil, err
	}

	location := img.URL
	if img.Data != "" {
		location = "data:" + img.MIME + ";base64," + img.Data
	}
	return &models.PipelineResult{
		Kind:  models.ResultImage,
		Text:  fmt.Sprintf(format, prompt),
		Image: img,
		Resources: []models.ResourceEntry{{
			Title:        clip(prompt, 100),
			Summary:      "Generated by " + img.Model,
			ResourceType: models.ResourceImage,
			Location:     location,
		}},
	}, nil
}

func (d *Dispatcher) runTTS(ctx context.Context, req *Request, emit Emitter) (*models.PipelineResult, error) {
	text := req.Param(router.ParamText)
	if text == "" {
		text = req.Query
	}
	if strings.TrimSpace(text) == "" {
		return nil, models.MissingParameter(models.PipelineTTS, router.ParamText)
	}

	voice := voiceFor(d.deps.Voices, req.Persona)
	if err := step(emit, "thinking", "Synthesizing speech..."); err != nil {
		return nil, err
	}

	speechCtx := ctx
	if d.deps.SpeechTimeout > 0 {
		var cancel context.CancelFunc
		speechCtx, cancel = context.WithTimeout(ctx, d.deps.SpeechTimeout)
		defer cancel()
	}

	body, err := d.deps.LLM.Speak(speechCtx, text, voice)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	audio, err := io.ReadAll(body)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			err = ctx.Err()
		case speechCtx.Err() != nil:
			err = context.DeadlineExceeded
		}
		return nil, models.AsPipelineError(err, "speech")
	}

	out := &models.AudioResult{MIME: "audio/mpeg", Data: base64.StdEncoding.EncodeToString(audio), Voice: voice}
	if err := emit.Emit(EventAudio, out); err != nil {
		return nil, err
	}
	return &models.PipelineResult{
		Kind:  models.ResultAudio,
		Text:  clip(text, 500),
		Audio: out,
	}, nil
}

func (d *Dispatcher) runTranscribe(ctx context.Context, req *Request, emit Emitter) (*models.PipelineResult, error) {
	if err := step(emit, "thinking", "Transcribing audio..."); err != nil {
		return nil, err
	}

	name := req.AudioName
	if name == "" {
		name = "audio.webm"
	}
	text, err := d.deps.LLM.Transcribe(ctx, req.Audio, name)
	if err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, models.CollaboratorError("transcriber", models.CollabInvalidInput, ErrNoSpeech)
	}

	if err := emit.Emit(EventChunk, text); err != nil {
		return nil, err
	}
	return &models.PipelineResult{Kind: models.ResultText, Text: text}, nil
}
