package pipeline

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/oscillatelabsllc/skyth/internal/llm"
	"github.com/oscillatelabsllc/skyth/internal/models"
)

// maxFileText bounds how much of an uploaded file is sent to the model
const maxFileText = 20000

func (d *Dispatcher) runChat(ctx context.Context, req *Request, emit Emitter) (*models.PipelineResult, error) {
	return d.converse(ctx, req, emit, req.Persona, d.deps.LLM.Models().Conversational)
}

func (d *Dispatcher) runCode(ctx context.Context, req *Request, emit Emitter) (*models.PipelineResult, error) {
	return d.converse(ctx, req, emit, PersonaCoding, d.deps.LLM.Models().Reasoning)
}

func (d *Dispatcher) converse(ctx context.Context, req *Request, emit Emitter, persona Persona, model string) (*models.PipelineResult, error) {
	if err := step(emit, "thinking", "Thinking..."); err != nil {
		return nil, err
	}

	content := req.Query
	if req.FileText != "" {
		content = fmt.Sprintf("Attached file %q:\n\n%s\n\n%s", req.FileName, clip(req.FileText, maxFileText), req.Query)
	}
	if strings.TrimSpace(content) == "" && len(req.Image) > 0 {
		content = "Describe this image."
	}

	text, err := d.deps.LLM.Stream(ctx, llm.Request{
		Model:    model,
		System:   systemPrompt(persona, req.CustomPersona, req.Memory),
		Messages: conversation(req, content),
	}, chunker(emit))
	if err != nil {
		return nil, err
	}

	res := &models.PipelineResult{Kind: models.ResultText, Text: text}
	if req.FileText != "" {
		res.Resources = append(res.Resources, models.ResourceEntry{
			Title:        req.FileName,
			Summary:      clip(req.FileText, 200),
			ResourceType: models.ResourceFile,
			Location:     clip(req.FileText, maxFileText),
		})
	}
	return res, nil
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func dataURI(mime string, data []byte) string {
	if mime == "" {
		mime = "application/octet-stream"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}
