package pipeline

import (
	"strings"

	"github.com/oscillatelabsllc/skyth/internal/config"
	"github.com/oscillatelabsllc/skyth/internal/llm"
	"github.com/oscillatelabsllc/skyth/internal/memory"
	"github.com/oscillatelabsllc/skyth/internal/models"
)

// Persona selects the assistant's voice and system prompt
type Persona string

const (
	PersonaDefault  Persona = "default"
	PersonaAcademic Persona = "academic"
	PersonaCoding   Persona = "coding"
	PersonaUnhinged Persona = "unhinged"
	PersonaCustom   Persona = "custom"
)

// ParsePersona maps a client value to a persona, defaulting unknown names
func ParsePersona(s string) Persona {
	switch p := Persona(strings.ToLower(strings.TrimSpace(s))); p {
	case PersonaAcademic, PersonaCoding, PersonaUnhinged, PersonaCustom:
		return p
	}
	return PersonaDefault
}

var personaPrompts = map[Persona]string{
	PersonaDefault: "You are Skyth, a helpful and knowledgeable assistant. Answer clearly and directly, " +
		"use Markdown where it helps readability, and say so when you are unsure.",
	PersonaAcademic: "You are Skyth in academic mode. Answer with the rigour of a subject-matter expert: " +
		"define terms, structure the answer with headings, and distinguish established findings from open questions.",
	PersonaCoding: "You are Skyth, an expert software engineer. Give working, idiomatic code in fenced blocks " +
		"with the language named, explain the important decisions briefly, and point out pitfalls.",
	PersonaUnhinged: "You are Skyth in unhinged mode: irreverent, sarcastic and blunt, but still accurate. " +
		"Never be hateful and never invent facts.",
}

// systemPrompt combines the persona prompt with the user's memory
func systemPrompt(persona Persona, custom string, mc *memory.Context) string {
	base := personaPrompts[persona]
	if persona == PersonaCustom {
		base = personaPrompts[PersonaDefault]
		if c := strings.TrimSpace(custom); c != "" {
			base = c
		}
	}
	if base == "" {
		base = personaPrompts[PersonaDefault]
	}

	if ctx := mc.Prompt(); ctx != "" {
		return base + "\n\n" + ctx
	}
	return base
}

// voiceFor maps a persona to a speech voice
func voiceFor(voices config.VoicesConfig, persona Persona) string {
	var v string
	switch persona {
	case PersonaAcademic:
		v = voices.Academic
	case PersonaCoding:
		v = voices.Coding
	case PersonaUnhinged:
		v = voices.Unhinged
	case PersonaCustom:
		v = voices.Custom
	}
	if v == "" {
		v = voices.Default
	}
	return v
}

// VoiceFor is voiceFor for callers outside the pipeline
func VoiceFor(voices config.VoicesConfig, persona string) string {
	return voiceFor(voices, ParsePersona(persona))
}

// conversation returns the chat history followed by the new user message
func conversation(req *Request, content string) []llm.Message {
	msgs := req.Memory.Messages()
	user := llm.Message{Role: models.RoleUser, Content: content}
	if len(req.Image) > 0 {
		user.Images = []string{dataURI(req.ImageMIME, req.Image)}
	}
	return append(msgs, user)
}
