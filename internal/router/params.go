package router

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/oscillatelabsllc/skyth/internal/models"
)

var aliases = map[string]models.PipelineID{
	"conversational":        models.PipelineChat,
	"conversation":          models.PipelineChat,
	"general":               models.PipelineChat,
	"image_analysis":        models.PipelineChat,
	"file_analysis":         models.PipelineChat,
	"general_research":      models.PipelineResearch,
	"web_search":            models.PipelineResearch,
	"search":                models.PipelineResearch,
	"academic_pipeline":     models.PipelineResearch,
	"deep_search":           models.PipelineDeepResearch,
	"report":                models.PipelineDeepResearch,
	"visualization":         models.PipelineVisualize,
	"visualization_request": models.PipelineVisualize,
	"visualise":             models.PipelineVisualize,
	"image_generation":      models.PipelineImageGenerate,
	"image_generator":       models.PipelineImageGenerate,
	"generate_image":        models.PipelineImageGenerate,
	"image_editing":         models.PipelineImageEdit,
	"edit_image":            models.PipelineImageEdit,
	"coding":                models.PipelineCode,
	"stock_query":           models.PipelineStock,
	"stock_data":            models.PipelineStock,
	"stocks":                models.PipelineStock,
	"text_to_speech":        models.PipelineTTS,
	"speech":                models.PipelineTTS,
	"transcription":         models.PipelineTranscribe,
	"speech_to_text":        models.PipelineTranscribe,
}

// ParsePipeline normalizes a model-produced pipeline name to the closed enum
func ParsePipeline(name string) (models.PipelineID, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	if id := models.PipelineID(key); id.IsValid() {
		return id, true
	}
	id, ok := aliases[key]
	return id, ok
}

// Parameter names the dispatcher checks before running a pipeline
const (
	ParamTicker = "ticker"
	ParamRange  = "range"
	ParamTopic  = "topic"
	ParamPrompt = "prompt"
	ParamText   = "text"
	ParamImage  = "image"
	ParamAudio  = "audio"
)

// RequiredParams lists what a pipeline cannot run without. Image and audio
// are satisfied by uploads rather than router parameters.
func RequiredParams(p models.PipelineID) []string {
	switch p {
	case models.PipelineStock:
		return []string{ParamTicker}
	case models.PipelineImageEdit:
		return []string{ParamImage}
	case models.PipelineTranscribe:
		return []string{ParamAudio}
	}
	return nil
}

var tickerPattern = regexp.MustCompile(`^[A-Z.]{1,5}$`)

// NormalizeTicker upper-cases a ticker and reports whether it is usable.
// The literal NULL means the model could not identify one.
func NormalizeTicker(raw string) (string, bool) {
	t := strings.ToUpper(strings.TrimSpace(raw))
	t = strings.TrimPrefix(t, "$")
	if t == "" || t == "NULL" || t == "NONE" || !tickerPattern.MatchString(t) {
		return "", false
	}
	return t, true
}

var spanPattern = regexp.MustCompile(`(\d+)\s*(day|week|month|year)s?`)

// ExtractStockRange derives a chart range from the query wording, defaulting to max
func ExtractStockRange(query string) string {
	q := strings.ToLower(query)

	if containsAny(q, "year to date", "ytd") {
		return "ytd"
	}
	if containsAny(q, "all time", "since inception", "max range", "maximum") {
		return "max"
	}

	if m := spanPattern.FindStringSubmatch(q); m != nil {
		n, _ := strconv.Atoi(m[1])
		switch m[2] {
		case "day":
			switch {
			case n <= 1:
				return "1d"
			case n <= 5:
				return "5d"
			}
			return "1mo"
		case "week":
			return "1wk"
		case "month":
			switch {
			case n <= 1:
				return "1mo"
			case n <= 3:
				return "3mo"
			case n <= 6:
				return "6mo"
			}
			return "1y"
		case "year":
			switch {
			case n <= 1:
				return "1y"
			case n <= 5:
				return "5y"
			}
			return "max"
		}
	}

	switch {
	case containsAny(q, "5-day"):
		return "5d"
	case containsAny(q, "one day", "today", "daily"):
		return "1d"
	case containsAny(q, "one week", "weekly"):
		return "1wk"
	case containsAny(q, "one month", "monthly"):
		return "1mo"
	case containsAny(q, "six month"):
		return "6mo"
	case containsAny(q, "one year", "yearly"):
		return "1y"
	case containsAny(q, "five year"):
		return "5y"
	}
	return "max"
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
