package models

import "sort"

// PipelineID identifies a content pipeline. The set is closed.
type PipelineID string

const (
	PipelineResearch      PipelineID = "research"
	PipelineDeepResearch  PipelineID = "deep_research"
	PipelineVisualize     PipelineID = "visualize"
	PipelineImageGenerate PipelineID = "image_generate"
	PipelineImageEdit     PipelineID = "image_edit"
	PipelineCode          PipelineID = "code"
	PipelineStock         PipelineID = "stock"
	PipelineChat          PipelineID = "chat"
	PipelineTTS           PipelineID = "tts"
	PipelineTranscribe    PipelineID = "transcribe"
)

// DefaultPipeline handles anything the router cannot place
const DefaultPipeline = PipelineChat

// AllPipelines returns every valid pipeline identifier
func AllPipelines() []PipelineID {
	return []PipelineID{
		PipelineResearch,
		PipelineDeepResearch,
		PipelineVisualize,
		PipelineImageGenerate,
		PipelineImageEdit,
		PipelineCode,
		PipelineStock,
		PipelineChat,
		PipelineTTS,
		PipelineTranscribe,
	}
}

func (p PipelineID) String() string {
	return string(p)
}

// IsValid checks if a PipelineID is a member of the closed set
func (p PipelineID) IsValid() bool {
	for _, valid := range AllPipelines() {
		if p == valid {
			return true
		}
	}
	return false
}

// PipelineSet is a set of pipeline identifiers
type PipelineSet map[PipelineID]struct{}

// NewPipelineSet builds a set, dropping identifiers outside the closed enum
func NewPipelineSet(ids ...PipelineID) PipelineSet {
	set := make(PipelineSet, len(ids))
	for _, id := range ids {
		if id.IsValid() {
			set[id] = struct{}{}
		}
	}
	return set
}

// Contains reports membership
func (s PipelineSet) Contains(id PipelineID) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the members in a stable order
func (s PipelineSet) Sorted() []PipelineID {
	ids := make([]PipelineID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ResultKind discriminates PipelineResult
type ResultKind string

const (
	ResultText          ResultKind = "text"
	ResultImage         ResultKind = "image"
	ResultVisualization ResultKind = "visualization"
	ResultAudio         ResultKind = "audio"
	ResultDocument      ResultKind = "document"
)

// Source is a web page that informed an answer
type Source struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// ImageResult carries generated or edited image data
type ImageResult struct {
	MIME   string `json:"mime"`
	Data   string `json:"data,omitempty"` // base64
	URL    string `json:"url,omitempty"`
	Prompt string `json:"prompt"`
	Model  string `json:"model"`
}

// ChartPoint is one sample of a chart series
type ChartPoint struct {
	Date  string  `json:"date"`
	Value float64 `json:"value"`
}

// ChartSpec describes a line chart the client renders
type ChartSpec struct {
	Title  string       `json:"title"`
	Label  string       `json:"label"`
	Series []ChartPoint `json:"series"`
}

// VisualizationResult is either a self-contained HTML document or a chart spec
type VisualizationResult struct {
	HTML  string     `json:"html,omitempty"`
	Chart *ChartSpec `json:"chart,omitempty"`
}

// AudioResult carries synthesized speech
type AudioResult struct {
	MIME  string `json:"mime"`
	Data  string `json:"data"` // base64
	Voice string `json:"voice"`
}

// DocumentResult is a long-form report
type DocumentResult struct {
	Title    string `json:"title"`
	Markdown string `json:"markdown"`
}

// PipelineResult is the discriminated union returned by every pipeline.
// Exactly the member matching Kind is set; Text always holds a readable summary.
type PipelineResult struct {
	Kind          ResultKind           `json:"kind"`
	Pipeline      PipelineID           `json:"pipeline"`
	Text          string               `json:"text"`
	Image         *ImageResult         `json:"image,omitempty"`
	Visualization *VisualizationResult `json:"visualization,omitempty"`
	Audio         *AudioResult         `json:"audio,omitempty"`
	Document      *DocumentResult      `json:"document,omitempty"`
	Sources       []Source             `json:"sources,omitempty"`

	// Resources are persisted with the turn; not part of the wire shape
	Resources []ResourceEntry `json:"-"`
}
