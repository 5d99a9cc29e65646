package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/oscillatelabsllc/skyth/internal/collab"
	"github.com/oscillatelabsllc/skyth/internal/llm"
	"github.com/oscillatelabsllc/skyth/internal/models"
	"github.com/oscillatelabsllc/skyth/internal/router"
)

const (
	maxPlanQueries   = 3
	researchResults  = 5
	deepResults      = 3
	maxDeepSources   = 7
	scrapeWorkers    = 4
	maxSourceSnippet = 300
	maxSourceText    = 5000
)

const planPrompt = `You plan web searches. Break the request below into at most %d short, distinct search-engine queries that together gather what is needed to answer it.
Request: %q
Respond with a JSON array of strings and nothing else.`

// plan asks the model for search queries, falling back to the request itself
func (d *Dispatcher) plan(ctx context.Context, subject string) []string {
	text, err := d.deps.LLM.Complete(ctx, llm.Request{
		Model:    d.deps.LLM.Models().Utility,
		Messages: []llm.Message{{Role: models.RoleUser, Content: fmt.Sprintf(planPrompt, maxPlanQueries, subject)}},
	})
	if err != nil {
		if ctx.Err() == nil {
			d.log.Debug().Err(err).Msg("search planning failed, using the query")
		}
		return []string{subject}
	}

	var planned []string
	if err := llm.DecodeJSON(text, &planned); err != nil {
		return []string{subject}
	}

	seen := make(map[string]bool)
	var queries []string
	for _, q := range planned {
		q = strings.TrimSpace(q)
		if q == "" || seen[strings.ToLower(q)] {
			continue
		}
		seen[strings.ToLower(q)] = true
		queries = append(queries, q)
		if len(queries) == maxPlanQueries {
			break
		}
	}
	if len(queries) == 0 {
		return []string{subject}
	}
	return queries
}

// gather runs the queries in parallel and merges results in plan order,
// dropping duplicate URLs. It fails only when every search failed.
func (d *Dispatcher) gather(ctx context.Context, queries []string, perQuery int) ([]collab.SearchResult, error) {
	results := make([][]collab.SearchResult, len(queries))
	errs := make([]error, len(queries))

	var wg sync.WaitGroup
	for i, q := range queries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = d.search(ctx, q, perQuery)
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var merged []collab.SearchResult
	failed := 0
	for i := range queries {
		if errs[i] != nil {
			failed++
			d.log.Warn().Err(errs[i]).Str("query", queries[i]).Msg("search step failed")
			continue
		}
		for _, r := range results[i] {
			if r.URL == "" || seen[r.URL] {
				continue
			}
			seen[r.URL] = true
			merged = append(merged, r)
		}
	}
	if failed == len(queries) {
		return nil, errors.Join(errs...)
	}
	return merged, nil
}

func sources(results []collab.SearchResult) []models.Source {
	out := make([]models.Source, 0, len(results))
	for _, r := range results {
		out = append(out, models.Source{Title: r.Title, URL: r.URL, Snippet: r.Snippet})
	}
	return out
}

func (d *Dispatcher) runResearch(ctx context.Context, req *Request, emit Emitter) (*models.PipelineResult, error) {
	if err := step(emit, "thinking", "Planning research strategy..."); err != nil {
		return nil, err
	}
	queries := d.plan(ctx, req.Query)

	if err := step(emit, "searching", fmt.Sprintf("Executing %d-step research plan.", len(queries))); err != nil {
		return nil, err
	}
	results, err := d.gather(ctx, queries, researchResults)
	if err != nil {
		return nil, err
	}

	srcs := sources(results)
	if err := emit.Emit(EventSources, srcs); err != nil {
		return nil, err
	}

	var data strings.Builder
	for i, r := range results {
		fmt.Fprintf(&data, "Source [%d] (URL: %s): %s - %s\n\n", i+1, r.URL, r.Title, clip(r.Snippet, maxSourceSnippet))
	}
	if len(results) == 0 {
		data.WriteString("No specific research data was found for this query.")
	}

	prompt := fmt.Sprintf(`The user's current query is: %q

Use your knowledge and the following multi-source research data to answer the query directly and comprehensively.
- Synthesize information from all relevant sources into one coherent answer.
- Cite sources inline with their bracketed numbers, e.g. [1].
- For comparisons, present differences and similarities clearly, using a Markdown table where it helps.

Research data:
%s`, req.Query, data.String())

	if err := step(emit, "thinking", "Synthesizing information..."); err != nil {
		return nil, err
	}
	text, err := d.deps.LLM.Stream(ctx, llm.Request{
		Model:    d.deps.LLM.Models().Conversational,
		System:   systemPrompt(req.Persona, req.CustomPersona, req.Memory),
		Messages: conversation(req, prompt),
	}, chunker(emit))
	if err != nil {
		return nil, err
	}

	return &models.PipelineResult{Kind: models.ResultText, Text: text, Sources: srcs}, nil
}

func (d *Dispatcher) runDeepResearch(ctx context.Context, req *Request, emit Emitter) (*models.PipelineResult, error) {
	topic := req.Param(router.ParamTopic)
	if topic == "" {
		topic = req.Query
	}

	if err := step(emit, "thinking", fmt.Sprintf("Planning deep research for: %q", topic)); err != nil {
		return nil, err
	}
	queries := d.plan(ctx, "Comprehensive information about "+topic)

	results, err := d.gather(ctx, queries, deepResults)
	if err != nil {
		return nil, err
	}
	if len(results) > maxDeepSources {
		results = results[:maxDeepSources]
	}
	if len(results) == 0 {
		return nil, models.CollaboratorError("search", models.CollabUnavailable, fmt.Errorf("no web sources found for %q", topic))
	}

	if err := step(emit, "searching", fmt.Sprintf("Found %d sources. Beginning multi-source analysis.", len(results))); err != nil {
		return nil, err
	}
	pages := d.scrapeAll(ctx, results)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, models.CollaboratorError("scraper", models.CollabUnavailable, errors.New("none of the sources could be read"))
	}

	var corpus strings.Builder
	srcs := make([]models.Source, 0, len(pages))
	for i, p := range pages {
		fmt.Fprintf(&corpus, "--- START OF SOURCE %d (%s) ---\nTitle: %s\n\n%s\n--- END OF SOURCE %d ---\n\n", i+1, p.URL, p.Title, clip(p.Markdown, maxSourceText), i+1)
		srcs = append(srcs, models.Source{Title: p.Title, URL: p.URL})
	}
	if err := emit.Emit(EventSources, srcs); err != nil {
		return nil, err
	}

	prompt := fmt.Sprintf(`You are a specialist research analyst. Write an exceptionally detailed research report on the topic %q.
- Output Markdown only, starting with a level-one title.
- Structure: executive summary, introduction, several detailed sections with sub-sections, an analysis section, a conclusion and a numbered list of sources.
- Critically analyse and synthesize the sources below rather than copying them, citing them by number.

Sources:
%s`, topic, corpus.String())

	if err := step(emit, "thinking", "All sources analyzed. Writing the report..."); err != nil {
		return nil, err
	}
	report, err := d.deps.LLM.Stream(ctx, llm.Request{
		Model:    d.deps.LLM.Models().Reasoning,
		System:   systemPrompt(req.Persona, req.CustomPersona, req.Memory),
		Messages: []llm.Message{{Role: models.RoleUser, Content: prompt}},
	}, chunker(emit))
	if err != nil {
		return nil, err
	}

	doc := &models.DocumentResult{Title: reportTitle(report, topic), Markdown: report}
	if err := emit.Emit(EventDocument, doc); err != nil {
		return nil, err
	}

	res := &models.PipelineResult{
		Kind:     models.ResultDocument,
		Text:     fmt.Sprintf("I have completed the deep research report on %q.", topic),
		Document: doc,
		Sources:  srcs,
	}
	for _, s := range srcs {
		res.Resources = append(res.Resources, models.ResourceEntry{
			Title:        s.Title,
			Summary:      "Source for " + topic,
			ResourceType: models.ResourceURL,
			Location:     s.URL,
		})
	}
	return res, nil
}

// scrapeAll reads the result pages with bounded parallelism, skipping
// failures and keeping result order
func (d *Dispatcher) scrapeAll(ctx context.Context, results []collab.SearchResult) []*collab.Page {
	pages := make([]*collab.Page, len(results))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scrapeWorkers)
	for i, r := range results {
		g.Go(func() error {
			cached, err := d.scrape(gctx, r.URL)
			if err != nil {
				d.log.Debug().Err(err).Str("url", r.URL).Msg("skipping source")
				return nil
			}
			page := *cached
			if page.Title == "" {
				page.Title = r.Title
			}
			if page.Title == "" {
				if u, err := url.Parse(r.URL); err == nil {
					page.Title = u.Host
				}
			}
			pages[i] = &page
			return nil
		})
	}
	_ = g.Wait()

	out := make([]*collab.Page, 0, len(pages))
	for _, p := range pages {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

func reportTitle(report, topic string) string {
	for _, line := range strings.Split(report, "\n") {
		if t, ok := strings.CutPrefix(strings.TrimSpace(line), "# "); ok && strings.TrimSpace(t) != "" {
			return strings.TrimSpace(t)
		}
	}
	return "Research Report: " + topic
}
