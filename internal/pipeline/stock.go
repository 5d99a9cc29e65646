package pipeline

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/oscillatelabsllc/skyth/internal/llm"
	"github.com/oscillatelabsllc/skyth/internal/models"
	"github.com/oscillatelabsllc/skyth/internal/router"
	"github.com/oscillatelabsllc/skyth/internal/stockdata"
)

var rangeLabels = map[string]string{
	"1d":  "Last 24 Hours",
	"5d":  "Last 5 Days",
	"1wk": "Last Week",
	"1mo": "Last Month",
	"3mo": "Last 3 Months",
	"6mo": "Last 6 Months",
	"ytd": "Year-to-Date",
	"1y":  "Last Year",
	"2y":  "Last 2 Years",
	"5y":  "Last 5 Years",
	"10y": "Last 10 Years",
	"max": "All Time",
}

// RangeLabel is the human description of a chart range
func RangeLabel(rng string) string {
	if l, ok := rangeLabels[rng]; ok {
		return l
	}
	return strings.ToUpper(rng)
}

var money = message.NewPrinter(language.English)

// StockSummary holds the figures quoted alongside a chart
type StockSummary struct {
	Ticker        string
	Label         string
	Latest        float64
	Start         float64
	Change        float64
	ChangePercent float64
}

// Summarize computes the period change over bars, which must be non-empty
func Summarize(ticker, rng string, bars []stockdata.Bar) StockSummary {
	start, latest := bars[0].Close, bars[len(bars)-1].Close
	s := StockSummary{
		Ticker: ticker,
		Label:  RangeLabel(rng),
		Latest: latest,
		Start:  start,
		Change: latest - start,
	}
	if start != 0 {
		s.ChangePercent = s.Change / start * 100
	}
	return s
}

func (s StockSummary) String() string {
	return fmt.Sprintf("Key market data for %s (%s):\n- Latest closing price: %s\n- Start price for the period: %s\n- Period change: %s (%+.2f%%)",
		s.Ticker, s.Label, dollars(s.Latest), dollars(s.Start), dollars(s.Change), s.ChangePercent)
}

func dollars(v float64) string {
	return money.Sprintf("$%.2f", v)
}

func (d *Dispatcher) runStock(ctx context.Context, req *Request, emit Emitter) (*models.PipelineResult, error) {
	ticker := req.Param(router.ParamTicker)
	rng := req.Param(router.ParamRange)
	if !stockdata.ValidRange(rng) {
		rng = router.ExtractStockRange(req.Query)
	}

	if err := step(emit, "searching", fmt.Sprintf("Fetching %s market data for %s...", strings.ToUpper(rng), ticker)); err != nil {
		return nil, err
	}
	bars, err := d.deps.Stocks.History(ctx, ticker, rng)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, models.CollaboratorError("stockfetch", models.CollabUnavailable, stockdata.ErrNoData)
	}

	chart := &models.ChartSpec{
		Title:  fmt.Sprintf("%s (%s)", ticker, RangeLabel(rng)),
		Label:  "Close",
		Series: make([]models.ChartPoint, 0, len(bars)),
	}
	for _, b := range bars {
		chart.Series = append(chart.Series, models.ChartPoint{Date: b.Date, Value: b.Close})
	}
	viz := &models.VisualizationResult{Chart: chart}
	if err := emit.Emit(EventVisualization, viz); err != nil {
		return nil, err
	}

	summary := Summarize(ticker, rng, bars)
	prompt := fmt.Sprintf(`The user asked: %q.
A chart for %s covering %s is already displayed. Using only the data below, give a concise natural-language summary that answers the question directly. Explain the movement rather than listing numbers.

%s`, req.Query, ticker, summary.Label, summary)

	if err := step(emit, "thinking", "Preparing market summary..."); err != nil {
		return nil, err
	}
	text, err := d.deps.LLM.Stream(ctx, llm.Request{
		Model:    d.deps.LLM.Models().Conversational,
		System:   systemPrompt(req.Persona, req.CustomPersona, req.Memory),
		Messages: []llm.Message{{Role: models.RoleUser, Content: prompt}},
	}, chunker(emit))
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		d.log.Warn().Err(err).Str("ticker", ticker).Msg("summary model failed, using figures")
		text = summary.String()
		if err := emit.Emit(EventChunk, text); err != nil {
			return nil, err
		}
	}

	return &models.PipelineResult{
		Kind:          models.ResultVisualization,
		Text:          text,
		Visualization: viz,
	}, nil
}
