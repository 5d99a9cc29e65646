// Package stockdata fetches daily and intraday price history from the Yahoo
// Finance chart API. It backs the stockfetch command.
package stockdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultBaseURL is the public chart endpoint
const DefaultBaseURL = "https://query1.finance.yahoo.com/v8/finance/chart/"

// Ranges lists the accepted range values in ascending span
var Ranges = []string{"1d", "5d", "1wk", "1mo", "3mo", "6mo", "ytd", "1y", "2y", "5y", "10y", "max"}

// ErrNoData is returned when the provider has no rows for a ticker
var ErrNoData = errors.New("no data found for ticker")

// ValidRange reports whether r is an accepted range
func ValidRange(r string) bool {
	for _, v := range Ranges {
		if v == r {
			return true
		}
	}
	return false
}

// Bar is one OHLCV row
type Bar struct {
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// Failure is the error object written to stderr on failure
type Failure struct {
	Error  string `json:"error"`
	Ticker string `json:"ticker"`
	Range  string `json:"range"`
}

// Client talks to the chart API
type Client struct {
	baseURL string
	client  *http.Client
	now     func() time.Time
}

// NewClient creates a client; an empty baseURL uses DefaultBaseURL
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		now:     time.Now,
	}
}

// Interval returns the bar interval used for a range
func Interval(r string) string {
	if r == "1d" {
		return "1h"
	}
	return "1d"
}

// History returns bars for ticker over r sorted by date. When nothing is
// found and the ticker has no suffix it retries as a crypto pair TICKER-USD.
func (c *Client) History(ctx context.Context, ticker, r string) ([]Bar, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return nil, fmt.Errorf("ticker is required")
	}
	if !ValidRange(r) {
		return nil, fmt.Errorf("invalid range %q (must be one of %s)", r, strings.Join(Ranges, ", "))
	}

	bars, err := c.fetch(ctx, ticker, r)
	if errors.Is(err, ErrNoData) && !strings.Contains(ticker, "-") {
		bars, err = c.fetch(ctx, ticker+"-USD", r)
	}
	if err != nil {
		return nil, err
	}
	return bars, nil
}

type chartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*int64   `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

func (c *Client) fetch(ctx context.Context, ticker, r string) ([]Bar, error) {
	q := url.Values{}
	q.Set("interval", Interval(r))
	if r == "1wk" {
		// the chart API has no week range
		now := c.now()
		q.Set("period1", strconv.FormatInt(now.AddDate(0, 0, -7).Unix(), 10))
		q.Set("period2", strconv.FormatInt(now.Unix(), 10))
	} else {
		q.Set("range", r)
	}

	endpoint := c.baseURL + url.PathEscape(ticker) + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; stockfetch/1.0)")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call chart API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNoData
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("chart API returned status %d: %s", resp.StatusCode, string(body))
	}

	var chart chartResponse
	if err := json.NewDecoder(resp.Body).Decode(&chart); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if chart.Chart.Error != nil {
		if chart.Chart.Error.Code == "Not Found" {
			return nil, ErrNoData
		}
		return nil, fmt.Errorf("chart API error: %s", chart.Chart.Error.Description)
	}
	if len(chart.Chart.Result) == 0 || len(chart.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, ErrNoData
	}

	result := chart.Chart.Result[0]
	quote := result.Indicators.Quote[0]
	bars := make([]Bar, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		closeVal := at(quote.Close, i)
		if closeVal == nil {
			continue
		}
		bar := Bar{
			Date:  time.Unix(ts, 0).UTC().Format(time.RFC3339),
			Close: *closeVal,
		}
		if v := at(quote.Open, i); v != nil {
			bar.Open = *v
		}
		if v := at(quote.High, i); v != nil {
			bar.High = *v
		}
		if v := at(quote.Low, i); v != nil {
			bar.Low = *v
		}
		if i < len(quote.Volume) && quote.Volume[i] != nil {
			bar.Volume = *quote.Volume[i]
		}
		bars = append(bars, bar)
	}
	if len(bars) == 0 {
		return nil, ErrNoData
	}

	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Date < bars[j].Date })
	return bars, nil
}

func at(values []*float64, i int) *float64 {
	if i < len(values) {
		return values[i]
	}
	return nil
}
