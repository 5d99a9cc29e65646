// Package collab holds the thin clients for external collaborators: web
// search, page scraping, the stock-data subprocess and the fallback image
// service. Failures are returned as classified *models.PipelineError.
package collab

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oscillatelabsllc/skyth/internal/llm"
	"github.com/oscillatelabsllc/skyth/internal/metrics"
	"github.com/oscillatelabsllc/skyth/internal/models"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// fetcher performs bounded GET requests on behalf of one collaborator
type fetcher struct {
	name     string
	client   *http.Client
	timeout  time.Duration
	maxBytes int64
}

func newFetcher(name string, timeout time.Duration, maxBytes int64) fetcher {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if maxBytes <= 0 {
		maxBytes = 2 << 20
	}
	return fetcher{
		name:     name,
		client:   &http.Client{},
		timeout:  timeout,
		maxBytes: maxBytes,
	}
}

// get returns at most maxBytes of the body at url
func (f fetcher) get(ctx context.Context, url string) ([]byte, http.Header, error) {
	callCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, f.fail(ctx, models.CollabInvalidInput, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, nil, f.fail(ctx, models.CollabNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, nil, f.fail(ctx, llm.SubtypeForStatus(resp.StatusCode),
			fmt.Errorf("%s returned status %d: %s", f.name, resp.StatusCode, string(body)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, nil, f.fail(ctx, models.CollabNetwork, fmt.Errorf("failed to read response: %w", err))
	}
	return body, resp.Header, nil
}

// fail classifies err, letting context expiry win over the given subtype
func (f fetcher) fail(ctx context.Context, subtype models.CollaboratorKind, err error) error {
	var pe *models.PipelineError
	if ctx.Err() != nil {
		pe = models.AsPipelineError(ctx.Err(), f.name)
	} else if isTimeout(err) {
		pe = models.AsPipelineError(context.DeadlineExceeded, f.name)
		pe.Err = err
	} else {
		pe = models.CollaboratorError(f.name, subtype, err)
	}
	label := string(pe.Subtype)
	if label == "" {
		label = string(pe.Kind)
	}
	metrics.CollaboratorErrors.WithLabelValues(f.name, label).Inc()
	return pe
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	t, ok := err.(timeout)
	return ok && t.Timeout()
}
