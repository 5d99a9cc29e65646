package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/oscillatelabsllc/skyth/internal/metrics"
	"github.com/oscillatelabsllc/skyth/internal/models"
	"github.com/oscillatelabsllc/skyth/internal/stockdata"
)

// StockRunner invokes the stockfetch subprocess
type StockRunner struct {
	command string
	timeout time.Duration
}

// NewStockRunner creates a runner for command (a path or a name on PATH)
func NewStockRunner(command string, timeout time.Duration) *StockRunner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &StockRunner{command: command, timeout: timeout}
}

// History runs `command TICKER RANGE` and decodes its JSON array. A non-zero
// exit is reported with the message from the subprocess's error object.
func (r *StockRunner) History(ctx context.Context, ticker, rng string) ([]stockdata.Bar, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(callCtx, r.command, ticker, rng)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// children of the command may hold the pipes open after a kill
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		return nil, r.fail(ctx, callCtx, err, stderr.Bytes())
	}

	var bars []stockdata.Bar
	if err := json.Unmarshal(stdout.Bytes(), &bars); err != nil {
		return nil, r.classified(models.CollaboratorError("stock", models.CollabUnavailable,
			fmt.Errorf("failed to decode stock data: %w", err)))
	}
	if len(bars) == 0 {
		return nil, r.classified(models.CollaboratorError("stock", models.CollabInvalidInput,
			fmt.Errorf("no data returned for %s", ticker)))
	}
	return bars, nil
}

func (r *StockRunner) fail(ctx, callCtx context.Context, err error, stderr []byte) error {
	switch {
	case ctx.Err() != nil:
		return r.classified(models.AsPipelineError(ctx.Err(), "stock"))
	case callCtx.Err() != nil:
		return r.classified(models.AsPipelineError(callCtx.Err(), "stock"))
	case errors.Is(err, exec.ErrNotFound):
		return r.classified(models.CollaboratorError("stock", models.CollabUnavailable, err))
	}

	var failure stockdata.Failure
	if jerr := json.Unmarshal(bytes.TrimSpace(stderr), &failure); jerr == nil && failure.Error != "" {
		return r.classified(models.CollaboratorError("stock", models.CollabInvalidInput, errors.New(failure.Error)))
	}
	msg := strings.TrimSpace(string(stderr))
	if msg == "" {
		msg = err.Error()
	}
	return r.classified(models.CollaboratorError("stock", models.CollabUnavailable, errors.New(msg)))
}

func (r *StockRunner) classified(pe *models.PipelineError) error {
	label := string(pe.Subtype)
	if label == "" {
		label = string(pe.Kind)
	}
	metrics.CollaboratorErrors.WithLabelValues("stock", label).Inc()
	return pe
}
