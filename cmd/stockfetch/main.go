// Command stockfetch prints price history for a ticker as a JSON array.
// On failure it writes an error object to stderr and exits non-zero.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/oscillatelabsllc/skyth/internal/stockdata"
)

var (
	baseURL string
	timeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "stockfetch <ticker> [range]",
	Short:         "Fetch stock price history as JSON",
	Long:          "Fetch OHLCV history for a ticker. Range is one of " + strings.Join(stockdata.Ranges, ", ") + " (default 1mo).",
	Args:          cobra.RangeArgs(1, 2),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		r := "1mo"
		if len(args) > 1 {
			r = args[1]
		}
		client := stockdata.NewClient(baseURL, timeout)
		return fetch(cmd.Context(), client, args[0], r, cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

func init() {
	rootCmd.Flags().StringVar(&baseURL, "base-url", stockdata.DefaultBaseURL, "Chart API base URL")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 20*time.Second, "HTTP timeout")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type historian interface {
	History(ctx context.Context, ticker, r string) ([]stockdata.Bar, error)
}

// fetch writes bars to stdout, or a stockdata.Failure to stderr and returns an error
func fetch(ctx context.Context, h historian, ticker, r string, stdout, stderr io.Writer) error {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))

	bars, err := h.History(ctx, ticker, r)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, stockdata.ErrNoData) {
			msg = "No data found for ticker " + ticker + ". It may be delisted or invalid."
		}
		json.NewEncoder(stderr).Encode(stockdata.Failure{Error: msg, Ticker: ticker, Range: r})
		return err
	}
	return json.NewEncoder(stdout).Encode(bars)
}
