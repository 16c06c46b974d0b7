// Package stablecoin fetches aggregate stablecoin supply from DefiLlama.
// Supply growth over the trailing quarter proxies for dry powder
// entering the market.
package stablecoin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"
)

// DefaultBaseURL is the DefiLlama stablecoins API
const DefaultBaseURL = "https://stablecoins.llama.fi"

// lagDays is the lookback used for the growth signal
const lagDays = 90

// Supply holds total circulating USD-pegged supply in billions, now and
// ninety days ago.
type Supply struct {
	TotalB float64 `json:"total_b"`
	Lag90B float64 `json:"lag_90_b"`
}

// GrowthPct is the trailing-quarter supply growth in percent
func (s *Supply) GrowthPct() float64 {
	if s.Lag90B <= 0 {
		return 0
	}
	return (s.TotalB - s.Lag90B) / s.Lag90B * 100
}

// Client fetches supply history over the shared HTTP client
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates a stablecoin supply client. An empty baseURL selects
// production.
func NewClient(baseURL string, httpClient *http.Client, log zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		log:        log.With().Str("client", "stablecoin").Logger(),
	}
}

type chartPoint struct {
	Date             string `json:"date"`
	TotalCirculating struct {
		PeggedUSD float64 `json:"peggedUSD"`
	} `json:"totalCirculating"`
}

// Fetch returns the latest supply and the 90-day lagged value
func (c *Client) Fetch(ctx context.Context) (*Supply, error) {
	endpoint := fmt.Sprintf("%s/stablecoincharts/all", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch stablecoin supply: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var points []chartPoint
	if err := json.Unmarshal(body, &points); err != nil {
		return nil, fmt.Errorf("failed to parse supply history: %w", err)
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("supply history is empty")
	}

	latest := points[len(points)-1].TotalCirculating.PeggedUSD
	if latest <= 0 {
		return nil, fmt.Errorf("latest supply is not positive")
	}

	lagIdx := len(points) - 1 - lagDays
	if lagIdx < 0 {
		lagIdx = 0
	}
	lagged := points[lagIdx].TotalCirculating.PeggedUSD

	return &Supply{
		TotalB: latest / 1e9,
		Lag90B: lagged / 1e9,
	}, nil
}
