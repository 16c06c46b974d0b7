// Package etfflows fetches daily spot-ETF net flows for the major
// assets. The upstream endpoint is configurable since flow aggregators
// come and go; the engine treats missing flows as an absent input.
package etfflows

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"
)

// Flows holds the latest daily net flows in USD. Positive means net
// inflow.
type Flows struct {
	BTC float64 `json:"btc"`
	ETH float64 `json:"eth"`
	SOL float64 `json:"sol"`
}

// Client fetches ETF flows from a configured aggregator endpoint
type Client struct {
	endpoint   string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates an ETF-flows client. An empty endpoint disables the
// source: Fetch reports it as unconfigured and the cache records the
// input as absent.
func NewClient(endpoint string, httpClient *http.Client, log zerolog.Logger) *Client {
	return &Client{
		endpoint:   endpoint,
		httpClient: httpClient,
		log:        log.With().Str("client", "etfflows").Logger(),
	}
}

type flowsResponse struct {
	BTC float64 `json:"btc_flow_usd"`
	ETH float64 `json:"eth_flow_usd"`
	SOL float64 `json:"sol_flow_usd"`
}

// Fetch returns the latest daily flows
func (c *Client) Fetch(ctx context.Context) (*Flows, error) {
	if c.endpoint == "" {
		return nil, fmt.Errorf("ETF_FLOWS_URL not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch ETF flows: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var parsed flowsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse ETF flows: %w", err)
	}

	return &Flows{BTC: parsed.BTC, ETH: parsed.ETH, SOL: parsed.SOL}, nil
}
