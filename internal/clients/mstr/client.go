// Package mstr computes the mNAV premium of bitcoin treasury companies:
// equity market cap over the value of the bitcoin they hold. Holdings
// are a maintained table since filings lag.
package mstr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"
)

// DefaultBaseURL is the Yahoo Finance quote API
const DefaultBaseURL = "https://query1.finance.yahoo.com"

// holdings maps treasury-company tickers to their last known BTC stash
var holdings = map[string]float64{
	"MSTR": 386_000,
	"SBET": 10_000,
	"BMNR": 15_000,
}

// NAV is one company's premium snapshot. Ratio above 1 means the equity
// trades above the value of its bitcoin.
type NAV struct {
	Symbol    string  `json:"symbol"`
	Ratio     float64 `json:"ratio"`
	MarketCap float64 `json:"market_cap"`
	NAVValue  float64 `json:"nav_value"`
}

// Client fetches market caps over the shared HTTP client
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates an mNAV client. An empty baseURL selects production.
func NewClient(baseURL string, httpClient *http.Client, log zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		log:        log.With().Str("client", "mstr").Logger(),
	}
}

type quoteResponse struct {
	QuoteResponse struct {
		Result []struct {
			Symbol    string  `json:"symbol"`
			MarketCap float64 `json:"marketCap"`
		} `json:"result"`
	} `json:"quoteResponse"`
}

// NAVRatio returns the mNAV for a tracked symbol at the given BTC price
func (c *Client) NAVRatio(ctx context.Context, symbol string, btcPrice float64) (*NAV, error) {
	held, ok := holdings[symbol]
	if !ok {
		return nil, fmt.Errorf("no holdings data for %s", symbol)
	}
	if btcPrice <= 0 {
		return nil, fmt.Errorf("mNAV needs a positive BTC price")
	}

	endpoint := fmt.Sprintf("%s/v7/finance/quote?symbols=%s", c.baseURL, url.QueryEscape(symbol))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	// Yahoo rejects requests without a browser-ish UA
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch quote for %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var parsed quoteResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse quote for %s: %w", symbol, err)
	}
	if len(parsed.QuoteResponse.Result) == 0 || parsed.QuoteResponse.Result[0].MarketCap <= 0 {
		return nil, fmt.Errorf("quote for %s has no market cap", symbol)
	}

	marketCap := parsed.QuoteResponse.Result[0].MarketCap
	navValue := held * btcPrice

	return &NAV{
		Symbol:    symbol,
		Ratio:     marketCap / navValue,
		MarketCap: marketCap,
		NAVValue:  navValue,
	}, nil
}
