// Package binance provides the exchange client: REST ticker and kline
// endpoints plus a miniTicker WebSocket warmer for watched symbols.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/domain"
)

// DefaultBaseURL is the Binance spot REST endpoint
const DefaultBaseURL = "https://api.binance.com"

// Ticker24h is the 24-hour rolling ticker for one symbol
type Ticker24h struct {
	Symbol             string  `json:"symbol"`
	LastPrice          float64 `json:"lastPrice,string"`
	PriceChange        float64 `json:"priceChange,string"`
	PriceChangePercent float64 `json:"priceChangePercent,string"`
	HighPrice          float64 `json:"highPrice,string"`
	LowPrice           float64 `json:"lowPrice,string"`
	Volume             float64 `json:"volume,string"`
	QuoteVolume        float64 `json:"quoteVolume,string"`
	CloseTime          int64   `json:"closeTime"`
}

// Client is a thin REST client over the shared HTTP client
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates a new exchange REST client. An empty baseURL selects
// the production endpoint.
func NewClient(baseURL string, httpClient *http.Client, log zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		log:        log.With().Str("client", "binance").Logger(),
	}
}

// Ticker fetches the 24h rolling ticker for a symbol
func (c *Client) Ticker(ctx context.Context, symbol string) (*Ticker24h, error) {
	endpoint := fmt.Sprintf("%s/api/v3/ticker/24hr?symbol=%s", c.baseURL, url.QueryEscape(symbol))

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch ticker for %s: %w", symbol, err)
	}

	var ticker Ticker24h
	if err := json.Unmarshal(body, &ticker); err != nil {
		return nil, fmt.Errorf("failed to parse ticker for %s: %w", symbol, err)
	}
	if ticker.LastPrice <= 0 {
		return nil, fmt.Errorf("ticker for %s has no last price", symbol)
	}

	return &ticker, nil
}

// Klines fetches up to limit most recent bars for a symbol and timeframe
func (c *Client) Klines(ctx context.Context, symbol string, tf domain.Timeframe, limit int) ([]domain.PriceBar, error) {
	return c.KlinesSince(ctx, symbol, tf, 0, limit)
}

// KlinesSince fetches bars with open_time strictly greater than after
// (Unix millis). after=0 fetches the most recent bars.
func (c *Client) KlinesSince(ctx context.Context, symbol string, tf domain.Timeframe, after int64, limit int) ([]domain.PriceBar, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", string(tf))
	params.Set("limit", strconv.Itoa(limit))
	if after > 0 {
		// The API's startTime is inclusive; step past the known bar
		params.Set("startTime", strconv.FormatInt(after+1, 10))
	}

	endpoint := fmt.Sprintf("%s/api/v3/klines?%s", c.baseURL, params.Encode())

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch klines for %s %s: %w", symbol, tf, err)
	}

	var raw [][]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse klines for %s %s: %w", symbol, tf, err)
	}

	bars := make([]domain.PriceBar, 0, len(raw))
	for _, row := range raw {
		if len(row) < 6 {
			continue
		}
		openTime, ok := row[0].(float64)
		if !ok {
			continue
		}
		bars = append(bars, domain.PriceBar{
			Symbol:    symbol,
			Timeframe: tf,
			OpenTime:  int64(openTime),
			Open:      parseFloat(row[1]),
			High:      parseFloat(row[2]),
			Low:       parseFloat(row[3]),
			Close:     parseFloat(row[4]),
			Volume:    parseFloat(row[5]),
		})
	}

	return bars, nil
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	return body, nil
}

// parseFloat handles the API's string-encoded numeric fields
func parseFloat(v interface{}) float64 {
	switch val := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(val, 64)
		return f
	case float64:
		return val
	}
	return 0
}
