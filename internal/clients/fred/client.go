// Package fred fetches macro-economic series from the FRED API:
// fed funds rate, 10-year treasury yield, dollar index, and M2 growth.
package fred

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rs/zerolog"
)

// DefaultBaseURL is the FRED observations endpoint
const DefaultBaseURL = "https://api.stlouisfed.org/fred/series/observations"

// Series identifiers
const (
	seriesFedFunds   = "FEDFUNDS"
	seriesTreasury10 = "DGS10"
	seriesDollarIdx  = "DTWEXBGS"
	seriesM2         = "M2SL"
)

// Macro is the latest snapshot of the tracked macro series. M2GrowthYoY is
// computed from the monthly M2SL series; M2Rising compares the latest two
// observations.
type Macro struct {
	FedRate     float64 `json:"fed_rate"`
	Treasury10Y float64 `json:"treasury_10y"`
	DXY         float64 `json:"dxy"`
	M2GrowthYoY float64 `json:"m2_growth_yoy"`
	M2Rising    bool    `json:"m2_rising"`
}

// Client fetches FRED series over the shared HTTP client
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates a FRED client. An empty baseURL selects production.
func NewClient(baseURL, apiKey string, httpClient *http.Client, log zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: httpClient,
		log:        log.With().Str("client", "fred").Logger(),
	}
}

// Fetch returns the latest macro snapshot
func (c *Client) Fetch(ctx context.Context) (*Macro, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("FRED_API_KEY not configured")
	}

	fedRate, err := c.latest(ctx, seriesFedFunds)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch fed rate: %w", err)
	}
	treasury, err := c.latest(ctx, seriesTreasury10)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch 10y treasury: %w", err)
	}
	dxy, err := c.latest(ctx, seriesDollarIdx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch dollar index: %w", err)
	}

	// M2 is monthly; 14 observations cover a year plus the rising check
	m2, err := c.observations(ctx, seriesM2, 14)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch M2: %w", err)
	}
	if len(m2) < 13 || m2[12] <= 0 {
		return nil, fmt.Errorf("not enough M2 history to compute YoY growth")
	}

	return &Macro{
		FedRate:     fedRate,
		Treasury10Y: treasury,
		DXY:         dxy,
		M2GrowthYoY: (m2[0] - m2[12]) / m2[12] * 100,
		M2Rising:    m2[0] > m2[1],
	}, nil
}

type observationsResponse struct {
	Observations []struct {
		Date  string `json:"date"`
		Value string `json:"value"`
	} `json:"observations"`
}

func (c *Client) latest(ctx context.Context, seriesID string) (float64, error) {
	obs, err := c.observations(ctx, seriesID, 5)
	if err != nil {
		return 0, err
	}
	if len(obs) == 0 {
		return 0, fmt.Errorf("series %s has no usable observations", seriesID)
	}
	return obs[0], nil
}

// observations returns up to limit values, newest first, skipping the
// missing-value placeholder rows the API emits for market holidays.
func (c *Client) observations(ctx context.Context, seriesID string, limit int) ([]float64, error) {
	params := url.Values{}
	params.Set("series_id", seriesID)
	params.Set("api_key", c.apiKey)
	params.Set("file_type", "json")
	params.Set("sort_order", "desc")
	params.Set("limit", strconv.Itoa(limit))

	endpoint := fmt.Sprintf("%s?%s", c.baseURL, params.Encode())

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

	var parsed observationsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse observations for %s: %w", seriesID, err)
	}

	values := make([]float64, 0, len(parsed.Observations))
	for _, obs := range parsed.Observations {
		// FRED uses "." for dates with no published value
		if obs.Value == "." || obs.Value == "" {
			continue
		}
		v, err := strconv.ParseFloat(obs.Value, 64)
		if err != nil {
			continue
		}
		values = append(values, v)
	}

	return values, nil
}
