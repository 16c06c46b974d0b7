// Package feargreed fetches the crypto Fear & Greed index from
// alternative.me.
package feargreed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"
)

// DefaultBaseURL is the alternative.me API root
const DefaultBaseURL = "https://api.alternative.me"

// Index is the latest Fear & Greed reading, 0 (extreme fear) to 100
// (extreme greed).
type Index struct {
	Value          int    `json:"value"`
	Classification string `json:"classification"`
}

// Client fetches the index over the shared HTTP client
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates a Fear & Greed client. An empty baseURL selects
// production.
func NewClient(baseURL string, httpClient *http.Client, log zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		log:        log.With().Str("client", "feargreed").Logger(),
	}
}

type fngResponse struct {
	Data []struct {
		Value          string `json:"value"`
		Classification string `json:"value_classification"`
	} `json:"data"`
}

// Fetch returns the latest index value
func (c *Client) Fetch(ctx context.Context) (*Index, error) {
	endpoint := fmt.Sprintf("%s/fng/", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch fear & greed index: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var parsed fngResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse fear & greed response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("fear & greed response has no data")
	}

	value, err := strconv.Atoi(parsed.Data[0].Value)
	if err != nil {
		return nil, fmt.Errorf("invalid fear & greed value %q: %w", parsed.Data[0].Value, err)
	}
	if value < 0 || value > 100 {
		return nil, fmt.Errorf("fear & greed value %d out of range", value)
	}

	return &Index{
		Value:          value,
		Classification: parsed.Data[0].Classification,
	}, nil
}
