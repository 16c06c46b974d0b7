// Package onchain derives bitcoin valuation metrics: the ahr999
// accumulation index, MVRV from the CoinMetrics community API, and days
// until the next halving from the mempool.space tip height.
package onchain

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultMempoolBaseURL serves the chain tip height
	DefaultMempoolBaseURL = "https://mempool.space"
	// DefaultCoinMetricsBaseURL is the free community API
	DefaultCoinMetricsBaseURL = "https://community-api.coinmetrics.io"

	blocksPerHalving = 210_000
	minutesPerBlock  = 10.0
)

// genesisDate anchors the ahr999 age term
var genesisDate = time.Date(2009, 1, 3, 0, 0, 0, 0, time.UTC)

// PriceSource supplies daily BTC closes, oldest first, with the most
// recent close last. The market data layer implements this over the
// exchange kline endpoint.
type PriceSource interface {
	DailyCloses(ctx context.Context, n int) ([]float64, error)
}

// Metrics is the derived on-chain snapshot
type Metrics struct {
	AHR999      float64 `json:"ahr999"`
	MVRVRatio   float64 `json:"mvrv_ratio"`
	MA200       float64 `json:"ma200"`
	HalvingDays int     `json:"halving_days"`
}

// Client computes the on-chain metrics from its upstream sources
type Client struct {
	mempoolBaseURL     string
	coinMetricsBaseURL string
	prices             PriceSource
	httpClient         *http.Client
	log                zerolog.Logger
	now                func() time.Time
}

// NewClient creates an on-chain metrics client. Empty base URLs select
// production endpoints.
func NewClient(mempoolBaseURL, coinMetricsBaseURL string, prices PriceSource, httpClient *http.Client, log zerolog.Logger) *Client {
	if mempoolBaseURL == "" {
		mempoolBaseURL = DefaultMempoolBaseURL
	}
	if coinMetricsBaseURL == "" {
		coinMetricsBaseURL = DefaultCoinMetricsBaseURL
	}
	return &Client{
		mempoolBaseURL:     mempoolBaseURL,
		coinMetricsBaseURL: coinMetricsBaseURL,
		prices:             prices,
		httpClient:         httpClient,
		log:                log.With().Str("client", "onchain").Logger(),
		now:                time.Now,
	}
}

// Fetch computes the full metrics snapshot
func (c *Client) Fetch(ctx context.Context) (*Metrics, error) {
	closes, err := c.prices.DailyCloses(ctx, 200)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch daily closes: %w", err)
	}
	if len(closes) < 200 {
		return nil, fmt.Errorf("need 200 daily closes for ahr999, got %d", len(closes))
	}

	price := closes[len(closes)-1]
	var sum float64
	for _, v := range closes {
		sum += v
	}
	ma200 := sum / float64(len(closes))

	ahr999, err := computeAHR999(price, ma200, c.now())
	if err != nil {
		return nil, err
	}

	mvrv, err := c.fetchMVRV(ctx)
	if err != nil {
		return nil, err
	}

	halvingDays, err := c.fetchHalvingDays(ctx)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		AHR999:      ahr999,
		MVRVRatio:   mvrv,
		MA200:       ma200,
		HalvingDays: halvingDays,
	}, nil
}

// computeAHR999 is (price/ma200) * (price/fitted) where fitted is the
// log-log growth model 10^(5.84*log10(ageDays) - 17.01).
func computeAHR999(price, ma200 float64, now time.Time) (float64, error) {
	if price <= 0 || ma200 <= 0 {
		return 0, fmt.Errorf("ahr999 needs positive price and ma200")
	}
	ageDays := now.Sub(genesisDate).Hours() / 24
	if ageDays <= 0 {
		return 0, fmt.Errorf("invalid chain age")
	}
	fitted := math.Pow(10, 5.84*math.Log10(ageDays)-17.01)
	return (price / ma200) * (price / fitted), nil
}

type coinMetricsResponse struct {
	Data []struct {
		Asset string `json:"asset"`
		Time  string `json:"time"`
		MVRV  string `json:"CapMVRVCur"`
	} `json:"data"`
}

func (c *Client) fetchMVRV(ctx context.Context) (float64, error) {
	endpoint := fmt.Sprintf(
		"%s/v4/timeseries/asset-metrics?assets=btc&metrics=CapMVRVCur&frequency=1d&page_size=7",
		c.coinMetricsBaseURL)

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch MVRV: %w", err)
	}

	var parsed coinMetricsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, fmt.Errorf("failed to parse MVRV response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return 0, fmt.Errorf("MVRV response has no data")
	}

	latest := parsed.Data[len(parsed.Data)-1]
	mvrv, err := strconv.ParseFloat(latest.MVRV, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid MVRV value %q: %w", latest.MVRV, err)
	}
	return mvrv, nil
}

func (c *Client) fetchHalvingDays(ctx context.Context) (int, error) {
	endpoint := fmt.Sprintf("%s/api/blocks/tip/height", c.mempoolBaseURL)

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch tip height: %w", err)
	}

	height, err := strconv.ParseInt(string(body), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid tip height %q: %w", string(body), err)
	}

	nextHalving := (height/blocksPerHalving + 1) * blocksPerHalving
	blocksLeft := nextHalving - height
	days := float64(blocksLeft) * minutesPerBlock / (60 * 24)
	return int(math.Round(days)), nil
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
