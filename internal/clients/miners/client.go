// Package miners estimates how many common ASIC rigs are profitable at
// the current bitcoin price, from WhatToMine network stats and a fixed
// rig table.
package miners

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"
)

// DefaultBaseURL serves WhatToMine coin stats
const DefaultBaseURL = "https://whattomine.com"

// electricityUSDPerKWh is the reference power price for shutdown levels
const electricityUSDPerKWh = 0.06

// rig is one reference ASIC model
type rig struct {
	Name     string
	Hashrate float64 // TH/s
	Power    float64 // watts
}

// knownRigs spans efficient new hardware down to older machines near
// their shutdown price.
var knownRigs = []rig{
	{"Antminer S21 XP Hyd", 473, 5676},
	{"Antminer S21 Pro", 234, 3510},
	{"Antminer S21", 200, 3500},
	{"Antminer S19 XP Hyd", 255, 5304},
	{"Antminer S19 Pro", 110, 3250},
	{"Whatsminer M60S", 186, 3441},
	{"Whatsminer M50S", 126, 3276},
	{"Avalon A1566", 185, 5180},
	{"Antminer S19k Pro", 120, 2760},
	{"Antminer S19j Pro", 96, 3068},
}

// Stats is the profitability summary used as a capitulation signal
type Stats struct {
	Profitable int     `json:"profitable"`
	Total      int     `json:"total"`
	NetworkTHs float64 `json:"network_ths"`
}

// Client fetches network stats and evaluates the rig table
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates a miner-profitability client. An empty baseURL
// selects production.
func NewClient(baseURL string, httpClient *http.Client, log zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		log:        log.With().Str("client", "miners").Logger(),
	}
}

type coinStats struct {
	BlockTime    float64 `json:"block_time,string"`
	BlockReward  float64 `json:"block_reward"`
	Nethash      float64 `json:"nethash"` // H/s
	ExchangeRate float64 `json:"exchange_rate"`
}

// Fetch evaluates rig profitability at the current price
func (c *Client) Fetch(ctx context.Context) (*Stats, error) {
	endpoint := fmt.Sprintf("%s/coins/1.json", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch network stats: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var stats coinStats
	if err := json.Unmarshal(body, &stats); err != nil {
		return nil, fmt.Errorf("failed to parse network stats: %w", err)
	}
	if stats.BlockTime <= 0 || stats.Nethash <= 0 || stats.ExchangeRate <= 0 {
		return nil, fmt.Errorf("network stats incomplete: block_time=%v nethash=%v price=%v",
			stats.BlockTime, stats.Nethash, stats.ExchangeRate)
	}

	nethashTHs := stats.Nethash / 1e12
	result := evaluate(stats.BlockTime, stats.BlockReward, nethashTHs, stats.ExchangeRate)
	result.NetworkTHs = nethashTHs
	return result, nil
}

// evaluate counts rigs whose shutdown price is below the current BTC
// price. Shutdown is the price where daily power cost equals daily BTC
// revenue.
func evaluate(blockTime, blockReward, nethashTHs, btcPrice float64) *Stats {
	dailyBTCPerTH := (86400 / blockTime) * blockReward / nethashTHs

	profitable := 0
	for _, r := range knownRigs {
		dailyBTC := dailyBTCPerTH * r.Hashrate
		dailyPowerCost := r.Power / 1000 * 24 * electricityUSDPerKWh
		if dailyBTC <= 0 {
			continue
		}
		shutdown := dailyPowerCost / dailyBTC
		if btcPrice > shutdown {
			profitable++
		}
	}

	return &Stats{Profitable: profitable, Total: len(knownRigs)}
}
