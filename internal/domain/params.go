package domain

import (
	"encoding/json"
	"fmt"
)

// TAParams configures the technical-indicator evaluator
type TAParams struct {
	Timeframes    []Timeframe `json:"timeframes"`
	BuyThreshold  float64     `json:"buy_threshold"`
	SellThreshold float64     `json:"sell_threshold"`
	ATRStopMult   float64     `json:"atr_stop_mult"`
	ATRTargetMult float64     `json:"atr_target_mult"`
	KlinesLimit   int         `json:"klines_limit"`
	BaseSizePct   float64     `json:"base_size_pct"`
}

// DefaultTAParams returns the documented defaults
func DefaultTAParams() TAParams {
	return TAParams{
		Timeframes:    []Timeframe{Timeframe15m, Timeframe1h, Timeframe4h},
		BuyThreshold:  65,
		SellThreshold: 35,
		ATRStopMult:   2.0,
		ATRTargetMult: 3.0,
		KlinesLimit:   300,
		BaseSizePct:   10,
	}
}

// allowedTATimeframes is the ordered set the TA evaluator accepts
var allowedTATimeframes = []Timeframe{Timeframe15m, Timeframe1h, Timeframe4h, Timeframe1d}

// Validate checks the parameter record for coherence
func (p *TAParams) Validate() error {
	if len(p.Timeframes) == 0 {
		return fmt.Errorf("timeframes must not be empty")
	}
	seen := make(map[Timeframe]bool, len(p.Timeframes))
	for _, tf := range p.Timeframes {
		allowed := false
		for _, a := range allowedTATimeframes {
			if tf == a {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("timeframe %q not supported (allowed: 15m, 1h, 4h, 1d)", tf)
		}
		if seen[tf] {
			return fmt.Errorf("duplicate timeframe %q", tf)
		}
		seen[tf] = true
	}
	if p.BuyThreshold <= p.SellThreshold {
		return fmt.Errorf("buy_threshold (%v) must exceed sell_threshold (%v)", p.BuyThreshold, p.SellThreshold)
	}
	if p.KlinesLimit < 50 {
		return fmt.Errorf("klines_limit must be at least 50, got %d", p.KlinesLimit)
	}
	if p.BaseSizePct <= 0 || p.BaseSizePct > 100 {
		return fmt.Errorf("base_size_pct must be in (0,100], got %v", p.BaseSizePct)
	}
	return nil
}

// MacroParams configures the macro-trend evaluator
type MacroParams struct {
	Symbol     string `json:"symbol"`
	LLMEnabled bool   `json:"llm_enabled"`
}

// DefaultMacroParams returns the documented defaults
func DefaultMacroParams() MacroParams {
	return MacroParams{Symbol: "BTCUSDT"}
}

// Validate checks the parameter record for coherence
func (p *MacroParams) Validate() error {
	if p.Symbol == "" {
		return fmt.Errorf("symbol must not be empty")
	}
	return nil
}

// GridLot is one open grid purchase, consumed FIFO on upward crosses
type GridLot struct {
	Amount float64 `json:"amount"`
	Price  float64 `json:"price"`
}

// GridParams configures the grid evaluator. Levels, LevelIndex, and Lots
// are runtime state written back after each run.
type GridParams struct {
	LowerPrice     float64 `json:"lower_price"`
	UpperPrice     float64 `json:"upper_price"`
	GridCount      int     `json:"grid_count"`
	CapitalPerGrid float64 `json:"capital_per_grid"`

	Levels     []float64 `json:"levels,omitempty"`
	LevelIndex *int      `json:"level_index,omitempty"`
	Lots       []GridLot `json:"lots,omitempty"`
}

// Validate checks the parameter record for coherence
func (p *GridParams) Validate() error {
	if p.LowerPrice <= 0 {
		return fmt.Errorf("lower_price must be positive, got %v", p.LowerPrice)
	}
	if p.UpperPrice <= p.LowerPrice {
		return fmt.Errorf("upper_price (%v) must exceed lower_price (%v)", p.UpperPrice, p.LowerPrice)
	}
	if p.GridCount < 2 {
		return fmt.Errorf("grid_count must be at least 2, got %d", p.GridCount)
	}
	if p.CapitalPerGrid <= 0 {
		return fmt.Errorf("capital_per_grid must be positive, got %v", p.CapitalPerGrid)
	}
	return nil
}

// ValidateParameters parses and validates a raw parameter blob for the
// given strategy type. Called at strategy create and update.
func ValidateParameters(t StrategyType, raw []byte) error {
	if len(raw) == 0 {
		return fmt.Errorf("parameters must not be empty")
	}
	switch t {
	case StrategyTA:
		var p TAParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("invalid TA parameters: %w", err)
		}
		return p.Validate()
	case StrategyMacro:
		var p MacroParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("invalid MACRO parameters: %w", err)
		}
		return p.Validate()
	case StrategyGrid:
		var p GridParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("invalid GRID parameters: %w", err)
		}
		return p.Validate()
	}
	return fmt.Errorf("unknown strategy type %q", t)
}
