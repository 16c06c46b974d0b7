package evaluators

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/domain"
)

// Grid decision reasons
const (
	ReasonGridCrossDown  = "grid_cross_down"
	ReasonGridCrossUp    = "grid_cross_up"
	ReasonGridOutOfRange = "grid_out_of_range"
	ReasonGridHold       = "grid_hold"
)

// gridConviction is fixed: grid trades are mechanical
const gridConviction = 80

// GridEvaluator trades a fixed ladder of log-spaced price levels. Level
// state and open lots live in the strategy's parameter blob; the
// scheduler persists it back after each run.
type GridEvaluator struct {
	log zerolog.Logger
}

// NewGridEvaluator creates the grid evaluator
func NewGridEvaluator(log zerolog.Logger) *GridEvaluator {
	return &GridEvaluator{log: log.With().Str("evaluator", "GRID").Logger()}
}

// Type implements Evaluator
func (e *GridEvaluator) Type() domain.StrategyType { return domain.StrategyGrid }

// Evaluate implements Evaluator. A decision with reason
// ReasonGridOutOfRange asks the scheduler to pause the strategy.
func (e *GridEvaluator) Evaluate(ctx context.Context, strategy *domain.Strategy, ec *Context) (*domain.Decision, *domain.Trace, error) {
	trace := domain.NewTrace()

	var params domain.GridParams
	if err := json.Unmarshal(strategy.Parameters, &params); err != nil {
		return nil, trace, fmt.Errorf("invalid GRID parameters: %w", err)
	}
	if err := params.Validate(); err != nil {
		return nil, trace, err
	}

	start := time.Now()
	price, err := ec.TickerPrice(ctx, strategy.Symbol)
	trace.Add(domain.StepFetch, "ticker",
		map[string]interface{}{"symbol": strategy.Symbol},
		map[string]interface{}{"price": price, "error": errString(err)},
		time.Since(start))
	if err != nil {
		return nil, trace, err
	}

	if len(params.Levels) != params.GridCount+1 {
		params.Levels = gridLevels(params.LowerPrice, params.UpperPrice, params.GridCount)
		idx := nearestLevel(params.Levels, price)
		params.LevelIndex = &idx
		trace.Add(domain.StepCompute, "grid_init",
			map[string]interface{}{"lower": params.LowerPrice, "upper": params.UpperPrice, "count": params.GridCount},
			map[string]interface{}{"levels": params.Levels, "level_index": idx},
			0)
	}

	if price < params.LowerPrice || price > params.UpperPrice {
		decision := &domain.Decision{
			Action: domain.ActionHold,
			Reason: ReasonGridOutOfRange,
		}
		trace.Add(domain.StepScore, "grid_decision",
			map[string]interface{}{"price": price},
			map[string]interface{}{"action": "HOLD", "reason": ReasonGridOutOfRange},
			0)
		e.saveState(strategy, &params)
		return decision, trace, nil
	}

	levelIdx := *params.LevelIndex
	floorIdx := floorLevel(params.Levels, price)

	// A downward cross means the price fell below a level strictly under
	// the anchor; the crossed level is the first one above the price.
	// Sitting inside the anchor's own cell (floorIdx == levelIdx-1) is
	// not a cross — that is where a freshly initialized grid starts when
	// the nearest level is above the price.
	decision := &domain.Decision{Action: domain.ActionHold, Reason: ReasonGridHold}
	switch {
	case floorIdx+1 < levelIdx:
		// Anchor on the lowest crossed level and buy one grid's capital
		crossedIdx := floorIdx + 1
		params.LevelIndex = &crossedIdx
		params.Lots = append(params.Lots, domain.GridLot{
			Amount: params.CapitalPerGrid / price,
			Price:  price,
		})
		decision = &domain.Decision{
			Action:            domain.ActionBuy,
			Conviction:        gridConviction,
			SuggestedNotional: params.CapitalPerGrid,
			Reason:            ReasonGridCrossDown,
		}

	case floorIdx > levelIdx && len(params.Lots) > 0:
		// Crossed up past a rung with an open lot: sell it, FIFO. Lots
		// are sized from the pre-fill price, so the fill landed net of
		// fee and slippage; never ask for more than is actually held.
		lot := params.Lots[0]
		params.Lots = params.Lots[1:]
		params.LevelIndex = &floorIdx
		amount := lot.Amount
		if pos, ok := ec.Account.PositionFor(strategy.Symbol); ok && pos.Amount < amount {
			amount = pos.Amount
		}
		decision = &domain.Decision{
			Action:          domain.ActionSell,
			Conviction:      gridConviction,
			SuggestedAmount: amount,
			Reason:          ReasonGridCrossUp,
		}

	case floorIdx > levelIdx:
		// Upward cross with nothing bought below; just track the level
		params.LevelIndex = &floorIdx
	}

	trace.Add(domain.StepScore, "grid_decision",
		map[string]interface{}{"price": price, "level_index": levelIdx, "floor_index": floorIdx, "open_lots": len(params.Lots)},
		map[string]interface{}{"action": string(decision.Action), "reason": decision.Reason},
		0)

	e.saveState(strategy, &params)
	return decision, trace, nil
}

// saveState writes the grid runtime state back into the strategy's
// parameter blob for the scheduler to persist.
func (e *GridEvaluator) saveState(strategy *domain.Strategy, params *domain.GridParams) {
	blob, err := json.Marshal(params)
	if err != nil {
		e.log.Error().Err(err).Int64("strategy_id", strategy.ID).Msg("Failed to encode grid state")
		return
	}
	strategy.Parameters = blob
}

// gridLevels returns count+1 levels equally spaced in log-space
func gridLevels(lower, upper float64, count int) []float64 {
	levels := make([]float64, count+1)
	logLower := math.Log(lower)
	step := (math.Log(upper) - logLower) / float64(count)
	for i := range levels {
		levels[i] = math.Exp(logLower + float64(i)*step)
	}
	// Pin the endpoints exactly
	levels[0] = lower
	levels[count] = upper
	return levels
}

// nearestLevel returns the index of the level closest to price
func nearestLevel(levels []float64, price float64) int {
	best := 0
	bestDist := math.Abs(levels[0] - price)
	for i, level := range levels[1:] {
		if d := math.Abs(level - price); d < bestDist {
			best = i + 1
			bestDist = d
		}
	}
	return best
}

// floorLevel returns the highest index whose level is at or below price,
// or 0 when price sits below every level.
func floorLevel(levels []float64, price float64) int {
	idx := 0
	for i, level := range levels {
		if level <= price {
			idx = i
		}
	}
	return idx
}
