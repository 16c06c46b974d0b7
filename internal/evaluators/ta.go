package evaluators

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/domain"
	"github.com/aristath/strategos/internal/indicators"
)

// Per-timeframe aggregation weights. Three-timeframe strategies use the
// classic 15m/1h/4h split; anything else renormalizes the four-way
// weights over the selected set.
var (
	threeTimeframeWeights = map[domain.Timeframe]float64{
		domain.Timeframe15m: 0.15,
		domain.Timeframe1h:  0.35,
		domain.Timeframe4h:  0.50,
	}
	fourTimeframeWeights = map[domain.Timeframe]float64{
		domain.Timeframe15m: 0.10,
		domain.Timeframe1h:  0.20,
		domain.Timeframe4h:  0.30,
		domain.Timeframe1d:  0.40,
	}
)

// Grade labels how convincing the cross-timeframe picture is
type Grade string

const (
	GradeA Grade = "A"
	GradeB Grade = "B"
	GradeC Grade = "C"
)

// timeframeScore is one timeframe's contribution to the aggregate
type timeframeScore struct {
	Timeframe   domain.Timeframe   `json:"timeframe"`
	Score       float64            `json:"score"`
	Adjustments map[string]float64 `json:"adjustments"`
	MACDCross   indicators.Cross   `json:"macd_cross"`
}

// TAEvaluator scores price action across timeframes
type TAEvaluator struct {
	log zerolog.Logger
}

// NewTAEvaluator creates the technical-indicator evaluator
func NewTAEvaluator(log zerolog.Logger) *TAEvaluator {
	return &TAEvaluator{log: log.With().Str("evaluator", "TA").Logger()}
}

// Type implements Evaluator
func (e *TAEvaluator) Type() domain.StrategyType { return domain.StrategyTA }

// Evaluate implements Evaluator
func (e *TAEvaluator) Evaluate(ctx context.Context, strategy *domain.Strategy, ec *Context) (*domain.Decision, *domain.Trace, error) {
	trace := domain.NewTrace()

	var params domain.TAParams
	if err := json.Unmarshal(strategy.Parameters, &params); err != nil {
		return nil, trace, fmt.Errorf("invalid TA parameters: %w", err)
	}
	if err := params.Validate(); err != nil {
		return nil, trace, err
	}

	timeframes := orderedTimeframes(params.Timeframes)
	scores := make([]timeframeScore, 0, len(timeframes))
	var primaryBars []domain.PriceBar
	primary := primaryTimeframe(timeframes)

	for _, tf := range timeframes {
		start := time.Now()
		bars, source, err := ec.Market.Bars(ctx, strategy.Symbol, tf, params.KlinesLimit)
		trace.Add(domain.StepFetch, fmt.Sprintf("klines_%s", tf),
			map[string]interface{}{"symbol": strategy.Symbol, "timeframe": string(tf), "limit": params.KlinesLimit},
			map[string]interface{}{"bars": len(bars), "source": source, "error": errString(err)},
			time.Since(start))
		if err != nil {
			return nil, trace, fmt.Errorf("failed to fetch %s bars: %w", tf, err)
		}

		ts := e.scoreTimeframe(tf, bars, trace)
		scores = append(scores, ts)
		if tf == primary {
			primaryBars = bars
		}
	}

	aggregate, conflict := aggregateScores(scores, timeframes)
	grade := gradeScores(scores, aggregate, primary)

	action := domain.ActionHold
	switch {
	case conflict:
		// Timeframes disagree; sit out
	case aggregate >= params.BuyThreshold:
		action = domain.ActionBuy
	case aggregate <= params.SellThreshold:
		action = domain.ActionSell
	}

	decision := &domain.Decision{
		Action:     action,
		Conviction: aggregate,
		Reason:     fmt.Sprintf("TA score %.1f grade %s (%s primary)", aggregate, grade, primary),
	}
	if conflict {
		decision.Reason = fmt.Sprintf("TA conflict: timeframes disagree, holding (%s primary)", primary)
	}

	if action != domain.ActionHold && len(primaryBars) > 0 {
		price := primaryBars[len(primaryBars)-1].Close
		if atr, err := indicators.ATR(primaryBars, 14); err == nil && atr > 0 {
			var stop, target float64
			if action == domain.ActionBuy {
				stop = price - atr*params.ATRStopMult
				target = price + atr*params.ATRTargetMult
			} else {
				stop = price + atr*params.ATRStopMult
				target = price - atr*params.ATRTargetMult
			}
			decision.StopLoss = &stop
			decision.TakeProfit = &target
		}

		fraction := clip((math.Abs(aggregate-50)-15)/35, 0, 1) * params.BaseSizePct / 100
		decision.SuggestedNotional = fraction * ec.Account.Equity
	}

	start := time.Now()
	trace.Add(domain.StepScore, "aggregate",
		map[string]interface{}{"scores": scores},
		map[string]interface{}{
			"aggregate": aggregate, "grade": string(grade),
			"conflict": conflict, "action": string(action),
		},
		time.Since(start))

	return decision, trace, nil
}

// scoreTimeframe computes one timeframe's score, starting from the
// neutral 50 and applying additive adjustments. Indicators without
// enough history contribute nothing. Each indicator group records its
// own compute step.
func (e *TAEvaluator) scoreTimeframe(tf domain.Timeframe, bars []domain.PriceBar, trace *domain.Trace) timeframeScore {
	adjust := make(map[string]float64)
	compute := func(group string, fn func(part map[string]float64)) {
		start := time.Now()
		part := make(map[string]float64)
		fn(part)
		for k, v := range part {
			adjust[k] = v
		}
		trace.Add(domain.StepCompute, fmt.Sprintf("%s_%s", group, tf),
			map[string]interface{}{"bars": len(bars)},
			part,
			time.Since(start))
	}

	// EMA chain alignment over price>9>21>50>200
	compute("ema_chain", func(part map[string]float64) {
		if chain, err := emaChainAdjustment(bars); err == nil {
			part["ema_chain"] = chain
		}
	})

	compute("rsi", func(part map[string]float64) {
		if rsi, err := indicators.LastRSI(bars, 14); err == nil {
			switch {
			case rsi < 30:
				part["rsi"] = 10
			case rsi > 70:
				part["rsi"] = -10
			}
		}
	})

	var macdCross indicators.Cross = indicators.CrossNone
	compute("macd", func(part map[string]float64) {
		if macd, err := indicators.MACD(bars, 12, 26, 9); err == nil {
			macdCross = macd.Cross
			switch macd.Cross {
			case indicators.CrossGolden:
				part["macd_cross"] = 10
			case indicators.CrossDeath:
				part["macd_cross"] = -10
			}
			if m, _, _ := macd.Last(); macd.HistogramGrowing() && m > 0 {
				part["macd_momentum"] = 3
			}
		}
	})

	compute("bollinger", func(part map[string]float64) {
		if bb, err := indicators.Bollinger(bars, 20, 2); err == nil {
			switch {
			case bb.PercentB < 0:
				part["bollinger"] = 6
			case bb.PercentB > 1:
				part["bollinger"] = -6
			}
			if bb.Squeeze {
				if bars[len(bars)-1].Close >= bb.Mid {
					part["bb_squeeze"] = 3
				} else {
					part["bb_squeeze"] = -3
				}
			}
		}
	})

	compute("volume", func(part map[string]float64) {
		if ratio, err := indicators.VolumeRatio(bars); err == nil && len(bars) >= 2 {
			upClose := bars[len(bars)-1].Close > bars[len(bars)-2].Close
			if indicators.ClassifyVolume(ratio) == indicators.VolumeSurge {
				if upClose {
					part["volume"] = 5
				} else {
					part["volume"] = -5
				}
			}
		}
	})

	compute("trend", func(part map[string]float64) {
		if trend, err := indicators.TrendStructure(bars); err == nil {
			switch trend {
			case indicators.TrendUp:
				part["trend"] = 5
			case indicators.TrendDown:
				part["trend"] = -5
			}
		}
	})

	compute("patterns", func(part map[string]float64) {
		if patterns, err := indicators.DetectPatterns(bars); err == nil {
			if patterns.Bullish() {
				part["pattern"] = 4
			} else if patterns.Bearish() {
				part["pattern"] = -4
			}
		}
	})

	score := 50.0
	for _, v := range adjust {
		score += v
	}
	score = clip(score, 0, 100)

	trace.Add(domain.StepScore, fmt.Sprintf("score_%s", tf),
		adjust,
		map[string]interface{}{"score": score},
		0)

	return timeframeScore{Timeframe: tf, Score: score, Adjustments: adjust, MACDCross: macdCross}
}

// emaChainAdjustment checks the four chain relations price>EMA9,
// EMA9>EMA21, EMA21>EMA50, EMA50>EMA200 and scales ±15 by how many hold.
func emaChainAdjustment(bars []domain.PriceBar) (float64, error) {
	ema9, err := indicators.LastEMA(bars, 9)
	if err != nil {
		return 0, err
	}
	ema21, err := indicators.LastEMA(bars, 21)
	if err != nil {
		return 0, err
	}
	ema50, err := indicators.LastEMA(bars, 50)
	if err != nil {
		return 0, err
	}
	ema200, err := indicators.LastEMA(bars, 200)
	if err != nil {
		return 0, err
	}

	price := bars[len(bars)-1].Close
	relations := []bool{price > ema9, ema9 > ema21, ema21 > ema50, ema50 > ema200}
	aligned := 0
	for _, ok := range relations {
		if ok {
			aligned++
		}
	}
	inverted := len(relations) - aligned
	return 15 * float64(aligned-inverted) / float64(len(relations)), nil
}

// aggregateScores combines per-timeframe scores with the documented
// weights. The conflict rule forces 50 when the longest timeframe is
// bearish while a shorter one is bullish.
func aggregateScores(scores []timeframeScore, timeframes []domain.Timeframe) (float64, bool) {
	weights := weightsFor(timeframes)

	var sum, totalWeight float64
	for _, ts := range scores {
		w := weights[ts.Timeframe]
		sum += ts.Score * w
		totalWeight += w
	}
	if totalWeight == 0 {
		return 50, false
	}
	aggregate := sum / totalWeight

	longest := timeframes[len(timeframes)-1]
	var longestScore float64
	anyShortBullish := false
	for _, ts := range scores {
		if ts.Timeframe == longest {
			longestScore = ts.Score
		} else if ts.Score >= 60 {
			anyShortBullish = true
		}
	}
	if longestScore <= 40 && anyShortBullish {
		return 50, true
	}

	return aggregate, false
}

func weightsFor(timeframes []domain.Timeframe) map[domain.Timeframe]float64 {
	if len(timeframes) == 3 {
		exact := true
		for _, tf := range timeframes {
			if _, ok := threeTimeframeWeights[tf]; !ok {
				exact = false
				break
			}
		}
		if exact {
			return threeTimeframeWeights
		}
	}
	// Renormalize the four-way weights over the selected subset
	out := make(map[domain.Timeframe]float64, len(timeframes))
	var total float64
	for _, tf := range timeframes {
		total += fourTimeframeWeights[tf]
	}
	for _, tf := range timeframes {
		out[tf] = fourTimeframeWeights[tf] / total
	}
	return out
}

// gradeScores labels the cross-timeframe agreement
func gradeScores(scores []timeframeScore, aggregate float64, primary domain.Timeframe) Grade {
	extreme := 0
	aligned := 0
	var primaryCross indicators.Cross = indicators.CrossNone
	bullish := aggregate > 50

	for _, ts := range scores {
		if ts.Score >= 70 || ts.Score <= 30 {
			extreme++
		}
		if (bullish && ts.Score > 50) || (!bullish && ts.Score < 50) {
			aligned++
		}
		if ts.Timeframe == primary {
			primaryCross = ts.MACDCross
		}
	}

	n := len(scores)
	if 3*extreme >= 2*n && (aggregate >= 78 || aggregate <= 22) {
		return GradeA
	}
	if 2*aligned >= n || primaryCross != indicators.CrossNone {
		return GradeB
	}
	return GradeC
}

// primaryTimeframe picks 4h when selected, else 1h, else the longest
func primaryTimeframe(timeframes []domain.Timeframe) domain.Timeframe {
	for _, tf := range timeframes {
		if tf == domain.Timeframe4h {
			return tf
		}
	}
	for _, tf := range timeframes {
		if tf == domain.Timeframe1h {
			return tf
		}
	}
	return timeframes[len(timeframes)-1]
}

// orderedTimeframes sorts short to long
func orderedTimeframes(timeframes []domain.Timeframe) []domain.Timeframe {
	out := append([]domain.Timeframe(nil), timeframes...)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Duration() < out[j].Duration()
	})
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
