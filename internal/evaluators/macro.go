package evaluators

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/clients/etfflows"
	"github.com/aristath/strategos/internal/clients/feargreed"
	"github.com/aristath/strategos/internal/clients/fred"
	"github.com/aristath/strategos/internal/clients/miners"
	"github.com/aristath/strategos/internal/clients/mstr"
	"github.com/aristath/strategos/internal/clients/onchain"
	"github.com/aristath/strategos/internal/clients/stablecoin"
	"github.com/aristath/strategos/internal/domain"
	"github.com/aristath/strategos/internal/marketdata"
)

// Conviction normalization bounds: the weighted raw score spans roughly
// [-16, +15], mapped linearly onto [0, 100].
const (
	macroRawOffset = 16
	macroRawSpan   = 31

	macroBuyThreshold  = 70
	macroSellThreshold = 30

	// macroMaxEquityFraction caps the suggested notional
	macroMaxEquityFraction = 0.20

	// etfFlowThreshold is the combined daily flow that moves the score
	etfFlowThreshold = 200e6

	// stablecoinFlatBandPct treats quarter-over-quarter supply moves
	// inside this band as noise
	stablecoinFlatBandPct = 1.0
)

// Advisor is the optional LLM commentary client
type Advisor interface {
	Enabled() bool
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// indicatorScore is one macro input's contribution
type indicatorScore struct {
	Name   string  `json:"name"`
	Score  int     `json:"score"`
	Weight float64 `json:"weight"`
	Absent bool    `json:"absent"`
	Detail string  `json:"detail"`
}

// MacroEvaluator scores the market regime from macro, sentiment,
// on-chain, and institutional inputs.
type MacroEvaluator struct {
	advisor    Advisor
	llmTimeout time.Duration
	log        zerolog.Logger
}

// NewMacroEvaluator creates the macro-trend evaluator. advisor may be
// nil when commentary is disabled globally.
func NewMacroEvaluator(advisor Advisor, llmTimeout time.Duration, log zerolog.Logger) *MacroEvaluator {
	return &MacroEvaluator{
		advisor:    advisor,
		llmTimeout: llmTimeout,
		log:        log.With().Str("evaluator", "MACRO").Logger(),
	}
}

// Type implements Evaluator
func (e *MacroEvaluator) Type() domain.StrategyType { return domain.StrategyMacro }

// Evaluate implements Evaluator
func (e *MacroEvaluator) Evaluate(ctx context.Context, strategy *domain.Strategy, ec *Context) (*domain.Decision, *domain.Trace, error) {
	trace := domain.NewTrace()

	var params domain.MacroParams
	if err := json.Unmarshal(strategy.Parameters, &params); err != nil {
		return nil, trace, fmt.Errorf("invalid MACRO parameters: %w", err)
	}
	if err := params.Validate(); err != nil {
		return nil, trace, err
	}

	keys := []string{
		marketdata.SourceMacroFRED,
		marketdata.SourceFearGreed,
		marketdata.SourceETFFlows,
		marketdata.SourceOnChain,
		marketdata.SourceMiners,
		marketdata.SourceStablecoin,
		marketdata.SourceMNAV,
	}

	start := time.Now()
	results := ec.Market.GetAll(ctx, keys)
	freshness := make(map[string]string, len(results))
	for k, r := range results {
		freshness[k] = string(r.Freshness)
	}
	trace.Add(domain.StepFetch, "macro_inputs",
		map[string]interface{}{"keys": keys},
		freshness,
		time.Since(start))

	scores := e.scoreAll(results, trace)

	var raw float64
	absent := 0
	for _, s := range scores {
		if s.Absent {
			absent++
			continue
		}
		raw += float64(s.Score) * s.Weight
	}

	conviction := clip((raw+macroRawOffset)/macroRawSpan*100, 0, 100)

	action := domain.ActionHold
	switch {
	case conviction >= macroBuyThreshold:
		action = domain.ActionBuy
	case conviction <= macroSellThreshold:
		action = domain.ActionSell
	}

	notional := 0.0
	if action != domain.ActionHold {
		notional = ec.Account.Equity * macroMaxEquityFraction * clip(math.Abs(conviction-50)/50, 0, 1)
	}

	reason := fmt.Sprintf("macro raw %.1f conviction %.1f (%d of %d inputs absent)",
		raw, conviction, absent, len(scores))

	decision := &domain.Decision{
		Action:            action,
		Conviction:        conviction,
		SuggestedNotional: notional,
		Reason:            reason,
	}

	trace.Add(domain.StepScore, "macro_aggregate",
		map[string]interface{}{"scores": scores},
		map[string]interface{}{
			"raw": raw, "conviction": conviction,
			"action": string(action), "absent": absent,
		},
		0)

	if params.LLMEnabled && e.advisor != nil && e.advisor.Enabled() {
		e.appendCommentary(ctx, decision, scores, trace)
	}

	return decision, trace, nil
}

// appendCommentary asks the advisory model for a short summary. The
// summary only ever extends the reason text; action and conviction are
// already final.
func (e *MacroEvaluator) appendCommentary(ctx context.Context, decision *domain.Decision, scores []indicatorScore, trace *domain.Trace) {
	var sb strings.Builder
	for _, s := range scores {
		if s.Absent {
			fmt.Fprintf(&sb, "%s: absent\n", s.Name)
			continue
		}
		fmt.Fprintf(&sb, "%s: %+d (weight %.0f) %s\n", s.Name, s.Score, s.Weight, s.Detail)
	}
	fmt.Fprintf(&sb, "\nDecision: %s, conviction %.1f\n", decision.Action, decision.Conviction)

	llmCtx, cancel := context.WithTimeout(ctx, e.llmTimeout)
	defer cancel()

	start := time.Now()
	summary, err := e.advisor.Complete(llmCtx,
		"You are a terse crypto macro analyst. Summarize the scored indicator table in at most two sentences. Do not give trading advice.",
		sb.String())
	trace.Add(domain.StepLLM, "advisory_summary",
		map[string]interface{}{"prompt_chars": sb.Len()},
		map[string]interface{}{"summary": summary, "error": errString(err)},
		time.Since(start))

	if err != nil {
		e.log.Warn().Err(err).Msg("Advisory commentary failed")
		return
	}
	decision.Reason = decision.Reason + " | " + strings.TrimSpace(summary)
}

func (e *MacroEvaluator) scoreAll(results map[string]marketdata.Result, trace *domain.Trace) []indicatorScore {
	var scores []indicatorScore
	add := func(s indicatorScore) {
		scores = append(scores, s)
		trace.Add(domain.StepScore, "macro_"+s.Name,
			map[string]interface{}{"absent": s.Absent},
			map[string]interface{}{"score": s.Score, "weight": s.Weight, "detail": s.Detail},
			0)
	}

	// Liquidity and rates, weight 1
	if macro, ok := results[marketdata.SourceMacroFRED].Value.(*fred.Macro); ok {
		add(indicatorScore{Name: "fed_rate", Weight: 1,
			Score:  bandScore(macro.FedRate, 3.5, 5.0),
			Detail: fmt.Sprintf("%.2f%%", macro.FedRate)})
		add(indicatorScore{Name: "treasury_10y", Weight: 1,
			Score:  bandScore(macro.Treasury10Y, 3.5, 4.5),
			Detail: fmt.Sprintf("%.2f%%", macro.Treasury10Y)})
		add(indicatorScore{Name: "dxy", Weight: 1,
			Score:  dxyScore(macro.DXY),
			Detail: fmt.Sprintf("%.1f", macro.DXY)})
		add(indicatorScore{Name: "m2_growth", Weight: 1,
			Score:  m2Score(macro.M2GrowthYoY, macro.M2Rising),
			Detail: fmt.Sprintf("%.1f%% yoy, rising=%v", macro.M2GrowthYoY, macro.M2Rising)})
	} else {
		add(indicatorScore{Name: "fed_rate", Weight: 1, Absent: true})
		add(indicatorScore{Name: "treasury_10y", Weight: 1, Absent: true})
		add(indicatorScore{Name: "dxy", Weight: 1, Absent: true})
		add(indicatorScore{Name: "m2_growth", Weight: 1, Absent: true})
	}

	// Sentiment and flows, weight 1
	if idx, ok := results[marketdata.SourceFearGreed].Value.(*feargreed.Index); ok {
		add(indicatorScore{Name: "fear_greed", Weight: 1,
			Score:  fearGreedScore(idx.Value),
			Detail: fmt.Sprintf("%d (%s)", idx.Value, idx.Classification)})
	} else {
		add(indicatorScore{Name: "fear_greed", Weight: 1, Absent: true})
	}

	if supply, ok := results[marketdata.SourceStablecoin].Value.(*stablecoin.Supply); ok {
		add(indicatorScore{Name: "stablecoin_supply", Weight: 1,
			Score:  stablecoinScore(supply.GrowthPct()),
			Detail: fmt.Sprintf("%.0fB now vs %.0fB 90d ago", supply.TotalB, supply.Lag90B)})
	} else {
		add(indicatorScore{Name: "stablecoin_supply", Weight: 1, Absent: true})
	}

	if flows, ok := results[marketdata.SourceETFFlows].Value.(*etfflows.Flows); ok {
		combined := flows.BTC + flows.ETH*0.25 + flows.SOL*0.1
		add(indicatorScore{Name: "etf_flows", Weight: 1,
			Score:  flowScore(combined),
			Detail: fmt.Sprintf("combined %.0fM USD", combined/1e6)})
	} else {
		add(indicatorScore{Name: "etf_flows", Weight: 1, Absent: true})
	}

	// On-chain valuation, weight 2
	if metrics, ok := results[marketdata.SourceOnChain].Value.(*onchain.Metrics); ok {
		add(indicatorScore{Name: "ahr999", Weight: 2,
			Score:  bandScore(metrics.AHR999, 0.45, 1.2),
			Detail: fmt.Sprintf("%.3f", metrics.AHR999)})
		add(indicatorScore{Name: "mvrv", Weight: 2,
			Score:  bandScore(metrics.MVRVRatio, 1.0, 3.7),
			Detail: fmt.Sprintf("%.2f", metrics.MVRVRatio)})
	} else {
		add(indicatorScore{Name: "ahr999", Weight: 2, Absent: true})
		add(indicatorScore{Name: "mvrv", Weight: 2, Absent: true})
	}

	// Mining and institutional, weight 1
	if stats, ok := results[marketdata.SourceMiners].Value.(*miners.Stats); ok && stats.Total > 0 {
		share := float64(stats.Profitable) / float64(stats.Total) * 100
		add(indicatorScore{Name: "miner_profitability", Weight: 1,
			Score:  minerScore(share),
			Detail: fmt.Sprintf("%d/%d rigs (%.0f%%)", stats.Profitable, stats.Total, share)})
	} else {
		add(indicatorScore{Name: "miner_profitability", Weight: 1, Absent: true})
	}

	if nav, ok := results[marketdata.SourceMNAV].Value.(*mstr.NAV); ok {
		add(indicatorScore{Name: "mstr_mnav", Weight: 1,
			Score:  bandScore(nav.Ratio, 1.5, 4.0),
			Detail: fmt.Sprintf("%.2fx", nav.Ratio)})
	} else {
		add(indicatorScore{Name: "mstr_mnav", Weight: 1, Absent: true})
	}

	return scores
}

// bandScore maps low values to +1 and high values to -1
func bandScore(v, lowEdge, highEdge float64) int {
	switch {
	case v < lowEdge:
		return 1
	case v > highEdge:
		return -1
	}
	return 0
}

func dxyScore(dxy float64) int {
	switch {
	case dxy < 100:
		return 1
	case dxy <= 107:
		return 0
	case dxy <= 110:
		return -1
	}
	return -2
}

func m2Score(growthYoY float64, rising bool) int {
	switch {
	case growthYoY > 5 && rising:
		return 1
	case growthYoY < 0:
		return -1
	}
	return 0
}

func fearGreedScore(value int) int {
	switch {
	case value <= 25:
		return 1
	case value >= 80:
		return -1
	}
	return 0
}

func stablecoinScore(growthPct float64) int {
	switch {
	case growthPct > stablecoinFlatBandPct:
		return 1
	case growthPct < -stablecoinFlatBandPct:
		return -1
	}
	return 0
}

func flowScore(combinedUSD float64) int {
	switch {
	case combinedUSD > etfFlowThreshold:
		return 1
	case combinedUSD < -etfFlowThreshold:
		return -1
	}
	return 0
}

func minerScore(profitableSharePct float64) int {
	switch {
	case profitableSharePct > 70:
		return 1
	case profitableSharePct < 40:
		return -1
	}
	return 0
}
