package evaluators

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

type fakeAdvisor struct {
	enabled bool
	summary string
	err     error
	calls   int
}

func (a *fakeAdvisor) Enabled() bool { return a.enabled }

func (a *fakeAdvisor) Complete(_ context.Context, _, _ string) (string, error) {
	a.calls++
	return a.summary, a.err
}

func macroStrategy(t *testing.T, params domain.MacroParams) *domain.Strategy {
	t.Helper()
	return &domain.Strategy{
		ID:         2,
		Name:       "macro-test",
		Type:       domain.StrategyMacro,
		Symbol:     "BTCUSDT",
		Status:     domain.StatusActive,
		Parameters: mustJSON(params),
	}
}

// setBullishMacro loads every input at its most favorable reading:
// weighted raw score +13.
func setBullishMacro(m *fakeMarket) {
	m.setResult(marketdata.SourceMacroFRED, &fred.Macro{
		FedRate: 3.0, Treasury10Y: 3.0, DXY: 95, M2GrowthYoY: 6, M2Rising: true,
	})
	m.setResult(marketdata.SourceFearGreed, &feargreed.Index{Value: 20, Classification: "Extreme Fear"})
	m.setResult(marketdata.SourceETFFlows, &etfflows.Flows{BTC: 500e6})
	m.setResult(marketdata.SourceOnChain, &onchain.Metrics{AHR999: 0.4, MVRVRatio: 0.8})
	m.setResult(marketdata.SourceMiners, &miners.Stats{Profitable: 9, Total: 10})
	m.setResult(marketdata.SourceStablecoin, &stablecoin.Supply{TotalB: 250, Lag90B: 240})
	m.setResult(marketdata.SourceMNAV, &mstr.NAV{Symbol: "MSTR", Ratio: 1.2})
}

// setBearishMacro loads every input at its most hostile reading:
// weighted raw score -14 (DXY above 110 counts double).
func setBearishMacro(m *fakeMarket) {
	m.setResult(marketdata.SourceMacroFRED, &fred.Macro{
		FedRate: 5.5, Treasury10Y: 5.0, DXY: 112, M2GrowthYoY: -1, M2Rising: false,
	})
	m.setResult(marketdata.SourceFearGreed, &feargreed.Index{Value: 85, Classification: "Extreme Greed"})
	m.setResult(marketdata.SourceETFFlows, &etfflows.Flows{BTC: -500e6})
	m.setResult(marketdata.SourceOnChain, &onchain.Metrics{AHR999: 1.5, MVRVRatio: 4.0})
	m.setResult(marketdata.SourceMiners, &miners.Stats{Profitable: 2, Total: 10})
	m.setResult(marketdata.SourceStablecoin, &stablecoin.Supply{TotalB: 200, Lag90B: 210})
	m.setResult(marketdata.SourceMNAV, &mstr.NAV{Symbol: "MSTR", Ratio: 5.0})
}

func TestMacroEvaluateBullish(t *testing.T) {
	market := newFakeMarket()
	setBullishMacro(market)

	e := NewMacroEvaluator(nil, time.Second, zerolog.Nop())
	decision, trace, err := e.Evaluate(context.Background(),
		macroStrategy(t, domain.DefaultMacroParams()),
		&Context{Market: market, Account: testAccount(10_000)})
	require.NoError(t, err)

	// raw +13 maps to (13+16)/31*100
	assert.Equal(t, domain.ActionBuy, decision.Action)
	assert.InDelta(t, 93.55, decision.Conviction, 0.01)

	// 20% of equity scaled by distance from neutral
	assert.InDelta(t, 10_000*0.20*(43.548/50), decision.SuggestedNotional, 0.1)

	assert.Contains(t, decision.Reason, "0 of 11 inputs absent")
	assert.GreaterOrEqual(t, trace.Len(), 13) // fetch + 11 indicators + aggregate
}

func TestMacroEvaluateBearish(t *testing.T) {
	market := newFakeMarket()
	setBearishMacro(market)

	e := NewMacroEvaluator(nil, time.Second, zerolog.Nop())
	decision, _, err := e.Evaluate(context.Background(),
		macroStrategy(t, domain.DefaultMacroParams()),
		&Context{Market: market, Account: testAccount(10_000)})
	require.NoError(t, err)

	// raw -14 maps to (-14+16)/31*100
	assert.Equal(t, domain.ActionSell, decision.Action)
	assert.InDelta(t, 6.45, decision.Conviction, 0.01)
	assert.Positive(t, decision.SuggestedNotional)
}

func TestMacroEvaluateAllAbsentHolds(t *testing.T) {
	market := newFakeMarket() // no fixtures: every source comes back absent

	e := NewMacroEvaluator(nil, time.Second, zerolog.Nop())
	decision, _, err := e.Evaluate(context.Background(),
		macroStrategy(t, domain.DefaultMacroParams()),
		&Context{Market: market, Account: testAccount(10_000)})
	require.NoError(t, err)

	assert.Equal(t, domain.ActionHold, decision.Action)
	assert.InDelta(t, 51.61, decision.Conviction, 0.01) // raw 0
	assert.Zero(t, decision.SuggestedNotional)
	assert.Contains(t, decision.Reason, "11 of 11 inputs absent")
}

func TestMacroPartialInputsStillScore(t *testing.T) {
	market := newFakeMarket()
	// Only the on-chain block present, both indicators bullish: raw +4
	market.setResult(marketdata.SourceOnChain, &onchain.Metrics{AHR999: 0.4, MVRVRatio: 0.8})

	e := NewMacroEvaluator(nil, time.Second, zerolog.Nop())
	decision, _, err := e.Evaluate(context.Background(),
		macroStrategy(t, domain.DefaultMacroParams()),
		&Context{Market: market, Account: testAccount(10_000)})
	require.NoError(t, err)

	assert.InDelta(t, (4.0+16)/31*100, decision.Conviction, 0.01)
	assert.Contains(t, decision.Reason, "9 of 11 inputs absent")
}

func TestMacroCommentaryExtendsReason(t *testing.T) {
	market := newFakeMarket()
	setBullishMacro(market)
	advisor := &fakeAdvisor{enabled: true, summary: "Liquidity is loose and valuations are cheap."}

	params := domain.DefaultMacroParams()
	params.LLMEnabled = true

	e := NewMacroEvaluator(advisor, time.Second, zerolog.Nop())
	decision, _, err := e.Evaluate(context.Background(),
		macroStrategy(t, params),
		&Context{Market: market, Account: testAccount(10_000)})
	require.NoError(t, err)

	assert.Equal(t, 1, advisor.calls)
	assert.Equal(t, domain.ActionBuy, decision.Action)
	assert.True(t, strings.HasSuffix(decision.Reason, "| Liquidity is loose and valuations are cheap."))
}

func TestMacroCommentaryFailureLeavesDecision(t *testing.T) {
	market := newFakeMarket()
	setBullishMacro(market)
	advisor := &fakeAdvisor{enabled: true, err: errors.New("rate limited")}

	params := domain.DefaultMacroParams()
	params.LLMEnabled = true

	e := NewMacroEvaluator(advisor, time.Second, zerolog.Nop())
	decision, _, err := e.Evaluate(context.Background(),
		macroStrategy(t, params),
		&Context{Market: market, Account: testAccount(10_000)})
	require.NoError(t, err)

	assert.Equal(t, domain.ActionBuy, decision.Action)
	assert.NotContains(t, decision.Reason, "|")
}

func TestMacroCommentarySkippedWhenDisabled(t *testing.T) {
	market := newFakeMarket()
	setBullishMacro(market)
	advisor := &fakeAdvisor{enabled: true, summary: "unused"}

	// llm_enabled stays false in the parameters
	e := NewMacroEvaluator(advisor, time.Second, zerolog.Nop())
	_, _, err := e.Evaluate(context.Background(),
		macroStrategy(t, domain.DefaultMacroParams()),
		&Context{Market: market, Account: testAccount(10_000)})
	require.NoError(t, err)
	assert.Zero(t, advisor.calls)
}

func TestDXYScoreBands(t *testing.T) {
	assert.Equal(t, 1, dxyScore(98))
	assert.Equal(t, 0, dxyScore(104))
	assert.Equal(t, -1, dxyScore(108.5))
	assert.Equal(t, -2, dxyScore(113))
}

func TestBandScore(t *testing.T) {
	assert.Equal(t, 1, bandScore(0.4, 0.45, 1.2))
	assert.Equal(t, 0, bandScore(0.8, 0.45, 1.2))
	assert.Equal(t, -1, bandScore(1.3, 0.45, 1.2))
}

func TestFlowScore(t *testing.T) {
	assert.Equal(t, 1, flowScore(250e6))
	assert.Equal(t, 0, flowScore(150e6))
	assert.Equal(t, 0, flowScore(-150e6))
	assert.Equal(t, -1, flowScore(-250e6))
}

func TestStablecoinScoreFlatBand(t *testing.T) {
	assert.Equal(t, 0, stablecoinScore(0.5))
	assert.Equal(t, 0, stablecoinScore(-0.9))
	assert.Equal(t, 1, stablecoinScore(2.0))
	assert.Equal(t, -1, stablecoinScore(-1.5))
}

func TestM2Score(t *testing.T) {
	assert.Equal(t, 1, m2Score(6, true))
	assert.Equal(t, 0, m2Score(6, false))
	assert.Equal(t, 0, m2Score(3, true))
	assert.Equal(t, -1, m2Score(-0.5, true))
}

func TestMinerScore(t *testing.T) {
	assert.Equal(t, 1, minerScore(90))
	assert.Equal(t, 0, minerScore(55))
	assert.Equal(t, -1, minerScore(30))
}
