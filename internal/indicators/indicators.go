// Package indicators provides pure technical-indicator functions over
// ordered price bars. Standard recurrences delegate to go-talib; composite
// features (trend structure, candle patterns, volume class) are computed on
// top. Functions return ErrInsufficientData when the input is shorter than
// the indicator's warm-up; callers treat that as "indicator absent".
package indicators

import (
	"errors"
	"math"

	talib "github.com/markcheno/go-talib"

	"github.com/aristath/strategos/internal/domain"
)

// ErrInsufficientData is returned when the bar series is shorter than the
// indicator's warm-up period.
var ErrInsufficientData = errors.New("insufficient data for indicator warm-up")

// Closes extracts the close series from ordered bars (oldest first)
func Closes(bars []domain.PriceBar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// Highs extracts the high series
func Highs(bars []domain.PriceBar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.High
	}
	return out
}

// Lows extracts the low series
func Lows(bars []domain.PriceBar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Low
	}
	return out
}

// Volumes extracts the volume series
func Volumes(bars []domain.PriceBar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Volume
	}
	return out
}

// EMA returns the exponential moving average series aligned to the input.
// The first period-1 values are warm-up and must not be read.
func EMA(bars []domain.PriceBar, period int) ([]float64, error) {
	if len(bars) < period {
		return nil, ErrInsufficientData
	}
	return talib.Ema(Closes(bars), period), nil
}

// LastEMA returns the EMA value at the last bar
func LastEMA(bars []domain.PriceBar, period int) (float64, error) {
	ema, err := EMA(bars, period)
	if err != nil {
		return 0, err
	}
	return ema[len(ema)-1], nil
}

// SMA returns the simple moving average series aligned to the input
func SMA(bars []domain.PriceBar, period int) ([]float64, error) {
	if len(bars) < period {
		return nil, ErrInsufficientData
	}
	return talib.Sma(Closes(bars), period), nil
}

// RSI returns the Wilder-smoothed relative strength index series in [0,100]
func RSI(bars []domain.PriceBar, period int) ([]float64, error) {
	if len(bars) < period+1 {
		return nil, ErrInsufficientData
	}
	return talib.Rsi(Closes(bars), period), nil
}

// LastRSI returns the RSI value at the last bar
func LastRSI(bars []domain.PriceBar, period int) (float64, error) {
	rsi, err := RSI(bars, period)
	if err != nil {
		return 0, err
	}
	return rsi[len(rsi)-1], nil
}

// Cross classifies a MACD signal-line crossover at the last bar
type Cross string

const (
	CrossGolden Cross = "golden"
	CrossDeath  Cross = "death"
	CrossNone   Cross = "none"
)

// MACDResult holds the MACD series and the crossover state at the last bar
type MACDResult struct {
	Macd      []float64
	Signal    []float64
	Histogram []float64
	Cross     Cross
}

// Last returns the final (macd, signal, histogram) values
func (m MACDResult) Last() (float64, float64, float64) {
	n := len(m.Macd) - 1
	return m.Macd[n], m.Signal[n], m.Histogram[n]
}

// HistogramGrowing reports whether the histogram increased at the last bar
func (m MACDResult) HistogramGrowing() bool {
	n := len(m.Histogram)
	if n < 2 {
		return false
	}
	return m.Histogram[n-1] > m.Histogram[n-2]
}

// MACD computes moving average convergence/divergence. The cross is
// determined by comparing the sign of macd-signal at the last bar against
// the bar before it.
func MACD(bars []domain.PriceBar, fast, slow, signal int) (MACDResult, error) {
	// talib needs slow+signal bars before the signal line stabilizes
	if len(bars) < slow+signal+1 {
		return MACDResult{}, ErrInsufficientData
	}

	macd, sig, hist := talib.Macd(Closes(bars), fast, slow, signal)

	res := MACDResult{Macd: macd, Signal: sig, Histogram: hist, Cross: CrossNone}

	n := len(macd) - 1
	prev := macd[n-1] - sig[n-1]
	curr := macd[n] - sig[n]
	switch {
	case prev <= 0 && curr > 0:
		res.Cross = CrossGolden
	case prev >= 0 && curr < 0:
		res.Cross = CrossDeath
	}

	return res, nil
}

// BollingerResult holds the band values at the last bar
type BollingerResult struct {
	Mid      float64
	Upper    float64
	Lower    float64
	PercentB float64
	Squeeze  bool
}

// squeezeLookback is the rolling window used for the bandwidth minimum
const squeezeLookback = 20

// Bollinger computes Bollinger Bands at the last bar. Squeeze is true when
// the current bandwidth is within 5% of the rolling 20-bar minimum
// bandwidth.
func Bollinger(bars []domain.PriceBar, period int, k float64) (BollingerResult, error) {
	if len(bars) < period+squeezeLookback-1 {
		return BollingerResult{}, ErrInsufficientData
	}

	closes := Closes(bars)
	upper, mid, lower := talib.BBands(closes, period, k, k, talib.SMA)

	n := len(bars) - 1
	res := BollingerResult{Mid: mid[n], Upper: upper[n], Lower: lower[n]}

	if width := upper[n] - lower[n]; width > 0 {
		res.PercentB = (closes[n] - lower[n]) / width
	}

	// Rolling minimum of bandwidth over the last squeezeLookback bars
	minBandwidth := math.Inf(1)
	for i := n - squeezeLookback + 1; i <= n; i++ {
		if mid[i] == 0 {
			continue
		}
		bw := (upper[i] - lower[i]) / mid[i]
		if bw < minBandwidth {
			minBandwidth = bw
		}
	}
	if mid[n] != 0 && !math.IsInf(minBandwidth, 1) {
		current := (upper[n] - lower[n]) / mid[n]
		res.Squeeze = current <= minBandwidth*1.05
	}

	return res, nil
}

// ATR returns the Wilder average true range at the last bar
func ATR(bars []domain.PriceBar, period int) (float64, error) {
	if len(bars) < period+1 {
		return 0, ErrInsufficientData
	}
	atr := talib.Atr(Highs(bars), Lows(bars), Closes(bars), period)
	return atr[len(atr)-1], nil
}

// StochRSI returns the stochastic RSI K and D series
func StochRSI(bars []domain.PriceBar, period, kSmooth, dSmooth int) (k, d []float64, err error) {
	// RSI warm-up plus the stochastic window plus both smoothings
	if len(bars) < 2*period+kSmooth+dSmooth {
		return nil, nil, ErrInsufficientData
	}
	k, d = talib.StochRsi(Closes(bars), period, kSmooth, dSmooth, talib.SMA)
	return k, d, nil
}
