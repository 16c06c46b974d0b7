package indicators

import (
	"math"

	"github.com/aristath/strategos/internal/domain"
)

// VolumeClass categorizes the last bar's volume against recent average
type VolumeClass string

const (
	VolumeSurge  VolumeClass = "surge"
	VolumeDry    VolumeClass = "dry"
	VolumeNormal VolumeClass = "normal"
)

// volumeAvgPeriod is the averaging window for the volume ratio
const volumeAvgPeriod = 20

// VolumeRatio returns last volume divided by the 20-bar average volume
func VolumeRatio(bars []domain.PriceBar) (float64, error) {
	if len(bars) < volumeAvgPeriod+1 {
		return 0, ErrInsufficientData
	}
	sum := 0.0
	for _, b := range bars[len(bars)-volumeAvgPeriod-1 : len(bars)-1] {
		sum += b.Volume
	}
	avg := sum / volumeAvgPeriod
	if avg == 0 {
		return 0, ErrInsufficientData
	}
	return bars[len(bars)-1].Volume / avg, nil
}

// ClassifyVolume maps a volume ratio to a class
func ClassifyVolume(ratio float64) VolumeClass {
	switch {
	case ratio > 2:
		return VolumeSurge
	case ratio < 0.5:
		return VolumeDry
	}
	return VolumeNormal
}

// Trend labels the structure of the recent price action
type Trend string

const (
	TrendUp            Trend = "UPTREND"
	TrendDown          Trend = "DOWNTREND"
	TrendConsolidation Trend = "CONSOLIDATION"
)

const (
	trendLookback = 50
	swingWindow   = 5 // local extrema window, 2 bars each side
)

// TrendStructure labels the last 50 bars as UPTREND (higher highs and
// higher lows), DOWNTREND (lower highs and lower lows), or CONSOLIDATION.
// Swings are local extrema within a 5-bar window.
func TrendStructure(bars []domain.PriceBar) (Trend, error) {
	if len(bars) < trendLookback {
		return "", ErrInsufficientData
	}
	window := bars[len(bars)-trendLookback:]

	var swingHighs, swingLows []float64
	half := swingWindow / 2
	for i := half; i < len(window)-half; i++ {
		isHigh, isLow := true, true
		for j := i - half; j <= i+half; j++ {
			if j == i {
				continue
			}
			if window[j].High >= window[i].High {
				isHigh = false
			}
			if window[j].Low <= window[i].Low {
				isLow = false
			}
		}
		if isHigh {
			swingHighs = append(swingHighs, window[i].High)
		}
		if isLow {
			swingLows = append(swingLows, window[i].Low)
		}
	}

	if len(swingHighs) < 2 || len(swingLows) < 2 {
		return TrendConsolidation, nil
	}

	higherHighs := swingHighs[len(swingHighs)-1] > swingHighs[len(swingHighs)-2]
	higherLows := swingLows[len(swingLows)-1] > swingLows[len(swingLows)-2]
	lowerHighs := swingHighs[len(swingHighs)-1] < swingHighs[len(swingHighs)-2]
	lowerLows := swingLows[len(swingLows)-1] < swingLows[len(swingLows)-2]

	switch {
	case higherHighs && higherLows:
		return TrendUp, nil
	case lowerHighs && lowerLows:
		return TrendDown, nil
	}
	return TrendConsolidation, nil
}

// PatternSet reports which candle patterns are present at the last bar
type PatternSet struct {
	BullishEngulfing bool `json:"bullish_engulfing"`
	BearishEngulfing bool `json:"bearish_engulfing"`
	Hammer           bool `json:"hammer"`
	ShootingStar     bool `json:"shooting_star"`
	Doji             bool `json:"doji"`
}

// Bullish reports whether a bullish reversal pattern is present
func (p PatternSet) Bullish() bool { return p.BullishEngulfing || p.Hammer }

// Bearish reports whether a bearish reversal pattern is present
func (p PatternSet) Bearish() bool { return p.BearishEngulfing || p.ShootingStar }

// DetectPatterns inspects the last bar (and the bar before it for
// engulfings) using conventional body/shadow ratios.
func DetectPatterns(bars []domain.PriceBar) (PatternSet, error) {
	if len(bars) < 2 {
		return PatternSet{}, ErrInsufficientData
	}
	prev := bars[len(bars)-2]
	last := bars[len(bars)-1]

	var p PatternSet
	p.Doji = isDoji(last)
	p.Hammer = isHammer(last)
	p.ShootingStar = isShootingStar(last)
	p.BullishEngulfing = isBullishEngulfing(prev, last)
	p.BearishEngulfing = isBearishEngulfing(prev, last)
	return p, nil
}

func bodyOf(b domain.PriceBar) float64 { return math.Abs(b.Close - b.Open) }

func rangeOf(b domain.PriceBar) float64 { return b.High - b.Low }

func lowerShadow(b domain.PriceBar) float64 { return math.Min(b.Open, b.Close) - b.Low }

func upperShadow(b domain.PriceBar) float64 { return b.High - math.Max(b.Open, b.Close) }

// isDoji: body is at most 10% of the bar's range
func isDoji(b domain.PriceBar) bool {
	r := rangeOf(b)
	if r == 0 {
		return false
	}
	return bodyOf(b)/r <= 0.10
}

// isHammer: long lower shadow (>= 2x body), little upper shadow
func isHammer(b domain.PriceBar) bool {
	body := bodyOf(b)
	if body == 0 || isDoji(b) {
		return false
	}
	return lowerShadow(b) >= 2*body && upperShadow(b) <= 0.3*body
}

// isShootingStar: the hammer mirrored to the upper shadow
func isShootingStar(b domain.PriceBar) bool {
	body := bodyOf(b)
	if body == 0 || isDoji(b) {
		return false
	}
	return upperShadow(b) >= 2*body && lowerShadow(b) <= 0.3*body
}

// isBullishEngulfing: a green body fully engulfing the prior red body
func isBullishEngulfing(prev, last domain.PriceBar) bool {
	if prev.Close >= prev.Open { // prior must be bearish
		return false
	}
	if last.Close <= last.Open { // current must be bullish
		return false
	}
	return last.Open <= prev.Close && last.Close >= prev.Open
}

// isBearishEngulfing: a red body fully engulfing the prior green body
func isBearishEngulfing(prev, last domain.PriceBar) bool {
	if prev.Close <= prev.Open { // prior must be bullish
		return false
	}
	if last.Close >= last.Open { // current must be bearish
		return false
	}
	return last.Open >= prev.Close && last.Close <= prev.Open
}
