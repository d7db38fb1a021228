package indicators

import (
	"errors"
	"fmt"
	"math"

	"aifx-advisor/internal/market"
)

// ErrInsufficientHistory is returned when a series is shorter than the
// largest window the spec requires.
var ErrInsufficientHistory = errors.New("insufficient bar history")

// Spec enumerates the indicator windows to compute.
type Spec struct {
	SMAPeriod        int // default 20
	EMAFast          int // default 12
	EMASlow          int // default 26
	RSIPeriod        int // default 14
	MACDSignalPeriod int // default 9
	BollingerPeriod  int // default 20
	BollingerStdDev  float64
	ATRPeriod        int // default 14
}

// DefaultSpec returns the standard indicator windows.
func DefaultSpec() Spec {
	return Spec{
		SMAPeriod:        20,
		EMAFast:          12,
		EMASlow:          26,
		RSIPeriod:        14,
		MACDSignalPeriod: 9,
		BollingerPeriod:  20,
		BollingerStdDev:  2.0,
		ATRPeriod:        14,
	}
}

// MaxWindow returns the minimum number of bars needed to satisfy the spec.
func (s Spec) MaxWindow() int {
	max := s.SMAPeriod
	for _, w := range []int{s.EMAFast, s.EMASlow + s.MACDSignalPeriod, s.RSIPeriod + 1, s.BollingerPeriod, s.ATRPeriod + 1} {
		if w > max {
			max = w
		}
	}
	return max
}

// Set holds the indicator values computed over a bar series suffix.
// Immutable once computed.
type Set struct {
	SMA           float64 `json:"sma"`
	EMAFast       float64 `json:"ema_fast"`
	EMASlow       float64 `json:"ema_slow"`
	RSI           float64 `json:"rsi"`
	MACD          float64 `json:"macd"`
	MACDSignal    float64 `json:"macd_signal"`
	MACDHistogram float64 `json:"macd_histogram"`
	BollUpper     float64 `json:"boll_upper"`
	BollMiddle    float64 `json:"boll_middle"`
	BollLower     float64 `json:"boll_lower"`
	ATR           float64 `json:"atr"`
	LastClose     float64 `json:"last_close"`
}

// Compute derives the indicator set from a bar series. Deterministic and
// side-effect-free: the same series and spec always produce the same set.
func Compute(series *market.BarSeries, spec Spec) (*Set, error) {
	need := spec.MaxWindow()
	if series.Len() < need {
		return nil, fmt.Errorf("%w: have %d bars, need %d", ErrInsufficientHistory, series.Len(), need)
	}

	bars := series.Bars
	macd, signal, hist := MACD(bars, spec.EMAFast, spec.EMASlow, spec.MACDSignalPeriod)
	upper, middle, lower := BollingerBands(bars, spec.BollingerPeriod, spec.BollingerStdDev)

	return &Set{
		SMA:           SMA(bars, spec.SMAPeriod),
		EMAFast:       EMA(bars, spec.EMAFast),
		EMASlow:       EMA(bars, spec.EMASlow),
		RSI:           RSI(bars, spec.RSIPeriod),
		MACD:          macd,
		MACDSignal:    signal,
		MACDHistogram: hist,
		BollUpper:     upper,
		BollMiddle:    middle,
		BollLower:     lower,
		ATR:           ATR(bars, spec.ATRPeriod),
		LastClose:     bars[len(bars)-1].Close,
	}, nil
}

// ============================================================================
// MOVING AVERAGES
// ============================================================================

// SMA calculates the Simple Moving Average over the last period bars.
func SMA(bars []market.Bar, period int) float64 {
	if len(bars) < period || period <= 0 {
		return 0
	}

	sum := 0.0
	for i := len(bars) - period; i < len(bars); i++ {
		sum += bars[i].Close
	}
	return sum / float64(period)
}

// EMA calculates the Exponential Moving Average, seeded with an SMA.
func EMA(bars []market.Bar, period int) float64 {
	if len(bars) < period || period <= 0 {
		return 0
	}

	ema := SMA(bars[:period], period)
	multiplier := 2.0 / float64(period+1)

	for i := period; i < len(bars); i++ {
		ema = (bars[i].Close * multiplier) + (ema * (1 - multiplier))
	}
	return ema
}

// emaSeries computes EMA over a plain float series, seeded with the mean of
// the first period values. Used for the MACD signal line.
func emaSeries(values []float64, period int) float64 {
	if len(values) < period || period <= 0 {
		return 0
	}

	sum := 0.0
	for _, v := range values[:period] {
		sum += v
	}
	ema := sum / float64(period)
	multiplier := 2.0 / float64(period+1)

	for i := period; i < len(values); i++ {
		ema = (values[i] * multiplier) + (ema * (1 - multiplier))
	}
	return ema
}

// ============================================================================
// RSI
// ============================================================================

// RSI calculates the Relative Strength Index. Returns neutral 50 when the
// series is too short.
func RSI(bars []market.Bar, period int) float64 {
	if len(bars) < period+1 {
		return 50.0
	}

	gains := 0.0
	losses := 0.0
	for i := len(bars) - period; i < len(bars); i++ {
		change := bars[i].Close - bars[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}

	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)

	if avgLoss == 0 {
		return 100.0
	}

	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// ============================================================================
// MACD
// ============================================================================

// MACD calculates the MACD line, signal line and histogram. The signal line
// is a proper EMA over the MACD history rather than a scaled approximation.
func MACD(bars []market.Bar, fastPeriod, slowPeriod, signalPeriod int) (macd, signal, histogram float64) {
	if len(bars) < slowPeriod+signalPeriod {
		return 0, 0, 0
	}

	// Build the MACD line history: for each suffix position past slowPeriod,
	// fastEMA - slowEMA over the bars up to and including that position.
	history := make([]float64, 0, len(bars)-slowPeriod+1)
	for i := slowPeriod; i <= len(bars); i++ {
		window := bars[:i]
		history = append(history, EMA(window, fastPeriod)-EMA(window, slowPeriod))
	}

	macd = history[len(history)-1]
	signal = emaSeries(history, signalPeriod)
	histogram = macd - signal
	return macd, signal, histogram
}

// ============================================================================
// BOLLINGER BANDS
// ============================================================================

// BollingerBands calculates the upper, middle and lower bands.
func BollingerBands(bars []market.Bar, period int, stdDevMultiplier float64) (upper, middle, lower float64) {
	if len(bars) < period || period <= 0 {
		return 0, 0, 0
	}

	middle = SMA(bars, period)

	variance := 0.0
	for i := len(bars) - period; i < len(bars); i++ {
		diff := bars[i].Close - middle
		variance += diff * diff
	}
	stdDev := math.Sqrt(variance / float64(period))

	upper = middle + (stdDev * stdDevMultiplier)
	lower = middle - (stdDev * stdDevMultiplier)
	return upper, middle, lower
}

// ============================================================================
// ATR
// ============================================================================

// ATR calculates the Average True Range over the last period bars.
func ATR(bars []market.Bar, period int) float64 {
	if len(bars) < period+1 {
		return 0
	}

	trSum := 0.0
	for i := len(bars) - period; i < len(bars); i++ {
		high := bars[i].High
		low := bars[i].Low
		prevClose := bars[i-1].Close

		tr := math.Max(
			high-low,
			math.Max(
				math.Abs(high-prevClose),
				math.Abs(low-prevClose),
			),
		)
		trSum += tr
	}
	return trSum / float64(period)
}

// BollingerPosition returns the position of price within the bands,
// normalized to [-1, 1] (0 at the middle band).
func BollingerPosition(price, upper, lower float64) float64 {
	if upper == lower {
		return 0
	}
	pos := 2*(price-lower)/(upper-lower) - 1
	if pos > 1 {
		return 1
	}
	if pos < -1 {
		return -1
	}
	return pos
}
