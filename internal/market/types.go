package market

import (
	"fmt"
	"strings"
	"time"
)

// Pair is a currency pair in "XXX/YYY" form, e.g. "EUR/USD".
type Pair string

// ParsePair validates and normalizes a pair symbol.
func ParsePair(s string) (Pair, error) {
	parts := strings.Split(strings.ToUpper(strings.TrimSpace(s)), "/")
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid pair %q: expected XXX/YYY", s)
	}
	for _, p := range parts {
		if len(p) != 3 {
			return "", fmt.Errorf("invalid pair %q: currency codes must be 3 letters", s)
		}
		for _, r := range p {
			if r < 'A' || r > 'Z' {
				return "", fmt.Errorf("invalid pair %q: currency codes must be uppercase letters", s)
			}
		}
	}
	return Pair(parts[0] + "/" + parts[1]), nil
}

// Base returns the base currency (left side).
func (p Pair) Base() string {
	if i := strings.Index(string(p), "/"); i > 0 {
		return string(p)[:i]
	}
	return string(p)
}

// Quote returns the quote currency (right side).
func (p Pair) Quote() string {
	if i := strings.Index(string(p), "/"); i >= 0 {
		return string(p)[i+1:]
	}
	return ""
}

// IsJPYQuoted reports whether the pair is quoted in Japanese yen.
// JPY pairs use a pip of 0.01 instead of 0.0001.
func (p Pair) IsJPYQuoted() bool {
	return p.Quote() == "JPY"
}

// PipMultiplier returns the price-to-pips conversion factor.
func (p Pair) PipMultiplier() float64 {
	if p.IsJPYQuoted() {
		return 100
	}
	return 10000
}

func (p Pair) String() string { return string(p) }

// Timeframe is a canonical bar granularity.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
	TF1w  Timeframe = "1w"
	TF1M  Timeframe = "1M"
)

// AllTimeframes lists every supported timeframe in ascending order.
var AllTimeframes = []Timeframe{TF1m, TF5m, TF15m, TF30m, TF1h, TF4h, TF1d, TF1w, TF1M}

var timeframeDurations = map[Timeframe]time.Duration{
	TF1m:  time.Minute,
	TF5m:  5 * time.Minute,
	TF15m: 15 * time.Minute,
	TF30m: 30 * time.Minute,
	TF1h:  time.Hour,
	TF4h:  4 * time.Hour,
	TF1d:  24 * time.Hour,
	TF1w:  7 * 24 * time.Hour,
	TF1M:  30 * 24 * time.Hour,
}

// ParseTimeframe validates a timeframe string.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if _, ok := timeframeDurations[tf]; !ok {
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
	return tf, nil
}

// Duration returns the bar length of the timeframe.
func (tf Timeframe) Duration() time.Duration {
	return timeframeDurations[tf]
}

// Valid reports whether tf is one of the supported timeframes.
func (tf Timeframe) Valid() bool {
	_, ok := timeframeDurations[tf]
	return ok
}

func (tf Timeframe) String() string { return string(tf) }

// Bar is a single OHLCV candle. Timestamps are UTC and bar-aligned.
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Validate checks the OHLC invariant low <= open,close <= high.
func (b Bar) Validate() error {
	if b.Low > b.High {
		return fmt.Errorf("bar at %s: low %.6f > high %.6f", b.Timestamp.Format(time.RFC3339), b.Low, b.High)
	}
	if b.Open < b.Low || b.Open > b.High {
		return fmt.Errorf("bar at %s: open %.6f outside [low, high]", b.Timestamp.Format(time.RFC3339), b.Open)
	}
	if b.Close < b.Low || b.Close > b.High {
		return fmt.Errorf("bar at %s: close %.6f outside [low, high]", b.Timestamp.Format(time.RFC3339), b.Close)
	}
	return nil
}

// BarSeries is an ordered sequence of bars for one (pair, timeframe),
// unique on timestamp, oldest first.
type BarSeries struct {
	Pair      Pair      `json:"pair"`
	Timeframe Timeframe `json:"timeframe"`
	Bars      []Bar     `json:"bars"`

	// Stale marks a series served from cache after all providers failed.
	Stale bool          `json:"stale,omitempty"`
	Age   time.Duration `json:"age,omitempty"`
}

// Len returns the number of bars.
func (s *BarSeries) Len() int { return len(s.Bars) }

// Last returns the most recent bar.
func (s *BarSeries) Last() (Bar, bool) {
	if len(s.Bars) == 0 {
		return Bar{}, false
	}
	return s.Bars[len(s.Bars)-1], true
}

// LastClose returns the most recent close price, or 0 if empty.
func (s *BarSeries) LastClose() float64 {
	if b, ok := s.Last(); ok {
		return b.Close
	}
	return 0
}

// Validate checks ordering, timestamp uniqueness and per-bar invariants.
func (s *BarSeries) Validate() error {
	for i, b := range s.Bars {
		if err := b.Validate(); err != nil {
			return err
		}
		if i > 0 && !s.Bars[i-1].Timestamp.Before(b.Timestamp) {
			return fmt.Errorf("bars out of order at index %d (%s then %s)",
				i, s.Bars[i-1].Timestamp.Format(time.RFC3339), b.Timestamp.Format(time.RFC3339))
		}
	}
	return nil
}

// Suffix returns the last n bars (or all if fewer exist).
func (s *BarSeries) Suffix(n int) []Bar {
	if len(s.Bars) <= n {
		return s.Bars
	}
	return s.Bars[len(s.Bars)-n:]
}
