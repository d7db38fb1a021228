package indicators

import (
	"errors"
	"math"
	"testing"
	"time"

	"aifx-advisor/internal/market"
)

func barsFromCloses(closes []float64) []market.Bar {
	ts := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]market.Bar, len(closes))
	for i, c := range closes {
		bars[i] = market.Bar{
			Timestamp: ts.Add(time.Duration(i) * time.Hour),
			Open:      c,
			High:      c + 0.001,
			Low:       c - 0.001,
			Close:     c,
			Volume:    100,
		}
	}
	return bars
}

func constantCloses(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestSMA(t *testing.T) {
	bars := barsFromCloses([]float64{1, 2, 3, 4, 5})
	if got := SMA(bars, 5); got != 3 {
		t.Errorf("SMA(5) = %v, want 3", got)
	}
	if got := SMA(bars, 2); got != 4.5 {
		t.Errorf("SMA(2) = %v, want 4.5", got)
	}
	if got := SMA(bars, 10); got != 0 {
		t.Errorf("SMA with short series = %v, want 0", got)
	}
}

func TestEMAConstantSeries(t *testing.T) {
	bars := barsFromCloses(constantCloses(50, 1.25))
	if got := EMA(bars, 12); math.Abs(got-1.25) > 1e-9 {
		t.Errorf("EMA of constant series = %v, want 1.25", got)
	}
}

func TestRSI(t *testing.T) {
	// Monotonic up: no losses, RSI = 100.
	up := barsFromCloses([]float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16})
	if got := RSI(up, 14); got != 100 {
		t.Errorf("RSI all gains = %v, want 100", got)
	}

	// Too short: neutral.
	if got := RSI(up[:5], 14); got != 50 {
		t.Errorf("RSI short series = %v, want 50", got)
	}
}

func TestMACDConstantSeriesIsZero(t *testing.T) {
	bars := barsFromCloses(constantCloses(60, 1.1))
	macd, signal, hist := MACD(bars, 12, 26, 9)
	if math.Abs(macd) > 1e-9 || math.Abs(signal) > 1e-9 || math.Abs(hist) > 1e-9 {
		t.Errorf("MACD of constant series = (%v, %v, %v), want zeros", macd, signal, hist)
	}
}

func TestBollingerBands(t *testing.T) {
	bars := barsFromCloses(constantCloses(20, 2.0))
	upper, middle, lower := BollingerBands(bars, 20, 2.0)
	if middle != 2.0 || upper != 2.0 || lower != 2.0 {
		t.Errorf("constant series bands = (%v, %v, %v), want all 2.0", upper, middle, lower)
	}
}

func TestATR(t *testing.T) {
	ts := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]market.Bar, 15)
	for i := range bars {
		bars[i] = market.Bar{
			Timestamp: ts.Add(time.Duration(i) * time.Hour),
			Open:      1.10, High: 1.11, Low: 1.09, Close: 1.10,
		}
	}
	// True range is always high-low = 0.02 for a flat series.
	if got := ATR(bars, 14); math.Abs(got-0.02) > 1e-9 {
		t.Errorf("ATR = %v, want 0.02", got)
	}
}

func TestComputeDeterministic(t *testing.T) {
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 1.10 + 0.001*math.Sin(float64(i)/3)
	}
	series := &market.BarSeries{Pair: "EUR/USD", Timeframe: market.TF1h, Bars: barsFromCloses(closes)}

	a, err := Compute(series, DefaultSpec())
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	b, err := Compute(series, DefaultSpec())
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if *a != *b {
		t.Errorf("Compute not deterministic: %+v != %+v", a, b)
	}
}

func TestComputeInsufficientHistory(t *testing.T) {
	series := &market.BarSeries{Pair: "EUR/USD", Timeframe: market.TF1h, Bars: barsFromCloses(constantCloses(10, 1))}
	_, err := Compute(series, DefaultSpec())
	if !errors.Is(err, ErrInsufficientHistory) {
		t.Errorf("expected ErrInsufficientHistory, got %v", err)
	}
}

func TestBollingerPosition(t *testing.T) {
	tests := []struct {
		price, upper, lower, want float64
	}{
		{1.5, 2.0, 1.0, 0},
		{2.0, 2.0, 1.0, 1},
		{1.0, 2.0, 1.0, -1},
		{3.0, 2.0, 1.0, 1},  // clamped
		{0.5, 2.0, 1.0, -1}, // clamped
		{1.0, 1.0, 1.0, 0},  // degenerate bands
	}
	for _, tt := range tests {
		if got := BollingerPosition(tt.price, tt.upper, tt.lower); got != tt.want {
			t.Errorf("BollingerPosition(%v, %v, %v) = %v, want %v", tt.price, tt.upper, tt.lower, got, tt.want)
		}
	}
}
