package market

import (
	"testing"
	"time"
)

func TestParsePair(t *testing.T) {
	tests := []struct {
		input   string
		want    Pair
		wantErr bool
	}{
		{"EUR/USD", "EUR/USD", false},
		{"eur/usd", "EUR/USD", false},
		{" GBP/JPY ", "GBP/JPY", false},
		{"EURUSD", "", true},
		{"EU/USD", "", true},
		{"EUR/US1", "", true},
		{"EUR/USD/JPY", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := ParsePair(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePair(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParsePair(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestPairPipMultiplier(t *testing.T) {
	if m := Pair("USD/JPY").PipMultiplier(); m != 100 {
		t.Errorf("USD/JPY pip multiplier = %v, want 100", m)
	}
	if m := Pair("EUR/USD").PipMultiplier(); m != 10000 {
		t.Errorf("EUR/USD pip multiplier = %v, want 10000", m)
	}
}

func TestParseTimeframe(t *testing.T) {
	for _, tf := range AllTimeframes {
		got, err := ParseTimeframe(string(tf))
		if err != nil || got != tf {
			t.Errorf("ParseTimeframe(%q) = %q, %v", tf, got, err)
		}
	}
	if _, err := ParseTimeframe("2h"); err == nil {
		t.Error("ParseTimeframe(2h) expected error")
	}
}

func TestBarValidate(t *testing.T) {
	ts := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	valid := Bar{Timestamp: ts, Open: 1.10, High: 1.12, Low: 1.09, Close: 1.11, Volume: 100}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid bar rejected: %v", err)
	}

	bad := []Bar{
		{Timestamp: ts, Open: 1.10, High: 1.08, Low: 1.09, Close: 1.10},  // low > high
		{Timestamp: ts, Open: 1.15, High: 1.12, Low: 1.09, Close: 1.11},  // open above high
		{Timestamp: ts, Open: 1.10, High: 1.12, Low: 1.09, Close: 1.08},  // close below low
	}
	for i, b := range bad {
		if err := b.Validate(); err == nil {
			t.Errorf("bad bar %d accepted", i)
		}
	}
}

func TestBarSeriesValidateOrdering(t *testing.T) {
	ts := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	mk := func(offset time.Duration) Bar {
		return Bar{Timestamp: ts.Add(offset), Open: 1, High: 1, Low: 1, Close: 1}
	}

	ok := &BarSeries{Pair: "EUR/USD", Timeframe: TF1h, Bars: []Bar{mk(0), mk(time.Hour), mk(2 * time.Hour)}}
	if err := ok.Validate(); err != nil {
		t.Errorf("ordered series rejected: %v", err)
	}

	dup := &BarSeries{Pair: "EUR/USD", Timeframe: TF1h, Bars: []Bar{mk(0), mk(0)}}
	if err := dup.Validate(); err == nil {
		t.Error("duplicate timestamps accepted")
	}
}

func TestBarSeriesSuffix(t *testing.T) {
	ts := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	s := &BarSeries{Timeframe: TF1h}
	for i := 0; i < 10; i++ {
		s.Bars = append(s.Bars, Bar{Timestamp: ts.Add(time.Duration(i) * time.Hour), Open: 1, High: 1, Low: 1, Close: float64(i)})
	}

	last3 := s.Suffix(3)
	if len(last3) != 3 || last3[0].Close != 7 {
		t.Errorf("Suffix(3) = %v", last3)
	}
	all := s.Suffix(100)
	if len(all) != 10 {
		t.Errorf("Suffix(100) len = %d, want 10", len(all))
	}
}
