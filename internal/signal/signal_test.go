package signal

import (
	"math"
	"testing"
	"time"

	"aifx-advisor/internal/indicators"
	"aifx-advisor/internal/logging"
	"aifx-advisor/internal/market"
	"aifx-advisor/internal/ml"
)

func quietLogger() *logging.Logger {
	return logging.New(&logging.Config{Level: "FATAL", Output: "stderr"})
}

func flatSeries(n int, close float64) *market.BarSeries {
	ts := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]market.Bar, n)
	for i := range bars {
		bars[i] = market.Bar{
			Timestamp: ts.Add(time.Duration(i) * time.Hour),
			Open:      close, High: close + 0.002, Low: close - 0.002, Close: close, Volume: 100,
		}
	}
	return &market.BarSeries{Pair: "EUR/USD", Timeframe: market.TF1h, Bars: bars}
}

// bullishSet aligns every component toward buy: fast EMA above slow, price
// above SMA, RSI oversold, positive MACD histogram, price at lower band.
func bullishSet(close float64) *indicators.Set {
	return &indicators.Set{
		SMA:           close - 0.01,
		EMAFast:       close - 0.002,
		EMASlow:       close - 0.005,
		RSI:           25,
		MACDHistogram: 0.0005,
		BollUpper:     close + 0.02,
		BollMiddle:    close,
		BollLower:     close,
		ATR:           0.0033,
		LastClose:     close,
	}
}

func TestStrengthBands(t *testing.T) {
	tests := []struct {
		confidence float64
		want       Strength
	}{
		{0.0, StrengthWeak},
		{0.49, StrengthWeak},
		{0.5, StrengthModerate},
		{0.64, StrengthModerate},
		{0.65, StrengthStrong},
		{0.754, StrengthStrong},
		{0.79, StrengthStrong},
		{0.8, StrengthVeryStrong},
		{1.0, StrengthVeryStrong},
	}
	for _, tt := range tests {
		if got := StrengthFromConfidence(tt.confidence); got != tt.want {
			t.Errorf("StrengthFromConfidence(%v) = %s, want %s", tt.confidence, got, tt.want)
		}
	}
}

func TestSynthesizeMLEnhancedFusion(t *testing.T) {
	syn := NewSynthesizer(quietLogger())
	series := flatSeries(60, 1.1000)
	ind := bullishSet(1.1000)

	prediction := &ml.Prediction{
		Direction:    ml.DirectionBuy,
		Confidence:   0.82,
		ModelVersion: "v3.1",
	}
	sig := syn.Synthesize(series, ind, prediction, time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))

	if sig.Action != ActionBuy {
		t.Errorf("action = %s, want buy (ml confidence 0.82 overrides)", sig.Action)
	}
	vote := 0.30*1 + 0.25*1 + 0.25*1 + 0.20*1 // every component fully aligned
	want := 0.7*0.82 + 0.3*vote
	if math.Abs(sig.Confidence-want) > 1e-9 {
		t.Errorf("confidence = %v, want %v", sig.Confidence, want)
	}
	if sig.Source != SourceMLEnhanced || sig.ModelVersion != "v3.1" {
		t.Errorf("source = %s, model = %s", sig.Source, sig.ModelVersion)
	}
}

func TestSynthesizeFusionArithmetic(t *testing.T) {
	// 0.7*0.82 + 0.3*0.6 must come out at exactly 0.754, in the strong band.
	got := 0.7*0.82 + 0.3*0.6
	if math.Abs(got-0.754) > 1e-9 {
		t.Fatalf("fusion = %v, want 0.754", got)
	}
	if StrengthFromConfidence(got) != StrengthStrong {
		t.Errorf("band for 0.754 = %s, want strong", StrengthFromConfidence(got))
	}
}

func TestSynthesizeMLBelowOverrideKeepsTechnicalAction(t *testing.T) {
	syn := NewSynthesizer(quietLogger())
	series := flatSeries(60, 1.1000)
	ind := bullishSet(1.1000) // technical vote is strongly buy

	prediction := &ml.Prediction{Direction: ml.DirectionSell, Confidence: 0.55}
	sig := syn.Synthesize(series, ind, prediction, time.Now())

	if sig.Action != ActionBuy {
		t.Errorf("action = %s, want buy (ml confidence 0.55 < 0.6 does not override)", sig.Action)
	}
	if sig.Source != SourceMLEnhanced {
		t.Errorf("source = %s, want ml_enhanced", sig.Source)
	}
}

func TestSynthesizeTechnicalOnly(t *testing.T) {
	syn := NewSynthesizer(quietLogger())
	series := flatSeries(60, 1.1000)
	ind := bullishSet(1.1000)

	sig := syn.Synthesize(series, ind, nil, time.Now())
	if sig.Source != SourceTechnicalOnly {
		t.Errorf("source = %s, want technical_only", sig.Source)
	}
	if sig.Action != ActionBuy {
		t.Errorf("action = %s, want buy", sig.Action)
	}
	if sig.ModelVersion != "" {
		t.Errorf("model version = %q, want empty", sig.ModelVersion)
	}
}

func TestSynthesizeDeadZoneIsHold(t *testing.T) {
	syn := NewSynthesizer(quietLogger())
	series := flatSeries(60, 1.1000)
	// Conflicting components: vote lands inside the dead zone.
	ind := &indicators.Set{
		SMA:           1.1000,
		EMAFast:       1.1000,
		EMASlow:       1.1000,
		RSI:           50,
		MACDHistogram: 0,
		BollUpper:     1.12,
		BollMiddle:    1.10,
		BollLower:     1.08,
		ATR:           0.003,
		LastClose:     1.1000,
	}

	sig := syn.Synthesize(series, ind, nil, time.Now())
	if sig.Action != ActionHold {
		t.Errorf("action = %s, want hold", sig.Action)
	}
	if sig.StopLoss != 0 || sig.TakeProfit != 0 {
		t.Errorf("hold carries levels: sl=%v tp=%v", sig.StopLoss, sig.TakeProfit)
	}
}

func TestSynthesizeLevels(t *testing.T) {
	syn := NewSynthesizer(quietLogger())
	series := flatSeries(60, 1.1000)
	ind := bullishSet(1.1000) // ATR 0.0033, stop multiple 1.5

	sig := syn.Synthesize(series, ind, nil, time.Now())
	if sig.Action != ActionBuy {
		t.Fatalf("action = %s, want buy", sig.Action)
	}
	risk := 1.5 * 0.0033
	if math.Abs(sig.StopLoss-(1.1000-risk)) > 1e-9 {
		t.Errorf("stop loss = %v, want %v", sig.StopLoss, 1.1000-risk)
	}
	if math.Abs(sig.TakeProfit-(1.1000+2*risk)) > 1e-9 {
		t.Errorf("take profit = %v, want %v", sig.TakeProfit, 1.1000+2*risk)
	}
	if sig.RiskRewardRatio != 2.0 {
		t.Errorf("rr = %v, want 2.0", sig.RiskRewardRatio)
	}
}

func TestSynthesizeZeroATRDowngradesToHold(t *testing.T) {
	syn := NewSynthesizer(quietLogger())
	series := flatSeries(60, 1.1000)
	ind := bullishSet(1.1000)
	ind.ATR = 0

	sig := syn.Synthesize(series, ind, nil, time.Now())
	if sig.Action != ActionHold {
		t.Errorf("action = %s, want hold (no ATR means no valid levels)", sig.Action)
	}
}

func TestSynthesizeStalePenalty(t *testing.T) {
	syn := NewSynthesizer(quietLogger())
	series := flatSeries(60, 1.1000)
	series.Stale = true
	series.Age = 5 * time.Minute
	ind := bullishSet(1.1000)

	fresh := syn.Synthesize(flatSeries(60, 1.1000), ind, nil, time.Now())
	stale := syn.Synthesize(series, ind, nil, time.Now())

	if math.Abs((fresh.Confidence-stale.Confidence)-0.1) > 1e-9 {
		t.Errorf("stale penalty = %v, want 0.1", fresh.Confidence-stale.Confidence)
	}
	if stale.MarketCondition != ConditionVolatile {
		t.Errorf("stale condition = %s, want volatile", stale.MarketCondition)
	}
}

func TestSynthesizeExpiry(t *testing.T) {
	syn := NewSynthesizer(quietLogger())
	series := flatSeries(60, 1.1000)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	sig := syn.Synthesize(series, bullishSet(1.1000), nil, now)
	if want := now.Add(4 * time.Hour); !sig.ExpiresAt.Equal(want) {
		t.Errorf("expires_at = %v, want %v (4 x 1h)", sig.ExpiresAt, want)
	}
}

func TestSignalValidate(t *testing.T) {
	buy := &Signal{
		Pair: "EUR/USD", Action: ActionBuy, Confidence: 0.7, Strength: StrengthStrong,
		EntryPrice: 1.10, StopLoss: 1.095, TakeProfit: 1.11,
	}
	if err := buy.Validate(); err != nil {
		t.Errorf("valid buy rejected: %v", err)
	}

	badBuy := &Signal{
		Pair: "EUR/USD", Action: ActionBuy, Confidence: 0.7, Strength: StrengthStrong,
		EntryPrice: 1.10, StopLoss: 1.105, TakeProfit: 1.11, // SL above entry
	}
	if err := badBuy.Validate(); err == nil {
		t.Error("buy with SL above entry accepted")
	}

	sell := &Signal{
		Pair: "EUR/USD", Action: ActionSell, Confidence: 0.7, Strength: StrengthStrong,
		EntryPrice: 1.10, StopLoss: 1.105, TakeProfit: 1.09,
	}
	if err := sell.Validate(); err != nil {
		t.Errorf("valid sell rejected: %v", err)
	}

	hold := &Signal{Pair: "EUR/USD", Action: ActionHold, Confidence: 0.3, Strength: StrengthWeak, EntryPrice: 1.10}
	if err := hold.Validate(); err != nil {
		t.Errorf("valid hold rejected: %v", err)
	}
}

func TestDetect(t *testing.T) {
	base := func(action Action, confidence float64) *Signal {
		return &Signal{
			Action:     action,
			Confidence: confidence,
			Strength:   StrengthFromConfidence(confidence),
		}
	}

	tests := []struct {
		name  string
		prior *Signal
		new   *Signal
		want  bool
	}{
		{"first signal", nil, base(ActionBuy, 0.754), true},
		{"action flip", base(ActionBuy, 0.70), base(ActionSell, 0.72), true},
		{"tiny drift same band", base(ActionBuy, 0.80), base(ActionBuy, 0.85), false},
		{"delta exactly 0.1 inclusive", base(ActionBuy, 0.60), base(ActionBuy, 0.70), true},
		{"delta below threshold", base(ActionBuy, 0.60), base(ActionBuy, 0.65), true}, // band upgrade moderate->strong
		{"small drift no band change", base(ActionBuy, 0.66), base(ActionBuy, 0.70), false},
		{"band downgrade not notifiable", base(ActionBuy, 0.66), base(ActionBuy, 0.60), false},
		{"band upgrade notifiable", base(ActionBuy, 0.78), base(ActionBuy, 0.81), true},
		{"negative delta of 0.1", base(ActionBuy, 0.80), base(ActionBuy, 0.70), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Detect(tt.prior, tt.new); got != tt.want {
				t.Errorf("Detect = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewChange(t *testing.T) {
	prior := &Signal{Pair: "EUR/USD", Timeframe: market.TF1h, Action: ActionBuy, Confidence: 0.70}
	new := &Signal{
		Pair: "EUR/USD", Timeframe: market.TF1h, Action: ActionSell, Confidence: 0.72,
		Strength: StrengthStrong, MarketCondition: ConditionTrending,
	}
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	c := NewChange(prior, new, at)
	if c.OldAction != ActionBuy || c.NewAction != ActionSell {
		t.Errorf("actions = %s -> %s", c.OldAction, c.NewAction)
	}
	if c.OldConfidence != 0.70 || c.NewConfidence != 0.72 {
		t.Errorf("confidences = %v -> %v", c.OldConfidence, c.NewConfidence)
	}
	if !c.DetectedAt.Equal(at) {
		t.Errorf("detected_at = %v", c.DetectedAt)
	}

	first := NewChange(nil, new, at)
	if first.OldAction != "" || first.OldConfidence != 0 {
		t.Errorf("first change carries prior values: %+v", first)
	}
}
