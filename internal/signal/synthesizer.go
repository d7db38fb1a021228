package signal

import (
	"math"
	"time"

	"aifx-advisor/internal/indicators"
	"aifx-advisor/internal/logging"
	"aifx-advisor/internal/market"
	"aifx-advisor/internal/ml"
)

// Vote weights. Trend leads, momentum and MACD confirm, Bollinger position
// catches overextension. Sum to 1.
const (
	weightTrend     = 0.30
	weightMomentum  = 0.25
	weightMACD      = 0.25
	weightBollinger = 0.20
)

// holdDeadZone is the vote magnitude below which the technical action is hold.
const holdDeadZone = 0.15

// mlOverrideConfidence is the ML confidence at which the ML direction
// replaces the technical action.
const mlOverrideConfidence = 0.6

// stalePenalty is subtracted from confidence when the series was served from
// an expired cache.
const stalePenalty = 0.1

// atrStopMultiple sizes the stop distance; the take profit is placed at
// twice that distance for a 2.0 risk/reward.
const atrStopMultiple = 1.5

// Synthesizer fuses indicator alignment with ML output into a Signal.
type Synthesizer struct {
	log *logging.Logger
}

func NewSynthesizer(log *logging.Logger) *Synthesizer {
	return &Synthesizer{log: log}
}

// Synthesize builds a Signal from the series, its indicators, and an
// optional ML prediction. prediction == nil means the predictor was
// unavailable and the signal degrades to technical-only.
func (s *Synthesizer) Synthesize(series *market.BarSeries, ind *indicators.Set, prediction *ml.Prediction, now time.Time) *Signal {
	vote := technicalVote(ind)
	cTech := math.Min(math.Abs(vote), 1)
	techAction := actionFromVote(vote)

	var (
		action       Action
		confidence   float64
		source       Source
		modelVersion string
		factors      Factors
	)
	if prediction != nil {
		confidence = 0.7*prediction.Confidence + 0.3*cTech
		if prediction.Confidence >= mlOverrideConfidence {
			action = Action(prediction.Direction)
		} else {
			action = techAction
		}
		source = SourceMLEnhanced
		modelVersion = prediction.ModelVersion
		factors = Factors{
			Technical: prediction.Factors.Technical,
			Sentiment: prediction.Factors.Sentiment,
			Pattern:   prediction.Factors.Pattern,
		}
		if factors.Technical == 0 {
			factors.Technical = cTech
		}
	} else {
		confidence = cTech
		action = techAction
		source = SourceTechnicalOnly
		factors = Factors{Technical: cTech}
	}

	condition := marketCondition(series, ind)
	if series.Stale {
		confidence = math.Max(0, confidence-stalePenalty)
		condition = ConditionVolatile
	}

	entry := ind.LastClose
	sig := &Signal{
		ID:              NewID(),
		Pair:            series.Pair,
		Timeframe:       series.Timeframe,
		GeneratedAt:     now.UTC(),
		Action:          action,
		Confidence:      confidence,
		Strength:        StrengthFromConfidence(confidence),
		EntryPrice:      entry,
		MarketCondition: condition,
		Source:          source,
		ModelVersion:    modelVersion,
		Factors:         factors,
		Status:          StatusActive,
		ExpiresAt:       now.UTC().Add(4 * series.Timeframe.Duration()),
		ActualOutcome:   OutcomePending,
	}

	applyLevels(sig, ind.ATR)

	if err := sig.Validate(); err != nil {
		// Extreme ATR can push a level to the wrong side of entry.
		// Advising hold is always safe.
		s.log.Warn("pricing invariant failed, downgrading to hold",
			"pair", series.Pair, "action", action, "error", err)
		downgradeToHold(sig)
	}
	return sig
}

// technicalVote is the weighted alignment score in [-1,1]. Positive favors
// buy, negative favors sell.
func technicalVote(ind *indicators.Set) float64 {
	return weightTrend*trendScore(ind) +
		weightMomentum*momentumScore(ind.RSI) +
		weightMACD*macdScore(ind) +
		weightBollinger*bollingerScore(ind)
}

func actionFromVote(vote float64) Action {
	if math.Abs(vote) < holdDeadZone {
		return ActionHold
	}
	if vote > 0 {
		return ActionBuy
	}
	return ActionSell
}

// trendScore averages the EMA cross and price-vs-SMA directions.
func trendScore(ind *indicators.Set) float64 {
	var score float64
	switch {
	case ind.EMAFast > ind.EMASlow:
		score += 1
	case ind.EMAFast < ind.EMASlow:
		score -= 1
	}
	switch {
	case ind.LastClose > ind.SMA:
		score += 1
	case ind.LastClose < ind.SMA:
		score -= 1
	}
	return score / 2
}

// momentumScore reads the RSI zone. Oversold argues for buy, overbought for
// sell, the middle scales linearly.
func momentumScore(rsi float64) float64 {
	switch {
	case rsi <= 30:
		return 1
	case rsi >= 70:
		return -1
	default:
		return (50 - rsi) / 20
	}
}

func macdScore(ind *indicators.Set) float64 {
	switch {
	case ind.MACDHistogram > 0:
		return 1
	case ind.MACDHistogram < 0:
		return -1
	}
	return 0
}

// bollingerScore is mean-reverting: price hugging the upper band argues
// against buying.
func bollingerScore(ind *indicators.Set) float64 {
	return -indicators.BollingerPosition(ind.LastClose, ind.BollUpper, ind.BollLower)
}

// marketCondition ranks the current ATR/price ratio against the series' own
// per-bar true-range history.
func marketCondition(series *market.BarSeries, ind *indicators.Set) MarketCondition {
	if ind.LastClose <= 0 || series.Len() < 2 {
		return ConditionTrending
	}
	current := ind.ATR / ind.LastClose

	below, total := 0, 0
	for i := 1; i < series.Len(); i++ {
		prev := series.Bars[i-1]
		bar := series.Bars[i]
		tr := math.Max(bar.High-bar.Low,
			math.Max(math.Abs(bar.High-prev.Close), math.Abs(bar.Low-prev.Close)))
		if bar.Close <= 0 {
			continue
		}
		if tr/bar.Close < current {
			below++
		}
		total++
	}
	if total == 0 {
		return ConditionTrending
	}

	percentile := float64(below) / float64(total)
	switch {
	case percentile > 0.8:
		return ConditionVolatile
	case percentile < 0.2:
		return ConditionCalm
	default:
		return ConditionTrending
	}
}

// applyLevels sets ATR-derived stop loss and take profit at a 2.0
// risk/reward. Hold carries no levels.
func applyLevels(sig *Signal, atr float64) {
	if sig.Action == ActionHold || atr <= 0 {
		if sig.Action != ActionHold {
			downgradeToHold(sig)
		}
		return
	}

	risk := atrStopMultiple * atr
	switch sig.Action {
	case ActionBuy:
		sig.StopLoss = sig.EntryPrice - risk
		sig.TakeProfit = sig.EntryPrice + 2*risk
	case ActionSell:
		sig.StopLoss = sig.EntryPrice + risk
		sig.TakeProfit = sig.EntryPrice - 2*risk
	}
	sig.RiskRewardRatio = 2.0
}

func downgradeToHold(sig *Signal) {
	sig.Action = ActionHold
	sig.StopLoss = 0
	sig.TakeProfit = 0
	sig.RiskRewardRatio = 0
}
