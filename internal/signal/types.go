package signal

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"aifx-advisor/internal/market"
)

// Action is the advised direction.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

// Strength is the confidence band.
type Strength string

const (
	StrengthWeak       Strength = "weak"
	StrengthModerate   Strength = "moderate"
	StrengthStrong     Strength = "strong"
	StrengthVeryStrong Strength = "very_strong"
)

// StrengthFromConfidence maps confidence to its band.
// [0,0.5) weak, [0.5,0.65) moderate, [0.65,0.8) strong, [0.8,1] very_strong.
func StrengthFromConfidence(confidence float64) Strength {
	switch {
	case confidence >= 0.8:
		return StrengthVeryStrong
	case confidence >= 0.65:
		return StrengthStrong
	case confidence >= 0.5:
		return StrengthModerate
	default:
		return StrengthWeak
	}
}

// Rank orders bands for upgrade detection. Higher is stronger.
func (s Strength) Rank() int {
	switch s {
	case StrengthWeak:
		return 0
	case StrengthModerate:
		return 1
	case StrengthStrong:
		return 2
	case StrengthVeryStrong:
		return 3
	}
	return -1
}

// MarketCondition classifies current volatility.
type MarketCondition string

const (
	ConditionCalm     MarketCondition = "calm"
	ConditionTrending MarketCondition = "trending"
	ConditionVolatile MarketCondition = "volatile"
)

// Source records whether ML contributed to the signal.
type Source string

const (
	SourceMLEnhanced    Source = "ml_enhanced"
	SourceTechnicalOnly Source = "technical_only"
)

// Status is the signal lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusTriggered Status = "triggered"
	StatusStopped   Status = "stopped"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is legal from s.
func (s Status) Terminal() bool { return s != StatusActive }

// Outcome is the eventual result of a triggered signal.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeWin       Outcome = "win"
	OutcomeLoss      Outcome = "loss"
	OutcomeBreakeven Outcome = "breakeven"
)

// Factors is the per-dimension score breakdown.
type Factors struct {
	Technical float64 `json:"technical"`
	Sentiment float64 `json:"sentiment"`
	Pattern   float64 `json:"pattern"`
}

// Signal is the primary advisory entity. Rows are append-only; only status
// and outcome fields mutate after insert.
type Signal struct {
	ID          string           `json:"id"`
	Pair        market.Pair      `json:"pair"`
	Timeframe   market.Timeframe `json:"timeframe"`
	GeneratedAt time.Time        `json:"generated_at"`

	Action     Action   `json:"action"`
	Confidence float64  `json:"confidence"`
	Strength   Strength `json:"strength"`

	EntryPrice      float64 `json:"entry_price"`
	StopLoss        float64 `json:"stop_loss,omitempty"`
	TakeProfit      float64 `json:"take_profit,omitempty"`
	RiskRewardRatio float64 `json:"risk_reward_ratio,omitempty"`

	MarketCondition MarketCondition `json:"market_condition"`
	Source          Source          `json:"source"`
	ModelVersion    string          `json:"model_version,omitempty"`
	Factors         Factors         `json:"factors"`

	Status         Status    `json:"status"`
	ExpiresAt      time.Time `json:"expires_at"`
	TriggeredAt    time.Time `json:"triggered_at,omitempty"`
	TriggeredPrice float64   `json:"triggered_price,omitempty"`
	ActualOutcome  Outcome   `json:"actual_outcome"`
}

// NewID generates a signal identifier.
func NewID() string { return uuid.New().String() }

// Validate checks the pricing invariants. A buy must have SL below entry and
// TP above; sell is symmetric; hold carries no levels.
func (s *Signal) Validate() error {
	if _, err := market.ParsePair(string(s.Pair)); err != nil {
		return err
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("confidence %v out of [0,1]", s.Confidence)
	}
	if StrengthFromConfidence(s.Confidence) != s.Strength {
		return fmt.Errorf("strength %s does not match confidence %v", s.Strength, s.Confidence)
	}

	switch s.Action {
	case ActionBuy:
		if !(s.StopLoss < s.EntryPrice && s.EntryPrice < s.TakeProfit) {
			return fmt.Errorf("buy pricing invariant violated: sl=%v entry=%v tp=%v",
				s.StopLoss, s.EntryPrice, s.TakeProfit)
		}
	case ActionSell:
		if !(s.TakeProfit < s.EntryPrice && s.EntryPrice < s.StopLoss) {
			return fmt.Errorf("sell pricing invariant violated: sl=%v entry=%v tp=%v",
				s.StopLoss, s.EntryPrice, s.TakeProfit)
		}
	case ActionHold:
		if s.StopLoss != 0 || s.TakeProfit != 0 {
			return fmt.Errorf("hold must not carry stop loss or take profit")
		}
	default:
		return fmt.Errorf("unknown action %q", s.Action)
	}
	return nil
}

// Change is one append-only entry in the change log. It drives cooldown:
// once NotifiedAt is set the record is never updated again except for
// appending notified subscribers.
type Change struct {
	ID            string           `json:"id"`
	Pair          market.Pair      `json:"pair"`
	Timeframe     market.Timeframe `json:"timeframe"`
	OldAction     Action           `json:"old_action,omitempty"` // empty for first signal
	NewAction     Action           `json:"new_action"`
	OldConfidence float64          `json:"old_confidence,omitempty"`
	NewConfidence float64          `json:"new_confidence"`

	Strength        Strength        `json:"strength"`
	MarketCondition MarketCondition `json:"market_condition"`

	DetectedAt          time.Time `json:"detected_at"`
	NotifiedAt          time.Time `json:"notified_at,omitempty"`
	NotifiedSubscribers []string  `json:"notified_subscribers,omitempty"`
}
