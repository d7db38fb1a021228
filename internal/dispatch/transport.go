package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"aifx-advisor/internal/planner"
	"aifx-advisor/internal/registry"
	"aifx-advisor/internal/signal"
)

// Transport sends one planned delivery to a subscriber.
type Transport interface {
	Name() registry.Transport
	Send(ctx context.Context, delivery *planner.Delivery) error
}

// RateLimitError means the transport returned 429. The dispatcher honors
// RetryAfter and requeues once.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// PermanentError means the delivery can never succeed (4xx other than 429,
// revoked auth). The dispatcher drops and records it.
type PermanentError struct {
	Reason string
}

func (e *PermanentError) Error() string { return "permanent delivery failure: " + e.Reason }

// ErrNoRecipient means no one is listening (no connected socket). Dropped
// silently per the websocket contract.
var ErrNoRecipient = errors.New("no connected recipient")

// FormatChange renders the notification text shared by the chat transports.
func FormatChange(d *planner.Delivery) string {
	if d.Text != "" {
		return d.Text
	}

	sig := d.Signal
	var b strings.Builder

	emoji := "🟢"
	switch sig.Action {
	case signal.ActionSell:
		emoji = "🔴"
	case signal.ActionHold:
		emoji = "⏸️"
	}
	fmt.Fprintf(&b, "%s %s %s [%s]\n", emoji, strings.ToUpper(string(sig.Action)), sig.Pair, sig.Timeframe)
	fmt.Fprintf(&b, "Confidence: %.0f%% (%s)\n", sig.Confidence*100, sig.Strength)

	if sig.Action != signal.ActionHold {
		fmt.Fprintf(&b, "Entry: %.5f\nSL: %.5f | TP: %.5f (RR %.1f)\n",
			sig.EntryPrice, sig.StopLoss, sig.TakeProfit, sig.RiskRewardRatio)
	}
	if d.Change != nil && d.Change.OldAction != "" {
		fmt.Fprintf(&b, "Was: %s at %.0f%%\n", d.Change.OldAction, d.Change.OldConfidence*100)
	}
	fmt.Fprintf(&b, "Condition: %s | Source: %s", sig.MarketCondition, sig.Source)
	return b.String()
}
