package registry

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"aifx-advisor/internal/market"
	"aifx-advisor/internal/signal"
)

// Transport names a delivery channel.
type Transport string

const (
	TransportWebSocket Transport = "websocket"
	TransportDiscord   Transport = "discord"
	TransportLine      Transport = "line"
	TransportEmail     Transport = "email"
)

// ValidTransport reports whether t is a known transport.
func ValidTransport(t Transport) bool {
	switch t {
	case TransportWebSocket, TransportDiscord, TransportLine, TransportEmail:
		return true
	}
	return false
}

// MuteWindow is a half-open local-time interval. Start is inclusive, End
// exclusive. A window may wrap midnight (23:00-07:00).
type MuteWindow struct {
	Start int // minutes since local midnight
	End   int
}

// ParseMuteWindow parses "HH:MM-HH:MM".
func ParseMuteWindow(s string) (MuteWindow, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 2 {
		return MuteWindow{}, fmt.Errorf("invalid mute window %q", s)
	}
	start, err := parseClock(parts[0])
	if err != nil {
		return MuteWindow{}, fmt.Errorf("invalid mute window %q: %w", s, err)
	}
	end, err := parseClock(parts[1])
	if err != nil {
		return MuteWindow{}, fmt.Errorf("invalid mute window %q: %w", s, err)
	}
	return MuteWindow{Start: start, End: end}, nil
}

func parseClock(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("bad clock %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("bad hour %q", parts[0])
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad minute %q", parts[1])
	}
	return h*60 + m, nil
}

func (w MuteWindow) String() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d", w.Start/60, w.Start%60, w.End/60, w.End%60)
}

// Contains reports whether the local time t falls in the window.
func (w MuteWindow) Contains(t time.Time) bool {
	minute := t.Hour()*60 + t.Minute()
	if w.Start <= w.End {
		return minute >= w.Start && minute < w.End
	}
	// Wraps midnight.
	return minute >= w.Start || minute < w.End
}

// Policy is the per-subscriber notification configuration.
type Policy struct {
	SubscriberID      string             `json:"subscriber_id"`
	MinConfidence     float64            `json:"min_confidence"`
	CooldownMinutes   int                `json:"cooldown_minutes"`
	DailyCap          int                `json:"daily_cap"`
	MuteWindows       []MuteWindow       `json:"mute_windows"`
	Timezone          string             `json:"timezone"`
	EnabledTimeframes []market.Timeframe `json:"enabled_timeframes"`
	TransportsEnabled []Transport        `json:"transports_enabled"`
	NotifyHold        bool               `json:"notify_hold"`
	StrongOnly        bool               `json:"strong_only"`
}

// PolicyDefaults are the values handed to subscribers without an explicit
// policy record. Zero fields keep the built-in value.
type PolicyDefaults struct {
	MinConfidence   float64
	CooldownMinutes int
	DailyCap        int
	Timezone        string
}

var policyDefaults = PolicyDefaults{
	MinConfidence:   0.6,
	CooldownMinutes: 60,
	DailyCap:        20,
	Timezone:        "UTC",
}

// SetPolicyDefaults overrides the built-in defaults. Called once at startup,
// before any subscriber traffic.
func SetPolicyDefaults(d PolicyDefaults) {
	if d.MinConfidence > 0 {
		policyDefaults.MinConfidence = d.MinConfidence
	}
	if d.CooldownMinutes > 0 {
		policyDefaults.CooldownMinutes = d.CooldownMinutes
	}
	if d.DailyCap > 0 {
		policyDefaults.DailyCap = d.DailyCap
	}
	if d.Timezone != "" {
		policyDefaults.Timezone = d.Timezone
	}
}

// DefaultPolicy returns the policy applied to subscribers without an
// explicit record.
func DefaultPolicy(subscriberID string) *Policy {
	return &Policy{
		SubscriberID:      subscriberID,
		MinConfidence:     policyDefaults.MinConfidence,
		CooldownMinutes:   policyDefaults.CooldownMinutes,
		DailyCap:          policyDefaults.DailyCap,
		Timezone:          policyDefaults.Timezone,
		EnabledTimeframes: []market.Timeframe{market.TF15m, market.TF1h, market.TF4h, market.TF1d},
		TransportsEnabled: []Transport{TransportWebSocket},
	}
}

// Location resolves the subscriber timezone, falling back to UTC on a bad
// IANA name.
func (p *Policy) Location() *time.Location {
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Muted reports whether now falls in any mute window in subscriber local time.
func (p *Policy) Muted(now time.Time) bool {
	local := now.In(p.Location())
	for _, w := range p.MuteWindows {
		if w.Contains(local) {
			return true
		}
	}
	return false
}

// TimeframeEnabled reports whether the subscriber wants this timeframe.
func (p *Policy) TimeframeEnabled(tf market.Timeframe) bool {
	for _, t := range p.EnabledTimeframes {
		if t == tf {
			return true
		}
	}
	return false
}

// TransportEnabled reports whether the subscriber wants this transport.
func (p *Policy) TransportEnabled(t Transport) bool {
	for _, tr := range p.TransportsEnabled {
		if tr == t {
			return true
		}
	}
	return false
}

// AcceptsStrength applies the strong-only flag: when set, only strong and
// very_strong signals pass.
func (p *Policy) AcceptsStrength(s signal.Strength) bool {
	if !p.StrongOnly {
		return true
	}
	return s == signal.StrengthStrong || s == signal.StrengthVeryStrong
}

// LocalMidnight returns subscriber-local midnight for the day containing now.
func (p *Policy) LocalMidnight(now time.Time) time.Time {
	local := now.In(p.Location())
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
}

// clone returns a deep copy for copy-on-write snapshots.
func (p *Policy) clone() *Policy {
	copied := *p
	copied.MuteWindows = append([]MuteWindow(nil), p.MuteWindows...)
	copied.EnabledTimeframes = append([]market.Timeframe(nil), p.EnabledTimeframes...)
	copied.TransportsEnabled = append([]Transport(nil), p.TransportsEnabled...)
	return &copied
}

// PolicyPatch is a partial policy update. Nil fields are left unchanged.
type PolicyPatch struct {
	MinConfidence     *float64            `json:"min_confidence,omitempty"`
	CooldownMinutes   *int                `json:"cooldown_minutes,omitempty"`
	DailyCap          *int                `json:"daily_cap,omitempty"`
	MuteWindows       *[]string           `json:"mute_windows,omitempty"`
	Timezone          *string             `json:"timezone,omitempty"`
	EnabledTimeframes *[]market.Timeframe `json:"enabled_timeframes,omitempty"`
	TransportsEnabled *[]Transport        `json:"transports_enabled,omitempty"`
	NotifyHold        *bool               `json:"notify_hold,omitempty"`
	StrongOnly        *bool               `json:"strong_only,omitempty"`
}

// Validate checks patch fields before applying.
func (p *PolicyPatch) Validate() error {
	if p.MinConfidence != nil && (*p.MinConfidence < 0 || *p.MinConfidence > 1) {
		return fmt.Errorf("min_confidence %v out of [0,1]", *p.MinConfidence)
	}
	if p.CooldownMinutes != nil && *p.CooldownMinutes < 0 {
		return fmt.Errorf("cooldown_minutes must be >= 0")
	}
	if p.DailyCap != nil && *p.DailyCap < 0 {
		return fmt.Errorf("daily_cap must be >= 0")
	}
	if p.Timezone != nil {
		if _, err := time.LoadLocation(*p.Timezone); err != nil {
			return fmt.Errorf("unknown timezone %q", *p.Timezone)
		}
	}
	if p.MuteWindows != nil {
		for _, w := range *p.MuteWindows {
			if _, err := ParseMuteWindow(w); err != nil {
				return err
			}
		}
	}
	if p.EnabledTimeframes != nil {
		for _, tf := range *p.EnabledTimeframes {
			if !tf.Valid() {
				return fmt.Errorf("unknown timeframe %q", tf)
			}
		}
	}
	if p.TransportsEnabled != nil {
		for _, tr := range *p.TransportsEnabled {
			if !ValidTransport(tr) {
				return fmt.Errorf("unknown transport %q", tr)
			}
		}
	}
	return nil
}
