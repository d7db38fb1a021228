package planner

import (
	"context"
	"testing"
	"time"

	"aifx-advisor/internal/logging"
	"aifx-advisor/internal/market"
	"aifx-advisor/internal/registry"
	"aifx-advisor/internal/signal"
	"aifx-advisor/internal/store"
)

type fixture struct {
	planner  *Planner
	registry *registry.Registry
	signals  *store.MemorySignalStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logging.New(&logging.Config{Level: "FATAL", Output: "stderr"})
	reg, err := registry.New(context.Background(), registry.NewMemoryStore(), log)
	if err != nil {
		t.Fatal(err)
	}
	signals := store.NewMemorySignalStore()
	return &fixture{
		planner:  New(reg, signals, log),
		registry: reg,
		signals:  signals,
	}
}

func (f *fixture) subscribe(t *testing.T, id string, transport registry.Transport, patch *registry.PolicyPatch) {
	t.Helper()
	ctx := context.Background()
	err := f.registry.Subscribe(ctx, registry.Subscription{
		SubscriberID: id, Transport: transport, Pair: "EUR/USD", Timeframe: market.TF1h,
	})
	if err != nil {
		t.Fatal(err)
	}
	if patch != nil {
		if _, err := f.registry.UpdatePolicy(ctx, id, patch); err != nil {
			t.Fatal(err)
		}
	}
}

func testChange(action signal.Action, confidence float64, at time.Time) (*signal.Change, *signal.Signal) {
	sig := &signal.Signal{
		ID: signal.NewID(), Pair: "EUR/USD", Timeframe: market.TF1h, GeneratedAt: at,
		Action: action, Confidence: confidence, Strength: signal.StrengthFromConfidence(confidence),
		EntryPrice: 1.10, Status: signal.StatusActive, ExpiresAt: at.Add(4 * time.Hour),
	}
	change := signal.NewChange(nil, sig, at)
	return change, sig
}

func TestPlanBasicFilters(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	change, sig := testChange(signal.ActionBuy, 0.754, now)

	lowFloor := 0.5
	highFloor := 0.8
	f.subscribe(t, "passes", registry.TransportDiscord, &registry.PolicyPatch{MinConfidence: &lowFloor})
	f.subscribe(t, "floor-too-high", registry.TransportDiscord, &registry.PolicyPatch{MinConfidence: &highFloor})

	// Subscribed on a transport the policy does not enable.
	noDiscord := []registry.Transport{registry.TransportWebSocket}
	f.subscribe(t, "wrong-transport", registry.TransportDiscord, &registry.PolicyPatch{
		MinConfidence: &lowFloor, TransportsEnabled: &noDiscord,
	})

	// Timeframe not enabled.
	only4h := []market.Timeframe{market.TF4h}
	f.subscribe(t, "wrong-timeframe", registry.TransportDiscord, &registry.PolicyPatch{
		MinConfidence: &lowFloor, EnabledTimeframes: &only4h,
	})

	planned, err := f.planner.Plan(context.Background(), change, sig, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(planned) != 1 || planned[0].SubscriberID != "passes" {
		t.Errorf("planned = %+v, want only 'passes'", planned)
	}
}

func TestPlanHoldFilter(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	change, sig := testChange(signal.ActionHold, 0.7, now)

	floor := 0.5
	wantsHold := true
	f.subscribe(t, "default", registry.TransportDiscord, &registry.PolicyPatch{MinConfidence: &floor})
	f.subscribe(t, "wants-hold", registry.TransportDiscord, &registry.PolicyPatch{
		MinConfidence: &floor, NotifyHold: &wantsHold,
	})

	planned, err := f.planner.Plan(context.Background(), change, sig, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(planned) != 1 || planned[0].SubscriberID != "wants-hold" {
		t.Errorf("planned = %+v, want only 'wants-hold'", planned)
	}
}

func TestPlanStrongOnlyFilter(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	change, sig := testChange(signal.ActionBuy, 0.55, now) // moderate

	floor := 0.5
	strong := true
	f.subscribe(t, "strict", registry.TransportDiscord, &registry.PolicyPatch{
		MinConfidence: &floor, StrongOnly: &strong,
	})

	planned, err := f.planner.Plan(context.Background(), change, sig, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(planned) != 0 {
		t.Errorf("moderate signal delivered to strong-only subscriber: %+v", planned)
	}
}

func TestPlanMuteWindowLocalTime(t *testing.T) {
	f := newFixture(t)

	floor := 0.5
	tz := "Asia/Taipei"
	windows := []string{"23:00-07:00"}
	f.subscribe(t, "taipei", registry.TransportDiscord, &registry.PolicyPatch{
		MinConfidence: &floor, Timezone: &tz, MuteWindows: &windows,
	})

	// 18:30Z = 02:30 Taipei: muted.
	muted := time.Date(2024, 6, 1, 18, 30, 0, 0, time.UTC)
	change, sig := testChange(signal.ActionBuy, 0.754, muted)
	planned, err := f.planner.Plan(context.Background(), change, sig, muted)
	if err != nil {
		t.Fatal(err)
	}
	if len(planned) != 0 {
		t.Errorf("delivery planned inside mute window: %+v", planned)
	}

	// 00:30Z = 08:30 Taipei: delivered.
	awake := time.Date(2024, 6, 1, 0, 30, 0, 0, time.UTC)
	change, sig = testChange(signal.ActionBuy, 0.754, awake)
	planned, err = f.planner.Plan(context.Background(), change, sig, awake)
	if err != nil {
		t.Fatal(err)
	}
	if len(planned) != 1 {
		t.Errorf("planned = %+v, want delivery outside mute window", planned)
	}
}

func TestPlanCooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	floor := 0.5
	longCooldown := 240
	shortCooldown := 60
	f.subscribe(t, "S", registry.TransportDiscord, &registry.PolicyPatch{
		MinConfidence: &floor, CooldownMinutes: &longCooldown,
	})
	f.subscribe(t, "T", registry.TransportDiscord, &registry.PolicyPatch{
		MinConfidence: &floor, CooldownMinutes: &shortCooldown,
	})

	// Both were notified of an earlier change 3 and 2 hours ago.
	earlier, earlierSig := testChange(signal.ActionBuy, 0.70, now.Add(-3*time.Hour))
	if err := f.signals.Put(ctx, earlierSig, earlier); err != nil {
		t.Fatal(err)
	}
	if err := f.signals.MarkNotified(ctx, earlier.ID, "S", now.Add(-3*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := f.signals.MarkNotified(ctx, earlier.ID, "T", now.Add(-2*time.Hour)); err != nil {
		t.Fatal(err)
	}

	change, sig := testChange(signal.ActionSell, 0.72, now)
	planned, err := f.planner.Plan(ctx, change, sig, now)
	if err != nil {
		t.Fatal(err)
	}
	// S is still cooling down (3h < 240m); T's 60m cooldown elapsed.
	if len(planned) != 1 || planned[0].SubscriberID != "T" {
		t.Errorf("planned = %+v, want only T", planned)
	}
}

func TestPlanDailyCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	floor := 0.5
	dailyCap := 2
	noCooldown := 0
	f.subscribe(t, "capped", registry.TransportDiscord, &registry.PolicyPatch{
		MinConfidence: &floor, DailyCap: &dailyCap, CooldownMinutes: &noCooldown,
	})

	// Two deliveries already today.
	for i := 0; i < 2; i++ {
		at := now.Add(time.Duration(-i-1) * time.Hour)
		c, s := testChange(signal.ActionBuy, 0.70, at)
		if err := f.signals.Put(ctx, s, c); err != nil {
			t.Fatal(err)
		}
		if err := f.signals.MarkNotified(ctx, c.ID, "capped", at); err != nil {
			t.Fatal(err)
		}
	}

	change, sig := testChange(signal.ActionSell, 0.72, now)
	planned, err := f.planner.Plan(ctx, change, sig, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(planned) != 0 {
		t.Errorf("planned = %+v, want none (daily cap reached)", planned)
	}
}
