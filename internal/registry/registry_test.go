package registry

import (
	"context"
	"testing"
	"time"

	"aifx-advisor/internal/logging"
	"aifx-advisor/internal/market"
	"aifx-advisor/internal/signal"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	log := logging.New(&logging.Config{Level: "FATAL", Output: "stderr"})
	r, err := New(context.Background(), NewMemoryStore(), log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestSubscribeIdempotent(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()
	sub := Subscription{SubscriberID: "user-1", Transport: TransportDiscord, Pair: "EUR/USD", Timeframe: market.TF1h}

	if err := r.Subscribe(ctx, sub); err != nil {
		t.Fatal(err)
	}
	if err := r.Subscribe(ctx, sub); err != nil {
		t.Fatal(err)
	}

	subs := r.ListSubscribers("EUR/USD", market.TF1h)
	if len(subs) != 1 {
		t.Errorf("subscribers = %d, want 1 after duplicate subscribe", len(subs))
	}
}

func TestSubscribeValidation(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()

	bad := []Subscription{
		{SubscriberID: "u", Transport: TransportDiscord, Pair: "eurusd", Timeframe: market.TF1h},
		{SubscriberID: "u", Transport: TransportDiscord, Pair: "EUR/USD", Timeframe: "2h"},
		{SubscriberID: "u", Transport: "telegram", Pair: "EUR/USD", Timeframe: market.TF1h},
	}
	for _, sub := range bad {
		if err := r.Subscribe(ctx, sub); err == nil {
			t.Errorf("Subscribe(%+v) accepted", sub)
		}
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()
	sub := Subscription{SubscriberID: "user-1", Transport: TransportDiscord, Pair: "EUR/USD", Timeframe: market.TF1h}

	if err := r.Subscribe(ctx, sub); err != nil {
		t.Fatal(err)
	}
	if err := r.Unsubscribe(ctx, sub); err != nil {
		t.Fatal(err)
	}
	if err := r.Unsubscribe(ctx, sub); err != nil {
		t.Errorf("second unsubscribe failed: %v", err)
	}
	if subs := r.ListSubscribers("EUR/USD", market.TF1h); len(subs) != 0 {
		t.Errorf("subscribers = %d, want 0", len(subs))
	}
}

func TestListSubscribersResolvesPolicy(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()

	sub := Subscription{SubscriberID: "user-1", Transport: TransportDiscord, Pair: "EUR/USD", Timeframe: market.TF1h}
	if err := r.Subscribe(ctx, sub); err != nil {
		t.Fatal(err)
	}

	subs := r.ListSubscribers("EUR/USD", market.TF1h)
	if len(subs) != 1 {
		t.Fatalf("subscribers = %d", len(subs))
	}
	// No explicit policy recorded: defaults apply.
	if subs[0].Policy.MinConfidence != 0.6 || subs[0].Policy.CooldownMinutes != 60 {
		t.Errorf("default policy = %+v", subs[0].Policy)
	}

	minConf := 0.8
	if _, err := r.UpdatePolicy(ctx, "user-1", &PolicyPatch{MinConfidence: &minConf}); err != nil {
		t.Fatal(err)
	}
	subs = r.ListSubscribers("EUR/USD", market.TF1h)
	if subs[0].Policy.MinConfidence != 0.8 {
		t.Errorf("updated policy not visible: %+v", subs[0].Policy)
	}
}

func TestUpdatePolicyPartial(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()

	cooldown := 240
	windows := []string{"23:00-07:00"}
	tz := "Asia/Taipei"
	p, err := r.UpdatePolicy(ctx, "user-1", &PolicyPatch{
		CooldownMinutes: &cooldown,
		MuteWindows:     &windows,
		Timezone:        &tz,
	})
	if err != nil {
		t.Fatal(err)
	}
	if p.CooldownMinutes != 240 || p.Timezone != "Asia/Taipei" || len(p.MuteWindows) != 1 {
		t.Errorf("policy = %+v", p)
	}
	// Untouched fields keep defaults.
	if p.MinConfidence != 0.6 || p.DailyCap != 20 {
		t.Errorf("untouched fields changed: %+v", p)
	}
}

func TestUpdatePolicyValidation(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()

	badConf := 1.5
	if _, err := r.UpdatePolicy(ctx, "u", &PolicyPatch{MinConfidence: &badConf}); err == nil {
		t.Error("min_confidence 1.5 accepted")
	}
	badTZ := "Mars/Olympus"
	if _, err := r.UpdatePolicy(ctx, "u", &PolicyPatch{Timezone: &badTZ}); err == nil {
		t.Error("bad timezone accepted")
	}
	badWindow := []string{"25:00-07:00"}
	if _, err := r.UpdatePolicy(ctx, "u", &PolicyPatch{MuteWindows: &badWindow}); err == nil {
		t.Error("bad mute window accepted")
	}
}

func TestMuteWindowContains(t *testing.T) {
	w, err := ParseMuteWindow("00:00-07:00")
	if err != nil {
		t.Fatal(err)
	}

	at := func(h, m int) time.Time {
		return time.Date(2024, 6, 1, h, m, 0, 0, time.UTC)
	}
	if !w.Contains(at(0, 0)) {
		t.Error("00:00 should be muted (start inclusive)")
	}
	if w.Contains(at(7, 0)) {
		t.Error("07:00 should not be muted (end exclusive)")
	}
	if !w.Contains(at(6, 59)) {
		t.Error("06:59 should be muted")
	}

	// Wrapping window.
	wrap, err := ParseMuteWindow("23:00-07:00")
	if err != nil {
		t.Fatal(err)
	}
	if !wrap.Contains(at(23, 30)) || !wrap.Contains(at(2, 30)) {
		t.Error("wrapping window should cover 23:30 and 02:30")
	}
	if wrap.Contains(at(12, 0)) {
		t.Error("wrapping window should not cover noon")
	}
}

func TestPolicyMutedUsesLocalTime(t *testing.T) {
	w, _ := ParseMuteWindow("23:00-07:00")
	p := &Policy{Timezone: "Asia/Taipei", MuteWindows: []MuteWindow{w}}

	// 2024-06-01T18:30Z is 02:30 next day in Taipei: muted.
	if !p.Muted(time.Date(2024, 6, 1, 18, 30, 0, 0, time.UTC)) {
		t.Error("18:30Z should be muted in Asia/Taipei")
	}
	// 2024-06-01T00:30Z is 08:30 in Taipei: not muted.
	if p.Muted(time.Date(2024, 6, 1, 0, 30, 0, 0, time.UTC)) {
		t.Error("00:30Z should not be muted in Asia/Taipei")
	}
}

func TestAcceptsStrength(t *testing.T) {
	open := &Policy{}
	strict := &Policy{StrongOnly: true}

	for _, s := range []signal.Strength{signal.StrengthWeak, signal.StrengthModerate, signal.StrengthStrong, signal.StrengthVeryStrong} {
		if !open.AcceptsStrength(s) {
			t.Errorf("open policy rejected %s", s)
		}
	}
	if strict.AcceptsStrength(signal.StrengthModerate) {
		t.Error("strong-only accepted moderate")
	}
	if !strict.AcceptsStrength(signal.StrengthStrong) || !strict.AcceptsStrength(signal.StrengthVeryStrong) {
		t.Error("strong-only rejected strong band")
	}
}

func TestSnapshotIsolation(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()

	sub := Subscription{SubscriberID: "user-1", Transport: TransportDiscord, Pair: "EUR/USD", Timeframe: market.TF1h}
	if err := r.Subscribe(ctx, sub); err != nil {
		t.Fatal(err)
	}

	subs := r.ListSubscribers("EUR/USD", market.TF1h)
	// Mutating the returned policy must not leak into the registry.
	subs[0].Policy.MinConfidence = 0.99
	again := r.ListSubscribers("EUR/USD", market.TF1h)
	if again[0].Policy.MinConfidence == 0.99 {
		t.Error("snapshot policy aliased with registry state")
	}
}
