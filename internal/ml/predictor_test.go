package ml

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"aifx-advisor/internal/logging"
	"aifx-advisor/internal/market"
)

func testSeries() *market.BarSeries {
	ts := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]market.Bar, 30)
	for i := range bars {
		bars[i] = market.Bar{
			Timestamp: ts.Add(time.Duration(i) * time.Hour),
			Open:      1.10, High: 1.11, Low: 1.09, Close: 1.10, Volume: 100,
		}
	}
	return &market.BarSeries{Pair: "EUR/USD", Timeframe: market.TF1h, Bars: bars}
}

func quietLogger() *logging.Logger {
	return logging.New(&logging.Config{Level: "FATAL", Output: "stderr"})
}

func TestPredictSuccess(t *testing.T) {
	var gotReq predictRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/predict/reversal" {
			t.Errorf("path = %s, want /predict/reversal", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Prediction{
			Direction:    DirectionBuy,
			Confidence:   0.82,
			ModelVersion: "v3.1",
			Factors:      Factors{Technical: 0.7, Sentiment: 0.5, Pattern: 0.9},
		})
	}))
	defer server.Close()

	p := NewPredictor(&Config{BaseURL: server.URL, Timeout: 2 * time.Second}, quietLogger())
	pred, err := p.Predict(context.Background(), testSeries())
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if pred.Direction != DirectionBuy || pred.Confidence != 0.82 {
		t.Errorf("prediction = %+v", pred)
	}
	if gotReq.Pair != "EUR/USD" || gotReq.Timeframe != "1h" || len(gotReq.Bars) != 30 {
		t.Errorf("request = pair %s tf %s bars %d", gotReq.Pair, gotReq.Timeframe, len(gotReq.Bars))
	}
}

func TestPredictNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	p := NewPredictor(&Config{BaseURL: server.URL}, quietLogger())
	_, err := p.Predict(context.Background(), testSeries())
	if !errors.Is(err, ErrPredictorUnavailable) {
		t.Fatalf("expected ErrPredictorUnavailable, got %v", err)
	}
}

func TestPredictMalformedDirection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"direction": "sideways", "confidence": 0.5})
	}))
	defer server.Close()

	p := NewPredictor(&Config{BaseURL: server.URL}, quietLogger())
	_, err := p.Predict(context.Background(), testSeries())
	if !errors.Is(err, ErrPredictorUnavailable) {
		t.Fatalf("expected ErrPredictorUnavailable, got %v", err)
	}
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := NewBreaker(DefaultBreakerConfig())
	for i := 0; i < 5; i++ {
		if !b.Allow() {
			t.Fatalf("breaker refused before threshold at failure %d", i)
		}
		b.RecordFailure()
	}
	if b.Allow() {
		t.Error("breaker should be open after 5 consecutive failures")
	}
	if b.State() != StateOpen {
		t.Errorf("state = %s, want open", b.State())
	}
}

func TestBreakerWindowResetsCount(t *testing.T) {
	b := NewBreaker(DefaultBreakerConfig())
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	b.now = func() time.Time { return current }

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	// Failures age out of the 60s window before the fifth arrives.
	current = base.Add(61 * time.Second)
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Errorf("state = %s, want closed (window reset)", b.State())
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := NewBreaker(DefaultBreakerConfig())
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	b.now = func() time.Time { return current }

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	if b.Allow() {
		t.Fatal("breaker should refuse while open")
	}

	current = base.Add(31 * time.Second)
	if !b.Allow() {
		t.Fatal("breaker should allow one probe in half-open")
	}
	if b.Allow() {
		t.Error("only one probe allowed while half-open")
	}

	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Errorf("state after successful probe = %s, want closed", b.State())
	}
	if !b.Allow() {
		t.Error("breaker should allow after closing")
	}
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	b := NewBreaker(DefaultBreakerConfig())
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	b.now = func() time.Time { return current }

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	current = base.Add(31 * time.Second)
	if !b.Allow() {
		t.Fatal("expected half-open probe")
	}
	b.RecordFailure()
	if b.Allow() {
		t.Error("breaker should reopen after failed probe")
	}
}
