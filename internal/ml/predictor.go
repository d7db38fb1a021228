package ml

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"aifx-advisor/internal/logging"
	"aifx-advisor/internal/market"
)

// ErrPredictorUnavailable means the inference service could not produce a
// prediction: timeout, connection failure, non-2xx, or open breaker. Callers
// degrade to technical-only synthesis.
var ErrPredictorUnavailable = errors.New("ml predictor unavailable")

// Direction is the predicted action.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
	DirectionHold Direction = "hold"
)

// Factors breaks a prediction down by contribution.
type Factors struct {
	Technical float64 `json:"technical"`
	Sentiment float64 `json:"sentiment"`
	Pattern   float64 `json:"pattern"`
}

// Prediction is the inference service response.
type Prediction struct {
	Direction    Direction `json:"direction"`
	Confidence   float64   `json:"confidence"`
	ModelVersion string    `json:"model_version"`
	Factors      Factors   `json:"factors"`
}

// predictRequest is the wire format for POST /predict/reversal.
type predictRequest struct {
	Pair      string    `json:"pair"`
	Timeframe string    `json:"timeframe"`
	Bars      []wireBar `json:"bars"`
}

type wireBar struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// Predictor calls the external inference service. Hard 2s timeout, one
// immediate retry on connection error only, breaker shared across all
// pipelines.
type Predictor struct {
	http    *resty.Client
	breaker *Breaker
	log     *logging.Logger
}

// Config holds predictor client settings.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Breaker *BreakerConfig
}

// NewPredictor creates a predictor client.
func NewPredictor(cfg *Config, log *logging.Logger) *Predictor {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(1).
		SetRetryWaitTime(0).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// Retry connection errors only. Semantic errors (any HTTP
			// response at all) are final.
			return err != nil && r.StatusCode() == 0
		})

	return &Predictor{
		http:    httpClient,
		breaker: NewBreaker(cfg.Breaker),
		log:     log,
	}
}

// Predict requests a reversal prediction for the series. Returns
// ErrPredictorUnavailable on any failure path.
func (p *Predictor) Predict(ctx context.Context, series *market.BarSeries) (*Prediction, error) {
	if !p.breaker.Allow() {
		return nil, fmt.Errorf("%w: circuit breaker open", ErrPredictorUnavailable)
	}

	bars := make([]wireBar, 0, len(series.Bars))
	for _, b := range series.Bars {
		bars = append(bars, wireBar{
			Timestamp: b.Timestamp.Unix(),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		})
	}

	var prediction Prediction
	resp, err := p.http.R().
		SetContext(ctx).
		SetBody(&predictRequest{
			Pair:      string(series.Pair),
			Timeframe: string(series.Timeframe),
			Bars:      bars,
		}).
		SetResult(&prediction).
		Post("/predict/reversal")
	if err != nil {
		p.breaker.RecordFailure()
		p.log.Warn("ml predict failed", "pair", series.Pair, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrPredictorUnavailable, err)
	}

	if resp.StatusCode() != http.StatusOK {
		p.breaker.RecordFailure()
		p.log.Warn("ml predict non-2xx", "pair", series.Pair, "status", resp.StatusCode())
		return nil, fmt.Errorf("%w: status %d", ErrPredictorUnavailable, resp.StatusCode())
	}

	if !validPrediction(&prediction) {
		p.breaker.RecordFailure()
		return nil, fmt.Errorf("%w: malformed response", ErrPredictorUnavailable)
	}

	p.breaker.RecordSuccess()
	return &prediction, nil
}

// BreakerState exposes the breaker for health reporting.
func (p *Predictor) BreakerState() BreakerState { return p.breaker.State() }

func validPrediction(pr *Prediction) bool {
	switch pr.Direction {
	case DirectionBuy, DirectionSell, DirectionHold:
	default:
		return false
	}
	return pr.Confidence >= 0 && pr.Confidence <= 1
}
