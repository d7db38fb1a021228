package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"aifx-advisor/internal/market"
)

// Provider fetches OHLCV bars from one upstream market data source.
type Provider interface {
	Name() string
	Fetch(ctx context.Context, pair market.Pair, tf market.Timeframe, count int) ([]market.Bar, error)
}

// RESTProvider talks to an HTTPS JSON OHLCV endpoint via resty.
type RESTProvider struct {
	name string
	http *resty.Client
}

// ohlcvResponse is the provider wire format: a flat list of candles.
type ohlcvResponse struct {
	Symbol  string `json:"symbol"`
	Candles []struct {
		Timestamp int64   `json:"timestamp"` // unix seconds, bar open
		Open      float64 `json:"open"`
		High      float64 `json:"high"`
		Low       float64 `json:"low"`
		Close     float64 `json:"close"`
		Volume    float64 `json:"volume"`
	} `json:"candles"`
}

// NewRESTProvider creates a provider client. The API key is sent as a header
// on every request.
func NewRESTProvider(name, baseURL, apiKey string, timeout time.Duration) *RESTProvider {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		httpClient.SetHeader("X-API-Key", apiKey)
	}

	return &RESTProvider{name: name, http: httpClient}
}

func (p *RESTProvider) Name() string { return p.name }

// Fetch retrieves the latest count bars for (pair, tf).
func (p *RESTProvider) Fetch(ctx context.Context, pair market.Pair, tf market.Timeframe, count int) ([]market.Bar, error) {
	var result ohlcvResponse
	resp, err := p.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", strings.ReplaceAll(string(pair), "/", "")).
		SetQueryParam("interval", string(tf)).
		SetQueryParam("count", fmt.Sprintf("%d", count)).
		SetResult(&result).
		Get("/v1/ohlcv")
	if err != nil {
		return nil, fmt.Errorf("%s fetch: %w", p.name, err)
	}

	switch {
	case resp.StatusCode() == http.StatusOK:
		// fall through to decode
	case resp.StatusCode() == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%s: %w", p.name, ErrRateLimited)
	case resp.StatusCode() == http.StatusNotFound, resp.StatusCode() == http.StatusBadRequest:
		return nil, fmt.Errorf("%s: %w: %s", p.name, ErrBadSymbol, pair)
	case resp.StatusCode() >= 500:
		return nil, fmt.Errorf("%s: %w: status %d", p.name, ErrProviderUnavailable, resp.StatusCode())
	default:
		return nil, fmt.Errorf("%s: unexpected status %d: %s", p.name, resp.StatusCode(), resp.String())
	}

	bars := make([]market.Bar, 0, len(result.Candles))
	for _, c := range result.Candles {
		bars = append(bars, market.Bar{
			Timestamp: time.Unix(c.Timestamp, 0).UTC(),
			Open:      c.Open,
			High:      c.High,
			Low:       c.Low,
			Close:     c.Close,
			Volume:    c.Volume,
		})
	}
	return bars, nil
}
