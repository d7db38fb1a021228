package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"aifx-advisor/internal/planner"
	"aifx-advisor/internal/registry"
	"aifx-advisor/internal/signal"
)

// AddressBook resolves a subscriber to a transport-specific address
// (Discord channel id, LINE user id, email address). Account linkage lives
// outside the core; the default book treats the subscriber id as the
// address.
type AddressBook interface {
	Resolve(subscriberID string, transport registry.Transport) (string, bool)
}

// IdentityAddressBook uses the subscriber id verbatim.
type IdentityAddressBook struct{}

func (IdentityAddressBook) Resolve(subscriberID string, _ registry.Transport) (string, bool) {
	return subscriberID, true
}

// DiscordTransport delivers via the Discord bot API, posting a message to
// the subscriber's channel.
type DiscordTransport struct {
	botToken  string
	apiBase   string
	addresses AddressBook
	client    *http.Client
}

// DiscordConfig holds Discord transport configuration.
type DiscordConfig struct {
	BotToken string
	APIBase  string // default https://discord.com/api/v10
}

func NewDiscordTransport(cfg DiscordConfig, addresses AddressBook) *DiscordTransport {
	base := cfg.APIBase
	if base == "" {
		base = "https://discord.com/api/v10"
	}
	if addresses == nil {
		addresses = IdentityAddressBook{}
	}
	return &DiscordTransport{
		botToken:  cfg.BotToken,
		apiBase:   base,
		addresses: addresses,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordTransport) Name() registry.Transport { return registry.TransportDiscord }

func (d *DiscordTransport) Send(ctx context.Context, delivery *planner.Delivery) error {
	channelID, ok := d.addresses.Resolve(delivery.SubscriberID, registry.TransportDiscord)
	if !ok {
		return &PermanentError{Reason: "no discord channel for subscriber"}
	}

	embed := map[string]interface{}{
		"description": FormatChange(delivery),
		"color":       0x95A5A6,
	}
	if sig := delivery.Signal; sig != nil {
		embed["title"] = fmt.Sprintf("%s %s", sig.Pair, sig.Timeframe)
		embed["timestamp"] = sig.GeneratedAt.Format(time.RFC3339)
		switch sig.Action {
		case signal.ActionBuy:
			embed["color"] = 0x2ECC71
		case signal.ActionSell:
			embed["color"] = 0xE74C3C
		}
	} else if delivery.Kind != "" {
		embed["title"] = delivery.Kind
	}
	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}

	url := fmt.Sprintf("%s/channels/%s/messages", d.apiBase, channelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bot "+d.botToken)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	defer resp.Body.Close()

	return classifyHTTPStatus(resp, "discord")
}

// classifyHTTPStatus maps a transport response to the dispatcher's retry
// taxonomy: 2xx ok, 429 rate-limited with Retry-After, other 4xx permanent,
// 5xx plain error (retryable with backoff).
func classifyHTTPStatus(resp *http.Response, transport string) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := time.Second
		if h := resp.Header.Get("Retry-After"); h != "" {
			if secs, err := strconv.ParseFloat(h, 64); err == nil {
				retryAfter = time.Duration(secs * float64(time.Second))
			}
		}
		return &RateLimitError{RetryAfter: retryAfter}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &PermanentError{Reason: fmt.Sprintf("%s status %d", transport, resp.StatusCode)}
	default:
		return fmt.Errorf("%s status %d", transport, resp.StatusCode)
	}
}
