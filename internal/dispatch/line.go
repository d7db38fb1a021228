package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"aifx-advisor/internal/planner"
	"aifx-advisor/internal/registry"
)

// LineTransport delivers via the LINE Messaging API push endpoint.
type LineTransport struct {
	channelAccessToken string
	apiBase            string
	addresses          AddressBook
	client             *http.Client
}

// LineConfig holds LINE transport configuration.
type LineConfig struct {
	ChannelAccessToken string
	APIBase            string // default https://api.line.me/v2/bot
}

func NewLineTransport(cfg LineConfig, addresses AddressBook) *LineTransport {
	base := cfg.APIBase
	if base == "" {
		base = "https://api.line.me/v2/bot"
	}
	if addresses == nil {
		addresses = IdentityAddressBook{}
	}
	return &LineTransport{
		channelAccessToken: cfg.ChannelAccessToken,
		apiBase:            base,
		addresses:          addresses,
		client:             &http.Client{Timeout: 10 * time.Second},
	}
}

func (l *LineTransport) Name() registry.Transport { return registry.TransportLine }

func (l *LineTransport) Send(ctx context.Context, delivery *planner.Delivery) error {
	userID, ok := l.addresses.Resolve(delivery.SubscriberID, registry.TransportLine)
	if !ok {
		return &PermanentError{Reason: "no line user for subscriber"}
	}

	payload := map[string]interface{}{
		"to": userID,
		"messages": []map[string]interface{}{
			{"type": "text", "text": FormatChange(delivery)},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal line payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.apiBase+"/message/push", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.channelAccessToken)

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("line send: %w", err)
	}
	defer resp.Body.Close()

	return classifyHTTPStatus(resp, "line")
}
