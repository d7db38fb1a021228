package dispatch

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"aifx-advisor/internal/planner"
	"aifx-advisor/internal/registry"
)

// EmailTransport delivers via an SMTP gateway. Connect failures are plain
// errors so the dispatcher retries with backoff.
type EmailTransport struct {
	host      string
	port      string
	username  string
	password  string
	from      string
	fromName  string
	addresses AddressBook

	// send is swappable for tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// EmailConfig holds SMTP configuration.
type EmailConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

func NewEmailTransport(cfg EmailConfig, addresses AddressBook) *EmailTransport {
	if addresses == nil {
		addresses = IdentityAddressBook{}
	}
	fromName := cfg.FromName
	if fromName == "" {
		fromName = "AIFX Advisor"
	}
	return &EmailTransport{
		host:      cfg.Host,
		port:      cfg.Port,
		username:  cfg.Username,
		password:  cfg.Password,
		from:      cfg.From,
		fromName:  fromName,
		addresses: addresses,
		send:      smtp.SendMail,
	}
}

func (e *EmailTransport) Name() registry.Transport { return registry.TransportEmail }

func (e *EmailTransport) Send(ctx context.Context, delivery *planner.Delivery) error {
	to, ok := e.addresses.Resolve(delivery.SubscriberID, registry.TransportEmail)
	if !ok {
		return &PermanentError{Reason: "no email address for subscriber"}
	}

	subject := "Position update"
	if sig := delivery.Signal; sig != nil {
		subject = fmt.Sprintf("Signal update: %s %s %s",
			strings.ToUpper(string(sig.Action)), sig.Pair, sig.Timeframe)
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s <%s>\r\n", e.fromName, e.from)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=\"UTF-8\"\r\n\r\n")
	msg.WriteString(FormatChange(delivery))

	auth := smtp.PlainAuth("", e.username, e.password, e.host)
	addr := e.host + ":" + e.port
	if err := e.send(addr, auth, e.from, []string{to}, []byte(msg.String())); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}
