package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"

	"github.com/dropwatch/dropwatch/internal/config"
	"github.com/dropwatch/dropwatch/internal/model"
)

// SMTPMailer sends drop digests over SMTP with STARTTLS.
type SMTPMailer struct {
	host     string
	port     int
	user     string
	password string
	from     string
	to       string
	logger   *slog.Logger
}

// NewSMTPMailer builds a mailer from config. Returns an error when the
// recipient or relay is not configured.
func NewSMTPMailer(cfg config.NotifyConfig, logger *slog.Logger) (*SMTPMailer, error) {
	if cfg.Email == "" || cfg.SMTPHost == "" || cfg.SMTPUser == "" {
		return nil, fmt.Errorf("smtp recipient, host, and user are required")
	}
	from := cfg.EmailFrom
	if from == "" {
		from = cfg.SMTPUser
	}
	return &SMTPMailer{
		host:     cfg.SMTPHost,
		port:     cfg.SMTPPort,
		user:     cfg.SMTPUser,
		password: cfg.SMTPPassword,
		from:     from,
		to:       cfg.Email,
		logger:   logger.With("component", "smtp"),
	}, nil
}

// SendDigest emails one digest covering the batch of drop events.
func (m *SMTPMailer) SendDigest(_ context.Context, events []model.DropEvent) error {
	if len(events) == 0 {
		return nil
	}
	subject := fmt.Sprintf("%d reservation drop(s) detected", len(events))
	msg := buildDigestMessage(m.from, m.to, subject, events)

	addr := fmt.Sprintf("%s:%d", m.host, m.port)
	auth := smtp.PlainAuth("", m.user, m.password, m.host)
	if err := smtp.SendMail(addr, auth, m.from, []string{m.to}, msg); err != nil {
		return fmt.Errorf("failed to send digest email: %w", err)
	}
	m.logger.Info("digest email sent", "events", len(events), "to", m.to)
	return nil
}

func buildDigestMessage(from, to, subject string, events []model.DropEvent) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n")

	b.WriteString("New reservation availability:\r\n\r\n")
	for _, ev := range events {
		fmt.Fprintf(&b, "- %s on %s", ev.VenueName, ev.SlotDate)
		if ev.SlotTime != "" {
			fmt.Fprintf(&b, " at %s", ev.SlotTime)
		}
		if url := DigestBookingURL(ev); url != "" {
			fmt.Fprintf(&b, "\r\n  %s", url)
		}
		b.WriteString("\r\n")
	}
	return []byte(b.String())
}

// DigestBookingURL extracts the booking link from an event payload.
func DigestBookingURL(ev model.DropEvent) string {
	var payload model.SlotPayload
	if err := unmarshalPayload(ev.PayloadJSON, &payload); err != nil {
		return ""
	}
	return payload.BookingURL()
}
