// Package mailer composes markdown emails into HTML documents and
// dispatches them through a pluggable transport.
package mailer

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"go.uber.org/zap"

	"github.com/sablemail/sable/internal/ses"
)

// Message is one outbound email. Body is markdown.
type Message struct {
	From    string
	To      string
	Subject string
	Body    string
}

// Transport delivers a rendered HTML email and returns the provider
// message id, if the backend assigns one.
type Transport interface {
	Send(ctx context.Context, from, to, subject, htmlBody string) (string, error)
}

// Service renders and dispatches emails. It performs no retry of its
// own; retry bookkeeping belongs to the task scheduler.
type Service struct {
	transport Transport
	logger    *zap.Logger
}

// NewService creates a composition service over the given transport.
func NewService(transport Transport, logger *zap.Logger) *Service {
	return &Service{
		transport: transport,
		logger:    logger,
	}
}

// Send renders the message body and hands it to the transport.
func (s *Service) Send(ctx context.Context, msg Message) (string, error) {
	htmlBody, err := Render(msg.Body)
	if err != nil {
		return "", err
	}

	messageID, err := s.transport.Send(ctx, msg.From, msg.To, msg.Subject, htmlBody)
	if err != nil {
		return "", fmt.Errorf("send email to %s: %w", msg.To, err)
	}

	s.logger.Debug("email dispatched",
		zap.String("to", msg.To),
		zap.String("message_id", messageID),
	)

	return messageID, nil
}

// SESTransport delivers through AWS SES.
type SESTransport struct {
	client *ses.Client
}

// NewSESTransport creates the production transport.
func NewSESTransport(client *ses.Client) *SESTransport {
	return &SESTransport{client: client}
}

func (t *SESTransport) Send(ctx context.Context, from, to, subject, htmlBody string) (string, error) {
	return t.client.Send(ctx, from, to, subject, htmlBody)
}

// SMTPTransport delivers to a local MailHog instance for development.
// MailHog assigns no message id; sends are fire-and-forget captures.
type SMTPTransport struct {
	addr   string
	logger *zap.Logger
}

// NewSMTPTransport creates a capture transport targeting addr
// (typically localhost:1025).
func NewSMTPTransport(addr string, logger *zap.Logger) *SMTPTransport {
	return &SMTPTransport{
		addr:   addr,
		logger: logger,
	}
}

func (t *SMTPTransport) Send(ctx context.Context, from, to, subject, htmlBody string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(htmlBody)

	if err := smtp.SendMail(t.addr, nil, from, []string{to}, []byte(b.String())); err != nil {
		return "", fmt.Errorf("smtp send failed: %w", err)
	}

	t.logger.Info("email captured by local transport",
		zap.String("to", to),
		zap.String("subject", subject),
	)

	return "", nil
}
