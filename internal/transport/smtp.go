// Package transport abstracts outbound mail delivery behind a small
// interface so the email worker can be tested without a relay.
package transport

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"

	"github.com/flowmail/flowmail/internal/domain"
)

// Message is one outbound email.
type Message struct {
	From    string
	To      string
	ReplyTo string
	Subject string
	HTML    string
	Text    string
	Headers map[string]string
}

// Result reports the outcome of a send attempt.
type Result struct {
	Success   bool
	MessageID string
	Err       error
}

// Mailer sends messages through one SMTP relay.
type Mailer interface {
	Send(ctx context.Context, msg *Message) (*Result, error)
	Verify(ctx context.Context) bool
}

// Dialer opens a Mailer for an SMTP configuration. The email worker
// resolves the configuration per job and dials on demand.
type Dialer interface {
	Dial(cfg *domain.SMTPConfig) Mailer
}

// GomailDialer is the production Dialer, backed by gomail.
type GomailDialer struct{}

// Dial implements Dialer.
func (GomailDialer) Dial(cfg *domain.SMTPConfig) Mailer {
	return &gomailMailer{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	}
}

type gomailMailer struct {
	dialer *gomail.Dialer
}

func (m *gomailMailer) Send(ctx context.Context, msg *Message) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	gm := gomail.NewMessage()
	gm.SetHeader("From", msg.From)
	gm.SetHeader("To", msg.To)
	gm.SetHeader("Subject", msg.Subject)
	if msg.ReplyTo != "" {
		gm.SetHeader("Reply-To", msg.ReplyTo)
	}
	for k, v := range msg.Headers {
		gm.SetHeader(k, v)
	}
	if msg.Text != "" {
		gm.SetBody("text/plain", msg.Text)
		gm.AddAlternative("text/html", msg.HTML)
	} else {
		gm.SetBody("text/html", msg.HTML)
	}

	if err := m.dialer.DialAndSend(gm); err != nil {
		return &Result{Success: false, Err: err}, fmt.Errorf("smtp send to %s: %w", msg.To, err)
	}
	return &Result{Success: true}, nil
}

func (m *gomailMailer) Verify(_ context.Context) bool {
	closer, err := m.dialer.Dial()
	if err != nil {
		return false
	}
	_ = closer.Close()
	return true
}
