package notify

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/emersion/go-message/mail"
)

// EmailConfig holds SMTP settings.
type EmailConfig struct {
	Host       string
	Port       int
	User       string
	Password   string
	From       string
	Recipients []string
}

// EmailSender delivers notifications as plain-text mail over SMTP.
type EmailSender struct {
	addr     string
	auth     smtp.Auth
	from     string
	to       []string
	now      func() time.Time
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailSender creates an EmailSender. Authentication is skipped when no
// user is configured.
func NewEmailSender(cfg EmailConfig) *EmailSender {
	port := cfg.Port
	if port == 0 {
		port = 587
	}
	s := &EmailSender{
		addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		from:     cfg.From,
		to:       cfg.Recipients,
		now:      time.Now,
		sendMail: smtp.SendMail,
	}
	if cfg.User != "" {
		s.auth = smtp.PlainAuth("", cfg.User, cfg.Password, cfg.Host)
	}
	return s
}

// Send composes and submits one message to every recipient.
func (e *EmailSender) Send(ctx context.Context, title, message string) error {
	if len(e.to) == 0 {
		return nil
	}
	msg, err := e.compose(title, message)
	if err != nil {
		return err
	}

	// net/smtp has no context support; run it aside so ctx still bounds Send.
	done := make(chan error, 1)
	go func() { done <- e.sendMail(e.addr, e.auth, e.from, e.to, msg) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("email: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("email: send: %w", err)
		}
		return nil
	}
}

func (e *EmailSender) compose(title, message string) ([]byte, error) {
	var h mail.Header
	h.SetDate(e.now())
	h.SetSubject(title)
	h.SetAddressList("From", []*mail.Address{{Address: e.from}})
	to := make([]*mail.Address, 0, len(e.to))
	for _, r := range e.to {
		to = append(to, &mail.Address{Address: r})
	}
	h.SetAddressList("To", to)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("email: create message: %w", err)
	}
	if _, err := w.Write([]byte(message)); err != nil {
		return nil, fmt.Errorf("email: write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("email: close message: %w", err)
	}
	return buf.Bytes(), nil
}

func (e *EmailSender) Name() string { return "email" }
