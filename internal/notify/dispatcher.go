// Package notify delivers account email. Dispatchers are synchronous; the
// Background runner turns a send into a detached work item whose failure is
// only logged.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Dispatcher sends one message to one address.
type Dispatcher interface {
	Send(ctx context.Context, address, subject, body string) error
}

// SMTPConfig describes the outgoing mail relay.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPDispatcher sends plain-text mail through an SMTP relay.
type SMTPDispatcher struct {
	cfg      SMTPConfig
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPDispatcher(cfg SMTPConfig) *SMTPDispatcher {
	return &SMTPDispatcher{cfg: cfg, sendMail: smtp.SendMail}
}

func (d *SMTPDispatcher) Send(ctx context.Context, address, subject, body string) error {
	if strings.ContainsAny(address, "\r\n") || strings.ContainsAny(subject, "\r\n") {
		return errors.New("header injection rejected")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	var auth smtp.Auth
	if d.cfg.Username != "" {
		auth = smtp.PlainAuth("", d.cfg.Username, d.cfg.Password, d.cfg.Host)
	}
	msg := buildMessage(d.cfg.From, address, subject, body)
	addr := net.JoinHostPort(d.cfg.Host, strconv.Itoa(d.cfg.Port))

	// net/smtp has no context support; run it aside and honour ctx deadlines.
	done := make(chan error, 1)
	go func() {
		done <- d.sendMail(addr, auth, d.cfg.From, []string{address}, msg)
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("smtp send: %w", ctx.Err())
	}
}

func buildMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + subject + "\r\n")
	b.WriteString("Date: " + time.Now().UTC().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

// LogDispatcher writes messages to the log instead of sending them. It is
// wired when no SMTP relay is configured.
type LogDispatcher struct {
	logger *zap.SugaredLogger
}

func NewLogDispatcher(logger *zap.SugaredLogger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Send(_ context.Context, address, subject, _ string) error {
	d.logger.Infow("email suppressed (no smtp relay configured)", "to", address, "subject", subject)
	return nil
}
