// Package mail delivers outbound email on a best-effort basis.
package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"farmreach/internal/metrics"

	"go.uber.org/zap"
)

type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTPSender sends plain-text mail, upgrading to TLS when the server offers
// STARTTLS.
type SMTPSender struct {
	addr     string
	from     string
	username string
	password string
}

func NewSMTPSender(addr, from, username, password string) *SMTPSender {
	return &SMTPSender{addr: addr, from: from, username: username, password: password}
}

func (s *SMTPSender) Send(ctx context.Context, to, subject, body string) error {
	host, _, err := net.SplitHostPort(s.addr)
	if err != nil {
		return fmt.Errorf("smtp addr: %w", err)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if s.username != "" {
		if err := c.Auth(smtp.PlainAuth("", s.username, s.password, host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(s.from); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("smtp rcpt: %w", err)
	}
	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := wc.Write(compose(s.from, to, subject, body)); err != nil {
		wc.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}
	return c.Quit()
}

func compose(from, to, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

// LogSender only logs that a message would have been sent. Used when SMTP
// is not configured.
type LogSender struct {
	lg *zap.SugaredLogger
}

func NewLogSender(lg *zap.SugaredLogger) *LogSender {
	return &LogSender{lg: lg}
}

func (s *LogSender) Send(_ context.Context, to, subject, body string) error {
	s.lg.Infow("mail not configured, message dropped", "to", to, "subject", subject)
	s.lg.Debugw("dropped message body", "to", to, "body", body)
	return nil
}

// Dispatcher sends mail in the background. Failures are logged and never
// reach the caller.
type Dispatcher struct {
	sender  Sender
	lg      *zap.SugaredLogger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewDispatcher(sender Sender, lg *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{sender: sender, lg: lg, timeout: 30 * time.Second}
}

func (d *Dispatcher) SendAsync(to, subject, body string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.sender.Send(ctx, to, subject, body); err != nil {
			metrics.OTPEvents.WithLabelValues("delivery_failed").Inc()
			d.lg.Warnw("mail delivery failed", "to", to, "subject", subject, "error", err)
			return
		}
		metrics.OTPEvents.WithLabelValues("delivered").Inc()
	}()
}

// Wait blocks until every pending send has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
