package notify

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"time"
)

// SMTPMailer delivers messages over plain SMTP (Mailpit in development, a
// relay in production). The context deadline bounds the whole conversation.
type SMTPMailer struct {
	host string
	port int
	from string
}

// NewSMTPMailer constructs the mailer.
func NewSMTPMailer(host string, port int, from string) *SMTPMailer {
	return &SMTPMailer{host: host, port: port, from: from}
}

// Send delivers one message.
func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	addr := net.JoinHostPort(m.host, strconv.Itoa(m.port))

	deadline, ok := ctx.Deadline()
	timeout := 10 * time.Second
	if ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return context.DeadlineExceeded
		}
	}

	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return fmt.Errorf("smtp dial %s: %w", addr, err)
	}
	if ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, m.host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer func() {
		_ = client.Close()
	}()

	if err := client.Mail(m.from); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := client.Rcpt(msg.To); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}
	body, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	payload := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s",
		m.from, msg.To, msg.Subject, msg.HTML)
	if _, err := body.Write([]byte(payload)); err != nil {
		return fmt.Errorf("smtp write body: %w", err)
	}
	if err := body.Close(); err != nil {
		return fmt.Errorf("smtp close body: %w", err)
	}
	return client.Quit()
}
