package notify

import (
	"context"
	"crypto/tls"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/testflowpro/testflow/internal/models"
)

// EmailSender delivers plain text mail over SMTP. Implicit TLS is used on
// port 465 or when cfg.SMTP.TLS is set; otherwise STARTTLS is used when the
// server offers it. PLAIN auth is used when a username is configured.
type EmailSender struct {
	timeout time.Duration
}

// NewEmailSender returns a sender whose whole SMTP exchange is bounded by timeout.
func NewEmailSender(timeout time.Duration) *EmailSender {
	return &EmailSender{timeout: timeout}
}

func buildMail(from string, to []string, subject, body string) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + strings.Join(to, ", ") + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", subject) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}

// Send mails msg to every recipient of cfg.SMTP.
func (s *EmailSender) Send(ctx context.Context, cfg *models.NotificationConfig, msg Message) error {
	sc := cfg.SMTP
	if sc == nil || sc.Host == "" {
		return errors.New("email: smtp host is not configured")
	}
	if len(sc.To) == 0 {
		return errors.New("email: no recipients")
	}
	port := sc.Port
	if port == 0 {
		port = 25
	}
	from := sc.From
	if from == "" {
		from = sc.Username
	}
	// Addresses go into headers verbatim.
	for _, addr := range append([]string{from}, sc.To...) {
		if strings.ContainsAny(addr, "\r\n") {
			return errors.Newf("email: address %q contains a line break", addr)
		}
	}

	dialer := net.Dialer{Timeout: s.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(sc.Host, strconv.Itoa(port)))
	if err != nil {
		return errors.Wrap(err, "email: dial")
	}
	deadline := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	if sc.TLS || port == 465 {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: sc.Host})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return errors.Wrap(err, "email: tls handshake")
		}
		conn = tlsConn
	}

	c, err := smtp.NewClient(conn, sc.Host)
	if err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "email: handshake")
	}
	defer func() {
		_ = c.Close()
	}()

	if _, isTLS := conn.(*tls.Conn); !isTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: sc.Host}); err != nil {
				return errors.Wrap(err, "email: starttls")
			}
		}
	}
	if sc.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", sc.Username, sc.Password, sc.Host)); err != nil {
			return errors.Wrap(err, "email: auth")
		}
	}

	if err := c.Mail(from); err != nil {
		return errors.Wrap(err, "email: MAIL FROM")
	}
	for _, rcpt := range sc.To {
		if err := c.Rcpt(rcpt); err != nil {
			return errors.Wrapf(err, "email: RCPT TO %s", rcpt)
		}
	}

	w, err := c.Data()
	if err != nil {
		return errors.Wrap(err, "email: DATA")
	}
	if _, err := w.Write(buildMail(from, sc.To, msg.Title, msg.Body)); err != nil {
		return errors.Wrap(err, "email: write body")
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "email: end DATA")
	}
	return c.Quit()
}
