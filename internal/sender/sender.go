// Package sender delivers outbound messages over SMTP.
package sender

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"mailgateway/internal/domain"
)

// Transport security modes.
const (
	SecurityTLS      = "tls"
	SecurityStartTLS = "starttls"
	SecurityAuto     = "auto"
	SecurityNone     = "none"
)

var ErrNoRecipients = errors.New("message has no recipients")

type Config struct {
	Host        string
	Port        int
	Username    string
	Password    string
	Security    string
	SkipVerify  bool
	FromName    string
	FromAddress string
	Timeout     time.Duration
}

type deliverFunc func(ctx context.Context, from string, rcpts []string, msg []byte) error

type Sender struct {
	cfg     Config
	deliver deliverFunc
	now     func() time.Time
}

func New(cfg Config) *Sender {
	if cfg.Security == "" {
		cfg.Security = SecurityStartTLS
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	s := &Sender{cfg: cfg, now: time.Now}
	s.deliver = s.smtpDeliver
	return s
}

// Send delivers m and, on success, stamps it with the configured sender
// address and the send time.
func (s *Sender) Send(ctx context.Context, m *domain.EmailMessage) error {
	if len(m.To) == 0 {
		return ErrNoRecipients
	}

	sentAt := s.now().UTC()
	raw, err := s.build(m, sentAt)
	if err != nil {
		return err
	}

	rcpts := make([]string, 0, len(m.To)+len(m.Cc)+len(m.Bcc))
	rcpts = append(rcpts, m.To...)
	rcpts = append(rcpts, m.Cc...)
	rcpts = append(rcpts, m.Bcc...)

	if err := s.deliver(ctx, s.cfg.FromAddress, rcpts, raw); err != nil {
		slog.Error("smtp delivery failed", "host", s.cfg.Host, "recipients", len(rcpts), "error", err)
		return fmt.Errorf("failed to send email: %w", err)
	}

	m.From = s.cfg.FromAddress
	m.SentAt = &sentAt
	slog.Info("email sent", "recipients", len(rcpts), "subject_len", len(m.Subject))
	return nil
}

// build renders the RFC 5322 message. Bcc recipients only appear in the
// envelope.
func (s *Sender) build(m *domain.EmailMessage, date time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{{Name: s.cfg.FromName, Address: s.cfg.FromAddress}})
	h.SetAddressList("Reply-To", []*mail.Address{{Address: s.cfg.FromAddress}})
	h.SetAddressList("To", addresses(m.To))
	if len(m.Cc) > 0 {
		h.SetAddressList("Cc", addresses(m.Cc))
	}
	h.SetSubject(m.Subject)
	h.SetMessageID(fmt.Sprintf("%s@%s", uuid.NewString(), s.cfg.Host))

	var buf bytes.Buffer
	switch {
	case m.TextBody != "" && m.HTMLBody != "":
		iw, err := mail.CreateInlineWriter(&buf, h)
		if err != nil {
			return nil, fmt.Errorf("failed to create message writer: %w", err)
		}
		if err := writePart(iw, "text/plain", m.TextBody); err != nil {
			return nil, err
		}
		if err := writePart(iw, "text/html", m.HTMLBody); err != nil {
			return nil, err
		}
		if err := iw.Close(); err != nil {
			return nil, fmt.Errorf("failed to close message writer: %w", err)
		}
	default:
		contentType, body := "text/plain", m.TextBody
		if m.HTMLBody != "" {
			contentType, body = "text/html", m.HTMLBody
		}
		h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, fmt.Errorf("failed to create message writer: %w", err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			return nil, fmt.Errorf("failed to write body: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("failed to close message writer: %w", err)
		}
	}
	return buf.Bytes(), nil
}

func writePart(iw *mail.InlineWriter, contentType, body string) error {
	var ph mail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	pw, err := iw.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("failed to create %s part: %w", contentType, err)
	}
	if _, err := pw.Write([]byte(body)); err != nil {
		pw.Close()
		return fmt.Errorf("failed to write %s part: %w", contentType, err)
	}
	return pw.Close()
}

func addresses(list []string) []*mail.Address {
	out := make([]*mail.Address, 0, len(list))
	for _, a := range list {
		out = append(out, &mail.Address{Address: a})
	}
	return out
}

// smtpDeliver opens one session per message. The whole exchange is bounded
// by the configured timeout or the context deadline, whichever is sooner.
func (s *Sender) smtpDeliver(ctx context.Context, from string, rcpts []string, msg []byte) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	tlsConfig := &tls.Config{
		ServerName:         s.cfg.Host,
		InsecureSkipVerify: s.cfg.SkipVerify,
	}

	conn, err := s.dial(ctx, addr, tlsConfig)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(s.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	// Closing the connection unblocks any pending exchange on cancellation.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake with %s: %w", addr, err)
	}
	defer c.Close()

	if err := s.upgrade(c, tlsConfig); err != nil {
		return err
	}

	if s.cfg.Username != "" && s.cfg.Password != "" {
		auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth as %s: %w", s.cfg.Username, err)
		}
	}

	if err := c.Mail(from); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, r := range rcpts {
		if err := c.Rcpt(r); err != nil {
			return fmt.Errorf("smtp RCPT TO %s: %w", r, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp end of data: %w", err)
	}
	return c.Quit()
}

func (s *Sender) dial(ctx context.Context, addr string, tlsConfig *tls.Config) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: s.cfg.Timeout}
	switch s.cfg.Security {
	case SecurityTLS:
		td := &tls.Dialer{NetDialer: dialer, Config: tlsConfig}
		conn, err := td.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("failed to dial SMTP %s: %w", addr, err)
		}
		return conn, nil
	case SecurityStartTLS, SecurityAuto, SecurityNone:
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("failed to dial SMTP %s: %w", addr, err)
		}
		return conn, nil
	}
	return nil, fmt.Errorf("unknown smtp security mode %q", s.cfg.Security)
}

func (s *Sender) upgrade(c *smtp.Client, tlsConfig *tls.Config) error {
	switch s.cfg.Security {
	case SecurityStartTLS:
		if ok, _ := c.Extension("STARTTLS"); !ok {
			return errors.New("smtp server does not support STARTTLS")
		}
		if err := c.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("failed to start TLS: %w", err)
		}
	case SecurityAuto:
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("failed to start TLS: %w", err)
			}
		}
	}
	return nil
}
