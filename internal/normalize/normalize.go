// Package normalize turns raw RFC 5322 messages into canonical records.
package normalize

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset" // registers non-UTF-8 decoders
	"github.com/emersion/go-message/mail"

	"mailgateway/internal/domain"
)

// Message parses a raw message into a record. The timestamp is the declared
// Date header; when it is absent or unparsable the fallback (normally the
// IMAP internal date) is used, and when that is zero, now().
func Message(raw []byte, fallback time.Time, now func() time.Time) (*domain.EmailMessage, error) {
	e, err := message.Read(bytes.NewReader(raw))
	if err != nil {
		if !undecodable(err) {
			return nil, fmt.Errorf("failed to read message: %w", err)
		}
		slog.Warn("message body kept undecoded", "error", err)
	}

	h := mail.Header{Header: e.Header}
	msg := &domain.EmailMessage{
		To:  addressList(h, "To"),
		Cc:  addressList(h, "Cc"),
		Bcc: addressList(h, "Bcc"),
	}

	if from := addressList(h, "From"); len(from) > 0 {
		msg.From = from[0]
	}

	// An unknown charset still yields the raw header value.
	if subject, err := h.Subject(); err == nil || message.IsUnknownCharset(err) {
		msg.Subject = subject
	}

	sentAt := declaredDate(h, fallback, now)
	msg.SentAt = &sentAt

	if err := readBodies(e, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// undecodable reports errors after which go-message still hands back a
// readable entity with its body left as transmitted.
func undecodable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}

func declaredDate(h mail.Header, fallback time.Time, now func() time.Time) time.Time {
	if date, err := h.Date(); err == nil && !date.IsZero() {
		return date.UTC()
	}
	if !fallback.IsZero() {
		return fallback.UTC()
	}
	return now().UTC()
}

// addressList never returns nil so absent headers serialize as [].
func addressList(h mail.Header, key string) []string {
	out := []string{}
	list, err := h.AddressList(key)
	if err != nil {
		slog.Debug("unparsable address header", "header", key, "error", err)
		return out
	}
	for _, addr := range list {
		if addr == nil || addr.Address == "" {
			continue
		}
		out = append(out, addr.Address)
	}
	return out
}

// readBodies keeps the first text/plain and the first text/html inline part.
// A single-part message is its own only part. Parts in an unknown charset or
// transfer encoding are kept as transmitted.
func readBodies(e *message.Entity, msg *domain.EmailMessage) error {
	var haveText, haveHTML bool
	err := e.Walk(func(path []int, part *message.Entity, err error) error {
		if err != nil {
			if !undecodable(err) {
				return err
			}
			slog.Warn("message part kept undecoded", "path", path, "error", err)
		}
		if part.MultipartReader() != nil {
			return nil
		}

		t, _, cerr := part.Header.ContentType()
		if cerr != nil {
			t = "text/plain"
		}
		if !inline(part.Header, t) {
			return nil
		}

		switch {
		case t == "text/plain" && !haveText:
			b, err := io.ReadAll(part.Body)
			if err != nil {
				return fmt.Errorf("failed to read text part: %w", err)
			}
			msg.TextBody = string(b)
			haveText = true
		case t == "text/html" && !haveHTML:
			b, err := io.ReadAll(part.Body)
			if err != nil {
				return fmt.Errorf("failed to read html part: %w", err)
			}
			msg.HTMLBody = string(b)
			haveHTML = true
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to read message part: %w", err)
	}
	return nil
}

// inline mirrors go-message's mail reader: explicit inline parts and text
// parts not marked as attachments.
func inline(h message.Header, mediaType string) bool {
	disp, _, _ := h.ContentDisposition()
	return disp == "inline" || (disp != "attachment" && strings.HasPrefix(mediaType, "text/"))
}
