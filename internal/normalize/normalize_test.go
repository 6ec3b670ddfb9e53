package normalize

import (
	"strings"
	"testing"
	"time"
)

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func nowFunc() time.Time { return fixedNow }

func TestMessagePlainText(t *testing.T) {
	raw := crlf(`From: Alice <alice@example.com>
To: bob@example.com, Carol <carol@example.com>
Cc: dave@example.com
Subject: Hello
Date: Mon, 02 Feb 2026 10:30:00 +0000
Content-Type: text/plain; charset=utf-8

Hi Bob.
`)

	msg, err := Message(raw, time.Time{}, nowFunc)
	if err != nil {
		t.Fatalf("Message failed: %v", err)
	}
	if msg.From != "alice@example.com" {
		t.Errorf("From = %q", msg.From)
	}
	if len(msg.To) != 2 || msg.To[0] != "bob@example.com" || msg.To[1] != "carol@example.com" {
		t.Errorf("To = %v", msg.To)
	}
	if len(msg.Cc) != 1 || msg.Cc[0] != "dave@example.com" {
		t.Errorf("Cc = %v", msg.Cc)
	}
	if msg.Bcc == nil || len(msg.Bcc) != 0 {
		t.Errorf("Bcc = %#v, want empty non-nil slice", msg.Bcc)
	}
	if msg.Subject != "Hello" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if strings.TrimSpace(msg.TextBody) != "Hi Bob." {
		t.Errorf("TextBody = %q", msg.TextBody)
	}
	if msg.HTMLBody != "" {
		t.Errorf("HTMLBody = %q, want empty", msg.HTMLBody)
	}
	want := time.Date(2026, 2, 2, 10, 30, 0, 0, time.UTC)
	if msg.SentAt == nil || !msg.SentAt.Equal(want) {
		t.Errorf("SentAt = %v, want %v", msg.SentAt, want)
	}
	if msg.ID != "" || msg.BatchNumber != nil {
		t.Error("normalizer must not assign id or batch")
	}
}

func TestMessageSingleHTMLPart(t *testing.T) {
	raw := crlf(`From: alice@example.com
To: bob@example.com
Subject: Styled
Content-Type: text/html; charset=utf-8

<p>Hi</p>
`)

	msg, err := Message(raw, time.Time{}, nowFunc)
	if err != nil {
		t.Fatalf("Message failed: %v", err)
	}
	if strings.TrimSpace(msg.HTMLBody) != "<p>Hi</p>" {
		t.Errorf("HTMLBody = %q", msg.HTMLBody)
	}
	if msg.TextBody != "" {
		t.Errorf("TextBody = %q, want empty", msg.TextBody)
	}
}

func TestMessageMultipartTakesFirstOfEachKind(t *testing.T) {
	raw := crlf(`From: alice@example.com
To: bob@example.com
Subject: Alternatives
Date: Tue, 03 Feb 2026 08:00:00 +0100
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary=outer

--outer
Content-Type: multipart/alternative; boundary=inner

--inner
Content-Type: text/plain; charset=utf-8

plain one
--inner
Content-Type: text/html; charset=utf-8

<b>html one</b>
--inner--
--outer
Content-Type: text/plain; charset=utf-8

plain two
--outer
Content-Type: application/pdf
Content-Disposition: attachment; filename="doc.pdf"

%PDF-1.4
--outer--
`)

	msg, err := Message(raw, time.Time{}, nowFunc)
	if err != nil {
		t.Fatalf("Message failed: %v", err)
	}
	if strings.TrimSpace(msg.TextBody) != "plain one" {
		t.Errorf("TextBody = %q, want first plain part", msg.TextBody)
	}
	if strings.TrimSpace(msg.HTMLBody) != "<b>html one</b>" {
		t.Errorf("HTMLBody = %q", msg.HTMLBody)
	}
	want := time.Date(2026, 2, 3, 7, 0, 0, 0, time.UTC)
	if !msg.SentAt.Equal(want) {
		t.Errorf("SentAt = %v, want %v", msg.SentAt, want)
	}
}

func TestMessageMissingHeaders(t *testing.T) {
	raw := crlf(`Content-Type: text/plain

body only
`)

	msg, err := Message(raw, time.Time{}, nowFunc)
	if err != nil {
		t.Fatalf("Message failed: %v", err)
	}
	if msg.Subject != "" {
		t.Errorf("Subject = %q, want empty", msg.Subject)
	}
	if msg.To == nil || msg.Cc == nil || msg.Bcc == nil {
		t.Error("absent address lists must be empty slices, not nil")
	}
	if msg.From != "" {
		t.Errorf("From = %q, want empty", msg.From)
	}
	if !msg.SentAt.Equal(fixedNow) {
		t.Errorf("SentAt = %v, want now %v", msg.SentAt, fixedNow)
	}
}

func TestMessageFallsBackToInternalDate(t *testing.T) {
	raw := crlf(`From: alice@example.com
Subject: No date
Content-Type: text/plain

x
`)
	internal := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)

	msg, err := Message(raw, internal, nowFunc)
	if err != nil {
		t.Fatalf("Message failed: %v", err)
	}
	if !msg.SentAt.Equal(internal) {
		t.Errorf("SentAt = %v, want internal date %v", msg.SentAt, internal)
	}
}

func TestMessageDecodesEncodedSubject(t *testing.T) {
	raw := crlf(`From: alice@example.com
To: bob@example.com
Subject: =?UTF-8?B?SMOpbGxv?=
Content-Type: text/plain; charset=utf-8
Content-Transfer-Encoding: quoted-printable

caf=C3=A9
`)

	msg, err := Message(raw, time.Time{}, nowFunc)
	if err != nil {
		t.Fatalf("Message failed: %v", err)
	}
	if msg.Subject != "Héllo" {
		t.Errorf("Subject = %q, want Héllo", msg.Subject)
	}
	if strings.TrimSpace(msg.TextBody) != "café" {
		t.Errorf("TextBody = %q, want café", msg.TextBody)
	}
}

func TestMessageKeepsUndecodableBodies(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantText string
		wantHTML string
	}{
		{
			name: "unknown charset at top level",
			raw: `From: alice@example.com
To: bob@example.com
Subject: Odd charset
Content-Type: text/plain; charset=x-bogus

still readable
`,
			wantText: "still readable",
		},
		{
			name: "unknown transfer encoding at top level",
			raw: `From: alice@example.com
To: bob@example.com
Subject: Odd encoding
Content-Type: text/plain; charset=utf-8
Content-Transfer-Encoding: x-uuencode

raw payload
`,
			wantText: "raw payload",
		},
		{
			name: "unknown charset in one part",
			raw: `From: alice@example.com
To: bob@example.com
Subject: Mixed
MIME-Version: 1.0
Content-Type: multipart/alternative; boundary=b

--b
Content-Type: text/plain; charset=x-bogus

plain part
--b
Content-Type: text/html; charset=utf-8

<i>html part</i>
--b--
`,
			wantText: "plain part",
			wantHTML: "<i>html part</i>",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Message(crlf(tt.raw), time.Time{}, nowFunc)
			if err != nil {
				t.Fatalf("Message failed: %v", err)
			}
			if strings.TrimSpace(msg.TextBody) != tt.wantText {
				t.Errorf("TextBody = %q, want %q", msg.TextBody, tt.wantText)
			}
			if strings.TrimSpace(msg.HTMLBody) != tt.wantHTML {
				t.Errorf("HTMLBody = %q, want %q", msg.HTMLBody, tt.wantHTML)
			}
			if len(msg.To) != 1 || msg.To[0] != "bob@example.com" {
				t.Errorf("To = %v", msg.To)
			}
		})
	}
}

func TestMessageRejectsMalformedHeader(t *testing.T) {
	if _, err := Message([]byte("no colon here\r\n\r\nbody"), time.Time{}, nowFunc); err == nil {
		t.Fatal("expected an error for a malformed header block")
	}
}
