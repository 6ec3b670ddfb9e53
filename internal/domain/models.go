package domain

import "time"

// Stream names one direction of mail traffic. Each stream is persisted in
// its own collection.
type Stream string

const (
	StreamSent     Stream = "sent"
	StreamReceived Stream = "received"
)

func (s Stream) Valid() bool {
	return s == StreamSent || s == StreamReceived
}

// EmailMessage is the canonical record for one email, sent or received.
type EmailMessage struct {
	ID          string     `json:"id,omitempty"`
	From        string     `json:"from,omitempty"`
	To          []string   `json:"to"`
	Cc          []string   `json:"cc"`
	Bcc         []string   `json:"bcc"`
	Subject     string     `json:"subject"`
	TextBody    string     `json:"textBody,omitempty"`
	HTMLBody    string     `json:"htmlBody,omitempty"`
	SentAt      *time.Time `json:"sentAt,omitempty"`
	BatchNumber *int64     `json:"batchNumber,omitempty"`
}

// SendRequest is the inbound shape of a message to be sent.
type SendRequest struct {
	To       []string `json:"to"`
	Cc       []string `json:"cc"`
	Bcc      []string `json:"bcc"`
	Subject  string   `json:"subject"`
	TextBody string   `json:"textBody"`
	HTMLBody string   `json:"htmlBody"`
}

// ToMessage builds an unsent record from the request. Nil address lists
// become empty slices.
func (r SendRequest) ToMessage() *EmailMessage {
	return &EmailMessage{
		To:       copyList(r.To),
		Cc:       copyList(r.Cc),
		Bcc:      copyList(r.Bcc),
		Subject:  r.Subject,
		TextBody: r.TextBody,
		HTMLBody: r.HTMLBody,
	}
}

func copyList(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// PassResult summarizes one reconciliation pass.
type PassResult struct {
	Batch     int64     `json:"batch"`
	StartedAt time.Time `json:"startedAt"`
	Duration  string    `json:"duration"`
	Fetched   int       `json:"fetched"`
	Persisted int       `json:"persisted"`
	// Skipped counts messages the UID ledger reported as already persisted.
	Skipped int    `json:"skipped"`
	Error   string `json:"error,omitempty"`
}
