package store

import (
	"time"

	"mailgateway/internal/domain"
)

// Document is the stored shape of an EmailMessage.
type Document struct {
	ID           string     `bson:"_id"`
	PartitionKey string     `bson:"partitionKey"`
	From         string     `bson:"from"`
	To           []string   `bson:"to"`
	Cc           []string   `bson:"cc"`
	Bcc          []string   `bson:"bcc"`
	Subject      string     `bson:"subject"`
	TextBody     string     `bson:"textBody"`
	HTMLBody     string     `bson:"htmlBody"`
	SentAt       *time.Time `bson:"sentAt,omitempty"`
	BatchNumber  *int64     `bson:"batchNumber,omitempty"`
	CreatedAt    time.Time  `bson:"createdAt"`
}

// PartitionKey derives the partition key of a record from its id. Both
// mapping directions go through here.
func PartitionKey(id string) string {
	return id
}

// ToDocument maps a message to its stored form. Slices are copied so later
// changes to the message do not leak into the document.
func ToDocument(m *domain.EmailMessage) *Document {
	d := &Document{
		ID:           m.ID,
		PartitionKey: PartitionKey(m.ID),
		From:         m.From,
		To:           copyList(m.To),
		Cc:           copyList(m.Cc),
		Bcc:          copyList(m.Bcc),
		Subject:      m.Subject,
		TextBody:     m.TextBody,
		HTMLBody:     m.HTMLBody,
	}
	if m.SentAt != nil {
		t := m.SentAt.UTC()
		d.SentAt = &t
	}
	if m.BatchNumber != nil {
		n := *m.BatchNumber
		d.BatchNumber = &n
	}
	return d
}

// ToMessage maps a stored document back to a message.
func ToMessage(d *Document) *domain.EmailMessage {
	m := &domain.EmailMessage{
		ID:       d.ID,
		From:     d.From,
		To:       copyList(d.To),
		Cc:       copyList(d.Cc),
		Bcc:      copyList(d.Bcc),
		Subject:  d.Subject,
		TextBody: d.TextBody,
		HTMLBody: d.HTMLBody,
	}
	if d.SentAt != nil {
		t := d.SentAt.UTC()
		m.SentAt = &t
	}
	if d.BatchNumber != nil {
		n := *d.BatchNumber
		m.BatchNumber = &n
	}
	return m
}

func copyList(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}
