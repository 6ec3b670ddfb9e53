// Package batch stamps every record of one reconciliation pass with a
// shared tag.
package batch

import (
	"time"

	"mailgateway/internal/domain"
)

// Number derives the batch tag for a pass started at t: whole seconds since
// the Unix epoch. Two passes in the same second share a tag.
func Number(t time.Time) int64 {
	return t.Unix()
}

// Tag stamps each message with n and returns the same slice.
func Tag(msgs []*domain.EmailMessage, n int64) []*domain.EmailMessage {
	for _, m := range msgs {
		if m == nil {
			continue
		}
		v := n
		m.BatchNumber = &v
	}
	return msgs
}
