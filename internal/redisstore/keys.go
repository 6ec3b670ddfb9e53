package redisstore

import (
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Key layout
const (
	KeyPassHistory = "ingest:passes"
	KeyPassCount   = "ingest:passes:total"

	uidPattern = "imap:uid:*"
)

// uidKey scopes a UID to its folder and UIDVALIDITY epoch. A recreated
// folder gets a new epoch, so its reused UIDs are new keys.
func uidKey(folder string, validity, uid uint32) string {
	return fmt.Sprintf("imap:uid:%s:%d:%d", folder, validity, uid)
}

func rateKey(action, key string) string {
	return fmt.Sprintf("ratelimit:%s:%s", action, key)
}

func isNil(err error) bool {
	return errors.Is(err, redis.Nil)
}
