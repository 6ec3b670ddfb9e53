package config

import (
	"fmt"
	"log/slog"
)

// Mask hides a secret for logging. Secrets shorter than ten characters
// show only their length; longer ones reveal one leading and one trailing
// character per ten characters of length, e.g. "ab[16]yz" for twenty.
func Mask(secret string) string {
	if secret == "" {
		return ""
	}
	runes := []rune(secret)
	n := len(runes)
	if n < 10 {
		return fmt.Sprintf("[%d]", n)
	}
	show := n / 10
	return fmt.Sprintf("%s[%d]%s", string(runes[:show]), n-2*show, string(runes[n-show:]))
}

// LogValue lets the config be passed to slog without leaking credentials.
func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("http_addr", c.HTTP.Addr),
		slog.Group("imap",
			slog.String("host", c.IMAP.Host),
			slog.Int("port", c.IMAP.Port),
			slog.String("security", c.IMAP.Security),
			slog.String("username", c.IMAP.Username),
			slog.String("password", Mask(c.IMAP.Password)),
			slog.String("folder", c.IMAP.Folder),
			slog.Bool("only_unseen", c.IMAP.OnlyUnseen),
			slog.Bool("mark_seen", c.IMAP.MarkSeen),
		),
		slog.Group("smtp",
			slog.String("host", c.SMTP.Host),
			slog.Int("port", c.SMTP.Port),
			slog.String("security", c.SMTP.Security),
			slog.String("username", c.SMTP.Username),
			slog.String("password", Mask(c.SMTP.Password)),
			slog.String("from", c.SMTP.FromAddress),
		),
		slog.Group("mongodb",
			slog.String("uri", Mask(c.MongoDB.URI)),
			slog.String("database", c.MongoDB.Database),
		),
		slog.Bool("redis", c.Redis.URL != ""),
		slog.Bool("admin_auth", c.AuthEnabled()),
	)
}
