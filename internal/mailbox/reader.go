// Package mailbox reads new messages from an IMAP folder.
package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// Transport security modes.
const (
	SecurityTLS      = "tls"      // implicit TLS
	SecurityStartTLS = "starttls" // STARTTLS required
	SecurityAuto     = "auto"     // STARTTLS when advertised
	SecurityNone     = "none"
)

type Config struct {
	Host       string
	Port       int
	Username   string
	Password   string
	Security   string
	SkipVerify bool // development only
	Folder     string
	OnlyUnseen bool
	MarkSeen   bool
	// MaxMessageBytes skips larger messages; zero disables the cap.
	MaxMessageBytes int
	Timeout         time.Duration
}

// Raw is one message as retrieved from the server.
type Raw struct {
	UID    uint32
	Folder string
	// UIDValidity is the folder's UIDVALIDITY at fetch time. A UID only
	// identifies a message together with it.
	UIDValidity  uint32
	InternalDate time.Time
	Body         []byte
}

// session is the subset of *client.Client the reader drives.
type session interface {
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	UidSearch(criteria *imap.SearchCriteria) ([]uint32, error)
	UidFetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	UidStore(seqset *imap.SeqSet, item imap.StoreItem, value interface{}, ch chan *imap.Message) error
	Logout() error
}

type Reader struct {
	cfg  Config
	dial func(ctx context.Context) (session, error)
}

func New(cfg Config) *Reader {
	if cfg.Folder == "" {
		cfg.Folder = "INBOX"
	}
	if cfg.Security == "" {
		cfg.Security = SecurityTLS
	}
	r := &Reader{cfg: cfg}
	r.dial = r.connect
	return r
}

// Fetch opens a session, returns every message matching the configured
// filter in UID order and closes the session. With MarkSeen each message is
// flagged \Seen right after it is retrieved. Cancellation is checked before
// each message; messages already retrieved are returned with the error.
func (r *Reader) Fetch(ctx context.Context) ([]Raw, error) {
	s, err := r.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := s.Logout(); err != nil {
			slog.Debug("imap logout failed", "error", err)
		}
	}()

	status, err := s.Select(r.cfg.Folder, false)
	if err != nil {
		return nil, fmt.Errorf("failed to select %s: %w", r.cfg.Folder, err)
	}

	criteria := imap.NewSearchCriteria()
	if r.cfg.OnlyUnseen {
		criteria.WithoutFlags = []string{imap.SeenFlag}
	}
	uids, err := s.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", r.cfg.Folder, err)
	}
	slices.Sort(uids)

	slog.Info("mailbox search complete", "folder", r.cfg.Folder, "matches", len(uids), "only_unseen", r.cfg.OnlyUnseen)

	out := make([]Raw, 0, len(uids))
	for _, uid := range uids {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		raw, err := r.fetchOne(s, uid)
		if err != nil {
			return out, err
		}

		if raw != nil {
			raw.UIDValidity = status.UidValidity
			out = append(out, *raw)
		}

		// Oversized messages are flagged too so they are not offered again.
		if r.cfg.MarkSeen {
			if err := markSeen(s, uid); err != nil {
				return out, err
			}
		}
	}
	return out, nil
}

// fetchOne returns nil without error when the message vanished or exceeds
// the size cap.
func (r *Reader) fetchOne(s session, uid uint32) (*Raw, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	// PEEK leaves \Seen alone; marking is a separate, optional step.
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchInternalDate, section.FetchItem()}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.UidFetch(seqSet, items, messages)
	}()

	var msg *imap.Message
	for m := range messages {
		if msg == nil {
			msg = m
		}
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch message %d: %w", uid, err)
	}
	if msg == nil {
		slog.Warn("message disappeared before fetch", "uid", uid)
		return nil, nil
	}

	body := msg.GetBody(section)
	if body == nil {
		return nil, fmt.Errorf("server didn't return body for message %d", uid)
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read message %d: %w", uid, err)
	}

	if r.cfg.MaxMessageBytes > 0 && len(b) > r.cfg.MaxMessageBytes {
		slog.Warn("message too large, skipping", "uid", uid, "bytes", len(b), "limit", r.cfg.MaxMessageBytes)
		return nil, nil
	}

	return &Raw{
		UID:          uid,
		Folder:       r.cfg.Folder,
		InternalDate: msg.InternalDate,
		Body:         b,
	}, nil
}

func markSeen(s session, uid uint32) error {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := s.UidStore(seqSet, item, []interface{}{imap.SeenFlag}, nil); err != nil {
		return fmt.Errorf("failed to mark message %d seen: %w", uid, err)
	}
	return nil
}

func (r *Reader) connect(ctx context.Context) (session, error) {
	addr := net.JoinHostPort(r.cfg.Host, strconv.Itoa(r.cfg.Port))
	dialer := &net.Dialer{Timeout: r.cfg.Timeout}
	tlsConfig := &tls.Config{
		ServerName:         r.cfg.Host,
		InsecureSkipVerify: r.cfg.SkipVerify,
	}

	var (
		c   *client.Client
		err error
	)
	switch r.cfg.Security {
	case SecurityTLS:
		c, err = client.DialWithDialerTLS(dialer, addr, tlsConfig)
	case SecurityStartTLS, SecurityAuto, SecurityNone:
		c, err = client.DialWithDialer(dialer, addr)
	default:
		return nil, fmt.Errorf("unknown imap security mode %q", r.cfg.Security)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial IMAP %s: %w", addr, err)
	}
	c.Timeout = r.cfg.Timeout

	if err := upgrade(c, r.cfg.Security, tlsConfig); err != nil {
		_ = c.Logout()
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		_ = c.Logout()
		return nil, err
	}

	if err := c.Login(r.cfg.Username, r.cfg.Password); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("failed to login as %s: %w", r.cfg.Username, err)
	}
	return c, nil
}

func upgrade(c *client.Client, mode string, tlsConfig *tls.Config) error {
	switch mode {
	case SecurityStartTLS:
		if err := c.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("failed to start TLS: %w", err)
		}
	case SecurityAuto:
		ok, err := c.SupportStartTLS()
		if err != nil {
			return fmt.Errorf("failed to query capabilities: %w", err)
		}
		if ok {
			if err := c.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("failed to start TLS: %w", err)
			}
		}
	}
	return nil
}
