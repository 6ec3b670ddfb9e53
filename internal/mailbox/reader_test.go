package mailbox

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	goimap "github.com/emersion/go-imap"
)

// fakeSession records calls and serves messages keyed by UID.
type fakeSession struct {
	selectErr error
	searchErr error
	fetchErr  error
	storeErr  error

	uids        []uint32
	messages    map[uint32]string
	uidValidity uint32

	selected   string
	criteria   *goimap.SearchCriteria
	fetched    []uint32
	stored     []uint32
	logoutCall int
}

func (f *fakeSession) Select(name string, readOnly bool) (*goimap.MailboxStatus, error) {
	f.selected = name
	return &goimap.MailboxStatus{Name: name, UidValidity: f.uidValidity}, f.selectErr
}

func (f *fakeSession) UidSearch(criteria *goimap.SearchCriteria) ([]uint32, error) {
	f.criteria = criteria
	return f.uids, f.searchErr
}

func (f *fakeSession) UidFetch(seqset *goimap.SeqSet, items []goimap.FetchItem, ch chan *goimap.Message) error {
	defer close(ch)
	if f.fetchErr != nil {
		return f.fetchErr
	}
	for _, uid := range f.uids {
		if !seqset.Contains(uid) {
			continue
		}
		f.fetched = append(f.fetched, uid)
		body, ok := f.messages[uid]
		if !ok {
			continue
		}
		ch <- &goimap.Message{
			Uid:          uid,
			InternalDate: time.Unix(int64(uid)*1000, 0),
			Body: map[*goimap.BodySectionName]goimap.Literal{
				{}: bytes.NewBufferString(body),
			},
		}
	}
	return nil
}

func (f *fakeSession) UidStore(seqset *goimap.SeqSet, item goimap.StoreItem, value interface{}, ch chan *goimap.Message) error {
	if f.storeErr != nil {
		return f.storeErr
	}
	for _, uid := range f.uids {
		if seqset.Contains(uid) {
			f.stored = append(f.stored, uid)
		}
	}
	return nil
}

func (f *fakeSession) Logout() error {
	f.logoutCall++
	return nil
}

func newTestReader(cfg Config, s *fakeSession, dialErr error) *Reader {
	r := New(cfg)
	r.dial = func(ctx context.Context) (session, error) {
		if dialErr != nil {
			return nil, dialErr
		}
		return s, nil
	}
	return r
}

func TestFetchReturnsMessagesInUIDOrder(t *testing.T) {
	s := &fakeSession{
		uids:     []uint32{7, 3, 5},
		messages: map[uint32]string{3: "three", 5: "five", 7: "seven"},
	}
	r := newTestReader(Config{OnlyUnseen: true, MarkSeen: true}, s, nil)

	got, err := r.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if s.selected != "INBOX" {
		t.Errorf("selected %q, want default INBOX", s.selected)
	}
	if len(s.criteria.WithoutFlags) != 1 || s.criteria.WithoutFlags[0] != goimap.SeenFlag {
		t.Errorf("expected unseen filter, got %+v", s.criteria.WithoutFlags)
	}
	want := []string{"three", "five", "seven"}
	if len(got) != len(want) {
		t.Fatalf("got %d messages, want %d", len(got), len(want))
	}
	for i, w := range want {
		if string(got[i].Body) != w {
			t.Errorf("message %d body = %q, want %q", i, got[i].Body, w)
		}
		if got[i].Folder != "INBOX" {
			t.Errorf("message %d folder = %q", i, got[i].Folder)
		}
	}
	if !got[0].InternalDate.Equal(time.Unix(3000, 0)) {
		t.Errorf("internal date not carried through: %v", got[0].InternalDate)
	}
	if len(s.stored) != 3 {
		t.Errorf("expected 3 messages marked seen, got %v", s.stored)
	}
	if s.logoutCall != 1 {
		t.Errorf("Logout called %d times, want 1", s.logoutCall)
	}
}

func TestFetchAllWithoutMarking(t *testing.T) {
	s := &fakeSession{
		uids:     []uint32{1},
		messages: map[uint32]string{1: "one"},
	}
	r := newTestReader(Config{Folder: "Archive", OnlyUnseen: false, MarkSeen: false}, s, nil)

	got, err := r.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if s.selected != "Archive" {
		t.Errorf("selected %q, want Archive", s.selected)
	}
	if len(s.criteria.WithoutFlags) != 0 {
		t.Errorf("expected no flag filter, got %v", s.criteria.WithoutFlags)
	}
	if len(got) != 1 || len(s.stored) != 0 {
		t.Fatalf("got %d messages and %d stores, want 1 and 0", len(got), len(s.stored))
	}
}

func TestFetchSkipsOversizedAndVanishedMessages(t *testing.T) {
	s := &fakeSession{
		uids:     []uint32{1, 2, 3},
		messages: map[uint32]string{1: "ok", 3: "this one is far too large"},
	}
	r := newTestReader(Config{MarkSeen: true, MaxMessageBytes: 10}, s, nil)

	got, err := r.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(got) != 1 || got[0].UID != 1 {
		t.Fatalf("expected only message 1, got %+v", got)
	}
	if len(s.stored) != 3 {
		t.Errorf("skipped messages should still be marked seen, stored %v", s.stored)
	}
}

func TestFetchErrors(t *testing.T) {
	boom := errors.New("boom")

	t.Run("dial", func(t *testing.T) {
		r := newTestReader(Config{}, nil, boom)
		if _, err := r.Fetch(context.Background()); !errors.Is(err, boom) {
			t.Fatalf("expected dial error, got %v", err)
		}
	})

	t.Run("select", func(t *testing.T) {
		s := &fakeSession{selectErr: boom}
		r := newTestReader(Config{}, s, nil)
		if _, err := r.Fetch(context.Background()); !errors.Is(err, boom) {
			t.Fatalf("expected select error, got %v", err)
		}
		if s.logoutCall != 1 {
			t.Fatal("session must be closed on failure")
		}
	})

	t.Run("fetch", func(t *testing.T) {
		s := &fakeSession{uids: []uint32{1}, fetchErr: boom}
		r := newTestReader(Config{}, s, nil)
		if _, err := r.Fetch(context.Background()); !errors.Is(err, boom) {
			t.Fatalf("expected fetch error, got %v", err)
		}
	})

	t.Run("store", func(t *testing.T) {
		s := &fakeSession{uids: []uint32{1}, messages: map[uint32]string{1: "x"}, storeErr: boom}
		r := newTestReader(Config{MarkSeen: true}, s, nil)
		got, err := r.Fetch(context.Background())
		if !errors.Is(err, boom) {
			t.Fatalf("expected store error, got %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("already retrieved messages should be returned, got %d", len(got))
		}
	})
}

func TestFetchHonoursCancellation(t *testing.T) {
	s := &fakeSession{
		uids:     []uint32{1, 2},
		messages: map[uint32]string{1: "one", 2: "two"},
	}
	r := newTestReader(Config{}, s, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := r.Fetch(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(got) != 0 || len(s.fetched) != 0 {
		t.Fatalf("no message should be fetched after cancellation")
	}
	if s.logoutCall != 1 {
		t.Fatal("session must be closed on cancellation")
	}
}

func TestConnectRejectsUnknownSecurity(t *testing.T) {
	r := New(Config{Host: "localhost", Port: 1, Security: "ssl"})
	if _, err := r.connect(context.Background()); err == nil {
		t.Fatal("expected error for unknown security mode")
	}
}

func TestFetchStampsUIDValidity(t *testing.T) {
	s := &fakeSession{
		uids:        []uint32{1, 2},
		messages:    map[uint32]string{1: "one", 2: "two"},
		uidValidity: 1700000001,
	}
	r := newTestReader(Config{Folder: "Support"}, s, nil)

	got, err := r.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2", len(got))
	}
	for _, m := range got {
		if m.UIDValidity != 1700000001 || m.Folder != "Support" {
			t.Errorf("uid %d: folder %q validity %d", m.UID, m.Folder, m.UIDValidity)
		}
	}
}
