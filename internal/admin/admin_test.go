package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"mailgateway/internal/domain"
)

type fixedCounter struct {
	n   int64
	err error
}

func (c fixedCounter) Count(ctx context.Context) (int64, error) { return c.n, c.err }

type fakeHistory struct{}

func (fakeHistory) RecentPasses(ctx context.Context, n int) ([]domain.PassResult, error) {
	return []domain.PassResult{{Batch: 1700000000, Fetched: 2, Persisted: 2}}, nil
}
func (fakeHistory) TotalPasses(ctx context.Context) (int64, error) { return 7, nil }
func (fakeHistory) TrackedUIDs(ctx context.Context) (int64, error) { return 3, nil }

type failingHistory struct{}

func (failingHistory) RecentPasses(ctx context.Context, n int) ([]domain.PassResult, error) {
	return nil, errors.New("redis down")
}
func (failingHistory) TotalPasses(ctx context.Context) (int64, error) {
	return 0, errors.New("redis down")
}
func (failingHistory) TrackedUIDs(ctx context.Context) (int64, error) {
	return 0, errors.New("redis down")
}

func newAuth(t *testing.T) *AuthService {
	t.Helper()
	a, err := NewAuthService("s3cret", "test-signing-key", time.Hour)
	if err != nil {
		t.Fatalf("NewAuthService failed: %v", err)
	}
	return a
}

func TestPasswordAndToken(t *testing.T) {
	a := newAuth(t)

	if err := a.ValidatePassword("wrong"); !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("wrong password accepted: %v", err)
	}
	if err := a.ValidatePassword("s3cret"); err != nil {
		t.Fatalf("correct password rejected: %v", err)
	}

	tok, err := a.GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	claims, err := a.ValidateToken(tok)
	if err != nil || !claims.Admin {
		t.Fatalf("ValidateToken = %+v, %v", claims, err)
	}

	if _, err := a.ValidateToken(tok + "x"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("tampered token accepted: %v", err)
	}

	other, _ := NewAuthService("s3cret", "another-key", time.Hour)
	if _, err := other.ValidateToken(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatal("token signed with another key accepted")
	}
}

func TestTokenExpires(t *testing.T) {
	a := newAuth(t)
	issued := time.Now()
	a.now = func() time.Time { return issued }
	tok, err := a.GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	a.now = func() time.Time { return issued.Add(2 * time.Hour) }
	if _, err := a.ValidateToken(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatal("expired token accepted")
	}
}

func TestRandomSecretWhenUnset(t *testing.T) {
	a, err := NewAuthService("pw", "", 0)
	if err != nil {
		t.Fatalf("NewAuthService failed: %v", err)
	}
	if len(a.jwtSecret) != 32 {
		t.Fatalf("generated secret has %d bytes", len(a.jwtSecret))
	}
	if a.tokenTTL != 24*time.Hour {
		t.Fatalf("default ttl = %v", a.tokenTTL)
	}
}

func newRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Route("/api/admin", h.Routes)
	return r
}

func TestLoginAndStats(t *testing.T) {
	h := NewHandler(newAuth(t), map[domain.Stream]Counter{
		domain.StreamSent:     fixedCounter{n: 4},
		domain.StreamReceived: fixedCounter{err: errors.New("db down")},
	}, fakeHistory{})
	router := newRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/login", strings.NewReader(`{"password":"nope"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad password status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/admin/login", strings.NewReader(`{"password":"s3cret"}`))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d: %s", rec.Code, rec.Body.String())
	}
	var login struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&login); err != nil || login.Token == "" {
		t.Fatalf("login body: %v", err)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/admin/stats", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("stats without token status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer "+login.Token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}

	var stats struct {
		Streams      map[string]*int64   `json:"streams"`
		RecentPasses []domain.PassResult `json:"recentPasses"`
		TotalPasses  int64               `json:"totalPasses"`
		TrackedUIDs  int64               `json:"trackedUids"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Streams["sent"] == nil || *stats.Streams["sent"] != 4 {
		t.Errorf("sent count = %v", stats.Streams["sent"])
	}
	if stats.Streams["received"] != nil {
		t.Errorf("failing stream should report null, got %v", *stats.Streams["received"])
	}
	if len(stats.RecentPasses) != 1 || stats.TotalPasses != 7 || stats.TrackedUIDs != 3 {
		t.Errorf("history = %+v", stats)
	}
}

func TestStatsReportsFailingHistoryAsNull(t *testing.T) {
	h := NewHandler(newAuth(t), map[domain.Stream]Counter{
		domain.StreamSent: fixedCounter{n: 1},
	}, failingHistory{})

	rec := httptest.NewRecorder()
	h.Stats(rec, httptest.NewRequest(http.MethodGet, "/api/admin/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}

	var stats map[string]json.RawMessage
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	for _, key := range []string{"recentPasses", "totalPasses", "trackedUids"} {
		raw, ok := stats[key]
		if !ok {
			t.Errorf("%s missing", key)
			continue
		}
		if string(raw) != "null" {
			t.Errorf("%s = %s, want null", key, raw)
		}
	}
}

func TestAuthMiddlewareRejectsMalformedHeader(t *testing.T) {
	h := NewHandler(newAuth(t), nil, nil)
	protected := h.AuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for _, header := range []string{"Token abc", "Bearer", "Bearer a b"} {
		req := httptest.NewRequest(http.MethodDelete, "/", nil)
		req.Header.Set("Authorization", header)
		rec := httptest.NewRecorder()
		protected.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("header %q: status = %d", header, rec.Code)
		}
	}
}
