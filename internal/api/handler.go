// Package api exposes the gateway over HTTP.
package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"mailgateway/internal/admin"
	"mailgateway/internal/config"
	"mailgateway/internal/domain"
)

// MessageStore is one persisted stream.
type MessageStore interface {
	Save(ctx context.Context, m *domain.EmailMessage) (string, error)
	GetByID(ctx context.Context, id string) (*domain.EmailMessage, error)
	GetPage(ctx context.Context, req domain.PageRequest) (*domain.Page[*domain.EmailMessage], error)
	DeleteByID(ctx context.Context, id string) (bool, error)
	DeleteAll(ctx context.Context) (int64, error)
}

type Sender interface {
	Send(ctx context.Context, m *domain.EmailMessage) error
}

// Reconciler pulls new mail into the received stream and returns a page of
// it.
type Reconciler interface {
	List(ctx context.Context, req domain.PageRequest) (*domain.Page[*domain.EmailMessage], error)
}

type Limiter interface {
	RateLimit(ctx context.Context, key string, action string, limit int, window time.Duration) (bool, error)
}

// Check reports whether one dependency is ready.
type Check func(ctx context.Context) error

type Deps struct {
	Sent       MessageStore
	Received   MessageStore
	Reconciler Reconciler
	Sender     Sender
	Limiter    Limiter
	Limits     config.LimitsConfig
	// Admin is nil when no admin password is configured; admin routes are
	// then absent and deletes are open.
	Admin *admin.Handler
	Ready map[string]Check
}

type Handler struct {
	Deps
}

func New(d Deps) *Handler {
	return &Handler{Deps: d}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		ExposedHeaders: []string{"Location"},
	})
	r.Use(c.Handler)

	r.Route("/api", func(r chi.Router) {
		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		r.Get("/readyz", h.readyz)

		r.With(h.rateLimit("send", h.Limits.SendPerMin)).Post("/email", h.sendEmail)
		r.With(h.rateLimit("send", h.Limits.SendPerMin)).Post("/emails", h.sendEmail)

		r.With(h.rateLimit("list", h.Limits.ListPerMin)).Get("/email/all", h.listReceived)
		r.With(h.rateLimit("list", h.Limits.ListPerMin)).Get("/emails", h.listReceived)
		r.With(h.rateLimit("list", h.Limits.ListPerMin)).Get("/emails/received/page", h.listReceived)
		r.With(h.rateLimit("list", h.Limits.ListPerMin)).Get("/emails/sent/page", h.listSent)

		r.Get("/email/{id}", h.getMessage(domain.StreamSent))
		r.Get("/email/sent/{id}", h.getMessage(domain.StreamSent))
		r.Get("/email/received/{id}", h.getMessage(domain.StreamReceived))

		r.Group(func(r chi.Router) {
			if h.Admin != nil {
				r.Use(h.Admin.AuthMiddleware)
			}
			// Static segments win over {id} in chi, so "all" never reaches
			// the single-record handlers.
			r.Delete("/email/received/all", h.deleteAll(domain.StreamReceived))
			r.Delete("/email/sent/all", h.deleteAll(domain.StreamSent))
			r.Delete("/email/received/{id}", h.deleteMessage(domain.StreamReceived))
			r.Delete("/email/sent/{id}", h.deleteMessage(domain.StreamSent))
		})

		if h.Admin != nil {
			r.Route("/admin", h.Admin.Routes)
		}
	})

	return r
}

func (h *Handler) store(s domain.Stream) MessageStore {
	if s == domain.StreamSent {
		return h.Sent
	}
	return h.Received
}

// clientIP relies on middleware.RealIP having rewritten RemoteAddr from
// X-Real-IP / X-Forwarded-For.
func clientIP(r *http.Request) string {
	ip := r.RemoteAddr
	if strings.Contains(ip, ":") {
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
	}
	return ip
}
