// Package app assembles the gateway from configuration and exposes it as
// cobra commands.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"mailgateway/internal/admin"
	"mailgateway/internal/api"
	"mailgateway/internal/config"
	"mailgateway/internal/domain"
	"mailgateway/internal/mailbox"
	"mailgateway/internal/ratelimit"
	"mailgateway/internal/reconcile"
	"mailgateway/internal/redisstore"
	"mailgateway/internal/sender"
	"mailgateway/internal/store"
)

// App holds every long-lived dependency. Redis and Local are mutually
// exclusive: exactly one of them limits request rates.
type App struct {
	Config     *config.Config
	Mongo      *store.Client
	Redis      *redisstore.Store
	Local      *ratelimit.LimiterStore
	Sent       *store.Stream
	Received   *store.Stream
	Reconciler *reconcile.Service
	Sender     *sender.Sender
}

// NewLogger returns a JSON logger at the named level. Unknown levels fall
// back to info.
func NewLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// Build connects to MongoDB and, when configured, Redis, then wires the
// services on top. Close releases what Build acquired.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	mongo, err := store.Connect(ctx, StoreOptions(cfg.MongoDB))
	if err != nil {
		return nil, err
	}
	a := &App{
		Config:   cfg,
		Mongo:    mongo,
		Sent:     mongo.Stream(domain.StreamSent),
		Received: mongo.Stream(domain.StreamReceived),
		Sender:   sender.New(SenderConfig(cfg.SMTP)),
	}

	if err := mongo.CreateIndexes(ctx); err != nil {
		// Paging still works without them, only slower.
		slog.Warn("failed to ensure indexes", "error", err)
	}

	opts := []reconcile.Option{}
	if cfg.Redis.URL != "" {
		rs, err := redisstore.New(ctx, cfg.Redis.URL, cfg.Redis.UIDTTL)
		if err != nil {
			_ = mongo.Close(context.Background())
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		a.Redis = rs
		opts = append(opts, reconcile.WithLedger(rs), reconcile.WithRecorder(rs))
	} else {
		slog.Info("redis not configured, rate limiting in process without uid ledger")
		a.Local = ratelimit.NewLimiterStore(time.Minute)
	}

	a.Reconciler = reconcile.New(mailbox.New(MailboxConfig(cfg.IMAP)), a.Received, opts...)
	return a, nil
}

// Handler builds the HTTP surface.
func (a *App) Handler() (http.Handler, error) {
	deps := api.Deps{
		Sent:       a.Sent,
		Received:   a.Received,
		Reconciler: a.Reconciler,
		Sender:     a.Sender,
		Limits:     a.Config.Limits,
		Ready: map[string]api.Check{
			"mongodb": a.Mongo.Ping,
		},
	}

	var history admin.PassHistory
	if a.Redis != nil {
		deps.Limiter = a.Redis
		deps.Ready["redis"] = a.Redis.Ping
		history = a.Redis
	} else {
		deps.Limiter = a.Local
	}

	if a.Config.AuthEnabled() {
		auth, err := admin.NewAuthService(a.Config.Admin.Password, a.Config.Admin.JWTSecret, a.Config.Admin.TokenTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize admin auth: %w", err)
		}
		deps.Admin = admin.NewHandler(auth, map[domain.Stream]admin.Counter{
			domain.StreamSent:     a.Sent,
			domain.StreamReceived: a.Received,
		}, history)
	} else {
		slog.Warn("admin password not set, delete endpoints are unprotected")
	}

	return api.New(deps).Router(), nil
}

func (a *App) Close(ctx context.Context) {
	if a.Local != nil {
		a.Local.Stop()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			slog.Warn("failed to close redis", "error", err)
		}
	}
	if err := a.Mongo.Close(ctx); err != nil {
		slog.Warn("failed to disconnect mongodb", "error", err)
	}
}

func StoreOptions(c config.MongoConfig) store.Options {
	return store.Options{
		URI:                c.URI,
		Database:           c.Database,
		SentCollection:     c.SentCollection,
		ReceivedCollection: c.ReceivedCollection,
		Timeout:            c.Timeout,
		ConnectAttempts:    c.ConnectAttempts,
	}
}

func MailboxConfig(c config.IMAPConfig) mailbox.Config {
	return mailbox.Config{
		Host:            c.Host,
		Port:            c.Port,
		Username:        c.Username,
		Password:        c.Password,
		Security:        c.Security,
		SkipVerify:      c.SkipVerify,
		Folder:          c.Folder,
		OnlyUnseen:      c.OnlyUnseen,
		MarkSeen:        c.MarkSeen,
		MaxMessageBytes: c.MaxMessageBytes,
		Timeout:         c.Timeout,
	}
}

func SenderConfig(c config.SMTPConfig) sender.Config {
	return sender.Config{
		Host:        c.Host,
		Port:        c.Port,
		Username:    c.Username,
		Password:    c.Password,
		Security:    c.Security,
		SkipVerify:  c.SkipVerify,
		FromName:    c.FromName,
		FromAddress: c.FromAddress,
		Timeout:     c.Timeout,
	}
}
