// Package admin serves the operator endpoints: password login issuing a JWT
// and a stats view over both streams and recent reconciliation passes.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"mailgateway/internal/domain"
)

// Counter reports how many records a stream holds.
type Counter interface {
	Count(ctx context.Context) (int64, error)
}

// PassHistory is implemented by the Redis side store. It is optional.
type PassHistory interface {
	RecentPasses(ctx context.Context, n int) ([]domain.PassResult, error)
	TotalPasses(ctx context.Context) (int64, error)
	TrackedUIDs(ctx context.Context) (int64, error)
}

type Handler struct {
	auth    *AuthService
	streams map[domain.Stream]Counter
	history PassHistory
}

func NewHandler(auth *AuthService, streams map[domain.Stream]Counter, history PassHistory) *Handler {
	return &Handler{auth: auth, streams: streams, history: history}
}

// Routes mounts login and the protected stats endpoint.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/login", h.Login)
	r.With(h.AuthMiddleware).Get("/stats", h.Stats)
}

// AuthMiddleware rejects requests without a valid bearer token.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, http.StatusUnauthorized, "Missing authorization header")
			return
		}

		// Extract token from "Bearer <token>"
		parts := strings.Fields(authHeader)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			writeError(w, http.StatusUnauthorized, "Invalid authorization header format")
			return
		}

		if _, err := h.auth.ValidateToken(parts[1]); err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.auth.ValidatePassword(req.Password); err != nil {
		slog.Warn("admin login rejected", "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "Invalid password")
		return
	}

	token, err := h.auth.GenerateToken()
	if err != nil {
		slog.Error("failed to sign admin token", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"token": token,
	})
}

// Stats is best effort: a failing source is reported as null and logged.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	counts := map[domain.Stream]*int64{}
	for s, c := range h.streams {
		n, err := c.Count(ctx)
		if err != nil {
			slog.Error("failed to count stream", "stream", s, "error", err)
			counts[s] = nil
			continue
		}
		counts[s] = &n
	}

	resp := map[string]interface{}{
		"streams": counts,
	}

	if h.history != nil {
		resp["recentPasses"] = nil
		if recent, err := h.history.RecentPasses(ctx, 10); err != nil {
			slog.Error("failed to read pass history", "error", err)
		} else {
			resp["recentPasses"] = recent
		}

		var total, tracked *int64
		if n, err := h.history.TotalPasses(ctx); err != nil {
			slog.Error("failed to read pass count", "error", err)
		} else {
			total = &n
		}
		if n, err := h.history.TrackedUIDs(ctx); err != nil {
			slog.Error("failed to count tracked uids", "error", err)
		} else {
			tracked = &n
		}
		resp["totalPasses"] = total
		resp["trackedUids"] = tracked
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
