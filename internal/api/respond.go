package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

type errorResponse struct {
	Error string `json:"error"`
}

type problemsResponse struct {
	Errors []string `json:"errors"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeProblems answers 400 with every validation problem found.
func writeProblems(w http.ResponseWriter, problems []string) {
	writeJSON(w, http.StatusBadRequest, problemsResponse{Errors: problems})
}

// rateLimit allows perMin requests per client IP and action. Limiter
// failures let the request through.
func (h *Handler) rateLimit(action string, perMin int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if h.Limiter == nil || perMin <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, err := h.Limiter.RateLimit(r.Context(), clientIP(r), action, perMin, time.Minute)
			if err != nil {
				requestLogger(r).Warn("rate limiter unavailable", "action", action, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				w.Header().Set("Retry-After", "60")
				writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
