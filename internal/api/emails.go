package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"mailgateway/internal/domain"
	"mailgateway/internal/reconcile"
)

const maxRequestBytes = 1 << 20

type sendResponse struct {
	ID string `json:"id"`
}

func (h *Handler) sendEmail(w http.ResponseWriter, r *http.Request) {
	var req domain.SendRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		writeProblems(w, []string{"request body must be a JSON email message"})
		return
	}
	if problems := validateSend(req); len(problems) > 0 {
		writeProblems(w, problems)
		return
	}

	logger := requestLogger(r)
	msg := req.ToMessage()
	if err := h.Sender.Send(r.Context(), msg); err != nil {
		logger.Error("send failed", "error", err)
		writeError(w, http.StatusInternalServerError, "An error occurred while sending the email")
		return
	}

	id, err := h.Sent.Save(r.Context(), msg)
	if err != nil {
		// The message went out; only the record is missing.
		logger.Error("sent email not recorded", "error", err)
		writeError(w, http.StatusInternalServerError, "The email was sent but could not be recorded")
		return
	}

	logger.Info("email sent and saved", "id", id)
	w.Header().Set("Location", "api/email/"+id)
	writeJSON(w, http.StatusCreated, sendResponse{ID: id})
}

// validateSend returns every problem with the request, not just the first.
func validateSend(req domain.SendRequest) []string {
	var problems []string
	if len(req.To) == 0 {
		problems = append(problems, "at least one 'to' recipient is required")
	}
	lists := []struct {
		field string
		addrs []string
	}{
		{"to", req.To},
		{"cc", req.Cc},
		{"bcc", req.Bcc},
	}
	for _, l := range lists {
		for i, a := range l.addrs {
			if strings.TrimSpace(a) == "" {
				problems = append(problems, fmt.Sprintf("%s[%d] is empty", l.field, i))
				continue
			}
			if _, err := mail.ParseAddress(a); err != nil {
				problems = append(problems, fmt.Sprintf("%s[%d] %q is not a valid email address", l.field, i, a))
			}
		}
	}
	return problems
}

func (h *Handler) listReceived(w http.ResponseWriter, r *http.Request) {
	req, err := parsePageRequest(r)
	if err != nil {
		writeProblems(w, []string{err.Error()})
		return
	}

	logger := requestLogger(r)
	page, err := h.Reconciler.List(r.Context(), req)
	if err != nil {
		logger.Error("error retrieving emails", "stage", reconcile.FailedStage(err), "error", err)
		writeError(w, http.StatusInternalServerError, "An error occurred while retrieving emails")
		return
	}

	logger.Info("retrieved emails", "stream", domain.StreamReceived, "count", len(page.Items), "page", page.Page, "total_pages", page.TotalPages)
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) listSent(w http.ResponseWriter, r *http.Request) {
	req, err := parsePageRequest(r)
	if err != nil {
		writeProblems(w, []string{err.Error()})
		return
	}

	page, err := h.Sent.GetPage(r.Context(), req)
	if err != nil {
		requestLogger(r).Error("error retrieving emails", "stream", domain.StreamSent, "error", err)
		writeError(w, http.StatusInternalServerError, "An error occurred while retrieving emails")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// parsePageRequest applies defaults for absent parameters and rejects
// present but malformed ones.
func parsePageRequest(r *http.Request) (domain.PageRequest, error) {
	req := domain.DefaultPageRequest()
	q := r.URL.Query()

	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return req, fmt.Errorf("page %q is not an integer", v)
		}
		req.Page = n
	}
	if v := q.Get("pageSize"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return req, fmt.Errorf("pageSize %q is not an integer", v)
		}
		req.PageSize = n
	}
	return req, req.Validate()
}

func (h *Handler) getMessage(s domain.Stream) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(chi.URLParam(r, "id"))
		if id == "" {
			writeError(w, http.StatusBadRequest, "Email ID cannot be null or empty")
			return
		}

		logger := requestLogger(r).With("stream", s, "id", id)
		msg, err := h.store(s).GetByID(r.Context(), id)
		if err != nil {
			logger.Error("error retrieving email", "error", err)
			writeError(w, http.StatusInternalServerError, "An error occurred while retrieving the email")
			return
		}
		if msg == nil {
			logger.Info("email not found")
			writeError(w, http.StatusNotFound, fmt.Sprintf("Email with ID %s not found", id))
			return
		}
		writeJSON(w, http.StatusOK, msg)
	}
}

func (h *Handler) deleteMessage(s domain.Stream) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(chi.URLParam(r, "id"))
		if id == "" {
			writeError(w, http.StatusBadRequest, "Email ID cannot be null or empty")
			return
		}

		logger := requestLogger(r).With("stream", s, "id", id)
		deleted, err := h.store(s).DeleteByID(r.Context(), id)
		if err != nil {
			logger.Error("error deleting email", "error", err)
			writeError(w, http.StatusInternalServerError, "An error occurred while deleting the email")
			return
		}
		if !deleted {
			logger.Info("email not found for delete")
			writeError(w, http.StatusNotFound, fmt.Sprintf("Email with ID %s not found", id))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handler) deleteAll(s domain.Stream) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := requestLogger(r).With("stream", s)
		n, err := h.store(s).DeleteAll(r.Context())
		if err != nil {
			logger.Error("error deleting emails", "deleted", n, "error", err)
			writeError(w, http.StatusInternalServerError, "An error occurred while deleting emails")
			return
		}
		logger.Info("deleted all emails", "deleted", n)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{}
	ok := true
	for name, check := range h.Ready {
		if err := check(r.Context()); err != nil {
			slog.Warn("readiness check failed", "dependency", name, "error", err)
			status[name] = "unavailable"
			ok = false
			continue
		}
		status[name] = "ok"
	}
	code := http.StatusOK
	if !ok {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func requestLogger(r *http.Request) *slog.Logger {
	return slog.Default().With("request_id", middleware.GetReqID(r.Context()))
}
