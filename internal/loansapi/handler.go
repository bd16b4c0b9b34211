// internal/loansapi/handler.go
package loansapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"lendingbot/internal/ledger"
	"lendingbot/internal/parsing"
)

// Handler serves the read-only loan views: the pages the check command
// links to. No command processing happens here.
type Handler struct {
	store  ledger.Store
	logger *slog.Logger
}

func NewHandler(store ledger.Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// Router builds the chi router with structured request logging.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger(h.logger))
	r.Get("/users/{username}/summary", h.handleUserSummary)
	r.Get("/users/{username}/loans", h.handleUserLoans)
	r.Get("/loans/{id}", h.handleLoan)
	return r
}

func (h *Handler) handleUserSummary(w http.ResponseWriter, r *http.Request) {
	username, err := parsing.DecodeUserReference("u/" + chi.URLParam(r, "username"))
	if err != nil {
		http.Error(w, "invalid username", http.StatusBadRequest)
		return
	}
	summary, err := h.store.UserSummary(r.Context(), username)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleUserLoans(w http.ResponseWriter, r *http.Request) {
	username, err := parsing.DecodeUserReference("u/" + chi.URLParam(r, "username"))
	if err != nil {
		http.Error(w, "invalid username", http.StatusBadRequest)
		return
	}

	loans, err := h.store.UserLoans(r.Context(), username)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Optional created-after filter, ISO 8601.
	if after := r.URL.Query().Get("after"); after != "" {
		ts, err := parsing.DecodeTimestamp(after)
		if err != nil {
			http.Error(w, "invalid after timestamp", http.StatusBadRequest)
			return
		}
		filtered := loans[:0]
		for _, loan := range loans {
			if loan.CreatedAt.After(ts) {
				filtered = append(filtered, loan)
			}
		}
		loans = filtered
	}
	if loans == nil {
		loans = []*ledger.Loan{}
	}
	writeJSON(w, http.StatusOK, loans)
}

func (h *Handler) handleLoan(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid loan id", http.StatusBadRequest)
		return
	}
	loan, err := h.store.GetLoan(r.Context(), id)
	if errors.Is(err, ledger.ErrNoSuchLoan) {
		http.Error(w, "no such loan", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func requestLogger(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("request completed",
					slog.Group("request",
						slog.String("method", r.Method),
						slog.String("path", r.URL.Path),
					),
					slog.Group("response",
						slog.Int("status", ww.Status()),
						slog.String("latency", time.Since(start).String()),
					),
				)
			}()
			next.ServeHTTP(ww, r)
		}
		return http.HandlerFunc(fn)
	}
}
