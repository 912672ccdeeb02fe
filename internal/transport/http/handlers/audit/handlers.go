package audithandler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"payrail/internal/domain/audit"
	"payrail/internal/requestctx"
	"payrail/internal/transport/http/api"
	"payrail/internal/transport/http/middleware"
	"payrail/internal/transport/http/shared"
)

type Log interface {
	Count(ctx context.Context, filter audit.Filter) (int, error)
	List(ctx context.Context, filter audit.Filter) ([]audit.Entry, error)
}

type Handler struct {
	Log Log
}

func NewHandler(log Log) *Handler {
	return &Handler{Log: log}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.With(middleware.RequireRole(requestctx.RoleAuditor)).Get("/audit", h.handleList)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	page := shared.ParsePagination(r, 100, 500)
	query := r.URL.Query()
	filter := audit.Filter{
		EntityType: query.Get("entityType"),
		EntityID:   query.Get("entityId"),
		RunID:      query.Get("runId"),
		Action:     query.Get("action"),
	}
	total, err := h.Log.Count(r.Context(), filter)
	if err != nil {
		slog.Warn("audit count failed", "err", err)
	}

	filter.Limit, filter.Offset = page.Limit, page.Offset
	entries, err := h.Log.List(r.Context(), filter)
	if err != nil {
		api.Fail(w, http.StatusInternalServerError, "audit_list_failed", "failed to list audit entries", middleware.GetRequestID(r.Context()))
		return
	}

	w.Header().Set("X-Total-Count", strconv.Itoa(total))
	api.Success(w, entries, middleware.GetRequestID(r.Context()))
}
