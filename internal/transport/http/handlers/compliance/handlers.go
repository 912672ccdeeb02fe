package compliancehandler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"payrail/internal/domain/compliance"
	"payrail/internal/requestctx"
	"payrail/internal/transport/http/api"
	"payrail/internal/transport/http/middleware"
	"payrail/internal/transport/http/shared"
)

type Checker interface {
	Run(ctx context.Context) (compliance.Report, error)
}

type Handler struct {
	Checker Checker
}

func NewHandler(checker Checker) *Handler {
	return &Handler{Checker: checker}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.With(middleware.RequireRole(requestctx.RoleAuditor)).Get("/compliance/checks", h.handleChecks)
}

func (h *Handler) handleChecks(w http.ResponseWriter, r *http.Request) {
	report, err := h.Checker.Run(r.Context())
	if err != nil {
		shared.FailError(w, r, err, "compliance_failed")
		return
	}
	api.Success(w, report, middleware.GetRequestID(r.Context()))
}
