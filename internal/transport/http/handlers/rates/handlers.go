package rateshandler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"payrail/internal/domain/rates"
	"payrail/internal/requestctx"
	"payrail/internal/transport/http/api"
	"payrail/internal/transport/http/middleware"
	"payrail/internal/transport/http/shared"
)

type Store interface {
	Create(ctx context.Context, cfg rates.Configuration) (rates.Configuration, error)
	ListForEmployee(ctx context.Context, employeeID string) ([]rates.Configuration, error)
}

type Handler struct {
	Store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{Store: store}
}

type ratePayload struct {
	EmployeeID             string `json:"employeeId"`
	BaseSalary             string `json:"baseSalary"`
	Currency               string `json:"currency"`
	PaymentFrequency       string `json:"paymentFrequency"`
	TaxRate                string `json:"taxRate"`
	SocialSecurityRate     string `json:"socialSecurityRate"`
	HealthInsurance        string `json:"healthInsurance"`
	RetirementContribution string `json:"retirementContribution"`
	EffectiveFrom          string `json:"effectiveFrom"`
	EffectiveTo            string `json:"effectiveTo"`
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.With(middleware.RequireRole(requestctx.RoleHRManager)).Post("/rates", h.handleCreate)
	r.With(middleware.RequireRole(requestctx.RoleHRManager, requestctx.RoleAuditor)).Get("/rates", h.handleList)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	var payload ratePayload
	if !shared.DecodeJSON(w, r, &payload, requestID) {
		return
	}

	v := shared.NewValidator()
	v.Required("employeeId", payload.EmployeeID, "is required")
	v.Required("baseSalary", payload.BaseSalary, "is required")
	cfg := rates.Configuration{
		EmployeeID:             strings.TrimSpace(payload.EmployeeID),
		BaseSalary:             v.Decimal("baseSalary", payload.BaseSalary),
		Currency:               strings.ToUpper(strings.TrimSpace(payload.Currency)),
		PaymentFrequency:       strings.ToLower(strings.TrimSpace(payload.PaymentFrequency)),
		TaxRate:                v.Decimal("taxRate", payload.TaxRate),
		SocialSecurityRate:     v.Decimal("socialSecurityRate", payload.SocialSecurityRate),
		HealthInsurance:        v.Decimal("healthInsurance", payload.HealthInsurance),
		RetirementContribution: v.Decimal("retirementContribution", payload.RetirementContribution),
	}
	cfg.EffectiveFrom, _ = v.Date("effectiveFrom", payload.EffectiveFrom)
	cfg.EffectiveTo = v.OptionalDate("effectiveTo", payload.EffectiveTo)
	if cfg.EffectiveTo != nil {
		v.DateOrder("effectiveFrom", cfg.EffectiveFrom, "effectiveTo", *cfg.EffectiveTo)
	}
	if v.Reject(w, requestID) {
		return
	}

	created, err := h.Store.Create(r.Context(), cfg)
	if err != nil {
		shared.FailError(w, r, err, "rate_create_failed")
		return
	}
	api.Created(w, created, requestID)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	employeeID := strings.TrimSpace(r.URL.Query().Get("employeeId"))
	if employeeID == "" {
		shared.FailValidation(w, requestID, []shared.ValidationIssue{{Field: "employeeId", Reason: "is required"}})
		return
	}
	configs, err := h.Store.ListForEmployee(r.Context(), employeeID)
	if err != nil {
		shared.FailError(w, r, err, "rate_list_failed")
		return
	}
	api.Success(w, configs, requestID)
}
