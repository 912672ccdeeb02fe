package runshandler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"payrail/internal/domain/payroll"
	"payrail/internal/requestctx"
	"payrail/internal/transport/http/api"
	"payrail/internal/transport/http/middleware"
	"payrail/internal/transport/http/shared"
)

// Service is the run orchestrator as the API sees it.
type Service interface {
	CreateRun(ctx context.Context, req payroll.NewRun) (payroll.Run, error)
	GetRun(ctx context.Context, id string) (payroll.Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]payroll.Run, error)
	ListItems(ctx context.Context, runID string) ([]payroll.Item, error)
	GetItem(ctx context.Context, itemID string) (payroll.Item, error)
	Totals(ctx context.Context, runID string) (payroll.Totals, error)
	UpdateDraft(ctx context.Context, id string, period payroll.Period, paymentDate time.Time) (payroll.Run, error)
	SetInput(ctx context.Context, input payroll.Input) error
	Approve(ctx context.Context, id, approver string) (payroll.Run, error)
	Process(ctx context.Context, id string) (payroll.Run, error)
	Cancel(ctx context.Context, id string) (payroll.Run, error)
}

type Handler struct {
	Service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{Service: service}
}

type runPayload struct {
	RunID       string `json:"runId"`
	PeriodStart string `json:"periodStart"`
	PeriodEnd   string `json:"periodEnd"`
	PaymentDate string `json:"paymentDate"`
	Currency    string `json:"currency"`
}

type draftPayload struct {
	PeriodStart string `json:"periodStart"`
	PeriodEnd   string `json:"periodEnd"`
	PaymentDate string `json:"paymentDate"`
}

type inputPayload struct {
	Bonuses         string `json:"bonuses"`
	Benefits        string `json:"benefits"`
	OtherDeductions string `json:"otherDeductions"`
}

type runResponse struct {
	payroll.Run
	Totals *payroll.Totals `json:"totals,omitempty"`
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	read := middleware.RequireRole(requestctx.RoleHRManager, requestctx.RoleTreasury, requestctx.RoleAuditor)
	write := middleware.RequireRole(requestctx.RoleHRManager)

	r.With(read).Get("/runs", h.handleListRuns)
	r.With(write).Post("/runs", h.handleCreateRun)
	r.With(read).Get("/runs/{runID}", h.handleGetRun)
	r.With(write).Patch("/runs/{runID}", h.handleUpdateDraft)
	r.With(write).Put("/runs/{runID}/inputs/{employeeID}", h.handleSetInput)
	r.With(write).Post("/runs/{runID}/approve", h.handleApprove)
	r.With(write).Post("/runs/{runID}/process", h.handleProcess)
	r.With(write).Post("/runs/{runID}/cancel", h.handleCancel)
	r.With(read).Get("/runs/{runID}/items", h.handleListItems)
	r.With(read).Get("/items/{itemID}", h.handleGetItem)
}

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	page := shared.ParsePagination(r, 50, 200)
	runs, err := h.Service.ListRuns(r.Context(), page.Limit, page.Offset)
	if err != nil {
		shared.FailError(w, r, err, "run_list_failed")
		return
	}
	api.Success(w, runs, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	var payload runPayload
	if !shared.DecodeJSON(w, r, &payload, requestID) {
		return
	}

	v := shared.NewValidator()
	start, _ := v.Date("periodStart", payload.PeriodStart)
	end, _ := v.Date("periodEnd", payload.PeriodEnd)
	paymentDate, _ := v.Date("paymentDate", payload.PaymentDate)
	v.DateOrder("periodStart", start, "periodEnd", end)
	v.Required("currency", payload.Currency, "is required")
	if v.Reject(w, requestID) {
		return
	}

	actor, _ := middleware.GetActor(r)
	run, err := h.Service.CreateRun(r.Context(), payroll.NewRun{
		RunID:       payload.RunID,
		Period:      payroll.Period{Start: start, End: end},
		PaymentDate: paymentDate,
		Currency:    payload.Currency,
		CreatedBy:   actor.ID,
	})
	if err != nil {
		shared.FailError(w, r, err, "run_create_failed")
		return
	}
	api.Created(w, run, requestID)
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := h.Service.GetRun(r.Context(), runID)
	if err != nil {
		shared.FailError(w, r, err, "run_get_failed")
		return
	}
	resp := runResponse{Run: run}
	if run.Status != payroll.RunStatusDraft {
		totals, err := h.Service.Totals(r.Context(), runID)
		if err != nil {
			shared.FailError(w, r, err, "run_get_failed")
			return
		}
		resp.Totals = &totals
	}
	api.Success(w, resp, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleUpdateDraft(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	var payload draftPayload
	if !shared.DecodeJSON(w, r, &payload, requestID) {
		return
	}

	v := shared.NewValidator()
	start, _ := v.Date("periodStart", payload.PeriodStart)
	end, _ := v.Date("periodEnd", payload.PeriodEnd)
	paymentDate, _ := v.Date("paymentDate", payload.PaymentDate)
	v.DateOrder("periodStart", start, "periodEnd", end)
	if v.Reject(w, requestID) {
		return
	}

	run, err := h.Service.UpdateDraft(r.Context(), chi.URLParam(r, "runID"), payroll.Period{Start: start, End: end}, paymentDate)
	if err != nil {
		shared.FailError(w, r, err, "run_update_failed")
		return
	}
	api.Success(w, run, requestID)
}

func (h *Handler) handleSetInput(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	var payload inputPayload
	if !shared.DecodeJSON(w, r, &payload, requestID) {
		return
	}

	v := shared.NewValidator()
	input := payroll.Input{
		RunID:           chi.URLParam(r, "runID"),
		EmployeeID:      strings.TrimSpace(chi.URLParam(r, "employeeID")),
		Bonuses:         v.Decimal("bonuses", payload.Bonuses),
		Benefits:        v.Decimal("benefits", payload.Benefits),
		OtherDeductions: v.Decimal("otherDeductions", payload.OtherDeductions),
	}
	if v.Reject(w, requestID) {
		return
	}

	if err := h.Service.SetInput(r.Context(), input); err != nil {
		shared.FailError(w, r, err, "input_set_failed")
		return
	}
	api.Success(w, input, requestID)
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.GetActor(r)
	run, err := h.Service.Approve(r.Context(), chi.URLParam(r, "runID"), actor.ID)
	if err != nil {
		shared.FailError(w, r, err, "run_approve_failed")
		return
	}
	api.Success(w, run, middleware.GetRequestID(r.Context()))
}

// handleProcess runs calculation and settlement hand-off. Work already started
// finishes even if the caller disconnects.
func (h *Handler) handleProcess(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	run, err := h.Service.Process(ctx, chi.URLParam(r, "runID"))
	if err != nil {
		shared.FailError(w, r, err, "run_process_failed")
		return
	}
	requestID := middleware.GetRequestID(r.Context())
	if run.Status == payroll.RunStatusProcessing {
		api.Accepted(w, run, requestID)
		return
	}
	api.Success(w, run, requestID)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	run, err := h.Service.Cancel(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		shared.FailError(w, r, err, "run_cancel_failed")
		return
	}
	api.Success(w, run, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleListItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.Service.ListItems(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		shared.FailError(w, r, err, "item_list_failed")
		return
	}
	api.Success(w, items, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.Service.GetItem(r.Context(), chi.URLParam(r, "itemID"))
	if err != nil {
		shared.FailError(w, r, err, "item_get_failed")
		return
	}
	api.Success(w, item, middleware.GetRequestID(r.Context()))
}
