package settlementhandler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"payrail/internal/domain/payroll"
	"payrail/internal/domain/settlement"
	"payrail/internal/requestctx"
	"payrail/internal/transport/http/api"
	"payrail/internal/transport/http/middleware"
	"payrail/internal/transport/http/shared"
)

type Engine interface {
	Settle(ctx context.Context, item payroll.Item) (settlement.Transaction, error)
	Retry(ctx context.Context, itemID string) (settlement.Transaction, error)
	ReleaseReservation(ctx context.Context, txID string) (settlement.Transaction, error)
	GetTransaction(ctx context.Context, id string) (settlement.Transaction, error)
	ListForRun(ctx context.Context, runID string) ([]settlement.Transaction, error)
	ListNeedingRemediation(ctx context.Context) ([]settlement.Transaction, error)
	ListAccounts(ctx context.Context) ([]settlement.Account, error)
	Fund(ctx context.Context, accountID string, amount decimal.Decimal) (settlement.Account, error)
	Reconcile(ctx context.Context, accountID string) (settlement.Account, error)
}

type Items interface {
	GetItem(ctx context.Context, itemID string) (payroll.Item, error)
	GetRun(ctx context.Context, id string) (payroll.Run, error)
}

// CompletionRefresher re-evaluates a run after one of its items changed.
type CompletionRefresher interface {
	RefreshCompletion(ctx context.Context, id string) (payroll.Run, error)
}

type Handler struct {
	Engine  Engine
	Items   Items
	Refresh CompletionRefresher
}

func NewHandler(engine Engine, items Items, refresh CompletionRefresher) *Handler {
	return &Handler{Engine: engine, Items: items, Refresh: refresh}
}

type fundPayload struct {
	Amount string `json:"amount"`
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	read := middleware.RequireRole(requestctx.RoleTreasury, requestctx.RoleHRManager, requestctx.RoleAuditor)
	treasury := middleware.RequireRole(requestctx.RoleTreasury)

	r.With(treasury).Post("/items/{itemID}/settle", h.handleSettle)
	r.With(read).Get("/runs/{runID}/transactions", h.handleListForRun)
	r.With(read).Get("/transactions/remediation", h.handleListRemediation)
	r.With(read).Get("/transactions/{txID}", h.handleGetTransaction)
	r.With(treasury).Post("/transactions/{txID}/retry", h.handleRetry)
	r.With(treasury).Post("/transactions/{txID}/release", h.handleRelease)
	r.With(read).Get("/treasury/accounts", h.handleListAccounts)
	r.With(treasury).Post("/treasury/accounts/{accountID}/fund", h.handleFund)
	r.With(treasury).Post("/treasury/accounts/{accountID}/reconcile", h.handleReconcile)
}

func (h *Handler) handleSettle(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	item, err := h.Items.GetItem(ctx, chi.URLParam(r, "itemID"))
	if err != nil {
		shared.FailError(w, r, err, "settle_failed")
		return
	}
	run, err := h.Items.GetRun(ctx, item.RunID)
	if err != nil {
		shared.FailError(w, r, err, "settle_failed")
		return
	}
	if run.Status != payroll.RunStatusProcessing {
		api.Fail(w, http.StatusConflict, "run_not_processing", "items settle only while their run is processing", middleware.GetRequestID(r.Context()))
		return
	}
	tx, err := h.Engine.Settle(ctx, item)
	h.respond(ctx, w, r, item.RunID, tx, err, "settle_failed")
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	previous, err := h.Engine.GetTransaction(ctx, chi.URLParam(r, "txID"))
	if err != nil {
		shared.FailError(w, r, err, "retry_failed")
		return
	}
	tx, err := h.Engine.Retry(ctx, previous.PayrollItemID)
	h.respond(ctx, w, r, previous.RunID, tx, err, "retry_failed")
}

func (h *Handler) respond(ctx context.Context, w http.ResponseWriter, r *http.Request, runID string, tx settlement.Transaction, err error, fallback string) {
	if h.Refresh != nil {
		if _, refreshErr := h.Refresh.RefreshCompletion(ctx, runID); refreshErr != nil && err == nil {
			err = refreshErr
		}
	}
	if err != nil {
		shared.FailError(w, r, err, fallback)
		return
	}
	// An item with nothing to pay settles without a transaction.
	if tx.ID == "" {
		api.Success(w, nil, middleware.GetRequestID(r.Context()))
		return
	}
	api.Success(w, tx, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Engine.ReleaseReservation(r.Context(), chi.URLParam(r, "txID"))
	if err != nil {
		shared.FailError(w, r, err, "release_failed")
		return
	}
	api.Success(w, tx, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Engine.GetTransaction(r.Context(), chi.URLParam(r, "txID"))
	if err != nil {
		shared.FailError(w, r, err, "transaction_get_failed")
		return
	}
	api.Success(w, tx, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleListForRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := h.Items.GetRun(r.Context(), runID); err != nil {
		shared.FailError(w, r, err, "transaction_list_failed")
		return
	}
	txs, err := h.Engine.ListForRun(r.Context(), runID)
	if err != nil {
		shared.FailError(w, r, err, "transaction_list_failed")
		return
	}
	api.Success(w, txs, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleListRemediation(w http.ResponseWriter, r *http.Request) {
	txs, err := h.Engine.ListNeedingRemediation(r.Context())
	if err != nil {
		shared.FailError(w, r, err, "transaction_list_failed")
		return
	}
	api.Success(w, txs, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.Engine.ListAccounts(r.Context())
	if err != nil {
		shared.FailError(w, r, err, "account_list_failed")
		return
	}
	api.Success(w, accounts, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleFund(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	var payload fundPayload
	if !shared.DecodeJSON(w, r, &payload, requestID) {
		return
	}
	v := shared.NewValidator()
	v.Required("amount", payload.Amount, "is required")
	amount := v.Decimal("amount", payload.Amount)
	if v.Reject(w, requestID) {
		return
	}

	account, err := h.Engine.Fund(r.Context(), chi.URLParam(r, "accountID"), amount)
	if err != nil {
		shared.FailError(w, r, err, "fund_failed")
		return
	}
	api.Success(w, account, requestID)
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	account, err := h.Engine.Reconcile(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		shared.FailError(w, r, err, "reconcile_failed")
		return
	}
	api.Success(w, account, middleware.GetRequestID(r.Context()))
}
