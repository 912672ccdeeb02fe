package receipthandler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"payrail/internal/domain/receipt"
	"payrail/internal/requestctx"
	"payrail/internal/transport/http/api"
	"payrail/internal/transport/http/middleware"
	"payrail/internal/transport/http/shared"
)

type Issuer interface {
	IssueFor(ctx context.Context, transactionID string) (receipt.Receipt, error)
	Get(ctx context.Context, id string) (receipt.Receipt, error)
	ListForTransaction(ctx context.Context, transactionID string) ([]receipt.Receipt, error)
	Document(ctx context.Context, id string) (json.RawMessage, error)
}

type Handler struct {
	Issuer Issuer
}

func NewHandler(issuer Issuer) *Handler {
	return &Handler{Issuer: issuer}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	read := middleware.RequireRole(requestctx.RoleTreasury, requestctx.RoleAuditor, requestctx.RoleHRManager)
	issue := middleware.RequireRole(requestctx.RoleTreasury)

	r.With(read).Get("/transactions/{txID}/receipts", h.handleListForTransaction)
	r.With(issue).Post("/transactions/{txID}/receipts", h.handleIssue)
	r.With(read).Get("/receipts/{receiptID}", h.handleGet)
	r.With(read).Get("/receipts/{receiptID}/document", h.handleDocument)
}

func (h *Handler) handleListForTransaction(w http.ResponseWriter, r *http.Request) {
	receipts, err := h.Issuer.ListForTransaction(r.Context(), chi.URLParam(r, "txID"))
	if err != nil {
		shared.FailError(w, r, err, "receipt_list_failed")
		return
	}
	api.Success(w, receipts, middleware.GetRequestID(r.Context()))
}

// handleIssue issues or re-issues the receipt of a confirmed transaction. A
// verification failure is still a created receipt; the body carries its state.
func (h *Handler) handleIssue(w http.ResponseWriter, r *http.Request) {
	issued, err := h.Issuer.IssueFor(context.WithoutCancel(r.Context()), chi.URLParam(r, "txID"))
	var verifyErr *receipt.VerificationError
	if err != nil && !errors.As(err, &verifyErr) {
		shared.FailError(w, r, err, "receipt_issue_failed")
		return
	}
	api.Created(w, issued, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	found, err := h.Issuer.Get(r.Context(), chi.URLParam(r, "receiptID"))
	if err != nil {
		shared.FailError(w, r, err, "receipt_get_failed")
		return
	}
	api.Success(w, found, middleware.GetRequestID(r.Context()))
}

// handleDocument serves the pacs.008 document itself rather than an envelope.
func (h *Handler) handleDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.Issuer.Document(r.Context(), chi.URLParam(r, "receiptID"))
	if err != nil {
		shared.FailError(w, r, err, "receipt_document_failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}
