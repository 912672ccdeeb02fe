package shared

import (
	"errors"
	"log/slog"
	"net/http"

	"payrail/internal/domain/audit"
	"payrail/internal/domain/payroll"
	"payrail/internal/domain/rates"
	"payrail/internal/domain/receipt"
	"payrail/internal/domain/settlement"
	"payrail/internal/transport/http/api"
	"payrail/internal/transport/http/middleware"
)

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{payroll.ErrRunNotFound, http.StatusNotFound, "run_not_found"},
	{payroll.ErrItemNotFound, http.StatusNotFound, "item_not_found"},
	{payroll.ErrEmployeeNotFound, http.StatusNotFound, "employee_not_found"},
	{settlement.ErrTransactionNotFound, http.StatusNotFound, "transaction_not_found"},
	{settlement.ErrAccountNotFound, http.StatusNotFound, "account_not_found"},
	{receipt.ErrNotFound, http.StatusNotFound, "receipt_not_found"},
	{payroll.ErrRunIDTaken, http.StatusConflict, "run_id_taken"},
	{payroll.ErrNotDraft, http.StatusConflict, "run_not_draft"},
	{payroll.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{payroll.ErrApprovalRequired, http.StatusConflict, "approval_required"},
	{payroll.ErrCancelNotAllowed, http.StatusConflict, "cancel_not_allowed"},
	{payroll.ErrRunCancelled, http.StatusConflict, "run_cancelled"},
	{settlement.ErrTransactionExists, http.StatusConflict, "transaction_exists"},
	{settlement.ErrPendingInvestigation, http.StatusConflict, "pending_investigation"},
	{settlement.ErrInvalidStatusTransition, http.StatusConflict, "invalid_transition"},
	{receipt.ErrTransactionNotConfirmed, http.StatusConflict, "transaction_not_confirmed"},
	{receipt.ErrReceiptExists, http.StatusConflict, "receipt_exists"},
	{receipt.ErrInvalidVerificationState, http.StatusConflict, "invalid_verification_state"},
	{payroll.ErrInvalidPeriod, http.StatusBadRequest, "invalid_period"},
	{payroll.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
	{settlement.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{payroll.ErrNoActiveRateConfig, http.StatusUnprocessableEntity, "calculation_failed"},
	{payroll.ErrCurrencyMismatch, http.StatusUnprocessableEntity, "calculation_failed"},
	{payroll.ErrNegativeNetPay, http.StatusUnprocessableEntity, "calculation_failed"},
	{payroll.ErrInvalidRate, http.StatusUnprocessableEntity, "calculation_failed"},
	{settlement.ErrWalletNotConfigured, http.StatusUnprocessableEntity, "wallet_not_configured"},
	{settlement.ErrInsufficientTreasuryBalance, http.StatusUnprocessableEntity, "insufficient_treasury_balance"},
	{settlement.ErrNoTreasuryAccount, http.StatusUnprocessableEntity, "no_treasury_account"},
	{settlement.ErrFXRateUnavailable, http.StatusServiceUnavailable, "fx_rate_unavailable"},
	{settlement.ErrSubmissionFailed, http.StatusBadGateway, "submission_failed"},
	{audit.ErrUnavailable, http.StatusServiceUnavailable, "audit_unavailable"},
}

// FailError writes the envelope for a domain error. Unknown errors are logged
// and answered with fallbackCode as a 500.
func FailError(w http.ResponseWriter, r *http.Request, err error, fallbackCode string) {
	requestID := middleware.GetRequestID(r.Context())

	var validation *rates.ValidationError
	if errors.As(err, &validation) {
		FailValidation(w, requestID, []ValidationIssue{{Field: validation.Field, Reason: validation.Message}})
		return
	}
	var reconcileErr *settlement.ReconciliationError
	if errors.As(err, &reconcileErr) {
		api.Fail(w, http.StatusConflict, "reconciliation_error", err.Error(), requestID)
		return
	}
	var verifyErr *receipt.VerificationError
	if errors.As(err, &verifyErr) {
		api.FailWithDetails(w, http.StatusBadGateway, "verification_failed", err.Error(),
			map[string]any{"receiptId": verifyErr.ReceiptID}, requestID)
		return
	}
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			api.Fail(w, m.status, m.code, err.Error(), requestID)
			return
		}
	}
	slog.Error("request failed", "path", r.URL.Path, "requestId", requestID, "err", err)
	api.Fail(w, http.StatusInternalServerError, fallbackCode, "internal error", requestID)
}
