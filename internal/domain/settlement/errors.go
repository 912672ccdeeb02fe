package settlement

import (
	"errors"
	"fmt"
)

var (
	ErrWalletNotConfigured         = errors.New("employee settlement address not configured")
	ErrInsufficientTreasuryBalance = errors.New("insufficient treasury balance")
	ErrSubmissionFailed            = errors.New("chain submission failed")
	ErrNoTreasuryAccount           = errors.New("no operational treasury account")
	ErrFXRateUnavailable           = errors.New("fx rate unavailable")
	ErrTransactionNotFound         = errors.New("payment transaction not found")
	ErrTransactionExists           = errors.New("item already has an active payment transaction")
	ErrPendingInvestigation        = errors.New("previous transfer is under investigation")
	ErrAccountNotFound             = errors.New("treasury account not found")
	ErrInvalidStatusTransition     = errors.New("payment transaction status transition not allowed")
	ErrInvalidAmount               = errors.New("amount must be positive")
	ErrConfirmationStuck           = errors.New("confirmation not observed within timeout")
)

// Error scopes a settlement failure to one payroll item.
type Error struct {
	ItemID string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("settle item %s: %v", e.ItemID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether a later attempt can succeed without operator
// action, for example after the treasury is funded.
func (e *Error) Retryable() bool {
	return errors.Is(e.Err, ErrInsufficientTreasuryBalance) || errors.Is(e.Err, ErrFXRateUnavailable)
}

// ReconciliationError means recorded state and chain or ledger state disagree,
// or a confirmation could not be applied.
type ReconciliationError struct {
	TransactionID string
	AccountID     string
	Err           error
}

func (e *ReconciliationError) Error() string {
	if e.TransactionID != "" {
		return fmt.Sprintf("reconcile transaction %s: %v", e.TransactionID, e.Err)
	}
	return fmt.Sprintf("reconcile account %s: %v", e.AccountID, e.Err)
}

func (e *ReconciliationError) Unwrap() error {
	return e.Err
}
