package payroll

import (
	"errors"
	"fmt"
)

var (
	ErrRunNotFound        = errors.New("payroll run not found")
	ErrItemNotFound       = errors.New("payroll item not found")
	ErrEmployeeNotFound   = errors.New("employee not found")
	ErrRunIDTaken         = errors.New("payroll run id already exists")
	ErrInvalidPeriod      = errors.New("invalid payroll period")
	ErrInvalidTransition  = errors.New("payroll run status transition not allowed")
	ErrNotDraft           = errors.New("payroll run is not in draft")
	ErrApprovalRequired   = errors.New("payroll run must be approved before processing")
	ErrCancelNotAllowed   = errors.New("payroll run can no longer be cancelled")
	ErrNoActiveRateConfig = errors.New("no active rate configuration")
	ErrNegativeNetPay     = errors.New("net pay is negative")
	ErrInvalidRate        = errors.New("rate out of range")
	ErrInvalidInput       = errors.New("invalid payroll input")
	ErrCurrencyMismatch   = errors.New("rate configuration currency does not match run currency")
	ErrRunCancelled       = errors.New("payroll run cancellation requested")
)

// CalculationError aborts a whole run; nothing is persisted for any employee.
type CalculationError struct {
	EmployeeID string
	Err        error
}

func (e *CalculationError) Error() string {
	return fmt.Sprintf("payroll calculation for employee %s: %v", e.EmployeeID, e.Err)
}

func (e *CalculationError) Unwrap() error {
	return e.Err
}
