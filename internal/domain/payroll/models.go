package payroll

import (
	"time"

	"github.com/shopspring/decimal"
)

// Employee is HR-owned; the engine only reads it.
type Employee struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Email             string `json:"email,omitempty"`
	Country           string `json:"country"`
	SettlementAddress string `json:"settlementAddress,omitempty"`
	Status            string `json:"status"`
}

func (e Employee) Active() bool {
	return e.Status == EmployeeStatusActive
}

// Period is the half-open pay interval [Start, End).
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (p Period) Validate() error {
	if p.Start.IsZero() || p.End.IsZero() || !p.End.After(p.Start) {
		return ErrInvalidPeriod
	}
	return nil
}

type Run struct {
	ID                  string          `json:"id"`
	RunID               string          `json:"runId"`
	Period              Period          `json:"period"`
	PaymentDate         time.Time       `json:"paymentDate"`
	Status              RunStatus       `json:"status"`
	TotalGross          decimal.Decimal `json:"totalGross"`
	TotalDeductions     decimal.Decimal `json:"totalDeductions"`
	TotalNet            decimal.Decimal `json:"totalNet"`
	Currency            string          `json:"currency"`
	CreatedBy           string          `json:"createdBy"`
	ApprovedBy          string          `json:"approvedBy,omitempty"`
	FailureReason       string          `json:"failureReason,omitempty"`
	CancelRequested     bool            `json:"cancelRequested"`
	HasExceptions       bool            `json:"hasExceptions"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
	ProcessingStartedAt *time.Time      `json:"processingStartedAt,omitempty"`
	CompletedAt         *time.Time      `json:"completedAt,omitempty"`
}

// Input holds period-specific amounts entered while the run is a draft.
type Input struct {
	RunID           string          `json:"runId"`
	EmployeeID      string          `json:"employeeId"`
	Bonuses         decimal.Decimal `json:"bonuses"`
	Benefits        decimal.Decimal `json:"benefits"`
	OtherDeductions decimal.Decimal `json:"otherDeductions"`
}

func (in Input) Validate() error {
	if in.EmployeeID == "" || in.Bonuses.IsNegative() || in.Benefits.IsNegative() || in.OtherDeductions.IsNegative() {
		return ErrInvalidInput
	}
	return nil
}

type Item struct {
	ID               string           `json:"id"`
	RunID            string           `json:"runId"`
	EmployeeID       string           `json:"employeeId"`
	RateConfigID     string           `json:"rateConfigId"`
	BaseSalary       decimal.Decimal  `json:"baseSalary"`
	Bonuses          decimal.Decimal  `json:"bonuses"`
	Benefits         decimal.Decimal  `json:"benefits"`
	GrossPay         decimal.Decimal  `json:"grossPay"`
	TaxDeduction     decimal.Decimal  `json:"taxDeduction"`
	SocialSecurity   decimal.Decimal  `json:"socialSecurity"`
	HealthInsurance  decimal.Decimal  `json:"healthInsurance"`
	Retirement       decimal.Decimal  `json:"retirement"`
	OtherDeductions  decimal.Decimal  `json:"otherDeductions"`
	TotalDeductions  decimal.Decimal  `json:"totalDeductions"`
	NetPay           decimal.Decimal  `json:"netPay"`
	Currency         string           `json:"currency"`
	SettlementStatus SettlementStatus `json:"settlementStatus"`
	SettlementError  string           `json:"settlementError,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
}

type Totals struct {
	Gross      decimal.Decimal `json:"gross"`
	Deductions decimal.Decimal `json:"deductions"`
	Net        decimal.Decimal `json:"net"`
	ItemCount  int             `json:"itemCount"`
}

// ComputeTotals is the only source of run totals.
func ComputeTotals(items []Item) Totals {
	totals := Totals{Gross: decimal.Zero, Deductions: decimal.Zero, Net: decimal.Zero}
	for _, item := range items {
		totals.Gross = totals.Gross.Add(item.GrossPay)
		totals.Deductions = totals.Deductions.Add(item.TotalDeductions)
		totals.Net = totals.Net.Add(item.NetPay)
		totals.ItemCount++
	}
	return totals
}

func HasExceptions(items []Item) bool {
	for _, item := range items {
		if item.SettlementStatus.Exception() {
			return true
		}
	}
	return false
}

func AllTerminal(items []Item) bool {
	for _, item := range items {
		if !item.SettlementStatus.Terminal() {
			return false
		}
	}
	return true
}
