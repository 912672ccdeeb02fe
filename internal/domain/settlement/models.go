package settlement

import (
	"time"

	"github.com/shopspring/decimal"
)

type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxSubmitted TxStatus = "submitted"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

var txTransitions = map[TxStatus][]TxStatus{
	TxPending:   {TxSubmitted, TxFailed},
	TxSubmitted: {TxConfirmed, TxFailed},
}

func (s TxStatus) CanTransition(to TxStatus) bool {
	for _, allowed := range txTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transaction is one on-chain transfer for a payroll item. Amount is in the
// treasury currency; OriginalAmount is the item's net pay before conversion.
type Transaction struct {
	ID                string          `json:"id"`
	PayrollItemID     string          `json:"payrollItemId"`
	RunID             string          `json:"runId"`
	EmployeeID        string          `json:"employeeId"`
	TreasuryAccountID string          `json:"treasuryAccountId"`
	TransactionHash   string          `json:"transactionHash,omitempty"`
	FromAddress       string          `json:"fromAddress"`
	ToAddress         string          `json:"toAddress"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	OriginalAmount    decimal.Decimal `json:"originalAmount"`
	OriginalCurrency  string          `json:"originalCurrency"`
	FXRate            decimal.Decimal `json:"fxRate"`
	Network           string          `json:"network"`
	Status            TxStatus        `json:"status"`
	BlockNumber       int64           `json:"blockNumber,omitempty"`
	GasFee            decimal.Decimal `json:"gasFee"`
	Confirmations     int             `json:"confirmationCount"`
	Attempts          int             `json:"attempts"`
	FailureReason     string          `json:"failureReason,omitempty"`
	NeedsRemediation  bool            `json:"needsRemediation"`
	ReservationHeld   bool            `json:"reservationHeld"`
	InitiatedAt       time.Time       `json:"initiatedAt"`
	SubmittedAt       *time.Time      `json:"submittedAt,omitempty"`
	ConfirmedAt       *time.Time      `json:"confirmedAt,omitempty"`
}

// Active reports whether the transaction blocks a new attempt for its item.
func (t Transaction) Active() bool {
	return t.Status != TxFailed
}

// UnderInvestigation is a failed transfer whose outcome on chain is unknown.
// Its reservation stays in place until an operator releases it.
func (t Transaction) UnderInvestigation() bool {
	return t.Status == TxFailed && t.ReservationHeld
}

type AccountType string

const (
	AccountOperational AccountType = "operational"
	AccountReserve     AccountType = "reserve"
)

type Account struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Address        string          `json:"address"`
	Currency       string          `json:"currency"`
	Network        string          `json:"network"`
	AccountType    AccountType     `json:"accountType"`
	OpeningBalance decimal.Decimal `json:"openingBalance"`
	Balance        decimal.Decimal `json:"balance"`
	Reserved       decimal.Decimal `json:"reserved"`
	LastReconciled *time.Time      `json:"lastReconciled,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

func (a Account) Available() decimal.Decimal {
	return a.Balance.Sub(a.Reserved)
}

// Transfer is what the chain gateway is asked to send. Reference is the
// transaction id; gateways dedupe on it so a resubmission never pays twice.
type Transfer struct {
	Reference string          `json:"reference"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Network   string          `json:"network"`
}

type ChainState string

const (
	ChainPending   ChainState = "pending"
	ChainConfirmed ChainState = "confirmed"
	ChainFailed    ChainState = "failed"
)

type ChainStatus struct {
	State         ChainState      `json:"state"`
	Confirmations int             `json:"confirmations"`
	BlockNumber   int64           `json:"blockNumber"`
	GasFee        decimal.Decimal `json:"gasFee"`
	Reason        string          `json:"reason,omitempty"`
}

// FailRequest describes how a transaction leaves the happy path.
type FailRequest struct {
	Reason             string
	ReleaseReservation bool
	NeedsRemediation   bool
}

// Ledger is the account's expected position from its own history.
type Ledger struct {
	Opening   decimal.Decimal `json:"opening"`
	Confirmed decimal.Decimal `json:"confirmedOutflow"`
}

func (l Ledger) Expected() decimal.Decimal {
	return l.Opening.Sub(l.Confirmed)
}
