package receipt

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const (
	MessageType      = "pacs.008.001.08"
	SettlementMethod = "CRPT"
	ChargeBearer     = "SLEV"
	AccountScheme    = "BLOCKCHAIN"
	RemittanceInfo   = "Payroll Payment"
	ProofPlace       = "ProofrailsVerification"
)

type VerificationStatus string

const (
	StatusPending  VerificationStatus = "pending"
	StatusVerified VerificationStatus = "verified"
	StatusFailed   VerificationStatus = "failed"
)

// Receipt is the ISO 20022 record of one confirmed transfer. Party names and
// accounts are copied at issuance and never re-read.
type Receipt struct {
	ID                    string             `json:"id"`
	ReceiptID             string             `json:"receiptId"`
	TransactionID         string             `json:"transactionId"`
	TransactionHash       string             `json:"transactionHash"`
	ProofrailsID          string             `json:"proofrailsId,omitempty"`
	MessageType           string             `json:"messageType"`
	ReceiptData           json.RawMessage    `json:"receiptData"`
	DebtorName            string             `json:"debtorName"`
	DebtorAccount         string             `json:"debtorAccount"`
	CreditorName          string             `json:"creditorName"`
	CreditorAccount       string             `json:"creditorAccount"`
	Amount                decimal.Decimal    `json:"amount"`
	Currency              string             `json:"currency"`
	Network               string             `json:"network"`
	ValueDate             time.Time          `json:"valueDate"`
	SettlementMethod      string             `json:"settlementMethod"`
	VerificationStatus    VerificationStatus `json:"verificationStatus"`
	VerificationTimestamp *time.Time         `json:"verificationTimestamp,omitempty"`
	FailureReason         string             `json:"failureReason,omitempty"`
	Archived              bool               `json:"archived"`
	CreatedAt             time.Time          `json:"createdAt"`
}

// Verification is the external verifier's answer for one receipt.
type Verification struct {
	Verified     bool      `json:"verified"`
	ProofrailsID string    `json:"proofrailsId"`
	Reason       string    `json:"reason,omitempty"`
	VerifiedAt   time.Time `json:"verifiedAt"`
}
