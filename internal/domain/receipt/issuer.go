package receipt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"payrail/internal/domain/audit"
	"payrail/internal/domain/payroll"
	"payrail/internal/domain/settlement"
)

type Verifier interface {
	Verify(ctx context.Context, txHash string, payload json.RawMessage) (Verification, error)
}

// Ledger is the settlement view the issuer reads from.
type Ledger interface {
	GetTransaction(ctx context.Context, id string) (settlement.Transaction, error)
	ListConfirmed(ctx context.Context) ([]settlement.Transaction, error)
	GetAccount(ctx context.Context, id string) (settlement.Account, error)
}

type Metrics interface {
	ReceiptIssued(status string)
}

type Issuer struct {
	store    StoreAPI
	ledger   Ledger
	roster   payroll.Roster
	verifier Verifier
	metrics  Metrics
	timeout  time.Duration
	now      func() time.Time
}

func NewIssuer(store StoreAPI, ledger Ledger, roster payroll.Roster, verifier Verifier, metrics Metrics, timeout time.Duration) *Issuer {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Issuer{
		store:    store,
		ledger:   ledger,
		roster:   roster,
		verifier: verifier,
		metrics:  metrics,
		timeout:  timeout,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// IssueFor loads a transaction and issues its receipt.
func (i *Issuer) IssueFor(ctx context.Context, transactionID string) (Receipt, error) {
	tx, err := i.ledger.GetTransaction(ctx, transactionID)
	if err != nil {
		return Receipt{}, err
	}
	return i.Issue(ctx, tx)
}

// Issue produces the receipt for a confirmed transaction. A verified receipt
// is returned as is; a pending one is verified again; a failed one is
// archived and replaced under a fresh receipt id.
func (i *Issuer) Issue(ctx context.Context, tx settlement.Transaction) (Receipt, error) {
	if tx.Status != settlement.TxConfirmed {
		return Receipt{}, ErrTransactionNotConfirmed
	}

	var replaces *Receipt
	current, err := i.store.Current(ctx, tx.ID)
	switch {
	case err == nil && current.VerificationStatus == StatusVerified:
		return current, nil
	case err == nil && current.VerificationStatus == StatusPending:
		return i.verify(ctx, current)
	case err == nil && current.VerificationStatus == StatusFailed:
		replaces = &current
	case err != nil && !errors.Is(err, ErrNotFound):
		return Receipt{}, err
	}

	created, err := i.create(ctx, tx, replaces)
	if errors.Is(err, ErrReceiptExists) {
		// Another issuer won the race; verify whatever it left behind.
		if current, err := i.store.Current(ctx, tx.ID); err == nil {
			if current.VerificationStatus == StatusPending {
				return i.verify(ctx, current)
			}
			return current, nil
		}
	}
	if err != nil {
		return Receipt{}, err
	}
	return i.verify(ctx, created)
}

// create stores a new pending receipt. When replaces is set the failed
// receipt is archived in the same write.
func (i *Issuer) create(ctx context.Context, tx settlement.Transaction, replaces *Receipt) (Receipt, error) {
	account, err := i.ledger.GetAccount(ctx, tx.TreasuryAccountID)
	if err != nil {
		return Receipt{}, err
	}
	employee, err := i.roster.Employee(ctx, tx.EmployeeID)
	if err != nil {
		return Receipt{}, err
	}

	now := i.now()
	valueDate := now
	if tx.ConfirmedAt != nil {
		valueDate = *tx.ConfirmedAt
	}
	id := uuid.NewString()
	r := Receipt{
		ID:                 id,
		ReceiptID:          fmt.Sprintf("RCP-%s-%s", valueDate.Format("20060102"), strings.ToUpper(id[:8])),
		TransactionID:      tx.ID,
		TransactionHash:    tx.TransactionHash,
		MessageType:        MessageType,
		DebtorName:         account.Name,
		DebtorAccount:      tx.FromAddress,
		CreditorName:       employee.Name,
		CreditorAccount:    tx.ToAddress,
		Amount:             tx.Amount,
		Currency:           tx.Currency,
		Network:            tx.Network,
		ValueDate:          valueDate,
		SettlementMethod:   SettlementMethod,
		VerificationStatus: StatusPending,
		CreatedAt:          now,
	}
	r.ReceiptData, err = Build(r, now).JSON()
	if err != nil {
		return Receipt{}, err
	}

	entry, err := audit.NewEntry(ctx, audit.EntityReceipt, r.ID, tx.RunID, audit.ActionIssued, map[string]string{
		"receiptId":     r.ReceiptID,
		"transactionId": tx.ID,
		"messageType":   r.MessageType,
	})
	if err != nil {
		return Receipt{}, err
	}
	if replaces == nil {
		return i.store.Create(ctx, r, entry)
	}

	archived, err := audit.NewEntry(ctx, audit.EntityReceipt, replaces.ID, tx.RunID, audit.ActionArchived, map[string]string{
		"receiptId":    replaces.ReceiptID,
		"replacedBy":   r.ReceiptID,
		"failedReason": replaces.FailureReason,
	})
	if err != nil {
		return Receipt{}, err
	}
	replaced, err := i.store.Replace(ctx, replaces.ID, r, []audit.Entry{archived, entry})
	if err != nil {
		return Receipt{}, err
	}
	slog.Info("failed receipt archived", "receiptId", replaces.ReceiptID, "replacedBy", replaced.ReceiptID, "txId", tx.ID)
	return replaced, nil
}

func (i *Issuer) verify(ctx context.Context, r Receipt) (Receipt, error) {
	callCtx, cancel := context.WithTimeout(ctx, i.timeout)
	verification, err := i.verifier.Verify(callCtx, r.TransactionHash, r.ReceiptData)
	cancel()

	if err != nil || !verification.Verified || verification.ProofrailsID == "" {
		reason := verification.Reason
		switch {
		case err != nil:
			reason = err.Error()
		case reason == "":
			reason = "verifier did not confirm the receipt"
		}
		entry, entryErr := audit.NewEntry(ctx, audit.EntityReceipt, r.ID, "", audit.ActionVerificationFailed, map[string]string{
			"receiptId": r.ReceiptID,
			"reason":    reason,
		})
		if entryErr != nil {
			return r, entryErr
		}
		failed, markErr := i.store.MarkFailed(ctx, r.ID, reason, i.now(), entry)
		if markErr != nil {
			return r, markErr
		}
		i.observe(StatusFailed)
		slog.Warn("receipt verification failed", "receiptId", r.ReceiptID, "txHash", r.TransactionHash, "reason", reason)
		return failed, &VerificationError{ReceiptID: r.ReceiptID, Reason: reason, Err: err}
	}

	r.ProofrailsID = verification.ProofrailsID
	document, err := Build(r, r.CreatedAt).JSON()
	if err != nil {
		return r, err
	}
	at := verification.VerifiedAt
	if at.IsZero() {
		at = i.now()
	}
	entry, err := audit.NewEntry(ctx, audit.EntityReceipt, r.ID, "", audit.ActionVerified, map[string]string{
		"receiptId":    r.ReceiptID,
		"proofrailsId": verification.ProofrailsID,
	})
	if err != nil {
		return r, err
	}
	verified, err := i.store.MarkVerified(ctx, r.ID, verification.ProofrailsID, document, at, entry)
	if err != nil {
		return r, err
	}
	i.observe(StatusVerified)
	slog.Info("receipt verified", "receiptId", verified.ReceiptID, "proofrailsId", verified.ProofrailsID)
	return verified, nil
}

func (i *Issuer) observe(status VerificationStatus) {
	if i.metrics != nil {
		i.metrics.ReceiptIssued(string(status))
	}
}

// SweepConfirmed issues receipts for confirmed transactions that have none
// pending or verified.
func (i *Issuer) SweepConfirmed(ctx context.Context) (int, error) {
	confirmed, err := i.ledger.ListConfirmed(ctx)
	if err != nil {
		return 0, err
	}
	issued := 0
	var errs []error
	for _, tx := range confirmed {
		current, err := i.store.Current(ctx, tx.ID)
		if err == nil && current.VerificationStatus == StatusVerified {
			continue
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
			continue
		}
		r, err := i.Issue(ctx, tx)
		var verr *VerificationError
		if errors.As(err, &verr) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("receipt for transaction %s: %w", tx.ID, err))
			continue
		}
		if r.VerificationStatus == StatusVerified {
			issued++
		}
	}
	return issued, errors.Join(errs...)
}

func (i *Issuer) Get(ctx context.Context, id string) (Receipt, error) {
	return i.store.Get(ctx, id)
}

func (i *Issuer) ListForTransaction(ctx context.Context, transactionID string) ([]Receipt, error) {
	return i.store.ListForTransaction(ctx, transactionID)
}

// Document returns the stored pacs.008 body exactly as issued.
func (i *Issuer) Document(ctx context.Context, id string) (json.RawMessage, error) {
	r, err := i.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.ReceiptData, nil
}

// Current is the transaction's receipt that has not been archived.
func (i *Issuer) Current(ctx context.Context, transactionID string) (Receipt, error) {
	return i.store.Current(ctx, transactionID)
}
