package settlement

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"payrail/internal/domain/audit"
	"payrail/internal/domain/payroll"
)

// StoreAPI persists transactions and treasury accounts. Each mutation commits
// the audit entry and the matching payroll item status with it.
type StoreAPI interface {
	GetTransaction(ctx context.Context, id string) (Transaction, error)
	LatestForItem(ctx context.Context, itemID string) (Transaction, error)
	ListForRun(ctx context.Context, runID string) ([]Transaction, error)
	ListByStatus(ctx context.Context, status TxStatus) ([]Transaction, error)
	ListNeedingRemediation(ctx context.Context) ([]Transaction, error)

	// Reserve locks the account, checks availability and inserts tx as
	// pending with the amount held against the account.
	Reserve(ctx context.Context, tx Transaction, entry audit.Entry) (Transaction, error)
	RecordAttempt(ctx context.Context, id string, attempts int, reason string, entry audit.Entry) error
	MarkSubmitted(ctx context.Context, id, hash string, attempts int, at time.Time, entry audit.Entry) (Transaction, error)
	// Confirm debits the account, releases the reservation and settles the item.
	Confirm(ctx context.Context, id string, status ChainStatus, at time.Time, entries []audit.Entry) (Transaction, error)
	Fail(ctx context.Context, id string, req FailRequest, entry audit.Entry) (Transaction, error)
	ReleaseReservation(ctx context.Context, id string, entry audit.Entry) (Transaction, error)
	MarkItem(ctx context.Context, itemID string, status payroll.SettlementStatus, reason string, entry audit.Entry) error

	CreateAccount(ctx context.Context, account Account, entry audit.Entry) (Account, error)
	GetAccount(ctx context.Context, id string) (Account, error)
	OperationalAccount(ctx context.Context, network, currency string) (Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	Fund(ctx context.Context, id string, amount decimal.Decimal, entry audit.Entry) (Account, error)
	Ledger(ctx context.Context, accountID string) (Ledger, error)
	MarkReconciled(ctx context.Context, accountID string, at time.Time, entry audit.Entry) (Account, error)
}
