package receipt

import (
	"context"
	"encoding/json"
	"time"

	"payrail/internal/domain/audit"
)

// StoreAPI persists receipts. A transaction has at most one receipt that is
// not archived.
type StoreAPI interface {
	Create(ctx context.Context, r Receipt, entry audit.Entry) (Receipt, error)
	// Replace archives the failed receipt failedID and creates r in its place.
	// It reports ErrReceiptExists when failedID is no longer the current
	// failed receipt.
	Replace(ctx context.Context, failedID string, r Receipt, entries []audit.Entry) (Receipt, error)
	Get(ctx context.Context, id string) (Receipt, error)
	Current(ctx context.Context, transactionID string) (Receipt, error)
	ListForTransaction(ctx context.Context, transactionID string) ([]Receipt, error)
	MarkVerified(ctx context.Context, id, proofrailsID string, document json.RawMessage, at time.Time, entry audit.Entry) (Receipt, error)
	MarkFailed(ctx context.Context, id, reason string, at time.Time, entry audit.Entry) (Receipt, error)
}
