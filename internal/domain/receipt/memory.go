package receipt

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"payrail/internal/domain/audit"
)

type MemoryStore struct {
	mu       sync.Mutex
	log      *audit.MemoryLog
	receipts map[string]Receipt
	order    []string
}

func NewMemoryStore(log *audit.MemoryLog) *MemoryStore {
	return &MemoryStore{log: log, receipts: map[string]Receipt{}}
}

func (m *MemoryStore) Create(_ context.Context, r Receipt, entry audit.Entry) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.currentLocked(r.TransactionID); err == nil {
		return Receipt{}, ErrReceiptExists
	}
	if err := m.log.Append(entry); err != nil {
		return Receipt{}, err
	}
	m.receipts[r.ID] = r
	m.order = append(m.order, r.ID)
	return r, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[id]
	if !ok {
		return Receipt{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryStore) Current(_ context.Context, transactionID string) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentLocked(transactionID)
}

func (m *MemoryStore) currentLocked(transactionID string) (Receipt, error) {
	for _, id := range m.order {
		if r := m.receipts[id]; r.TransactionID == transactionID && !r.Archived {
			return r, nil
		}
	}
	return Receipt{}, ErrNotFound
}

func (m *MemoryStore) ListForTransaction(_ context.Context, transactionID string) ([]Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Receipt
	for _, id := range m.order {
		if r := m.receipts[id]; r.TransactionID == transactionID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemoryStore) mutate(id string, entry audit.Entry, fn func(r *Receipt) error) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[id]
	if !ok {
		return Receipt{}, ErrNotFound
	}
	if r.VerificationStatus != StatusPending {
		return Receipt{}, ErrInvalidVerificationState
	}
	if err := fn(&r); err != nil {
		return Receipt{}, err
	}
	if err := m.log.Append(entry); err != nil {
		return Receipt{}, err
	}
	m.receipts[id] = r
	return r, nil
}

func (m *MemoryStore) MarkVerified(_ context.Context, id, proofrailsID string, document json.RawMessage, at time.Time, entry audit.Entry) (Receipt, error) {
	return m.mutate(id, entry, func(r *Receipt) error {
		r.VerificationStatus = StatusVerified
		r.ProofrailsID = proofrailsID
		r.ReceiptData = document
		r.VerificationTimestamp = &at
		r.FailureReason = ""
		return nil
	})
}

func (m *MemoryStore) MarkFailed(_ context.Context, id, reason string, at time.Time, entry audit.Entry) (Receipt, error) {
	return m.mutate(id, entry, func(r *Receipt) error {
		r.VerificationStatus = StatusFailed
		r.VerificationTimestamp = &at
		r.FailureReason = reason
		return nil
	})
}

func (m *MemoryStore) Replace(_ context.Context, failedID string, r Receipt, entries []audit.Entry) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	failed, ok := m.receipts[failedID]
	if !ok {
		return Receipt{}, ErrNotFound
	}
	if failed.Archived || failed.VerificationStatus != StatusFailed {
		return Receipt{}, ErrReceiptExists
	}
	if err := m.log.Append(entries...); err != nil {
		return Receipt{}, err
	}
	failed.Archived = true
	m.receipts[failedID] = failed
	m.receipts[r.ID] = r
	m.order = append(m.order, r.ID)
	return r, nil
}
