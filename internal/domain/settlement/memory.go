package settlement

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"payrail/internal/domain/audit"
	"payrail/internal/domain/payroll"
)

// ItemSink receives item settlement changes from the in-memory store.
// payroll.MemoryStore implements it.
type ItemSink interface {
	BeginSettlement(ctx context.Context, runID, itemID string) error
	SetItemSettlement(ctx context.Context, itemID string, status payroll.SettlementStatus, reason string) error
}

// MemoryStore serializes every treasury mutation behind one mutex, which
// stands in for the row lock the database store takes.
type MemoryStore struct {
	mu       sync.Mutex
	log      *audit.MemoryLog
	items    ItemSink
	txs      map[string]Transaction
	order    []string
	accounts map[string]Account
}

func NewMemoryStore(log *audit.MemoryLog, items ItemSink) *MemoryStore {
	return &MemoryStore{
		log:      log,
		items:    items,
		txs:      map[string]Transaction{},
		accounts: map[string]Account{},
	}
}

func (m *MemoryStore) GetTransaction(_ context.Context, id string) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return tx, nil
}

func (m *MemoryStore) LatestForItem(_ context.Context, itemID string) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latestLocked(itemID)
}

// latestLocked prefers the active transaction, then the newest failed one.
func (m *MemoryStore) latestLocked(itemID string) (Transaction, error) {
	var latest Transaction
	found := false
	for i := len(m.order) - 1; i >= 0; i-- {
		tx := m.txs[m.order[i]]
		if tx.PayrollItemID != itemID {
			continue
		}
		if tx.Active() {
			return tx, nil
		}
		if !found {
			latest, found = tx, true
		}
	}
	if !found {
		return Transaction{}, ErrTransactionNotFound
	}
	return latest, nil
}

func (m *MemoryStore) filter(keep func(Transaction) bool) []Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Transaction
	for _, id := range m.order {
		if tx := m.txs[id]; keep(tx) {
			out = append(out, tx)
		}
	}
	return out
}

func (m *MemoryStore) ListForRun(_ context.Context, runID string) ([]Transaction, error) {
	return m.filter(func(tx Transaction) bool { return tx.RunID == runID }), nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status TxStatus) ([]Transaction, error) {
	return m.filter(func(tx Transaction) bool { return tx.Status == status }), nil
}

func (m *MemoryStore) ListNeedingRemediation(_ context.Context) ([]Transaction, error) {
	return m.filter(func(tx Transaction) bool { return tx.NeedsRemediation }), nil
}

func (m *MemoryStore) Reserve(ctx context.Context, tx Transaction, entry audit.Entry) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.log.Check(); err != nil {
		return Transaction{}, err
	}
	if latest, err := m.latestLocked(tx.PayrollItemID); err == nil {
		if latest.Active() {
			return latest, ErrTransactionExists
		}
		if latest.UnderInvestigation() {
			return latest, ErrPendingInvestigation
		}
	}
	account, ok := m.accounts[tx.TreasuryAccountID]
	if !ok {
		return Transaction{}, ErrAccountNotFound
	}
	if account.Available().LessThan(tx.Amount) {
		return Transaction{}, ErrInsufficientTreasuryBalance
	}
	if err := m.items.BeginSettlement(ctx, tx.RunID, tx.PayrollItemID); err != nil {
		return Transaction{}, err
	}
	if err := m.log.Append(entry); err != nil {
		return Transaction{}, err
	}
	account.Reserved = account.Reserved.Add(tx.Amount)
	m.accounts[account.ID] = account
	tx.Status = TxPending
	tx.ReservationHeld = true
	m.txs[tx.ID] = tx
	m.order = append(m.order, tx.ID)
	return tx, nil
}

func (m *MemoryStore) RecordAttempt(_ context.Context, id string, attempts int, reason string, entry audit.Entry) error {
	_, err := m.mutateTx(id, []audit.Entry{entry}, func(tx *Transaction) error {
		tx.Attempts = attempts
		tx.FailureReason = reason
		return nil
	})
	return err
}

func (m *MemoryStore) mutateTx(id string, entries []audit.Entry, mutate func(tx *Transaction) error) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	if err := mutate(&tx); err != nil {
		return Transaction{}, err
	}
	if err := m.log.Append(entries...); err != nil {
		return Transaction{}, err
	}
	m.txs[id] = tx
	return tx, nil
}

func (m *MemoryStore) MarkSubmitted(_ context.Context, id, hash string, attempts int, at time.Time, entry audit.Entry) (Transaction, error) {
	return m.mutateTx(id, []audit.Entry{entry}, func(tx *Transaction) error {
		if !tx.Status.CanTransition(TxSubmitted) {
			return ErrInvalidStatusTransition
		}
		tx.Status = TxSubmitted
		tx.TransactionHash = hash
		tx.Attempts = attempts
		tx.FailureReason = ""
		tx.SubmittedAt = &at
		return nil
	})
}

func (m *MemoryStore) Confirm(ctx context.Context, id string, status ChainStatus, at time.Time, entries []audit.Entry) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	if !tx.Status.CanTransition(TxConfirmed) {
		return Transaction{}, ErrInvalidStatusTransition
	}
	account, ok := m.accounts[tx.TreasuryAccountID]
	if !ok {
		return Transaction{}, ErrAccountNotFound
	}
	if account.Balance.LessThan(tx.Amount) || account.Reserved.LessThan(tx.Amount) {
		return Transaction{}, ErrInsufficientTreasuryBalance
	}
	if err := m.log.Check(); err != nil {
		return Transaction{}, err
	}
	if err := m.items.SetItemSettlement(ctx, tx.PayrollItemID, payroll.SettlementSettled, ""); err != nil {
		return Transaction{}, err
	}
	if err := m.log.Append(entries...); err != nil {
		return Transaction{}, err
	}
	account.Balance = account.Balance.Sub(tx.Amount)
	account.Reserved = account.Reserved.Sub(tx.Amount)
	m.accounts[account.ID] = account

	tx.Status = TxConfirmed
	tx.ConfirmedAt = &at
	tx.BlockNumber = status.BlockNumber
	tx.GasFee = status.GasFee
	tx.Confirmations = status.Confirmations
	tx.ReservationHeld = false
	m.txs[id] = tx
	return tx, nil
}

func (m *MemoryStore) Fail(ctx context.Context, id string, req FailRequest, entry audit.Entry) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	if !tx.Status.CanTransition(TxFailed) {
		return Transaction{}, ErrInvalidStatusTransition
	}
	if err := m.log.Check(); err != nil {
		return Transaction{}, err
	}
	if err := m.items.SetItemSettlement(ctx, tx.PayrollItemID, payroll.SettlementFailed, req.Reason); err != nil {
		return Transaction{}, err
	}
	if err := m.log.Append(entry); err != nil {
		return Transaction{}, err
	}
	if req.ReleaseReservation && tx.ReservationHeld {
		m.releaseLocked(tx)
		tx.ReservationHeld = false
	}
	tx.Status = TxFailed
	tx.FailureReason = req.Reason
	tx.NeedsRemediation = req.NeedsRemediation
	m.txs[id] = tx
	return tx, nil
}

func (m *MemoryStore) releaseLocked(tx Transaction) {
	account := m.accounts[tx.TreasuryAccountID]
	account.Reserved = account.Reserved.Sub(tx.Amount)
	m.accounts[account.ID] = account
}

func (m *MemoryStore) ReleaseReservation(_ context.Context, id string, entry audit.Entry) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	if !tx.UnderInvestigation() {
		return Transaction{}, ErrInvalidStatusTransition
	}
	if err := m.log.Append(entry); err != nil {
		return Transaction{}, err
	}
	m.releaseLocked(tx)
	tx.ReservationHeld = false
	m.txs[id] = tx
	return tx, nil
}

func (m *MemoryStore) MarkItem(ctx context.Context, itemID string, status payroll.SettlementStatus, reason string, entry audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.log.Check(); err != nil {
		return err
	}
	if err := m.items.SetItemSettlement(ctx, itemID, status, reason); err != nil {
		return err
	}
	return m.log.Append(entry)
}

func (m *MemoryStore) CreateAccount(_ context.Context, account Account, entry audit.Entry) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	if err := m.log.Append(entry); err != nil {
		return Account{}, err
	}
	account.OpeningBalance = account.Balance
	account.Reserved = decimal.Zero
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}
	m.accounts[account.ID] = account
	return account, nil
}

func (m *MemoryStore) GetAccount(_ context.Context, id string) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (m *MemoryStore) OperationalAccount(_ context.Context, network, currency string) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var candidates []Account
	for _, account := range m.accounts {
		if account.AccountType == AccountOperational && strings.EqualFold(account.Network, network) &&
			strings.EqualFold(account.Currency, currency) {
			candidates = append(candidates, account)
		}
	}
	if len(candidates) == 0 {
		return Account{}, ErrNoTreasuryAccount
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })
	return candidates[0], nil
}

func (m *MemoryStore) ListAccounts(_ context.Context) ([]Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Account, 0, len(m.accounts))
	for _, account := range m.accounts {
		out = append(out, account)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) Fund(_ context.Context, id string, amount decimal.Decimal, entry audit.Entry) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	if err := m.log.Append(entry); err != nil {
		return Account{}, err
	}
	account.Balance = account.Balance.Add(amount)
	account.OpeningBalance = account.OpeningBalance.Add(amount)
	m.accounts[id] = account
	return account, nil
}

func (m *MemoryStore) Ledger(_ context.Context, accountID string) (Ledger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[accountID]
	if !ok {
		return Ledger{}, ErrAccountNotFound
	}
	ledger := Ledger{Opening: account.OpeningBalance, Confirmed: decimal.Zero}
	for _, tx := range m.txs {
		if tx.TreasuryAccountID == accountID && tx.Status == TxConfirmed {
			ledger.Confirmed = ledger.Confirmed.Add(tx.Amount)
		}
	}
	return ledger, nil
}

func (m *MemoryStore) MarkReconciled(_ context.Context, accountID string, at time.Time, entry audit.Entry) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[accountID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	if err := m.log.Append(entry); err != nil {
		return Account{}, err
	}
	account.LastReconciled = &at
	m.accounts[accountID] = account
	return account, nil
}

// SetBalance overwrites an account balance without touching its ledger. Tests
// use it to simulate drift.
func (m *MemoryStore) SetBalance(id string, balance decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account := m.accounts[id]
	account.Balance = balance
	m.accounts[id] = account
}
