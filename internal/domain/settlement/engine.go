package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"payrail/internal/domain/audit"
	"payrail/internal/domain/money"
	"payrail/internal/domain/payroll"
	"payrail/internal/platform/chainaddr"
)

// ChainObserver submits transfers and reports their on-chain status.
type ChainObserver interface {
	Submit(ctx context.Context, transfer Transfer) (string, error)
	Status(ctx context.Context, hash string) (ChainStatus, error)
}

type FXProvider interface {
	Rate(ctx context.Context, from, to string) (decimal.Decimal, error)
}

type ItemReader interface {
	GetItem(ctx context.Context, itemID string) (payroll.Item, error)
}

// Metrics is satisfied by the platform collector; nil disables reporting.
type Metrics interface {
	SettlementSubmitted(network string, attempts int)
	SettlementConfirmed(network string, latency time.Duration)
	SettlementFailed(network, reason string)
	ReconciliationError(kind string)
}

type Deps struct {
	Store    StoreAPI
	Items    ItemReader
	Roster   payroll.Roster
	Chain    ChainObserver
	FX       FXProvider
	Recorder audit.Recorder
	Metrics  Metrics
}

type Engine struct {
	store    StoreAPI
	items    ItemReader
	roster   payroll.Roster
	chain    ChainObserver
	fx       FXProvider
	recorder audit.Recorder
	metrics  Metrics
	policy   Policy

	hookMu    sync.RWMutex
	onSettled []func(context.Context, Transaction)

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

func NewEngine(deps Deps, policy Policy) *Engine {
	return &Engine{
		store:    deps.Store,
		items:    deps.Items,
		roster:   deps.Roster,
		chain:    deps.Chain,
		fx:       deps.FX,
		recorder: deps.Recorder,
		metrics:  deps.Metrics,
		policy:   policy.withDefaults(),
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (e *Engine) Policy() Policy {
	return e.policy
}

// OnSettled registers fn to run after a transaction reaches confirmed or
// failed. Hooks run synchronously on the goroutine that made the change.
func (e *Engine) OnSettled(fn func(context.Context, Transaction)) {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	e.onSettled = append(e.onSettled, fn)
}

func (e *Engine) fire(ctx context.Context, tx Transaction) {
	e.hookMu.RLock()
	hooks := append([]func(context.Context, Transaction){}, e.onSettled...)
	e.hookMu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, tx)
	}
}

// SettleItem implements payroll.Settler.
func (e *Engine) SettleItem(ctx context.Context, item payroll.Item) error {
	_, err := e.Settle(ctx, item)
	return err
}

// Settle pays one payroll item. It is idempotent: an item with an active
// transaction gets that transaction back, resumed if it never reached the
// chain.
func (e *Engine) Settle(ctx context.Context, item payroll.Item) (Transaction, error) {
	existing, err := e.store.LatestForItem(ctx, item.ID)
	switch {
	case err == nil && existing.Active():
		if existing.Status == TxPending {
			return e.submit(ctx, existing)
		}
		return existing, nil
	case err == nil && existing.UnderInvestigation():
		return existing, &Error{ItemID: item.ID, Err: ErrPendingInvestigation}
	case err != nil && !errors.Is(err, ErrTransactionNotFound):
		return Transaction{}, err
	}

	// Nothing to pay; the item settles without a transfer.
	if !item.NetPay.IsPositive() {
		if item.SettlementStatus == payroll.SettlementSettled {
			return Transaction{}, nil
		}
		return Transaction{}, e.markItem(ctx, item, payroll.SettlementSettled, "", audit.ActionSettled)
	}

	employee, err := e.roster.Employee(ctx, item.EmployeeID)
	if err != nil {
		return Transaction{}, err
	}
	to := strings.TrimSpace(employee.SettlementAddress)
	if to == "" || !chainaddr.Valid(to) {
		return Transaction{}, e.unsettled(ctx, item, ErrWalletNotConfigured)
	}

	account, err := e.store.OperationalAccount(ctx, e.policy.Network, e.policy.Currency)
	if errors.Is(err, ErrNoTreasuryAccount) {
		return Transaction{}, e.unsettled(ctx, item, err)
	}
	if err != nil {
		return Transaction{}, err
	}

	amount, rate, err := e.convert(ctx, item, account.Currency)
	if err != nil {
		return Transaction{}, e.unsettled(ctx, item, err)
	}

	tx := Transaction{
		ID:                uuid.NewString(),
		PayrollItemID:     item.ID,
		RunID:             item.RunID,
		EmployeeID:        item.EmployeeID,
		TreasuryAccountID: account.ID,
		FromAddress:       account.Address,
		ToAddress:         to,
		Amount:            amount,
		Currency:          account.Currency,
		OriginalAmount:    item.NetPay,
		OriginalCurrency:  item.Currency,
		FXRate:            rate,
		Network:           account.Network,
		Status:            TxPending,
		GasFee:            decimal.Zero,
		InitiatedAt:       e.now(),
	}
	entry, err := audit.NewEntry(ctx, audit.EntityPaymentTransaction, tx.ID, tx.RunID, audit.ActionReserved, map[string]any{
		"payrollItemId":     item.ID,
		"treasuryAccountId": account.ID,
		"amount":            amount,
		"currency":          tx.Currency,
		"fxRate":            rate,
	})
	if err != nil {
		return Transaction{}, err
	}

	reserved, err := e.store.Reserve(ctx, tx, entry)
	switch {
	case errors.Is(err, ErrTransactionExists):
		return reserved, nil
	case errors.Is(err, ErrPendingInvestigation):
		return reserved, &Error{ItemID: item.ID, Err: err}
	case errors.Is(err, ErrInsufficientTreasuryBalance):
		return Transaction{}, e.unsettled(ctx, item, err)
	case errors.Is(err, payroll.ErrRunCancelled):
		return Transaction{}, e.markItem(ctx, item, payroll.SettlementCancelled, "", audit.ActionCancelled)
	case err != nil:
		return Transaction{}, err
	}
	slog.Info("treasury funds reserved", "txId", reserved.ID, "itemId", item.ID, "amount", amount.String(), "currency", reserved.Currency)
	return e.submit(ctx, reserved)
}

func (e *Engine) convert(ctx context.Context, item payroll.Item, currency string) (decimal.Decimal, decimal.Decimal, error) {
	if money.NormalizeCurrency(item.Currency) == money.NormalizeCurrency(currency) {
		return money.Round(item.NetPay, currency), decimal.NewFromInt(1), nil
	}
	if e.fx == nil {
		return decimal.Zero, decimal.Zero, ErrFXRateUnavailable
	}
	callCtx, cancel := context.WithTimeout(ctx, e.policy.CallTimeout)
	defer cancel()
	rate, err := e.fx.Rate(callCtx, item.Currency, currency)
	if err != nil || !rate.IsPositive() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: %s/%s", ErrFXRateUnavailable, item.Currency, currency)
	}
	return money.Mul(item.NetPay, rate, currency), rate, nil
}

func (e *Engine) unsettled(ctx context.Context, item payroll.Item, cause error) error {
	settleErr := &Error{ItemID: item.ID, Err: cause}
	if err := e.markItem(ctx, item, payroll.SettlementUnsettled, cause.Error(), audit.ActionUnsettled); err != nil {
		return errors.Join(settleErr, err)
	}
	slog.Warn("payroll item left unsettled", "itemId", item.ID, "employeeId", item.EmployeeID, "err", cause)
	return settleErr
}

func (e *Engine) markItem(ctx context.Context, item payroll.Item, status payroll.SettlementStatus, reason, action string) error {
	entry, err := audit.NewEntry(ctx, audit.EntityPayrollItem, item.ID, item.RunID, action, map[string]string{
		"settlementStatus": string(status),
		"reason":           reason,
	})
	if err != nil {
		return err
	}
	return e.store.MarkItem(ctx, item.ID, status, reason, entry)
}

// submit sends a pending transaction with bounded exponential backoff. The
// gateway dedupes on the transaction id, so a retry after a timeout cannot
// double pay.
func (e *Engine) submit(ctx context.Context, tx Transaction) (Transaction, error) {
	transfer := Transfer{
		Reference: tx.ID,
		From:      tx.FromAddress,
		To:        tx.ToAddress,
		Amount:    tx.Amount,
		Currency:  tx.Currency,
		Network:   tx.Network,
	}

	attempts := tx.Attempts
	ambiguous := false
	var lastErr error
	for attempts < e.policy.MaxAttempts {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, e.policy.CallTimeout)
		hash, err := e.chain.Submit(callCtx, transfer)
		cancel()
		if err == nil && hash != "" {
			return e.markSubmitted(ctx, tx, hash, attempts)
		}
		if err == nil {
			err = errors.New("gateway returned no transaction hash")
		}
		if ctx.Err() != nil {
			return tx, ctx.Err()
		}
		lastErr = err
		ambiguous = errors.Is(err, context.DeadlineExceeded)
		slog.Warn("chain submission attempt failed", "txId", tx.ID, "attempt", attempts, "err", err)

		entry, entryErr := audit.NewEntry(ctx, audit.EntityPaymentTransaction, tx.ID, tx.RunID, audit.ActionSubmissionFailed, map[string]any{
			"attempt": attempts,
			"error":   err.Error(),
		})
		if entryErr != nil {
			return tx, entryErr
		}
		if err := e.store.RecordAttempt(ctx, tx.ID, attempts, err.Error(), entry); err != nil {
			return tx, err
		}
		if attempts < e.policy.MaxAttempts {
			if err := e.sleep(ctx, e.policy.Backoff(attempts)); err != nil {
				return tx, err
			}
		}
	}

	if lastErr == nil {
		lastErr = errors.New("no attempts left")
	}
	reason := fmt.Sprintf("%s after %d attempts: %v", ErrSubmissionFailed, attempts, lastErr)
	failed, err := e.fail(ctx, tx, FailRequest{
		Reason:             reason,
		ReleaseReservation: !ambiguous,
		NeedsRemediation:   true,
	})
	if err != nil {
		return tx, err
	}
	return failed, &Error{ItemID: tx.PayrollItemID, Err: fmt.Errorf("%w: %v", ErrSubmissionFailed, lastErr)}
}

func (e *Engine) markSubmitted(ctx context.Context, tx Transaction, hash string, attempts int) (Transaction, error) {
	entry, err := audit.NewEntry(ctx, audit.EntityPaymentTransaction, tx.ID, tx.RunID, audit.ActionSubmitted, map[string]any{
		"transactionHash": hash,
		"attempts":        attempts,
	})
	if err != nil {
		return tx, err
	}
	submitted, err := e.store.MarkSubmitted(ctx, tx.ID, hash, attempts, e.now(), entry)
	if err != nil {
		return tx, err
	}
	if e.metrics != nil {
		e.metrics.SettlementSubmitted(submitted.Network, attempts)
	}
	slog.Info("transfer submitted", "txId", submitted.ID, "hash", hash, "attempts", attempts)
	return submitted, nil
}

func (e *Engine) fail(ctx context.Context, tx Transaction, req FailRequest) (Transaction, error) {
	entry, err := audit.NewEntry(ctx, audit.EntityPaymentTransaction, tx.ID, tx.RunID, audit.ActionSettlementFailed, map[string]any{
		"reason":             req.Reason,
		"releaseReservation": req.ReleaseReservation,
		"needsRemediation":   req.NeedsRemediation,
	})
	if err != nil {
		return tx, err
	}
	failed, err := e.store.Fail(ctx, tx.ID, req, entry)
	if err != nil {
		return tx, err
	}
	if e.metrics != nil {
		e.metrics.SettlementFailed(failed.Network, failureKind(req))
	}
	slog.Warn("transfer failed", "txId", failed.ID, "itemId", failed.PayrollItemID, "reason", req.Reason,
		"reservationHeld", failed.ReservationHeld)
	e.fire(ctx, failed)
	return failed, nil
}

func failureKind(req FailRequest) string {
	if !req.ReleaseReservation {
		return "investigation"
	}
	return "released"
}

// PollConfirmations checks every submitted transaction once. It returns the
// number that reached a terminal state and every reconciliation error met.
func (e *Engine) PollConfirmations(ctx context.Context) (int, error) {
	submitted, err := e.store.ListByStatus(ctx, TxSubmitted)
	if err != nil {
		return 0, err
	}

	var (
		mu       sync.Mutex
		resolved int
		errs     []error
	)
	var g errgroup.Group
	g.SetLimit(e.policy.Concurrency)
	for _, tx := range submitted {
		g.Go(func() error {
			done, err := e.poll(ctx, tx)
			mu.Lock()
			defer mu.Unlock()
			if done {
				resolved++
			}
			if err != nil {
				errs = append(errs, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return resolved, errors.Join(errs...)
}

// ResumePending submits transactions that were reserved but never reached the
// chain, such as after a crash between reserve and submit. Only transactions
// older than the policy's resume delay are picked up so a live submission is
// left alone; a resubmission reuses the transaction id and the gateway
// dedupes on it.
func (e *Engine) ResumePending(ctx context.Context) (int, error) {
	pending, err := e.store.ListByStatus(ctx, TxPending)
	if err != nil {
		return 0, err
	}
	cutoff := e.now().Add(-e.policy.ResumeAfter)

	var (
		mu      sync.Mutex
		resumed int
		errs    []error
	)
	var g errgroup.Group
	g.SetLimit(e.policy.Concurrency)
	for _, tx := range pending {
		if tx.InitiatedAt.After(cutoff) {
			continue
		}
		g.Go(func() error {
			slog.Info("resuming reserved transfer", "txId", tx.ID, "itemId", tx.PayrollItemID, "attempts", tx.Attempts)
			submitted, err := e.submit(ctx, tx)
			mu.Lock()
			defer mu.Unlock()
			if submitted.Status == TxSubmitted {
				resumed++
			}
			if err != nil {
				errs = append(errs, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return resumed, errors.Join(errs...)
}

func (e *Engine) status(ctx context.Context, hash string) (ChainStatus, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.policy.CallTimeout)
	defer cancel()
	return e.chain.Status(callCtx, hash)
}

func (e *Engine) poll(ctx context.Context, tx Transaction) (bool, error) {
	status, err := e.status(ctx, tx.TransactionHash)
	if err == nil {
		if done, err := e.apply(ctx, tx, status); done || err != nil {
			return done, err
		}
	} else {
		slog.Warn("chain status lookup failed", "txId", tx.ID, "hash", tx.TransactionHash, "err", err)
	}

	if tx.SubmittedAt == nil || e.now().Sub(*tx.SubmittedAt) < e.policy.StuckTimeout {
		return false, nil
	}

	// One more look before giving up on the transfer.
	status, err = e.status(ctx, tx.TransactionHash)
	if err == nil {
		if done, err := e.apply(ctx, tx, status); done || err != nil {
			return done, err
		}
	}
	_, failErr := e.fail(ctx, tx, FailRequest{
		Reason:             fmt.Sprintf("%v: submitted %s", ErrConfirmationStuck, tx.SubmittedAt.Format(time.RFC3339)),
		ReleaseReservation: false,
		NeedsRemediation:   true,
	})
	if failErr != nil {
		return false, e.reconciliationError(ctx, tx, failErr)
	}
	return true, nil
}

// apply acts on a chain status. It reports whether the transaction reached a
// terminal state.
func (e *Engine) apply(ctx context.Context, tx Transaction, status ChainStatus) (bool, error) {
	switch status.State {
	case ChainConfirmed:
		if status.Confirmations < e.policy.Threshold(tx.Network) {
			return false, nil
		}
		if _, err := e.confirm(ctx, tx, status); err != nil {
			return false, e.reconciliationError(ctx, tx, err)
		}
		return true, nil
	case ChainFailed:
		reason := status.Reason
		if reason == "" {
			reason = "reverted on chain"
		}
		if _, err := e.fail(ctx, tx, FailRequest{Reason: reason, ReleaseReservation: true, NeedsRemediation: true}); err != nil {
			return false, e.reconciliationError(ctx, tx, err)
		}
		return true, nil
	}
	return false, nil
}

func (e *Engine) confirm(ctx context.Context, tx Transaction, status ChainStatus) (Transaction, error) {
	confirmed, err := audit.NewEntry(ctx, audit.EntityPaymentTransaction, tx.ID, tx.RunID, audit.ActionConfirmed, map[string]any{
		"transactionHash": tx.TransactionHash,
		"blockNumber":     status.BlockNumber,
		"confirmations":   status.Confirmations,
		"gasFee":          status.GasFee,
	})
	if err != nil {
		return tx, err
	}
	debited, err := audit.NewEntry(ctx, audit.EntityTreasuryAccount, tx.TreasuryAccountID, tx.RunID, audit.ActionDebited, map[string]any{
		"transactionId": tx.ID,
		"amount":        tx.Amount,
		"currency":      tx.Currency,
	})
	if err != nil {
		return tx, err
	}
	at := e.now()
	done, err := e.store.Confirm(ctx, tx.ID, status, at, []audit.Entry{confirmed, debited})
	if err != nil {
		return tx, err
	}
	if e.metrics != nil && done.SubmittedAt != nil {
		e.metrics.SettlementConfirmed(done.Network, at.Sub(*done.SubmittedAt))
	}
	slog.Info("transfer confirmed", "txId", done.ID, "hash", done.TransactionHash, "block", done.BlockNumber)
	e.fire(ctx, done)
	return done, nil
}

func (e *Engine) reconciliationError(ctx context.Context, tx Transaction, cause error) error {
	recErr := &ReconciliationError{TransactionID: tx.ID, AccountID: tx.TreasuryAccountID, Err: cause}
	slog.Error("settlement reconciliation failed", "txId", tx.ID, "hash", tx.TransactionHash, "err", cause)
	if e.metrics != nil {
		e.metrics.ReconciliationError("confirmation")
	}
	e.recordStandalone(ctx, audit.EntityPaymentTransaction, tx.ID, tx.RunID, cause)
	return recErr
}

func (e *Engine) recordStandalone(ctx context.Context, entityType, entityID, runID string, cause error) {
	if e.recorder == nil {
		return
	}
	entry, err := audit.NewEntry(ctx, entityType, entityID, runID, audit.ActionReconciliationFailed, map[string]string{"error": cause.Error()})
	if err == nil {
		err = e.recorder.Record(ctx, entry)
	}
	if err != nil {
		slog.Error("reconciliation audit write failed", "entityId", entityID, "err", err)
	}
}

// Retry is the manual remediation entry for one item. An item that already
// has an active transaction gets it back unchanged.
func (e *Engine) Retry(ctx context.Context, itemID string) (Transaction, error) {
	item, err := e.items.GetItem(ctx, itemID)
	if err != nil {
		return Transaction{}, err
	}
	if item.SettlementStatus == payroll.SettlementSettled || item.SettlementStatus == payroll.SettlementCancelled {
		if tx, err := e.store.LatestForItem(ctx, itemID); err == nil {
			return tx, nil
		}
		return Transaction{}, &Error{ItemID: itemID, Err: fmt.Errorf("item is %s", item.SettlementStatus)}
	}
	return e.Settle(ctx, item)
}

// ReleaseReservation frees the funds held by a failed transfer once an
// operator has established it never landed on chain.
func (e *Engine) ReleaseReservation(ctx context.Context, txID string) (Transaction, error) {
	tx, err := e.store.GetTransaction(ctx, txID)
	if err != nil {
		return Transaction{}, err
	}
	if !tx.UnderInvestigation() {
		return tx, ErrInvalidStatusTransition
	}
	entry, err := audit.NewEntry(ctx, audit.EntityTreasuryAccount, tx.TreasuryAccountID, tx.RunID, audit.ActionReleased, map[string]any{
		"transactionId": tx.ID,
		"amount":        tx.Amount,
	})
	if err != nil {
		return tx, err
	}
	return e.store.ReleaseReservation(ctx, txID, entry)
}

func (e *Engine) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	return e.store.GetTransaction(ctx, id)
}

func (e *Engine) ListForRun(ctx context.Context, runID string) ([]Transaction, error) {
	return e.store.ListForRun(ctx, runID)
}

func (e *Engine) ListNeedingRemediation(ctx context.Context) ([]Transaction, error) {
	return e.store.ListNeedingRemediation(ctx)
}

func (e *Engine) ListConfirmed(ctx context.Context) ([]Transaction, error) {
	return e.store.ListByStatus(ctx, TxConfirmed)
}

func (e *Engine) ListAccounts(ctx context.Context) ([]Account, error) {
	return e.store.ListAccounts(ctx)
}

func (e *Engine) GetAccount(ctx context.Context, id string) (Account, error) {
	return e.store.GetAccount(ctx, id)
}

func (e *Engine) CreateAccount(ctx context.Context, account Account) (Account, error) {
	if account.Balance.IsNegative() || strings.TrimSpace(account.Address) == "" {
		return Account{}, ErrInvalidAmount
	}
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	if account.AccountType == "" {
		account.AccountType = AccountOperational
	}
	account.Currency = money.NormalizeCurrency(account.Currency)
	account.Network = strings.ToLower(account.Network)
	account.CreatedAt = e.now()
	entry, err := audit.NewEntry(ctx, audit.EntityTreasuryAccount, account.ID, "", audit.ActionCreated, map[string]any{
		"name":     account.Name,
		"address":  account.Address,
		"currency": account.Currency,
		"network":  account.Network,
		"balance":  account.Balance,
	})
	if err != nil {
		return Account{}, err
	}
	return e.store.CreateAccount(ctx, account, entry)
}

// Fund records an inbound top-up of a treasury account.
func (e *Engine) Fund(ctx context.Context, accountID string, amount decimal.Decimal) (Account, error) {
	if !amount.IsPositive() {
		return Account{}, ErrInvalidAmount
	}
	entry, err := audit.NewEntry(ctx, audit.EntityTreasuryAccount, accountID, "", audit.ActionFunded, map[string]any{"amount": amount})
	if err != nil {
		return Account{}, err
	}
	return e.store.Fund(ctx, accountID, amount, entry)
}

// Reconcile compares the account balance with its funding minus confirmed
// outflows. A mismatch is audited and returned as a ReconciliationError.
func (e *Engine) Reconcile(ctx context.Context, accountID string) (Account, error) {
	account, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return Account{}, err
	}
	ledger, err := e.store.Ledger(ctx, accountID)
	if err != nil {
		return account, err
	}
	if expected := ledger.Expected(); !expected.Equal(account.Balance) {
		cause := fmt.Errorf("balance %s differs from ledger %s", account.Balance, expected)
		slog.Error("treasury reconciliation mismatch", "accountId", accountID, "balance", account.Balance.String(),
			"expected", expected.String())
		if e.metrics != nil {
			e.metrics.ReconciliationError("treasury")
		}
		e.recordStandalone(ctx, audit.EntityTreasuryAccount, accountID, "", cause)
		return account, &ReconciliationError{AccountID: accountID, Err: cause}
	}
	entry, err := audit.NewEntry(ctx, audit.EntityTreasuryAccount, accountID, "", audit.ActionReconciled, map[string]any{
		"balance":  account.Balance,
		"reserved": account.Reserved,
	})
	if err != nil {
		return account, err
	}
	return e.store.MarkReconciled(ctx, accountID, e.now(), entry)
}
