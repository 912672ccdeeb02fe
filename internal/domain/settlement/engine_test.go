package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"payrail/internal/domain/audit"
	"payrail/internal/domain/payroll"
)

const (
	employeeAddress = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	treasuryAddress = "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
)

func dec(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}

type fakeChain struct {
	mu         sync.Mutex
	submitErr  error
	failFirst  int
	submits    []Transfer
	statuses   map[string]ChainStatus
	statusErr  error
	statusHits int
}

func (c *fakeChain) Submit(_ context.Context, transfer Transfer) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submits = append(c.submits, transfer)
	if c.submitErr != nil && (c.failFirst == 0 || len(c.submits) <= c.failFirst) {
		return "", c.submitErr
	}
	return "0xhash-" + transfer.Reference, nil
}

func (c *fakeChain) Status(_ context.Context, hash string) (ChainStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusHits++
	if c.statusErr != nil {
		return ChainStatus{}, c.statusErr
	}
	if status, ok := c.statuses[hash]; ok {
		return status, nil
	}
	return ChainStatus{State: ChainPending}, nil
}

func (c *fakeChain) set(hash string, status ChainStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.statuses == nil {
		c.statuses = map[string]ChainStatus{}
	}
	c.statuses[hash] = status
}

func (c *fakeChain) submitCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.submits)
}

type fixedFX map[string]decimal.Decimal

func (f fixedFX) Rate(_ context.Context, from, to string) (decimal.Decimal, error) {
	rate, ok := f[from+"/"+to]
	if !ok {
		return decimal.Zero, errors.New("no quote")
	}
	return rate, nil
}

type harness struct {
	log      *audit.MemoryLog
	payroll  *payroll.MemoryStore
	roster   *payroll.MemoryRoster
	store    *MemoryStore
	chain    *fakeChain
	engine   *Engine
	account  Account
	run      payroll.Run
	backoffs []time.Duration
	settled  []Transaction
	mu       sync.Mutex
}

func testPolicy() Policy {
	return Policy{
		Network:       "flare",
		Currency:      "USD",
		Confirmations: 2,
		MaxAttempts:   3,
		BackoffBase:   time.Millisecond,
		BackoffMax:    10 * time.Millisecond,
		CallTimeout:   time.Second,
		StuckTimeout:  time.Hour,
		Concurrency:   4,
	}
}

func newHarness(t *testing.T, balance string, policy Policy, fx FXProvider) *harness {
	t.Helper()
	h := &harness{
		log:    audit.NewMemoryLog(),
		roster: payroll.NewMemoryRoster(),
		chain:  &fakeChain{},
	}
	h.payroll = payroll.NewMemoryStore(h.log)
	h.store = NewMemoryStore(h.log, h.payroll)
	h.engine = NewEngine(Deps{
		Store:    h.store,
		Items:    h.payroll,
		Roster:   h.roster,
		Chain:    h.chain,
		FX:       fx,
		Recorder: h.log,
	}, policy)
	h.engine.sleep = func(_ context.Context, d time.Duration) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.backoffs = append(h.backoffs, d)
		return nil
	}
	h.engine.OnSettled(func(_ context.Context, tx Transaction) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.settled = append(h.settled, tx)
	})

	ctx := context.Background()
	account, err := h.engine.CreateAccount(ctx, Account{
		Name:     "operational",
		Address:  treasuryAddress,
		Currency: policy.Currency,
		Network:  policy.Network,
		Balance:  dec(balance),
	})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	h.account = account

	run, err := h.payroll.CreateRun(ctx, payroll.Run{
		ID:         "run-1",
		RunID:      "PR-2024-03",
		Status:     payroll.RunStatusDraft,
		Currency:   "USD",
		ApprovedBy: "controller",
	}, audit.Entry{})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if _, err := h.payroll.StartProcessing(ctx, run.ID, time.Now(), audit.Entry{}); err != nil {
		t.Fatalf("start processing: %v", err)
	}
	h.run = run
	return h
}

func (h *harness) items(t *testing.T, nets ...string) []payroll.Item {
	t.Helper()
	ctx := context.Background()
	var items []payroll.Item
	for i, net := range nets {
		employeeID := fmt.Sprintf("emp-%02d", i)
		h.roster.Put(payroll.Employee{ID: employeeID, Name: employeeID, SettlementAddress: employeeAddress, Status: payroll.EmployeeStatusActive})
		items = append(items, payroll.Item{
			ID:               fmt.Sprintf("item-%02d", i),
			EmployeeID:       employeeID,
			NetPay:           dec(net),
			Currency:         "USD",
			SettlementStatus: payroll.SettlementPending,
		})
	}
	if _, err := h.payroll.SaveItems(ctx, h.run.ID, items, nil); err != nil {
		t.Fatalf("save items: %v", err)
	}
	saved, err := h.payroll.ListItems(ctx, h.run.ID)
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	return saved
}

func (h *harness) accountState(t *testing.T) Account {
	t.Helper()
	account, err := h.store.GetAccount(context.Background(), h.account.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	return account
}

func (h *harness) itemStatus(t *testing.T, itemID string) payroll.SettlementStatus {
	t.Helper()
	item, err := h.payroll.GetItem(context.Background(), itemID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	return item.SettlementStatus
}

func TestSettleIsIdempotent(t *testing.T) {
	h := newHarness(t, "5000", testPolicy(), nil)
	item := h.items(t, "1200")[0]
	ctx := context.Background()

	first, err := h.engine.Settle(ctx, item)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	second, err := h.engine.Settle(ctx, item)
	if err != nil {
		t.Fatalf("second settle: %v", err)
	}
	if first.ID != second.ID || second.Status != TxSubmitted {
		t.Fatalf("expected the same submitted transaction, got %s/%s %s", first.ID, second.ID, second.Status)
	}
	if h.chain.submitCount() != 1 {
		t.Fatalf("expected one submission, got %d", h.chain.submitCount())
	}
	if h.chain.submits[0].Reference != first.ID {
		t.Fatalf("expected transfer reference to be the transaction id")
	}
	account := h.accountState(t)
	if !account.Reserved.Equal(dec("1200")) || !account.Balance.Equal(dec("5000")) {
		t.Fatalf("expected 1200 reserved on 5000, got %s on %s", account.Reserved, account.Balance)
	}
	if h.itemStatus(t, item.ID) != payroll.SettlementInFlight {
		t.Fatalf("expected item in flight")
	}
}

func TestConcurrentSettlesReserveOnlyAvailableFunds(t *testing.T) {
	h := newHarness(t, "1000", testPolicy(), nil)
	items := h.items(t, "700", "700")
	ctx := context.Background()

	errs := make([]error, len(items))
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.engine.Settle(ctx, item)
		}()
	}
	wg.Wait()

	succeeded, insufficient := 0, 0
	for _, err := range errs {
		var settleErr *Error
		switch {
		case err == nil:
			succeeded++
		case errors.As(err, &settleErr) && errors.Is(err, ErrInsufficientTreasuryBalance):
			if !settleErr.Retryable() {
				t.Fatalf("insufficient balance should be retryable")
			}
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || insufficient != 1 {
		t.Fatalf("expected one success and one insufficient, got %d/%d", succeeded, insufficient)
	}
	if reserved := h.accountState(t).Reserved; !reserved.Equal(dec("700")) {
		t.Fatalf("expected 700 reserved, got %s", reserved)
	}
	unsettled := 0
	for _, item := range items {
		if h.itemStatus(t, item.ID) == payroll.SettlementUnsettled {
			unsettled++
		}
	}
	if unsettled != 1 {
		t.Fatalf("expected one unsettled item, got %d", unsettled)
	}
}

func TestBalanceNeverNegativeUnderConcurrency(t *testing.T) {
	h := newHarness(t, "1000", testPolicy(), nil)
	nets := make([]string, 20)
	for i := range nets {
		nets[i] = "100"
	}
	items := h.items(t, nets...)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, item := range items {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.engine.Settle(ctx, item)
		}()
	}
	wg.Wait()

	submitted, _ := h.store.ListByStatus(ctx, TxSubmitted)
	if len(submitted) != 10 {
		t.Fatalf("expected 10 submitted transfers, got %d", len(submitted))
	}
	for _, tx := range submitted {
		h.chain.set(tx.TransactionHash, ChainStatus{State: ChainConfirmed, Confirmations: 5, BlockNumber: 42})
	}
	resolved, err := h.engine.PollConfirmations(ctx)
	if err != nil || resolved != 10 {
		t.Fatalf("expected 10 confirmations, got %d (%v)", resolved, err)
	}
	account := h.accountState(t)
	if !account.Balance.IsZero() || !account.Reserved.IsZero() {
		t.Fatalf("expected drained account, got balance %s reserved %s", account.Balance, account.Reserved)
	}
	if _, err := h.engine.Reconcile(ctx, account.ID); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
}

func TestConfirmationWaitsForThreshold(t *testing.T) {
	policy := testPolicy()
	policy.NetworkConfirmations = map[string]int{"flare": 10}
	h := newHarness(t, "5000", policy, nil)
	item := h.items(t, "1500")[0]
	ctx := context.Background()

	tx, err := h.engine.Settle(ctx, item)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	h.chain.set(tx.TransactionHash, ChainStatus{State: ChainConfirmed, Confirmations: 9})
	if resolved, err := h.engine.PollConfirmations(ctx); err != nil || resolved != 0 {
		t.Fatalf("expected nothing resolved below threshold, got %d (%v)", resolved, err)
	}

	h.chain.set(tx.TransactionHash, ChainStatus{State: ChainConfirmed, Confirmations: 10, BlockNumber: 77, GasFee: dec("0.0021")})
	if resolved, err := h.engine.PollConfirmations(ctx); err != nil || resolved != 1 {
		t.Fatalf("expected one confirmation, got %d (%v)", resolved, err)
	}
	done, _ := h.engine.GetTransaction(ctx, tx.ID)
	if done.Status != TxConfirmed || done.ConfirmedAt == nil || done.BlockNumber != 77 {
		t.Fatalf("unexpected confirmed transaction: %+v", done)
	}
	account := h.accountState(t)
	if !account.Balance.Equal(dec("3500")) || !account.Reserved.IsZero() {
		t.Fatalf("expected balance 3500 reserved 0, got %s/%s", account.Balance, account.Reserved)
	}
	if h.itemStatus(t, item.ID) != payroll.SettlementSettled {
		t.Fatalf("expected item settled")
	}
	if len(h.settled) != 1 || h.settled[0].Status != TxConfirmed {
		t.Fatalf("expected settled hook for the confirmation")
	}
	debits, _ := h.log.List(ctx, audit.Filter{EntityID: h.account.ID, Action: audit.ActionDebited})
	if len(debits) != 1 {
		t.Fatalf("expected one debit audit entry, got %d", len(debits))
	}
}

func TestSubmissionExhaustionFailsItem(t *testing.T) {
	h := newHarness(t, "5000", testPolicy(), nil)
	h.chain.submitErr = errors.New("gateway unavailable")
	item := h.items(t, "800")[0]
	ctx := context.Background()

	tx, err := h.engine.Settle(ctx, item)
	if !errors.Is(err, ErrSubmissionFailed) {
		t.Fatalf("expected submission failure, got %v", err)
	}
	if tx.Status != TxFailed || !tx.NeedsRemediation || tx.ReservationHeld || tx.Attempts != 3 {
		t.Fatalf("unexpected failed transaction: %+v", tx)
	}
	if h.chain.submitCount() != 3 {
		t.Fatalf("expected 3 attempts, got %d", h.chain.submitCount())
	}
	if len(h.backoffs) != 2 || h.backoffs[0] != time.Millisecond || h.backoffs[1] != 2*time.Millisecond {
		t.Fatalf("unexpected backoffs: %v", h.backoffs)
	}
	if reserved := h.accountState(t).Reserved; !reserved.IsZero() {
		t.Fatalf("expected reservation released, got %s", reserved)
	}
	if h.itemStatus(t, item.ID) != payroll.SettlementFailed {
		t.Fatalf("expected item failed")
	}
	attempts, _ := h.log.List(ctx, audit.Filter{EntityID: tx.ID, Action: audit.ActionSubmissionFailed})
	if len(attempts) != 3 {
		t.Fatalf("expected 3 submission_failed entries, got %d", len(attempts))
	}

	h.chain.submitErr = nil
	retried, err := h.engine.Retry(ctx, item.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.ID == tx.ID || retried.Status != TxSubmitted {
		t.Fatalf("expected a fresh submitted transaction, got %+v", retried)
	}
}

func TestTransientSubmitErrorRecovers(t *testing.T) {
	h := newHarness(t, "5000", testPolicy(), nil)
	h.chain.submitErr = errors.New("nonce too low")
	h.chain.failFirst = 2
	item := h.items(t, "800")[0]

	tx, err := h.engine.Settle(context.Background(), item)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if tx.Status != TxSubmitted || tx.Attempts != 3 {
		t.Fatalf("expected submission on third attempt, got %s after %d", tx.Status, tx.Attempts)
	}
}

func TestSubmitTimeoutKeepsReservation(t *testing.T) {
	h := newHarness(t, "5000", testPolicy(), nil)
	h.chain.submitErr = context.DeadlineExceeded
	item := h.items(t, "800")[0]
	ctx := context.Background()

	tx, err := h.engine.Settle(ctx, item)
	if !errors.Is(err, ErrSubmissionFailed) {
		t.Fatalf("expected submission failure, got %v", err)
	}
	if !tx.UnderInvestigation() {
		t.Fatalf("expected reservation held for ambiguous submission")
	}
	if reserved := h.accountState(t).Reserved; !reserved.Equal(dec("800")) {
		t.Fatalf("expected 800 still reserved, got %s", reserved)
	}
	if _, err := h.engine.Retry(ctx, item.ID); !errors.Is(err, ErrPendingInvestigation) {
		t.Fatalf("expected pending investigation, got %v", err)
	}

	if _, err := h.engine.ReleaseReservation(ctx, tx.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if reserved := h.accountState(t).Reserved; !reserved.IsZero() {
		t.Fatalf("expected reservation released, got %s", reserved)
	}
	h.chain.submitErr = nil
	if _, err := h.engine.Retry(ctx, item.ID); err != nil {
		t.Fatalf("retry after release: %v", err)
	}
}

func TestChainFailureReleasesReservation(t *testing.T) {
	h := newHarness(t, "5000", testPolicy(), nil)
	item := h.items(t, "900")[0]
	ctx := context.Background()

	tx, err := h.engine.Settle(ctx, item)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	h.chain.set(tx.TransactionHash, ChainStatus{State: ChainFailed, Reason: "out of gas"})
	if resolved, err := h.engine.PollConfirmations(ctx); err != nil || resolved != 1 {
		t.Fatalf("expected one resolution, got %d (%v)", resolved, err)
	}
	failed, _ := h.engine.GetTransaction(ctx, tx.ID)
	if failed.Status != TxFailed || failed.FailureReason != "out of gas" || failed.ConfirmedAt != nil {
		t.Fatalf("unexpected failed transaction: %+v", failed)
	}
	account := h.accountState(t)
	if !account.Reserved.IsZero() || !account.Balance.Equal(dec("5000")) {
		t.Fatalf("expected untouched balance, got %s reserved %s", account.Balance, account.Reserved)
	}
}

func TestStuckTransactionFailsPendingInvestigation(t *testing.T) {
	h := newHarness(t, "5000", testPolicy(), nil)
	item := h.items(t, "900")[0]
	ctx := context.Background()

	tx, err := h.engine.Settle(ctx, item)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	h.engine.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }

	resolved, err := h.engine.PollConfirmations(ctx)
	if err != nil || resolved != 1 {
		t.Fatalf("expected stuck transfer resolved, got %d (%v)", resolved, err)
	}
	if h.chain.statusHits != 2 {
		t.Fatalf("expected exactly one re-query, got %d status calls", h.chain.statusHits)
	}
	stuck, _ := h.engine.GetTransaction(ctx, tx.ID)
	if !stuck.UnderInvestigation() || !stuck.NeedsRemediation {
		t.Fatalf("expected failed with reservation held, got %+v", stuck)
	}
	if h.chain.submitCount() != 1 {
		t.Fatalf("stuck transfer must not be resubmitted")
	}
	queue, _ := h.engine.ListNeedingRemediation(ctx)
	if len(queue) != 1 {
		t.Fatalf("expected one remediation entry, got %d", len(queue))
	}
}

func TestWalletMissingLeavesItemUnsettled(t *testing.T) {
	h := newHarness(t, "5000", testPolicy(), nil)
	item := h.items(t, "900")[0]
	h.roster.Put(payroll.Employee{ID: item.EmployeeID, Status: payroll.EmployeeStatusActive})

	_, err := h.engine.Settle(context.Background(), item)
	if !errors.Is(err, ErrWalletNotConfigured) {
		t.Fatalf("expected wallet not configured, got %v", err)
	}
	if h.itemStatus(t, item.ID) != payroll.SettlementUnsettled {
		t.Fatalf("expected item unsettled")
	}
	if h.chain.submitCount() != 0 {
		t.Fatalf("expected no submission")
	}
}

func TestFXConversionCapturesRate(t *testing.T) {
	policy := testPolicy()
	policy.Currency = "USDC"
	h := newHarness(t, "5000", policy, fixedFX{"USD/USDC": dec("0.9995")})
	item := h.items(t, "1000.00")[0]

	tx, err := h.engine.Settle(context.Background(), item)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !tx.Amount.Equal(dec("999.5")) || tx.Currency != "USDC" {
		t.Fatalf("expected 999.5 USDC, got %s %s", tx.Amount, tx.Currency)
	}
	if !tx.FXRate.Equal(dec("0.9995")) || !tx.OriginalAmount.Equal(dec("1000")) || tx.OriginalCurrency != "USD" {
		t.Fatalf("expected original amount and rate captured, got %+v", tx)
	}
}

func TestMissingFXRateIsRetryable(t *testing.T) {
	policy := testPolicy()
	policy.Currency = "USDC"
	h := newHarness(t, "5000", policy, fixedFX{})
	item := h.items(t, "1000")[0]

	_, err := h.engine.Settle(context.Background(), item)
	var settleErr *Error
	if !errors.As(err, &settleErr) || !errors.Is(err, ErrFXRateUnavailable) || !settleErr.Retryable() {
		t.Fatalf("expected retryable fx error, got %v", err)
	}
}

func TestZeroNetSettlesWithoutTransfer(t *testing.T) {
	h := newHarness(t, "5000", testPolicy(), nil)
	item := h.items(t, "0")[0]

	tx, err := h.engine.Settle(context.Background(), item)
	if err != nil || tx.ID != "" {
		t.Fatalf("expected no transaction, got %+v (%v)", tx, err)
	}
	if h.itemStatus(t, item.ID) != payroll.SettlementSettled {
		t.Fatalf("expected item settled")
	}
}

func TestAuditFailureBlocksReservation(t *testing.T) {
	h := newHarness(t, "5000", testPolicy(), nil)
	item := h.items(t, "900")[0]
	ctx := context.Background()

	h.log.FailWith(audit.ErrUnavailable)
	if _, err := h.engine.Settle(ctx, item); !errors.Is(err, audit.ErrUnavailable) {
		t.Fatalf("expected audit unavailable, got %v", err)
	}
	h.log.FailWith(nil)

	if _, err := h.store.LatestForItem(ctx, item.ID); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("expected no transaction recorded, got %v", err)
	}
	if reserved := h.accountState(t).Reserved; !reserved.IsZero() {
		t.Fatalf("expected nothing reserved, got %s", reserved)
	}
	if h.itemStatus(t, item.ID) != payroll.SettlementPending {
		t.Fatalf("expected item still pending")
	}
}

func TestCancelRequestedStopsNewSettlements(t *testing.T) {
	h := newHarness(t, "5000", testPolicy(), nil)
	items := h.items(t, "100", "200")
	ctx := context.Background()

	if _, err := h.engine.Settle(ctx, items[0]); err != nil {
		t.Fatalf("settle: %v", err)
	}
	run, err := h.payroll.Cancel(ctx, h.run.ID, audit.Entry{})
	if err != nil || !run.CancelRequested || run.Status != payroll.RunStatusProcessing {
		t.Fatalf("expected cancel requested, got %+v (%v)", run, err)
	}
	if _, err := h.engine.Settle(ctx, items[1]); err != nil {
		t.Fatalf("settle after cancel: %v", err)
	}
	if h.itemStatus(t, items[1].ID) != payroll.SettlementCancelled {
		t.Fatalf("expected second item cancelled")
	}
	if h.chain.submitCount() != 1 {
		t.Fatalf("expected only the first item submitted")
	}
}

func TestReconcileDetectsDrift(t *testing.T) {
	h := newHarness(t, "5000", testPolicy(), nil)
	ctx := context.Background()

	account, err := h.engine.Reconcile(ctx, h.account.ID)
	if err != nil || account.LastReconciled == nil {
		t.Fatalf("expected clean reconciliation, got %v", err)
	}
	if _, err := h.engine.Fund(ctx, h.account.ID, dec("250")); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, err := h.engine.Reconcile(ctx, h.account.ID); err != nil {
		t.Fatalf("expected funding to keep the ledger balanced, got %v", err)
	}

	h.store.SetBalance(h.account.ID, dec("4000"))
	_, err = h.engine.Reconcile(ctx, h.account.ID)
	var recErr *ReconciliationError
	if !errors.As(err, &recErr) || recErr.AccountID != h.account.ID {
		t.Fatalf("expected reconciliation error, got %v", err)
	}
	failures, _ := h.log.List(ctx, audit.Filter{EntityID: h.account.ID, Action: audit.ActionReconciliationFailed})
	if len(failures) != 1 {
		t.Fatalf("expected mismatch audited, got %d entries", len(failures))
	}
}

func TestPolicyBackoffAndThreshold(t *testing.T) {
	policy := Policy{BackoffBase: 100 * time.Millisecond, BackoffMax: 300 * time.Millisecond,
		NetworkConfirmations: map[string]int{"songbird": 5}}.withDefaults()
	if policy.Backoff(1) != 100*time.Millisecond || policy.Backoff(2) != 200*time.Millisecond || policy.Backoff(3) != 300*time.Millisecond {
		t.Fatalf("unexpected backoff schedule")
	}
	if policy.Threshold("Songbird") != 5 || policy.Threshold("flare") != 12 {
		t.Fatalf("unexpected thresholds")
	}
	if !TxSubmitted.CanTransition(TxConfirmed) || TxConfirmed.CanTransition(TxFailed) || TxPending.CanTransition(TxConfirmed) {
		t.Fatalf("unexpected transaction transitions")
	}
}

// reserveOnly leaves a transaction the way a crash between reserve and submit
// would: funds reserved, item in flight, nothing sent to the chain.
func (h *harness) reserveOnly(t *testing.T, item payroll.Item, initiatedAt time.Time) Transaction {
	t.Helper()
	tx, err := h.store.Reserve(context.Background(), Transaction{
		ID:                "tx-" + item.ID,
		PayrollItemID:     item.ID,
		RunID:             h.run.ID,
		EmployeeID:        item.EmployeeID,
		TreasuryAccountID: h.account.ID,
		FromAddress:       treasuryAddress,
		ToAddress:         employeeAddress,
		Amount:            item.NetPay,
		Currency:          h.account.Currency,
		OriginalAmount:    item.NetPay,
		OriginalCurrency:  item.Currency,
		FXRate:            decimal.NewFromInt(1),
		Network:           h.account.Network,
		GasFee:            decimal.Zero,
		InitiatedAt:       initiatedAt,
	}, audit.Entry{EntityType: audit.EntityPaymentTransaction, EntityID: "tx-" + item.ID, Action: audit.ActionReserved})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	return tx
}

func TestResumePendingSubmitsStrandedReservation(t *testing.T) {
	h := newHarness(t, "5000", testPolicy(), nil)
	item := h.items(t, "1200")[0]
	ctx := context.Background()
	now := time.Now().UTC()
	h.engine.now = func() time.Time { return now }
	tx := h.reserveOnly(t, item, now.Add(-time.Minute))

	resumed, err := h.engine.ResumePending(ctx)
	if err != nil || resumed != 0 {
		t.Fatalf("expected a fresh reservation to be left alone, got %d (%v)", resumed, err)
	}
	if h.chain.submitCount() != 0 {
		t.Fatalf("expected no submission inside the resume delay")
	}

	now = now.Add(5 * time.Minute)
	resumed, err = h.engine.ResumePending(ctx)
	if err != nil || resumed != 1 {
		t.Fatalf("expected one resumed transfer, got %d (%v)", resumed, err)
	}
	if h.chain.submitCount() != 1 || h.chain.submits[0].Reference != tx.ID {
		t.Fatalf("expected one submission referencing %s, got %+v", tx.ID, h.chain.submits)
	}
	current, err := h.engine.GetTransaction(ctx, tx.ID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if current.Status != TxSubmitted || current.TransactionHash == "" {
		t.Fatalf("expected submitted transfer with hash, got %s %q", current.Status, current.TransactionHash)
	}

	h.chain.set(current.TransactionHash, ChainStatus{State: ChainConfirmed, Confirmations: 5, BlockNumber: 7})
	if resolved, err := h.engine.PollConfirmations(ctx); err != nil || resolved != 1 {
		t.Fatalf("expected confirmation, got %d (%v)", resolved, err)
	}
	account := h.accountState(t)
	if !account.Balance.Equal(dec("3800")) || !account.Reserved.IsZero() {
		t.Fatalf("expected 3800 balance and nothing reserved, got %s / %s", account.Balance, account.Reserved)
	}
	if h.itemStatus(t, item.ID) != payroll.SettlementSettled {
		t.Fatalf("expected item settled")
	}
}

func TestSettleSubmitsReservationLeftPending(t *testing.T) {
	h := newHarness(t, "5000", testPolicy(), nil)
	item := h.items(t, "800")[0]
	ctx := context.Background()
	reserved := h.reserveOnly(t, item, time.Now().UTC())

	inFlight, err := h.payroll.GetItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	tx, err := h.engine.Settle(ctx, inFlight)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if tx.ID != reserved.ID || tx.Status != TxSubmitted {
		t.Fatalf("expected the reserved transaction submitted, got %s %s", tx.ID, tx.Status)
	}
	if reserved := h.accountState(t).Reserved; !reserved.Equal(dec("800")) {
		t.Fatalf("expected a single 800 reservation, got %s", reserved)
	}
}
