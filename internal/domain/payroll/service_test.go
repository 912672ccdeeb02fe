package payroll

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"payrail/internal/domain/audit"
	"payrail/internal/domain/rates"
)

type fakeSettler struct {
	store   *MemoryStore
	outcome func(item Item) SettlementStatus

	calls    atomic.Int32
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeSettler) SettleItem(ctx context.Context, item Item) error {
	f.calls.Add(1)
	current := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.peak.Load()
		if current <= peak || f.peak.CompareAndSwap(peak, current) {
			break
		}
	}
	time.Sleep(time.Millisecond)

	if err := f.store.BeginSettlement(ctx, item.RunID, item.ID); err != nil {
		return err
	}
	status := SettlementSettled
	if f.outcome != nil {
		status = f.outcome(item)
	}
	if status == SettlementInFlight {
		return nil
	}
	return f.store.SetItemSettlement(ctx, item.ID, status, "")
}

type fixture struct {
	log     *audit.MemoryLog
	store   *MemoryStore
	roster  *MemoryRoster
	table   *rates.Table
	settler *fakeSettler
	svc     *Service
}

func newFixture(t *testing.T, employeeIDs ...string) *fixture {
	t.Helper()
	f := &fixture{
		log:    audit.NewMemoryLog(),
		roster: NewMemoryRoster(),
		table:  rates.NewTable(),
	}
	f.store = NewMemoryStore(f.log)
	f.settler = &fakeSettler{store: f.store}
	for _, id := range employeeIDs {
		f.roster.Put(Employee{ID: id, Name: id, Country: "US", Status: EmployeeStatusActive})
		if _, err := f.table.Add(testConfig(id)); err != nil {
			t.Fatalf("add config: %v", err)
		}
	}
	f.svc = NewService(f.store, f.roster, f.table, f.settler, Config{Concurrency: 2})
	return f
}

func (f *fixture) approvedRun(t *testing.T) Run {
	t.Helper()
	ctx := context.Background()
	run, err := f.svc.CreateRun(ctx, NewRun{
		Period:      testPeriod(),
		PaymentDate: time.Date(2024, 4, 5, 0, 0, 0, 0, time.UTC),
		Currency:    "usd",
		CreatedBy:   "clerk",
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if run.Currency != "USD" || run.Status != RunStatusDraft || run.RunID == "" {
		t.Fatalf("unexpected run: %+v", run)
	}
	if _, err := f.svc.Approve(ctx, run.ID, "controller"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	return run
}

func TestProcessRequiresApproval(t *testing.T) {
	f := newFixture(t, "emp-1")
	ctx := context.Background()
	run, err := f.svc.CreateRun(ctx, NewRun{Period: testPeriod(), PaymentDate: testPeriod().End, Currency: "USD"})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if _, err := f.svc.Process(ctx, run.ID); !errors.Is(err, ErrApprovalRequired) {
		t.Fatalf("expected approval required, got %v", err)
	}
	if _, err := f.svc.Approve(ctx, run.ID, "  "); !errors.Is(err, ErrApprovalRequired) {
		t.Fatalf("expected approval required for blank approver, got %v", err)
	}
}

func TestProcessSettlesAndCompletes(t *testing.T) {
	f := newFixture(t, "emp-1", "emp-2", "emp-3")
	ctx := context.Background()
	run := f.approvedRun(t)
	if err := f.svc.SetInput(ctx, Input{RunID: run.ID, EmployeeID: "emp-1", Bonuses: dec("1000"), Benefits: dec("500")}); err != nil {
		t.Fatalf("set input: %v", err)
	}

	done, err := f.svc.Process(ctx, run.ID)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if done.Status != RunStatusCompleted || done.HasExceptions {
		t.Fatalf("expected clean completion, got %s exceptions=%v", done.Status, done.HasExceptions)
	}
	if done.CompletedAt == nil || done.ProcessingStartedAt == nil {
		t.Fatalf("expected lifecycle timestamps")
	}

	items, err := f.svc.ListItems(ctx, run.ID)
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	totals := ComputeTotals(items)
	if !totals.Net.Equal(done.TotalNet) || !totals.Gross.Equal(done.TotalGross) {
		t.Fatalf("run totals %s/%s differ from items %s/%s", done.TotalGross, done.TotalNet, totals.Gross, totals.Net)
	}
	if !items[0].NetPay.Equal(dec("7000")) {
		t.Fatalf("expected emp-1 net 7000, got %s", items[0].NetPay)
	}
	if peak := f.settler.peak.Load(); peak > 2 {
		t.Fatalf("settlement concurrency exceeded limit: %d", peak)
	}

	entries, _ := f.log.List(ctx, audit.Filter{RunID: run.ID, Action: audit.ActionItemCalculated})
	if len(entries) != 3 {
		t.Fatalf("expected 3 calculated entries, got %d", len(entries))
	}
	completed, _ := f.log.List(ctx, audit.Filter{EntityID: run.ID, Action: audit.ActionCompleted})
	if len(completed) != 1 {
		t.Fatalf("expected one completion entry, got %d", len(completed))
	}
}

func TestProcessIsIdempotent(t *testing.T) {
	f := newFixture(t, "emp-1", "emp-2")
	ctx := context.Background()
	run := f.approvedRun(t)

	if _, err := f.svc.Process(ctx, run.ID); err != nil {
		t.Fatalf("process: %v", err)
	}
	again, err := f.svc.Process(ctx, run.ID)
	if err != nil {
		t.Fatalf("second process: %v", err)
	}
	if again.Status != RunStatusCompleted {
		t.Fatalf("expected completed, got %s", again.Status)
	}
	if calls := f.settler.calls.Load(); calls != 2 {
		t.Fatalf("expected 2 settlement calls, got %d", calls)
	}
}

func TestProcessFailsWholeRunOnCalculationError(t *testing.T) {
	f := newFixture(t, "emp-1")
	f.roster.Put(Employee{ID: "emp-2", Status: EmployeeStatusActive})
	ctx := context.Background()
	run := f.approvedRun(t)

	failed, err := f.svc.Process(ctx, run.ID)
	var calcErr *CalculationError
	if !errors.As(err, &calcErr) || calcErr.EmployeeID != "emp-2" || !errors.Is(err, ErrNoActiveRateConfig) {
		t.Fatalf("expected calculation error for emp-2, got %v", err)
	}
	if failed.Status != RunStatusFailed || failed.FailureReason == "" {
		t.Fatalf("expected failed run with reason, got %+v", failed)
	}
	items, _ := f.store.ListItems(ctx, run.ID)
	if len(items) != 0 {
		t.Fatalf("expected no items persisted, got %d", len(items))
	}
	if f.settler.calls.Load() != 0 {
		t.Fatalf("expected no settlement attempts")
	}
}

// A config in another currency fails the whole run rather than skipping the
// employee, so nobody is silently left out of a payroll.
func TestProcessRejectsCurrencyMismatch(t *testing.T) {
	f := newFixture(t, "emp-us")
	cfg := testConfig("emp-eu")
	cfg.Currency = "EUR"
	if _, err := f.table.Add(cfg); err != nil {
		t.Fatalf("add config: %v", err)
	}
	f.roster.Put(Employee{ID: "emp-eu", Status: EmployeeStatusActive})
	ctx := context.Background()
	run := f.approvedRun(t)

	failed, err := f.svc.Process(ctx, run.ID)
	var calcErr *CalculationError
	if !errors.Is(err, ErrCurrencyMismatch) || !errors.As(err, &calcErr) || calcErr.EmployeeID != "emp-eu" {
		t.Fatalf("expected currency mismatch for emp-eu, got %v", err)
	}
	if failed.Status != RunStatusFailed {
		t.Fatalf("expected failed run, got %s", failed.Status)
	}
	items, _ := f.store.ListItems(ctx, run.ID)
	if len(items) != 0 || f.settler.calls.Load() != 0 {
		t.Fatalf("expected no items and no settlement, got %d items %d calls", len(items), f.settler.calls.Load())
	}
}

func TestProcessCompletesRunWithoutEmployees(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := f.approvedRun(t)

	done, err := f.svc.Process(ctx, run.ID)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if done.Status != RunStatusCompleted || done.HasExceptions || !done.TotalNet.IsZero() {
		t.Fatalf("expected empty completed run, got %s exceptions=%v net=%s", done.Status, done.HasExceptions, done.TotalNet)
	}
	entries, _ := f.log.List(ctx, audit.Filter{EntityID: run.ID, Action: audit.ActionCompleted})
	if len(entries) != 1 {
		t.Fatalf("expected one completed audit entry, got %d", len(entries))
	}
	if completed, err := f.svc.RefreshProcessingRuns(ctx); err != nil || completed != 0 {
		t.Fatalf("expected nothing left processing, got %d (%v)", completed, err)
	}
	again, err := f.svc.Process(ctx, run.ID)
	if err != nil || again.Status != RunStatusCompleted {
		t.Fatalf("expected processing a completed run to be a no-op, got %s (%v)", again.Status, err)
	}
}

func TestProcessResubmitsItemsLeftInFlight(t *testing.T) {
	f := newFixture(t, "emp-1", "emp-2")
	f.settler.outcome = func(Item) SettlementStatus { return SettlementInFlight }
	ctx := context.Background()
	run := f.approvedRun(t)

	stalled, err := f.svc.Process(ctx, run.ID)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if stalled.Status != RunStatusProcessing {
		t.Fatalf("expected processing, got %s", stalled.Status)
	}

	f.settler.outcome = nil
	done, err := f.svc.Process(ctx, run.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if done.Status != RunStatusCompleted || done.HasExceptions {
		t.Fatalf("expected completed run after resume, got %s exceptions=%v", done.Status, done.HasExceptions)
	}
	if calls := f.settler.calls.Load(); calls != 4 {
		t.Fatalf("expected each item handed over twice, got %d calls", calls)
	}
}

func TestFailedItemCompletesRunWithExceptions(t *testing.T) {
	f := newFixture(t, "emp-1", "emp-2")
	f.settler.outcome = func(item Item) SettlementStatus {
		if item.EmployeeID == "emp-2" {
			return SettlementFailed
		}
		return SettlementSettled
	}
	run := f.approvedRun(t)

	done, err := f.svc.Process(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if done.Status != RunStatusCompleted || !done.HasExceptions {
		t.Fatalf("expected completed with exceptions, got %s exceptions=%v", done.Status, done.HasExceptions)
	}
}

func TestRunStaysProcessingWhileItemsInFlight(t *testing.T) {
	f := newFixture(t, "emp-1")
	f.settler.outcome = func(Item) SettlementStatus { return SettlementInFlight }
	ctx := context.Background()
	run := f.approvedRun(t)

	pending, err := f.svc.Process(ctx, run.ID)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if pending.Status != RunStatusProcessing {
		t.Fatalf("expected processing, got %s", pending.Status)
	}

	items, _ := f.store.ListItems(ctx, run.ID)
	if err := f.store.SetItemSettlement(ctx, items[0].ID, SettlementSettled, ""); err != nil {
		t.Fatalf("settle item: %v", err)
	}
	completed, err := f.svc.RefreshProcessingRuns(ctx)
	if err != nil || completed != 1 {
		t.Fatalf("expected one run completed, got %d (%v)", completed, err)
	}
}

func TestCancelDraft(t *testing.T) {
	f := newFixture(t, "emp-1")
	ctx := context.Background()
	run := f.approvedRun(t)

	cancelled, err := f.svc.Cancel(ctx, run.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != RunStatusFailed || cancelled.FailureReason != CancelReason {
		t.Fatalf("expected failed(cancelled), got %s %q", cancelled.Status, cancelled.FailureReason)
	}
	if _, err := f.svc.Cancel(ctx, run.ID); !errors.Is(err, ErrCancelNotAllowed) {
		t.Fatalf("expected cancel not allowed on terminal run, got %v", err)
	}
	if _, err := f.svc.Process(ctx, run.ID); err != nil {
		t.Fatalf("processing a failed run should be a no-op, got %v", err)
	}
}

func TestCancelWithMoneyInFlightOnlyStopsScheduling(t *testing.T) {
	f := newFixture(t, "emp-1")
	f.settler.outcome = func(Item) SettlementStatus { return SettlementInFlight }
	ctx := context.Background()
	run := f.approvedRun(t)
	if _, err := f.svc.Process(ctx, run.ID); err != nil {
		t.Fatalf("process: %v", err)
	}

	requested, err := f.svc.Cancel(ctx, run.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if requested.Status != RunStatusProcessing || !requested.CancelRequested {
		t.Fatalf("expected processing with cancel requested, got %s %v", requested.Status, requested.CancelRequested)
	}
	entries, _ := f.log.List(ctx, audit.Filter{EntityID: run.ID, Action: audit.ActionCancelRequested})
	if len(entries) != 1 {
		t.Fatalf("expected cancel_requested audit entry, got %d", len(entries))
	}

	items, _ := f.store.ListItems(ctx, run.ID)
	if err := f.store.BeginSettlement(ctx, run.ID, items[0].ID); !errors.Is(err, ErrRunCancelled) {
		t.Fatalf("expected new settlement refused, got %v", err)
	}
}

func TestAuditFailureLeavesStateUntouched(t *testing.T) {
	f := newFixture(t, "emp-1")
	ctx := context.Background()
	run := f.approvedRun(t)

	f.log.FailWith(audit.ErrUnavailable)
	if _, err := f.svc.Process(ctx, run.ID); !errors.Is(err, audit.ErrUnavailable) {
		t.Fatalf("expected audit unavailable, got %v", err)
	}
	current, _ := f.svc.GetRun(ctx, run.ID)
	if current.Status != RunStatusDraft {
		t.Fatalf("expected run to stay draft, got %s", current.Status)
	}

	f.log.FailWith(nil)
	done, err := f.svc.Process(ctx, run.ID)
	if err != nil || done.Status != RunStatusCompleted {
		t.Fatalf("expected completion after audit recovers, got %s (%v)", done.Status, err)
	}
}
