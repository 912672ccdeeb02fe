package compliance

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"payrail/internal/domain/audit"
	"payrail/internal/domain/payroll"
	"payrail/internal/domain/receipt"
	"payrail/internal/domain/settlement"
)

func dec(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}

type fakeTreasury struct {
	confirmed   []settlement.Transaction
	accounts    []settlement.Account
	remediation []settlement.Transaction
}

func (f fakeTreasury) ListConfirmed(context.Context) ([]settlement.Transaction, error) {
	return f.confirmed, nil
}

func (f fakeTreasury) ListAccounts(context.Context) ([]settlement.Account, error) {
	return f.accounts, nil
}

func (f fakeTreasury) ListNeedingRemediation(context.Context) ([]settlement.Transaction, error) {
	return f.remediation, nil
}

type fakeReceipts map[string]receipt.Receipt

func (f fakeReceipts) Current(_ context.Context, transactionID string) (receipt.Receipt, error) {
	r, ok := f[transactionID]
	if !ok {
		return receipt.Receipt{}, receipt.ErrNotFound
	}
	return r, nil
}

func seedRun(t *testing.T, store *payroll.MemoryStore, items ...payroll.Item) {
	t.Helper()
	ctx := context.Background()
	run := payroll.Run{ID: "run-1", RunID: "PR-1", Status: payroll.RunStatusDraft, Currency: "USD", ApprovedBy: "controller"}
	if _, err := store.CreateRun(ctx, run, audit.Entry{}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if _, err := store.StartProcessing(ctx, run.ID, time.Now(), audit.Entry{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := store.SaveItems(ctx, run.ID, items, nil); err != nil {
		t.Fatalf("save items: %v", err)
	}
}

func goodItem() payroll.Item {
	return payroll.Item{
		ID:              "item-1",
		EmployeeID:      "emp-1",
		BaseSalary:      dec("8500"),
		Bonuses:         dec("1000"),
		Benefits:        dec("500"),
		GrossPay:        dec("10000"),
		TaxDeduction:    dec("2000"),
		SocialSecurity:  dec("300"),
		HealthInsurance: dec("200"),
		Retirement:      dec("500"),
		OtherDeductions: decimal.Zero,
		TotalDeductions: dec("3000"),
		NetPay:          dec("7000"),
		Currency:        "USD",
	}
}

func statusOf(report Report, name string) Status {
	for _, check := range report.Checks {
		if check.Name == name {
			return check.Status
		}
	}
	return ""
}

func TestCleanStatePasses(t *testing.T) {
	store := payroll.NewMemoryStore(audit.NewMemoryLog())
	seedRun(t, store, goodItem())
	roster := payroll.NewMemoryRoster(payroll.Employee{ID: "emp-1", SettlementAddress: "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", Status: payroll.EmployeeStatusActive})
	treasury := fakeTreasury{
		confirmed: []settlement.Transaction{{ID: "tx-1"}},
		accounts:  []settlement.Account{{Name: "ops", Balance: dec("100"), Reserved: dec("40")}},
	}
	receipts := fakeReceipts{"tx-1": {ReceiptID: "RCP-1", VerificationStatus: receipt.StatusVerified}}

	report, err := NewService(store, roster, treasury, receipts).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !report.Passed || len(report.Checks) != 5 {
		t.Fatalf("expected five passing checks, got %+v", report)
	}
	for _, check := range report.Checks {
		if check.Status != StatusPassed {
			t.Fatalf("check %s: %s %v", check.Name, check.Status, check.Findings)
		}
	}
}

func TestFindingsAreReported(t *testing.T) {
	store := payroll.NewMemoryStore(audit.NewMemoryLog())
	bad := goodItem()
	bad.NetPay = dec("7001")
	seedRun(t, store, bad)
	roster := payroll.NewMemoryRoster(
		payroll.Employee{ID: "emp-1", Status: payroll.EmployeeStatusActive},
		payroll.Employee{ID: "emp-2", SettlementAddress: "0x5AAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", Status: payroll.EmployeeStatusActive},
	)
	treasury := fakeTreasury{
		confirmed:   []settlement.Transaction{{ID: "tx-1"}, {ID: "tx-2"}},
		accounts:    []settlement.Account{{Name: "ops", Balance: dec("10"), Reserved: dec("40")}},
		remediation: []settlement.Transaction{{ID: "tx-3", PayrollItemID: "item-9", FailureReason: "stuck"}},
	}
	receipts := fakeReceipts{"tx-1": {ReceiptID: "RCP-1", VerificationStatus: receipt.StatusFailed}}

	report, err := NewService(store, roster, treasury, receipts).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Passed {
		t.Fatalf("expected report to fail")
	}
	expect := map[string]Status{
		CheckReceiptCoverage:      StatusWarning,
		CheckCalculationIntegrity: StatusFailed,
		CheckWalletValidation:     StatusWarning,
		CheckTreasurySolvency:     StatusFailed,
		CheckRemediationQueue:     StatusWarning,
	}
	for name, want := range expect {
		if got := statusOf(report, name); got != want {
			t.Fatalf("%s: expected %s, got %s", name, want, got)
		}
	}
	for _, check := range report.Checks {
		if check.Name == CheckWalletValidation && len(check.Findings) != 2 {
			t.Fatalf("expected two wallet findings, got %v", check.Findings)
		}
	}
}
