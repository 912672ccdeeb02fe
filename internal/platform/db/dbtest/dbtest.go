// Package dbtest opens the Postgres database store tests run against.
package dbtest

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"payrail/internal/domain/audit"
	"payrail/internal/domain/payroll"
	"payrail/internal/domain/rates"
	"payrail/internal/domain/settlement"
	"payrail/internal/platform/config"
	"payrail/internal/platform/db"
)

// Pool connects to TEST_DATABASE_URL and applies the shipped migrations. The
// test is skipped when the variable is unset. Tests share the database, so
// every row they create must carry a fresh id.
func Pool(t testing.TB) *pgxpool.Pool {
	t.Helper()
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, config.Config{DatabaseURL: dbURL, SettlementConcurrency: 4})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := db.Migrate(ctx, pool, migrationsDir()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return pool
}

func migrationsDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "..", "..", "migrations")
}

// Employee inserts an active employee owned by HR and returns its id.
func Employee(t testing.TB, pool *pgxpool.Pool, settlementAddress string) string {
	t.Helper()
	id := "emp-" + uuid.NewString()
	if _, err := pool.Exec(context.Background(), `
    INSERT INTO employees (id, name, email, country, settlement_address, status)
    VALUES ($1, $2, $3, 'US', $4, 'active')
  `, id, "Employee "+id[4:12], id+"@example.com", settlementAddress); err != nil {
		t.Fatalf("insert employee: %v", err)
	}
	return id
}

// Entry is a system audit entry; audit.Insert fills in its id and time.
func Entry(entityType, entityID, action string) audit.Entry {
	return audit.Entry{EntityType: entityType, EntityID: entityID, Action: action, ActorRole: "system"}
}

// ProcessingRun creates an approved USD run in processing with one calculated
// item per employee, each paying net.
func ProcessingRun(t testing.TB, pool *pgxpool.Pool, net string, employeeIDs ...string) (payroll.Run, []payroll.Item) {
	t.Helper()
	ctx := context.Background()
	amount := decimal.RequireFromString(net)
	effective := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

	configs := rates.NewStore(pool)
	store := payroll.NewStore(pool)
	run := payroll.Run{
		ID:          uuid.NewString(),
		RunID:       "PR-" + uuid.NewString(),
		Period:      payroll.Period{Start: time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC), End: time.Date(2024, time.March, 31, 0, 0, 0, 0, time.UTC)},
		PaymentDate: time.Date(2024, time.March, 31, 0, 0, 0, 0, time.UTC),
		Status:      payroll.RunStatusDraft,
		Currency:    "USD",
		CreatedBy:   "hr-1",
		CreatedAt:   time.Now().UTC(),
	}
	run, err := store.CreateRun(ctx, run, Entry(audit.EntityPayrollRun, run.ID, audit.ActionCreated))
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if _, err := store.Approve(ctx, run.ID, "finance-1", Entry(audit.EntityPayrollRun, run.ID, audit.ActionApproved)); err != nil {
		t.Fatalf("approve run: %v", err)
	}
	if _, err := store.StartProcessing(ctx, run.ID, time.Now().UTC(), Entry(audit.EntityPayrollRun, run.ID, audit.ActionProcessingStarted)); err != nil {
		t.Fatalf("start processing: %v", err)
	}

	items := make([]payroll.Item, 0, len(employeeIDs))
	for _, employeeID := range employeeIDs {
		cfg, err := configs.Create(ctx, rates.Configuration{
			EmployeeID:       employeeID,
			BaseSalary:       amount,
			Currency:         "USD",
			PaymentFrequency: rates.FrequencyMonthly,
			EffectiveFrom:    effective,
		})
		if err != nil {
			t.Fatalf("create rate configuration: %v", err)
		}
		items = append(items, payroll.Item{
			ID:               uuid.NewString(),
			RunID:            run.ID,
			EmployeeID:       employeeID,
			RateConfigID:     cfg.ID,
			BaseSalary:       amount,
			GrossPay:         amount,
			NetPay:           amount,
			Currency:         "USD",
			SettlementStatus: payroll.SettlementPending,
		})
	}
	run, err = store.SaveItems(ctx, run.ID, items, nil)
	if err != nil {
		t.Fatalf("save items: %v", err)
	}
	saved, err := store.ListItems(ctx, run.ID)
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	return run, saved
}

// Reservation funds a fresh treasury account and reserves one pending
// transfer of amount to a new employee.
func Reservation(t testing.TB, pool *pgxpool.Pool, amount string) settlement.Transaction {
	t.Helper()
	ctx := context.Background()
	const address = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

	employeeID := Employee(t, pool, address)
	_, items := ProcessingRun(t, pool, amount, employeeID)
	store := settlement.NewStore(pool)

	accountID := uuid.NewString()
	account, err := store.CreateAccount(ctx, settlement.Account{
		ID:          accountID,
		Name:        "treasury-" + accountID,
		Address:     "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359",
		Currency:    "USDC",
		Network:     "net-" + accountID[:8],
		AccountType: settlement.AccountOperational,
		Balance:     items[0].NetPay,
		CreatedAt:   time.Now().UTC(),
	}, Entry(audit.EntityTreasuryAccount, accountID, audit.ActionCreated))
	if err != nil {
		t.Fatalf("create account: %v", err)
	}

	tx := settlement.Transaction{
		ID:                uuid.NewString(),
		PayrollItemID:     items[0].ID,
		RunID:             items[0].RunID,
		EmployeeID:        employeeID,
		TreasuryAccountID: account.ID,
		FromAddress:       account.Address,
		ToAddress:         address,
		Amount:            items[0].NetPay,
		Currency:          account.Currency,
		OriginalAmount:    items[0].NetPay,
		OriginalCurrency:  items[0].Currency,
		FXRate:            decimal.NewFromInt(1),
		Network:           account.Network,
		InitiatedAt:       time.Now().UTC(),
	}
	tx, err = store.Reserve(ctx, tx, Entry(audit.EntityPaymentTransaction, tx.ID, audit.ActionReserved))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	return tx
}
