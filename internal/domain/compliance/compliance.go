// Package compliance runs the auditor checks over payroll, treasury and
// receipt state.
package compliance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"payrail/internal/domain/payroll"
	"payrail/internal/domain/receipt"
	"payrail/internal/domain/settlement"
	"payrail/internal/platform/chainaddr"
)

type Status string

const (
	StatusPassed  Status = "passed"
	StatusWarning Status = "warning"
	StatusFailed  Status = "failed"
)

const (
	CheckReceiptCoverage      = "receipt_coverage"
	CheckCalculationIntegrity = "calculation_integrity"
	CheckWalletValidation     = "wallet_validation"
	CheckTreasurySolvency     = "treasury_solvency"
	CheckRemediationQueue     = "remediation_queue"
)

const runPageSize = 100

type Check struct {
	Name     string   `json:"name"`
	Status   Status   `json:"status"`
	Detail   string   `json:"detail"`
	Findings []string `json:"findings,omitempty"`
}

type Report struct {
	Checks      []Check   `json:"checks"`
	Passed      bool      `json:"passed"`
	GeneratedAt time.Time `json:"generatedAt"`
}

type Runs interface {
	ListRuns(ctx context.Context, limit, offset int) ([]payroll.Run, error)
	ListItems(ctx context.Context, runID string) ([]payroll.Item, error)
}

type Treasury interface {
	ListConfirmed(ctx context.Context) ([]settlement.Transaction, error)
	ListAccounts(ctx context.Context) ([]settlement.Account, error)
	ListNeedingRemediation(ctx context.Context) ([]settlement.Transaction, error)
}

type Receipts interface {
	Current(ctx context.Context, transactionID string) (receipt.Receipt, error)
}

type Service struct {
	runs     Runs
	roster   payroll.Roster
	treasury Treasury
	receipts Receipts
}

func NewService(runs Runs, roster payroll.Roster, treasury Treasury, receipts Receipts) *Service {
	return &Service{runs: runs, roster: roster, treasury: treasury, receipts: receipts}
}

func (s *Service) Run(ctx context.Context) (Report, error) {
	checks := []func(context.Context) (Check, error){
		s.receiptCoverage,
		s.calculationIntegrity,
		s.walletValidation,
		s.treasurySolvency,
		s.remediationQueue,
	}
	report := Report{Passed: true, GeneratedAt: time.Now().UTC()}
	for _, run := range checks {
		check, err := run(ctx)
		if err != nil {
			return Report{}, err
		}
		if check.Status == StatusFailed {
			report.Passed = false
		}
		report.Checks = append(report.Checks, check)
	}
	return report, nil
}

func result(name string, findings []string, failing Status, okDetail, badDetail string) Check {
	if len(findings) == 0 {
		return Check{Name: name, Status: StatusPassed, Detail: okDetail}
	}
	return Check{Name: name, Status: failing, Detail: fmt.Sprintf(badDetail, len(findings)), Findings: findings}
}

func (s *Service) receiptCoverage(ctx context.Context) (Check, error) {
	confirmed, err := s.treasury.ListConfirmed(ctx)
	if err != nil {
		return Check{}, err
	}
	var findings []string
	for _, tx := range confirmed {
		r, err := s.receipts.Current(ctx, tx.ID)
		switch {
		case errors.Is(err, receipt.ErrNotFound):
			findings = append(findings, fmt.Sprintf("transaction %s has no receipt", tx.ID))
		case err != nil:
			return Check{}, err
		case r.VerificationStatus != receipt.StatusVerified:
			findings = append(findings, fmt.Sprintf("transaction %s receipt %s is %s", tx.ID, r.ReceiptID, r.VerificationStatus))
		}
	}
	return result(CheckReceiptCoverage, findings, StatusWarning,
		fmt.Sprintf("%d confirmed transactions carry verified receipts", len(confirmed)),
		"%d confirmed transactions lack a verified receipt"), nil
}

func (s *Service) calculationIntegrity(ctx context.Context) (Check, error) {
	var findings []string
	checked := 0
	for offset := 0; ; offset += runPageSize {
		runs, err := s.runs.ListRuns(ctx, runPageSize, offset)
		if err != nil {
			return Check{}, err
		}
		for _, run := range runs {
			items, err := s.runs.ListItems(ctx, run.ID)
			if err != nil {
				return Check{}, err
			}
			checked++
			findings = append(findings, runFindings(run, items)...)
		}
		if len(runs) < runPageSize {
			break
		}
	}
	return result(CheckCalculationIntegrity, findings, StatusFailed,
		fmt.Sprintf("%d runs reconcile to their items", checked),
		"%d calculation mismatches"), nil
}

func runFindings(run payroll.Run, items []payroll.Item) []string {
	var findings []string
	for _, item := range items {
		gross := item.BaseSalary.Add(item.Bonuses).Add(item.Benefits)
		deductions := decimal.Sum(item.TaxDeduction, item.SocialSecurity, item.HealthInsurance, item.Retirement, item.OtherDeductions)
		switch {
		case !gross.Equal(item.GrossPay):
			findings = append(findings, fmt.Sprintf("run %s item %s gross %s != %s", run.RunID, item.ID, item.GrossPay, gross))
		case !deductions.Equal(item.TotalDeductions):
			findings = append(findings, fmt.Sprintf("run %s item %s deductions %s != %s", run.RunID, item.ID, item.TotalDeductions, deductions))
		case !item.GrossPay.Sub(item.TotalDeductions).Equal(item.NetPay):
			findings = append(findings, fmt.Sprintf("run %s item %s net %s != gross - deductions", run.RunID, item.ID, item.NetPay))
		}
	}
	totals := payroll.ComputeTotals(items)
	if !totals.Gross.Equal(run.TotalGross) || !totals.Deductions.Equal(run.TotalDeductions) || !totals.Net.Equal(run.TotalNet) {
		findings = append(findings, fmt.Sprintf("run %s totals differ from item sums", run.RunID))
	}
	return findings
}

func (s *Service) walletValidation(ctx context.Context) (Check, error) {
	employees, err := s.roster.ActiveEmployees(ctx)
	if err != nil {
		return Check{}, err
	}
	var findings []string
	for _, e := range employees {
		switch {
		case e.SettlementAddress == "":
			findings = append(findings, fmt.Sprintf("employee %s has no settlement address", e.ID))
		case !chainaddr.Valid(e.SettlementAddress):
			findings = append(findings, fmt.Sprintf("employee %s settlement address fails checksum", e.ID))
		}
	}
	return result(CheckWalletValidation, findings, StatusWarning,
		fmt.Sprintf("%d active employees have valid settlement addresses", len(employees)),
		"%d active employees cannot be paid on chain"), nil
}

func (s *Service) treasurySolvency(ctx context.Context) (Check, error) {
	accounts, err := s.treasury.ListAccounts(ctx)
	if err != nil {
		return Check{}, err
	}
	var findings []string
	for _, a := range accounts {
		switch {
		case a.Balance.IsNegative():
			findings = append(findings, fmt.Sprintf("account %s balance %s is negative", a.Name, a.Balance))
		case a.Reserved.IsNegative():
			findings = append(findings, fmt.Sprintf("account %s reserved %s is negative", a.Name, a.Reserved))
		case a.Reserved.GreaterThan(a.Balance):
			findings = append(findings, fmt.Sprintf("account %s reserves %s over balance %s", a.Name, a.Reserved, a.Balance))
		}
	}
	return result(CheckTreasurySolvency, findings, StatusFailed,
		fmt.Sprintf("%d treasury accounts are solvent", len(accounts)),
		"%d treasury accounts are insolvent"), nil
}

func (s *Service) remediationQueue(ctx context.Context) (Check, error) {
	queue, err := s.treasury.ListNeedingRemediation(ctx)
	if err != nil {
		return Check{}, err
	}
	var findings []string
	for _, tx := range queue {
		findings = append(findings, fmt.Sprintf("transaction %s for item %s: %s", tx.ID, tx.PayrollItemID, tx.FailureReason))
	}
	return result(CheckRemediationQueue, findings, StatusWarning,
		"no transfers awaiting remediation",
		"%d transfers awaiting remediation"), nil
}
