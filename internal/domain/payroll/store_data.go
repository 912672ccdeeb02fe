package payroll

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"payrail/internal/domain/audit"
)

const uniqueViolation = "23505"

type Store struct {
	DB *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{DB: db}
}

const runColumns = `r.id, r.run_id, r.period_start, r.period_end, r.payment_date, r.status, r.total_gross,
           r.total_deductions, r.total_net, r.currency, r.created_by, r.approved_by, r.failure_reason,
           r.cancel_requested,
           EXISTS (SELECT 1 FROM payroll_items i
                   WHERE i.run_id = r.id AND i.settlement_status IN ('failed', 'unsettled', 'cancelled')),
           r.created_at, r.updated_at, r.processing_started_at, r.completed_at`

const itemColumns = `id, run_id, employee_id, rate_config_id, base_salary, bonuses, benefits, gross_pay, tax_deduction,
           social_security, health_insurance, retirement, other_deductions, total_deductions, net_pay, currency,
           settlement_status, settlement_error, created_at`

func scanRun(row pgx.Row) (Run, error) {
	var run Run
	err := row.Scan(&run.ID, &run.RunID, &run.Period.Start, &run.Period.End, &run.PaymentDate, &run.Status,
		&run.TotalGross, &run.TotalDeductions, &run.TotalNet, &run.Currency, &run.CreatedBy, &run.ApprovedBy,
		&run.FailureReason, &run.CancelRequested, &run.HasExceptions, &run.CreatedAt, &run.UpdatedAt,
		&run.ProcessingStartedAt, &run.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Run{}, ErrRunNotFound
	}
	return run, err
}

func scanItem(row pgx.Row) (Item, error) {
	var item Item
	err := row.Scan(&item.ID, &item.RunID, &item.EmployeeID, &item.RateConfigID, &item.BaseSalary, &item.Bonuses,
		&item.Benefits, &item.GrossPay, &item.TaxDeduction, &item.SocialSecurity, &item.HealthInsurance,
		&item.Retirement, &item.OtherDeductions, &item.TotalDeductions, &item.NetPay, &item.Currency,
		&item.SettlementStatus, &item.SettlementError, &item.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Item{}, ErrItemNotFound
	}
	return item, err
}

func (s *Store) CreateRun(ctx context.Context, run Run, entry audit.Entry) (Run, error) {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
    INSERT INTO payroll_runs (id, run_id, period_start, period_end, payment_date, status, total_gross, total_deductions,
                              total_net, currency, created_by, created_at, updated_at)
    VALUES ($1,$2,$3,$4,$5,$6,0,0,0,$7,$8,$9,$9)
  `, run.ID, run.RunID, run.Period.Start, run.Period.End, run.PaymentDate, run.Status, run.Currency, run.CreatedBy,
			run.CreatedAt)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrRunIDTaken
		}
		if err != nil {
			return err
		}
		return audit.Insert(ctx, tx, entry)
	})
	if err != nil {
		return Run{}, err
	}
	return s.GetRun(ctx, run.ID)
}

func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	return scanRun(s.DB.QueryRow(ctx, `SELECT `+runColumns+` FROM payroll_runs r WHERE r.id = $1`, id))
}

func (s *Store) ListRuns(ctx context.Context, limit, offset int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.Query(ctx, `
    SELECT `+runColumns+`
    FROM payroll_runs r
    ORDER BY r.created_at DESC
    LIMIT $1 OFFSET $2
  `, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *Store) ListRunIDsByStatus(ctx context.Context, status RunStatus) ([]string, error) {
	rows, err := s.DB.Query(ctx, `SELECT id FROM payroll_runs WHERE status = $1 ORDER BY created_at`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// mutateRun locks the run row, lets mutate edit it and writes back the
// mutable columns together with the audit entries.
func (s *Store) mutateRun(ctx context.Context, id string, entries []audit.Entry, mutate func(tx pgx.Tx, run *Run) error) (Run, error) {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		run, err := scanRun(tx.QueryRow(ctx, `SELECT `+runColumns+` FROM payroll_runs r WHERE r.id = $1 FOR UPDATE OF r`, id))
		if err != nil {
			return err
		}
		if err := mutate(tx, &run); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
    UPDATE payroll_runs
    SET period_start = $2, period_end = $3, payment_date = $4, status = $5, approved_by = $6, failure_reason = $7,
        cancel_requested = $8, processing_started_at = $9, completed_at = $10, updated_at = now()
    WHERE id = $1
  `, run.ID, run.Period.Start, run.Period.End, run.PaymentDate, run.Status, run.ApprovedBy, run.FailureReason,
			run.CancelRequested, run.ProcessingStartedAt, run.CompletedAt); err != nil {
			return err
		}
		for _, entry := range entries {
			if err := audit.Insert(ctx, tx, entry); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Run{}, err
	}
	return s.GetRun(ctx, id)
}

func (s *Store) UpdateDraft(ctx context.Context, id string, period Period, paymentDate time.Time, entry audit.Entry) (Run, error) {
	return s.mutateRun(ctx, id, []audit.Entry{entry}, func(_ pgx.Tx, run *Run) error {
		if run.Status != RunStatusDraft {
			return ErrNotDraft
		}
		run.Period = period
		run.PaymentDate = paymentDate
		return nil
	})
}

func (s *Store) Approve(ctx context.Context, id, approver string, entry audit.Entry) (Run, error) {
	return s.mutateRun(ctx, id, []audit.Entry{entry}, func(_ pgx.Tx, run *Run) error {
		if run.Status != RunStatusDraft {
			return ErrNotDraft
		}
		run.ApprovedBy = approver
		return nil
	})
}

func (s *Store) SetInput(ctx context.Context, input Input, entry audit.Entry) error {
	_, err := s.mutateRun(ctx, input.RunID, []audit.Entry{entry}, func(tx pgx.Tx, run *Run) error {
		if run.Status != RunStatusDraft {
			return ErrNotDraft
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM employees WHERE id = $1)`, input.EmployeeID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrEmployeeNotFound
		}
		_, err := tx.Exec(ctx, `
    INSERT INTO payroll_inputs (run_id, employee_id, bonuses, benefits, other_deductions)
    VALUES ($1,$2,$3,$4,$5)
    ON CONFLICT (run_id, employee_id)
    DO UPDATE SET bonuses = EXCLUDED.bonuses, benefits = EXCLUDED.benefits, other_deductions = EXCLUDED.other_deductions
  `, input.RunID, input.EmployeeID, input.Bonuses, input.Benefits, input.OtherDeductions)
		return err
	})
	return err
}

func (s *Store) ListInputs(ctx context.Context, runID string) ([]Input, error) {
	rows, err := s.DB.Query(ctx, `
    SELECT run_id, employee_id, bonuses, benefits, other_deductions
    FROM payroll_inputs
    WHERE run_id = $1
  `, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var inputs []Input
	for rows.Next() {
		var input Input
		if err := rows.Scan(&input.RunID, &input.EmployeeID, &input.Bonuses, &input.Benefits, &input.OtherDeductions); err != nil {
			return nil, err
		}
		inputs = append(inputs, input)
	}
	return inputs, rows.Err()
}

func (s *Store) StartProcessing(ctx context.Context, id string, at time.Time, entry audit.Entry) (Run, error) {
	return s.mutateRun(ctx, id, []audit.Entry{entry}, func(_ pgx.Tx, run *Run) error {
		if !run.Status.CanTransition(RunStatusProcessing) {
			return ErrInvalidTransition
		}
		if run.ApprovedBy == "" {
			return ErrApprovalRequired
		}
		run.Status = RunStatusProcessing
		run.ProcessingStartedAt = &at
		return nil
	})
}

// SaveItems inserts the calculated items and the derived totals atomically.
// Items already present for an employee are kept.
func (s *Store) SaveItems(ctx context.Context, runID string, items []Item, entries []audit.Entry) (Run, error) {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var status RunStatus
		err := tx.QueryRow(ctx, `SELECT status FROM payroll_runs WHERE id = $1 FOR UPDATE`, runID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrRunNotFound
		}
		if err != nil {
			return err
		}
		if status != RunStatusProcessing {
			return ErrInvalidTransition
		}

		batch := &pgx.Batch{}
		for _, item := range items {
			if item.ID == "" {
				item.ID = uuid.NewString()
			}
			if item.CreatedAt.IsZero() {
				item.CreatedAt = time.Now().UTC()
			}
			batch.Queue(`
    INSERT INTO payroll_items (`+itemColumns+`)
    VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
    ON CONFLICT (run_id, employee_id) DO NOTHING
  `, item.ID, runID, item.EmployeeID, item.RateConfigID, item.BaseSalary, item.Bonuses, item.Benefits, item.GrossPay,
				item.TaxDeduction, item.SocialSecurity, item.HealthInsurance, item.Retirement, item.OtherDeductions,
				item.TotalDeductions, item.NetPay, item.Currency, item.SettlementStatus, item.SettlementError, item.CreatedAt)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
    UPDATE payroll_runs r
    SET total_gross = t.gross, total_deductions = t.deductions, total_net = t.net, updated_at = now()
    FROM (
      SELECT COALESCE(SUM(gross_pay), 0) AS gross, COALESCE(SUM(total_deductions), 0) AS deductions,
             COALESCE(SUM(net_pay), 0) AS net
      FROM payroll_items WHERE run_id = $1
    ) t
    WHERE r.id = $1
  `, runID); err != nil {
			return err
		}
		for _, entry := range entries {
			if err := audit.Insert(ctx, tx, entry); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Run{}, err
	}
	return s.GetRun(ctx, runID)
}

func (s *Store) FailRun(ctx context.Context, id, reason string, entry audit.Entry) (Run, error) {
	return s.mutateRun(ctx, id, []audit.Entry{entry}, func(_ pgx.Tx, run *Run) error {
		if !run.Status.CanTransition(RunStatusFailed) {
			return ErrInvalidTransition
		}
		run.Status = RunStatusFailed
		run.FailureReason = reason
		return nil
	})
}

func (s *Store) CompleteRun(ctx context.Context, id string, at time.Time, entry audit.Entry) (Run, error) {
	return s.mutateRun(ctx, id, []audit.Entry{entry}, func(_ pgx.Tx, run *Run) error {
		if !run.Status.CanTransition(RunStatusCompleted) {
			return ErrInvalidTransition
		}
		run.Status = RunStatusCompleted
		run.CompletedAt = &at
		return nil
	})
}

// Cancel holds the run row lock while it inspects item states, so no item can
// move in flight between the decision and the write.
func (s *Store) Cancel(ctx context.Context, id string, entry audit.Entry) (Run, error) {
	return s.mutateRun(ctx, id, nil, func(tx pgx.Tx, run *Run) error {
		items, err := listItems(ctx, tx, id)
		if err != nil {
			return err
		}
		outcome, err := cancelOutcome(*run, items)
		if err != nil {
			return err
		}
		entry.Action = outcome
		run.CancelRequested = true
		if outcome == audit.ActionCancelled {
			run.Status = RunStatusFailed
			run.FailureReason = CancelReason
			if _, err := tx.Exec(ctx, `
    UPDATE payroll_items SET settlement_status = $2
    WHERE run_id = $1 AND settlement_status = $3
  `, id, SettlementCancelled, SettlementPending); err != nil {
				return err
			}
		}
		return audit.Insert(ctx, tx, entry)
	})
}

func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	err := s.DB.QueryRow(ctx, `SELECT cancel_requested FROM payroll_runs WHERE id = $1`, id).Scan(&requested)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrRunNotFound
	}
	return requested, err
}

func (s *Store) CancelItem(ctx context.Context, itemID string, entry audit.Entry) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
    UPDATE payroll_items SET settlement_status = $2
    WHERE id = $1 AND settlement_status = $3
  `, itemID, SettlementCancelled, SettlementPending)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		return audit.Insert(ctx, tx, entry)
	})
}

func (s *Store) ListItems(ctx context.Context, runID string) ([]Item, error) {
	return listItems(ctx, s.DB, runID)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listItems(ctx context.Context, db querier, runID string) ([]Item, error) {
	rows, err := db.Query(ctx, `
    SELECT `+itemColumns+`
    FROM payroll_items
    WHERE run_id = $1
    ORDER BY employee_id
  `, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) GetItem(ctx context.Context, itemID string) (Item, error) {
	return scanItem(s.DB.QueryRow(ctx, `SELECT `+itemColumns+` FROM payroll_items WHERE id = $1`, itemID))
}

func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// RosterStore reads the employees table maintained by HR.
type RosterStore struct {
	DB *pgxpool.Pool
}

func NewRoster(db *pgxpool.Pool) *RosterStore {
	return &RosterStore{DB: db}
}

func (r *RosterStore) ActiveEmployees(ctx context.Context) ([]Employee, error) {
	rows, err := r.DB.Query(ctx, `
    SELECT id, name, email, country, settlement_address, status
    FROM employees
    WHERE status = $1
    ORDER BY id
  `, EmployeeStatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var employees []Employee
	for rows.Next() {
		var e Employee
		if err := rows.Scan(&e.ID, &e.Name, &e.Email, &e.Country, &e.SettlementAddress, &e.Status); err != nil {
			return nil, err
		}
		employees = append(employees, e)
	}
	return employees, rows.Err()
}

func (r *RosterStore) Employee(ctx context.Context, employeeID string) (Employee, error) {
	var e Employee
	err := r.DB.QueryRow(ctx, `
    SELECT id, name, email, country, settlement_address, status
    FROM employees
    WHERE id = $1
  `, employeeID).Scan(&e.ID, &e.Name, &e.Email, &e.Country, &e.SettlementAddress, &e.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return Employee{}, ErrEmployeeNotFound
	}
	return e, err
}
