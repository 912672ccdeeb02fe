package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"payrail/internal/domain/audit"
	"payrail/internal/domain/payroll"
)

const uniqueViolation = "23505"

type Store struct {
	DB *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{DB: db}
}

const txColumns = `id, payroll_item_id, run_id, employee_id, treasury_account_id, transaction_hash, from_address, to_address,
           amount, currency, original_amount, original_currency, fx_rate, network, status, block_number, gas_fee,
           confirmation_count, attempts, failure_reason, needs_remediation, reservation_held, initiated_at,
           submitted_at, confirmed_at`

const accountColumns = `id, name, address, currency, network, account_type, opening_balance, balance, reserved,
           last_reconciled, created_at`

func scanTx(row pgx.Row) (Transaction, error) {
	var tx Transaction
	err := row.Scan(&tx.ID, &tx.PayrollItemID, &tx.RunID, &tx.EmployeeID, &tx.TreasuryAccountID, &tx.TransactionHash,
		&tx.FromAddress, &tx.ToAddress, &tx.Amount, &tx.Currency, &tx.OriginalAmount, &tx.OriginalCurrency, &tx.FXRate,
		&tx.Network, &tx.Status, &tx.BlockNumber, &tx.GasFee, &tx.Confirmations, &tx.Attempts, &tx.FailureReason,
		&tx.NeedsRemediation, &tx.ReservationHeld, &tx.InitiatedAt, &tx.SubmittedAt, &tx.ConfirmedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, ErrTransactionNotFound
	}
	return tx, err
}

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Name, &a.Address, &a.Currency, &a.Network, &a.AccountType, &a.OpeningBalance,
		&a.Balance, &a.Reserved, &a.LastReconciled, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrAccountNotFound
	}
	return a, err
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

func (s *Store) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	return scanTx(s.DB.QueryRow(ctx, `SELECT `+txColumns+` FROM payment_transactions WHERE id = $1`, id))
}

// latestQuery orders the active transaction first, then the newest failure.
const latestQuery = `SELECT ` + txColumns + `
    FROM payment_transactions
    WHERE payroll_item_id = $1
    ORDER BY (status <> 'failed') DESC, initiated_at DESC
    LIMIT 1`

func (s *Store) LatestForItem(ctx context.Context, itemID string) (Transaction, error) {
	return scanTx(s.DB.QueryRow(ctx, latestQuery, itemID))
}

func (s *Store) list(ctx context.Context, where string, args ...any) ([]Transaction, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+txColumns+` FROM payment_transactions WHERE `+where+` ORDER BY initiated_at`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []Transaction
	for rows.Next() {
		tx, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func (s *Store) ListForRun(ctx context.Context, runID string) ([]Transaction, error) {
	return s.list(ctx, "run_id = $1", runID)
}

func (s *Store) ListByStatus(ctx context.Context, status TxStatus) ([]Transaction, error) {
	return s.list(ctx, "status = $1", status)
}

func (s *Store) ListNeedingRemediation(ctx context.Context) ([]Transaction, error) {
	return s.list(ctx, "needs_remediation")
}

// Reserve takes the treasury row lock, so concurrent reservations against one
// account are serialized and availability is checked against committed state.
func (s *Store) Reserve(ctx context.Context, t Transaction, entry audit.Entry) (Transaction, error) {
	var existing Transaction
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		account, err := scanAccount(tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM treasury_accounts WHERE id = $1 FOR UPDATE`,
			t.TreasuryAccountID))
		if err != nil {
			return err
		}

		latest, err := scanTx(tx.QueryRow(ctx, latestQuery, t.PayrollItemID))
		switch {
		case err == nil && latest.Active():
			existing = latest
			return ErrTransactionExists
		case err == nil && latest.UnderInvestigation():
			existing = latest
			return ErrPendingInvestigation
		case err != nil && !errors.Is(err, ErrTransactionNotFound):
			return err
		}

		if account.Available().LessThan(t.Amount) {
			return ErrInsufficientTreasuryBalance
		}

		var cancelRequested bool
		if err := tx.QueryRow(ctx, `SELECT cancel_requested FROM payroll_runs WHERE id = $1 FOR SHARE`, t.RunID).
			Scan(&cancelRequested); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return payroll.ErrRunNotFound
			}
			return err
		}
		if cancelRequested {
			return payroll.ErrRunCancelled
		}

		t.Status = TxPending
		t.ReservationHeld = true
		_, err = tx.Exec(ctx, `
    INSERT INTO payment_transactions (`+txColumns+`)
    VALUES ($1,$2,$3,$4,$5,'',$6,$7,$8,$9,$10,$11,$12,$13,$14,0,$15,0,0,'',false,true,$16,NULL,NULL)
  `, t.ID, t.PayrollItemID, t.RunID, t.EmployeeID, t.TreasuryAccountID, t.FromAddress, t.ToAddress, t.Amount,
			t.Currency, t.OriginalAmount, t.OriginalCurrency, t.FXRate, t.Network, t.Status, t.GasFee, t.InitiatedAt)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrTransactionExists
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE treasury_accounts SET reserved = reserved + $2 WHERE id = $1`,
			t.TreasuryAccountID, t.Amount); err != nil {
			return err
		}
		if err := setItemStatus(ctx, tx, t.PayrollItemID, payroll.SettlementInFlight, ""); err != nil {
			return err
		}
		return audit.Insert(ctx, tx, entry)
	})
	if errors.Is(err, ErrTransactionExists) && existing.ID == "" {
		existing, _ = s.LatestForItem(ctx, t.PayrollItemID)
	}
	if err != nil {
		return existing, err
	}
	return s.GetTransaction(ctx, t.ID)
}

func setItemStatus(ctx context.Context, tx pgx.Tx, itemID string, status payroll.SettlementStatus, reason string) error {
	tag, err := tx.Exec(ctx, `UPDATE payroll_items SET settlement_status = $2, settlement_error = $3 WHERE id = $1`,
		itemID, status, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return payroll.ErrItemNotFound
	}
	return nil
}

// mutateTx locks the transaction row and hands it to mutate inside the
// database transaction.
func (s *Store) mutateTx(ctx context.Context, id string, mutate func(tx pgx.Tx, t *Transaction) error) (Transaction, error) {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		t, err := scanTx(tx.QueryRow(ctx, `SELECT `+txColumns+` FROM payment_transactions WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		return mutate(tx, &t)
	})
	if err != nil {
		return Transaction{}, err
	}
	return s.GetTransaction(ctx, id)
}

func (s *Store) RecordAttempt(ctx context.Context, id string, attempts int, reason string, entry audit.Entry) error {
	_, err := s.mutateTx(ctx, id, func(tx pgx.Tx, _ *Transaction) error {
		if _, err := tx.Exec(ctx, `UPDATE payment_transactions SET attempts = $2, failure_reason = $3 WHERE id = $1`,
			id, attempts, reason); err != nil {
			return err
		}
		return audit.Insert(ctx, tx, entry)
	})
	return err
}

func (s *Store) MarkSubmitted(ctx context.Context, id, hash string, attempts int, at time.Time, entry audit.Entry) (Transaction, error) {
	return s.mutateTx(ctx, id, func(tx pgx.Tx, t *Transaction) error {
		if !t.Status.CanTransition(TxSubmitted) {
			return ErrInvalidStatusTransition
		}
		if _, err := tx.Exec(ctx, `
    UPDATE payment_transactions
    SET status = $2, transaction_hash = $3, attempts = $4, failure_reason = '', submitted_at = $5
    WHERE id = $1
  `, id, TxSubmitted, hash, attempts, at); err != nil {
			return err
		}
		return audit.Insert(ctx, tx, entry)
	})
}

func (s *Store) Confirm(ctx context.Context, id string, status ChainStatus, at time.Time, entries []audit.Entry) (Transaction, error) {
	return s.mutateTx(ctx, id, func(tx pgx.Tx, t *Transaction) error {
		if !t.Status.CanTransition(TxConfirmed) {
			return ErrInvalidStatusTransition
		}
		tag, err := tx.Exec(ctx, `
    UPDATE treasury_accounts
    SET balance = balance - $2, reserved = reserved - $2
    WHERE id = $1 AND balance >= $2 AND reserved >= $2
  `, t.TreasuryAccountID, t.Amount)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrInsufficientTreasuryBalance
		}
		if _, err := tx.Exec(ctx, `
    UPDATE payment_transactions
    SET status = $2, confirmed_at = $3, block_number = $4, gas_fee = $5, confirmation_count = $6,
        reservation_held = false
    WHERE id = $1
  `, id, TxConfirmed, at, status.BlockNumber, gasFee(status), status.Confirmations); err != nil {
			return err
		}
		if err := setItemStatus(ctx, tx, t.PayrollItemID, payroll.SettlementSettled, ""); err != nil {
			return err
		}
		for _, entry := range entries {
			if err := audit.Insert(ctx, tx, entry); err != nil {
				return err
			}
		}
		return nil
	})
}

func gasFee(status ChainStatus) decimal.Decimal {
	if status.GasFee.IsNegative() {
		return decimal.Zero
	}
	return status.GasFee
}

func (s *Store) Fail(ctx context.Context, id string, req FailRequest, entry audit.Entry) (Transaction, error) {
	return s.mutateTx(ctx, id, func(tx pgx.Tx, t *Transaction) error {
		if !t.Status.CanTransition(TxFailed) {
			return ErrInvalidStatusTransition
		}
		held := t.ReservationHeld
		if req.ReleaseReservation && held {
			if err := release(ctx, tx, *t); err != nil {
				return err
			}
			held = false
		}
		if _, err := tx.Exec(ctx, `
    UPDATE payment_transactions
    SET status = $2, failure_reason = $3, needs_remediation = $4, reservation_held = $5
    WHERE id = $1
  `, id, TxFailed, req.Reason, req.NeedsRemediation, held); err != nil {
			return err
		}
		if err := setItemStatus(ctx, tx, t.PayrollItemID, payroll.SettlementFailed, req.Reason); err != nil {
			return err
		}
		return audit.Insert(ctx, tx, entry)
	})
}

func release(ctx context.Context, tx pgx.Tx, t Transaction) error {
	_, err := tx.Exec(ctx, `UPDATE treasury_accounts SET reserved = reserved - $2 WHERE id = $1`, t.TreasuryAccountID, t.Amount)
	return err
}

func (s *Store) ReleaseReservation(ctx context.Context, id string, entry audit.Entry) (Transaction, error) {
	return s.mutateTx(ctx, id, func(tx pgx.Tx, t *Transaction) error {
		if !t.UnderInvestigation() {
			return ErrInvalidStatusTransition
		}
		if err := release(ctx, tx, *t); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE payment_transactions SET reservation_held = false WHERE id = $1`, id); err != nil {
			return err
		}
		return audit.Insert(ctx, tx, entry)
	})
}

func (s *Store) MarkItem(ctx context.Context, itemID string, status payroll.SettlementStatus, reason string, entry audit.Entry) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if err := setItemStatus(ctx, tx, itemID, status, reason); err != nil {
			return err
		}
		return audit.Insert(ctx, tx, entry)
	})
}

func (s *Store) CreateAccount(ctx context.Context, a Account, entry audit.Entry) (Account, error) {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
    INSERT INTO treasury_accounts (id, name, address, currency, network, account_type, opening_balance, balance, reserved, created_at)
    VALUES ($1,$2,$3,$4,$5,$6,$7,$7,0,$8)
  `, a.ID, a.Name, a.Address, a.Currency, a.Network, a.AccountType, a.Balance, a.CreatedAt); err != nil {
			return err
		}
		return audit.Insert(ctx, tx, entry)
	})
	if err != nil {
		return Account{}, err
	}
	return s.GetAccount(ctx, a.ID)
}

func (s *Store) GetAccount(ctx context.Context, id string) (Account, error) {
	return scanAccount(s.DB.QueryRow(ctx, `SELECT `+accountColumns+` FROM treasury_accounts WHERE id = $1`, id))
}

func (s *Store) OperationalAccount(ctx context.Context, network, currency string) (Account, error) {
	a, err := scanAccount(s.DB.QueryRow(ctx, `
    SELECT `+accountColumns+`
    FROM treasury_accounts
    WHERE account_type = $1 AND lower(network) = lower($2) AND upper(currency) = upper($3)
    ORDER BY created_at
    LIMIT 1
  `, AccountOperational, network, currency))
	if errors.Is(err, ErrAccountNotFound) {
		return Account{}, ErrNoTreasuryAccount
	}
	return a, err
}

func (s *Store) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+accountColumns+` FROM treasury_accounts ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *Store) Fund(ctx context.Context, id string, amount decimal.Decimal, entry audit.Entry) (Account, error) {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
    UPDATE treasury_accounts
    SET balance = balance + $2, opening_balance = opening_balance + $2
    WHERE id = $1
  `, id, amount)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrAccountNotFound
		}
		return audit.Insert(ctx, tx, entry)
	})
	if err != nil {
		return Account{}, err
	}
	return s.GetAccount(ctx, id)
}

func (s *Store) Ledger(ctx context.Context, accountID string) (Ledger, error) {
	var ledger Ledger
	err := s.DB.QueryRow(ctx, `
    SELECT a.opening_balance,
           COALESCE((SELECT SUM(t.amount) FROM payment_transactions t
                     WHERE t.treasury_account_id = a.id AND t.status = 'confirmed'), 0)
    FROM treasury_accounts a
    WHERE a.id = $1
  `, accountID).Scan(&ledger.Opening, &ledger.Confirmed)
	if errors.Is(err, pgx.ErrNoRows) {
		return Ledger{}, ErrAccountNotFound
	}
	return ledger, err
}

func (s *Store) MarkReconciled(ctx context.Context, accountID string, at time.Time, entry audit.Entry) (Account, error) {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE treasury_accounts SET last_reconciled = $2 WHERE id = $1`, accountID, at)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrAccountNotFound
		}
		return audit.Insert(ctx, tx, entry)
	})
	if err != nil {
		return Account{}, err
	}
	return s.GetAccount(ctx, accountID)
}
