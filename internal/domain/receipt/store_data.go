package receipt

import (
	"context"
	"encoding/json"
	"errors"
	"time"

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

const receiptColumns = `id, receipt_id, transaction_id, transaction_hash, proofrails_id, message_type, receipt_data,
           debtor_name, debtor_account, creditor_name, creditor_account, amount, currency, network, value_date,
           settlement_method, verification_status, verification_timestamp, failure_reason, archived, created_at`

func scanReceipt(row pgx.Row) (Receipt, error) {
	var r Receipt
	err := row.Scan(&r.ID, &r.ReceiptID, &r.TransactionID, &r.TransactionHash, &r.ProofrailsID, &r.MessageType,
		&r.ReceiptData, &r.DebtorName, &r.DebtorAccount, &r.CreditorName, &r.CreditorAccount, &r.Amount, &r.Currency,
		&r.Network, &r.ValueDate, &r.SettlementMethod, &r.VerificationStatus, &r.VerificationTimestamp,
		&r.FailureReason, &r.Archived, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Receipt{}, ErrNotFound
	}
	return r, err
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

func (s *Store) Create(ctx context.Context, r Receipt, entry audit.Entry) (Receipt, error) {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if err := insertReceipt(ctx, tx, r); err != nil {
			return err
		}
		return audit.Insert(ctx, tx, entry)
	})
	if err != nil {
		return Receipt{}, err
	}
	return s.Get(ctx, r.ID)
}

func (s *Store) Replace(ctx context.Context, failedID string, r Receipt, entries []audit.Entry) (Receipt, error) {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
    UPDATE iso20022_receipts SET archived = true
    WHERE id = $1 AND verification_status = $2 AND NOT archived
  `, failedID, StatusFailed)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrReceiptExists
		}
		if err := insertReceipt(ctx, tx, r); err != nil {
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
		return Receipt{}, err
	}
	return s.Get(ctx, r.ID)
}

func insertReceipt(ctx context.Context, tx pgx.Tx, r Receipt) error {
	_, err := tx.Exec(ctx, `
    INSERT INTO iso20022_receipts (`+receiptColumns+`)
    VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
  `, r.ID, r.ReceiptID, r.TransactionID, r.TransactionHash, r.ProofrailsID, r.MessageType, r.ReceiptData,
		r.DebtorName, r.DebtorAccount, r.CreditorName, r.CreditorAccount, r.Amount, r.Currency, r.Network,
		r.ValueDate, r.SettlementMethod, r.VerificationStatus, r.VerificationTimestamp, r.FailureReason, r.Archived,
		r.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrReceiptExists
	}
	return err
}

func (s *Store) Get(ctx context.Context, id string) (Receipt, error) {
	return scanReceipt(s.DB.QueryRow(ctx, `SELECT `+receiptColumns+` FROM iso20022_receipts WHERE id = $1`, id))
}

func (s *Store) Current(ctx context.Context, transactionID string) (Receipt, error) {
	return scanReceipt(s.DB.QueryRow(ctx, `
    SELECT `+receiptColumns+`
    FROM iso20022_receipts
    WHERE transaction_id = $1 AND NOT archived
  `, transactionID))
}

func (s *Store) list(ctx context.Context, where string, arg any) ([]Receipt, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+receiptColumns+` FROM iso20022_receipts WHERE `+where+` ORDER BY created_at`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) ListForTransaction(ctx context.Context, transactionID string) ([]Receipt, error) {
	return s.list(ctx, "transaction_id = $1", transactionID)
}

// Verified receipts are immutable: every update here is guarded on pending.
func (s *Store) MarkVerified(ctx context.Context, id, proofrailsID string, document json.RawMessage, at time.Time, entry audit.Entry) (Receipt, error) {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
    UPDATE iso20022_receipts
    SET verification_status = $2, proofrails_id = $3, receipt_data = $4, verification_timestamp = $5, failure_reason = ''
    WHERE id = $1 AND verification_status = $6
  `, id, StatusVerified, proofrailsID, document, at, StatusPending)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrInvalidVerificationState
		}
		return audit.Insert(ctx, tx, entry)
	})
	if err != nil {
		return Receipt{}, err
	}
	return s.Get(ctx, id)
}

func (s *Store) MarkFailed(ctx context.Context, id, reason string, at time.Time, entry audit.Entry) (Receipt, error) {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
    UPDATE iso20022_receipts
    SET verification_status = $2, verification_timestamp = $3, failure_reason = $4
    WHERE id = $1 AND verification_status = $5
  `, id, StatusFailed, at, reason, StatusPending)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrInvalidVerificationState
		}
		return audit.Insert(ctx, tx, entry)
	})
	if err != nil {
		return Receipt{}, err
	}
	return s.Get(ctx, id)
}
