package rates

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"payrail/internal/domain/audit"
)

type Store struct {
	DB *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{DB: db}
}

const configColumns = `id, employee_id, base_salary, currency, payment_frequency, tax_rate, social_security_rate,
           health_insurance, retirement_contribution, effective_from, effective_to, created_at`

func (s *Store) ActiveConfig(ctx context.Context, employeeID string, asOf time.Time) (Configuration, error) {
	row := s.DB.QueryRow(ctx, `
    SELECT `+configColumns+`
    FROM rate_configurations
    WHERE employee_id = $1 AND effective_from <= $2 AND (effective_to IS NULL OR effective_to > $2)
    ORDER BY effective_from DESC
    LIMIT 1
  `, employeeID, asOf)
	cfg, err := scanConfig(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Configuration{}, ErrNotFound
	}
	return cfg, err
}

func (s *Store) ListForEmployee(ctx context.Context, employeeID string) ([]Configuration, error) {
	rows, err := s.DB.Query(ctx, `
    SELECT `+configColumns+`
    FROM rate_configurations
    WHERE employee_id = $1
    ORDER BY effective_from
  `, employeeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Configuration
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// Create validates and inserts cfg. The employee's existing rows are locked so
// two concurrent inserts cannot both pass the overlap check.
func (s *Store) Create(ctx context.Context, cfg Configuration) (Configuration, error) {
	if err := cfg.Validate(); err != nil {
		return Configuration{}, err
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	cfg.CreatedAt = time.Now().UTC()

	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Configuration{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", cfg.EmployeeID); err != nil {
		return Configuration{}, err
	}
	rows, err := tx.Query(ctx, `
    SELECT `+configColumns+`
    FROM rate_configurations
    WHERE employee_id = $1
  `, cfg.EmployeeID)
	if err != nil {
		return Configuration{}, err
	}
	var existing []Configuration
	for rows.Next() {
		current, err := scanConfig(rows)
		if err != nil {
			rows.Close()
			return Configuration{}, err
		}
		existing = append(existing, current)
	}
	rows.Close()
	if err := CheckOverlap(existing, cfg); err != nil {
		return Configuration{}, err
	}

	if _, err := tx.Exec(ctx, `
    INSERT INTO rate_configurations (id, employee_id, base_salary, currency, payment_frequency, tax_rate, social_security_rate,
                                     health_insurance, retirement_contribution, effective_from, effective_to, created_at)
    VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
  `, cfg.ID, cfg.EmployeeID, cfg.BaseSalary, cfg.Currency, cfg.PaymentFrequency, cfg.TaxRate, cfg.SocialSecurityRate,
		cfg.HealthInsurance, cfg.RetirementContribution, cfg.EffectiveFrom, cfg.EffectiveTo, cfg.CreatedAt); err != nil {
		return Configuration{}, err
	}

	entry, err := audit.NewEntry(ctx, audit.EntityRateConfiguration, cfg.ID, "", audit.ActionCreated, cfg)
	if err != nil {
		return Configuration{}, err
	}
	if err := audit.Insert(ctx, tx, entry); err != nil {
		return Configuration{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Configuration{}, err
	}
	return cfg, nil
}

func scanConfig(row pgx.Row) (Configuration, error) {
	var cfg Configuration
	err := row.Scan(&cfg.ID, &cfg.EmployeeID, &cfg.BaseSalary, &cfg.Currency, &cfg.PaymentFrequency, &cfg.TaxRate,
		&cfg.SocialSecurityRate, &cfg.HealthInsurance, &cfg.RetirementContribution, &cfg.EffectiveFrom, &cfg.EffectiveTo,
		&cfg.CreatedAt)
	return cfg, err
}
