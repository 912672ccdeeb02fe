package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"payrail/internal/requestctx"
)

const (
	EntityPayrollRun         = "payroll_run"
	EntityPayrollItem        = "payroll_item"
	EntityPaymentTransaction = "payment_transaction"
	EntityTreasuryAccount    = "treasury_account"
	EntityReceipt            = "iso20022_receipt"
	EntityRateConfiguration  = "rate_configuration"
)

const (
	ActionCreated              = "created"
	ActionUpdated              = "updated"
	ActionInputSet             = "input_set"
	ActionApproved             = "approved"
	ActionProcessingStarted    = "processing_started"
	ActionItemsCalculated      = "items_calculated"
	ActionItemCalculated       = "calculated"
	ActionCompleted            = "completed"
	ActionFailed               = "failed"
	ActionCancelled            = "cancelled"
	ActionCancelRequested      = "cancel_requested"
	ActionReserved             = "reserved"
	ActionSubmitted            = "submitted"
	ActionSubmissionFailed     = "submission_failed"
	ActionConfirmed            = "confirmed"
	ActionDebited              = "debited"
	ActionSettlementFailed     = "settlement_failed"
	ActionUnsettled            = "unsettled"
	ActionIssued               = "issued"
	ActionVerified             = "verified"
	ActionVerificationFailed   = "verification_failed"
	ActionArchived             = "archived"
	ActionReconciled           = "reconciled"
	ActionReconciliationFailed = "reconciliation_failed"
	ActionReleased             = "reservation_released"
	ActionFunded               = "funded"
	ActionSettled              = "settled"
)

var ErrUnavailable = errors.New("audit log unavailable")

type Entry struct {
	ID         string          `json:"id"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	RunID      string          `json:"runId,omitempty"`
	Action     string          `json:"action"`
	ActorID    string          `json:"actorId,omitempty"`
	ActorRole  string          `json:"actorRole"`
	RequestID  string          `json:"requestId,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

type Filter struct {
	EntityType string
	EntityID   string
	RunID      string
	Action     string
	Limit      int
	Offset     int
}

// Recorder is the append-only log consumed by the engine's stores and the
// reporting API.
type Recorder interface {
	Record(ctx context.Context, entry Entry) error
	List(ctx context.Context, filter Filter) ([]Entry, error)
}

// NewEntry stamps an entry with the caller from ctx. details is marshalled to
// JSON; a marshal failure is returned so the transition can be aborted.
func NewEntry(ctx context.Context, entityType, entityID, runID, action string, details any) (Entry, error) {
	actor := requestctx.GetActor(ctx)
	entry := Entry{
		ID:         uuid.NewString(),
		EntityType: entityType,
		EntityID:   entityID,
		RunID:      runID,
		Action:     action,
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		RequestID:  requestctx.GetRequestID(ctx),
		CreatedAt:  time.Now().UTC(),
	}
	if details != nil {
		payload, err := json.Marshal(details)
		if err != nil {
			return Entry{}, fmt.Errorf("audit details: %w", err)
		}
		entry.Details = payload
	}
	return entry, nil
}

// Execer is satisfied by *pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Insert appends an entry through db. Stores call it inside the transaction
// that performs the state change, so both commit or neither does.
func Insert(ctx context.Context, db Execer, entry Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if len(entry.Details) == 0 {
		entry.Details = json.RawMessage(`{}`)
	}
	_, err := db.Exec(ctx, `
    INSERT INTO audit_log (id, entity_type, entity_id, run_id, action, actor_id, actor_role, request_id, details, created_at)
    VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
  `, entry.ID, entry.EntityType, entry.EntityID, nullIfEmpty(entry.RunID), entry.Action, nullIfEmpty(entry.ActorID),
		entry.ActorRole, nullIfEmpty(entry.RequestID), []byte(entry.Details), entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

type Service struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Service {
	return &Service{DB: db}
}

func (s *Service) Record(ctx context.Context, entry Entry) error {
	return Insert(ctx, s.DB, entry)
}

func (s *Service) Count(ctx context.Context, filter Filter) (int, error) {
	query, args := buildBaseQuery("SELECT COUNT(1)", filter)
	var total int
	if err := s.DB.QueryRow(ctx, query, args...).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Service) List(ctx context.Context, filter Filter) ([]Entry, error) {
	query, args := buildBaseQuery(`
    SELECT id, entity_type, entity_id, COALESCE(run_id, ''), action, COALESCE(actor_id, ''),
           actor_role, COALESCE(request_id, ''), details, created_at`, filter)
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var entry Entry
		var details []byte
		if err := rows.Scan(&entry.ID, &entry.EntityType, &entry.EntityID, &entry.RunID, &entry.Action, &entry.ActorID,
			&entry.ActorRole, &entry.RequestID, &details, &entry.CreatedAt); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			entry.Details = details
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func buildBaseQuery(prefix string, filter Filter) (string, []any) {
	query := prefix + " FROM audit_log WHERE 1=1"
	var args []any
	if filter.EntityType != "" {
		args = append(args, filter.EntityType)
		query += fmt.Sprintf(" AND entity_type = $%d", len(args))
	}
	if filter.EntityID != "" {
		args = append(args, filter.EntityID)
		query += fmt.Sprintf(" AND entity_id = $%d", len(args))
	}
	if filter.RunID != "" {
		args = append(args, filter.RunID)
		query += fmt.Sprintf(" AND run_id = $%d", len(args))
	}
	if filter.Action != "" {
		args = append(args, filter.Action)
		query += fmt.Sprintf(" AND action = $%d", len(args))
	}
	return query, args
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
