package payroll

import (
	"context"
	"time"

	"payrail/internal/domain/audit"
)

// Roster is the read-only view of HR's employee records.
type Roster interface {
	ActiveEmployees(ctx context.Context) ([]Employee, error)
	Employee(ctx context.Context, employeeID string) (Employee, error)
}

// Settler hands one item to settlement. Failures are recorded on the item by
// the settler; the returned error is informational.
type Settler interface {
	SettleItem(ctx context.Context, item Item) error
}

// StoreAPI persists runs and items. Every mutating call takes the audit entry
// describing it and must commit both together or neither.
type StoreAPI interface {
	CreateRun(ctx context.Context, run Run, entry audit.Entry) (Run, error)
	GetRun(ctx context.Context, id string) (Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]Run, error)
	ListRunIDsByStatus(ctx context.Context, status RunStatus) ([]string, error)
	UpdateDraft(ctx context.Context, id string, period Period, paymentDate time.Time, entry audit.Entry) (Run, error)
	Approve(ctx context.Context, id, approver string, entry audit.Entry) (Run, error)
	SetInput(ctx context.Context, input Input, entry audit.Entry) error
	ListInputs(ctx context.Context, runID string) ([]Input, error)
	StartProcessing(ctx context.Context, id string, at time.Time, entry audit.Entry) (Run, error)
	SaveItems(ctx context.Context, runID string, items []Item, entries []audit.Entry) (Run, error)
	FailRun(ctx context.Context, id, reason string, entry audit.Entry) (Run, error)
	CompleteRun(ctx context.Context, id string, at time.Time, entry audit.Entry) (Run, error)
	Cancel(ctx context.Context, id string, entry audit.Entry) (Run, error)
	CancelRequested(ctx context.Context, id string) (bool, error)
	CancelItem(ctx context.Context, itemID string, entry audit.Entry) error
	ListItems(ctx context.Context, runID string) ([]Item, error)
	GetItem(ctx context.Context, itemID string) (Item, error)
}
