package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"payrail/internal/requestctx"
)

func TestNewEntryStampsActorAndRequest(t *testing.T) {
	ctx := requestctx.WithActor(context.Background(), requestctx.Actor{ID: "user-7", Role: "payroll_admin"})
	ctx = requestctx.WithRequestID(ctx, "req-42")

	entry, err := NewEntry(ctx, EntityPayrollRun, "run-1", "run-1", ActionApproved, map[string]string{"approvedBy": "user-7"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.ActorID != "user-7" || entry.ActorRole != "payroll_admin" {
		t.Fatalf("unexpected actor on entry: %+v", entry)
	}
	if entry.RequestID != "req-42" {
		t.Fatalf("expected request id req-42, got %q", entry.RequestID)
	}
	var details map[string]string
	if err := json.Unmarshal(entry.Details, &details); err != nil {
		t.Fatalf("details not json: %v", err)
	}
	if details["approvedBy"] != "user-7" {
		t.Fatalf("unexpected details %v", details)
	}
}

func TestNewEntryRejectsUnmarshalableDetails(t *testing.T) {
	if _, err := NewEntry(context.Background(), EntityPayrollRun, "run-1", "", ActionCreated, map[string]any{"ch": make(chan int)}); err == nil {
		t.Fatal("expected marshal error")
	}
}

func TestMemoryLogFiltersAndFails(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	_ = log.Record(ctx, Entry{EntityType: EntityPayrollRun, EntityID: "r1", RunID: "r1", Action: ActionCreated})
	_ = log.Record(ctx, Entry{EntityType: EntityPayrollItem, EntityID: "i1", RunID: "r1", Action: ActionItemCalculated})
	_ = log.Record(ctx, Entry{EntityType: EntityPayrollRun, EntityID: "r2", RunID: "r2", Action: ActionCreated})

	byRun, _ := log.List(ctx, Filter{RunID: "r1"})
	if len(byRun) != 2 {
		t.Fatalf("expected 2 entries for r1, got %d", len(byRun))
	}
	runs, _ := log.List(ctx, Filter{EntityType: EntityPayrollRun})
	if len(runs) != 2 {
		t.Fatalf("expected 2 run entries, got %d", len(runs))
	}

	log.FailWith(ErrUnavailable)
	if err := log.Record(ctx, Entry{EntityType: EntityPayrollRun}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	all, _ := log.List(ctx, Filter{})
	if len(all) != 3 {
		t.Fatalf("failed append must not add entries, got %d", len(all))
	}
}

type captureExec struct {
	args []any
}

func (c *captureExec) Exec(_ context.Context, _ string, arguments ...any) (pgconn.CommandTag, error) {
	c.args = arguments
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func TestInsertWritesEmptyObjectForMissingDetails(t *testing.T) {
	db := &captureExec{}
	if err := Insert(context.Background(), db, Entry{EntityType: EntityPayrollItem, EntityID: "item-1", Action: ActionCancelled}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	details, ok := db.args[8].([]byte)
	if !ok || string(details) != "{}" {
		t.Fatalf("expected {} details, got %#v", db.args[8])
	}
	if id, _ := db.args[0].(string); id == "" {
		t.Fatalf("expected a generated id")
	}
}
