package payroll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"payrail/internal/domain/audit"
	"payrail/internal/domain/money"
	"payrail/internal/domain/rates"
)

const defaultConcurrency = 4

type Config struct {
	// Concurrency bounds how many items of one run settle at the same time.
	Concurrency int
}

type NewRun struct {
	RunID       string    `json:"runId"`
	Period      Period    `json:"period"`
	PaymentDate time.Time `json:"paymentDate"`
	Currency    string    `json:"currency"`
	CreatedBy   string    `json:"createdBy"`
}

// Service drives payroll runs from draft through settlement hand-off.
type Service struct {
	store   StoreAPI
	roster  Roster
	rates   rates.Provider
	settler Settler
	cfg     Config
	now     func() time.Time
}

func NewService(store StoreAPI, roster Roster, rateProvider rates.Provider, settler Settler, cfg Config) *Service {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	return &Service{
		store:   store,
		roster:  roster,
		rates:   rateProvider,
		settler: settler,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) CreateRun(ctx context.Context, req NewRun) (Run, error) {
	if err := req.Period.Validate(); err != nil {
		return Run{}, err
	}
	if req.PaymentDate.IsZero() || len(strings.TrimSpace(req.Currency)) < 3 {
		return Run{}, ErrInvalidInput
	}
	now := s.now()
	run := Run{
		ID:          uuid.NewString(),
		RunID:       strings.TrimSpace(req.RunID),
		Period:      req.Period,
		PaymentDate: req.PaymentDate,
		Status:      RunStatusDraft,
		Currency:    money.NormalizeCurrency(req.Currency),
		CreatedBy:   req.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if run.RunID == "" {
		run.RunID = fmt.Sprintf("PR-%s-%s", req.Period.Start.Format("2006-01"), run.ID[:8])
	}
	entry, err := audit.NewEntry(ctx, audit.EntityPayrollRun, run.ID, run.ID, audit.ActionCreated, map[string]any{
		"runId":       run.RunID,
		"periodStart": run.Period.Start,
		"periodEnd":   run.Period.End,
		"paymentDate": run.PaymentDate,
		"currency":    run.Currency,
	})
	if err != nil {
		return Run{}, err
	}
	return s.store.CreateRun(ctx, run, entry)
}

func (s *Service) GetRun(ctx context.Context, id string) (Run, error) {
	return s.store.GetRun(ctx, id)
}

func (s *Service) ListRuns(ctx context.Context, limit, offset int) ([]Run, error) {
	return s.store.ListRuns(ctx, limit, offset)
}

func (s *Service) ListItems(ctx context.Context, runID string) ([]Item, error) {
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return s.store.ListItems(ctx, runID)
}

func (s *Service) GetItem(ctx context.Context, itemID string) (Item, error) {
	return s.store.GetItem(ctx, itemID)
}

// Totals re-derives run totals from the persisted items.
func (s *Service) Totals(ctx context.Context, runID string) (Totals, error) {
	items, err := s.ListItems(ctx, runID)
	if err != nil {
		return Totals{}, err
	}
	return ComputeTotals(items), nil
}

func (s *Service) UpdateDraft(ctx context.Context, id string, period Period, paymentDate time.Time) (Run, error) {
	if err := period.Validate(); err != nil {
		return Run{}, err
	}
	if paymentDate.IsZero() {
		return Run{}, ErrInvalidInput
	}
	entry, err := audit.NewEntry(ctx, audit.EntityPayrollRun, id, id, audit.ActionUpdated, map[string]any{
		"periodStart": period.Start,
		"periodEnd":   period.End,
		"paymentDate": paymentDate,
	})
	if err != nil {
		return Run{}, err
	}
	return s.store.UpdateDraft(ctx, id, period, paymentDate, entry)
}

func (s *Service) SetInput(ctx context.Context, input Input) error {
	if err := input.Validate(); err != nil {
		return err
	}
	entry, err := audit.NewEntry(ctx, audit.EntityPayrollRun, input.RunID, input.RunID, audit.ActionInputSet, input)
	if err != nil {
		return err
	}
	return s.store.SetInput(ctx, input, entry)
}

// Approve records the approval gate decision made outside the engine.
func (s *Service) Approve(ctx context.Context, id, approver string) (Run, error) {
	approver = strings.TrimSpace(approver)
	if approver == "" {
		return Run{}, ErrApprovalRequired
	}
	entry, err := audit.NewEntry(ctx, audit.EntityPayrollRun, id, id, audit.ActionApproved, map[string]string{"approvedBy": approver})
	if err != nil {
		return Run{}, err
	}
	return s.store.Approve(ctx, id, approver, entry)
}

// Process moves an approved draft into processing, calculates every active
// employee and hands the items to settlement. It is safe to call again on a
// processing run: existing items are reused and settlement is idempotent.
func (s *Service) Process(ctx context.Context, id string) (Run, error) {
	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		return Run{}, err
	}

	switch run.Status {
	case RunStatusCompleted, RunStatusFailed:
		return run, nil
	case RunStatusDraft:
		if run.ApprovedBy == "" {
			return run, ErrApprovalRequired
		}
		entry, err := audit.NewEntry(ctx, audit.EntityPayrollRun, run.ID, run.ID, audit.ActionProcessingStarted, map[string]string{"approvedBy": run.ApprovedBy})
		if err != nil {
			return run, err
		}
		run, err = s.store.StartProcessing(ctx, run.ID, s.now(), entry)
		if err != nil {
			return run, err
		}
	case RunStatusProcessing:
		slog.Info("resuming payroll run", "runId", run.RunID)
	default:
		return run, ErrInvalidTransition
	}

	items, err := s.store.ListItems(ctx, run.ID)
	if err != nil {
		return run, err
	}
	if len(items) == 0 {
		run, items, err = s.calculate(ctx, run)
		if err != nil {
			return run, err
		}
		if len(items) == 0 {
			slog.Info("payroll run has no active employees", "runId", run.RunID)
			return s.complete(ctx, run, items)
		}
	}

	s.dispatch(ctx, run, items)
	return s.RefreshCompletion(ctx, run.ID)
}

func (s *Service) calculate(ctx context.Context, run Run) (Run, []Item, error) {
	employees, err := s.roster.ActiveEmployees(ctx)
	if err != nil {
		return run, nil, err
	}
	inputs, err := s.store.ListInputs(ctx, run.ID)
	if err != nil {
		return run, nil, err
	}
	byEmployee := make(map[string]Input, len(inputs))
	for _, input := range inputs {
		byEmployee[input.EmployeeID] = input
	}

	items := make([]Item, 0, len(employees))
	for _, employee := range employees {
		item, err := s.calculateOne(ctx, run, employee, byEmployee[employee.ID])
		if err != nil {
			var calcErr *CalculationError
			if !errors.As(err, &calcErr) {
				return run, nil, err
			}
			return s.failCalculation(ctx, run, calcErr)
		}
		items = append(items, item)
	}

	entries := make([]audit.Entry, 0, len(items)+1)
	for i := range items {
		items[i].ID = uuid.NewString()
		items[i].RunID = run.ID
		items[i].CreatedAt = s.now()
		entry, err := audit.NewEntry(ctx, audit.EntityPayrollItem, items[i].ID, run.ID, audit.ActionItemCalculated, map[string]any{
			"employeeId":   items[i].EmployeeID,
			"rateConfigId": items[i].RateConfigID,
			"grossPay":     items[i].GrossPay,
			"netPay":       items[i].NetPay,
		})
		if err != nil {
			return run, nil, err
		}
		entries = append(entries, entry)
	}
	totals := ComputeTotals(items)
	runEntry, err := audit.NewEntry(ctx, audit.EntityPayrollRun, run.ID, run.ID, audit.ActionItemsCalculated, totals)
	if err != nil {
		return run, nil, err
	}
	entries = append(entries, runEntry)

	run, err = s.store.SaveItems(ctx, run.ID, items, entries)
	if err != nil {
		return run, nil, err
	}
	saved, err := s.store.ListItems(ctx, run.ID)
	if err != nil {
		return run, nil, err
	}
	slog.Info("payroll items calculated", "runId", run.RunID, "items", len(saved), "totalNet", run.TotalNet.String())
	return run, saved, nil
}

func (s *Service) calculateOne(ctx context.Context, run Run, employee Employee, input Input) (Item, error) {
	cfg, err := s.rates.ActiveConfig(ctx, employee.ID, run.Period.End)
	if errors.Is(err, rates.ErrNotFound) {
		return Item{}, &CalculationError{EmployeeID: employee.ID, Err: ErrNoActiveRateConfig}
	}
	if err != nil {
		return Item{}, err
	}
	if money.NormalizeCurrency(cfg.Currency) != run.Currency {
		return Item{}, &CalculationError{EmployeeID: employee.ID, Err: ErrCurrencyMismatch}
	}
	return Compute(employee, cfg, run.Period, input)
}

func (s *Service) failCalculation(ctx context.Context, run Run, calcErr *CalculationError) (Run, []Item, error) {
	entry, err := audit.NewEntry(ctx, audit.EntityPayrollRun, run.ID, run.ID, audit.ActionFailed, map[string]string{
		"employeeId": calcErr.EmployeeID,
		"error":      calcErr.Err.Error(),
	})
	if err != nil {
		return run, nil, err
	}
	failed, err := s.store.FailRun(ctx, run.ID, calcErr.Error(), entry)
	if err != nil {
		return run, nil, err
	}
	slog.Warn("payroll run failed calculation", "runId", run.RunID, "employeeId", calcErr.EmployeeID, "err", calcErr.Err)
	return failed, nil, calcErr
}

// dispatch settles pending items through a bounded pool. In-flight items are
// handed over again so a transfer reserved before a crash gets submitted; the
// settler returns their existing transaction otherwise. Per-item failures are
// recorded on the item and never stop siblings.
func (s *Service) dispatch(ctx context.Context, run Run, items []Item) {
	if s.settler == nil {
		return
	}
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for _, item := range items {
		if item.SettlementStatus != SettlementPending && item.SettlementStatus != SettlementInFlight {
			continue
		}
		g.Go(func() error {
			cancelled, err := s.store.CancelRequested(ctx, run.ID)
			if err != nil {
				slog.Warn("cancel check failed", "runId", run.RunID, "itemId", item.ID, "err", err)
				return nil
			}
			if cancelled && item.SettlementStatus == SettlementPending {
				s.cancelItem(ctx, run, item)
				return nil
			}
			if err := s.settler.SettleItem(ctx, item); err != nil {
				slog.Warn("item settlement not completed", "runId", run.RunID, "itemId", item.ID, "employeeId", item.EmployeeID, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) cancelItem(ctx context.Context, run Run, item Item) {
	entry, err := audit.NewEntry(ctx, audit.EntityPayrollItem, item.ID, run.ID, audit.ActionCancelled, nil)
	if err == nil {
		err = s.store.CancelItem(ctx, item.ID, entry)
	}
	if err != nil {
		slog.Warn("item cancel failed", "runId", run.RunID, "itemId", item.ID, "err", err)
	}
}

// RefreshCompletion completes a processing run once every item has reached a
// terminal settlement state. Failed or unsettled items leave the run
// completed with exceptions.
func (s *Service) RefreshCompletion(ctx context.Context, id string) (Run, error) {
	run, err := s.store.GetRun(ctx, id)
	if err != nil || run.Status != RunStatusProcessing {
		return run, err
	}
	items, err := s.store.ListItems(ctx, id)
	if err != nil {
		return run, err
	}
	// No items means calculation has not happened yet; Process completes
	// runs that calculated to nothing.
	if len(items) == 0 || !AllTerminal(items) {
		return run, nil
	}
	return s.complete(ctx, run, items)
}

func (s *Service) complete(ctx context.Context, run Run, items []Item) (Run, error) {
	entry, err := audit.NewEntry(ctx, audit.EntityPayrollRun, run.ID, run.ID, audit.ActionCompleted, map[string]any{
		"hasExceptions": HasExceptions(items),
		"items":         len(items),
	})
	if err != nil {
		return run, err
	}
	completed, err := s.store.CompleteRun(ctx, run.ID, s.now(), entry)
	if errors.Is(err, ErrInvalidTransition) {
		return s.store.GetRun(ctx, run.ID)
	}
	if err != nil {
		return run, err
	}
	slog.Info("payroll run completed", "runId", completed.RunID, "hasExceptions", completed.HasExceptions)
	return completed, nil
}

// RefreshProcessingRuns sweeps every processing run for completion.
func (s *Service) RefreshProcessingRuns(ctx context.Context) (int, error) {
	ids, err := s.store.ListRunIDsByStatus(ctx, RunStatusProcessing)
	if err != nil {
		return 0, err
	}
	completed := 0
	for _, id := range ids {
		run, err := s.RefreshCompletion(ctx, id)
		if err != nil {
			slog.Warn("run completion refresh failed", "runId", id, "err", err)
			continue
		}
		if run.Status == RunStatusCompleted {
			completed++
		}
	}
	return completed, nil
}

// Cancel stops a run. Drafts and runs with nothing submitted fail as
// cancelled; once a transfer is in flight only further scheduling stops.
func (s *Service) Cancel(ctx context.Context, id string) (Run, error) {
	entry, err := audit.NewEntry(ctx, audit.EntityPayrollRun, id, id, audit.ActionCancelled, nil)
	if err != nil {
		return Run{}, err
	}
	run, err := s.store.Cancel(ctx, id, entry)
	if err != nil {
		return run, err
	}
	if run.Status == RunStatusProcessing {
		return s.RefreshCompletion(ctx, id)
	}
	return run, nil
}
