package payroll

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"payrail/internal/domain/audit"
)

// MemoryRoster serves a fixed employee list.
type MemoryRoster struct {
	mu        sync.RWMutex
	employees map[string]Employee
}

func NewMemoryRoster(employees ...Employee) *MemoryRoster {
	r := &MemoryRoster{employees: map[string]Employee{}}
	for _, e := range employees {
		r.employees[e.ID] = e
	}
	return r
}

func (r *MemoryRoster) Put(employee Employee) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.employees[employee.ID] = employee
}

func (r *MemoryRoster) ActiveEmployees(_ context.Context) ([]Employee, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Employee
	for _, e := range r.employees {
		if e.Active() {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRoster) Employee(_ context.Context, employeeID string) (Employee, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.employees[employeeID]
	if !ok {
		return Employee{}, ErrEmployeeNotFound
	}
	return e, nil
}

// MemoryStore keeps runs and items in process. It also accepts item
// settlement updates from an in-memory settlement store.
type MemoryStore struct {
	mu     sync.Mutex
	log    *audit.MemoryLog
	runs   map[string]Run
	inputs map[string]map[string]Input
	items  map[string]Item
	order  []string
}

func NewMemoryStore(log *audit.MemoryLog) *MemoryStore {
	return &MemoryStore{
		log:    log,
		runs:   map[string]Run{},
		inputs: map[string]map[string]Input{},
		items:  map[string]Item{},
	}
}

func (m *MemoryStore) CreateRun(_ context.Context, run Run, entry audit.Entry) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.runs {
		if existing.RunID == run.RunID {
			return Run{}, ErrRunIDTaken
		}
	}
	if err := m.log.Append(entry); err != nil {
		return Run{}, err
	}
	m.runs[run.ID] = run
	m.order = append(m.order, run.ID)
	return run, nil
}

func (m *MemoryStore) GetRun(_ context.Context, id string) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runLocked(id)
}

func (m *MemoryStore) runLocked(id string) (Run, error) {
	run, ok := m.runs[id]
	if !ok {
		return Run{}, ErrRunNotFound
	}
	run.HasExceptions = HasExceptions(m.itemsLocked(id))
	return run, nil
}

func (m *MemoryStore) ListRuns(_ context.Context, limit, offset int) ([]Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Run
	for i := len(m.order) - 1; i >= 0; i-- {
		run, _ := m.runLocked(m.order[i])
		out = append(out, run)
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListRunIDsByStatus(_ context.Context, status RunStatus) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, id := range m.order {
		if m.runs[id].Status == status {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *MemoryStore) mutateRun(id string, entries []audit.Entry, mutate func(*Run) error) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return Run{}, ErrRunNotFound
	}
	if err := mutate(&run); err != nil {
		return Run{}, err
	}
	if err := m.log.Append(entries...); err != nil {
		return Run{}, err
	}
	run.UpdatedAt = time.Now().UTC()
	m.runs[id] = run
	return m.runLocked(id)
}

func (m *MemoryStore) UpdateDraft(_ context.Context, id string, period Period, paymentDate time.Time, entry audit.Entry) (Run, error) {
	return m.mutateRun(id, []audit.Entry{entry}, func(run *Run) error {
		if run.Status != RunStatusDraft {
			return ErrNotDraft
		}
		run.Period = period
		run.PaymentDate = paymentDate
		return nil
	})
}

func (m *MemoryStore) Approve(_ context.Context, id, approver string, entry audit.Entry) (Run, error) {
	return m.mutateRun(id, []audit.Entry{entry}, func(run *Run) error {
		if run.Status != RunStatusDraft {
			return ErrNotDraft
		}
		run.ApprovedBy = approver
		return nil
	})
}

func (m *MemoryStore) SetInput(_ context.Context, input Input, entry audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[input.RunID]
	if !ok {
		return ErrRunNotFound
	}
	if run.Status != RunStatusDraft {
		return ErrNotDraft
	}
	if err := m.log.Append(entry); err != nil {
		return err
	}
	if m.inputs[input.RunID] == nil {
		m.inputs[input.RunID] = map[string]Input{}
	}
	m.inputs[input.RunID][input.EmployeeID] = input
	return nil
}

func (m *MemoryStore) ListInputs(_ context.Context, runID string) ([]Input, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Input
	for _, input := range m.inputs[runID] {
		out = append(out, input)
	}
	return out, nil
}

func (m *MemoryStore) StartProcessing(_ context.Context, id string, at time.Time, entry audit.Entry) (Run, error) {
	return m.mutateRun(id, []audit.Entry{entry}, func(run *Run) error {
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

func (m *MemoryStore) SaveItems(_ context.Context, runID string, items []Item, entries []audit.Entry) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return Run{}, ErrRunNotFound
	}
	if run.Status != RunStatusProcessing {
		return Run{}, ErrInvalidTransition
	}
	if err := m.log.Append(entries...); err != nil {
		return Run{}, err
	}
	existing := map[string]bool{}
	for _, item := range m.itemsLocked(runID) {
		existing[item.EmployeeID] = true
	}
	for _, item := range items {
		if existing[item.EmployeeID] {
			continue
		}
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		item.RunID = runID
		if item.CreatedAt.IsZero() {
			item.CreatedAt = time.Now().UTC()
		}
		m.items[item.ID] = item
		existing[item.EmployeeID] = true
	}
	totals := ComputeTotals(m.itemsLocked(runID))
	run.TotalGross, run.TotalDeductions, run.TotalNet = totals.Gross, totals.Deductions, totals.Net
	run.UpdatedAt = time.Now().UTC()
	m.runs[runID] = run
	return m.runLocked(runID)
}

func (m *MemoryStore) FailRun(_ context.Context, id, reason string, entry audit.Entry) (Run, error) {
	return m.mutateRun(id, []audit.Entry{entry}, func(run *Run) error {
		if !run.Status.CanTransition(RunStatusFailed) {
			return ErrInvalidTransition
		}
		run.Status = RunStatusFailed
		run.FailureReason = reason
		return nil
	})
}

func (m *MemoryStore) CompleteRun(_ context.Context, id string, at time.Time, entry audit.Entry) (Run, error) {
	return m.mutateRun(id, []audit.Entry{entry}, func(run *Run) error {
		if !run.Status.CanTransition(RunStatusCompleted) {
			return ErrInvalidTransition
		}
		run.Status = RunStatusCompleted
		run.CompletedAt = &at
		return nil
	})
}

func (m *MemoryStore) Cancel(_ context.Context, id string, entry audit.Entry) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return Run{}, ErrRunNotFound
	}
	items := m.itemsLocked(id)
	outcome, err := cancelOutcome(run, items)
	if err != nil {
		return Run{}, err
	}
	entry.Action = outcome
	if err := m.log.Append(entry); err != nil {
		return Run{}, err
	}
	run.CancelRequested = true
	if outcome == audit.ActionCancelled {
		run.Status = RunStatusFailed
		run.FailureReason = CancelReason
		for _, item := range items {
			if item.SettlementStatus == SettlementPending {
				item.SettlementStatus = SettlementCancelled
				m.items[item.ID] = item
			}
		}
	}
	run.UpdatedAt = time.Now().UTC()
	m.runs[id] = run
	return m.runLocked(id)
}

// cancelOutcome decides between stopping the run outright and only halting
// further scheduling because money is already in flight.
func cancelOutcome(run Run, items []Item) (string, error) {
	switch run.Status {
	case RunStatusDraft:
		return audit.ActionCancelled, nil
	case RunStatusProcessing:
		for _, item := range items {
			if item.SettlementStatus.Submitted() {
				return audit.ActionCancelRequested, nil
			}
		}
		return audit.ActionCancelled, nil
	default:
		return "", ErrCancelNotAllowed
	}
}

func (m *MemoryStore) CancelRequested(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return false, ErrRunNotFound
	}
	return run.CancelRequested, nil
}

func (m *MemoryStore) CancelItem(_ context.Context, itemID string, entry audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[itemID]
	if !ok {
		return ErrItemNotFound
	}
	if item.SettlementStatus != SettlementPending {
		return nil
	}
	if err := m.log.Append(entry); err != nil {
		return err
	}
	item.SettlementStatus = SettlementCancelled
	m.items[itemID] = item
	return nil
}

func (m *MemoryStore) ListItems(_ context.Context, runID string) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.itemsLocked(runID), nil
}

func (m *MemoryStore) itemsLocked(runID string) []Item {
	var out []Item
	for _, item := range m.items {
		if item.RunID == runID {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EmployeeID < out[j].EmployeeID })
	return out
}

func (m *MemoryStore) GetItem(_ context.Context, itemID string) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[itemID]
	if !ok {
		return Item{}, ErrItemNotFound
	}
	return item, nil
}

// BeginSettlement marks an item in flight unless its run has a pending
// cancellation. Settlement stores call it while reserving treasury funds.
func (m *MemoryStore) BeginSettlement(_ context.Context, runID, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	if run.CancelRequested {
		return ErrRunCancelled
	}
	item, ok := m.items[itemID]
	if !ok {
		return ErrItemNotFound
	}
	item.SettlementStatus = SettlementInFlight
	item.SettlementError = ""
	m.items[itemID] = item
	return nil
}

func (m *MemoryStore) SetItemSettlement(_ context.Context, itemID string, status SettlementStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[itemID]
	if !ok {
		return ErrItemNotFound
	}
	item.SettlementStatus = status
	item.SettlementError = reason
	m.items[itemID] = item
	return nil
}
