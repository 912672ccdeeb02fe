package payroll

const (
	EmployeeStatusActive   = "active"
	EmployeeStatusInactive = "inactive"

	CancelReason = "cancelled"
)

type RunStatus string

const (
	RunStatusDraft      RunStatus = "draft"
	RunStatusProcessing RunStatus = "processing"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
)

var runTransitions = map[RunStatus][]RunStatus{
	RunStatusDraft:      {RunStatusProcessing, RunStatusFailed},
	RunStatusProcessing: {RunStatusCompleted, RunStatusFailed},
	RunStatusCompleted:  nil,
	RunStatusFailed:     nil,
}

func (s RunStatus) CanTransition(to RunStatus) bool {
	for _, allowed := range runTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// SettlementStatus tracks an item's payment outside its immutable pay figures.
type SettlementStatus string

const (
	SettlementPending   SettlementStatus = "pending"
	SettlementInFlight  SettlementStatus = "in_flight"
	SettlementSettled   SettlementStatus = "settled"
	SettlementFailed    SettlementStatus = "failed"
	SettlementUnsettled SettlementStatus = "unsettled"
	SettlementCancelled SettlementStatus = "cancelled"
)

// Terminal reports whether the run can stop waiting on the item. Unsettled
// items stay retryable after the run completes.
func (s SettlementStatus) Terminal() bool {
	switch s {
	case SettlementSettled, SettlementFailed, SettlementUnsettled, SettlementCancelled:
		return true
	}
	return false
}

func (s SettlementStatus) Exception() bool {
	return s == SettlementFailed || s == SettlementUnsettled || s == SettlementCancelled
}

// Submitted reports whether money may have left the treasury for the item.
func (s SettlementStatus) Submitted() bool {
	return s == SettlementInFlight || s == SettlementSettled || s == SettlementFailed
}
