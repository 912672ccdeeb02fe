package rates

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	FrequencyWeekly      = "weekly"
	FrequencyBiweekly    = "biweekly"
	FrequencySemiMonthly = "semimonthly"
	FrequencyMonthly     = "monthly"
)

// Configuration is one employee's compensation and deduction setup over the
// half-open interval [EffectiveFrom, EffectiveTo). A nil EffectiveTo is
// open-ended.
type Configuration struct {
	ID                     string          `json:"id"`
	EmployeeID             string          `json:"employeeId"`
	BaseSalary             decimal.Decimal `json:"baseSalary"`
	Currency               string          `json:"currency"`
	PaymentFrequency       string          `json:"paymentFrequency"`
	TaxRate                decimal.Decimal `json:"taxRate"`
	SocialSecurityRate     decimal.Decimal `json:"socialSecurityRate"`
	HealthInsurance        decimal.Decimal `json:"healthInsurance"`
	RetirementContribution decimal.Decimal `json:"retirementContribution"`
	EffectiveFrom          time.Time       `json:"effectiveFrom"`
	EffectiveTo            *time.Time      `json:"effectiveTo,omitempty"`
	CreatedAt              time.Time       `json:"createdAt"`
}

func (c Configuration) Contains(at time.Time) bool {
	if at.Before(c.EffectiveFrom) {
		return false
	}
	return c.EffectiveTo == nil || at.Before(*c.EffectiveTo)
}

func (c Configuration) Overlaps(other Configuration) bool {
	// [a1,a2) and [b1,b2) overlap iff a1 < b2 && b1 < a2, with nil ends at +inf.
	if c.EffectiveTo != nil && !other.EffectiveFrom.Before(*c.EffectiveTo) {
		return false
	}
	if other.EffectiveTo != nil && !c.EffectiveFrom.Before(*other.EffectiveTo) {
		return false
	}
	return true
}
