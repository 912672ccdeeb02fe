package rates

import (
	"strings"

	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

func IsFraction(value decimal.Decimal) bool {
	return !value.IsNegative() && value.LessThanOrEqual(one)
}

func (c Configuration) Validate() error {
	if strings.TrimSpace(c.EmployeeID) == "" {
		return invalid("employeeId", "is required")
	}
	if len(strings.TrimSpace(c.Currency)) < 3 {
		return invalid("currency", "must be a currency code")
	}
	switch c.PaymentFrequency {
	case FrequencyWeekly, FrequencyBiweekly, FrequencySemiMonthly, FrequencyMonthly:
	default:
		return invalid("paymentFrequency", "must be weekly, biweekly, semimonthly or monthly")
	}
	if c.BaseSalary.IsNegative() {
		return invalid("baseSalary", "must not be negative")
	}
	if !IsFraction(c.TaxRate) {
		return invalid("taxRate", "must be between 0 and 1")
	}
	if !IsFraction(c.SocialSecurityRate) {
		return invalid("socialSecurityRate", "must be between 0 and 1")
	}
	if c.HealthInsurance.IsNegative() {
		return invalid("healthInsurance", "must not be negative")
	}
	if c.RetirementContribution.IsNegative() {
		return invalid("retirementContribution", "must not be negative")
	}
	if c.EffectiveFrom.IsZero() {
		return invalid("effectiveFrom", "is required")
	}
	if c.EffectiveTo != nil && !c.EffectiveTo.After(c.EffectiveFrom) {
		return invalid("effectiveTo", "must be after effectiveFrom")
	}
	return nil
}

// CheckOverlap validates candidate against the employee's existing intervals.
func CheckOverlap(existing []Configuration, candidate Configuration) error {
	for _, cfg := range existing {
		if cfg.EmployeeID != candidate.EmployeeID || cfg.ID == candidate.ID {
			continue
		}
		if cfg.Overlaps(candidate) {
			return &ValidationError{
				Field:   "effectiveFrom",
				Message: "interval overlaps configuration " + cfg.ID,
				Err:     ErrOverlappingInterval,
			}
		}
	}
	return nil
}
