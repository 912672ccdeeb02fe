package payroll

import (
	"github.com/shopspring/decimal"

	"payrail/internal/domain/money"
	"payrail/internal/domain/rates"
)

// Compute derives one employee's pay for period from the configuration active
// at period.End. Every figure is rounded once to the currency minor unit so the
// identities on Item hold exactly.
func Compute(employee Employee, cfg rates.Configuration, period Period, input Input) (Item, error) {
	if cfg.EmployeeID != employee.ID || !cfg.Contains(period.End) {
		return Item{}, &CalculationError{EmployeeID: employee.ID, Err: ErrNoActiveRateConfig}
	}
	if !rates.IsFraction(cfg.TaxRate) || !rates.IsFraction(cfg.SocialSecurityRate) ||
		cfg.BaseSalary.IsNegative() || cfg.HealthInsurance.IsNegative() || cfg.RetirementContribution.IsNegative() {
		return Item{}, &CalculationError{EmployeeID: employee.ID, Err: ErrInvalidRate}
	}
	if input.Bonuses.IsNegative() || input.Benefits.IsNegative() || input.OtherDeductions.IsNegative() {
		return Item{}, &CalculationError{EmployeeID: employee.ID, Err: ErrInvalidInput}
	}

	currency := money.NormalizeCurrency(cfg.Currency)
	base := money.Round(cfg.BaseSalary, currency)
	bonuses := money.Round(input.Bonuses, currency)
	benefits := money.Round(input.Benefits, currency)
	health := money.Round(cfg.HealthInsurance, currency)
	retirement := money.Round(cfg.RetirementContribution, currency)
	other := money.Round(input.OtherDeductions, currency)

	gross := money.Sum(base, bonuses, benefits)
	tax := money.Mul(gross, cfg.TaxRate, currency)
	socialSecurity := money.Mul(gross, cfg.SocialSecurityRate, currency)
	totalDeductions := money.Sum(tax, socialSecurity, health, retirement, other)
	net := gross.Sub(totalDeductions)
	if net.LessThan(decimal.Zero) {
		return Item{}, &CalculationError{EmployeeID: employee.ID, Err: ErrNegativeNetPay}
	}

	return Item{
		EmployeeID:       employee.ID,
		RateConfigID:     cfg.ID,
		BaseSalary:       base,
		Bonuses:          bonuses,
		Benefits:         benefits,
		GrossPay:         gross,
		TaxDeduction:     tax,
		SocialSecurity:   socialSecurity,
		HealthInsurance:  health,
		Retirement:       retirement,
		OtherDeductions:  other,
		TotalDeductions:  totalDeductions,
		NetPay:           net,
		Currency:         currency,
		SettlementStatus: SettlementPending,
	}, nil
}
