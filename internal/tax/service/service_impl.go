package service

import (
	"math"
	"strings"

	"github.com/smallbiznis/nestbill/internal/config"
	taxdomain "github.com/smallbiznis/nestbill/internal/tax/domain"
)

type calculator struct {
	rates map[string][]taxdomain.Rate
}

// NewCalculator snapshots the tax table from the current billing policy.
// Later policy reloads do not affect a built calculator.
func NewCalculator(holder *config.BillingConfigHolder) (taxdomain.Calculator, error) {
	return NewCalculatorFromTable(holder.Get().TaxJurisdictions)
}

func NewCalculatorFromTable(table []config.TaxJurisdiction) (taxdomain.Calculator, error) {
	rates := make(map[string][]taxdomain.Rate, len(table))
	for _, jurisdiction := range table {
		code := NormalizeCode(jurisdiction.Code)
		if code == "" {
			continue
		}
		components := make([]taxdomain.Rate, 0, len(jurisdiction.Components))
		for _, component := range jurisdiction.Components {
			if component.Rate < 0 || component.Rate >= 1 {
				return nil, taxdomain.ErrInvalidTaxRate
			}
			components = append(components, taxdomain.Rate{
				Label:   strings.TrimSpace(component.Label),
				RatePPM: int64(math.Round(component.Rate * float64(taxdomain.PPM))),
			})
		}
		rates[code] = components
	}
	return &calculator{rates: rates}, nil
}

func (c *calculator) Supports(jurisdiction string) bool {
	_, ok := c.rates[NormalizeCode(jurisdiction)]
	return ok
}

func (c *calculator) Calculate(jurisdiction string, subtotal int64) (taxdomain.Breakdown, error) {
	if subtotal < 0 {
		return taxdomain.Breakdown{}, taxdomain.ErrInvalidSubtotal
	}
	code := NormalizeCode(jurisdiction)
	rates, ok := c.rates[code]
	if !ok {
		return taxdomain.Breakdown{}, taxdomain.ErrUnsupportedJurisdiction
	}

	breakdown := taxdomain.Breakdown{
		Jurisdiction: code,
		Subtotal:     subtotal,
		Components:   make([]taxdomain.Component, 0, len(rates)),
	}
	for _, rate := range rates {
		amount := computeComponent(subtotal, rate.RatePPM)
		breakdown.Components = append(breakdown.Components, taxdomain.Component{
			Label:   rate.Label,
			RatePPM: rate.RatePPM,
			Amount:  amount,
		})
		breakdown.TaxTotal += amount
	}
	breakdown.Total = subtotal + breakdown.TaxTotal
	return breakdown, nil
}

// computeComponent rounds half-up to the cent. Inputs are non-negative.
func computeComponent(subtotal int64, ratePPM int64) int64 {
	if subtotal <= 0 || ratePPM <= 0 {
		return 0
	}
	return (subtotal*ratePPM + taxdomain.PPM/2) / taxdomain.PPM
}

func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
