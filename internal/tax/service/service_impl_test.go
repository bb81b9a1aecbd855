package service

import (
	"testing"

	"github.com/smallbiznis/nestbill/internal/config"
	taxdomain "github.com/smallbiznis/nestbill/internal/tax/domain"
	"github.com/stretchr/testify/require"
)

func newTestCalculator(t *testing.T) taxdomain.Calculator {
	t.Helper()
	calc, err := NewCalculatorFromTable(config.DefaultBillingConfig().TaxJurisdictions)
	require.NoError(t, err)
	return calc
}

func TestCalculateSingleComponent(t *testing.T) {
	calc := newTestCalculator(t)

	breakdown, err := calc.Calculate("ca-on", 999)
	require.NoError(t, err)
	require.Equal(t, "CA-ON", breakdown.Jurisdiction)
	require.Len(t, breakdown.Components, 1)
	require.Equal(t, "HST", breakdown.Components[0].Label)
	require.Equal(t, int64(130000), breakdown.Components[0].RatePPM)
	// 999 * 0.13 = 129.87
	require.Equal(t, int64(130), breakdown.Components[0].Amount)
	require.Equal(t, int64(1129), breakdown.Total)
}

func TestCalculateCompoundJurisdictionKeepsOrder(t *testing.T) {
	calc := newTestCalculator(t)

	breakdown, err := calc.Calculate(" CA-QC ", 9990)
	require.NoError(t, err)
	require.Len(t, breakdown.Components, 2)
	require.Equal(t, "GST", breakdown.Components[0].Label)
	require.Equal(t, "QST", breakdown.Components[1].Label)
	require.Equal(t, int64(500), breakdown.Components[0].Amount)
	// 9990 * 0.09975 = 996.5025
	require.Equal(t, int64(997), breakdown.Components[1].Amount)
	require.Equal(t, int64(1497), breakdown.TaxTotal)
	require.Equal(t, int64(11487), breakdown.Total)
}

func TestCalculateComponentsSumToTaxTotal(t *testing.T) {
	calc := newTestCalculator(t)

	for _, code := range []string{"CA-AB", "CA-BC", "CA-ON", "CA-QC", "CA-NS"} {
		for _, subtotal := range []int64{0, 1, 7, 99, 499, 999, 4990, 9990, 123457} {
			breakdown, err := calc.Calculate(code, subtotal)
			require.NoError(t, err)

			var sum int64
			for _, component := range breakdown.Components {
				sum += component.Amount
			}
			require.Equal(t, breakdown.Total-breakdown.Subtotal, sum, "%s %d", code, subtotal)
			require.Equal(t, breakdown.TaxTotal, sum)
		}
	}
}

func TestCalculateRoundsHalfUp(t *testing.T) {
	calc, err := NewCalculatorFromTable([]config.TaxJurisdiction{
		{Code: "CA-XX", Components: []config.TaxComponentRate{{Label: "T", Rate: 0.05}}},
	})
	require.NoError(t, err)

	// 10 * 0.05 = 0.5 -> 1
	breakdown, err := calc.Calculate("CA-XX", 10)
	require.NoError(t, err)
	require.Equal(t, int64(1), breakdown.TaxTotal)

	// 9 * 0.05 = 0.45 -> 0
	breakdown, err = calc.Calculate("CA-XX", 9)
	require.NoError(t, err)
	require.Equal(t, int64(0), breakdown.TaxTotal)
}

func TestCalculateErrors(t *testing.T) {
	calc := newTestCalculator(t)

	_, err := calc.Calculate("US-NY", 100)
	require.ErrorIs(t, err, taxdomain.ErrUnsupportedJurisdiction)

	_, err = calc.Calculate("CA-ON", -1)
	require.ErrorIs(t, err, taxdomain.ErrInvalidSubtotal)

	require.True(t, calc.Supports("ca-bc"))
	require.False(t, calc.Supports(""))
}

func TestCalculatorIgnoresTableChangesAfterConstruction(t *testing.T) {
	table := []config.TaxJurisdiction{
		{Code: "CA-ON", Components: []config.TaxComponentRate{{Label: "HST", Rate: 0.13}}},
	}
	calc, err := NewCalculatorFromTable(table)
	require.NoError(t, err)

	table[0].Components[0].Rate = 0.5
	table[0].Code = "CA-NB"

	breakdown, err := calc.Calculate("CA-ON", 1000)
	require.NoError(t, err)
	require.Equal(t, int64(130), breakdown.TaxTotal)
	require.False(t, calc.Supports("CA-NB"))
}

func TestNewCalculatorRejectsOutOfRangeRate(t *testing.T) {
	_, err := NewCalculatorFromTable([]config.TaxJurisdiction{
		{Code: "CA-ON", Components: []config.TaxComponentRate{{Label: "HST", Rate: 1.2}}},
	})
	require.ErrorIs(t, err, taxdomain.ErrInvalidTaxRate)
}
