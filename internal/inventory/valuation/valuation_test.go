package valuation

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, d(want).Equal(got), "want %s, got %s", want, got.String())
}

func TestIntakeThenSale(t *testing.T) {
	m := NewModel(2, false)

	res, err := m.ApplyIncrease(State{}, d("10"), d("1000"))
	require.NoError(t, err)
	requireDecimal(t, "10", res.State.Quantity)
	requireDecimal(t, "1000", res.State.TotalValue)
	requireDecimal(t, "100", res.State.AverageValue)

	res, err = m.ApplyDecrease(res.State, d("4"))
	require.NoError(t, err)
	requireDecimal(t, "6", res.State.Quantity)
	requireDecimal(t, "600", res.State.TotalValue)
	requireDecimal(t, "100", res.State.AverageValue)
	requireDecimal(t, "-4", res.QuantityDelta)
	requireDecimal(t, "-400", res.ValueDelta)
}

func TestTwoIntakesBlendAverage(t *testing.T) {
	m := NewModel(2, false)

	res, err := m.ApplyIncrease(State{}, d("10"), d("1000"))
	require.NoError(t, err)
	res, err = m.ApplyIncrease(res.State, d("10"), d("2000"))
	require.NoError(t, err)

	requireDecimal(t, "20", res.State.Quantity)
	requireDecimal(t, "3000", res.State.TotalValue)
	requireDecimal(t, "150", res.State.AverageValue)
}

func TestIncreaseBlendsBetweenPriorAndIncomingCost(t *testing.T) {
	m := NewModel(2, false)
	cases := []struct {
		prev  State
		qty   string
		value string
	}{
		{State{Quantity: d("15"), TotalValue: d("1600000"), AverageValue: d("106666.6666666666666667")}, "7", "50000"},
		{State{Quantity: d("3"), TotalValue: d("10"), AverageValue: d("3.3333333333333333")}, "1000", "99999.99"},
		{State{Quantity: d("1"), TotalValue: d("0.01"), AverageValue: d("0.01")}, "2", "0"},
	}
	for _, tc := range cases {
		res, err := m.ApplyIncrease(tc.prev, d(tc.qty), d(tc.value))
		require.NoError(t, err)
		incoming := d(tc.value).Div(d(tc.qty))
		lo, hi := decimal.Min(tc.prev.AverageValue, incoming), decimal.Max(tc.prev.AverageValue, incoming)
		// totals are rounded to the minor unit, so allow that much slack per unit
		slack := d("0.01").Div(res.State.Quantity)
		require.True(t, res.State.AverageValue.GreaterThanOrEqual(lo.Sub(slack)), "avg %s below %s", res.State.AverageValue, lo)
		require.True(t, res.State.AverageValue.LessThanOrEqual(hi.Add(slack)), "avg %s above %s", res.State.AverageValue, hi)
	}
}

func TestDecreaseKeepsAverage(t *testing.T) {
	m := NewModel(2, false)
	state := State{Quantity: d("3"), TotalValue: d("10"), AverageValue: d("10").Div(d("3"))}

	res, err := m.ApplyDecrease(state, d("1"))
	require.NoError(t, err)
	require.True(t, state.AverageValue.Equal(res.State.AverageValue))
	requireDecimal(t, "6.67", res.State.TotalValue)

	res, err = m.ApplyDecrease(res.State, d("2"))
	require.NoError(t, err)
	requireDecimal(t, "0", res.State.Quantity)
	requireDecimal(t, "0", res.State.TotalValue)
	require.True(t, state.AverageValue.Equal(res.State.AverageValue), "average survives zero quantity")
}

func TestDecreaseInsufficientStock(t *testing.T) {
	m := NewModel(2, false)
	state := State{Quantity: d("20"), TotalValue: d("3000"), AverageValue: d("150")}

	_, err := m.ApplyDecrease(state, d("25"))
	require.ErrorIs(t, err, ErrInsufficientStock)

	_, err = m.ApplyDecrease(state, d("0"))
	require.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestDecreaseNegativeStockExtrapolatesAverage(t *testing.T) {
	m := NewModel(2, true)
	state := State{Quantity: d("20"), TotalValue: d("3000"), AverageValue: d("150")}

	res, err := m.ApplyDecrease(state, d("25"))
	require.NoError(t, err)
	requireDecimal(t, "-5", res.State.Quantity)
	requireDecimal(t, "-750", res.State.TotalValue)
	requireDecimal(t, "-3750", res.ValueDelta)

	res, err = m.ApplyIncrease(res.State, d("10"), d("1500"))
	require.NoError(t, err)
	requireDecimal(t, "5", res.State.Quantity)
	requireDecimal(t, "750", res.State.TotalValue)
	requireDecimal(t, "150", res.State.AverageValue)
}

func TestAdjustment(t *testing.T) {
	m := NewModel(2, false)
	state := State{Quantity: d("20"), TotalValue: d("3000"), AverageValue: d("150")}

	res, err := m.ApplyAdjustment(state, d("18"), d("2880"))
	require.NoError(t, err)
	requireDecimal(t, "-2", res.QuantityDelta)
	requireDecimal(t, "-120", res.ValueDelta)
	requireDecimal(t, "160", res.State.AverageValue)

	res, err = m.ApplyAdjustment(res.State, d("-3"), d("0"))
	require.NoError(t, err)
	requireDecimal(t, "-3", res.State.Quantity)
	requireDecimal(t, "160", res.State.AverageValue)

	_, err = m.ApplyAdjustment(state, d("1"), d("-1"))
	require.ErrorIs(t, err, ErrInvalidValue)

	// value without quantity would skew the next blended average
	_, err = m.ApplyAdjustment(state, d("0"), d("50"))
	require.ErrorIs(t, err, ErrInvalidValue)
	_, err = m.ApplyAdjustment(state, d("-1"), d("50"))
	require.ErrorIs(t, err, ErrInvalidValue)

	emptied, err := m.ApplyAdjustment(state, d("0"), d("0"))
	require.NoError(t, err)
	res, err = m.ApplyIncrease(emptied.State, d("4"), d("400"))
	require.NoError(t, err)
	requireDecimal(t, "100", res.State.AverageValue)
}

func TestReturnRestoresAtAverage(t *testing.T) {
	m := NewModel(2, false)
	state := State{Quantity: d("6"), TotalValue: d("600"), AverageValue: d("100")}

	res, err := m.ApplyReturn(state, d("2"))
	require.NoError(t, err)
	requireDecimal(t, "8", res.State.Quantity)
	requireDecimal(t, "800", res.State.TotalValue)
	requireDecimal(t, "100", res.State.AverageValue)
}

func TestIncreaseValidation(t *testing.T) {
	m := NewModel(2, false)
	_, err := m.ApplyIncrease(State{}, d("-1"), d("10"))
	require.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = m.ApplyIncrease(State{}, d("1"), d("-10"))
	require.ErrorIs(t, err, ErrInvalidValue)
}

func TestMinorUnits(t *testing.T) {
	places, err := MinorUnits("USD")
	require.NoError(t, err)
	require.EqualValues(t, 2, places)

	places, err = MinorUnits("JPY")
	require.NoError(t, err)
	require.EqualValues(t, 0, places)

	places, err = MinorUnits("")
	require.NoError(t, err)
	require.Equal(t, DefaultPlaces, places)

	_, err = MinorUnits("NOPE")
	require.Error(t, err)
}
