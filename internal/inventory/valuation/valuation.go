// Package valuation implements weighted-average costing for stock variants.
package valuation

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// ErrInvalidQuantity indicates a non-positive quantity where a positive one is required.
var ErrInvalidQuantity = errors.New("inventory: quantity must be positive")

// ErrInvalidValue indicates a negative monetary value or value held without quantity.
var ErrInvalidValue = errors.New("inventory: value must be >= 0")

// ErrInsufficientStock triggered when a decrease exceeds the available quantity.
var ErrInsufficientStock = errors.New("inventory: insufficient stock")

// DefaultPlaces is used when no currency is configured.
const DefaultPlaces int32 = 2

// State is the quantity/value position of a stock variant.
type State struct {
	Quantity     decimal.Decimal `json:"quantity"`
	TotalValue   decimal.Decimal `json:"total_value"`
	AverageValue decimal.Decimal `json:"average_value"`
}

// Result carries the state after an operation and the deltas that produced it.
type Result struct {
	State         State
	QuantityDelta decimal.Decimal
	ValueDelta    decimal.Decimal
}

// Model applies costing rules. Places is the minor-unit precision totals are rounded to.
type Model struct {
	Places        int32
	AllowNegative bool
}

// NewModel builds a Model for the given precision and negative-stock policy.
func NewModel(places int32, allowNegative bool) Model {
	if places < 0 {
		places = DefaultPlaces
	}
	return Model{Places: places, AllowNegative: allowNegative}
}

// MinorUnits resolves the standard minor-unit precision of an ISO 4217 code.
func MinorUnits(code string) (int32, error) {
	if code == "" {
		return DefaultPlaces, nil
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return 0, fmt.Errorf("valuation: currency %q: %w", code, err)
	}
	scale, _ := currency.Standard.Rounding(unit)
	return int32(scale), nil
}

// ApplyIncrease blends an inbound quantity and its cost into the running average.
func (m Model) ApplyIncrease(s State, qty, value decimal.Decimal) (Result, error) {
	if !qty.IsPositive() {
		return Result{}, ErrInvalidQuantity
	}
	if value.IsNegative() {
		return Result{}, ErrInvalidValue
	}
	next := State{
		Quantity:   s.Quantity.Add(qty),
		TotalValue: s.TotalValue.Add(value).Round(m.Places),
	}
	if next.Quantity.IsPositive() {
		next.AverageValue = next.TotalValue.Div(next.Quantity)
	} else {
		// still below zero after the intake; remember the incoming unit cost
		next.AverageValue = value.Div(qty)
	}
	return m.result(s, next), nil
}

// ApplyDecrease removes qty at the current average cost. The average is carried forward.
func (m Model) ApplyDecrease(s State, qty decimal.Decimal) (Result, error) {
	if !qty.IsPositive() {
		return Result{}, ErrInvalidQuantity
	}
	if qty.GreaterThan(s.Quantity) && !m.AllowNegative {
		return Result{}, ErrInsufficientStock
	}
	removed := qty.Mul(s.AverageValue).Round(m.Places)
	if qty.Equal(s.Quantity) {
		removed = s.TotalValue
	}
	next := State{
		Quantity:     s.Quantity.Sub(qty),
		TotalValue:   s.TotalValue.Sub(removed),
		AverageValue: s.AverageValue,
	}
	return m.result(s, next), nil
}

// ApplyAdjustment sets an absolute quantity and value, as after a stock count. Value cannot be
// kept on the books without quantity on hand.
func (m Model) ApplyAdjustment(s State, newQty, newValue decimal.Decimal) (Result, error) {
	if newValue.IsNegative() {
		return Result{}, ErrInvalidValue
	}
	if !newQty.IsPositive() && newValue.IsPositive() {
		return Result{}, ErrInvalidValue
	}
	next := State{
		Quantity:     newQty,
		TotalValue:   newValue.Round(m.Places),
		AverageValue: s.AverageValue,
	}
	if next.Quantity.IsPositive() {
		next.AverageValue = next.TotalValue.Div(next.Quantity)
	}
	return m.result(s, next), nil
}

// ApplyReturn puts qty back into stock valued at the current average cost.
func (m Model) ApplyReturn(s State, qty decimal.Decimal) (Result, error) {
	if !qty.IsPositive() {
		return Result{}, ErrInvalidQuantity
	}
	value := qty.Mul(s.AverageValue).Round(m.Places)
	if value.IsNegative() {
		value = decimal.Zero
	}
	res, err := m.ApplyIncrease(s, qty, value)
	if err != nil {
		return Result{}, err
	}
	if s.Quantity.IsPositive() {
		res.State.AverageValue = s.AverageValue
	}
	return res, nil
}

func (m Model) result(prev, next State) Result {
	return Result{
		State:         next,
		QuantityDelta: next.Quantity.Sub(prev.Quantity),
		ValueDelta:    next.TotalValue.Sub(prev.TotalValue),
	}
}
