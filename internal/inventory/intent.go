package inventory

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/inventory/valuation"
)

// Intent is a decoded movement request. Implementations are the movement kinds this package
// defines; each carries only the fields it needs.
type Intent interface {
	Type() MovementType
	apply(m valuation.Model, s valuation.State) (valuation.Result, error)
	decorate(m valuation.Model, mv *Movement, res valuation.Result) *SalesTotals
}

// Provenance describes who caused a movement and on what document.
type Provenance struct {
	StaffID          uuid.UUID
	SourceDocumentID string
	Note             string
}

// Intake receives purchased stock.
type Intake struct {
	Quantity     decimal.Decimal
	Value        decimal.Decimal
	SupplierID   *uuid.UUID
	OrderDate    *time.Time
	DeliveryDate *time.Time
}

func (Intake) Type() MovementType { return MovementIntake }

func (i Intake) apply(m valuation.Model, s valuation.State) (valuation.Result, error) {
	return m.ApplyIncrease(s, i.Quantity, i.Value)
}

func (i Intake) decorate(_ valuation.Model, mv *Movement, _ valuation.Result) *SalesTotals {
	mv.SupplierID = i.SupplierID
	mv.OrderDate = i.OrderDate
	mv.DeliveryDate = i.DeliveryDate
	return nil
}

// Sale removes sold stock at the current average cost.
type Sale struct {
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
	OrderID   string
}

func (Sale) Type() MovementType { return MovementSale }

func (i Sale) apply(m valuation.Model, s valuation.State) (valuation.Result, error) {
	if i.UnitPrice.IsNegative() {
		return valuation.Result{}, ErrInvalidValue
	}
	return m.ApplyDecrease(s, i.Quantity)
}

func (i Sale) decorate(m valuation.Model, mv *Movement, res valuation.Result) *SalesTotals {
	if mv.SourceDocumentID == "" {
		mv.SourceDocumentID = i.OrderID
	}
	mv.Revenue = i.Quantity.Mul(i.UnitPrice).Round(m.Places)
	return &SalesTotals{
		SoldQuantity: i.Quantity,
		Revenue:      mv.Revenue,
		CostOfSales:  res.ValueDelta.Neg(),
	}
}

// Refund returns previously sold stock. Revenue is recorded negative on the movement.
type Refund struct {
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
	OrderID   string
}

func (Refund) Type() MovementType { return MovementRefund }

func (i Refund) apply(m valuation.Model, s valuation.State) (valuation.Result, error) {
	if i.UnitPrice.IsNegative() {
		return valuation.Result{}, ErrInvalidValue
	}
	return m.ApplyReturn(s, i.Quantity)
}

func (i Refund) decorate(m valuation.Model, mv *Movement, res valuation.Result) *SalesTotals {
	if mv.SourceDocumentID == "" {
		mv.SourceDocumentID = i.OrderID
	}
	refunded := i.Quantity.Mul(i.UnitPrice).Round(m.Places)
	mv.Revenue = refunded.Neg()
	return &SalesTotals{
		RefundedQuantity: i.Quantity,
		RefundedRevenue:  refunded,
		RefundedCost:     res.ValueDelta,
	}
}

// Modification sets an absolute quantity and value after a count.
type Modification struct {
	Quantity decimal.Decimal
	Value    decimal.Decimal
}

func (Modification) Type() MovementType { return MovementModification }

func (i Modification) apply(m valuation.Model, s valuation.State) (valuation.Result, error) {
	if i.Quantity.IsNegative() && !m.AllowNegative {
		return valuation.Result{}, ErrInvalidQuantity
	}
	return m.ApplyAdjustment(s, i.Quantity, i.Value)
}

func (Modification) decorate(valuation.Model, *Movement, valuation.Result) *SalesTotals {
	return nil
}

// Reversal puts back quantity and value taken by a failed transfer. It is recorded as a
// MODIFICATION referencing the transfer.
type Reversal struct {
	Quantity   decimal.Decimal
	Value      decimal.Decimal
	TransferID uuid.UUID
}

func (Reversal) Type() MovementType { return MovementModification }

func (i Reversal) apply(m valuation.Model, s valuation.State) (valuation.Result, error) {
	if !i.Quantity.IsPositive() {
		return valuation.Result{}, ErrInvalidQuantity
	}
	return m.ApplyAdjustment(s, s.Quantity.Add(i.Quantity), s.TotalValue.Add(i.Value))
}

func (i Reversal) decorate(_ valuation.Model, mv *Movement, _ valuation.Result) *SalesTotals {
	id := i.TransferID
	mv.TransferID = &id
	return nil
}

// TransferOut debits the source side of a transfer.
type TransferOut struct {
	Quantity    decimal.Decimal
	TransferID  uuid.UUID
	Destination HoldingRef
}

func (TransferOut) Type() MovementType { return MovementTransferOut }

func (i TransferOut) apply(m valuation.Model, s valuation.State) (valuation.Result, error) {
	return m.ApplyDecrease(s, i.Quantity)
}

func (i TransferOut) decorate(_ valuation.Model, mv *Movement, _ valuation.Result) *SalesTotals {
	id, dst := i.TransferID, i.Destination
	mv.TransferID = &id
	mv.CounterpartyHolding = &dst
	return nil
}

// TransferIn credits the destination side with the value removed at the source.
type TransferIn struct {
	Quantity   decimal.Decimal
	Value      decimal.Decimal
	TransferID uuid.UUID
	Source     HoldingRef
}

func (TransferIn) Type() MovementType { return MovementTransferIn }

func (i TransferIn) apply(m valuation.Model, s valuation.State) (valuation.Result, error) {
	return m.ApplyIncrease(s, i.Quantity, i.Value)
}

func (i TransferIn) decorate(_ valuation.Model, mv *Movement, _ valuation.Result) *SalesTotals {
	id, src := i.TransferID, i.Source
	mv.TransferID = &id
	mv.CounterpartyHolding = &src
	return nil
}
