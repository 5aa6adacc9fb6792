package inventory

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/inventory/valuation"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// HoldingKind tags the place a variant is counted at.
type HoldingKind string

const (
	// HoldingLocation is a business location (shop floor).
	HoldingLocation HoldingKind = "LOCATION"
	// HoldingWarehouse is a warehouse.
	HoldingWarehouse HoldingKind = "WAREHOUSE"
)

// HoldingRef identifies a location or a warehouse.
type HoldingRef struct {
	Kind HoldingKind `json:"kind"`
	ID   uuid.UUID   `json:"id"`
}

// Valid reports whether the reference is fully populated.
func (h HoldingRef) Valid() bool {
	return (h.Kind == HoldingLocation || h.Kind == HoldingWarehouse) && h.ID != uuid.Nil
}

func (h HoldingRef) String() string {
	return fmt.Sprintf("%s:%s", strings.ToLower(string(h.Kind)), h.ID)
}

// MovementType classifies a movement.
type MovementType string

const (
	// MovementIntake represents a purchase or stock intake.
	MovementIntake MovementType = "INTAKE"
	// MovementSale represents stock leaving through the POS.
	MovementSale MovementType = "SALE"
	// MovementRefund represents sold stock coming back.
	MovementRefund MovementType = "REFUND"
	// MovementModification represents an absolute correction or a compensation.
	MovementModification MovementType = "MODIFICATION"
	// MovementTransferOut is the debit side of a transfer.
	MovementTransferOut MovementType = "TRANSFER_OUT"
	// MovementTransferIn is the credit side of a transfer.
	MovementTransferIn MovementType = "TRANSFER_IN"
)

// StockVariant is the current state of one stock item at one holding.
type StockVariant struct {
	ID           uuid.UUID       `json:"id"`
	StockID      uuid.UUID       `json:"stock_id"`
	Holding      HoldingRef      `json:"holding"`
	Name         string          `json:"name"`
	Quantity     decimal.Decimal `json:"current_quantity"`
	TotalValue   decimal.Decimal `json:"current_total_value"`
	AverageValue decimal.Decimal `json:"current_average_value"`
	AlertLevel   decimal.Decimal `json:"alert_level"`
	Archived     bool            `json:"is_archived"`
	Version      int64           `json:"version"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// State returns the valuation position of the variant.
func (v StockVariant) State() valuation.State {
	return valuation.State{Quantity: v.Quantity, TotalValue: v.TotalValue, AverageValue: v.AverageValue}
}

func (v StockVariant) withState(s valuation.State, at time.Time) StockVariant {
	v.Quantity = s.Quantity
	v.TotalValue = s.TotalValue
	v.AverageValue = s.AverageValue
	v.Version++
	v.UpdatedAt = at
	return v
}

// Movement is an immutable record of one quantity/value change.
type Movement struct {
	ID                   uuid.UUID       `json:"id"`
	StockVariantID       uuid.UUID       `json:"stock_variant_id"`
	Version              int64           `json:"version"`
	Type                 MovementType    `json:"movement_type"`
	QuantityDelta        decimal.Decimal `json:"quantity_delta"`
	ValueDelta           decimal.Decimal `json:"value_delta"`
	PreviousQuantity     decimal.Decimal `json:"previous_quantity"`
	NewQuantity          decimal.Decimal `json:"new_quantity"`
	PreviousAverageValue decimal.Decimal `json:"previous_average_value"`
	NewAverageValue      decimal.Decimal `json:"new_average_value"`
	Revenue              decimal.Decimal `json:"revenue"`
	StaffID              uuid.UUID       `json:"staff_id"`
	SupplierID           *uuid.UUID      `json:"supplier_id,omitempty"`
	CounterpartyHolding  *HoldingRef     `json:"counterparty_holding,omitempty"`
	SourceDocumentID     string          `json:"source_document_id,omitempty"`
	TransferID           *uuid.UUID      `json:"transfer_id,omitempty"`
	Note                 string          `json:"note,omitempty"`
	OrderDate            *time.Time      `json:"order_date,omitempty"`
	DeliveryDate         *time.Time      `json:"delivery_date,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
}

// SalesTotals is the lifetime sale aggregate of a variant. The recorder also uses it as the
// delta folded in alongside a SALE or REFUND movement.
type SalesTotals struct {
	SoldQuantity     decimal.Decimal
	Revenue          decimal.Decimal
	CostOfSales      decimal.Decimal
	RefundedQuantity decimal.Decimal
	RefundedRevenue  decimal.Decimal
	RefundedCost     decimal.Decimal
}

// Add folds a delta into the totals.
func (t SalesTotals) Add(d SalesTotals) SalesTotals {
	return SalesTotals{
		SoldQuantity:     t.SoldQuantity.Add(d.SoldQuantity),
		Revenue:          t.Revenue.Add(d.Revenue),
		CostOfSales:      t.CostOfSales.Add(d.CostOfSales),
		RefundedQuantity: t.RefundedQuantity.Add(d.RefundedQuantity),
		RefundedRevenue:  t.RefundedRevenue.Add(d.RefundedRevenue),
		RefundedCost:     t.RefundedCost.Add(d.RefundedCost),
	}
}

// EstimatedProfit nets refunds out of sale revenue and cost.
func (t SalesTotals) EstimatedProfit() decimal.Decimal {
	revenue := t.Revenue.Sub(t.RefundedRevenue)
	cost := t.CostOfSales.Sub(t.RefundedCost)
	return revenue.Sub(cost)
}

// TransferStatus tracks saga progress.
type TransferStatus string

const (
	TransferPending                TransferStatus = "PENDING"
	TransferOutPosted              TransferStatus = "OUT_POSTED"
	TransferCompleted              TransferStatus = "COMPLETED"
	TransferFailed                 TransferStatus = "FAILED"
	TransferCompensated            TransferStatus = "COMPENSATED"
	TransferReconciliationRequired TransferStatus = "RECONCILIATION_REQUIRED"
)

// transferPredecessors lists the statuses a saga may move out of into each status. The
// sweep writes RECONCILIATION_REQUIRED from the status it observed, never from this table.
var transferPredecessors = map[TransferStatus][]TransferStatus{
	TransferOutPosted:              {TransferPending},
	TransferFailed:                 {TransferPending},
	TransferCompleted:              {TransferPending, TransferOutPosted},
	TransferCompensated:            {TransferPending, TransferOutPosted},
	TransferReconciliationRequired: {TransferPending, TransferOutPosted},
}

// Transfer pairs a TRANSFER_OUT and a TRANSFER_IN movement.
type Transfer struct {
	ID                     uuid.UUID       `json:"id"`
	StockID                uuid.UUID       `json:"stock_id"`
	Source                 HoldingRef      `json:"source"`
	Destination            HoldingRef      `json:"destination"`
	SourceVariantID        uuid.UUID       `json:"source_variant_id"`
	DestinationVariantID   *uuid.UUID      `json:"destination_variant_id,omitempty"`
	Quantity               decimal.Decimal `json:"quantity"`
	Value                  decimal.Decimal `json:"value"`
	Status                 TransferStatus  `json:"status"`
	OutMovementID          *uuid.UUID      `json:"out_movement_id,omitempty"`
	InMovementID           *uuid.UUID      `json:"in_movement_id,omitempty"`
	CompensationMovementID *uuid.UUID      `json:"compensation_movement_id,omitempty"`
	FailureReason          string          `json:"failure_reason,omitempty"`
	StaffID                uuid.UUID       `json:"staff_id"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
}

// TransferResult is returned by a completed transfer.
type TransferResult struct {
	Transfer Transfer `json:"transfer"`
	Out      Movement `json:"out"`
	In       Movement `json:"in"`
}

// StockVariantSummary is the reporting projection of a variant.
type StockVariantSummary struct {
	StockVariantID       uuid.UUID       `json:"stock_variant_id"`
	CurrentTotalQuantity decimal.Decimal `json:"current_total_quantity"`
	CurrentCostPerItem   decimal.Decimal `json:"current_cost_per_item"`
	CurrentTotalValue    decimal.Decimal `json:"current_total_value"`
	CurrentAverageValue  decimal.Decimal `json:"current_average_value"`
	TotalEstimatedProfit decimal.Decimal `json:"total_estimated_profit"`
	SoldQuantity         decimal.Decimal `json:"sold_quantity"`
	TotalRevenue         decimal.Decimal `json:"total_revenue"`
	TotalCostOfSales     decimal.Decimal `json:"total_cost_of_sales"`
	RefundedQuantity     decimal.Decimal `json:"refunded_quantity"`
	AlertLevel           decimal.Decimal `json:"alert_level"`
	BelowAlertLevel      bool            `json:"below_alert_level"`
	Version              int64           `json:"version"`
}

// MovementFilter narrows a movement history listing.
type MovementFilter struct {
	StockVariantID uuid.UUID
	From           time.Time
	To             time.Time
	Types          []MovementType
	Page           int
	PageSize       int
	Ascending      bool
}

// MovementPage is one page of movement history.
type MovementPage struct {
	Items      []Movement        `json:"items"`
	Pagination shared.Pagination `json:"pagination"`
}

// TransferFilter narrows a transfer listing.
type TransferFilter struct {
	Statuses  []TransferStatus
	OlderThan time.Time
	Limit     int
}

var (
	// ErrNotFound indicates an unknown variant, transfer or holding.
	ErrNotFound = errors.New("inventory: not found")
	// ErrInvalidQuantity indicates a non-positive quantity where a positive one is required.
	ErrInvalidQuantity = valuation.ErrInvalidQuantity
	// ErrInvalidValue indicates a negative monetary value.
	ErrInvalidValue = valuation.ErrInvalidValue
	// ErrInsufficientStock triggered when a decrease exceeds available quantity.
	ErrInsufficientStock = valuation.ErrInsufficientStock
	// ErrVersionConflict is returned by the store when the expected version is stale.
	ErrVersionConflict = errors.New("inventory: version conflict")
	// ErrConflict indicates the retry budget was exhausted on a contended variant.
	ErrConflict = errors.New("inventory: concurrent update conflict")
	// ErrTransferFailed indicates the destination side failed and the source was compensated.
	ErrTransferFailed = errors.New("inventory: transfer failed")
	// ErrReconciliationRequired indicates a transfer compensation failed and needs an operator.
	ErrReconciliationRequired = errors.New("inventory: reconciliation required")
	// ErrArchived indicates a write against an archived variant.
	ErrArchived = errors.New("inventory: variant archived")
	// ErrSameHolding indicates a transfer whose source and destination coincide.
	ErrSameHolding = errors.New("inventory: source and destination holding must differ")
	// ErrInvalidHolding indicates a malformed holding reference.
	ErrInvalidHolding = errors.New("inventory: holding kind and id required")
	// ErrInvalidVariant indicates a provisioning request without stock id or name.
	ErrInvalidVariant = errors.New("inventory: stock id and variant name required")
	// ErrDuplicateVariant indicates the variant already exists at the holding.
	ErrDuplicateVariant = errors.New("inventory: variant already exists at holding")
	// ErrTransferStatusChanged reports that a transfer row left the expected status before an
	// update landed.
	ErrTransferStatusChanged = errors.New("inventory: transfer status changed concurrently")
	// ErrInvalidDateRange rejects a history window that ends before it starts.
	ErrInvalidDateRange = errors.New("inventory: date range end before start")
)
