package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/inventory/valuation"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

const idempotencyModule = "stock_ledger"

// Service is the ledger facade used by the HTTP layer and jobs.
type Service struct {
	store       Store
	recorder    *Recorder
	transfers   *Coordinator
	summaries   *SummaryService
	queries     *QueryService
	audit       AuditPort
	idempotency IdempotencyPort
	logger      *slog.Logger
	now         func() time.Time
	newID       func() uuid.UUID
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	Recorder    RecorderConfig
	Coordinator CoordinatorConfig
}

// Dependencies are the collaborators of Service. Only Store is required.
type Dependencies struct {
	Store       Store
	Cache       *SummaryCache
	Audit       AuditPort
	Idempotency IdempotencyPort
	Alerts      AlertHandler
	Metrics     Metrics
	Logger      *slog.Logger
}

// NewService builds Service.
func NewService(model valuation.Model, cfg ServiceConfig, deps Dependencies) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var invalidator SummaryInvalidator
	if deps.Cache != nil {
		invalidator = deps.Cache
	}
	alerts := deps.Alerts
	if alerts == nil {
		alerts = NewAuditAlertHandler(deps.Audit, logger)
	}
	recorder := NewRecorder(deps.Store, model, cfg.Recorder, invalidator, deps.Metrics, logger)
	return &Service{
		store:       deps.Store,
		recorder:    recorder,
		transfers:   NewCoordinator(deps.Store, recorder, alerts, deps.Metrics, logger, cfg.Coordinator),
		summaries:   NewSummaryService(deps.Store, deps.Cache, model, logger),
		queries:     NewQueryService(deps.Store),
		audit:       deps.Audit,
		idempotency: deps.Idempotency,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.New,
	}
}

// ProvisionInput creates a variant, optionally with an opening balance.
type ProvisionInput struct {
	StockID         uuid.UUID
	Holding         HoldingRef
	Name            string
	AlertLevel      decimal.Decimal
	OpeningQuantity decimal.Decimal
	OpeningValue    decimal.Decimal
	StaffID         uuid.UUID
	IdempotencyKey  string
}

// IntakeInput receives purchased stock.
type IntakeInput struct {
	VariantID        uuid.UUID
	Quantity         decimal.Decimal
	Value            decimal.Decimal
	SupplierID       *uuid.UUID
	StaffID          uuid.UUID
	OrderDate        *time.Time
	DeliveryDate     *time.Time
	SourceDocumentID string
	Note             string
	IdempotencyKey   string
}

// ModificationInput sets an absolute quantity and value.
type ModificationInput struct {
	VariantID      uuid.UUID
	NewQuantity    decimal.Decimal
	NewValue       decimal.Decimal
	StaffID        uuid.UUID
	Note           string
	IdempotencyKey string
}

// TransferInput moves stock to another holding.
type TransferInput struct {
	VariantID          uuid.UUID
	DestinationHolding HoldingRef
	Quantity           decimal.Decimal
	StaffID            uuid.UUID
	Note               string
	IdempotencyKey     string
}

// SaleInput removes sold stock.
type SaleInput struct {
	VariantID      uuid.UUID
	Quantity       decimal.Decimal
	UnitPrice      decimal.Decimal
	StaffID        uuid.UUID
	OrderID        string
	Note           string
	IdempotencyKey string
}

// RefundInput returns sold stock.
type RefundInput struct {
	VariantID      uuid.UUID
	Quantity       decimal.Decimal
	UnitPrice      decimal.Decimal
	StaffID        uuid.UUID
	OrderID        string
	Note           string
	IdempotencyKey string
}

// ProvisionVariant creates a variant. A non-zero opening balance is written as the version 1
// MODIFICATION so that replaying history from zero reconstructs the state.
func (s *Service) ProvisionVariant(ctx context.Context, input ProvisionInput) (StockVariant, error) {
	name := strings.TrimSpace(input.Name)
	if input.StockID == uuid.Nil || name == "" {
		return StockVariant{}, ErrInvalidVariant
	}
	if !input.Holding.Valid() {
		return StockVariant{}, ErrInvalidHolding
	}
	if input.OpeningQuantity.IsNegative() || input.AlertLevel.IsNegative() {
		return StockVariant{}, ErrInvalidQuantity
	}
	if input.OpeningValue.IsNegative() {
		return StockVariant{}, ErrInvalidValue
	}
	now := s.now()
	variant := StockVariant{
		ID:         s.newID(),
		StockID:    input.StockID,
		Holding:    input.Holding,
		Name:       name,
		AlertLevel: input.AlertLevel,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	var opening *Movement
	if !input.OpeningQuantity.IsZero() || !input.OpeningValue.IsZero() {
		res, err := s.recorder.Model().ApplyAdjustment(valuation.State{}, input.OpeningQuantity, input.OpeningValue)
		if err != nil {
			return StockVariant{}, err
		}
		variant = variant.withState(res.State, now)
		opening = &Movement{
			ID:               s.newID(),
			StockVariantID:   variant.ID,
			Version:          variant.Version,
			Type:             MovementModification,
			QuantityDelta:    res.QuantityDelta,
			ValueDelta:       res.ValueDelta,
			NewQuantity:      variant.Quantity,
			NewAverageValue:  variant.AverageValue,
			StaffID:          input.StaffID,
			SourceDocumentID: "opening-balance",
			Note:             "opening balance",
			CreatedAt:        now,
		}
	}
	err := s.guard(ctx, "provision", input.IdempotencyKey, func() error {
		return s.store.CreateVariant(ctx, variant, opening)
	})
	if err != nil {
		return StockVariant{}, err
	}
	s.record(ctx, input.StaffID, "inventory:provision", "stock_variant", variant.ID.String(), map[string]any{
		"stock_id":         variant.StockID.String(),
		"holding":          variant.Holding.String(),
		"opening_quantity": variant.Quantity.String(),
		"opening_value":    variant.TotalValue.String(),
	})
	return variant, nil
}

// RecordIntake posts an INTAKE movement.
func (s *Service) RecordIntake(ctx context.Context, input IntakeInput) (Movement, error) {
	intent := Intake{
		Quantity:     input.Quantity,
		Value:        input.Value,
		SupplierID:   input.SupplierID,
		OrderDate:    input.OrderDate,
		DeliveryDate: input.DeliveryDate,
	}
	prov := Provenance{StaffID: input.StaffID, SourceDocumentID: input.SourceDocumentID, Note: input.Note}
	return s.post(ctx, input.VariantID, intent, prov, input.IdempotencyKey)
}

// RecordModification posts a MODIFICATION movement and audits it.
func (s *Service) RecordModification(ctx context.Context, input ModificationInput) (Movement, error) {
	intent := Modification{Quantity: input.NewQuantity, Value: input.NewValue}
	mv, err := s.post(ctx, input.VariantID, intent, Provenance{StaffID: input.StaffID, Note: input.Note}, input.IdempotencyKey)
	if err != nil {
		return Movement{}, err
	}
	s.record(ctx, input.StaffID, "inventory:modification", "stock_variant", input.VariantID.String(), map[string]any{
		"movement_id":       mv.ID.String(),
		"previous_quantity": mv.PreviousQuantity.String(),
		"new_quantity":      mv.NewQuantity.String(),
		"value_delta":       mv.ValueDelta.String(),
		"note":              input.Note,
	})
	return mv, nil
}

// RecordSale posts a SALE movement and folds it into the sale aggregate.
func (s *Service) RecordSale(ctx context.Context, input SaleInput) (Movement, error) {
	intent := Sale{Quantity: input.Quantity, UnitPrice: input.UnitPrice, OrderID: input.OrderID}
	return s.post(ctx, input.VariantID, intent, Provenance{StaffID: input.StaffID, Note: input.Note}, input.IdempotencyKey)
}

// RecordRefund posts a REFUND movement.
func (s *Service) RecordRefund(ctx context.Context, input RefundInput) (Movement, error) {
	intent := Refund{Quantity: input.Quantity, UnitPrice: input.UnitPrice, OrderID: input.OrderID}
	return s.post(ctx, input.VariantID, intent, Provenance{StaffID: input.StaffID, Note: input.Note}, input.IdempotencyKey)
}

// RecordTransfer runs a transfer saga.
func (s *Service) RecordTransfer(ctx context.Context, input TransferInput) (TransferResult, error) {
	var result TransferResult
	err := s.guard(ctx, "transfer", input.IdempotencyKey, func() error {
		var err error
		result, err = s.transfers.Transfer(ctx, TransferRequest{
			SourceVariantID: input.VariantID,
			Destination:     input.DestinationHolding,
			Quantity:        input.Quantity,
			StaffID:         input.StaffID,
			Note:            input.Note,
		})
		return err
	})
	if errors.Is(err, ErrTransferFailed) {
		s.record(ctx, input.StaffID, "inventory:transfer_compensated", "stock_transfer", result.Transfer.ID.String(), map[string]any{
			"source_variant_id": input.VariantID.String(),
			"destination":       input.DestinationHolding.String(),
			"quantity":          input.Quantity.String(),
			"reason":            result.Transfer.FailureReason,
		})
	}
	return result, err
}

// GetSummary returns the summary of a variant.
func (s *Service) GetSummary(ctx context.Context, variantID uuid.UUID) (StockVariantSummary, error) {
	return s.summaries.Summarize(ctx, variantID)
}

// ListMovements returns a page of movement history.
func (s *Service) ListMovements(ctx context.Context, filter MovementFilter) (MovementPage, error) {
	return s.queries.ListMovements(ctx, filter)
}

// ListTransfers returns transfers matching the filter.
func (s *Service) ListTransfers(ctx context.Context, filter TransferFilter) ([]Transfer, error) {
	return s.queries.ListTransfers(ctx, filter)
}

// GetTransfer returns one transfer.
func (s *Service) GetTransfer(ctx context.Context, id uuid.UUID) (Transfer, error) {
	return s.queries.GetTransfer(ctx, id)
}

// VerifyChain replays a variant's movement history.
func (s *Service) VerifyChain(ctx context.Context, variantID uuid.UUID) (ChainReport, error) {
	return s.queries.VerifyChain(ctx, variantID)
}

// FlagStuckTransfers marks transfers idle since before cutoff for reconciliation.
func (s *Service) FlagStuckTransfers(ctx context.Context, cutoff time.Time, limit int) ([]Transfer, error) {
	return s.transfers.FlagStuck(ctx, cutoff, limit)
}

// ListVariantIDs pages through every variant id, archived ones included.
func (s *Service) ListVariantIDs(ctx context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	if limit <= 0 || limit > chainBatchSize {
		limit = chainBatchSize
	}
	return s.store.ListVariantIDs(ctx, after, limit)
}

// ArchiveVariant hides a variant from further writes. History is kept.
func (s *Service) ArchiveVariant(ctx context.Context, variantID uuid.UUID, staffID uuid.UUID) error {
	if err := s.store.ArchiveVariant(ctx, variantID); err != nil {
		return err
	}
	s.record(ctx, staffID, "inventory:archive", "stock_variant", variantID.String(), nil)
	return nil
}

func (s *Service) post(ctx context.Context, variantID uuid.UUID, intent Intent, prov Provenance, idemKey string) (Movement, error) {
	var mv Movement
	err := s.guard(ctx, strings.ToLower(string(intent.Type())), idemKey, func() error {
		var err error
		mv, err = s.recorder.Record(ctx, variantID, intent, prov)
		return err
	})
	return mv, err
}

// guard claims the idempotency key before fn runs and releases it when fn fails, so a failed
// request can be retried with the same key.
func (s *Service) guard(ctx context.Context, op, key string, fn func() error) error {
	if s.idempotency == nil || key == "" {
		return fn()
	}
	scoped := fmt.Sprintf("%s:%s", op, key)
	if err := s.idempotency.CheckAndInsert(ctx, scoped, idempotencyModule); err != nil {
		return err
	}
	err := fn()
	if err != nil && !errors.Is(err, ErrReconciliationRequired) {
		if delErr := s.idempotency.Delete(context.WithoutCancel(ctx), scoped); delErr != nil {
			s.logger.Warn("release idempotency key", slog.String("key", scoped), slog.Any("error", delErr))
		}
	}
	return err
}

func (s *Service) record(ctx context.Context, actor uuid.UUID, action, entity, entityID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor,
		Action:   action,
		Entity:   entity,
		EntityID: entityID,
		Meta:     meta,
		At:       s.now(),
	})
	if err != nil {
		s.logger.Warn("record audit log", slog.String("action", action), slog.Any("error", err))
	}
}
