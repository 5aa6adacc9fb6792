package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransferRequest moves quantity of a variant to another holding.
type TransferRequest struct {
	SourceVariantID uuid.UUID
	Destination     HoldingRef
	Quantity        decimal.Decimal
	StaffID         uuid.UUID
	Note            string
}

// Coordinator runs transfers as a two-step saga over the recorder: debit the source, credit the
// destination with the value actually removed, and reverse the debit if the credit fails.
type Coordinator struct {
	store    Store
	recorder *Recorder
	alerts   AlertHandler
	metrics  Metrics
	logger   *slog.Logger

	storeTimeout        time.Duration
	compensationTimeout time.Duration

	now   func() time.Time
	newID func() uuid.UUID
}

// CoordinatorConfig groups optional settings.
type CoordinatorConfig struct {
	StoreTimeout        time.Duration
	CompensationTimeout time.Duration
}

// NewCoordinator builds a Coordinator. alerts, metrics and logger may be nil.
func NewCoordinator(store Store, recorder *Recorder, alerts AlertHandler, metrics Metrics, logger *slog.Logger, cfg CoordinatorConfig) *Coordinator {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if cfg.CompensationTimeout <= 0 {
		cfg.CompensationTimeout = 30 * time.Second
	}
	return &Coordinator{
		store:               store,
		recorder:            recorder,
		alerts:              alerts,
		metrics:             metrics,
		logger:              logger,
		storeTimeout:        cfg.StoreTimeout,
		compensationTimeout: cfg.CompensationTimeout,
		now:                 func() time.Time { return time.Now().UTC() },
		newID:               uuid.New,
	}
}

// Transfer executes the saga.
func (c *Coordinator) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	if !req.Quantity.IsPositive() {
		return TransferResult{}, ErrInvalidQuantity
	}
	if !req.Destination.Valid() {
		return TransferResult{}, ErrInvalidHolding
	}
	readCtx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	src, err := c.store.GetVariant(readCtx, req.SourceVariantID)
	cancel()
	if err != nil {
		return TransferResult{}, err
	}
	if src.Holding == req.Destination {
		return TransferResult{}, ErrSameHolding
	}
	if src.Archived {
		return TransferResult{}, ErrArchived
	}

	now := c.now()
	t := Transfer{
		ID:              c.newID(),
		StockID:         src.StockID,
		Source:          src.Holding,
		Destination:     req.Destination,
		SourceVariantID: src.ID,
		Quantity:        req.Quantity,
		Value:           decimal.Zero,
		Status:          TransferPending,
		StaffID:         req.StaffID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	writeCtx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	err = c.store.CreateTransfer(writeCtx, t)
	cancel()
	if err != nil {
		return TransferResult{}, fmt.Errorf("inventory: create transfer: %w", err)
	}
	prov := Provenance{StaffID: req.StaffID, SourceDocumentID: t.ID.String(), Note: req.Note}

	out, err := c.recorder.Record(ctx, src.ID, TransferOut{Quantity: req.Quantity, TransferID: t.ID, Destination: req.Destination}, prov)
	if err != nil {
		// nothing was committed on the source side
		t.Status = TransferFailed
		t.FailureReason = err.Error()
		c.save(ctx, &t)
		c.metrics.ObserveTransfer(string(t.Status))
		return TransferResult{}, err
	}
	outID := out.ID
	t.Status = TransferOutPosted
	t.Value = out.ValueDelta.Neg()
	t.OutMovementID = &outID
	c.save(ctx, &t)

	in, err := c.credit(ctx, &t, src, prov)
	if err != nil {
		return c.compensate(ctx, t, out, err)
	}
	inID := in.ID
	t.Status = TransferCompleted
	t.InMovementID = &inID
	c.save(ctx, &t)
	c.metrics.ObserveTransfer(string(t.Status))
	return TransferResult{Transfer: t, Out: out, In: in}, nil
}

func (c *Coordinator) credit(ctx context.Context, t *Transfer, src StockVariant, prov Provenance) (Movement, error) {
	dst, err := c.destination(ctx, src, t.Destination)
	if err != nil {
		return Movement{}, err
	}
	dstID := dst.ID
	t.DestinationVariantID = &dstID
	return c.recorder.Record(ctx, dst.ID, TransferIn{
		Quantity:   t.Quantity,
		Value:      t.Value,
		TransferID: t.ID,
		Source:     src.Holding,
	}, prov)
}

// destination finds the variant of the same stock at the target holding, creating it with zero
// state on first use.
func (c *Coordinator) destination(ctx context.Context, src StockVariant, holding HoldingRef) (StockVariant, error) {
	storeCtx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()
	dst, err := c.store.FindVariant(storeCtx, src.StockID, holding, src.Name)
	if err == nil {
		return dst, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return StockVariant{}, err
	}
	now := c.now()
	dst = StockVariant{
		ID:         c.newID(),
		StockID:    src.StockID,
		Holding:    holding,
		Name:       src.Name,
		AlertLevel: src.AlertLevel,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err = c.store.CreateVariant(storeCtx, dst, nil)
	if errors.Is(err, ErrDuplicateVariant) {
		// lost the creation race; use the winner's row
		return c.store.FindVariant(storeCtx, src.StockID, holding, src.Name)
	}
	if err != nil {
		return StockVariant{}, err
	}
	return dst, nil
}

func (c *Coordinator) compensate(ctx context.Context, t Transfer, out Movement, cause error) (TransferResult, error) {
	// the caller's deadline may be what failed the credit; compensation gets its own
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.compensationTimeout)
	defer cancel()

	reversal, err := c.recorder.Record(cctx, t.SourceVariantID, Reversal{
		Quantity:   t.Quantity,
		Value:      t.Value,
		TransferID: t.ID,
	}, Provenance{StaffID: t.StaffID, SourceDocumentID: t.ID.String(), Note: "transfer compensation"})
	if err != nil {
		t.Status = TransferReconciliationRequired
		t.FailureReason = fmt.Sprintf("credit: %v; compensation: %v", cause, err)
		c.save(cctx, &t)
		c.metrics.ObserveTransfer(string(t.Status))
		c.raise(cctx, t)
		return TransferResult{Transfer: t, Out: out}, fmt.Errorf("%w: transfer %s: %w", ErrReconciliationRequired, t.ID, err)
	}
	revID := reversal.ID
	t.Status = TransferCompensated
	t.CompensationMovementID = &revID
	t.FailureReason = cause.Error()
	c.save(cctx, &t)
	c.metrics.ObserveTransfer(string(t.Status))
	c.logger.Warn("stock transfer compensated",
		slog.String("transfer_id", t.ID.String()),
		slog.Any("error", cause))
	return TransferResult{Transfer: t, Out: out}, fmt.Errorf("%w: transfer %s: %w", ErrTransferFailed, t.ID, cause)
}

// FlagStuck marks transfers left PENDING or OUT_POSTED before cutoff as needing reconciliation
// and raises an alert for each. They are never retried automatically.
func (c *Coordinator) FlagStuck(ctx context.Context, cutoff time.Time, limit int) ([]Transfer, error) {
	stuck, err := c.store.ListTransfers(ctx, TransferFilter{
		Statuses:  []TransferStatus{TransferPending, TransferOutPosted},
		OlderThan: cutoff,
		Limit:     limit,
	})
	if err != nil {
		return nil, err
	}
	flagged := make([]Transfer, 0, len(stuck))
	for _, t := range stuck {
		previous := t.Status
		t.Status = TransferReconciliationRequired
		t.FailureReason = fmt.Sprintf("stuck in %s since %s", previous, t.UpdatedAt.Format(time.RFC3339))
		t.UpdatedAt = c.now()
		if err := c.store.UpdateTransfer(ctx, t, previous); err != nil {
			if errors.Is(err, ErrTransferStatusChanged) {
				// the saga moved on after the listing
				continue
			}
			return flagged, fmt.Errorf("inventory: flag transfer %s: %w", t.ID, err)
		}
		c.metrics.ObserveTransfer(string(t.Status))
		c.raise(ctx, t)
		flagged = append(flagged, t)
	}
	return flagged, nil
}

// save moves the stored row to t.Status, but only out of a status the saga may leave.
// A row the sweep already flagged keeps its flag; the operator reconciles it.
func (c *Coordinator) save(ctx context.Context, t *Transfer) {
	t.UpdatedAt = c.now()
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.storeTimeout)
	defer cancel()
	err := c.store.UpdateTransfer(storeCtx, *t, transferPredecessors[t.Status]...)
	switch {
	case err == nil:
	case errors.Is(err, ErrTransferStatusChanged):
		c.logger.Warn("stock transfer changed by another writer",
			slog.String("transfer_id", t.ID.String()),
			slog.String("status", string(t.Status)))
	default:
		// the sweep picks up rows left in an intermediate status
		c.logger.Error("update stock transfer",
			slog.String("transfer_id", t.ID.String()),
			slog.String("status", string(t.Status)),
			slog.Any("error", err))
	}
}

func (c *Coordinator) raise(ctx context.Context, t Transfer) {
	if c.alerts == nil {
		return
	}
	evt := ReconciliationRequiredEvent{
		TransferID:      t.ID,
		SourceVariantID: t.SourceVariantID,
		Destination:     t.Destination,
		Quantity:        t.Quantity,
		Value:           t.Value,
		Status:          t.Status,
		Reason:          t.FailureReason,
		RaisedAt:        c.now(),
	}
	if err := c.alerts.HandleReconciliationRequired(ctx, evt); err != nil {
		c.logger.Error("raise reconciliation alert", slog.String("transfer_id", t.ID.String()), slog.Any("error", err))
	}
}
