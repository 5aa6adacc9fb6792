package inventory

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

// ReconciliationRequiredEvent is raised when a transfer cannot be settled automatically.
type ReconciliationRequiredEvent struct {
	TransferID      uuid.UUID
	SourceVariantID uuid.UUID
	Destination     HoldingRef
	Quantity        decimal.Decimal
	Value           decimal.Decimal
	Status          TransferStatus
	Reason          string
	RaisedAt        time.Time
}

// AlertHandler surfaces ledger states that need an operator.
type AlertHandler interface {
	HandleReconciliationRequired(ctx context.Context, evt ReconciliationRequiredEvent) error
}

// AuditAlertHandler writes reconciliation alerts to the audit log and the error log.
type AuditAlertHandler struct {
	audit  AuditPort
	logger *slog.Logger
}

// NewAuditAlertHandler constructs an AuditAlertHandler. audit may be nil.
func NewAuditAlertHandler(audit AuditPort, logger *slog.Logger) *AuditAlertHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditAlertHandler{audit: audit, logger: logger}
}

// HandleReconciliationRequired logs and audits the event.
func (h *AuditAlertHandler) HandleReconciliationRequired(ctx context.Context, evt ReconciliationRequiredEvent) error {
	h.logger.Error("stock transfer requires reconciliation",
		slog.String("transfer_id", evt.TransferID.String()),
		slog.String("source_variant_id", evt.SourceVariantID.String()),
		slog.String("destination", evt.Destination.String()),
		slog.String("quantity", evt.Quantity.String()),
		slog.String("value", evt.Value.String()),
		slog.String("status", string(evt.Status)),
		slog.String("reason", evt.Reason))
	if h.audit == nil {
		return nil
	}
	return h.audit.Record(ctx, shared.AuditLog{
		Action:   "inventory:reconciliation_required",
		Entity:   "stock_transfer",
		EntityID: evt.TransferID.String(),
		Meta: map[string]any{
			"source_variant_id": evt.SourceVariantID.String(),
			"destination":       evt.Destination.String(),
			"quantity":          evt.Quantity.String(),
			"value":             evt.Value.String(),
			"status":            string(evt.Status),
			"reason":            evt.Reason,
		},
		At: evt.RaisedAt,
	})
}
