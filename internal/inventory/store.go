package inventory

import (
	"context"

	"github.com/google/uuid"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

// VariantStore holds the current state of stock variants.
type VariantStore interface {
	GetVariant(ctx context.Context, id uuid.UUID) (StockVariant, error)
	FindVariant(ctx context.Context, stockID uuid.UUID, holding HoldingRef, name string) (StockVariant, error)
	// CreateVariant inserts a variant and, when opening is non-nil, its opening movement in the
	// same transaction.
	CreateVariant(ctx context.Context, variant StockVariant, opening *Movement) error
	// CompareAndSwap writes next only if the stored version still equals expectedVersion, and
	// appends mv (plus the optional sale aggregate delta) atomically with it. A stale version
	// yields ErrVersionConflict.
	CompareAndSwap(ctx context.Context, expectedVersion int64, next StockVariant, mv Movement, sales *SalesTotals) error
	ArchiveVariant(ctx context.Context, id uuid.UUID) error
	GetSalesTotals(ctx context.Context, id uuid.UUID) (SalesTotals, error)
	// ListVariantIDs pages through variant ids in ascending order, starting after the given id.
	ListVariantIDs(ctx context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error)
}

// MovementLog reads the append-only movement history.
type MovementLog interface {
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, int, error)
	// MovementsAfter returns up to limit movements with version > afterVersion in version order.
	MovementsAfter(ctx context.Context, variantID uuid.UUID, afterVersion int64, limit int) ([]Movement, error)
}

// TransferStore tracks transfer sagas.
type TransferStore interface {
	CreateTransfer(ctx context.Context, t Transfer) error
	// UpdateTransfer writes t only while the stored status is one of from, returning
	// ErrTransferStatusChanged otherwise.
	UpdateTransfer(ctx context.Context, t Transfer, from ...TransferStatus) error
	GetTransfer(ctx context.Context, id uuid.UUID) (Transfer, error)
	ListTransfers(ctx context.Context, filter TransferFilter) ([]Transfer, error)
}

// Store is the full persistence port of the ledger.
type Store interface {
	VariantStore
	MovementLog
	TransferStore
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort guards write requests carrying an idempotency key.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Metrics receives ledger counters.
type Metrics interface {
	ObserveMovement(movementType string)
	ObserveConflict(movementType string)
	ObserveTransfer(status string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveMovement(string) {}
func (noopMetrics) ObserveConflict(string) {}
func (noopMetrics) ObserveTransfer(string) {}
