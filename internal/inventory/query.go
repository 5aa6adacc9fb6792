package inventory

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/odyssey-erp/stockledger/internal/inventory/valuation"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

const (
	defaultPageSize = 20
	maxPageSize     = 200
	chainBatchSize  = 500
)

// ChainReport is the outcome of replaying a variant's movement history.
type ChainReport struct {
	StockVariantID uuid.UUID       `json:"stock_variant_id"`
	Movements      int             `json:"movements"`
	LastVersion    int64           `json:"last_version"`
	StoredVersion  int64           `json:"stored_version"`
	Replayed       valuation.State `json:"replayed"`
	Stored         valuation.State `json:"stored"`
	Problems       []string        `json:"problems,omitempty"`
}

// OK reports whether the replay found no problem.
func (r ChainReport) OK() bool {
	return len(r.Problems) == 0
}

// QueryService reads movement history and transfers.
type QueryService struct {
	store Store
}

// NewQueryService constructs the service.
func NewQueryService(store Store) *QueryService {
	return &QueryService{store: store}
}

// ListMovements returns one page of a variant's history, newest first unless Ascending is set.
func (q *QueryService) ListMovements(ctx context.Context, filter MovementFilter) (MovementPage, error) {
	if filter.StockVariantID == uuid.Nil {
		return MovementPage{}, ErrNotFound
	}
	if filter.PageSize <= 0 {
		filter.PageSize = defaultPageSize
	}
	if filter.PageSize > maxPageSize {
		filter.PageSize = maxPageSize
	}
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return MovementPage{}, ErrInvalidDateRange
	}
	if _, err := q.store.GetVariant(ctx, filter.StockVariantID); err != nil {
		return MovementPage{}, err
	}
	items, total, err := q.store.ListMovements(ctx, filter)
	if err != nil {
		return MovementPage{}, err
	}
	if items == nil {
		items = []Movement{}
	}
	return MovementPage{Items: items, Pagination: shared.NewPagination(filter.Page, filter.PageSize, total)}, nil
}

// ListTransfers returns transfers matching the filter, oldest first.
func (q *QueryService) ListTransfers(ctx context.Context, filter TransferFilter) ([]Transfer, error) {
	if filter.Limit <= 0 || filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}
	return q.store.ListTransfers(ctx, filter)
}

// GetTransfer returns one transfer.
func (q *QueryService) GetTransfer(ctx context.Context, id uuid.UUID) (Transfer, error) {
	return q.store.GetTransfer(ctx, id)
}

// VerifyChain replays every movement of a variant from zero and compares the result with the
// stored state. Problems are reported, not returned as errors.
func (q *QueryService) VerifyChain(ctx context.Context, variantID uuid.UUID) (ChainReport, error) {
	variant, err := q.store.GetVariant(ctx, variantID)
	if err != nil {
		return ChainReport{}, err
	}
	report := ChainReport{
		StockVariantID: variantID,
		StoredVersion:  variant.Version,
		Stored:         variant.State(),
	}
	var (
		state   valuation.State
		version int64
	)
	for {
		batch, err := q.store.MovementsAfter(ctx, variantID, version, chainBatchSize)
		if err != nil {
			return ChainReport{}, err
		}
		for _, mv := range batch {
			if mv.Version != version+1 {
				report.problem("version gap: expected %d, got %d", version+1, mv.Version)
			}
			if !mv.PreviousQuantity.Equal(state.Quantity) {
				report.problem("version %d: previous quantity %s does not match replayed %s", mv.Version, mv.PreviousQuantity, state.Quantity)
			}
			if !mv.PreviousAverageValue.Equal(state.AverageValue) {
				report.problem("version %d: previous average %s does not match replayed %s", mv.Version, mv.PreviousAverageValue, state.AverageValue)
			}
			state = valuation.State{
				Quantity:     state.Quantity.Add(mv.QuantityDelta),
				TotalValue:   state.TotalValue.Add(mv.ValueDelta),
				AverageValue: mv.NewAverageValue,
			}
			if !mv.NewQuantity.Equal(state.Quantity) {
				report.problem("version %d: new quantity %s does not match replayed %s", mv.Version, mv.NewQuantity, state.Quantity)
			}
			version = mv.Version
			report.Movements++
		}
		if len(batch) < chainBatchSize {
			break
		}
	}
	report.LastVersion = version
	report.Replayed = state
	if version != variant.Version {
		report.problem("last movement version %d differs from variant version %d", version, variant.Version)
	}
	if !state.Quantity.Equal(variant.Quantity) {
		report.problem("replayed quantity %s differs from stored %s", state.Quantity, variant.Quantity)
	}
	if !state.TotalValue.Equal(variant.TotalValue) {
		report.problem("replayed total value %s differs from stored %s", state.TotalValue, variant.TotalValue)
	}
	if !state.AverageValue.Equal(variant.AverageValue) {
		report.problem("replayed average %s differs from stored %s", state.AverageValue, variant.AverageValue)
	}
	return report, nil
}

func (r *ChainReport) problem(format string, args ...any) {
	r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
}
