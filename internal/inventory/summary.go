package inventory

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/stockledger/internal/inventory/valuation"
)

// SummaryService builds variant summaries from the current state and the sale aggregate,
// without scanning movement history.
type SummaryService struct {
	store  VariantStore
	cache  *SummaryCache
	model  valuation.Model
	logger *slog.Logger
}

// NewSummaryService constructs the service. cache may be nil.
func NewSummaryService(store VariantStore, cache *SummaryCache, model valuation.Model, logger *slog.Logger) *SummaryService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SummaryService{store: store, cache: cache, model: model, logger: logger}
}

// Summarize returns the summary of one variant, from cache when available.
func (s *SummaryService) Summarize(ctx context.Context, variantID uuid.UUID) (StockVariantSummary, error) {
	if s.cache == nil {
		return s.load(ctx, variantID)
	}
	var loadErr error
	summary, err := s.cache.FetchSummary(ctx, variantID, func(ctx context.Context) (StockVariantSummary, error) {
		sum, err := s.load(ctx, variantID)
		loadErr = err
		return sum, err
	})
	if err == nil {
		return summary, nil
	}
	if loadErr != nil || ctx.Err() != nil {
		return StockVariantSummary{}, err
	}
	s.logger.Warn("stock summary cache unavailable", slog.String("variant_id", variantID.String()), slog.Any("error", err))
	return s.load(ctx, variantID)
}

func (s *SummaryService) load(ctx context.Context, variantID uuid.UUID) (StockVariantSummary, error) {
	var (
		variant StockVariant
		totals  SalesTotals
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := s.store.GetVariant(gctx, variantID)
		variant = v
		return err
	})
	g.Go(func() error {
		t, err := s.store.GetSalesTotals(gctx, variantID)
		totals = t
		return err
	})
	if err := g.Wait(); err != nil {
		return StockVariantSummary{}, err
	}
	return s.project(variant, totals), nil
}

func (s *SummaryService) project(v StockVariant, t SalesTotals) StockVariantSummary {
	display := s.model.Places + 2
	costPerItem := v.AverageValue
	if v.Quantity.IsPositive() {
		costPerItem = v.TotalValue.Div(v.Quantity)
	}
	return StockVariantSummary{
		StockVariantID:       v.ID,
		CurrentTotalQuantity: v.Quantity,
		CurrentCostPerItem:   costPerItem.Round(display),
		CurrentTotalValue:    v.TotalValue,
		CurrentAverageValue:  v.AverageValue.Round(display),
		TotalEstimatedProfit: t.EstimatedProfit(),
		SoldQuantity:         t.SoldQuantity,
		TotalRevenue:         t.Revenue,
		TotalCostOfSales:     t.CostOfSales,
		RefundedQuantity:     t.RefundedQuantity,
		AlertLevel:           v.AlertLevel,
		BelowAlertLevel:      v.AlertLevel.IsPositive() && v.Quantity.LessThanOrEqual(v.AlertLevel),
		Version:              v.Version,
	}
}
