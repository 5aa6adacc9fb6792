package inventory

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/stockledger/internal/inventory/valuation"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "want %s, got %s %v", want, got, msgAndArgs)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastRetries() RecorderConfig {
	return RecorderConfig{MaxAttempts: 100, RetryBaseDelay: 20 * time.Microsecond, RetryMaxDelay: time.Millisecond, StoreTimeout: time.Second}
}

func newTestRecorder(store *memoryStore, metrics Metrics) *Recorder {
	return NewRecorder(store, valuation.NewModel(2, false), fastRetries(), nil, metrics, discardLogger())
}

var shopFloor = HoldingRef{Kind: HoldingLocation, ID: uuid.MustParse("8f0c3a52-5f5e-4a53-9d7e-0b1d4f0e6a01")}

func seedVariant(store *memoryStore, holding HoldingRef) StockVariant {
	v := StockVariant{
		ID:        uuid.New(),
		StockID:   uuid.New(),
		Holding:   holding,
		Name:      "Default",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	store.putVariant(v)
	return v
}

func TestRecorderIntakeThenSale(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	rec := newTestRecorder(store, nil)
	v := seedVariant(store, shopFloor)

	in, err := rec.Record(ctx, v.ID, Intake{Quantity: dec("10"), Value: dec("1000")}, Provenance{})
	require.NoError(t, err)
	require.Equal(t, int64(1), in.Version)
	requireDecimal(t, "100", in.NewAverageValue)

	sale, err := rec.Record(ctx, v.ID, Sale{Quantity: dec("4"), UnitPrice: dec("150"), OrderID: "ORD-1"}, Provenance{})
	require.NoError(t, err)
	require.Equal(t, MovementSale, sale.Type)
	require.Equal(t, int64(2), sale.Version)
	requireDecimal(t, "10", sale.PreviousQuantity)
	requireDecimal(t, "6", sale.NewQuantity)
	requireDecimal(t, "100", sale.PreviousAverageValue)
	requireDecimal(t, "100", sale.NewAverageValue)
	requireDecimal(t, "-400", sale.ValueDelta)
	requireDecimal(t, "600", sale.Revenue)
	require.Equal(t, "ORD-1", sale.SourceDocumentID)

	got, err := store.GetVariant(ctx, v.ID)
	require.NoError(t, err)
	requireDecimal(t, "6", got.Quantity)
	requireDecimal(t, "600", got.TotalValue)
	requireDecimal(t, "100", got.AverageValue)

	totals, err := store.GetSalesTotals(ctx, v.ID)
	require.NoError(t, err)
	requireDecimal(t, "4", totals.SoldQuantity)
	requireDecimal(t, "600", totals.Revenue)
	requireDecimal(t, "400", totals.CostOfSales)
	requireDecimal(t, "200", totals.EstimatedProfit())
}

func TestRecorderTwoIntakesBlendAverage(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	rec := newTestRecorder(store, nil)
	v := seedVariant(store, shopFloor)

	_, err := rec.Record(ctx, v.ID, Intake{Quantity: dec("10"), Value: dec("1000")}, Provenance{})
	require.NoError(t, err)
	mv, err := rec.Record(ctx, v.ID, Intake{Quantity: dec("10"), Value: dec("2000")}, Provenance{})
	require.NoError(t, err)

	// blended average sits between the old average and the incoming unit cost
	require.True(t, mv.NewAverageValue.GreaterThanOrEqual(mv.PreviousAverageValue))
	require.True(t, mv.NewAverageValue.LessThanOrEqual(dec("200")))

	got, err := store.GetVariant(ctx, v.ID)
	require.NoError(t, err)
	requireDecimal(t, "20", got.Quantity)
	requireDecimal(t, "3000", got.TotalValue)
	requireDecimal(t, "150", got.AverageValue)
	require.Equal(t, int64(2), got.Version)
}

func TestRecorderInsufficientStockLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	rec := newTestRecorder(store, nil)
	v := seedVariant(store, shopFloor)
	_, err := rec.Record(ctx, v.ID, Intake{Quantity: dec("20"), Value: dec("3000")}, Provenance{})
	require.NoError(t, err)
	before, err := store.GetVariant(ctx, v.ID)
	require.NoError(t, err)

	_, err = rec.Record(ctx, v.ID, Sale{Quantity: dec("25"), UnitPrice: dec("10")}, Provenance{})
	require.ErrorIs(t, err, ErrInsufficientStock)

	after, err := store.GetVariant(ctx, v.ID)
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.Len(t, store.history(v.ID), 1)
}

func TestRecorderNegativeStockWhenAllowed(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	rec := NewRecorder(store, valuation.NewModel(2, true), fastRetries(), nil, nil, discardLogger())
	v := seedVariant(store, shopFloor)
	_, err := rec.Record(ctx, v.ID, Intake{Quantity: dec("2"), Value: dec("20")}, Provenance{})
	require.NoError(t, err)

	mv, err := rec.Record(ctx, v.ID, Sale{Quantity: dec("3"), UnitPrice: dec("15")}, Provenance{})
	require.NoError(t, err)
	requireDecimal(t, "-1", mv.NewQuantity)
	requireDecimal(t, "10", mv.NewAverageValue)
	requireDecimal(t, "-30", mv.ValueDelta)
}

func TestRecorderValidation(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	rec := newTestRecorder(store, nil)
	v := seedVariant(store, shopFloor)

	_, err := rec.Record(ctx, v.ID, Intake{Quantity: dec("0"), Value: dec("10")}, Provenance{})
	require.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = rec.Record(ctx, v.ID, Intake{Quantity: dec("1"), Value: dec("-1")}, Provenance{})
	require.ErrorIs(t, err, ErrInvalidValue)
	_, err = rec.Record(ctx, v.ID, Sale{Quantity: dec("1"), UnitPrice: dec("-5")}, Provenance{})
	require.ErrorIs(t, err, ErrInvalidValue)
	_, err = rec.Record(ctx, v.ID, Modification{Quantity: dec("-1"), Value: dec("0")}, Provenance{})
	require.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = rec.Record(ctx, uuid.New(), Intake{Quantity: dec("1"), Value: dec("1")}, Provenance{})
	require.ErrorIs(t, err, ErrNotFound)
	_, err = rec.Record(ctx, v.ID, nil, Provenance{})
	require.Error(t, err)
	require.Empty(t, store.history(v.ID))
}

func TestRecorderRejectsArchivedVariant(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	rec := newTestRecorder(store, nil)
	v := seedVariant(store, shopFloor)
	_, err := rec.Record(ctx, v.ID, Intake{Quantity: dec("5"), Value: dec("50")}, Provenance{})
	require.NoError(t, err)
	require.NoError(t, store.ArchiveVariant(ctx, v.ID))

	_, err = rec.Record(ctx, v.ID, Sale{Quantity: dec("1"), UnitPrice: dec("10")}, Provenance{})
	require.ErrorIs(t, err, ErrArchived)

	// compensations still land on archived variants
	_, err = rec.Record(ctx, v.ID, Reversal{Quantity: dec("1"), Value: dec("10"), TransferID: uuid.New()}, Provenance{})
	require.NoError(t, err)
}

func TestRecorderModificationAndRefund(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	rec := newTestRecorder(store, nil)
	v := seedVariant(store, shopFloor)
	_, err := rec.Record(ctx, v.ID, Intake{Quantity: dec("10"), Value: dec("1000")}, Provenance{})
	require.NoError(t, err)

	mod, err := rec.Record(ctx, v.ID, Modification{Quantity: dec("8"), Value: dec("880")}, Provenance{Note: "count"})
	require.NoError(t, err)
	require.Equal(t, MovementModification, mod.Type)
	requireDecimal(t, "-2", mod.QuantityDelta)
	requireDecimal(t, "-120", mod.ValueDelta)
	requireDecimal(t, "110", mod.NewAverageValue)

	_, err = rec.Record(ctx, v.ID, Sale{Quantity: dec("3"), UnitPrice: dec("200")}, Provenance{})
	require.NoError(t, err)
	refund, err := rec.Record(ctx, v.ID, Refund{Quantity: dec("1"), UnitPrice: dec("200")}, Provenance{})
	require.NoError(t, err)
	require.Equal(t, MovementRefund, refund.Type)
	requireDecimal(t, "1", refund.QuantityDelta)
	requireDecimal(t, "110", refund.ValueDelta)
	requireDecimal(t, "-200", refund.Revenue)
	requireDecimal(t, "110", refund.NewAverageValue)

	totals, err := store.GetSalesTotals(ctx, v.ID)
	require.NoError(t, err)
	requireDecimal(t, "3", totals.SoldQuantity)
	requireDecimal(t, "1", totals.RefundedQuantity)
	// (600 - 200) - (330 - 110)
	requireDecimal(t, "180", totals.EstimatedProfit())
}

func TestRecorderRetriesVersionConflict(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	metrics := newRecordingMetrics()
	rec := newTestRecorder(store, metrics)
	v := seedVariant(store, shopFloor)

	failures := 2
	store.casErr = func(StockVariant, Movement) error {
		if failures > 0 {
			failures--
			return ErrVersionConflict
		}
		return nil
	}
	mv, err := rec.Record(ctx, v.ID, Intake{Quantity: dec("1"), Value: dec("5")}, Provenance{})
	require.NoError(t, err)
	require.Equal(t, int64(1), mv.Version)
	require.Equal(t, 3, store.casCalls)
	require.Equal(t, 2, metrics.conflicts[string(MovementIntake)])
	require.Equal(t, 1, metrics.movements[string(MovementIntake)])
}

func TestRecorderGivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	cfg := fastRetries()
	cfg.MaxAttempts = 3
	rec := NewRecorder(store, valuation.NewModel(2, false), cfg, nil, nil, discardLogger())
	v := seedVariant(store, shopFloor)
	store.casErr = func(StockVariant, Movement) error { return ErrVersionConflict }

	_, err := rec.Record(ctx, v.ID, Intake{Quantity: dec("1"), Value: dec("5")}, Provenance{})
	require.ErrorIs(t, err, ErrConflict)
	require.Equal(t, 3, store.casCalls)
	require.Empty(t, store.history(v.ID))
}

func TestRecorderConcurrentSalesLoseNoUpdates(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	rec := newTestRecorder(store, nil)
	v := seedVariant(store, shopFloor)
	const n = 40
	_, err := rec.Record(ctx, v.ID, Intake{Quantity: decimal.NewFromInt(n + 10), Value: dec("5000")}, Provenance{})
	require.NoError(t, err)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			_, err := rec.Record(gctx, v.ID, Sale{Quantity: dec("1"), UnitPrice: dec("150")}, Provenance{})
			return err
		})
	}
	require.NoError(t, g.Wait())

	got, err := store.GetVariant(ctx, v.ID)
	require.NoError(t, err)
	requireDecimal(t, "10", got.Quantity)
	require.Equal(t, int64(n+1), got.Version)
	requireDecimal(t, "100", got.AverageValue)
	requireDecimal(t, "1000", got.TotalValue)

	history := store.history(v.ID)
	require.Len(t, history, n+1)
	seen := make(map[int64]bool, len(history))
	for _, mv := range history {
		require.False(t, seen[mv.Version], "duplicate version %d", mv.Version)
		seen[mv.Version] = true
	}
	totals, err := store.GetSalesTotals(ctx, v.ID)
	require.NoError(t, err)
	requireDecimal(t, "40", totals.SoldQuantity)
}

func TestRecorderConservesValue(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	rec := newTestRecorder(store, nil)
	v := seedVariant(store, shopFloor)

	intents := []Intent{
		Intake{Quantity: dec("3"), Value: dec("10")},
		Sale{Quantity: dec("1"), UnitPrice: dec("7")},
		Intake{Quantity: dec("7"), Value: dec("23.45")},
		Sale{Quantity: dec("4"), UnitPrice: dec("5")},
		Modification{Quantity: dec("6"), Value: dec("20.01")},
		Refund{Quantity: dec("2"), UnitPrice: dec("5")},
		Sale{Quantity: dec("8"), UnitPrice: dec("5")},
	}
	for _, intent := range intents {
		_, err := rec.Record(ctx, v.ID, intent, Provenance{})
		require.NoError(t, err)
	}

	sum := decimal.Zero
	qty := decimal.Zero
	for _, mv := range store.history(v.ID) {
		sum = sum.Add(mv.ValueDelta)
		qty = qty.Add(mv.QuantityDelta)
		require.True(t, mv.ValueDelta.Equal(mv.ValueDelta.Round(2)), "value delta %s not in minor units", mv.ValueDelta)
	}
	got, err := store.GetVariant(ctx, v.ID)
	require.NoError(t, err)
	require.True(t, sum.Equal(got.TotalValue), "sum %s total %s", sum, got.TotalValue)
	require.True(t, qty.Equal(got.Quantity))
	requireDecimal(t, "0", got.Quantity)
	requireDecimal(t, "0", got.TotalValue)
}
