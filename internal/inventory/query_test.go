package inventory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestListMovementsPaging(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	rec := newTestRecorder(store, nil)
	v := seedVariant(store, shopFloor)
	for i := 0; i < 25; i++ {
		_, err := rec.Record(ctx, v.ID, Intake{Quantity: dec("1"), Value: dec("2")}, Provenance{})
		require.NoError(t, err)
	}
	_, err := rec.Record(ctx, v.ID, Sale{Quantity: dec("1"), UnitPrice: dec("3")}, Provenance{})
	require.NoError(t, err)
	q := NewQueryService(store)

	page, err := q.ListMovements(ctx, MovementFilter{StockVariantID: v.ID})
	require.NoError(t, err)
	require.Len(t, page.Items, 20)
	require.Equal(t, 26, page.Pagination.Total)
	require.Equal(t, 2, page.Pagination.TotalPages)
	require.Equal(t, int64(26), page.Items[0].Version)

	second, err := q.ListMovements(ctx, MovementFilter{StockVariantID: v.ID, Page: 2})
	require.NoError(t, err)
	require.Len(t, second.Items, 6)

	asc, err := q.ListMovements(ctx, MovementFilter{StockVariantID: v.ID, PageSize: 1000, Ascending: true})
	require.NoError(t, err)
	require.Equal(t, 200, asc.Pagination.PerPage)
	require.Len(t, asc.Items, 26)
	require.Equal(t, int64(1), asc.Items[0].Version)

	sales, err := q.ListMovements(ctx, MovementFilter{StockVariantID: v.ID, Types: []MovementType{MovementSale}})
	require.NoError(t, err)
	require.Len(t, sales.Items, 1)

	future, err := q.ListMovements(ctx, MovementFilter{StockVariantID: v.ID, From: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	require.NotNil(t, future.Items)
	require.Empty(t, future.Items)

	_, err = q.ListMovements(ctx, MovementFilter{StockVariantID: uuid.New()})
	require.ErrorIs(t, err, ErrNotFound)
	_, err = q.ListMovements(ctx, MovementFilter{StockVariantID: v.ID, From: time.Now(), To: time.Now().Add(-time.Hour)})
	require.ErrorIs(t, err, ErrInvalidDateRange)
}

func TestVerifyChainReplaysHistory(t *testing.T) {
	ctx := context.Background()
	f := newTransferFixture(t)
	rec := newTestRecorder(f.store, nil)
	_, err := rec.Record(ctx, f.source.ID, Sale{Quantity: dec("3"), UnitPrice: dec("170")}, Provenance{})
	require.NoError(t, err)
	res, err := f.coord.Transfer(ctx, TransferRequest{SourceVariantID: f.source.ID, Destination: backRoom, Quantity: dec("4")})
	require.NoError(t, err)
	_, err = rec.Record(ctx, f.source.ID, Modification{Quantity: dec("12"), Value: dec("1700.5")}, Provenance{})
	require.NoError(t, err)
	_, err = rec.Record(ctx, f.source.ID, Refund{Quantity: dec("1"), UnitPrice: dec("170")}, Provenance{})
	require.NoError(t, err)

	q := NewQueryService(f.store)
	report, err := q.VerifyChain(ctx, f.source.ID)
	require.NoError(t, err)
	require.True(t, report.OK(), "problems: %v", report.Problems)
	require.Equal(t, 6, report.Movements)
	require.Equal(t, int64(6), report.LastVersion)
	require.True(t, report.Replayed.TotalValue.Equal(report.Stored.TotalValue))

	dst, err := q.VerifyChain(ctx, *res.Transfer.DestinationVariantID)
	require.NoError(t, err)
	require.True(t, dst.OK(), "problems: %v", dst.Problems)
	require.Equal(t, 1, dst.Movements)
}

func TestVerifyChainDetectsDrift(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	rec := newTestRecorder(store, nil)
	v := seedVariant(store, shopFloor)
	_, err := rec.Record(ctx, v.ID, Intake{Quantity: dec("4"), Value: dec("40")}, Provenance{})
	require.NoError(t, err)

	drifted, err := store.GetVariant(ctx, v.ID)
	require.NoError(t, err)
	drifted.Quantity = dec("5")
	drifted.Version = 3
	store.putVariant(drifted)

	report, err := NewQueryService(store).VerifyChain(ctx, v.ID)
	require.NoError(t, err)
	require.False(t, report.OK())
	require.Len(t, report.Problems, 2)

	_, err = NewQueryService(store).VerifyChain(ctx, uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestProvisionedOpeningBalanceReplays(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	svc := newTestService(store, nil, nil)

	v, err := svc.ProvisionVariant(ctx, ProvisionInput{
		StockID:         uuid.New(),
		Holding:         shopFloor,
		Name:            "Red / XL",
		OpeningQuantity: dec("7"),
		OpeningValue:    dec("70"),
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), v.Version)

	report, err := svc.VerifyChain(ctx, v.ID)
	require.NoError(t, err)
	require.True(t, report.OK(), "problems: %v", report.Problems)
	require.Equal(t, 1, report.Movements)
}
