package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockledger/internal/platform/db"
)

// Repository persists the ledger in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

const variantColumns = `id, stock_id, holding_kind, holding_id, name, quantity, total_value, average_value,
	alert_level, is_archived, version, created_at, updated_at`

const movementColumns = `id, stock_variant_id, version, movement_type, quantity_delta, value_delta,
	previous_quantity, new_quantity, previous_average_value, new_average_value, revenue, staff_id,
	supplier_id, counterparty_kind, counterparty_id, source_document_id, transfer_id, note,
	order_date, delivery_date, created_at`

const transferColumns = `id, stock_id, source_kind, source_id, destination_kind, destination_id,
	source_variant_id, destination_variant_id, quantity, value, status, out_movement_id,
	in_movement_id, compensation_movement_id, failure_reason, staff_id, created_at, updated_at`

// GetVariant loads the current state of a variant.
func (r *Repository) GetVariant(ctx context.Context, id uuid.UUID) (StockVariant, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+variantColumns+` FROM stock_variants WHERE id = $1`, id)
	return scanVariant(row)
}

// FindVariant looks a variant up by its natural key.
func (r *Repository) FindVariant(ctx context.Context, stockID uuid.UUID, holding HoldingRef, name string) (StockVariant, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+variantColumns+` FROM stock_variants
		WHERE stock_id = $1 AND holding_kind = $2 AND holding_id = $3 AND name = $4`,
		stockID, string(holding.Kind), holding.ID, name)
	return scanVariant(row)
}

// CreateVariant inserts a variant and its optional opening movement.
func (r *Repository) CreateVariant(ctx context.Context, v StockVariant, opening *Movement) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO stock_variants (`+variantColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			v.ID, v.StockID, string(v.Holding.Kind), v.Holding.ID, v.Name, v.Quantity, v.TotalValue,
			v.AverageValue, v.AlertLevel, v.Archived, v.Version, v.CreatedAt, v.UpdatedAt)
		if err != nil {
			return translateError(err)
		}
		if opening == nil {
			return nil
		}
		return insertMovement(ctx, tx, *opening)
	})
}

// CompareAndSwap writes next if the stored version still equals expectedVersion and appends the
// movement and sale aggregate delta in the same transaction.
func (r *Repository) CompareAndSwap(ctx context.Context, expectedVersion int64, next StockVariant, mv Movement, sales *SalesTotals) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE stock_variants
			SET quantity = $3, total_value = $4, average_value = $5, version = $6, updated_at = $7
			WHERE id = $1 AND version = $2`,
			next.ID, expectedVersion, next.Quantity, next.TotalValue, next.AverageValue, next.Version, next.UpdatedAt)
		if err != nil {
			return translateError(err)
		}
		if tag.RowsAffected() == 0 {
			return ErrVersionConflict
		}
		if err := insertMovement(ctx, tx, mv); err != nil {
			return err
		}
		if sales == nil {
			return nil
		}
		_, err = tx.Exec(ctx, `INSERT INTO stock_variant_sales (stock_variant_id, sold_quantity, revenue,
				cost_of_sales, refunded_quantity, refunded_revenue, refunded_cost, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (stock_variant_id) DO UPDATE SET
				sold_quantity = stock_variant_sales.sold_quantity + EXCLUDED.sold_quantity,
				revenue = stock_variant_sales.revenue + EXCLUDED.revenue,
				cost_of_sales = stock_variant_sales.cost_of_sales + EXCLUDED.cost_of_sales,
				refunded_quantity = stock_variant_sales.refunded_quantity + EXCLUDED.refunded_quantity,
				refunded_revenue = stock_variant_sales.refunded_revenue + EXCLUDED.refunded_revenue,
				refunded_cost = stock_variant_sales.refunded_cost + EXCLUDED.refunded_cost,
				updated_at = EXCLUDED.updated_at`,
			mv.StockVariantID, sales.SoldQuantity, sales.Revenue, sales.CostOfSales,
			sales.RefundedQuantity, sales.RefundedRevenue, sales.RefundedCost, mv.CreatedAt)
		return translateError(err)
	})
	// serialization failures can also surface at commit
	return translateError(err)
}

// ArchiveVariant flags a variant archived. The version is left untouched since no movement is
// written.
func (r *Repository) ArchiveVariant(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `UPDATE stock_variants SET is_archived = TRUE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListVariantIDs pages variant ids in ascending order starting after the given id.
func (r *Repository) ListVariantIDs(ctx context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM stock_variants WHERE id > $1 ORDER BY id ASC LIMIT $2`, after, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

// GetSalesTotals returns the sale aggregate, zero when the variant never sold.
func (r *Repository) GetSalesTotals(ctx context.Context, id uuid.UUID) (SalesTotals, error) {
	var t SalesTotals
	err := r.pool.QueryRow(ctx, `SELECT sold_quantity, revenue, cost_of_sales, refunded_quantity,
			refunded_revenue, refunded_cost
		FROM stock_variant_sales WHERE stock_variant_id = $1`, id).
		Scan(&t.SoldQuantity, &t.Revenue, &t.CostOfSales, &t.RefundedQuantity, &t.RefundedRevenue, &t.RefundedCost)
	if errors.Is(err, pgx.ErrNoRows) {
		return SalesTotals{}, nil
	}
	return t, err
}

// ListMovements returns one page of history and the total count matching the filter.
func (r *Repository) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, int, error) {
	where := []string{"stock_variant_id = $1"}
	args := []any{filter.StockVariantID}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}
	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		args = append(args, types)
		where = append(where, fmt.Sprintf("movement_type = ANY($%d)", len(args)))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM stock_movements WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	order := "DESC"
	if filter.Ascending {
		order = "ASC"
	}
	args = append(args, filter.PageSize, (filter.Page-1)*filter.PageSize)
	query := fmt.Sprintf(`SELECT %s FROM stock_movements WHERE %s ORDER BY created_at %s, version %s LIMIT $%d OFFSET $%d`,
		movementColumns, clause, order, order, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectMovements(rows)
	return items, total, err
}

// MovementsAfter returns movements with version > afterVersion in version order.
func (r *Repository) MovementsAfter(ctx context.Context, variantID uuid.UUID, afterVersion int64, limit int) ([]Movement, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+movementColumns+` FROM stock_movements
		WHERE stock_variant_id = $1 AND version > $2 ORDER BY version ASC LIMIT $3`, variantID, afterVersion, limit)
	if err != nil {
		return nil, err
	}
	return collectMovements(rows)
}

// CreateTransfer inserts a transfer row.
func (r *Repository) CreateTransfer(ctx context.Context, t Transfer) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO stock_transfers (`+transferColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		t.ID, t.StockID, string(t.Source.Kind), t.Source.ID, string(t.Destination.Kind), t.Destination.ID,
		t.SourceVariantID, t.DestinationVariantID, t.Quantity, t.Value, string(t.Status), t.OutMovementID,
		t.InMovementID, t.CompensationMovementID, t.FailureReason, t.StaffID, t.CreatedAt, t.UpdatedAt)
	return translateError(err)
}

// UpdateTransfer persists saga progress as a compare-and-set on the current status.
func (r *Repository) UpdateTransfer(ctx context.Context, t Transfer, from ...TransferStatus) error {
	if len(from) == 0 {
		return errors.New("inventory: update transfer requires an expected status")
	}
	expected := make([]string, len(from))
	for i, s := range from {
		expected[i] = string(s)
	}
	tag, err := r.pool.Exec(ctx, `UPDATE stock_transfers SET destination_variant_id = $2, value = $3,
			status = $4, out_movement_id = $5, in_movement_id = $6, compensation_movement_id = $7,
			failure_reason = $8, updated_at = $9
		WHERE id = $1 AND status = ANY($10)`,
		t.ID, t.DestinationVariantID, t.Value, string(t.Status), t.OutMovementID, t.InMovementID,
		t.CompensationMovementID, t.FailureReason, t.UpdatedAt, expected)
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM stock_transfers WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return fmt.Errorf("%w: transfer %s", ErrTransferStatusChanged, t.ID)
}

// GetTransfer loads one transfer.
func (r *Repository) GetTransfer(ctx context.Context, id uuid.UUID) (Transfer, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+transferColumns+` FROM stock_transfers WHERE id = $1`, id)
	return scanTransfer(row)
}

// ListTransfers returns transfers matching the filter, least recently updated first.
func (r *Repository) ListTransfers(ctx context.Context, filter TransferFilter) ([]Transfer, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if !filter.OlderThan.IsZero() {
		args = append(args, filter.OlderThan)
		where = append(where, fmt.Sprintf("updated_at < $%d", len(args)))
	}
	query := `SELECT ` + transferColumns + ` FROM stock_transfers`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = maxPageSize
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY updated_at ASC LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func insertMovement(ctx context.Context, tx pgx.Tx, mv Movement) error {
	var (
		counterpartyKind *string
		counterpartyID   *uuid.UUID
	)
	if mv.CounterpartyHolding != nil {
		kind, id := string(mv.CounterpartyHolding.Kind), mv.CounterpartyHolding.ID
		counterpartyKind, counterpartyID = &kind, &id
	}
	_, err := tx.Exec(ctx, `INSERT INTO stock_movements (`+movementColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		mv.ID, mv.StockVariantID, mv.Version, string(mv.Type), mv.QuantityDelta, mv.ValueDelta,
		mv.PreviousQuantity, mv.NewQuantity, mv.PreviousAverageValue, mv.NewAverageValue, mv.Revenue,
		mv.StaffID, mv.SupplierID, counterpartyKind, counterpartyID, mv.SourceDocumentID, mv.TransferID,
		mv.Note, mv.OrderDate, mv.DeliveryDate, mv.CreatedAt)
	return translateError(err)
}

func scanVariant(row pgx.Row) (StockVariant, error) {
	var (
		v    StockVariant
		kind string
	)
	err := row.Scan(&v.ID, &v.StockID, &kind, &v.Holding.ID, &v.Name, &v.Quantity, &v.TotalValue,
		&v.AverageValue, &v.AlertLevel, &v.Archived, &v.Version, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return StockVariant{}, ErrNotFound
	}
	if err != nil {
		return StockVariant{}, err
	}
	v.Holding.Kind = HoldingKind(kind)
	return v, nil
}

func collectMovements(rows pgx.Rows) ([]Movement, error) {
	defer rows.Close()
	var out []Movement
	for rows.Next() {
		var (
			mv               Movement
			movementType     string
			counterpartyKind *string
			counterpartyID   *uuid.UUID
		)
		err := rows.Scan(&mv.ID, &mv.StockVariantID, &mv.Version, &movementType, &mv.QuantityDelta,
			&mv.ValueDelta, &mv.PreviousQuantity, &mv.NewQuantity, &mv.PreviousAverageValue,
			&mv.NewAverageValue, &mv.Revenue, &mv.StaffID, &mv.SupplierID, &counterpartyKind,
			&counterpartyID, &mv.SourceDocumentID, &mv.TransferID, &mv.Note, &mv.OrderDate,
			&mv.DeliveryDate, &mv.CreatedAt)
		if err != nil {
			return nil, err
		}
		mv.Type = MovementType(movementType)
		if counterpartyKind != nil && counterpartyID != nil {
			mv.CounterpartyHolding = &HoldingRef{Kind: HoldingKind(*counterpartyKind), ID: *counterpartyID}
		}
		out = append(out, mv)
	}
	return out, rows.Err()
}

func scanTransfer(row pgx.Row) (Transfer, error) {
	var (
		t                Transfer
		srcKind, dstKind string
		status           string
	)
	err := row.Scan(&t.ID, &t.StockID, &srcKind, &t.Source.ID, &dstKind, &t.Destination.ID,
		&t.SourceVariantID, &t.DestinationVariantID, &t.Quantity, &t.Value, &status, &t.OutMovementID,
		&t.InMovementID, &t.CompensationMovementID, &t.FailureReason, &t.StaffID, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Transfer{}, ErrNotFound
	}
	if err != nil {
		return Transfer{}, err
	}
	t.Source.Kind = HoldingKind(srcKind)
	t.Destination.Kind = HoldingKind(dstKind)
	t.Status = TransferStatus(status)
	return t, nil
}

// translateError maps PostgreSQL failures onto ledger errors.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	if db.Retryable(err) {
		return fmt.Errorf("%w: %s", ErrVersionConflict, pgErr.Message)
	}
	switch pgErr.Code {
	case db.CodeUniqueViolation:
		if pgErr.ConstraintName == "stock_movements_variant_version_key" {
			return fmt.Errorf("%w: %s", ErrVersionConflict, pgErr.Message)
		}
		if pgErr.TableName == "stock_variants" {
			return fmt.Errorf("%w: %s", ErrDuplicateVariant, pgErr.Message)
		}
	case db.CodeForeignKeyViolation:
		return fmt.Errorf("%w: %s", ErrNotFound, pgErr.Message)
	}
	return err
}
