package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
)

// TransferSweeper flags transfers that stopped before reaching a terminal status.
type TransferSweeper interface {
	FlagStuckTransfers(ctx context.Context, cutoff time.Time, limit int) ([]inventory.Transfer, error)
}

// ReconcileTransfersJob marks transfers left PENDING or OUT_POSTED for longer than the
// threshold as RECONCILIATION_REQUIRED. It never retries the transfer itself.
type ReconcileTransfersJob struct {
	Ledger    TransferSweeper
	Threshold time.Duration
	Batch     int
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	clock     func() time.Time
}

// NewReconcileTransfersJob wires the reconciliation sweep.
func NewReconcileTransfersJob(ledger TransferSweeper, threshold time.Duration, batch int, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReconcileTransfersJob {
	return &ReconcileTransfersJob{
		Ledger:    ledger,
		Threshold: threshold,
		Batch:     batch,
		Logger:    logger,
		Metrics:   metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle runs one sweep.
func (j *ReconcileTransfersJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Ledger == nil {
		return errors.New("reconcile transfers: handler not configured")
	}
	var payload ReconcilePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	threshold := j.Threshold
	if payload.OlderThan > 0 {
		threshold = payload.OlderThan
	}
	if threshold <= 0 {
		threshold = 10 * time.Minute
	}
	limit := j.Batch
	if payload.Limit > 0 {
		limit = payload.Limit
	}
	if limit <= 0 {
		limit = 100
	}

	tracker := j.metrics().Track(TaskReconcileTransfers)
	defer func() {
		err = tracker.End(err)
	}()

	cutoff := j.now().Add(-threshold)
	logger := j.logger().With(slog.Time("cutoff", cutoff), slog.Int("limit", limit))
	flagged, err := j.Ledger.FlagStuckTransfers(ctx, cutoff, limit)
	if err != nil {
		logger.Error("sweep failed", slog.Any("error", err))
		return err
	}
	for _, tr := range flagged {
		logger.Warn("transfer flagged for reconciliation",
			slog.String("transfer_id", tr.ID.String()),
			slog.String("source_variant_id", tr.SourceVariantID.String()),
			slog.String("quantity", tr.Quantity.String()),
			slog.String("reason", tr.FailureReason),
		)
	}
	j.metrics().AddFindings(TaskReconcileTransfers, "reconciliation_required", len(flagged))
	logger.Info("completed reconciliation sweep", slog.Int("flagged", len(flagged)))
	return nil
}

func (j *ReconcileTransfersJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskReconcileTransfers))
	}
	return slog.Default().With(slog.String("job", TaskReconcileTransfers))
}

func (j *ReconcileTransfersJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *ReconcileTransfersJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
