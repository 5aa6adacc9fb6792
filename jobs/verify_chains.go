package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
)

const verifyPageSize = 500

// ChainVerifier replays stock variant histories.
type ChainVerifier interface {
	ListVariantIDs(ctx context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error)
	VerifyChain(ctx context.Context, variantID uuid.UUID) (inventory.ChainReport, error)
}

// VerifyChainsJob checks that every variant's stored state equals the replay of its movements.
type VerifyChainsJob struct {
	Ledger      ChainVerifier
	Concurrency int
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
}

// NewVerifyChainsJob wires the chain verification handler.
func NewVerifyChainsJob(ledger ChainVerifier, concurrency int, logger *slog.Logger, metrics *jobmetrics.Metrics) *VerifyChainsJob {
	return &VerifyChainsJob{Ledger: ledger, Concurrency: concurrency, Logger: logger, Metrics: metrics}
}

// VerifySummary is the outcome of one verification run.
type VerifySummary struct {
	Checked int
	Broken  []inventory.ChainReport
}

// Handle processes TaskVerifyChains tasks.
func (j *VerifyChainsJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Ledger == nil {
		return errors.New("verify chains: handler not configured")
	}
	var payload VerifyChainsPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	tracker := j.metrics().Track(TaskVerifyChains)
	defer func() {
		err = tracker.End(err)
	}()

	start := time.Now()
	summary, err := j.Run(ctx, payload.VariantIDs)
	if err != nil {
		j.logger().Error("verification failed", slog.Int("checked", summary.Checked), slog.Any("error", err))
		return err
	}
	j.logger().Info("completed chain verification",
		slog.Int("checked", summary.Checked),
		slog.Int("broken", len(summary.Broken)),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

// Run verifies the given variants, or every variant when ids is empty.
func (j *VerifyChainsJob) Run(ctx context.Context, ids []uuid.UUID) (VerifySummary, error) {
	var summary VerifySummary
	if len(ids) > 0 {
		err := j.verifyBatch(ctx, ids, &summary)
		return summary, err
	}
	after := uuid.Nil
	for {
		page, err := j.Ledger.ListVariantIDs(ctx, after, verifyPageSize)
		if err != nil {
			return summary, err
		}
		if len(page) == 0 {
			return summary, nil
		}
		if err := j.verifyBatch(ctx, page, &summary); err != nil {
			return summary, err
		}
		if len(page) < verifyPageSize {
			return summary, nil
		}
		after = page[len(page)-1]
	}
}

func (j *VerifyChainsJob) verifyBatch(ctx context.Context, ids []uuid.UUID, summary *VerifySummary) error {
	limit := j.Concurrency
	if limit <= 0 {
		limit = 4
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, id := range ids {
		g.Go(func() error {
			report, err := j.Ledger.VerifyChain(gctx, id)
			if errors.Is(err, inventory.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			summary.Checked++
			if !report.OK() {
				summary.Broken = append(summary.Broken, report)
				j.logger().Error("stock variant history does not replay",
					slog.String("stock_variant_id", id.String()),
					slog.Any("problems", report.Problems),
				)
				j.metrics().AddFindings(TaskVerifyChains, "broken_chain", 1)
			}
			return nil
		})
	}
	return g.Wait()
}

func (j *VerifyChainsJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskVerifyChains))
	}
	return slog.Default().With(slog.String("job", TaskVerifyChains))
}

func (j *VerifyChainsJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
