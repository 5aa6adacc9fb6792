package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/stockledger/internal/inventory/valuation"
)

// RecorderConfig bounds retries and store calls.
type RecorderConfig struct {
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	StoreTimeout   time.Duration
}

func (c RecorderConfig) withDefaults() RecorderConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 5 * time.Millisecond
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		c.RetryMaxDelay = 50 * c.RetryBaseDelay
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	return c
}

// SummaryInvalidator drops cached summaries after a variant changes.
type SummaryInvalidator interface {
	Invalidate(ctx context.Context, variantID uuid.UUID) error
}

// Recorder is the only writer of variant state. Each successful write bumps the variant
// version by one and appends exactly one movement.
type Recorder struct {
	store   VariantStore
	model   valuation.Model
	cfg     RecorderConfig
	cache   SummaryInvalidator
	metrics Metrics
	logger  *slog.Logger

	now   func() time.Time
	newID func() uuid.UUID
}

// NewRecorder builds a Recorder. cache, metrics and logger may be nil.
func NewRecorder(store VariantStore, model valuation.Model, cfg RecorderConfig, cache SummaryInvalidator, metrics Metrics, logger *slog.Logger) *Recorder {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:   store,
		model:   model,
		cfg:     cfg.withDefaults(),
		cache:   cache,
		metrics: metrics,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.New,
	}
}

// Model exposes the costing model in use.
func (r *Recorder) Model() valuation.Model {
	return r.model
}

// Record applies intent to the variant and appends the resulting movement.
func (r *Recorder) Record(ctx context.Context, variantID uuid.UUID, intent Intent, prov Provenance) (Movement, error) {
	if intent == nil {
		return Movement{}, errors.New("inventory: intent required")
	}
	if variantID == uuid.Nil {
		return Movement{}, ErrNotFound
	}
	for attempt := 1; ; attempt++ {
		mv, err := r.attempt(ctx, variantID, intent, prov)
		if err == nil {
			r.committed(ctx, mv)
			return mv, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return Movement{}, err
		}
		r.metrics.ObserveConflict(string(intent.Type()))
		if attempt >= r.cfg.MaxAttempts {
			r.logger.Warn("inventory retry budget exhausted",
				slog.String("variant_id", variantID.String()),
				slog.String("movement_type", string(intent.Type())),
				slog.Int("attempts", attempt))
			return Movement{}, fmt.Errorf("%w: variant %s after %d attempts", ErrConflict, variantID, attempt)
		}
		if err := r.backoff(ctx, attempt); err != nil {
			return Movement{}, err
		}
	}
}

func (r *Recorder) attempt(ctx context.Context, variantID uuid.UUID, intent Intent, prov Provenance) (Movement, error) {
	readCtx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	current, err := r.store.GetVariant(readCtx, variantID)
	cancel()
	if err != nil {
		return Movement{}, err
	}
	if _, reversal := intent.(Reversal); current.Archived && !reversal {
		return Movement{}, ErrArchived
	}
	res, err := intent.apply(r.model, current.State())
	if err != nil {
		return Movement{}, err
	}
	now := r.now()
	next := current.withState(res.State, now)
	mv := Movement{
		ID:                   r.newID(),
		StockVariantID:       current.ID,
		Version:              next.Version,
		Type:                 intent.Type(),
		QuantityDelta:        res.QuantityDelta,
		ValueDelta:           res.ValueDelta,
		PreviousQuantity:     current.Quantity,
		NewQuantity:          next.Quantity,
		PreviousAverageValue: current.AverageValue,
		NewAverageValue:      next.AverageValue,
		StaffID:              prov.StaffID,
		SourceDocumentID:     prov.SourceDocumentID,
		Note:                 prov.Note,
		CreatedAt:            now,
	}
	sales := intent.decorate(r.model, &mv, res)

	writeCtx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()
	if err := r.store.CompareAndSwap(writeCtx, current.Version, next, mv, sales); err != nil {
		return Movement{}, err
	}
	return mv, nil
}

const invalidateAttempts = 3

// committed runs after the write is durable. Invalidation ignores the caller's cancellation.
func (r *Recorder) committed(ctx context.Context, mv Movement) {
	r.metrics.ObserveMovement(string(mv.Type))
	if r.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.StoreTimeout)
	defer cancel()
	var err error
	for attempt := 1; attempt <= invalidateAttempts; attempt++ {
		if err = r.cache.Invalidate(ctx, mv.StockVariantID); err == nil {
			return
		}
		if attempt < invalidateAttempts && r.backoff(ctx, attempt) != nil {
			break
		}
	}
	r.logger.Warn("invalidate stock summary", slog.String("variant_id", mv.StockVariantID.String()), slog.Any("error", err))
}

// backoff sleeps base*2^(attempt-1), capped, plus up to the same amount of jitter.
func (r *Recorder) backoff(ctx context.Context, attempt int) error {
	delay := r.cfg.RetryMaxDelay
	if attempt < 32 {
		delay = min(r.cfg.RetryBaseDelay<<(attempt-1), r.cfg.RetryMaxDelay)
	}
	delay += time.Duration(rand.Int64N(int64(delay) + 1))
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
