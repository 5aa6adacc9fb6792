package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const summaryKeyPrefix = "ledger:summary"

// SummaryCache keeps summaries in redis behind a per-variant generation counter. Invalidate
// bumps the generation so stale entries are never read again and simply expire.
type SummaryCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSummaryCache instantiates the cache helper. A nil client disables caching.
func NewSummaryCache(client *redis.Client, ttl time.Duration) *SummaryCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &SummaryCache{client: client, ttl: ttl}
}

func generationKey(variantID uuid.UUID) string {
	return fmt.Sprintf("%s:%s:gen", summaryKeyPrefix, variantID)
}

func entryKey(variantID uuid.UUID, gen int64) string {
	return fmt.Sprintf("%s:%s:%d", summaryKeyPrefix, variantID, gen)
}

// Generation returns the current generation of a variant, zero when never bumped.
func (c *SummaryCache) Generation(ctx context.Context, variantID uuid.UUID) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	gen, err := c.client.Get(ctx, generationKey(variantID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// FetchSummary loads a cached summary or populates it using the loader.
func (c *SummaryCache) FetchSummary(ctx context.Context, variantID uuid.UUID, loader func(context.Context) (StockVariantSummary, error)) (StockVariantSummary, error) {
	if loader == nil {
		return StockVariantSummary{}, errors.New("cache: loader required")
	}
	if c == nil || c.client == nil {
		return loader(ctx)
	}
	gen, err := c.Generation(ctx, variantID)
	if err != nil {
		return StockVariantSummary{}, err
	}
	key := entryKey(variantID, gen)
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var summary StockVariantSummary
		if err := json.Unmarshal(payload, &summary); err != nil {
			return StockVariantSummary{}, err
		}
		return summary, nil
	}
	if !errors.Is(err, redis.Nil) {
		return StockVariantSummary{}, err
	}
	summary, err := loader(ctx)
	if err != nil {
		return StockVariantSummary{}, err
	}
	raw, err := json.Marshal(summary)
	if err != nil {
		return StockVariantSummary{}, err
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return StockVariantSummary{}, err
	}
	return summary, nil
}

// Invalidate bumps the variant generation.
func (c *SummaryCache) Invalidate(ctx context.Context, variantID uuid.UUID) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, generationKey(variantID)).Err()
}
