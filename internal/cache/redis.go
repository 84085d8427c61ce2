// Package cache keeps computed risk summaries in Redis so repeated queries
// against the same generation skip the computation.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"PerpRisk/internal/observability"
	"PerpRisk/internal/risk"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SummaryCache is a Redis cache of RiskSummary keyed by user and generation.
// A summary is only ever served for the generation it was computed on, so
// publishing a new generation invalidates everything implicitly; TTL reclaims
// the old keys.
type SummaryCache struct {
	rdb     redis.UniversalClient
	ttl     time.Duration
	metrics *observability.Metrics
}

func NewSummaryCache(rdb redis.UniversalClient, ttl time.Duration, metrics *observability.Metrics) *SummaryCache {
	return &SummaryCache{rdb: rdb, ttl: ttl, metrics: metrics}
}

// Get returns the cached summary, or ok=false on a miss. Undecodable entries
// count as misses.
func (c *SummaryCache) Get(ctx context.Context, userID uuid.UUID, generation uint64) (*risk.RiskSummary, bool, error) {
	data, err := c.rdb.Get(ctx, summaryKey(userID, generation)).Bytes()
	if errors.Is(err, redis.Nil) {
		c.metrics.CacheMisses.Inc()
		return nil, false, nil
	}
	if err != nil {
		c.metrics.CacheErrors.WithLabelValues("get").Inc()
		return nil, false, fmt.Errorf("cache get: %w", err)
	}

	var s risk.RiskSummary
	if err := json.Unmarshal(data, &s); err != nil {
		c.metrics.CacheMisses.Inc()
		return nil, false, nil
	}
	c.metrics.CacheHits.Inc()
	return &s, true, nil
}

// Set caches one summary under its own generation.
func (c *SummaryCache) Set(ctx context.Context, s *risk.RiskSummary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	if err := c.rdb.Set(ctx, summaryKey(s.UserID, s.Generation), data, c.ttl).Err(); err != nil {
		c.metrics.CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// SetMany caches a sweep's summaries in one round trip.
func (c *SummaryCache) SetMany(ctx context.Context, summaries []*risk.RiskSummary) error {
	if len(summaries) == 0 {
		return nil
	}
	_, err := c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, s := range summaries {
			data, err := json.Marshal(s)
			if err != nil {
				return fmt.Errorf("marshal summary: %w", err)
			}
			p.Set(ctx, summaryKey(s.UserID, s.Generation), data, c.ttl)
		}
		return nil
	})
	if err != nil {
		c.metrics.CacheErrors.WithLabelValues("set_many").Inc()
		return fmt.Errorf("cache pipeline: %w", err)
	}
	return nil
}

// Ping is the readiness check.
func (c *SummaryCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func summaryKey(userID uuid.UUID, generation uint64) string {
	return fmt.Sprintf("perprisk:summary:%s:%d", userID, generation)
}
