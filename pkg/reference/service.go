package reference

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/clinsight-ai/platform/pkg/common/logger"
	"github.com/clinsight-ai/platform/pkg/common/models"
	"github.com/clinsight-ai/platform/pkg/ehr"
	"github.com/redis/go-redis/v9"
)

// Service computes cohort reference values: for every item of an event
// type, the mean, standard deviation, count and 95% interval of observed
// values. The serving layer renders these as the "normal band" next to a
// patient's own measurements, and what-if suggestions pull outliers back
// to these bands.
//
// Full-cohort results are cached in Redis; a stale read is acceptable
// because reference statistics move slowly.
type Service struct {
	store ehr.Store
	redis *redis.Client
	ttl   time.Duration
}

func NewService(store ehr.Store, redisClient *redis.Client, ttl time.Duration) *Service {
	return &Service{store: store, redis: redisClient, ttl: ttl}
}

// ForEventType returns per-item reference statistics over the cohort. A
// non-empty patientIDs restricts the cohort and bypasses the cache.
func (s *Service) ForEventType(ctx context.Context, eventType string, patientIDs []string) (map[string]models.ReferenceStats, error) {
	cacheable := len(patientIDs) == 0 && s.redis != nil
	key := fmt.Sprintf("reference:%s", eventType)

	if cacheable {
		if cached, err := s.redis.Get(ctx, key).Result(); err == nil {
			var out map[string]models.ReferenceStats
			if err := json.Unmarshal([]byte(cached), &out); err == nil {
				return out, nil
			}
		}
	}

	events, err := s.store.EventsByType(ctx, eventType, patientIDs)
	if err != nil {
		return nil, fmt.Errorf("event store: %w", err)
	}

	accs := make(map[string]*welford)
	for _, e := range events {
		acc, ok := accs[e.ItemID]
		if !ok {
			acc = &welford{}
			accs[e.ItemID] = acc
		}
		acc.add(e.Value)
	}

	out := make(map[string]models.ReferenceStats, len(accs))
	for item, acc := range accs {
		mean, std := acc.mean, acc.stddev()
		out[item] = models.ReferenceStats{
			Mean:  mean,
			Std:   std,
			Count: acc.count,
			CI95:  [2]float64{mean - 1.96*std, mean + 1.96*std},
		}
	}

	if cacheable {
		if payload, err := json.Marshal(out); err == nil {
			if err := s.redis.Set(ctx, key, payload, s.ttl).Err(); err != nil {
				logger.Log.WithError(err).WithField("key", key).Warn("failed to cache reference values")
			}
		}
	}
	return out, nil
}

// welford accumulates mean and variance in one pass without catastrophic
// cancellation.
type welford struct {
	count int
	mean  float64
	m2    float64
}

func (w *welford) add(v float64) {
	w.count++
	delta := v - w.mean
	w.mean += delta / float64(w.count)
	w.m2 += delta * (v - w.mean)
}

func (w *welford) stddev() float64 {
	if w.count < 2 {
		return 0
	}
	return math.Sqrt(w.m2 / float64(w.count-1))
}
