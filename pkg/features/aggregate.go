package features

import (
	"time"

	"github.com/clinsight-ai/platform/pkg/common/models"
	"github.com/clinsight-ai/platform/pkg/schema"
)

// aggregate applies the entry's aggregation rule to its qualifying events.
// Callers guarantee events is non-empty and sorted by timestamp.
func aggregate(entry schema.Entry, events []models.ClinicalEvent, cutoff time.Time, lookback time.Duration) schema.Value {
	switch entry.Aggregation {
	case schema.AggCount:
		return numeric(float64(len(events)))
	case schema.AggMean:
		return numeric(stableMean(events))
	case schema.AggMin:
		min := events[0].Value
		for _, e := range events[1:] {
			if e.Value < min {
				min = e.Value
			}
		}
		return numeric(min)
	case schema.AggMax:
		max := events[0].Value
		for _, e := range events[1:] {
			if e.Value > max {
				max = e.Value
			}
		}
		return numeric(max)
	case schema.AggLast:
		return numeric(events[len(events)-1].Value)
	case schema.AggTimeSinceLast:
		last := events[len(events)-1].Timestamp
		return numeric(cutoff.Sub(last).Hours())
	case schema.AggFrequency:
		// events per 24h of window
		days := lookback.Hours() / 24
		if days <= 0 {
			days = 1
		}
		return numeric(float64(len(events)) / days)
	case schema.AggPresent:
		return schema.Value{Type: schema.TypeBoolean, Num: 1}
	case schema.AggLastCode:
		for i := len(events) - 1; i >= 0; i-- {
			if events[i].Code != "" {
				return schema.Value{Type: schema.TypeCategorical, Code: events[i].Code}
			}
		}
		return entry.MissingValue()
	}
	return entry.MissingValue()
}

func numeric(v float64) schema.Value {
	return schema.Value{Type: schema.TypeNumeric, Num: v}
}

// stableMean uses Kahan compensated summation so the accumulated sum does
// not drift under large-magnitude cancellation, keeping synthesis
// bit-reproducible across runs.
func stableMean(events []models.ClinicalEvent) float64 {
	var sum, comp float64
	for _, e := range events {
		y := e.Value - comp
		t := sum + y
		comp = (t - sum) - y
		sum = t
	}
	return sum / float64(len(events))
}
