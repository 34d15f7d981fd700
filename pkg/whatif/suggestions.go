package whatif

import (
	"math"
	"sort"

	"github.com/clinsight-ai/platform/pkg/common/models"
	"github.com/clinsight-ai/platform/pkg/schema"
)

// referenceBand is the ±1.96σ interval around the cohort mean inside which
// a value is considered normal.
const referenceZ = 1.96

// Suggestions sweeps the base vector's numeric features and, for each one
// lying outside its cohort reference band, re-scores with that single
// feature pulled to the nearest band edge. The result shows how much of
// the risk each out-of-range value accounts for on its own.
func (r *Rescorer) Suggestions(base *schema.FeatureVector) ([]models.WhatIfSuggestion, error) {
	if err := r.sch.CheckVersion(base); err != nil {
		return nil, err
	}
	stats := r.scorer.Artifact().FeatureStats

	var suggestions []models.WhatIfSuggestion
	for i, entry := range r.sch.Entries {
		if entry.Type != schema.TypeNumeric || entry.Derived != nil {
			continue
		}
		stat, ok := stats[entry.Name]
		if !ok || stat.Std == 0 {
			continue
		}
		value := base.Values[i]
		if value.Missing {
			continue
		}
		low := stat.Mean - referenceZ*stat.Std
		high := stat.Mean + referenceZ*stat.Std

		var target float64
		switch {
		case value.Num > high:
			target = high
		case value.Num < low:
			target = low
		default:
			continue
		}
		target = clampToRange(entry, target)

		result, err := r.Rescore(base, map[string]interface{}{entry.Name: target})
		if err != nil {
			return nil, err
		}
		suggestions = append(suggestions, models.WhatIfSuggestion{
			FeatureName:  entry.Name,
			CurrentValue: value.Num,
			TargetValue:  target,
			Probability:  result.Probability,
			Contribution: contributionFor(result.Attribution, entry.Name),
		})
	}

	sort.Slice(suggestions, func(i, j int) bool {
		di, dj := math.Abs(suggestions[i].Contribution), math.Abs(suggestions[j].Contribution)
		if di != dj {
			return di > dj
		}
		return suggestions[i].FeatureName < suggestions[j].FeatureName
	})
	return suggestions, nil
}

func clampToRange(entry schema.Entry, v float64) float64 {
	if entry.Min != nil && v < *entry.Min {
		v = *entry.Min
	}
	if entry.Max != nil && v > *entry.Max {
		v = *entry.Max
	}
	return v
}

func contributionFor(attribution models.Attribution, name string) float64 {
	for _, e := range attribution.Entries {
		if e.FeatureName == name {
			return e.Contribution
		}
	}
	return 0
}
