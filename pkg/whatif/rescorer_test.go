package whatif

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/clinsight-ai/platform/pkg/explain"
	"github.com/clinsight-ai/platform/pkg/ml/logistic"
	"github.com/clinsight-ai/platform/pkg/schema"
	"github.com/clinsight-ai/platform/pkg/scoring"
)

const testRegistry = `
current: "v1"
schemas:
  - version: "v1"
    features:
      - name: hr_mean
        type: numeric
        event_type: chart
        item_id: heart_rate
        aggregation: mean
        min: 0
        max: 300
        missing: {policy: population_mean, value: 80}
      - name: sbp_last
        type: numeric
        event_type: chart
        item_id: sbp
        aggregation: last
        min: 0
        max: 300
        missing: {policy: population_mean, value: 120}
      - name: adm_type
        type: categorical
        event_type: demographic
        item_id: admission_type
        aggregation: last_code
        categories: [emergency, elective]
        missing: {policy: default_code, code: emergency}
      - name: shock_index
        type: numeric
        derived: {op: ratio, left: hr_mean, right: sbp_last}
        missing: {policy: sentinel, value: -1}
`

func newTestRescorer(t *testing.T) (*Rescorer, *schema.Schema) {
	t.Helper()
	reg, err := schema.ParseRegistry([]byte(testRegistry))
	if err != nil {
		t.Fatalf("failed to parse registry: %v", err)
	}

	artifact := scoring.Artifact{CreatedAt: time.Now().UTC()}
	artifact.Model.Name = "mortality"
	artifact.Model.Algorithm = scoring.AlgorithmLogistic
	artifact.Model.SchemaVersion = "v1"
	artifact.Model.FeatureNames = []string{"hr_mean", "sbp_last", "adm_type=emergency", "adm_type=elective", "shock_index"}
	artifact.Model.Scaler = scoring.Scaler{
		Min: []float64{40, 60, 0, 0, 0.2},
		Max: []float64{200, 250, 1, 1, 2.5},
	}
	artifact.Model.Weights = logistic.Weights{
		Bias:         -1.4,
		Coefficients: []float64{2.0, -1.5, 0.4, -0.4, 1.1},
	}
	artifact.Baseline.Values = []float64{82, 121, 1, 0, 82.0 / 121.0}
	artifact.Baseline.Probability = logistic.Predict(
		artifact.Model.Weights,
		artifact.Model.Scaler.Apply(artifact.Baseline.Values),
	)
	artifact.FeatureStats = map[string]scoring.FeatureStat{
		"hr_mean":  {Mean: 84, Std: 12},
		"sbp_last": {Mean: 118, Std: 15},
	}

	scorer, err := scoring.New(artifact, reg)
	if err != nil {
		t.Fatalf("failed to build scorer: %v", err)
	}
	sch := reg.CurrentSchema()
	return NewRescorer(sch, scorer, explain.New(scorer, sch)), sch
}

func baseVector(sch *schema.Schema, hr, sbp float64) *schema.FeatureVector {
	v := sch.NewVector("p1", time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	v.Values[0] = schema.Value{Type: schema.TypeNumeric, Num: hr}
	v.Values[1] = schema.Value{Type: schema.TypeNumeric, Num: sbp}
	v.Values[2] = schema.Value{Type: schema.TypeCategorical, Code: "emergency"}
	v.Values[3] = schema.Value{Type: schema.TypeNumeric, Num: hr / sbp}
	return v
}

func TestRescoreAppliesOverride(t *testing.T) {
	rescorer, sch := newTestRescorer(t)
	base := baseVector(sch, 130, 95)

	result, err := rescorer.Rescore(base, map[string]interface{}{"hr_mean": 85.0})
	if err != nil {
		t.Fatalf("rescore failed: %v", err)
	}
	if result.Vector.Values[0].Num != 85 {
		t.Fatalf("override not applied, got %v", result.Vector.Values[0].Num)
	}
	// derived slot follows its overridden operand
	want := 85.0 / 95.0
	if math.Abs(result.Vector.Values[3].Num-want) > 1e-12 {
		t.Fatalf("derived feature stale: got %v, want %v", result.Vector.Values[3].Num, want)
	}
	// the base vector is never mutated
	if base.Values[0].Num != 130 {
		t.Fatal("base vector mutated by rescore")
	}

	// attribution is against the unperturbed vector
	delta := result.Attribution.Prediction - result.Attribution.BaselinePrediction
	var sum float64
	for _, e := range result.Attribution.Entries {
		sum += e.Contribution
	}
	if math.Abs(sum-delta) > 1e-9 {
		t.Fatalf("contributions sum to %v, expected %v", sum, delta)
	}
	for _, e := range result.Attribution.Entries {
		if e.FeatureName == "sbp_last" && e.Contribution != 0 {
			t.Fatalf("untouched feature sbp_last contributes %v", e.Contribution)
		}
	}
}

func TestRescoreExtremeOverrideMovesRisk(t *testing.T) {
	rescorer, sch := newTestRescorer(t)
	base := baseVector(sch, 85, 120)

	baseProb, err := rescorer.scorer.Score(base)
	if err != nil {
		t.Fatalf("score failed: %v", err)
	}
	result, err := rescorer.Rescore(base, map[string]interface{}{"hr_mean": 190.0, "sbp_last": 65.0})
	if err != nil {
		t.Fatalf("rescore failed: %v", err)
	}
	if result.Probability <= baseProb {
		t.Fatalf("expected tachycardia plus hypotension to raise risk: %v -> %v", baseProb, result.Probability)
	}
	if result.Probability <= 0 || result.Probability >= 1 {
		t.Fatalf("probability out of range: %v", result.Probability)
	}
}

func TestRescoreEmptyOverrides(t *testing.T) {
	rescorer, sch := newTestRescorer(t)
	base := baseVector(sch, 130, 95)

	result, err := rescorer.Rescore(base, nil)
	if err != nil {
		t.Fatalf("rescore failed: %v", err)
	}
	baseProb, err := rescorer.scorer.Score(base)
	if err != nil {
		t.Fatalf("score failed: %v", err)
	}
	if result.Probability != baseProb {
		t.Fatalf("no overrides but probability moved: %v vs %v", baseProb, result.Probability)
	}
	for _, e := range result.Attribution.Entries {
		if e.Contribution != 0 {
			t.Fatalf("no overrides but %s contributes %v", e.FeatureName, e.Contribution)
		}
	}
}

func TestRescoreRejectsInvalidOverrides(t *testing.T) {
	rescorer, sch := newTestRescorer(t)
	base := baseVector(sch, 130, 95)

	var perturbation *PerturbationError

	// unknown feature
	_, err := rescorer.Rescore(base, map[string]interface{}{"unknown_feature": 1.0})
	if !errors.As(err, &perturbation) || perturbation.Feature != "unknown_feature" {
		t.Fatalf("expected PerturbationError naming unknown_feature, got %v", err)
	}

	// category outside the declared set
	_, err = rescorer.Rescore(base, map[string]interface{}{"adm_type": "transfer"})
	if !errors.As(err, &perturbation) || perturbation.Feature != "adm_type" {
		t.Fatalf("expected PerturbationError naming adm_type, got %v", err)
	}
	if !strings.Contains(perturbation.Reason, "not in declared set") {
		t.Fatalf("expected the reason to explain the category violation, got %q", perturbation.Reason)
	}

	// out of declared numeric range
	_, err = rescorer.Rescore(base, map[string]interface{}{"hr_mean": 500.0})
	if !errors.As(err, &perturbation) || perturbation.Feature != "hr_mean" {
		t.Fatalf("expected PerturbationError naming hr_mean, got %v", err)
	}

	// derived features cannot be overridden directly
	_, err = rescorer.Rescore(base, map[string]interface{}{"shock_index": 1.0})
	if !errors.As(err, &perturbation) || perturbation.Feature != "shock_index" {
		t.Fatalf("expected PerturbationError naming shock_index, got %v", err)
	}
}

func TestRescoreIsAtomic(t *testing.T) {
	rescorer, sch := newTestRescorer(t)
	base := baseVector(sch, 130, 95)
	snapshot := base.Clone()

	// one valid and one invalid override: nothing may be applied
	_, err := rescorer.Rescore(base, map[string]interface{}{
		"hr_mean":  90.0,
		"adm_type": "transfer",
	})
	var perturbation *PerturbationError
	if !errors.As(err, &perturbation) {
		t.Fatalf("expected PerturbationError, got %v", err)
	}
	for i := range base.Values {
		if base.Values[i] != snapshot.Values[i] {
			t.Fatalf("slot %d mutated despite rejected request", i)
		}
	}
}

func TestSuggestions(t *testing.T) {
	rescorer, sch := newTestRescorer(t)
	// hr 160 is far above mean 84 + 1.96*12 ~ 107.5; sbp 118 is in band
	base := baseVector(sch, 160, 118)

	suggestions, err := rescorer.Suggestions(base)
	if err != nil {
		t.Fatalf("suggestions failed: %v", err)
	}
	if len(suggestions) != 1 {
		t.Fatalf("expected one suggestion, got %d", len(suggestions))
	}
	s := suggestions[0]
	if s.FeatureName != "hr_mean" {
		t.Fatalf("expected suggestion for hr_mean, got %s", s.FeatureName)
	}
	wantTarget := 84 + 1.96*12
	if math.Abs(s.TargetValue-wantTarget) > 1e-9 {
		t.Fatalf("expected target at the band edge %v, got %v", wantTarget, s.TargetValue)
	}
	if s.CurrentValue != 160 {
		t.Fatalf("expected current value 160, got %v", s.CurrentValue)
	}

	baseProb, err := rescorer.scorer.Score(base)
	if err != nil {
		t.Fatalf("score failed: %v", err)
	}
	if s.Probability >= baseProb {
		t.Fatalf("expected normalizing heart rate to lower risk: %v -> %v", baseProb, s.Probability)
	}
}

func TestSuggestionsInBandVectorIsEmpty(t *testing.T) {
	rescorer, sch := newTestRescorer(t)
	base := baseVector(sch, 84, 118)

	suggestions, err := rescorer.Suggestions(base)
	if err != nil {
		t.Fatalf("suggestions failed: %v", err)
	}
	if len(suggestions) != 0 {
		t.Fatalf("expected no suggestions for in-band vector, got %d", len(suggestions))
	}
}
