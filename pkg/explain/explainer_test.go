package explain

import (
	"math"
	"testing"
	"time"

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
        missing: {policy: population_mean, value: 80}
      - name: sbp_last
        type: numeric
        event_type: chart
        item_id: sbp
        aggregation: last
        missing: {policy: population_mean, value: 120}
      - name: adm_type
        type: categorical
        event_type: demographic
        item_id: admission_type
        aggregation: last_code
        categories: [emergency, elective]
        missing: {policy: default_code, code: emergency}
`

func newTestExplainer(t *testing.T, algorithm string) (*Explainer, *schema.Schema) {
	t.Helper()
	reg, err := schema.ParseRegistry([]byte(testRegistry))
	if err != nil {
		t.Fatalf("failed to parse registry: %v", err)
	}

	artifact := scoring.Artifact{CreatedAt: time.Now().UTC()}
	artifact.Model.Name = "mortality"
	artifact.Model.Algorithm = algorithm
	artifact.Model.SchemaVersion = "v1"
	artifact.Model.FeatureNames = []string{"hr_mean", "sbp_last", "adm_type=emergency", "adm_type=elective"}
	artifact.Model.Scaler = scoring.Scaler{
		Min: []float64{40, 60, 0, 0},
		Max: []float64{200, 250, 1, 1},
	}
	artifact.Model.Weights = logistic.Weights{
		Bias:         -1.0,
		Coefficients: []float64{2.2, -1.6, 0.5, -0.5},
	}
	artifact.Baseline.Values = []float64{82, 121, 1, 0}
	artifact.Baseline.Probability = logistic.Predict(
		artifact.Model.Weights,
		artifact.Model.Scaler.Apply(artifact.Baseline.Values),
	)

	scorer, err := scoring.New(artifact, reg)
	if err != nil {
		t.Fatalf("failed to build scorer: %v", err)
	}
	sch := reg.CurrentSchema()
	return New(scorer, sch), sch
}

func testVector(sch *schema.Schema, hr, sbp float64, adm string) *schema.FeatureVector {
	v := sch.NewVector("p1", time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	v.Values[0] = schema.Value{Type: schema.TypeNumeric, Num: hr}
	v.Values[1] = schema.Value{Type: schema.TypeNumeric, Num: sbp}
	v.Values[2] = schema.Value{Type: schema.TypeCategorical, Code: adm}
	return v
}

func TestExplainCompleteness(t *testing.T) {
	explainer, sch := newTestExplainer(t, scoring.AlgorithmLogistic)
	v := testVector(sch, 140, 85, "elective")

	attribution, err := explainer.Explain(v, nil)
	if err != nil {
		t.Fatalf("explain failed: %v", err)
	}
	if attribution.Approximate {
		t.Fatal("expected exact attribution for the logistic model")
	}
	if len(attribution.Entries) != len(sch.Entries) {
		t.Fatalf("expected one entry per feature, got %d", len(attribution.Entries))
	}

	var sum float64
	for _, e := range attribution.Entries {
		sum += e.Contribution
	}
	delta := attribution.Prediction - attribution.BaselinePrediction
	if math.Abs(sum-delta) > 1e-9 {
		t.Fatalf("contributions sum to %v, expected prediction delta %v", sum, delta)
	}
}

func TestExplainUnchangedFeatureContributesZero(t *testing.T) {
	explainer, sch := newTestExplainer(t, scoring.AlgorithmLogistic)
	baseline := testVector(sch, 90, 110, "emergency")
	target := testVector(sch, 150, 110, "emergency") // only hr_mean moved

	attribution, err := explainer.Explain(target, baseline)
	if err != nil {
		t.Fatalf("explain failed: %v", err)
	}
	for _, e := range attribution.Entries {
		if e.FeatureName == "hr_mean" {
			if e.Contribution == 0 {
				t.Fatal("expected the moved feature to carry the whole delta")
			}
			continue
		}
		if e.Contribution != 0 {
			t.Fatalf("feature %s unchanged but contributes %v", e.FeatureName, e.Contribution)
		}
	}
	if attribution.Entries[0].FeatureName != "hr_mean" {
		t.Fatalf("expected hr_mean ranked first, got %s", attribution.Entries[0].FeatureName)
	}
}

func TestExplainOrdering(t *testing.T) {
	explainer, sch := newTestExplainer(t, scoring.AlgorithmLogistic)
	v := testVector(sch, 160, 70, "elective")

	attribution, err := explainer.Explain(v, nil)
	if err != nil {
		t.Fatalf("explain failed: %v", err)
	}
	for i := 1; i < len(attribution.Entries); i++ {
		prev := math.Abs(attribution.Entries[i-1].Contribution)
		cur := math.Abs(attribution.Entries[i].Contribution)
		if prev < cur {
			t.Fatalf("entries not ordered by |contribution|: %v before %v", prev, cur)
		}
		if prev == cur && attribution.Entries[i-1].FeatureName > attribution.Entries[i].FeatureName {
			t.Fatalf("tie not broken by ascending name: %s before %s",
				attribution.Entries[i-1].FeatureName, attribution.Entries[i].FeatureName)
		}
	}
}

func TestExplainIdenticalVectorsAllZero(t *testing.T) {
	explainer, sch := newTestExplainer(t, scoring.AlgorithmLogistic)
	v := testVector(sch, 90, 110, "emergency")

	attribution, err := explainer.Explain(v, v.Clone())
	if err != nil {
		t.Fatalf("explain failed: %v", err)
	}
	for _, e := range attribution.Entries {
		if e.Contribution != 0 {
			t.Fatalf("identical vectors but %s contributes %v", e.FeatureName, e.Contribution)
		}
	}
}

func TestExplainSampledFallback(t *testing.T) {
	explainer, sch := newTestExplainer(t, "gradient_boosting")
	v := testVector(sch, 140, 85, "elective")

	first, err := explainer.Explain(v, nil)
	if err != nil {
		t.Fatalf("explain failed: %v", err)
	}
	if !first.Approximate {
		t.Fatal("expected sampled attribution to be flagged approximate")
	}

	// every permutation telescopes to the same delta, so completeness holds
	var sum float64
	for _, e := range first.Entries {
		sum += e.Contribution
	}
	delta := first.Prediction - first.BaselinePrediction
	if math.Abs(sum-delta) > 1e-6 {
		t.Fatalf("sampled contributions sum to %v, expected %v", sum, delta)
	}

	// the seed is fixed, so repeated calls are identical
	second, err := explainer.Explain(v, nil)
	if err != nil {
		t.Fatalf("explain failed: %v", err)
	}
	for i := range first.Entries {
		if first.Entries[i] != second.Entries[i] {
			t.Fatalf("sampled attribution not deterministic at entry %d", i)
		}
	}
}

func TestExplainRejectsVersionMismatch(t *testing.T) {
	explainer, sch := newTestExplainer(t, scoring.AlgorithmLogistic)
	v := testVector(sch, 90, 110, "emergency")
	v.SchemaVersion = "v0"
	if _, err := explainer.Explain(v, nil); err == nil {
		t.Fatal("expected version mismatch to fail")
	}
}
