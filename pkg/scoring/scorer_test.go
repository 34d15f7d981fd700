package scoring

import (
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/clinsight-ai/platform/pkg/ml/logistic"
	"github.com/clinsight-ai/platform/pkg/schema"
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

func testArtifact(version string) Artifact {
	artifact := Artifact{CreatedAt: time.Now().UTC()}
	artifact.Model.Name = "mortality"
	artifact.Model.Algorithm = AlgorithmLogistic
	artifact.Model.SchemaVersion = version
	artifact.Model.FeatureNames = []string{"hr_mean", "sbp_last", "adm_type=emergency", "adm_type=elective"}
	artifact.Model.Scaler = Scaler{
		Min: []float64{40, 60, 0, 0},
		Max: []float64{200, 250, 1, 1},
	}
	artifact.Model.Weights = logistic.Weights{
		Bias:         -1.2,
		Coefficients: []float64{2.4, -1.8, 0.6, -0.6},
	}
	artifact.Baseline.Values = []float64{82, 121, 1, 0}
	artifact.Baseline.Probability = logistic.Predict(
		artifact.Model.Weights,
		artifact.Model.Scaler.Apply(artifact.Baseline.Values),
	)
	return artifact
}

func testScorer(t *testing.T) *Scorer {
	t.Helper()
	reg, err := schema.ParseRegistry([]byte(testRegistry))
	if err != nil {
		t.Fatalf("failed to parse registry: %v", err)
	}
	scorer, err := New(testArtifact("v1"), reg)
	if err != nil {
		t.Fatalf("failed to build scorer: %v", err)
	}
	return scorer
}

func TestScalerApply(t *testing.T) {
	scaler := Scaler{Min: []float64{0, 10, 5}, Max: []float64{10, 20, 5}}
	row := scaler.Apply([]float64{5, 10, 5})
	if row[0] != 0.5 || row[1] != 0 {
		t.Fatalf("unexpected scaled row %v", row)
	}
	// constant column maps to zero instead of dividing by zero
	if row[2] != 0 {
		t.Fatalf("expected constant column to scale to 0, got %v", row[2])
	}
}

func TestScoreIsDeterministic(t *testing.T) {
	scorer := testScorer(t)
	row := []float64{110, 95, 1, 0}
	first, err := scorer.ScoreEncoded(row)
	if err != nil {
		t.Fatalf("score failed: %v", err)
	}
	if first <= 0 || first >= 1 {
		t.Fatalf("expected probability in (0,1), got %v", first)
	}
	for i := 0; i < 5; i++ {
		again, err := scorer.ScoreEncoded(row)
		if err != nil {
			t.Fatalf("score failed: %v", err)
		}
		if again != first {
			t.Fatalf("score changed between runs: %v vs %v", first, again)
		}
	}
}

func TestScoreRejectsNonFiniteInput(t *testing.T) {
	scorer := testScorer(t)
	_, err := scorer.ScoreEncoded([]float64{math.NaN(), 95, 1, 0})
	if !errors.Is(err, ErrNumericInstability) {
		t.Fatalf("expected ErrNumericInstability, got %v", err)
	}
	// the offending column is named
	if err == nil || !strings.Contains(err.Error(), "hr_mean") {
		t.Fatalf("expected error to name the column, got %v", err)
	}
}

func TestScoreRejectsWrongWidth(t *testing.T) {
	scorer := testScorer(t)
	_, err := scorer.ScoreEncoded([]float64{110, 95})
	if !errors.Is(err, schema.ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
}

func TestNewRejectsStaleArtifact(t *testing.T) {
	twoVersions := `
current: "v2"
schemas:
  - version: "v1"
    features:
      - {name: hr_mean, type: numeric, aggregation: mean, missing: {policy: zero}}
  - version: "v2"
    features:
      - {name: hr_mean, type: numeric, aggregation: mean, missing: {policy: zero}}
      - {name: sbp_last, type: numeric, aggregation: last, missing: {policy: zero}}
`
	reg, err := schema.ParseRegistry([]byte(twoVersions))
	if err != nil {
		t.Fatalf("failed to parse registry: %v", err)
	}

	artifact := Artifact{CreatedAt: time.Now().UTC()}
	artifact.Model.Name = "mortality"
	artifact.Model.Algorithm = AlgorithmLogistic
	artifact.Model.SchemaVersion = "v1"
	artifact.Model.FeatureNames = []string{"hr_mean"}
	artifact.Model.Scaler = Scaler{Min: []float64{0}, Max: []float64{1}}
	artifact.Model.Weights = logistic.Weights{Coefficients: []float64{1}}
	artifact.Baseline.Values = []float64{0.5}

	_, err = New(artifact, reg)
	if !errors.Is(err, schema.ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch for stale artifact, got %v", err)
	}
}

func TestArtifactRoundTrip(t *testing.T) {
	dir := t.TempDir()
	artifact := testArtifact("v1")
	path := ArtifactPath(dir, "mortality")
	if filepath.Base(path) != "mortality_latest.json" {
		t.Fatalf("unexpected artifact path %s", path)
	}

	if err := WriteArtifact(path, artifact); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	loaded, err := ReadArtifact(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if loaded.Model.SchemaVersion != artifact.Model.SchemaVersion {
		t.Fatalf("schema version lost in round trip")
	}
	if loaded.Model.Weights.Bias != artifact.Model.Weights.Bias {
		t.Fatalf("weights lost in round trip")
	}
	if loaded.Baseline.Probability != artifact.Baseline.Probability {
		t.Fatalf("baseline lost in round trip")
	}

	reg, err := schema.ParseRegistry([]byte(testRegistry))
	if err != nil {
		t.Fatalf("failed to parse registry: %v", err)
	}
	scorer, err := Load(dir, "mortality", reg)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if scorer.ModelName() != "mortality" {
		t.Fatalf("unexpected model name %q", scorer.ModelName())
	}
}

func TestWriteArtifactRejectsInconsistency(t *testing.T) {
	artifact := testArtifact("v1")
	artifact.Model.Weights.Coefficients = artifact.Model.Weights.Coefficients[:2]
	if err := WriteArtifact(filepath.Join(t.TempDir(), "bad.json"), artifact); err == nil {
		t.Fatal("expected inconsistent artifact to be rejected")
	}
}
