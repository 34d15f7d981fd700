package scoring

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/clinsight-ai/platform/pkg/ml/logistic"
)

// Scaler holds the per-column min-max bounds fitted on the training matrix.
type Scaler struct {
	Min []float64 `json:"min"`
	Max []float64 `json:"max"`
}

// Apply maps a raw encoded row into [0,1] per column. Constant columns map
// to zero.
func (s Scaler) Apply(row []float64) []float64 {
	out := make([]float64, len(row))
	for i, v := range row {
		span := s.Max[i] - s.Min[i]
		if span == 0 {
			continue
		}
		out[i] = (v - s.Min[i]) / span
	}
	return out
}

// FeatureStat is the cohort distribution of one raw numeric feature,
// fitted on the training matrix. What-if suggestions use it to find the
// normal band.
type FeatureStat struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// Artifact is the trained model as persisted by the training service and
// loaded once at process start. It is versioned alongside the feature
// schema it was trained against.
type Artifact struct {
	JobID     string    `json:"job_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Model     struct {
		Name          string           `json:"name"`
		Algorithm     string           `json:"algorithm"`
		SchemaVersion string           `json:"schema_version"`
		FeatureNames  []string         `json:"feature_names"` // encoded columns
		Scaler        Scaler           `json:"scaler"`
		Weights       logistic.Weights `json:"weights"`
	} `json:"model"`
	Baseline struct {
		Values      []float64 `json:"values"` // encoded, unscaled cohort-mean row
		Probability float64   `json:"probability"`
	} `json:"baseline"`
	FeatureStats map[string]FeatureStat `json:"feature_stats,omitempty"`
	Metrics      map[string]float64     `json:"metrics,omitempty"`
}

const AlgorithmLogistic = "logistic"

// ArtifactPath is the well-known location of the live artifact for a model.
func ArtifactPath(dir, name string) string {
	return filepath.Join(dir, fmt.Sprintf("%s_latest.json", name))
}

func ReadArtifact(path string) (Artifact, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Artifact{}, fmt.Errorf("read model artifact: %w", err)
	}
	var artifact Artifact
	if err := json.Unmarshal(content, &artifact); err != nil {
		return Artifact{}, fmt.Errorf("parse model artifact: %w", err)
	}
	if err := artifact.check(); err != nil {
		return Artifact{}, err
	}
	return artifact, nil
}

func WriteArtifact(path string, artifact Artifact) error {
	if err := artifact.check(); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o644)
}

func (a Artifact) check() error {
	m := a.Model
	if m.SchemaVersion == "" {
		return fmt.Errorf("artifact missing schema version")
	}
	if len(m.FeatureNames) == 0 {
		return fmt.Errorf("artifact missing feature names")
	}
	if len(m.Weights.Coefficients) != len(m.FeatureNames) {
		return fmt.Errorf("artifact has %d coefficients for %d features",
			len(m.Weights.Coefficients), len(m.FeatureNames))
	}
	if len(m.Scaler.Min) != len(m.FeatureNames) || len(m.Scaler.Max) != len(m.FeatureNames) {
		return fmt.Errorf("artifact scaler bounds do not match feature count")
	}
	if len(a.Baseline.Values) != len(m.FeatureNames) {
		return fmt.Errorf("artifact baseline does not match feature count")
	}
	return nil
}
