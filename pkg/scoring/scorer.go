package scoring

import (
	"errors"
	"fmt"
	"math"

	"github.com/clinsight-ai/platform/pkg/ml/logistic"
	"github.com/clinsight-ai/platform/pkg/schema"
)

// ErrNumericInstability means the underlying computation produced a
// non-finite value. The request fails rather than returning a misleading
// probability.
var ErrNumericInstability = errors.New("numeric instability in model scoring")

// Scorer wraps one trained, calibrated risk model bound to one schema
// version. It is read-only after Load and safe for concurrent use; scoring
// is a pure function of the input vector.
type Scorer struct {
	artifact Artifact
	sch      *schema.Schema
}

// Load reads the model's artifact from dir and binds it against the schema
// version it was trained with. The artifact's schema version must resolve
// in the registry and be the registry's current version; anything else is a
// deployment inconsistency surfaced at startup, not at request time.
func Load(dir, name string, reg *schema.Registry) (*Scorer, error) {
	artifact, err := ReadArtifact(ArtifactPath(dir, name))
	if err != nil {
		return nil, err
	}
	return New(artifact, reg)
}

func New(artifact Artifact, reg *schema.Registry) (*Scorer, error) {
	sch, err := reg.Resolve(artifact.Model.SchemaVersion)
	if err != nil {
		return nil, err
	}
	if sch.Version != reg.Current() {
		return nil, fmt.Errorf("%w: artifact trained against %q, registry current is %q",
			schema.ErrVersionMismatch, sch.Version, reg.Current())
	}
	if len(sch.EncodedColumns()) != len(artifact.Model.FeatureNames) {
		return nil, fmt.Errorf("%w: artifact has %d columns, schema %q encodes %d",
			schema.ErrVersionMismatch, len(artifact.Model.FeatureNames),
			sch.Version, len(sch.EncodedColumns()))
	}
	return &Scorer{artifact: artifact, sch: sch}, nil
}

func (s *Scorer) ModelName() string {
	return s.artifact.Model.Name
}

func (s *Scorer) SchemaVersion() string {
	return s.artifact.Model.SchemaVersion
}

func (s *Scorer) Algorithm() string {
	return s.artifact.Model.Algorithm
}

func (s *Scorer) Artifact() Artifact {
	return s.artifact
}

// Score returns the calibrated risk probability for a vector conforming to
// the scorer's bound schema version.
func (s *Scorer) Score(v *schema.FeatureVector) (float64, error) {
	row, err := s.sch.Encode(v)
	if err != nil {
		return 0, err
	}
	return s.ScoreEncoded(row)
}

// ScoreEncoded scores a raw encoded row. Used by the attribution engine to
// probe perturbed rows without materializing vectors.
func (s *Scorer) ScoreEncoded(row []float64) (float64, error) {
	margin, err := s.MarginEncoded(row)
	if err != nil {
		return 0, err
	}
	p := logistic.Sigmoid(margin)
	if !finite(p) {
		return 0, fmt.Errorf("%w: probability is not finite", ErrNumericInstability)
	}
	return p, nil
}

// MarginEncoded returns the pre-sigmoid linear score of an encoded row
// after scaling.
func (s *Scorer) MarginEncoded(row []float64) (float64, error) {
	if len(row) != len(s.artifact.Model.FeatureNames) {
		return 0, fmt.Errorf("%w: row has %d columns, model expects %d",
			schema.ErrVersionMismatch, len(row), len(s.artifact.Model.FeatureNames))
	}
	for i, v := range row {
		if !finite(v) {
			return 0, fmt.Errorf("%w: column %q is not finite",
				ErrNumericInstability, s.artifact.Model.FeatureNames[i])
		}
	}
	scaled := s.artifact.Model.Scaler.Apply(row)
	margin := logistic.Margin(s.artifact.Model.Weights, scaled)
	if !finite(margin) {
		return 0, fmt.Errorf("%w: margin is not finite", ErrNumericInstability)
	}
	return margin, nil
}

// ScaledRow exposes the scaled design row for the attribution engine.
func (s *Scorer) ScaledRow(v *schema.FeatureVector) ([]float64, error) {
	row, err := s.sch.Encode(v)
	if err != nil {
		return nil, err
	}
	return s.artifact.Model.Scaler.Apply(row), nil
}

// BaselineScaledRow is the cohort-mean design row shipped inside the
// artifact, scaled into model space.
func (s *Scorer) BaselineScaledRow() []float64 {
	return s.artifact.Model.Scaler.Apply(s.artifact.Baseline.Values)
}

func (s *Scorer) BaselineProbability() float64 {
	return s.artifact.Baseline.Probability
}

func (s *Scorer) Weights() logistic.Weights {
	return s.artifact.Model.Weights
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
