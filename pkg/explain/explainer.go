package explain

import (
	"math"
	"math/rand"
	"sort"

	"github.com/clinsight-ai/platform/pkg/common/logger"
	"github.com/clinsight-ai/platform/pkg/common/models"
	"github.com/clinsight-ai/platform/pkg/schema"
	"github.com/clinsight-ai/platform/pkg/scoring"
)

// Explainer decomposes one prediction into per-feature contributions
// relative to a baseline. Contributions sum to prediction - baseline
// prediction; entries are ordered by descending absolute magnitude with
// ties broken by ascending feature name.
//
// For the linear-logistic model the decomposition is exact. When the exact
// path is unavailable the engine falls back to a fixed-seed permutation
// estimator and marks the result approximate rather than failing: the
// explanation degrades, the prediction never does.
type Explainer struct {
	scorer *scoring.Scorer
	sch    *schema.Schema

	permutations int
	seed         int64
}

const (
	defaultPermutations = 32
	defaultSeed         = 1337

	// marginEpsilon guards the mean-value rescale against a degenerate
	// margin delta; below it the two predictions are identical anyway.
	marginEpsilon = 1e-12
)

func New(scorer *scoring.Scorer, sch *schema.Schema) *Explainer {
	return &Explainer{
		scorer:       scorer,
		sch:          sch,
		permutations: defaultPermutations,
		seed:         defaultSeed,
	}
}

// Explain attributes the prediction for v against baseline. A nil baseline
// uses the cohort-mean baseline shipped inside the model artifact.
func (e *Explainer) Explain(v *schema.FeatureVector, baseline *schema.FeatureVector) (models.Attribution, error) {
	if err := e.sch.CheckVersion(v); err != nil {
		return models.Attribution{}, err
	}
	targetRow, err := e.sch.Encode(v)
	if err != nil {
		return models.Attribution{}, err
	}

	var baseRow []float64
	var baseProb float64
	if baseline != nil {
		if err := e.sch.CheckVersion(baseline); err != nil {
			return models.Attribution{}, err
		}
		if baseRow, err = e.sch.Encode(baseline); err != nil {
			return models.Attribution{}, err
		}
		if baseProb, err = e.scorer.ScoreEncoded(baseRow); err != nil {
			return models.Attribution{}, err
		}
	} else {
		baseRow = e.scorer.Artifact().Baseline.Values
		baseProb = e.scorer.BaselineProbability()
	}

	prob, err := e.scorer.ScoreEncoded(targetRow)
	if err != nil {
		return models.Attribution{}, err
	}

	attribution := models.Attribution{
		PatientID:          v.PatientID,
		CutoffTime:         v.CutoffTime,
		SchemaVersion:      v.SchemaVersion,
		Prediction:         prob,
		BaselinePrediction: baseProb,
	}

	var perFeature []float64
	if e.scorer.Algorithm() == scoring.AlgorithmLogistic {
		perFeature = e.exact(targetRow, baseRow, prob, baseProb)
	}
	if perFeature == nil {
		logger.Log.WithFields(map[string]interface{}{
			"patient_id": v.PatientID,
			"algorithm":  e.scorer.Algorithm(),
		}).Warn("exact attribution unavailable, falling back to sampling")
		perFeature, err = e.sampled(targetRow, baseRow, prob, baseProb)
		if err != nil {
			return models.Attribution{}, err
		}
		attribution.Approximate = true
	}

	attribution.Entries = e.rank(perFeature)
	return attribution, nil
}

// exact computes the additive decomposition of the logistic margin and
// rescales it into probability space, so contributions sum to prob -
// baseProb exactly. A feature equal to its baseline value has a zero
// margin delta on every one of its columns and therefore contributes
// exactly zero.
func (e *Explainer) exact(targetRow, baseRow []float64, prob, baseProb float64) []float64 {
	weights := e.scorer.Weights()
	scaler := e.scorer.Artifact().Model.Scaler
	targetScaled := scaler.Apply(targetRow)
	baseScaled := scaler.Apply(baseRow)

	columns := make([]float64, len(targetScaled))
	var marginDelta float64
	for j := range targetScaled {
		columns[j] = weights.Coefficients[j] * (targetScaled[j] - baseScaled[j])
		marginDelta += columns[j]
	}

	perFeature := make([]float64, len(e.sch.Entries))
	if math.Abs(marginDelta) < marginEpsilon {
		return perFeature
	}
	scale := (prob - baseProb) / marginDelta
	if !isFinite(scale) {
		return nil // let the sampling path take over
	}
	owners := e.sch.ColumnOwners()
	for j, c := range columns {
		perFeature[owners[j]] += c * scale
	}
	return perFeature
}

// sampled estimates contributions by averaging marginal effects over a
// fixed number of feature permutations. The seed is constant so repeated
// calls are deterministic. Each permutation's marginal effects telescope
// to prob - baseProb, so the average preserves the completeness property.
func (e *Explainer) sampled(targetRow, baseRow []float64, prob, baseProb float64) ([]float64, error) {
	rng := rand.New(rand.NewSource(e.seed))
	featureCount := len(e.sch.Entries)
	perFeature := make([]float64, featureCount)

	// column spans per feature
	spans := make([][]int, featureCount)
	for j, owner := range e.sch.ColumnOwners() {
		spans[owner] = append(spans[owner], j)
	}

	row := make([]float64, len(baseRow))
	for p := 0; p < e.permutations; p++ {
		order := rng.Perm(featureCount)
		copy(row, baseRow)
		previous := baseProb
		for _, fi := range order {
			for _, j := range spans[fi] {
				row[j] = targetRow[j]
			}
			current, err := e.scorer.ScoreEncoded(row)
			if err != nil {
				return nil, err
			}
			perFeature[fi] += current - previous
			previous = current
		}
	}
	for i := range perFeature {
		perFeature[i] /= float64(e.permutations)
	}
	return perFeature, nil
}

func (e *Explainer) rank(perFeature []float64) []models.AttributionEntry {
	entries := make([]models.AttributionEntry, len(perFeature))
	for i, c := range perFeature {
		entries[i] = models.AttributionEntry{
			FeatureName:  e.sch.Entries[i].Name,
			Contribution: c,
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		ai, aj := math.Abs(entries[i].Contribution), math.Abs(entries[j].Contribution)
		if ai != aj {
			return ai > aj
		}
		return entries[i].FeatureName < entries[j].FeatureName
	})
	return entries
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
