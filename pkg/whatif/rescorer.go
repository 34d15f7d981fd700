package whatif

import (
	"fmt"
	"sort"

	"github.com/clinsight-ai/platform/pkg/common/models"
	"github.com/clinsight-ai/platform/pkg/explain"
	"github.com/clinsight-ai/platform/pkg/schema"
	"github.com/clinsight-ai/platform/pkg/scoring"
)

// PerturbationError names the feature whose override was rejected. The
// whole request fails atomically: no override is applied unless every
// override is valid.
type PerturbationError struct {
	Feature string
	Reason  string
}

func (e *PerturbationError) Error() string {
	return fmt.Sprintf("invalid perturbation of feature %q: %s", e.Feature, e.Reason)
}

type Result struct {
	Probability float64
	Attribution models.Attribution
	Vector      *schema.FeatureVector
}

// Rescorer applies user-supplied feature overrides to a base vector and
// re-scores and re-explains it. The base (pre-perturbation) vector is used
// as the attribution baseline, so the returned attribution isolates
// exactly the effect of the perturbation.
type Rescorer struct {
	sch       *schema.Schema
	scorer    *scoring.Scorer
	explainer *explain.Explainer
}

func NewRescorer(sch *schema.Schema, scorer *scoring.Scorer, explainer *explain.Explainer) *Rescorer {
	return &Rescorer{sch: sch, scorer: scorer, explainer: explainer}
}

func (r *Rescorer) Rescore(base *schema.FeatureVector, overrides map[string]interface{}) (*Result, error) {
	if err := r.sch.CheckVersion(base); err != nil {
		return nil, err
	}

	validated, err := r.validate(overrides)
	if err != nil {
		return nil, err
	}

	perturbed := base.Clone()
	for slot, value := range validated {
		perturbed.Values[slot] = value
	}
	// Derived slots are recomputed with the same rule synthesis uses, so
	// they can never go stale against an overridden operand.
	if err := r.sch.ComputeDerived(perturbed); err != nil {
		return nil, err
	}

	probability, err := r.scorer.Score(perturbed)
	if err != nil {
		return nil, err
	}
	attribution, err := r.explainer.Explain(perturbed, base)
	if err != nil {
		return nil, err
	}

	return &Result{
		Probability: probability,
		Attribution: attribution,
		Vector:      perturbed,
	}, nil
}

// validate checks every override before any is applied. Keys are visited
// in sorted order so the reported offender is deterministic when several
// overrides are invalid.
func (r *Rescorer) validate(overrides map[string]interface{}) (map[int]schema.Value, error) {
	names := make([]string, 0, len(overrides))
	for name := range overrides {
		names = append(names, name)
	}
	sort.Strings(names)

	validated := make(map[int]schema.Value, len(overrides))
	for _, name := range names {
		slot, ok := r.sch.Index(name)
		if !ok {
			return nil, &PerturbationError{Feature: name, Reason: "not declared in the active schema"}
		}
		entry := r.sch.Entries[slot]
		if entry.Derived != nil {
			return nil, &PerturbationError{
				Feature: name,
				Reason:  "derived feature, override its operands instead",
			}
		}
		value, reason := entry.ValidateOverride(overrides[name])
		if reason != "" {
			return nil, &PerturbationError{Feature: name, Reason: reason}
		}
		validated[slot] = value
	}
	return validated, nil
}
