package features

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/clinsight-ai/platform/pkg/common/models"
	"github.com/clinsight-ai/platform/pkg/ehr"
	"github.com/clinsight-ai/platform/pkg/schema"
)

// Synthesizer aggregates a patient's clinical events inside a bounded
// lookback window into the fixed feature vector declared by the schema.
//
// The causality boundary is the single most important invariant of the
// pipeline: only events with timestamp <= cutoff are ever visible (closed
// interval, matching training-time semantics), so no feature can leak
// information from after the cutoff.
type Synthesizer struct {
	store ehr.Store
	sch   *schema.Schema
}

func NewSynthesizer(store ehr.Store, sch *schema.Schema) *Synthesizer {
	return &Synthesizer{store: store, sch: sch}
}

// Schema exposes the bound schema so callers can assert version agreement.
func (s *Synthesizer) Schema() *schema.Schema {
	return s.sch
}

// Synthesize builds the feature vector for one patient as of cutoff. It is
// a pure read/transform: identical events and cutoff produce identical
// output.
func (s *Synthesizer) Synthesize(ctx context.Context, patientID string, cutoff time.Time, lookback time.Duration) (*schema.FeatureVector, error) {
	if patientID == "" {
		return nil, fmt.Errorf("patient id is required")
	}
	if cutoff.IsZero() {
		return nil, fmt.Errorf("cutoff time is required")
	}
	if lookback <= 0 {
		return nil, fmt.Errorf("lookback window must be positive, got %s", lookback)
	}

	known, err := s.store.PatientExists(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("event store: %w", err)
	}
	if !known {
		return nil, fmt.Errorf("%w: %s", ehr.ErrUnknownPatient, patientID)
	}

	events, err := s.store.EventsFor(ctx, patientID, cutoff.Add(-lookback), cutoff)
	if err != nil {
		return nil, fmt.Errorf("event store: %w", err)
	}
	sortEvents(events)

	vector := s.sch.NewVector(patientID, cutoff)
	for i, entry := range s.sch.Entries {
		if entry.Derived != nil {
			continue
		}
		qualifying := selectEvents(events, entry)
		if len(qualifying) == 0 {
			continue // slot keeps its declared missing-value policy
		}
		vector.Values[i] = aggregate(entry, qualifying, cutoff, lookback)
	}
	if err := s.sch.ComputeDerived(vector); err != nil {
		return nil, err
	}
	return vector, nil
}

// sortEvents imposes a total deterministic order so that last-value and
// tie-breaking never depend on store iteration order.
func sortEvents(events []models.ClinicalEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.ItemID != b.ItemID {
			return a.ItemID < b.ItemID
		}
		if a.Value != b.Value {
			return a.Value < b.Value
		}
		return a.Code < b.Code
	})
}

func selectEvents(events []models.ClinicalEvent, entry schema.Entry) []models.ClinicalEvent {
	var out []models.ClinicalEvent
	for _, e := range events {
		if entry.EventType != "" && e.EventType != entry.EventType {
			continue
		}
		if entry.ItemID != "" && e.ItemID != entry.ItemID {
			continue
		}
		out = append(out, e)
	}
	return out
}
