package training

import (
	"context"
	"fmt"
	"time"

	"github.com/clinsight-ai/platform/pkg/ehr"
	"github.com/clinsight-ai/platform/pkg/features"
	"github.com/clinsight-ai/platform/pkg/schema"
)

// DatasetSpec describes how to derive one labelled example per patient.
// The cutoff is anchored on a reference event (e.g. hospital admission)
// plus a horizon, mirroring the cutoff semantics the serving path uses, so
// trainer and scorer share one feature-synthesis contract.
type DatasetSpec struct {
	AnchorEventType string
	AnchorItemID    string
	LabelEventType  string
	LabelItemID     string
	Horizon         time.Duration
	Lookback        time.Duration
}

func specFromConfig(config map[string]interface{}, defaultLookback time.Duration) (DatasetSpec, error) {
	spec := DatasetSpec{
		AnchorEventType: stringOr(config, "anchor_event_type", "admission"),
		AnchorItemID:    stringOr(config, "anchor_item_id", ""),
		LabelEventType:  stringOr(config, "label_event_type", "outcome"),
		LabelItemID:     stringOr(config, "label_item_id", ""),
		Horizon:         time.Duration(floatOr(config, "horizon_hours", 48)) * time.Hour,
		Lookback:        time.Duration(floatOr(config, "lookback_hours", defaultLookback.Hours())) * time.Hour,
	}
	if spec.Horizon < 0 {
		return DatasetSpec{}, fmt.Errorf("horizon_hours must not be negative")
	}
	if spec.Lookback <= 0 {
		return DatasetSpec{}, fmt.Errorf("lookback_hours must be positive")
	}
	return spec, nil
}

// Dataset is the labelled feature matrix for one training run. Rows are
// raw encoded design rows, ordered by patient id for determinism.
type Dataset struct {
	PatientIDs []string
	Vectors    []*schema.FeatureVector
	Rows       [][]float64
	Labels     []float64
}

// BuildDataset synthesizes one example per patient: cutoff = anchor event
// timestamp + horizon, label = the patient's outcome event value. Patients
// without an anchor or a label event are skipped, not failed: cohort
// expressions routinely match patients with incomplete records.
func BuildDataset(ctx context.Context, store ehr.Store, synth *features.Synthesizer, spec DatasetSpec, patientIDs []string) (Dataset, error) {
	var ds Dataset
	sch := synth.Schema()
	for _, patientID := range patientIDs {
		anchor, ok, err := firstEvent(ctx, store, patientID, spec.AnchorEventType, spec.AnchorItemID)
		if err != nil {
			return Dataset{}, err
		}
		if !ok {
			continue
		}
		label, ok, err := firstEvent(ctx, store, patientID, spec.LabelEventType, spec.LabelItemID)
		if err != nil {
			return Dataset{}, err
		}
		if !ok {
			continue
		}

		cutoff := anchor.Timestamp.Add(spec.Horizon)
		vector, err := synth.Synthesize(ctx, patientID, cutoff, spec.Lookback)
		if err != nil {
			return Dataset{}, fmt.Errorf("synthesize %s: %w", patientID, err)
		}
		row, err := sch.Encode(vector)
		if err != nil {
			return Dataset{}, err
		}

		y := 0.0
		if label.Value > 0 {
			y = 1.0
		}

		ds.PatientIDs = append(ds.PatientIDs, patientID)
		ds.Vectors = append(ds.Vectors, vector)
		ds.Rows = append(ds.Rows, row)
		ds.Labels = append(ds.Labels, y)
	}
	if len(ds.Rows) == 0 {
		return Dataset{}, fmt.Errorf("no patient in the cohort has both anchor and label events")
	}
	return ds, nil
}

type eventRef struct {
	Timestamp time.Time
	Value     float64
}

func firstEvent(ctx context.Context, store ehr.Store, patientID, eventType, itemID string) (eventRef, bool, error) {
	events, err := store.EventsFor(ctx, patientID, time.Time{}, farFuture)
	if err != nil {
		return eventRef{}, false, err
	}
	found := false
	var ref eventRef
	for _, e := range events {
		if e.EventType != eventType {
			continue
		}
		if itemID != "" && e.ItemID != itemID {
			continue
		}
		if !found || e.Timestamp.Before(ref.Timestamp) {
			ref = eventRef{Timestamp: e.Timestamp, Value: e.Value}
			found = true
		}
	}
	return ref, found, nil
}

var farFuture = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

func stringOr(config map[string]interface{}, key, fallback string) string {
	if v, ok := config[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func floatOr(config map[string]interface{}, key string, fallback float64) float64 {
	switch v := config[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return fallback
}
