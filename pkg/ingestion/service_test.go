package ingestion

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/clinsight-ai/platform/pkg/common/models"
	"github.com/clinsight-ai/platform/pkg/terminology"
)

type memWriter struct {
	events []models.ClinicalEvent
}

func (m *memWriter) Insert(ctx context.Context, events []models.ClinicalEvent) error {
	m.events = append(m.events, events...)
	return nil
}

func testBatch() Batch {
	return Batch{
		Source: "emr",
		Events: []EventPayload{
			{
				PatientID: "p1",
				EventType: "lab",
				Timestamp: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
				ItemID:    "2524-7",
				Value:     2.4,
				Unit:      "mmol/L",
			},
			{
				PatientID: "p1",
				EventType: "chart",
				Timestamp: time.Date(2026, 3, 1, 8, 15, 0, 0, time.UTC),
				ItemID:    "heart_rate",
				Value:     92,
			},
		},
	}
}

func TestProcessPersistsAndResolvesCodes(t *testing.T) {
	writer := &memWriter{}
	catalog := terminology.DefaultCatalog()
	svc := NewService(NewValidator(nil), nil, writer, &catalog, nil, nil, 0)

	rec, err := svc.Process(context.Background(), testBatch())
	if err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if rec.Status != StatusPersisted {
		t.Fatalf("record status = %q, want %q", rec.Status, StatusPersisted)
	}
	if rec.EventCount != 2 {
		t.Fatalf("record event count = %d, want 2", rec.EventCount)
	}
	if len(writer.events) != 2 {
		t.Fatalf("persisted %d events, want 2", len(writer.events))
	}
	if writer.events[0].ItemID != "lactate" {
		t.Fatalf("LOINC code not resolved: item = %q, want lactate", writer.events[0].ItemID)
	}
	if writer.events[1].ItemID != "heart_rate" {
		t.Fatalf("canonical item rewritten: item = %q, want heart_rate", writer.events[1].ItemID)
	}
}

func TestProcessKeepsUnknownCodes(t *testing.T) {
	writer := &memWriter{}
	catalog := terminology.DefaultCatalog()
	svc := NewService(NewValidator(nil), nil, writer, &catalog, nil, nil, 0)

	batch := testBatch()
	batch.Events[0].ItemID = "local-code-77"
	if _, err := svc.Process(context.Background(), batch); err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if writer.events[0].ItemID != "local-code-77" {
		t.Fatalf("unknown item id rewritten to %q", writer.events[0].ItemID)
	}
}

func TestProcessRejectsDisallowedSource(t *testing.T) {
	writer := &memWriter{}
	svc := NewService(NewValidator([]string{"emr"}), nil, writer, nil, nil, nil, 0)

	batch := testBatch()
	batch.Source = "spreadsheet"
	if _, err := svc.Process(context.Background(), batch); !IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(writer.events) != 0 {
		t.Fatal("rejected batch was persisted")
	}
}

func TestValidatorRejectsMalformedEvents(t *testing.T) {
	v := NewValidator(nil)

	cases := map[string]func(*Batch){
		"empty source":     func(b *Batch) { b.Source = "" },
		"no events":        func(b *Batch) { b.Events = nil },
		"missing patient":  func(b *Batch) { b.Events[0].PatientID = " " },
		"missing type":     func(b *Batch) { b.Events[1].EventType = "" },
		"zero timestamp":   func(b *Batch) { b.Events[0].Timestamp = time.Time{} },
		"non finite value": func(b *Batch) { b.Events[0].Value = math.NaN() },
		"infinite value":   func(b *Batch) { b.Events[1].Value = math.Inf(1) },
	}
	for name, mutate := range cases {
		batch := testBatch()
		mutate(&batch)
		if err := v.Validate(batch); !IsValidationError(err) {
			t.Errorf("%s: expected validation error, got %v", name, err)
		}
	}

	if err := v.Validate(testBatch()); err != nil {
		t.Fatalf("valid batch rejected: %v", err)
	}
}

func TestValidatorSourceAllowListIsCaseInsensitive(t *testing.T) {
	v := NewValidator([]string{" EMR ", "lab-feed"})

	batch := testBatch()
	batch.Source = "Emr"
	if err := v.Validate(batch); err != nil {
		t.Fatalf("case variant of allowed source rejected: %v", err)
	}
}
