package ingestion

import (
	"time"

	"github.com/clinsight-ai/platform/pkg/common/models"
)

// EventPayload is the wire form of a single clinical event.
type EventPayload struct {
	PatientID string    `json:"patient_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	ItemID    string    `json:"item_id"`
	Value     float64   `json:"value"`
	Code      string    `json:"code,omitempty"`
	Unit      string    `json:"unit,omitempty"`
}

// Batch is one ingest request: a set of events from a single source system.
type Batch struct {
	Source string         `json:"source"`
	Events []EventPayload `json:"events"`
}

func (p EventPayload) toModel() models.ClinicalEvent {
	return models.ClinicalEvent{
		PatientID: p.PatientID,
		EventType: p.EventType,
		Timestamp: p.Timestamp,
		ItemID:    p.ItemID,
		Value:     p.Value,
		Code:      p.Code,
		Unit:      p.Unit,
	}
}
