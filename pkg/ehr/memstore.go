package ehr

import (
	"context"
	"sort"
	"time"

	"github.com/clinsight-ai/platform/pkg/common/models"
)

// MemStore is an in-memory event store used by tests and training fixtures.
type MemStore struct {
	events map[string][]models.ClinicalEvent
}

func NewMemStore() *MemStore {
	return &MemStore{events: make(map[string][]models.ClinicalEvent)}
}

func (m *MemStore) Add(events ...models.ClinicalEvent) {
	for _, e := range events {
		m.events[e.PatientID] = append(m.events[e.PatientID], e)
	}
}

func (m *MemStore) PatientExists(ctx context.Context, patientID string) (bool, error) {
	_, ok := m.events[patientID]
	return ok, nil
}

func (m *MemStore) EventsFor(ctx context.Context, patientID string, from, to time.Time) ([]models.ClinicalEvent, error) {
	var out []models.ClinicalEvent
	for _, e := range m.events[patientID] {
		if e.Timestamp.Before(from) || e.Timestamp.After(to) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *MemStore) EventsByType(ctx context.Context, eventType string, patientIDs []string) ([]models.ClinicalEvent, error) {
	allowed := map[string]bool{}
	for _, id := range patientIDs {
		allowed[id] = true
	}
	var out []models.ClinicalEvent
	for id, events := range m.events {
		if len(patientIDs) > 0 && !allowed[id] {
			continue
		}
		for _, e := range events {
			if e.EventType == eventType {
				out = append(out, e)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PatientID != out[j].PatientID {
			return out[i].PatientID < out[j].PatientID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (m *MemStore) PatientIDs(ctx context.Context) ([]string, error) {
	ids := make([]string, 0, len(m.events))
	for id := range m.events {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
