package ehr

import (
	"context"
	"errors"
	"time"

	"github.com/clinsight-ai/platform/pkg/common/models"
)

// ErrUnknownPatient means the event store holds no event for the patient at
// any time. An empty lookback window is not unknown; it triggers the
// missing-value policies instead.
var ErrUnknownPatient = errors.New("unknown patient")

// Store is the read-only view over the clinical event history. Events are
// append-only and owned externally; implementations never mutate them.
type Store interface {
	// PatientExists reports whether any event for the patient is on record.
	PatientExists(ctx context.Context, patientID string) (bool, error)

	// EventsFor returns the patient's events with from <= timestamp <= to,
	// in no guaranteed order.
	EventsFor(ctx context.Context, patientID string, from, to time.Time) ([]models.ClinicalEvent, error)

	// EventsByType returns every event of one type across the cohort,
	// optionally restricted to a patient set. Used for reference values.
	EventsByType(ctx context.Context, eventType string, patientIDs []string) ([]models.ClinicalEvent, error)

	// PatientIDs lists every distinct patient on record.
	PatientIDs(ctx context.Context) ([]string, error)
}
