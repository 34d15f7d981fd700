package ehr

import (
	"context"
	"time"

	"github.com/clinsight-ai/platform/pkg/common/models"
	"gorm.io/gorm"
)

// EventModel is the persistence model for clinical events.
type EventModel struct {
	ID        int64     `gorm:"primaryKey;autoIncrement;column:id"`
	PatientID string    `gorm:"column:patient_id;index:idx_events_patient_time"`
	EventType string    `gorm:"column:event_type;index:idx_events_type"`
	Timestamp time.Time `gorm:"column:timestamp;index:idx_events_patient_time"`
	ItemID    string    `gorm:"column:item_id"`
	Value     float64   `gorm:"column:value"`
	Code      string    `gorm:"column:code"`
	Unit      string    `gorm:"column:unit"`
}

func (EventModel) TableName() string {
	return "clinical_events"
}

// Repository is the Postgres-backed event store.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&EventModel{})
}

func (r *Repository) Insert(ctx context.Context, events []models.ClinicalEvent) error {
	rows := make([]EventModel, 0, len(events))
	for _, e := range events {
		rows = append(rows, EventModel{
			PatientID: e.PatientID,
			EventType: e.EventType,
			Timestamp: e.Timestamp,
			ItemID:    e.ItemID,
			Value:     e.Value,
			Code:      e.Code,
			Unit:      e.Unit,
		})
	}
	return r.db.WithContext(ctx).CreateInBatches(rows, 500).Error
}

func (r *Repository) PatientExists(ctx context.Context, patientID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&EventModel{}).
		Where("patient_id = ?", patientID).
		Limit(1).
		Count(&count).Error
	return count > 0, err
}

func (r *Repository) EventsFor(ctx context.Context, patientID string, from, to time.Time) ([]models.ClinicalEvent, error) {
	var rows []EventModel
	err := r.db.WithContext(ctx).
		Where("patient_id = ? AND timestamp >= ? AND timestamp <= ?", patientID, from, to).
		Order("timestamp asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toEvents(rows), nil
}

func (r *Repository) EventsByType(ctx context.Context, eventType string, patientIDs []string) ([]models.ClinicalEvent, error) {
	q := r.db.WithContext(ctx).Where("event_type = ?", eventType)
	if len(patientIDs) > 0 {
		q = q.Where("patient_id IN ?", patientIDs)
	}
	var rows []EventModel
	if err := q.Order("timestamp asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return toEvents(rows), nil
}

func (r *Repository) PatientIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&EventModel{}).
		Distinct("patient_id").
		Order("patient_id asc").
		Pluck("patient_id", &ids).Error
	return ids, err
}

func toEvents(rows []EventModel) []models.ClinicalEvent {
	events := make([]models.ClinicalEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, models.ClinicalEvent{
			PatientID: row.PatientID,
			EventType: row.EventType,
			Timestamp: row.Timestamp,
			ItemID:    row.ItemID,
			Value:     row.Value,
			Code:      row.Code,
			Unit:      row.Unit,
		})
	}
	return events
}
