package serving

import (
	"context"
	"time"

	"github.com/clinsight-ai/platform/pkg/common/models"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PredictionLog is the persistence model for serving analytics. Every
// scored request is recorded with the feature values it was scored on.
type PredictionLog struct {
	ID            uuid.UUID         `gorm:"primaryKey;column:id"`
	PatientID     string            `gorm:"column:patient_id;index"`
	ModelName     string            `gorm:"column:model_name"`
	SchemaVersion string            `gorm:"column:schema_version"`
	CutoffTime    time.Time         `gorm:"column:cutoff_time"`
	Probability   float64           `gorm:"column:probability"`
	LatencyMs     float64           `gorm:"column:latency_ms"`
	Features      datatypes.JSONMap `gorm:"column:features"`
	CreatedAt     time.Time         `gorm:"column:created_at"`
}

// TableName overrides gorm naming.
func (PredictionLog) TableName() string {
	return "prediction_logs"
}

// Repository handles prediction log queries.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&PredictionLog{})
}

func (r *Repository) RecordPrediction(ctx context.Context, pred models.Prediction, features map[string]interface{}, latency time.Duration) error {
	log := PredictionLog{
		ID:            uuid.New(),
		PatientID:     pred.PatientID,
		ModelName:     pred.ModelName,
		SchemaVersion: pred.SchemaVersion,
		CutoffTime:    pred.CutoffTime,
		Probability:   pred.Probability,
		LatencyMs:     float64(latency.Microseconds()) / 1000.0,
		Features:      datatypes.JSONMap(features),
		CreatedAt:     time.Now().UTC(),
	}
	return r.db.WithContext(ctx).Create(&log).Error
}

// Recent returns the most recent prediction logs up to limit.
func (r *Repository) Recent(ctx context.Context, limit int) ([]PredictionLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var logs []PredictionLog
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}
