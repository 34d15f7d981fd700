package models

import (
	"time"

	"github.com/google/uuid"
)

// Clinical events

// ClinicalEvent is a single time-stamped observation from the EHR: a lab
// result, a chart observation, a diagnosis, a prescription or a procedure.
// Events are immutable and sourced externally; the risk core only reads them.
type ClinicalEvent struct {
	PatientID string    `json:"patient_id"`
	EventType string    `json:"event_type"` // lab, chart, diagnosis, prescription, procedure, demographic, outcome
	Timestamp time.Time `json:"timestamp"`
	ItemID    string    `json:"item_id"`
	Value     float64   `json:"value"`
	Code      string    `json:"code,omitempty"` // categorical observations (e.g. admission_type)
	Unit      string    `json:"unit,omitempty"`
}

// Feature vectors

type FeatureValueResponse struct {
	Name  string      `json:"name"`
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
}

type FeatureVectorResponse struct {
	PatientID     string                 `json:"patient_id"`
	CutoffTime    time.Time              `json:"cutoff_time"`
	SchemaVersion string                 `json:"schema_version"`
	Features      []FeatureValueResponse `json:"features"`
}

// Predictions and explanations

type Prediction struct {
	PatientID     string    `json:"patient_id"`
	CutoffTime    time.Time `json:"cutoff_time"`
	SchemaVersion string    `json:"schema_version"`
	ModelName     string    `json:"model_name"`
	Probability   float64   `json:"probability"`
}

type AttributionEntry struct {
	FeatureName  string  `json:"feature_name"`
	Contribution float64 `json:"contribution"`
}

// Attribution decomposes one prediction relative to a baseline prediction.
// Entries are ordered by descending absolute contribution and sum to
// Prediction - BaselinePrediction within numeric tolerance.
type Attribution struct {
	PatientID          string             `json:"patient_id"`
	CutoffTime         time.Time          `json:"cutoff_time"`
	SchemaVersion      string             `json:"schema_version"`
	Prediction         float64            `json:"prediction"`
	BaselinePrediction float64            `json:"baseline_prediction"`
	Approximate        bool               `json:"approximate"`
	Entries            []AttributionEntry `json:"entries"`
}

// What-if

type WhatIfRequest struct {
	CutoffTime time.Time              `json:"cutoff_time"`
	Overrides  map[string]interface{} `json:"overrides"`
}

type WhatIfResponse struct {
	PatientID   string      `json:"patient_id"`
	Probability float64     `json:"probability"`
	Attribution Attribution `json:"attribution"`
}

// WhatIfSuggestion reports the effect of pulling one out-of-range feature
// back to the nearest edge of its cohort reference band.
type WhatIfSuggestion struct {
	FeatureName  string  `json:"feature_name"`
	CurrentValue float64 `json:"current_value"`
	TargetValue  float64 `json:"target_value"`
	Probability  float64 `json:"probability"`
	Contribution float64 `json:"contribution"`
}

// Reference values

type ReferenceStats struct {
	Mean  float64    `json:"mean"`
	Std   float64    `json:"std"`
	Count int        `json:"count"`
	CI95  [2]float64 `json:"ci95"`
}

// Model training

type TrainingJob struct {
	ID           uuid.UUID              `json:"id"`
	ModelName    string                 `json:"model_name"`
	Config       map[string]interface{} `json:"config"`
	Cohort       string                 `json:"cohort,omitempty"`
	Status       string                 `json:"status"`
	CreatedAt    time.Time              `json:"created_at"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	Metrics      map[string]interface{} `json:"metrics,omitempty"`
	ArtifactPath string                 `json:"artifact_path,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}

type CreateTrainingJobRequest struct {
	ModelName string                 `json:"model_name"`
	Config    map[string]interface{} `json:"config"`
	Cohort    string                 `json:"cohort,omitempty"`
}
