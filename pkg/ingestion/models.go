package ingestion

import (
	"time"
)

const (
	StatusAccepted  = "accepted"
	StatusPersisted = "persisted"
	StatusFailed    = "failed"
)

// Record tracks one ingested event batch for status queries and auditing.
type Record struct {
	ID          string     `json:"id" gorm:"primaryKey;column:id"`
	Source      string     `json:"source" gorm:"column:source"`
	EventCount  int        `json:"event_count" gorm:"column:event_count"`
	Status      string     `json:"status" gorm:"column:status"`
	Error       string     `json:"error,omitempty" gorm:"column:error"`
	CreatedAt   time.Time  `json:"created_at" gorm:"column:created_at"`
	UpdatedAt   time.Time  `json:"updated_at" gorm:"column:updated_at"`
	LastAttempt *time.Time `json:"last_attempt,omitempty" gorm:"column:last_attempt"`
}

func (Record) TableName() string {
	return "ingest_batches"
}
