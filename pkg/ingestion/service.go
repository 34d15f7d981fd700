package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/clinsight-ai/platform/pkg/common/kafka"
	"github.com/clinsight-ai/platform/pkg/common/logger"
	"github.com/clinsight-ai/platform/pkg/common/models"
	"github.com/clinsight-ai/platform/pkg/terminology"
	"github.com/google/uuid"
)

// EventWriter persists clinical events. Satisfied by ehr.Repository.
type EventWriter interface {
	Insert(ctx context.Context, events []models.ClinicalEvent) error
}

type Service struct {
	validator *Validator
	repo      *Repository
	events    EventWriter
	catalog   *terminology.Catalog
	producer  *kafka.Producer
	dlq       *kafka.Producer
	statusTTL time.Duration
}

func NewService(validator *Validator, repo *Repository, events EventWriter, catalog *terminology.Catalog, producer *kafka.Producer, dlq *kafka.Producer, ttl time.Duration) *Service {
	return &Service{
		validator: validator,
		repo:      repo,
		events:    events,
		catalog:   catalog,
		producer:  producer,
		dlq:       dlq,
		statusTTL: ttl,
	}
}

// Process validates a batch, resolves item codes against the terminology
// catalog, persists the events and records the batch outcome.
func (s *Service) Process(ctx context.Context, batch Batch) (*Record, error) {
	if err := s.validator.Validate(batch); err != nil {
		return nil, err
	}

	id := uuid.New().String()
	record := &Record{
		ID:         id,
		Source:     batch.Source,
		EventCount: len(batch.Events),
		Status:     StatusAccepted,
	}

	if s.repo != nil {
		if err := s.repo.Create(ctx, record); err != nil {
			return nil, fmt.Errorf("persisting batch record: %w", err)
		}
	}

	events := s.translate(batch)
	if err := s.events.Insert(ctx, events); err != nil {
		logger.Log.WithError(err).WithField("batch_id", id).Error("failed to persist clinical events")
		s.markStatus(ctx, id, StatusFailed, err.Error())
		return nil, fmt.Errorf("persisting events: %w", err)
	}

	s.publish(ctx, id, batch)
	s.markStatus(ctx, id, StatusPersisted, "")

	record.Status = StatusPersisted
	return record, nil
}

// translate maps wire payloads to domain events, rewriting external item
// codes to canonical item IDs where the catalog knows them.
func (s *Service) translate(batch Batch) []models.ClinicalEvent {
	events := make([]models.ClinicalEvent, 0, len(batch.Events))
	for _, p := range batch.Events {
		ev := p.toModel()
		if s.catalog != nil && ev.ItemID != "" {
			if canonical, ok := s.catalog.Resolve(ev.ItemID); ok {
				ev.ItemID = canonical
			}
		}
		events = append(events, ev)
	}
	return events
}

func (s *Service) publish(ctx context.Context, id string, batch Batch) {
	if s.producer == nil {
		return
	}
	payload := map[string]interface{}{
		"batch_id":    id,
		"source":      batch.Source,
		"event_count": len(batch.Events),
		"received_at": time.Now().UTC(),
	}
	if err := s.producer.PublishEvent(ctx, "events.ingested", batch.Source, payload); err != nil {
		logger.Log.WithError(err).Error("failed to publish ingest event")
		if s.dlq != nil {
			if dlqErr := s.dlq.PublishEvent(ctx, "events.ingested", batch.Source, payload); dlqErr != nil {
				logger.Log.WithError(dlqErr).Error("failed to push ingest event to DLQ")
			}
		}
	}
}

func (s *Service) markStatus(ctx context.Context, id, status, errMsg string) {
	if s.repo == nil {
		return
	}
	if err := s.repo.UpdateStatus(ctx, id, status, errMsg); err != nil {
		logger.Log.WithError(err).WithField("batch_id", id).Error("failed to update batch status")
	}
}

func (s *Service) Status(ctx context.Context, id string) (*Record, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ValidationError{reason: fmt.Errorf("invalid batch id: %w", err)}
	}
	return s.repo.Get(ctx, id)
}

func (s *Service) Cleanup(ctx context.Context) error {
	return s.repo.CleanupExpired(ctx, s.statusTTL)
}
