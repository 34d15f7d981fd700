package ingestion

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	errInvalidSource = errors.New("invalid source")
	errEmptyBatch    = errors.New("batch contains no events")
	errInvalidEvent  = errors.New("invalid event")
)

type ValidationError struct {
	reason error
}

func (e ValidationError) Error() string {
	return e.reason.Error()
}

func (e ValidationError) Unwrap() error {
	return e.reason
}

func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

type Validator struct {
	allowedSources map[string]struct{}
}

func NewValidator(sources []string) *Validator {
	allowed := make(map[string]struct{})
	for _, src := range sources {
		if trimmed := strings.TrimSpace(strings.ToLower(src)); trimmed != "" {
			allowed[trimmed] = struct{}{}
		}
	}
	return &Validator{allowedSources: allowed}
}

func (v *Validator) Validate(batch Batch) error {
	if v == nil {
		return ValidationError{reason: errors.New("validator not initialised")}
	}

	source := strings.TrimSpace(strings.ToLower(batch.Source))
	if source == "" {
		return ValidationError{reason: fmt.Errorf("source required: %w", errInvalidSource)}
	}
	if len(v.allowedSources) > 0 {
		if _, ok := v.allowedSources[source]; !ok {
			return ValidationError{reason: fmt.Errorf("source '%s' not allowed: %w", source, errInvalidSource)}
		}
	}

	if len(batch.Events) == 0 {
		return ValidationError{reason: errEmptyBatch}
	}

	for i, ev := range batch.Events {
		if strings.TrimSpace(ev.PatientID) == "" {
			return ValidationError{reason: fmt.Errorf("event %d: patient_id required: %w", i, errInvalidEvent)}
		}
		if strings.TrimSpace(ev.EventType) == "" {
			return ValidationError{reason: fmt.Errorf("event %d: event_type required: %w", i, errInvalidEvent)}
		}
		if ev.Timestamp.IsZero() {
			return ValidationError{reason: fmt.Errorf("event %d: timestamp required: %w", i, errInvalidEvent)}
		}
		if math.IsNaN(ev.Value) || math.IsInf(ev.Value, 0) {
			return ValidationError{reason: fmt.Errorf("event %d: value must be finite: %w", i, errInvalidEvent)}
		}
	}

	return nil
}
