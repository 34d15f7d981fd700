package serving

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/clinsight-ai/platform/pkg/common/kafka"
	"github.com/clinsight-ai/platform/pkg/common/logger"
	"github.com/clinsight-ai/platform/pkg/common/models"
	"github.com/clinsight-ai/platform/pkg/ehr"
	"github.com/clinsight-ai/platform/pkg/explain"
	"github.com/clinsight-ai/platform/pkg/features"
	"github.com/clinsight-ai/platform/pkg/observability/metrics"
	"github.com/clinsight-ai/platform/pkg/reference"
	"github.com/clinsight-ai/platform/pkg/schema"
	"github.com/clinsight-ai/platform/pkg/scoring"
	"github.com/clinsight-ai/platform/pkg/whatif"
	"github.com/gorilla/mux"
)

// Handler exposes the risk pipeline over HTTP: feature synthesis,
// prediction, attribution, what-if re-scoring and reference values.
type Handler struct {
	synth     *features.Synthesizer
	scorer    *scoring.Scorer
	explainer *explain.Explainer
	rescorer  *whatif.Rescorer
	reference *reference.Service
	repo      *Repository
	producer  *kafka.Producer
	lookback  time.Duration
}

func NewHandler(synth *features.Synthesizer, scorer *scoring.Scorer, explainer *explain.Explainer, rescorer *whatif.Rescorer, ref *reference.Service, repo *Repository, producer *kafka.Producer, lookback time.Duration) *Handler {
	return &Handler{
		synth:     synth,
		scorer:    scorer,
		explainer: explainer,
		rescorer:  rescorer,
		reference: ref,
		repo:      repo,
		producer:  producer,
		lookback:  lookback,
	}
}

func (h *Handler) Register(router *mux.Router) {
	router.HandleFunc("/health", h.handleHealth).Methods("GET")
	router.HandleFunc("/api/v1/patients/{id}/features", h.handleFeatures).Methods("GET")
	router.HandleFunc("/api/v1/patients/{id}/prediction", h.handlePrediction).Methods("GET")
	router.HandleFunc("/api/v1/patients/{id}/explanation", h.handleExplanation).Methods("GET")
	router.HandleFunc("/api/v1/patients/{id}/whatif", h.handleWhatIf).Methods("POST")
	router.HandleFunc("/api/v1/patients/{id}/whatif/suggestions", h.handleSuggestions).Methods("GET")
	router.HandleFunc("/api/v1/reference/{event_type}", h.handleReference).Methods("GET")
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":         "healthy",
		"model":          h.scorer.ModelName(),
		"schema_version": h.scorer.SchemaVersion(),
	})
}

func (h *Handler) handleFeatures(w http.ResponseWriter, r *http.Request) {
	patientID := mux.Vars(r)["id"]
	cutoff, lookback, err := h.window(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	vector, err := h.synth.Synthesize(r.Context(), patientID, cutoff, lookback)
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toVectorResponse(h.synth.Schema(), vector))
}

func (h *Handler) handlePrediction(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	patientID := mux.Vars(r)["id"]
	cutoff, lookback, err := h.window(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	vector, err := h.synth.Synthesize(r.Context(), patientID, cutoff, lookback)
	if err != nil {
		h.respondError(w, err)
		return
	}
	probability, err := h.scorer.Score(vector)
	if err != nil {
		h.respondError(w, err)
		return
	}

	pred := models.Prediction{
		PatientID:     patientID,
		CutoffTime:    cutoff,
		SchemaVersion: vector.SchemaVersion,
		ModelName:     h.scorer.ModelName(),
		Probability:   probability,
	}
	h.record(r, pred, vector, time.Since(start))
	metrics.ObservePrediction()
	writeJSON(w, http.StatusOK, pred)
}

func (h *Handler) handleExplanation(w http.ResponseWriter, r *http.Request) {
	patientID := mux.Vars(r)["id"]
	cutoff, lookback, err := h.window(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	vector, err := h.synth.Synthesize(r.Context(), patientID, cutoff, lookback)
	if err != nil {
		h.respondError(w, err)
		return
	}
	attribution, err := h.explainer.Explain(vector, nil)
	if err != nil {
		h.respondError(w, err)
		return
	}
	metrics.ObserveExplanation()
	writeJSON(w, http.StatusOK, attribution)
}

func (h *Handler) handleWhatIf(w http.ResponseWriter, r *http.Request) {
	patientID := mux.Vars(r)["id"]

	var req models.WhatIfRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	cutoff := req.CutoffTime
	if cutoff.IsZero() {
		cutoff = time.Now().UTC()
	}

	vector, err := h.synth.Synthesize(r.Context(), patientID, cutoff, h.lookback)
	if err != nil {
		h.respondError(w, err)
		return
	}
	result, err := h.rescorer.Rescore(vector, req.Overrides)
	if err != nil {
		h.respondError(w, err)
		return
	}

	metrics.ObserveWhatIf()
	h.publish(r, "whatif.completed", patientID, map[string]interface{}{
		"probability": result.Probability,
		"overrides":   len(req.Overrides),
	})
	writeJSON(w, http.StatusOK, models.WhatIfResponse{
		PatientID:   patientID,
		Probability: result.Probability,
		Attribution: result.Attribution,
	})
}

func (h *Handler) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	patientID := mux.Vars(r)["id"]
	cutoff, lookback, err := h.window(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	vector, err := h.synth.Synthesize(r.Context(), patientID, cutoff, lookback)
	if err != nil {
		h.respondError(w, err)
		return
	}
	suggestions, err := h.rescorer.Suggestions(vector)
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"patient_id":  patientID,
		"cutoff_time": cutoff,
		"suggestions": suggestions,
	})
}

func (h *Handler) handleReference(w http.ResponseWriter, r *http.Request) {
	eventType := mux.Vars(r)["event_type"]
	var patientIDs []string
	if raw := r.URL.Query().Get("patients"); raw != "" {
		patientIDs = strings.Split(raw, ",")
	}

	stats, err := h.reference.ForEventType(r.Context(), eventType, patientIDs)
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"event_type": eventType,
		"items":      stats,
	})
}

// window parses the optional cutoff and lookback query parameters. The
// cutoff defaults to now, the lookback to the configured default.
func (h *Handler) window(r *http.Request) (time.Time, time.Duration, error) {
	cutoff := time.Now().UTC()
	if raw := r.URL.Query().Get("cutoff"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, 0, errors.New("cutoff must be RFC3339")
		}
		cutoff = parsed
	}
	lookback := h.lookback
	if raw := r.URL.Query().Get("lookback"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			return time.Time{}, 0, errors.New("lookback must be a positive duration")
		}
		lookback = parsed
	}
	return cutoff, lookback, nil
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var perturbation *whatif.PerturbationError
	switch {
	case errors.Is(err, ehr.ErrUnknownPatient):
		http.Error(w, "Patient not found", http.StatusNotFound)
	case errors.As(err, &perturbation):
		metrics.ObserveWhatIfRejected()
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":   "invalid perturbation",
			"feature": perturbation.Feature,
			"reason":  perturbation.Reason,
		})
	case errors.Is(err, schema.ErrVersionMismatch):
		logger.Log.WithError(err).Error("Schema version mismatch")
		http.Error(w, "Schema version mismatch", http.StatusInternalServerError)
	case errors.Is(err, scoring.ErrNumericInstability):
		logger.Log.WithError(err).Error("Numeric instability during scoring")
		http.Error(w, "Scoring failed", http.StatusInternalServerError)
	default:
		logger.Log.WithError(err).Error("Request failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// record persists the prediction log and emits the analytics event. Both
// are best effort and never fail the request.
func (h *Handler) record(r *http.Request, pred models.Prediction, vector *schema.FeatureVector, latency time.Duration) {
	featureValues := make(map[string]interface{}, len(vector.Values))
	for i, entry := range h.synth.Schema().Entries {
		featureValues[entry.Name] = vector.Values[i].Display()
	}
	if h.repo != nil {
		if err := h.repo.RecordPrediction(r.Context(), pred, featureValues, latency); err != nil {
			logger.Log.WithError(err).Error("Failed to record prediction")
		}
	}
	h.publish(r, "prediction.completed", pred.PatientID, map[string]interface{}{
		"model_name":     pred.ModelName,
		"schema_version": pred.SchemaVersion,
		"probability":    pred.Probability,
		"latency_ms":     float64(latency.Microseconds()) / 1000.0,
	})
}

func (h *Handler) publish(r *http.Request, eventType, patientID string, data map[string]interface{}) {
	if h.producer == nil {
		return
	}
	if err := h.producer.PublishEvent(r.Context(), eventType, patientID, data); err != nil {
		logger.Log.WithError(err).Warn("Failed to publish analytics event")
	}
}

func toVectorResponse(sch *schema.Schema, v *schema.FeatureVector) models.FeatureVectorResponse {
	resp := models.FeatureVectorResponse{
		PatientID:     v.PatientID,
		CutoffTime:    v.CutoffTime,
		SchemaVersion: v.SchemaVersion,
		Features:      make([]models.FeatureValueResponse, len(v.Values)),
	}
	for i, entry := range sch.Entries {
		resp.Features[i] = models.FeatureValueResponse{
			Name:  entry.Name,
			Type:  string(entry.Type),
			Value: v.Values[i].Display(),
		}
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Log.WithError(err).Error("Failed to encode response")
	}
}
