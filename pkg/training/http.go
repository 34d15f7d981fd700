package training

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/clinsight-ai/platform/pkg/common/logger"
	"github.com/clinsight-ai/platform/pkg/common/models"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) Register(router *mux.Router) {
	router.HandleFunc("/api/v1/training/jobs", h.handleCreateJob).Methods("POST")
	router.HandleFunc("/api/v1/training/jobs", h.handleListJobs).Methods("GET")
	router.HandleFunc("/api/v1/training/jobs/{id}", h.handleGetJob).Methods("GET")
	router.HandleFunc("/api/v1/training/jobs/{id}/status", h.handleGetStatus).Methods("GET")
}

func (h *Handler) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req models.CreateTrainingJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	job, err := h.service.Create(r.Context(), CreateJobInput{
		ModelName: req.ModelName,
		Config:    req.Config,
		Cohort:    req.Cohort,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (h *Handler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	jobs, err := h.service.List(r.Context(), limit)
	if err != nil {
		logger.Log.WithError(err).Error("Failed to list training jobs")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

func (h *Handler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := h.lookup(w, r)
	if !ok {
		return
	}
	status := map[string]interface{}{
		"job_id": job.ID,
		"status": job.Status,
	}
	if job.ErrorMessage != "" {
		status["error"] = job.ErrorMessage
	}
	if job.Metrics != nil {
		status["metrics"] = job.Metrics
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (models.TrainingJob, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid job id", http.StatusBadRequest)
		return models.TrainingJob{}, false
	}
	job, err := h.service.Get(r.Context(), id)
	if errors.Is(err, ErrJobNotFound) {
		http.Error(w, "Job not found", http.StatusNotFound)
		return models.TrainingJob{}, false
	}
	if err != nil {
		logger.Log.WithError(err).Error("Failed to load training job")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return models.TrainingJob{}, false
	}
	return job, true
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Log.WithError(err).Error("Failed to encode response")
	}
}
