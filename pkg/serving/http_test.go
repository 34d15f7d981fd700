package serving

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/clinsight-ai/platform/pkg/common/models"
	"github.com/clinsight-ai/platform/pkg/ehr"
	"github.com/clinsight-ai/platform/pkg/explain"
	"github.com/clinsight-ai/platform/pkg/features"
	"github.com/clinsight-ai/platform/pkg/ml/logistic"
	"github.com/clinsight-ai/platform/pkg/reference"
	"github.com/clinsight-ai/platform/pkg/schema"
	"github.com/clinsight-ai/platform/pkg/scoring"
	"github.com/clinsight-ai/platform/pkg/whatif"
	"github.com/gorilla/mux"
)

const testRegistry = `
current: "v1"
schemas:
  - version: "v1"
    features:
      - name: hr_mean
        type: numeric
        event_type: chart
        item_id: heart_rate
        aggregation: mean
        min: 0
        max: 300
        missing: {policy: population_mean, value: 80}
      - name: sbp_last
        type: numeric
        event_type: chart
        item_id: sbp
        aggregation: last
        min: 0
        max: 300
        missing: {policy: population_mean, value: 120}
`

var cutoff = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestRouter(t *testing.T) *mux.Router {
	t.Helper()
	reg, err := schema.ParseRegistry([]byte(testRegistry))
	if err != nil {
		t.Fatalf("failed to parse registry: %v", err)
	}

	artifact := scoring.Artifact{CreatedAt: time.Now().UTC()}
	artifact.Model.Name = "mortality"
	artifact.Model.Algorithm = scoring.AlgorithmLogistic
	artifact.Model.SchemaVersion = "v1"
	artifact.Model.FeatureNames = []string{"hr_mean", "sbp_last"}
	artifact.Model.Scaler = scoring.Scaler{Min: []float64{40, 60}, Max: []float64{200, 250}}
	artifact.Model.Weights = logistic.Weights{Bias: -1.0, Coefficients: []float64{2.0, -1.5}}
	artifact.Baseline.Values = []float64{82, 121}
	artifact.Baseline.Probability = logistic.Predict(
		artifact.Model.Weights,
		artifact.Model.Scaler.Apply(artifact.Baseline.Values),
	)

	scorer, err := scoring.New(artifact, reg)
	if err != nil {
		t.Fatalf("failed to build scorer: %v", err)
	}

	store := ehr.NewMemStore()
	store.Add(
		models.ClinicalEvent{PatientID: "p1", EventType: "chart", ItemID: "heart_rate", Timestamp: cutoff.Add(-2 * time.Hour), Value: 130},
		models.ClinicalEvent{PatientID: "p1", EventType: "chart", ItemID: "sbp", Timestamp: cutoff.Add(-1 * time.Hour), Value: 95},
		models.ClinicalEvent{PatientID: "p1", EventType: "lab", ItemID: "lactate", Timestamp: cutoff.Add(-3 * time.Hour), Value: 2.4},
	)

	sch := reg.CurrentSchema()
	synth := features.NewSynthesizer(store, sch)
	explainer := explain.New(scorer, sch)
	rescorer := whatif.NewRescorer(sch, scorer, explainer)
	handler := NewHandler(synth, scorer, explainer, rescorer, reference.NewService(store, nil, 0), nil, nil, 72*time.Hour)

	router := mux.NewRouter()
	handler.Register(router)
	return router
}

func do(t *testing.T, router *mux.Router, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestFeaturesEndpoint(t *testing.T) {
	router := newTestRouter(t)
	rec := do(t, router, "GET", "/api/v1/patients/p1/features?cutoff="+cutoff.Format(time.RFC3339), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp models.FeatureVectorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.PatientID != "p1" || resp.SchemaVersion != "v1" {
		t.Fatalf("unexpected response header %+v", resp)
	}
	if len(resp.Features) != 2 {
		t.Fatalf("expected 2 features, got %d", len(resp.Features))
	}
	if resp.Features[0].Name != "hr_mean" || resp.Features[0].Value.(float64) != 130 {
		t.Fatalf("unexpected first feature %+v", resp.Features[0])
	}
}

func TestPredictionEndpoint(t *testing.T) {
	router := newTestRouter(t)
	rec := do(t, router, "GET", "/api/v1/patients/p1/prediction?cutoff="+cutoff.Format(time.RFC3339), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var pred models.Prediction
	if err := json.Unmarshal(rec.Body.Bytes(), &pred); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if pred.Probability <= 0 || pred.Probability >= 1 {
		t.Fatalf("probability out of range: %v", pred.Probability)
	}
	if pred.ModelName != "mortality" {
		t.Fatalf("unexpected model name %q", pred.ModelName)
	}
}

func TestPredictionUnknownPatient(t *testing.T) {
	router := newTestRouter(t)
	rec := do(t, router, "GET", "/api/v1/patients/nobody/prediction", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestExplanationEndpoint(t *testing.T) {
	router := newTestRouter(t)
	rec := do(t, router, "GET", "/api/v1/patients/p1/explanation?cutoff="+cutoff.Format(time.RFC3339), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var attribution models.Attribution
	if err := json.Unmarshal(rec.Body.Bytes(), &attribution); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if attribution.Approximate {
		t.Fatal("expected exact attribution")
	}
	if len(attribution.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(attribution.Entries))
	}
}

func TestWhatIfEndpoint(t *testing.T) {
	router := newTestRouter(t)
	body := `{"cutoff_time":"` + cutoff.Format(time.RFC3339) + `","overrides":{"hr_mean":85}}`
	rec := do(t, router, "POST", "/api/v1/patients/p1/whatif", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp models.WhatIfResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.PatientID != "p1" {
		t.Fatalf("unexpected patient %q", resp.PatientID)
	}
	if resp.Probability <= 0 || resp.Probability >= 1 {
		t.Fatalf("probability out of range: %v", resp.Probability)
	}
}

func TestWhatIfRejectsBadOverride(t *testing.T) {
	router := newTestRouter(t)
	body := `{"cutoff_time":"` + cutoff.Format(time.RFC3339) + `","overrides":{"hr_mean":9000}}`
	rec := do(t, router, "POST", "/api/v1/patients/p1/whatif", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["feature"] != "hr_mean" {
		t.Fatalf("expected the offending feature to be named, got %v", resp)
	}
}

func TestReferenceEndpoint(t *testing.T) {
	router := newTestRouter(t)
	rec := do(t, router, "GET", "/api/v1/reference/lab", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		EventType string                           `json:"event_type"`
		Items     map[string]models.ReferenceStats `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Items["lactate"].Count != 1 {
		t.Fatalf("expected lactate stats, got %+v", resp.Items)
	}
}

func TestBadCutoffRejected(t *testing.T) {
	router := newTestRouter(t)
	rec := do(t, router, "GET", "/api/v1/patients/p1/features?cutoff=yesterday", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	router := newTestRouter(t)
	rec := do(t, router, "GET", "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "healthy") {
		t.Fatalf("unexpected health body %s", rec.Body.String())
	}
}
