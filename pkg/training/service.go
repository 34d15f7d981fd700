package training

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/clinsight-ai/platform/pkg/cohort"
	"github.com/clinsight-ai/platform/pkg/common/logger"
	"github.com/clinsight-ai/platform/pkg/common/models"
	"github.com/clinsight-ai/platform/pkg/ehr"
	"github.com/clinsight-ai/platform/pkg/features"
	"github.com/clinsight-ai/platform/pkg/ml/logistic"
	"github.com/clinsight-ai/platform/pkg/schema"
	"github.com/clinsight-ai/platform/pkg/scoring"
	"gorm.io/datatypes"

	"github.com/google/uuid"
)

// Service runs training jobs: select a cohort, synthesize the labelled
// feature matrix with the same synthesizer the serving path uses, fit the
// logistic risk model and publish a versioned artifact.
type Service struct {
	repo            *Repository
	store           ehr.Store
	synth           *features.Synthesizer
	reg             *schema.Registry
	artifactDir     string
	workerSem       chan struct{}
	defaultLookback time.Duration
}

func NewService(repo *Repository, store ehr.Store, synth *features.Synthesizer, reg *schema.Registry, artifactDir string, maxWorkers int, defaultLookback time.Duration) (*Service, error) {
	s := &Service{
		repo:            repo,
		store:           store,
		synth:           synth,
		reg:             reg,
		artifactDir:     artifactDir,
		defaultLookback: defaultLookback,
	}
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	s.workerSem = make(chan struct{}, maxWorkers)
	if err := os.MkdirAll(artifactDir, 0o755); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) Create(ctx context.Context, input CreateJobInput) (models.TrainingJob, error) {
	if input.ModelName == "" {
		return models.TrainingJob{}, fmt.Errorf("model name is required")
	}
	if _, err := cohort.Parse(input.Cohort); err != nil {
		return models.TrainingJob{}, err
	}
	jobID := uuid.New()
	job := &JobModel{
		ID:            jobID,
		ModelName:     input.ModelName,
		SchemaVersion: s.reg.Current(),
		Config:        datatypes.JSONMap(input.Config),
		Cohort:        input.Cohort,
		Status:        StatusQueued,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return models.TrainingJob{}, err
	}
	go s.run(jobID, input)
	return toDomain(job), nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (models.TrainingJob, error) {
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return models.TrainingJob{}, err
	}
	return toDomain(job), nil
}

func (s *Service) List(ctx context.Context, limit int) ([]models.TrainingJob, error) {
	jobs, err := s.repo.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	results := make([]models.TrainingJob, 0, len(jobs))
	for _, job := range jobs {
		copy := job
		results = append(results, toDomain(&copy))
	}
	return results, nil
}

func (s *Service) run(jobID uuid.UUID, input CreateJobInput) {
	s.workerSem <- struct{}{}
	defer func() { <-s.workerSem }()

	ctx := context.Background()
	start := time.Now().UTC()
	if err := s.repo.UpdateStatus(ctx, jobID, StatusRunning, nil, "", ""); err != nil {
		logger.Log.WithError(err).Error("failed to mark job running")
	}
	if err := s.repo.SetTimestamps(ctx, jobID, &start, nil); err != nil {
		logger.Log.WithError(err).Error("failed to set start timestamp")
	}

	artifact, metrics, err := s.Fit(ctx, input)
	if err != nil {
		s.failJob(ctx, jobID, err)
		return
	}
	artifact.JobID = jobID.String()

	artifactPath := filepath.Join(s.artifactDir, fmt.Sprintf("%s_%s.json", input.ModelName, jobID.String()))
	if err := scoring.WriteArtifact(artifactPath, artifact); err != nil {
		s.failJob(ctx, jobID, fmt.Errorf("artifact write failed: %w", err))
		return
	}
	// the serving path loads the model from the well-known latest location
	if err := scoring.WriteArtifact(scoring.ArtifactPath(s.artifactDir, input.ModelName), artifact); err != nil {
		s.failJob(ctx, jobID, fmt.Errorf("artifact publish failed: %w", err))
		return
	}

	if err := s.repo.UpdateStatus(ctx, jobID, StatusCompleted, metrics, artifactPath, ""); err != nil {
		logger.Log.WithError(err).Error("failed to mark job complete")
	}
	completed := time.Now().UTC()
	if err := s.repo.SetTimestamps(ctx, jobID, nil, &completed); err != nil {
		logger.Log.WithError(err).Error("failed to set completion timestamp")
	}
}

func (s *Service) failJob(ctx context.Context, jobID uuid.UUID, err error) {
	logger.Log.WithError(err).Error("training job failed")
	_ = s.repo.UpdateStatus(ctx, jobID, StatusFailed, nil, "", err.Error())
	completed := time.Now().UTC()
	_ = s.repo.SetTimestamps(ctx, jobID, nil, &completed)
}

// Fit is the synchronous training core: cohort selection, dataset
// synthesis, model fit and artifact assembly. It has no persistence side
// effects, which keeps it directly testable.
func (s *Service) Fit(ctx context.Context, input CreateJobInput) (scoring.Artifact, map[string]interface{}, error) {
	spec, err := specFromConfig(input.Config, s.defaultLookback)
	if err != nil {
		return scoring.Artifact{}, nil, err
	}
	selector, err := cohort.Parse(input.Cohort)
	if err != nil {
		return scoring.Artifact{}, nil, err
	}
	patientIDs, err := cohort.Select(ctx, s.store, selector)
	if err != nil {
		return scoring.Artifact{}, nil, err
	}

	ds, err := BuildDataset(ctx, s.store, s.synth, spec, patientIDs)
	if err != nil {
		return scoring.Artifact{}, nil, err
	}

	trainRows, trainLabels, testRows, testLabels := split(ds)

	scaler := fitScaler(trainRows)
	scaledTrain := applyScaler(scaler, trainRows)
	scaledTest := applyScaler(scaler, testRows)

	opts := logistic.Options{
		Epochs:       int(floatOr(input.Config, "epochs", 300)),
		LearningRate: floatOr(input.Config, "learning_rate", 0.1),
		L2:           floatOr(input.Config, "l2", 0.001),
	}
	weights, trainMetrics := logistic.Train(scaledTrain, trainLabels, logistic.BalancedWeights(trainLabels), opts)

	metrics := map[string]interface{}{
		"training_samples": len(trainRows),
		"test_samples":     len(testRows),
		"train_loss":       trainMetrics.Loss,
		"train_accuracy":   trainMetrics.Accuracy,
		"train_auroc":      trainMetrics.AUROC,
	}
	testMetrics := evaluate(weights, scaledTest, testLabels)
	if testMetrics != nil {
		metrics["test_loss"] = testMetrics.Loss
		metrics["test_accuracy"] = testMetrics.Accuracy
		metrics["test_auroc"] = testMetrics.AUROC
	}

	sch := s.synth.Schema()
	artifact := scoring.Artifact{CreatedAt: time.Now().UTC()}
	artifact.Model.Name = input.ModelName
	artifact.Model.Algorithm = scoring.AlgorithmLogistic
	artifact.Model.SchemaVersion = sch.Version
	artifact.Model.FeatureNames = sch.EncodedColumns()
	artifact.Model.Scaler = scaler
	artifact.Model.Weights = weights

	baseline := columnMeans(ds.Rows)
	artifact.Baseline.Values = baseline
	artifact.Baseline.Probability = logistic.Predict(weights, scaler.Apply(baseline))

	artifact.FeatureStats = featureStats(sch, ds.Vectors)
	artifact.Metrics = map[string]float64{
		"train_loss":     trainMetrics.Loss,
		"train_accuracy": trainMetrics.Accuracy,
		"train_auroc":    trainMetrics.AUROC,
	}
	if testMetrics != nil {
		artifact.Metrics["test_loss"] = testMetrics.Loss
		artifact.Metrics["test_accuracy"] = testMetrics.Accuracy
		artifact.Metrics["test_auroc"] = testMetrics.AUROC
	}
	return artifact, metrics, nil
}

// split holds out every fifth example. The dataset is already ordered by
// patient id, so the split is deterministic across runs.
func split(ds Dataset) (trainRows [][]float64, trainLabels []float64, testRows [][]float64, testLabels []float64) {
	for i := range ds.Rows {
		if len(ds.Rows) >= 10 && i%5 == 4 {
			testRows = append(testRows, ds.Rows[i])
			testLabels = append(testLabels, ds.Labels[i])
			continue
		}
		trainRows = append(trainRows, ds.Rows[i])
		trainLabels = append(trainLabels, ds.Labels[i])
	}
	return
}

func fitScaler(rows [][]float64) scoring.Scaler {
	if len(rows) == 0 {
		return scoring.Scaler{}
	}
	n := len(rows[0])
	scaler := scoring.Scaler{Min: make([]float64, n), Max: make([]float64, n)}
	copy(scaler.Min, rows[0])
	copy(scaler.Max, rows[0])
	for _, row := range rows[1:] {
		for j, v := range row {
			if v < scaler.Min[j] {
				scaler.Min[j] = v
			}
			if v > scaler.Max[j] {
				scaler.Max[j] = v
			}
		}
	}
	return scaler
}

func applyScaler(scaler scoring.Scaler, rows [][]float64) [][]float64 {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		out[i] = scaler.Apply(row)
	}
	return out
}

func evaluate(weights logistic.Weights, rows [][]float64, labels []float64) *logistic.Metrics {
	if len(rows) == 0 {
		return nil
	}
	scores := make([]float64, len(rows))
	var loss float64
	var correct int
	for i, row := range rows {
		p := logistic.Predict(weights, row)
		scores[i] = p
		loss += -labels[i]*math.Log(p+1e-9) - (1-labels[i])*math.Log(1-p+1e-9)
		if (p >= 0.5 && labels[i] == 1) || (p < 0.5 && labels[i] == 0) {
			correct++
		}
	}
	return &logistic.Metrics{
		Loss:     loss / float64(len(rows)),
		Accuracy: float64(correct) / float64(len(rows)),
		AUROC:    logistic.AUROC(scores, labels),
	}
}

func columnMeans(rows [][]float64) []float64 {
	if len(rows) == 0 {
		return nil
	}
	means := make([]float64, len(rows[0]))
	for _, row := range rows {
		for j, v := range row {
			means[j] += v
		}
	}
	for j := range means {
		means[j] /= float64(len(rows))
	}
	return means
}

// featureStats fits the cohort distribution of every raw numeric feature,
// which what-if suggestions use as the normal band.
func featureStats(sch *schema.Schema, vectors []*schema.FeatureVector) map[string]scoring.FeatureStat {
	stats := make(map[string]scoring.FeatureStat)
	for i, entry := range sch.Entries {
		if entry.Type != schema.TypeNumeric || entry.Derived != nil {
			continue
		}
		var count int
		var mean, m2 float64
		for _, v := range vectors {
			val := v.Values[i]
			if val.Missing {
				continue
			}
			count++
			delta := val.Num - mean
			mean += delta / float64(count)
			m2 += delta * (val.Num - mean)
		}
		if count == 0 {
			continue
		}
		std := 0.0
		if count > 1 {
			std = math.Sqrt(m2 / float64(count-1))
		}
		stats[entry.Name] = scoring.FeatureStat{Mean: mean, Std: std}
	}
	return stats
}

func toDomain(job *JobModel) models.TrainingJob {
	result := models.TrainingJob{
		ID:           job.ID,
		ModelName:    job.ModelName,
		Cohort:       job.Cohort,
		Status:       job.Status,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
		ArtifactPath: job.ArtifactPath,
		ErrorMessage: job.ErrorMessage,
	}
	if job.Config != nil {
		result.Config = map[string]interface{}(job.Config)
	}
	if job.Metrics != nil {
		result.Metrics = map[string]interface{}(job.Metrics)
	}
	return result
}
