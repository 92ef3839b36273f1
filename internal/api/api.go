package api

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"vision-backend/internal/core"
	"vision-backend/internal/database"
	"vision-backend/internal/dataset"
	"vision-backend/internal/messaging"
	"vision-backend/internal/monitoring"
	"vision-backend/internal/storage"
	"vision-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Predictor is the serving-side model the API predicts with. Satisfied by
// core.Predictor; tests substitute their own.
type Predictor interface {
	Predict(img image.Image) (core.Prediction, uuid.UUID, error)
	Info() (core.DeployedInfo, bool)
}

type BackendService struct {
	db        *gorm.DB
	publisher messaging.Publisher
	store     storage.ObjectStore
	predictor Predictor
	metrics   *monitoring.Collector

	dataBucket    string
	datasetPrefix string

	maxUploadBytes int64

	retrainEpochs          int
	retrainValidationSplit float64

	// retrainMu serializes retrain submissions so the active-job check and
	// the job insert act as one step within a process.
	retrainMu sync.Mutex
}

type BackendServiceOpts struct {
	DataBucket    string
	DatasetPrefix string

	// MaxUploadBytes caps multipart request bodies. Zero means the default
	// of 16 MiB.
	MaxUploadBytes int64

	RetrainEpochs          int
	RetrainValidationSplit float64
}

const defaultMaxUploadBytes = 16 << 20

func NewBackendService(
	db *gorm.DB,
	publisher messaging.Publisher,
	store storage.ObjectStore,
	predictor Predictor,
	metrics *monitoring.Collector,
	opts BackendServiceOpts,
) *BackendService {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	return &BackendService{
		db:                     db,
		publisher:              publisher,
		store:                  store,
		predictor:              predictor,
		metrics:                metrics,
		dataBucket:             opts.DataBucket,
		datasetPrefix:          opts.DatasetPrefix,
		maxUploadBytes:         opts.MaxUploadBytes,
		retrainEpochs:          opts.RetrainEpochs,
		retrainValidationSplit: opts.RetrainValidationSplit,
	}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))
	r.Get("/", RestHandler(s.GetDashboard))

	r.Get("/predict", RestHandler(s.GetDeployedModel))
	r.Post("/predict", RestHandler(s.Predict))

	r.Get("/upload_data", RestHandler(s.GetUploadClasses))
	r.Post("/upload_data", RestHandler(s.UploadData))

	r.Post("/retrain", RestHandler(s.Retrain))

	r.Route("/api", func(r chi.Router) {
		r.Post("/predict", RestHandler(s.Predict))
		r.Get("/metrics", RestHandler(s.GetMetrics))
		r.Get("/retrain_status", RestHandler(s.GetRetrainStatus))
		r.Route("/models", func(r chi.Router) {
			r.Get("/", RestHandler(s.ListModels))
			r.Get("/{model_id}", RestHandler(s.GetModel))
		})
		r.Get("/predictions/stats", RestHandler(s.GetPredictionStats))
		r.Get("/dataset/stats", RestHandler(s.GetDatasetStats))
	})
}

func (s *BackendService) GetDashboard(r *http.Request) (any, error) {
	metrics, err := s.metrics.Collect()
	if err != nil {
		slog.Error("error collecting system metrics", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error collecting system metrics")
	}

	stats, err := s.datasetStats(r)
	if err != nil {
		return nil, err
	}

	dashboard := api.Dashboard{
		Metrics: convertMetrics(metrics),
		Dataset: stats,
	}
	if info, ok := s.predictor.Info(); ok {
		modelInfo := convertDeployedInfo(info)
		dashboard.Model = &modelInfo
	}

	return dashboard, nil
}

func (s *BackendService) GetDeployedModel(r *http.Request) (any, error) {
	info, ok := s.predictor.Info()
	if !ok {
		return nil, CodedErrorf(http.StatusNotFound, "no trained model is deployed yet")
	}
	return convertDeployedInfo(info), nil
}

func (s *BackendService) Predict(r *http.Request) (any, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, s.maxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "no image file provided")
	}
	defer file.Close()

	if !dataset.AllowedImageFile(header.Filename) {
		return nil, CodedErrorf(http.StatusBadRequest, "unsupported file type '%s': allowed types are png, jpg, jpeg, gif, bmp", filepath.Ext(header.Filename))
	}

	img, err := core.DecodeImage(file)
	if err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "could not decode image: %v", err)
	}

	prediction, modelId, err := s.predictor.Predict(img)
	if err != nil {
		if errors.Is(err, core.ErrNoModel) {
			return nil, CodedErrorf(http.StatusServiceUnavailable, "no trained model is deployed yet")
		}
		slog.Error("error running prediction", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "prediction failed")
	}

	result := convertPrediction(prediction, modelId, header.Filename)

	if err := database.SavePredictionLog(r.Context(), s.db, modelId, result.Filename, result.PredictedClass, result.Confidence, result.Probabilities); err != nil {
		slog.Error("error logging prediction", "error", err)
	}

	return result, nil
}

func (s *BackendService) GetMetrics(r *http.Request) (any, error) {
	metrics, err := s.metrics.Collect()
	if err != nil {
		slog.Error("error collecting system metrics", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error collecting system metrics")
	}
	return convertMetrics(metrics), nil
}

func (s *BackendService) GetUploadClasses(r *http.Request) (any, error) {
	stats, err := s.datasetStats(r)
	if err != nil {
		return nil, err
	}

	classes := make([]string, 0, len(stats.Classes))
	for class := range stats.Classes {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	return api.UploadClasses{Classes: classes}, nil
}

func (s *BackendService) UploadData(r *http.Request) (any, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, s.maxUploadBytes)

	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "unable to parse multipart form: %v", err)
	}

	classLabel := r.FormValue("class_label")
	if classLabel == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "missing class_label form field")
	}
	if err := validateClassLabel(classLabel); err != nil {
		return nil, err
	}

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		return nil, CodedErrorf(http.StatusBadRequest, "no files provided")
	}

	response := api.UploadResponse{ClassLabel: classLabel}
	for _, header := range files {
		if err := s.uploadTrainingImage(r, classLabel, header); err != nil {
			slog.Warn("skipping uploaded file", "filename", header.Filename, "error", err)
			response.Skipped = append(response.Skipped, header.Filename)
			continue
		}
		response.Uploaded++
	}

	if response.Uploaded == 0 {
		return nil, CodedErrorf(http.StatusBadRequest, "no valid images in upload: %s", strings.Join(response.Skipped, ", "))
	}

	slog.Info("uploaded training images", "class_label", classLabel, "uploaded", response.Uploaded, "skipped", len(response.Skipped))
	return response, nil
}

func (s *BackendService) uploadTrainingImage(r *http.Request, classLabel string, header *multipart.FileHeader) error {
	if !dataset.AllowedImageFile(header.Filename) {
		return fmt.Errorf("unsupported file type")
	}

	file, err := header.Open()
	if err != nil {
		return fmt.Errorf("could not open uploaded file: %w", err)
	}
	defer file.Close()

	if err := core.ValidateImage(file); err != nil {
		return fmt.Errorf("not a decodable image: %w", err)
	}
	if _, err := file.Seek(0, 0); err != nil {
		return fmt.Errorf("could not rewind uploaded file: %w", err)
	}

	key := filepath.ToSlash(filepath.Join(s.datasetPrefix, classLabel, sanitizeFilename(header.Filename)))
	if err := s.store.PutObject(r.Context(), s.dataBucket, key, file); err != nil {
		return fmt.Errorf("could not store uploaded file: %w", err)
	}
	return nil
}

func (s *BackendService) Retrain(r *http.Request) (any, error) {
	ctx := r.Context()

	s.retrainMu.Lock()
	defer s.retrainMu.Unlock()

	active, err := database.GetActiveRetrainJob(ctx, s.db)
	if err != nil {
		slog.Error("error checking for active retrain job", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error checking retrain status")
	}
	if active != nil {
		return nil, CodedErrorf(http.StatusConflict, "a retraining job is already in progress")
	}

	base, err := database.LatestTrainedModel(ctx, s.db)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusUnprocessableEntity, "no trained base model available to retrain from")
		}
		slog.Error("error looking up base model", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error looking up base model")
	}

	stats, err := s.datasetStats(r)
	if err != nil {
		return nil, err
	}
	if len(stats.Classes) < 2 {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "retraining requires images for at least 2 classes, found %d", len(stats.Classes))
	}

	now := time.Now().UTC()
	model := database.Model{
		Id:           uuid.New(),
		BaseModelId:  uuid.NullUUID{UUID: base.Id, Valid: true},
		Name:         fmt.Sprintf("%s-retrain-%s", base.Name, now.Format("20060102-150405")),
		Status:       database.ModelQueued,
		CreationTime: now,
	}
	job := database.RetrainJob{
		Id:           uuid.New(),
		ModelId:      model.Id,
		Status:       database.JobQueued,
		Progress:     0,
		Message:      "Retraining queued",
		CreationTime: now,
	}
	err = s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		if err := txn.Create(&model).Error; err != nil {
			return err
		}
		return txn.Create(&job).Error
	})
	if err != nil {
		slog.Error("error creating retrain records", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create retrain job entry")
	}

	payload := messaging.RetrainTaskPayload{
		JobId:           job.Id,
		ModelId:         model.Id,
		BaseModelId:     model.BaseModelId,
		Epochs:          s.retrainEpochs,
		ValidationSplit: s.retrainValidationSplit,
	}
	if err := s.publisher.PublishRetrainTask(ctx, payload); err != nil {
		slog.Error("error publishing retrain task", "job_id", job.Id, "error", err)
		if err := database.UpdateRetrainJobStatus(ctx, s.db, job.Id, database.JobFailed); err != nil {
			slog.Error("error marking unpublished retrain job failed", "job_id", job.Id, "error", err)
		}
		if err := database.UpdateModelStatus(ctx, s.db, model.Id, database.ModelFailed); err != nil {
			slog.Error("error marking unpublished model failed", "model_id", model.Id, "error", err)
		}
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue retraining task")
	}

	slog.Info("submitted retrain job", "job_id", job.Id, "model_id", model.Id, "base_model_id", base.Id)
	return api.RetrainResponse{Message: "Retraining started", JobId: job.Id, ModelId: model.Id}, nil
}

func (s *BackendService) GetRetrainStatus(r *http.Request) (any, error) {
	ctx := r.Context()

	var latest database.RetrainJob
	err := s.db.WithContext(ctx).Order("creation_time DESC").First(&latest).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		slog.Error("error querying retrain jobs", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error querying retrain status")
	}

	status := api.RetrainStatus{}
	if err == nil {
		status.IsRunning = latest.Status == database.JobQueued || latest.Status == database.JobRunning
		status.Progress = latest.Progress
		status.Message = latest.Message
	}

	var lastCompleted database.RetrainJob
	err = s.db.WithContext(ctx).
		Where("status = ?", database.JobCompleted).
		Order("completion_time DESC").
		First(&lastCompleted).Error
	if err == nil && lastCompleted.CompletionTime.Valid {
		t := lastCompleted.CompletionTime.Time
		status.LastRetrainTime = &t
	} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		slog.Error("error querying completed retrain jobs", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error querying retrain status")
	}

	return status, nil
}

func (s *BackendService) ListModels(r *http.Request) (any, error) {
	var models []database.Model
	if err := s.db.WithContext(r.Context()).Order("creation_time DESC").Find(&models).Error; err != nil {
		slog.Error("error listing models", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error listing models")
	}

	result := make([]api.Model, 0, len(models))
	for _, model := range models {
		result = append(result, convertModel(model, nil))
	}
	return result, nil
}

func (s *BackendService) GetModel(r *http.Request) (any, error) {
	modelId, err := URLParamUUID(r, "model_id")
	if err != nil {
		return nil, err
	}

	var model database.Model
	if err := s.db.WithContext(r.Context()).First(&model, "id = ?", modelId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "model %v not found", modelId)
		}
		slog.Error("error getting model", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving model record")
	}

	var classes []string
	if info, ok := s.predictor.Info(); ok && info.ModelId == model.Id {
		classes = info.Classes
	}
	return convertModel(model, classes), nil
}

func (s *BackendService) GetPredictionStats(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[api.PredictionStatsQuery](r)
	if err != nil {
		return nil, err
	}
	if params.Limit < 0 {
		return nil, CodedErrorf(http.StatusBadRequest, "limit must be non-negative")
	}

	query := s.db.WithContext(r.Context()).Model(&database.PredictionLog{}).Order("creation_time DESC")
	if params.Class != "" {
		query = query.Where("predicted_class = ?", params.Class)
	}
	if params.Limit > 0 {
		query = query.Limit(params.Limit)
	}

	var logs []database.PredictionLog
	if err := query.Find(&logs).Error; err != nil {
		slog.Error("error querying prediction logs", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error querying prediction logs")
	}

	return computePredictionStats(logs), nil
}

func (s *BackendService) GetDatasetStats(r *http.Request) (any, error) {
	return s.datasetStats(r)
}

func (s *BackendService) datasetStats(r *http.Request) (api.DatasetStats, error) {
	keys, err := s.store.ListObjects(r.Context(), s.dataBucket, s.datasetPrefix)
	if err != nil {
		slog.Error("error listing dataset objects", "error", err)
		return api.DatasetStats{}, CodedErrorf(http.StatusInternalServerError, "error listing training data")
	}

	counts := dataset.StatsFromKeys(keys, s.datasetPrefix)
	stats := api.DatasetStats{Classes: counts}
	for _, n := range counts {
		stats.TotalImages += n
	}
	return stats, nil
}
