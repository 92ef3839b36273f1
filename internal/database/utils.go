package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func UpdateModelStatus(ctx context.Context, txn *gorm.DB, modelId uuid.UUID, status string) error {
	updates := map[string]any{"status": status}
	if status == ModelTrained || status == ModelFailed {
		updates["completion_time"] = time.Now().UTC()
	}

	if err := txn.WithContext(ctx).Model(&Model{Id: modelId}).Updates(updates).Error; err != nil {
		slog.Error("error updating model status", "model_id", modelId, "status", status, "error", err)
		return err
	}
	return nil
}

func UpdateRetrainJobStatus(ctx context.Context, txn *gorm.DB, jobId uuid.UUID, status string) error {
	updates := map[string]any{"status": status}
	if status == JobCompleted || status == JobFailed {
		updates["completion_time"] = time.Now().UTC()
	}

	if err := txn.WithContext(ctx).Model(&RetrainJob{Id: jobId}).Updates(updates).Error; err != nil {
		slog.Error("error updating retrain job status", "job_id", jobId, "status", status, "error", err)
		return err
	}
	return nil
}

// UpdateRetrainProgress reports retraining progress to pollers of the status
// endpoint. Progress is clamped to 0-100.
func UpdateRetrainProgress(ctx context.Context, txn *gorm.DB, jobId uuid.UUID, progress int, message string) error {
	if progress < 0 {
		progress = 0
	} else if progress > 100 {
		progress = 100
	}

	updates := map[string]any{"progress": progress, "message": message}
	if err := txn.WithContext(ctx).Model(&RetrainJob{Id: jobId}).Updates(updates).Error; err != nil {
		slog.Error("error updating retrain job progress", "job_id", jobId, "progress", progress, "error", err)
		return err
	}
	return nil
}

// GetActiveRetrainJob returns the queued or running retrain job, if any. At
// most one job may be active at a time.
func GetActiveRetrainJob(ctx context.Context, db *gorm.DB) (*RetrainJob, error) {
	var job RetrainJob
	err := db.WithContext(ctx).
		Where("status IN ?", []string{JobQueued, JobRunning}).
		Order("creation_time DESC").
		First(&job).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("could not query active retrain job: %w", err)
	}
	return &job, nil
}

// LatestTrainedModel returns the most recently completed TRAINED model, i.e.
// the model the serving side should have deployed.
func LatestTrainedModel(ctx context.Context, db *gorm.DB) (Model, error) {
	var model Model
	err := db.WithContext(ctx).
		Where("status = ?", ModelTrained).
		Order("creation_time DESC").
		First(&model).Error
	if err != nil {
		return Model{}, err
	}
	return model, nil
}

func SavePredictionLog(ctx context.Context, db *gorm.DB, modelId uuid.UUID, filename, predictedClass string, confidence float64, probabilities map[string]float64) error {
	probs, err := json.Marshal(probabilities)
	if err != nil {
		return fmt.Errorf("could not marshal probabilities: %w", err)
	}

	entry := PredictionLog{
		Id:             uuid.New(),
		ModelId:        modelId,
		Filename:       filename,
		PredictedClass: predictedClass,
		Confidence:     confidence,
		Probabilities:  probs,
		CreationTime:   time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("failed to save prediction log: %w", err)
	}
	return nil
}
