package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"vision-backend/internal/database"
	"vision-backend/internal/messaging"
	"vision-backend/internal/storage"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TaskProcessor consumes retrain tasks from the queue and runs the training
// pipeline, recording job progress and model status in the database.
type TaskProcessor struct {
	db       *gorm.DB
	store    storage.ObjectStore
	receiver messaging.Receiver
	trainer  Trainer

	modelBucket   string
	dataBucket    string
	datasetPrefix string

	localModelDir string
	localDataDir  string

	stopped chan bool
	wg      sync.WaitGroup
}

func NewTaskProcessor(
	db *gorm.DB,
	store storage.ObjectStore,
	receiver messaging.Receiver,
	trainer Trainer,
	modelBucket, dataBucket, datasetPrefix string,
	localModelDir, localDataDir string,
) *TaskProcessor {
	return &TaskProcessor{
		db:            db,
		store:         store,
		receiver:      receiver,
		trainer:       trainer,
		modelBucket:   modelBucket,
		dataBucket:    dataBucket,
		datasetPrefix: datasetPrefix,
		localModelDir: localModelDir,
		localDataDir:  localDataDir,
		stopped:       make(chan bool),
	}
}

func (p *TaskProcessor) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopped:
				return
			case task, ok := <-p.receiver.Tasks():
				if !ok {
					return
				}
				p.ProcessTask(ctx, task)
			}
		}
	}()
}

func (p *TaskProcessor) Stop() {
	close(p.stopped)
	p.wg.Wait()
}

func (p *TaskProcessor) ProcessTask(ctx context.Context, task messaging.Task) {
	var err error
	switch task.Type() {
	case messaging.RetrainQueue:
		var payload messaging.RetrainTaskPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error parsing retrain task payload", "error", err)
			if err := task.Reject(); err != nil {
				slog.Error("error rejecting task", "error", err)
			}
			return
		}
		err = p.processRetrainTask(ctx, payload)
	default:
		slog.Error("unknown task type", "type", task.Type())
		if err := task.Reject(); err != nil {
			slog.Error("error rejecting task", "error", err)
		}
		return
	}

	if err != nil {
		slog.Error("task processing failed", "type", task.Type(), "error", err)
		if err := task.Nack(); err != nil {
			slog.Error("error nacking task", "error", err)
		}
		return
	}

	if err := task.Ack(); err != nil {
		slog.Error("error acking task", "error", err)
	}
}

func (p *TaskProcessor) processRetrainTask(ctx context.Context, payload messaging.RetrainTaskPayload) error {
	slog.Info("processing retrain task", "job_id", payload.JobId, "model_id", payload.ModelId)

	if err := database.UpdateRetrainJobStatus(ctx, p.db, payload.JobId, database.JobRunning); err != nil {
		return err
	}
	if err := database.UpdateRetrainProgress(ctx, p.db, payload.JobId, 0, "Initializing retraining..."); err != nil {
		return err
	}
	if err := database.UpdateModelStatus(ctx, p.db, payload.ModelId, database.ModelTraining); err != nil {
		return err
	}

	result, err := p.runRetrain(ctx, payload)
	if err != nil {
		p.recordFailure(payload, err)
		return err
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":          database.ModelTrained,
		"num_classes":     len(result.Classes),
		"val_accuracy":    sql.NullFloat64{Float64: result.ValAccuracy, Valid: true},
		"completion_time": sql.NullTime{Time: now, Valid: true},
	}
	if err := p.db.WithContext(ctx).Model(&database.Model{Id: payload.ModelId}).Updates(updates).Error; err != nil {
		return fmt.Errorf("error marking model trained: %w", err)
	}

	if err := database.UpdateRetrainJobStatus(ctx, p.db, payload.JobId, database.JobCompleted); err != nil {
		return err
	}
	if err := database.UpdateRetrainProgress(ctx, p.db, payload.JobId, 100, "Retraining completed successfully!"); err != nil {
		return err
	}

	slog.Info("retrain task complete", "job_id", payload.JobId, "model_id", payload.ModelId,
		"num_images", result.NumImages, "val_accuracy", result.ValAccuracy)
	return nil
}

func (p *TaskProcessor) runRetrain(ctx context.Context, payload messaging.RetrainTaskPayload) (TrainResult, error) {
	if !payload.BaseModelId.Valid {
		return TrainResult{}, fmt.Errorf("retrain task %s has no base model", payload.JobId)
	}
	baseModelId := payload.BaseModelId.UUID

	baseModelDir, err := p.ensureModelDir(ctx, baseModelId)
	if err != nil {
		return TrainResult{}, err
	}

	datasetDir := filepath.Join(p.localDataDir, payload.JobId.String())
	if err := p.store.DownloadDir(ctx, p.dataBucket, p.datasetPrefix, datasetDir, true); err != nil {
		return TrainResult{}, fmt.Errorf("error downloading dataset: %w", err)
	}
	defer os.RemoveAll(datasetDir)

	outDir := filepath.Join(p.localModelDir, payload.ModelId.String())
	if err := os.MkdirAll(outDir, 0777); err != nil {
		return TrainResult{}, fmt.Errorf("error creating model output dir: %w", err)
	}

	opts := TrainOpts{Epochs: payload.Epochs, ValidationSplit: payload.ValidationSplit}
	progress := func(pct int, msg string) {
		if err := database.UpdateRetrainProgress(ctx, p.db, payload.JobId, pct, msg); err != nil {
			slog.Error("error updating retrain progress", "job_id", payload.JobId, "error", err)
		}
	}

	result, err := p.trainer.Retrain(ctx, baseModelDir, datasetDir, outDir, opts, progress)
	if err != nil {
		return TrainResult{}, err
	}

	progress(90, "Uploading retrained model...")
	if err := p.store.UploadDir(ctx, p.modelBucket, payload.ModelId.String(), outDir); err != nil {
		return TrainResult{}, fmt.Errorf("error uploading model artifacts: %w", err)
	}

	return result, nil
}

// ensureModelDir makes the base model's artifacts available locally,
// downloading them if this worker has not seen the model before.
func (p *TaskProcessor) ensureModelDir(ctx context.Context, modelId uuid.UUID) (string, error) {
	modelDir := filepath.Join(p.localModelDir, modelId.String())
	if _, err := os.Stat(MetadataPath(modelDir)); err == nil {
		return modelDir, nil
	}
	if err := p.store.DownloadDir(ctx, p.modelBucket, modelId.String(), modelDir, true); err != nil {
		return "", fmt.Errorf("error downloading base model: %w", err)
	}
	return modelDir, nil
}

// recordFailure marks the model and job failed. The previously trained
// model stays deployed; a failed retrain never takes down serving.
func (p *TaskProcessor) recordFailure(payload messaging.RetrainTaskPayload, trainErr error) {
	ctx := context.Background()

	if err := database.UpdateModelStatus(ctx, p.db, payload.ModelId, database.ModelFailed); err != nil {
		slog.Error("error marking model failed", "model_id", payload.ModelId, "error", err)
	}
	if err := database.UpdateRetrainJobStatus(ctx, p.db, payload.JobId, database.JobFailed); err != nil {
		slog.Error("error marking retrain job failed", "job_id", payload.JobId, "error", err)
	}

	job := p.db.Model(&database.RetrainJob{Id: payload.JobId}).
		Update("message", fmt.Sprintf("Retraining failed: %v", trainErr))
	if job.Error != nil {
		slog.Error("error recording retrain failure message", "job_id", payload.JobId, "error", job.Error)
	}
}
