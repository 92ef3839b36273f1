package core_test

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"vision-backend/internal/core"
	"vision-backend/internal/database"
	"vision-backend/internal/messaging"
	"vision-backend/internal/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func createDB(t *testing.T, create ...any) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	// A second pool connection would see its own empty in-memory database.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, database.GetMigrator(db).Migrate())

	for _, c := range create {
		require.NoError(t, db.Create(c).Error)
	}

	return db
}

type stubTrainer struct {
	result core.TrainResult
	err    error

	gotDatasetDir string
	gotBaseDir    string
}

func (s *stubTrainer) Retrain(ctx context.Context, baseModelDir, datasetDir, outDir string, opts core.TrainOpts, progress func(pct int, msg string)) (core.TrainResult, error) {
	s.gotBaseDir = baseModelDir
	s.gotDatasetDir = datasetDir

	if s.err != nil {
		return core.TrainResult{}, s.err
	}

	progress(10, "Loading data...")
	progress(80, "Saving retrained model...")

	if err := os.WriteFile(filepath.Join(outDir, core.HeadFile), []byte("{}"), 0644); err != nil {
		return core.TrainResult{}, err
	}
	return s.result, nil
}

type processorEnv struct {
	db        *gorm.DB
	store     storage.ObjectStore
	queue     *messaging.InMemoryQueue
	processor *core.TaskProcessor
	trainer   *stubTrainer

	baseModelId uuid.UUID
	modelId     uuid.UUID
	jobId       uuid.UUID
}

func setupProcessor(t *testing.T, trainer *stubTrainer) *processorEnv {
	baseModelId, modelId, jobId := uuid.New(), uuid.New(), uuid.New()

	db := createDB(t,
		&database.Model{Id: baseModelId, Name: "base", Status: database.ModelTrained, NumClasses: 2, CreationTime: time.Now().Add(-time.Hour)},
		&database.Model{Id: modelId, BaseModelId: uuid.NullUUID{UUID: baseModelId, Valid: true}, Name: "base-retrain", Status: database.ModelQueued, CreationTime: time.Now()},
		&database.RetrainJob{Id: jobId, ModelId: modelId, Status: database.JobQueued, CreationTime: time.Now()},
	)

	root := t.TempDir()
	store, err := storage.NewLocalObjectStore(filepath.Join(root, "storage"))
	require.NoError(t, err)

	ctx := context.Background()
	for _, key := range []string{"train/cats/a.png", "train/cats/b.png", "train/dogs/c.png"} {
		require.NoError(t, store.PutObject(ctx, "data", key, bytes.NewReader([]byte("image bytes"))))
	}

	queue := messaging.NewInMemoryQueue()
	processor := core.NewTaskProcessor(
		db, store, queue, trainer,
		"models", "data", "train",
		filepath.Join(root, "models"), filepath.Join(root, "data"),
	)

	return &processorEnv{
		db: db, store: store, queue: queue, processor: processor, trainer: trainer,
		baseModelId: baseModelId, modelId: modelId, jobId: jobId,
	}
}

func (e *processorEnv) runTask(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, e.queue.PublishRetrainTask(ctx, messaging.RetrainTaskPayload{
		JobId:       e.jobId,
		ModelId:     e.modelId,
		BaseModelId: uuid.NullUUID{UUID: e.baseModelId, Valid: true},
	}))

	task := <-e.queue.Tasks()
	e.processor.ProcessTask(ctx, task)
}

func TestProcessRetrainTask(t *testing.T) {
	trainer := &stubTrainer{
		result: core.TrainResult{
			NumImages:   3,
			Classes:     core.NewClassIndices([]string{"cats", "dogs"}),
			ValAccuracy: 0.93,
		},
	}
	env := setupProcessor(t, trainer)

	env.runTask(t)

	var model database.Model
	require.NoError(t, env.db.First(&model, "id = ?", env.modelId).Error)
	assert.Equal(t, database.ModelTrained, model.Status)
	assert.Equal(t, 2, model.NumClasses)
	require.True(t, model.ValAccuracy.Valid)
	assert.InDelta(t, 0.93, model.ValAccuracy.Float64, 1e-6)
	assert.True(t, model.CompletionTime.Valid)

	var job database.RetrainJob
	require.NoError(t, env.db.First(&job, "id = ?", env.jobId).Error)
	assert.Equal(t, database.JobCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, "Retraining completed successfully!", job.Message)
	assert.True(t, job.CompletionTime.Valid)

	// The dataset was staged for the trainer from the object store.
	assert.Contains(t, env.trainer.gotDatasetDir, env.jobId.String())

	// The new model's artifacts were uploaded under its id.
	keys, err := env.store.ListObjects(context.Background(), "models", env.modelId.String())
	require.NoError(t, err)
	assert.NotEmpty(t, keys)
}

func TestProcessRetrainTaskFailure(t *testing.T) {
	trainer := &stubTrainer{err: fmt.Errorf("need at least 2 classes")}
	env := setupProcessor(t, trainer)

	env.runTask(t)

	var model database.Model
	require.NoError(t, env.db.First(&model, "id = ?", env.modelId).Error)
	assert.Equal(t, database.ModelFailed, model.Status)

	var job database.RetrainJob
	require.NoError(t, env.db.First(&job, "id = ?", env.jobId).Error)
	assert.Equal(t, database.JobFailed, job.Status)
	assert.Contains(t, job.Message, "need at least 2 classes")

	// The previously trained base model is untouched and stays deployable.
	var base database.Model
	require.NoError(t, env.db.First(&base, "id = ?", env.baseModelId).Error)
	assert.Equal(t, database.ModelTrained, base.Status)
}

func TestProcessRetrainTaskWithoutBaseModel(t *testing.T) {
	trainer := &stubTrainer{result: core.TrainResult{}}
	env := setupProcessor(t, trainer)

	ctx := context.Background()
	require.NoError(t, env.queue.PublishRetrainTask(ctx, messaging.RetrainTaskPayload{
		JobId:   env.jobId,
		ModelId: env.modelId,
	}))

	task := <-env.queue.Tasks()
	env.processor.ProcessTask(ctx, task)

	var job database.RetrainJob
	require.NoError(t, env.db.First(&job, "id = ?", env.jobId).Error)
	assert.Equal(t, database.JobFailed, job.Status)
	assert.Contains(t, job.Message, "no base model")
}

func TestProcessorStartStop(t *testing.T) {
	trainer := &stubTrainer{
		result: core.TrainResult{
			NumImages:   3,
			Classes:     core.NewClassIndices([]string{"cats", "dogs"}),
			ValAccuracy: 0.9,
		},
	}
	env := setupProcessor(t, trainer)

	ctx := context.Background()
	env.processor.Start(ctx)

	require.NoError(t, env.queue.PublishRetrainTask(ctx, messaging.RetrainTaskPayload{
		JobId:       env.jobId,
		ModelId:     env.modelId,
		BaseModelId: uuid.NullUUID{UUID: env.baseModelId, Valid: true},
	}))

	require.Eventually(t, func() bool {
		var job database.RetrainJob
		if err := env.db.First(&job, "id = ?", env.jobId).Error; err != nil {
			return false
		}
		return job.Status == database.JobCompleted
	}, 5*time.Second, 10*time.Millisecond)

	env.processor.Stop()
}
