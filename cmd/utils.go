package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"time"

	"vision-backend/internal/core"
	"vision-backend/internal/database"
	"vision-backend/internal/storage"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gorm.io/gorm"
)

func LoadEnvFile() {
	var configPath string

	flag.StringVar(&configPath, "env", "", "path to load env from")
	flag.Parse()

	if configPath == "" {
		log.Printf("no env file specified, using os.Environ only")
		return
	}

	log.Printf("loading env from file %s", configPath)
	err := godotenv.Load(configPath)
	if err != nil {
		log.Fatalf("error loading .env file '%s': %v", configPath, err)
	}
}

// InitializeBaseModel registers the pretrained base model shipped with the
// deployment and uploads its artifacts to the model bucket. Idempotent:
// reruns reuse the existing record and skip the upload if artifacts are
// already present.
func InitializeBaseModel(ctx context.Context, db *gorm.DB, store storage.ObjectStore, bucket, name, modelDir string) error {
	indices, err := core.LoadClassIndices(core.ClassIndicesPath(modelDir))
	if err != nil {
		return fmt.Errorf("error reading base model class indices: %w", err)
	}

	var model database.Model
	err = db.Where("name = ?", name).First(&model).Error

	isNew := errors.Is(err, gorm.ErrRecordNotFound)
	if err != nil && !isNew {
		return fmt.Errorf("error querying base model: %w", err)
	}

	if isNew {
		model = database.Model{
			Id:           uuid.New(),
			Name:         name,
			Status:       database.ModelTrained,
			NumClasses:   len(indices),
			CreationTime: time.Now().UTC(),
		}
		if err := db.Create(&model).Error; err != nil {
			return fmt.Errorf("failed to create base model record: %w", err)
		}
	}

	objs, err := store.ListObjects(ctx, bucket, model.Id.String())
	if err != nil {
		slog.Error("failed to list uploaded base model artifacts", "model_id", model.Id, "error", err)
	} else if len(objs) > 0 {
		slog.Info("base model already uploaded, skipping upload", "model_id", model.Id)
		return nil
	}

	if err := store.UploadDir(ctx, bucket, model.Id.String(), modelDir); err != nil {
		database.UpdateModelStatus(ctx, db, model.Id, database.ModelFailed) //nolint:errcheck
		return fmt.Errorf("error uploading base model artifacts: %w", err)
	}

	slog.Info("initialized base model", "model_id", model.Id, "name", name, "num_classes", len(indices))
	return nil
}
