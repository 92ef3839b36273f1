package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"vision-backend/cmd"
	"vision-backend/internal/api"
	"vision-backend/internal/core"
	"vision-backend/internal/database"
	"vision-backend/internal/messaging"
	"vision-backend/internal/monitoring"
	"vision-backend/internal/storage"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	ort "github.com/yalue/onnxruntime_go"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type Config struct {
	Root             string `env:"ROOT" envDefault:"./vision-backend"`
	Port             int    `env:"PORT" envDefault:"5000"`
	BaseModelDir     string `env:"BASE_MODEL_DIR,required"`
	OnnxRuntimeDylib string `env:"ONNX_RUNTIME_DYLIB,required"`

	MaxUploadMB     int64   `env:"MAX_UPLOAD_MB" envDefault:"16"`
	RetrainEpochs   int     `env:"RETRAIN_EPOCHS" envDefault:"10"`
	ValidationSplit float64 `env:"VALIDATION_SPLIT" envDefault:"0.2"`
}

const (
	modelBucket   = "models"
	dataBucket    = "data"
	datasetPrefix = "train"
	baseModelName = "mobilenetv2-base"
)

func createDatabase(root string) *gorm.DB {
	path := filepath.Join(root, "db", "vision-backend.db")
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if err := database.GetMigrator(db).Migrate(); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	return db
}

// createQueue republishes retrain jobs that were queued when the process
// last exited, so a restart does not strand them.
func createQueue(db *gorm.DB) *messaging.InMemoryQueue {
	queue := messaging.NewInMemoryQueue()

	var jobs []database.RetrainJob
	if err := db.Where("status = ?", database.JobQueued).Find(&jobs).Error; err != nil {
		log.Fatalf("Failed to fetch queued retrain jobs: %v", err)
	}

	for _, job := range jobs {
		var model database.Model
		if err := db.First(&model, "id = ?", job.ModelId).Error; err != nil {
			log.Fatalf("Failed to fetch model for queued retrain job %s: %v", job.Id, err)
		}
		if err := queue.PublishRetrainTask(context.Background(), messaging.RetrainTaskPayload{
			JobId:       job.Id,
			ModelId:     job.ModelId,
			BaseModelId: model.BaseModelId,
		}); err != nil {
			log.Fatalf("Failed to republish retrain task: %v", err)
		}
	}

	return queue
}

func createServer(svc *api.BackendService, port int) *http.Server {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))

	svc.AddRoutes(r)

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}
}

func main() {
	cmd.LoadEnvFile()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	ort.SetSharedLibraryPath(cfg.OnnxRuntimeDylib)
	if err := ort.InitializeEnvironment(); err != nil {
		log.Fatalf("could not init ONNX Runtime: %v", err)
	}
	defer func() {
		if err := ort.DestroyEnvironment(); err != nil {
			log.Fatalf("error destroying onnx env: %v", err)
		}
	}()

	slog.Info("starting backend", "root", cfg.Root, "port", cfg.Port, "base_model_dir", cfg.BaseModelDir)

	db := createDatabase(cfg.Root)

	store, err := storage.NewLocalObjectStore(filepath.Join(cfg.Root, "storage"))
	if err != nil {
		log.Fatalf("Failed to create object store: %v", err)
	}

	if err := cmd.InitializeBaseModel(context.Background(), db, store, modelBucket, baseModelName, cfg.BaseModelDir); err != nil {
		log.Fatalf("Failed to initialize base model: %v", err)
	}

	queue := createQueue(db)

	localModelDir := filepath.Join(cfg.Root, "models")
	localDataDir := filepath.Join(cfg.Root, "data")

	trainer := &core.OnnxTrainer{}
	worker := core.NewTaskProcessor(db, store, queue, trainer, modelBucket, dataBucket, datasetPrefix, localModelDir, localDataDir)

	predictor := core.NewPredictor(db, store, modelBucket, localModelDir, core.LoadOnnxClassifier)
	if err := predictor.Refresh(context.Background()); err != nil {
		log.Fatalf("Failed to load deployed model: %v", err)
	}
	defer predictor.Close()

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	go predictor.Watch(watchCtx, 10*time.Second)

	svc := api.NewBackendService(db, queue, store, predictor, monitoring.NewCollector(), api.BackendServiceOpts{
		DataBucket:             dataBucket,
		DatasetPrefix:          datasetPrefix,
		MaxUploadBytes:         cfg.MaxUploadMB << 20,
		RetrainEpochs:          cfg.RetrainEpochs,
		RetrainValidationSplit: cfg.ValidationSplit,
	})
	server := createServer(svc, cfg.Port)

	slog.Info("starting worker")
	worker.Start(context.Background())

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		slog.Info("shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}

		slog.Info("shutting down worker")
		worker.Stop()
	}()

	slog.Info("server started", "port", cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %d: %v\n", cfg.Port, err)
	}

	slog.Info("server stopped")
}
