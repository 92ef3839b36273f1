package main

import (
	"context"
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
)

type APIConfig struct {
	DatabaseURL       string `env:"DATABASE_URL,notEmpty,required"`
	RabbitMQURL       string `env:"RABBITMQ_URL,notEmpty,required"`
	S3EndpointURL     string `env:"S3_ENDPOINT_URL,notEmpty,required"`
	S3AccessKeyID     string `env:"AWS_ACCESS_KEY_ID,notEmpty,required"`
	S3SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY,notEmpty,required"`
	S3Region          string `env:"AWS_REGION,notEmpty,required"`
	ModelBucketName   string `env:"MODEL_BUCKET_NAME" envDefault:"models"`
	DataBucketName    string `env:"DATA_BUCKET_NAME" envDefault:"data"`
	DatasetPrefix     string `env:"DATASET_PREFIX" envDefault:"train"`
	APIPort           string `env:"API_PORT" envDefault:"5000"`
	LocalModelDir     string `env:"LOCAL_MODEL_DIR" envDefault:"./models"`
	BaseModelDir      string `env:"BASE_MODEL_DIR"`
	OnnxRuntimeDylib  string `env:"ONNX_RUNTIME_DYLIB,notEmpty,required"`

	MaxUploadMB     int64   `env:"MAX_UPLOAD_MB" envDefault:"16"`
	RetrainEpochs   int     `env:"RETRAIN_EPOCHS" envDefault:"10"`
	ValidationSplit float64 `env:"VALIDATION_SPLIT" envDefault:"0.2"`
	ModelPollPeriod int     `env:"MODEL_POLL_SECONDS" envDefault:"10"`
}

const baseModelName = "mobilenetv2-base"

func main() {
	log.Println("Starting API Server...")

	cmd.LoadEnvFile()

	var cfg APIConfig
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

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	store, err := storage.NewS3ObjectStore(storage.S3ClientConfig{
		Endpoint:        cfg.S3EndpointURL,
		Region:          cfg.S3Region,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
	})
	if err != nil {
		log.Fatalf("Failed to create S3 client: %v", err)
	}

	for _, bucket := range []string{cfg.ModelBucketName, cfg.DataBucketName} {
		if err := store.CreateBucket(context.Background(), bucket); err != nil {
			log.Fatalf("Failed to create bucket %s: %v", bucket, err)
		}
	}

	if cfg.BaseModelDir != "" {
		if err := cmd.InitializeBaseModel(context.Background(), db, store, cfg.ModelBucketName, baseModelName, cfg.BaseModelDir); err != nil {
			log.Fatalf("Failed to initialize base model: %v", err)
		}
	}

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer publisher.Close()

	predictor := core.NewPredictor(db, store, cfg.ModelBucketName, filepath.Clean(cfg.LocalModelDir), core.LoadOnnxClassifier)
	if err := predictor.Refresh(context.Background()); err != nil {
		log.Fatalf("Failed to load deployed model: %v", err)
	}
	defer predictor.Close()

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	go predictor.Watch(watchCtx, time.Duration(cfg.ModelPollPeriod)*time.Second)

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
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))

	apiHandler := api.NewBackendService(db, publisher, store, predictor, monitoring.NewCollector(), api.BackendServiceOpts{
		DataBucket:             cfg.DataBucketName,
		DatasetPrefix:          cfg.DatasetPrefix,
		MaxUploadBytes:         cfg.MaxUploadMB << 20,
		RetrainEpochs:          cfg.RetrainEpochs,
		RetrainValidationSplit: cfg.ValidationSplit,
	})
	apiHandler.AddRoutes(r)

	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: r,
	}

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
	}()

	log.Printf("API server listening on port %s", cfg.APIPort)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %s: %v\n", cfg.APIPort, err)
	}

	log.Println("Server stopped.")
}
