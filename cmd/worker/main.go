package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"vision-backend/cmd"
	"vision-backend/internal/core"
	"vision-backend/internal/database"
	"vision-backend/internal/messaging"
	"vision-backend/internal/storage"

	"github.com/caarlos0/env/v11"
	ort "github.com/yalue/onnxruntime_go"
)

type WorkerConfig struct {
	DatabaseURL       string `env:"DATABASE_URL,notEmpty,required"`
	RabbitMQURL       string `env:"RABBITMQ_URL,notEmpty,required"`
	S3EndpointURL     string `env:"S3_ENDPOINT_URL,notEmpty,required"`
	S3AccessKeyID     string `env:"AWS_ACCESS_KEY_ID,notEmpty,required"`
	S3SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY,notEmpty,required"`
	S3Region          string `env:"AWS_REGION,notEmpty,required"`
	ModelBucketName   string `env:"MODEL_BUCKET_NAME" envDefault:"models"`
	DataBucketName    string `env:"DATA_BUCKET_NAME" envDefault:"data"`
	DatasetPrefix     string `env:"DATASET_PREFIX" envDefault:"train"`
	LocalModelDir     string `env:"LOCAL_MODEL_DIR" envDefault:"./models"`
	LocalDataDir      string `env:"LOCAL_DATA_DIR" envDefault:"./data"`
	OnnxRuntimeDylib  string `env:"ONNX_RUNTIME_DYLIB,notEmpty,required"`
	PreprocessWorkers int    `env:"PREPROCESS_WORKERS" envDefault:"0"`
}

func main() {
	log.Println("Starting Worker Process...")

	cmd.LoadEnvFile()

	var cfg WorkerConfig
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
		log.Fatalf("Worker: Failed to create S3 client: %v", err)
	}

	receiver, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer receiver.Close()

	workers := cfg.PreprocessWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	trainer := &core.OnnxTrainer{PreprocessWorkers: workers}

	processor := core.NewTaskProcessor(
		db, store, receiver, trainer,
		cfg.ModelBucketName, cfg.DataBucketName, cfg.DatasetPrefix,
		cfg.LocalModelDir, cfg.LocalDataDir,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	processor.Start(ctx)

	log.Println("Worker started. Waiting for tasks. Press Ctrl+C to exit.")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutdown signal received, waiting for workers to finish...")
	processor.Stop()

	log.Println("Worker process stopped.")
}
