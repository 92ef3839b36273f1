package api

import (
	"time"

	"github.com/google/uuid"
)

type Model struct {
	Id             uuid.UUID  `json:"id"`
	Name           string     `json:"name"`
	Status         string     `json:"status"`
	NumClasses     int        `json:"num_classes"`
	Classes        []string   `json:"classes,omitempty"`
	ValAccuracy    *float64   `json:"val_accuracy,omitempty"`
	CreationTime   time.Time  `json:"creation_time"`
	CompletionTime *time.Time `json:"completion_time,omitempty"`
}

type Prediction struct {
	PredictedClass string             `json:"predicted_class"`
	PredictedIndex int                `json:"predicted_index"`
	Confidence     float64            `json:"confidence"`
	Probabilities  map[string]float64 `json:"probabilities"`
	Filename       string             `json:"filename,omitempty"`
	ModelId        uuid.UUID          `json:"model_id"`
	Timestamp      time.Time          `json:"timestamp"`
}

// ModelInfo is what the prediction form needs to render: which model is
// deployed and what it can recognize.
type ModelInfo struct {
	ModelId   uuid.UUID `json:"model_id"`
	Name      string    `json:"name"`
	Classes   []string  `json:"classes"`
	ImageSize int       `json:"image_size"`
}

type RetrainResponse struct {
	Message string    `json:"message"`
	JobId   uuid.UUID `json:"job_id"`
	ModelId uuid.UUID `json:"model_id"`
}

type RetrainStatus struct {
	IsRunning       bool       `json:"is_running"`
	Progress        int        `json:"progress"`
	Message         string     `json:"message"`
	LastRetrainTime *time.Time `json:"last_retrain_time"`
}

type SystemMetrics struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
	Uptime        string  `json:"uptime"`
}

type UploadResponse struct {
	ClassLabel string   `json:"class_label"`
	Uploaded   int      `json:"uploaded"`
	Skipped    []string `json:"skipped,omitempty"`
}

type UploadClasses struct {
	Classes []string `json:"classes"`
}

type DatasetStats struct {
	Classes     map[string]int `json:"classes"`
	TotalImages int            `json:"total_images"`
}

type PredictionStats struct {
	TotalPredictions  int            `json:"total_predictions"`
	ClassDistribution map[string]int `json:"class_distribution"`
	AverageConfidence float64        `json:"average_confidence"`
	MinConfidence     float64        `json:"min_confidence"`
	MaxConfidence     float64        `json:"max_confidence"`
}

// PredictionStatsQuery holds the optional query params accepted by the
// prediction statistics endpoint.
type PredictionStatsQuery struct {
	Limit int    `schema:"limit"`
	Class string `schema:"class"`
}

type Dashboard struct {
	Model   *ModelInfo    `json:"model"`
	Metrics SystemMetrics `json:"metrics"`
	Dataset DatasetStats  `json:"dataset"`
}
