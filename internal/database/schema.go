package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	ModelQueued   string = "QUEUED"
	ModelTraining string = "TRAINING"
	ModelTrained  string = "TRAINED"
	ModelFailed   string = "FAILED"
)

type Model struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	BaseModelId uuid.NullUUID `gorm:"type:uuid"`
	BaseModel   *Model        `gorm:"foreignKey:BaseModelId"`

	Name           string `gorm:"not null"`
	Status         string `gorm:"size:20;not null"`
	NumClasses     int    `gorm:"default:0"`
	ValAccuracy    sql.NullFloat64
	CreationTime   time.Time
	CompletionTime sql.NullTime
}

const (
	JobQueued    string = "QUEUED"
	JobRunning   string = "RUNNING"
	JobCompleted string = "COMPLETED"
	JobFailed    string = "FAILED"
)

type RetrainJob struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	ModelId uuid.UUID `gorm:"type:uuid"`
	Model   *Model    `gorm:"foreignKey:ModelId"`

	Status         string `gorm:"size:20;not null"`
	Progress       int    `gorm:"default:0"`
	Message        string
	CreationTime   time.Time
	CompletionTime sql.NullTime
}

type PredictionLog struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	ModelId uuid.UUID `gorm:"type:uuid"`

	Filename       string
	PredictedClass string `gorm:"index"`
	Confidence     float64
	Probabilities  datatypes.JSON // {"class": probability, ...}
	CreationTime   time.Time
}
