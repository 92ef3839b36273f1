package migration_0

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// The structs here are snapshots of the schema at the time this migration was
// written, so that later schema changes do not alter the behavior of this
// migration.

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
	Probabilities  datatypes.JSON
	CreationTime   time.Time
}

func Migration(txn *gorm.DB) error {
	return txn.AutoMigrate(&Model{}, &RetrainJob{}, &PredictionLog{})
}
