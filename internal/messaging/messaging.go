package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	RetrainQueue    = "retrain_queue"
	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

type Task interface {
	Type() string

	Payload() []byte

	Ack() error

	Nack() error

	Reject() error
}

// RetrainTaskPayload identifies the retrain job and the model row the worker
// should fill in. The dataset location comes from the worker's own config.
type RetrainTaskPayload struct {
	JobId       uuid.UUID
	ModelId     uuid.UUID
	BaseModelId uuid.NullUUID

	Epochs          int
	ValidationSplit float64
}

type Publisher interface {
	PublishRetrainTask(ctx context.Context, payload RetrainTaskPayload) error

	Close()
}

type Receiver interface {
	Tasks() <-chan Task

	Close()
}
