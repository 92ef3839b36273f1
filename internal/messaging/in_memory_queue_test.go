package messaging_test

import (
	"context"
	"encoding/json"
	"testing"

	"vision-backend/internal/messaging"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryQueue(t *testing.T) {
	queue := messaging.NewInMemoryQueue()

	payload := messaging.RetrainTaskPayload{
		JobId:           uuid.New(),
		ModelId:         uuid.New(),
		BaseModelId:     uuid.NullUUID{UUID: uuid.New(), Valid: true},
		Epochs:          10,
		ValidationSplit: 0.2,
	}
	require.NoError(t, queue.PublishRetrainTask(context.Background(), payload))

	task := <-queue.Tasks()
	assert.Equal(t, messaging.RetrainQueue, task.Type())

	var got messaging.RetrainTaskPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &got))
	assert.Equal(t, payload, got)

	assert.NoError(t, task.Ack())
}

func TestInMemoryQueueClose(t *testing.T) {
	queue := messaging.NewInMemoryQueue()
	tasks := queue.Tasks()
	queue.Close()

	_, open := <-tasks
	assert.False(t, open)
}
