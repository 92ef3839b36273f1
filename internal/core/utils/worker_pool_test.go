package utils_test

import (
	"fmt"
	"strings"
	"testing"

	"vision-backend/internal/core/utils"

	"github.com/stretchr/testify/assert"
)

func TestRunInPool(t *testing.T) {
	worker := func(path string) (string, error) {
		if strings.HasSuffix(path, ".txt") {
			return "", fmt.Errorf("not an image")
		}
		return strings.ToUpper(path), nil
	}

	queue := make(chan string, 10)
	for i := 0; i < 10; i++ {
		if i%5 == 4 {
			queue <- fmt.Sprintf("file%d.txt", i)
		} else {
			queue <- fmt.Sprintf("file%d.png", i)
		}
	}
	close(queue)

	output := make(chan utils.CompletedTask[string], 10)

	utils.RunInPool(worker, queue, output, 4)

	success, errors := 0, 0
	for result := range output {
		if result.Error != nil {
			errors++
		} else {
			assert.True(t, strings.HasPrefix(result.Result, "FILE"))
			success++
		}
	}

	assert.Equal(t, 8, success)
	assert.Equal(t, 2, errors)
}

func TestRunInPoolStartedBeforeEnqueue(t *testing.T) {
	worker := func(n int) (int, error) { return n * 2, nil }

	queue := make(chan int, 3)
	output := make(chan utils.CompletedTask[int], 3)

	// Workers must wait on the queue rather than sizing themselves off its
	// current length, or items enqueued after the pool starts are lost.
	utils.RunInPool(worker, queue, output, 4)

	for i := 1; i <= 3; i++ {
		queue <- i
	}
	close(queue)

	results := 0
	for result := range output {
		assert.NoError(t, result.Error)
		results++
	}
	assert.Equal(t, 3, results)
}
