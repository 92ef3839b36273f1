package client_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"vision-backend/pkg/api"
	"vision-backend/pkg/client"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPredict(t *testing.T) {
	modelId := uuid.New()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/predict", r.URL.Path)

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "rex.png", header.Filename)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(api.Prediction{ //nolint:errcheck
			PredictedClass: "dogs",
			PredictedIndex: 1,
			Confidence:     0.9,
			Probabilities:  map[string]float64{"cats": 0.1, "dogs": 0.9},
			Filename:       "rex.png",
			ModelId:        modelId,
		})
	}))
	defer server.Close()

	c := client.New(server.URL)
	prediction, err := c.Predict(context.Background(), "rex.png", bytes.NewReader([]byte("image bytes")))
	require.NoError(t, err)
	assert.Equal(t, "dogs", prediction.PredictedClass)
	assert.Equal(t, modelId, prediction.ModelId)
	assert.InDelta(t, 0.9, prediction.Confidence, 1e-6)
}

func TestUploadImage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/upload_data", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1 << 20))
		assert.Equal(t, "cats", r.FormValue("class_label"))
		require.Len(t, r.MultipartForm.File["files"], 1)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(api.UploadResponse{ClassLabel: "cats", Uploaded: 1}) //nolint:errcheck
	}))
	defer server.Close()

	c := client.New(server.URL)
	response, err := c.UploadImage(context.Background(), "cats", "whiskers.png", bytes.NewReader([]byte("image bytes")))
	require.NoError(t, err)
	assert.Equal(t, 1, response.Uploaded)
}

func TestRetrainAndStatus(t *testing.T) {
	jobId, modelId := uuid.New(), uuid.New()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/retrain":
			require.Equal(t, http.MethodPost, r.Method)
			json.NewEncoder(w).Encode(api.RetrainResponse{Message: "Retraining started", JobId: jobId, ModelId: modelId}) //nolint:errcheck
		case "/api/retrain_status":
			json.NewEncoder(w).Encode(api.RetrainStatus{IsRunning: true, Progress: 30, Message: "Computing image embeddings..."}) //nolint:errcheck
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	c := client.New(server.URL)

	response, err := c.Retrain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, jobId, response.JobId)

	status, err := c.RetrainStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, status.IsRunning)
	assert.Equal(t, 30, status.Progress)
}

func TestRetrainConflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "a retraining job is already in progress", http.StatusConflict)
	}))
	defer server.Close()

	c := client.New(server.URL)
	_, err := c.Retrain(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
}

func TestPredictionStatsQueryParams(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/predictions/stats", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		assert.Equal(t, "cats", r.URL.Query().Get("class"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(api.PredictionStats{TotalPredictions: 5}) //nolint:errcheck
	}))
	defer server.Close()

	c := client.New(server.URL)
	stats, err := c.PredictionStats(context.Background(), api.PredictionStatsQuery{Limit: 5, Class: "cats"})
	require.NoError(t, err)
	assert.Equal(t, 5, stats.TotalPredictions)
}

func TestDatasetStats(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/dataset/stats", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(api.DatasetStats{Classes: map[string]int{"cats": 2}, TotalImages: 2}) //nolint:errcheck
	}))
	defer server.Close()

	c := client.New(server.URL)
	stats, err := c.DatasetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalImages)
}
