package api

import (
	"time"

	"vision-backend/internal/core"
	"vision-backend/internal/database"
	"vision-backend/internal/monitoring"
	"vision-backend/pkg/api"

	"github.com/google/uuid"
)

func convertModel(model database.Model, classes []string) api.Model {
	result := api.Model{
		Id:           model.Id,
		Name:         model.Name,
		Status:       model.Status,
		NumClasses:   model.NumClasses,
		Classes:      classes,
		CreationTime: model.CreationTime,
	}
	if model.ValAccuracy.Valid {
		acc := model.ValAccuracy.Float64
		result.ValAccuracy = &acc
	}
	if model.CompletionTime.Valid {
		t := model.CompletionTime.Time
		result.CompletionTime = &t
	}
	return result
}

func convertDeployedInfo(info core.DeployedInfo) api.ModelInfo {
	return api.ModelInfo{
		ModelId:   info.ModelId,
		Name:      info.Name,
		Classes:   info.Classes,
		ImageSize: info.InputSize,
	}
}

func convertPrediction(prediction core.Prediction, modelId uuid.UUID, filename string) api.Prediction {
	probabilities := make(map[string]float64, len(prediction.Probabilities))
	for class, prob := range prediction.Probabilities {
		probabilities[class] = float64(prob)
	}
	return api.Prediction{
		PredictedClass: prediction.Class,
		PredictedIndex: prediction.Index,
		Confidence:     float64(prediction.Confidence),
		Probabilities:  probabilities,
		Filename:       filename,
		ModelId:        modelId,
		Timestamp:      time.Now().UTC(),
	}
}

func convertMetrics(metrics monitoring.Metrics) api.SystemMetrics {
	return api.SystemMetrics{
		CPUPercent:    metrics.CPUPercent,
		MemoryPercent: metrics.MemoryPercent,
		DiskPercent:   metrics.DiskPercent,
		Uptime:        metrics.Uptime,
	}
}

func computePredictionStats(logs []database.PredictionLog) api.PredictionStats {
	stats := api.PredictionStats{
		TotalPredictions:  len(logs),
		ClassDistribution: make(map[string]int),
	}
	if len(logs) == 0 {
		return stats
	}

	var sum float64
	stats.MinConfidence = logs[0].Confidence
	stats.MaxConfidence = logs[0].Confidence
	for _, entry := range logs {
		stats.ClassDistribution[entry.PredictedClass]++
		sum += entry.Confidence
		if entry.Confidence < stats.MinConfidence {
			stats.MinConfidence = entry.Confidence
		}
		if entry.Confidence > stats.MaxConfidence {
			stats.MaxConfidence = entry.Confidence
		}
	}
	stats.AverageConfidence = sum / float64(len(logs))
	return stats
}
