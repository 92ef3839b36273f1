// Package client provides a typed HTTP client for the vision backend API.
package client

import (
	"context"
	"fmt"
	"io"

	"vision-backend/pkg/api"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

type Client struct {
	client *resty.Client
}

func New(baseURL string) *Client {
	return &Client{client: resty.New().SetBaseURL(baseURL)}
}

// NewWithResty lets callers supply a preconfigured resty client, e.g. with
// retries or custom transport.
func NewWithResty(rc *resty.Client) *Client {
	return &Client{client: rc}
}

func (c *Client) Health(ctx context.Context) error {
	res, err := c.client.R().SetContext(ctx).Get("/health")
	if err != nil {
		return err
	}
	if !res.IsSuccess() {
		return apiError(res)
	}
	return nil
}

func (c *Client) Dashboard(ctx context.Context) (api.Dashboard, error) {
	return get[api.Dashboard](ctx, c, "/")
}

func (c *Client) DeployedModel(ctx context.Context) (api.ModelInfo, error) {
	return get[api.ModelInfo](ctx, c, "/predict")
}

// Predict uploads an image and returns the model's classification. filename
// is used for the multipart part and the server-side prediction log.
func (c *Client) Predict(ctx context.Context, filename string, image io.Reader) (api.Prediction, error) {
	var result api.Prediction
	res, err := c.client.R().
		SetContext(ctx).
		SetFileReader("file", filename, image).
		SetResult(&result).
		Post("/api/predict")
	if err != nil {
		return api.Prediction{}, err
	}
	if !res.IsSuccess() {
		return api.Prediction{}, apiError(res)
	}
	return result, nil
}

// UploadImage adds a single labeled training image to the dataset.
func (c *Client) UploadImage(ctx context.Context, classLabel, filename string, image io.Reader) (api.UploadResponse, error) {
	var result api.UploadResponse
	res, err := c.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{"class_label": classLabel}).
		SetFileReader("files", filename, image).
		SetResult(&result).
		Post("/upload_data")
	if err != nil {
		return api.UploadResponse{}, err
	}
	if !res.IsSuccess() {
		return api.UploadResponse{}, apiError(res)
	}
	return result, nil
}

func (c *Client) UploadClasses(ctx context.Context) (api.UploadClasses, error) {
	return get[api.UploadClasses](ctx, c, "/upload_data")
}

func (c *Client) Retrain(ctx context.Context) (api.RetrainResponse, error) {
	var result api.RetrainResponse
	res, err := c.client.R().
		SetContext(ctx).
		SetResult(&result).
		Post("/retrain")
	if err != nil {
		return api.RetrainResponse{}, err
	}
	if !res.IsSuccess() {
		return api.RetrainResponse{}, apiError(res)
	}
	return result, nil
}

func (c *Client) RetrainStatus(ctx context.Context) (api.RetrainStatus, error) {
	return get[api.RetrainStatus](ctx, c, "/api/retrain_status")
}

func (c *Client) Metrics(ctx context.Context) (api.SystemMetrics, error) {
	return get[api.SystemMetrics](ctx, c, "/api/metrics")
}

func (c *Client) ListModels(ctx context.Context) ([]api.Model, error) {
	return get[[]api.Model](ctx, c, "/api/models")
}

func (c *Client) GetModel(ctx context.Context, modelId uuid.UUID) (api.Model, error) {
	return get[api.Model](ctx, c, fmt.Sprintf("/api/models/%s", modelId))
}

func (c *Client) PredictionStats(ctx context.Context, query api.PredictionStatsQuery) (api.PredictionStats, error) {
	var result api.PredictionStats
	req := c.client.R().SetContext(ctx).SetResult(&result)
	if query.Limit > 0 {
		req.SetQueryParam("limit", fmt.Sprint(query.Limit))
	}
	if query.Class != "" {
		req.SetQueryParam("class", query.Class)
	}
	res, err := req.Get("/api/predictions/stats")
	if err != nil {
		return api.PredictionStats{}, err
	}
	if !res.IsSuccess() {
		return api.PredictionStats{}, apiError(res)
	}
	return result, nil
}

func (c *Client) DatasetStats(ctx context.Context) (api.DatasetStats, error) {
	return get[api.DatasetStats](ctx, c, "/api/dataset/stats")
}

func get[T any](ctx context.Context, c *Client, path string) (T, error) {
	var result T
	res, err := c.client.R().
		SetContext(ctx).
		SetResult(&result).
		Get(path)
	if err != nil {
		return result, err
	}
	if !res.IsSuccess() {
		return result, apiError(res)
	}
	return result, nil
}

func apiError(res *resty.Response) error {
	return fmt.Errorf("request to %s failed with status %d: %s", res.Request.URL, res.StatusCode(), res.String())
}
