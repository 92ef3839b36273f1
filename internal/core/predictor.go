package core

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"vision-backend/internal/database"
	"vision-backend/internal/storage"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Predictor serves the most recently trained model and hot-swaps to newer
// ones as retraining completes. In-flight predictions hold the read lock,
// so a swap never frees a classifier out from under them.
type Predictor struct {
	db            *gorm.DB
	store         storage.ObjectStore
	modelBucket   string
	localModelDir string
	loader        ModelLoader

	mu        sync.RWMutex
	current   Model
	currentId uuid.UUID
	modelName string
	loadTime  time.Time
}

var ErrNoModel = errors.New("no trained model available")

func NewPredictor(db *gorm.DB, store storage.ObjectStore, modelBucket, localModelDir string, loader ModelLoader) *Predictor {
	return &Predictor{
		db:            db,
		store:         store,
		modelBucket:   modelBucket,
		localModelDir: localModelDir,
		loader:        loader,
	}
}

// Refresh checks the registry for a newer trained model and swaps it in.
// Missing models are not an error at startup: predictions fail with
// ErrNoModel until the first model is trained.
func (p *Predictor) Refresh(ctx context.Context) error {
	model, err := database.LatestTrainedModel(ctx, p.db)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("could not query for deployed model: %w", err)
	}

	p.mu.RLock()
	upToDate := model.Id == p.currentId
	p.mu.RUnlock()
	if upToDate {
		return nil
	}

	modelDir := filepath.Join(p.localModelDir, model.Id.String())
	if _, err := os.Stat(MetadataPath(modelDir)); err != nil {
		if err := p.store.DownloadDir(ctx, p.modelBucket, model.Id.String(), modelDir, true); err != nil {
			return fmt.Errorf("failed to download model artifacts: %w", err)
		}
	}

	loaded, err := p.loader(modelDir)
	if err != nil {
		return fmt.Errorf("failed to load model %s: %w", model.Id, err)
	}

	p.mu.Lock()
	old := p.current
	p.current = loaded
	p.currentId = model.Id
	p.modelName = model.Name
	p.loadTime = time.Now().UTC()
	p.mu.Unlock()

	if old != nil {
		old.Release()
	}

	slog.Info("deployed model", "model_id", model.Id, "name", model.Name)
	return nil
}

// Watch polls the registry until ctx is cancelled, so separately deployed
// API processes pick up models trained elsewhere.
func (p *Predictor) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Refresh(ctx); err != nil {
				slog.Error("error refreshing deployed model", "error", err)
			}
		}
	}
}

func (p *Predictor) Predict(img image.Image) (Prediction, uuid.UUID, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.current == nil {
		return Prediction{}, uuid.Nil, ErrNoModel
	}

	prediction, err := p.current.Predict(img)
	return prediction, p.currentId, err
}

// DeployedInfo describes the currently serving model.
type DeployedInfo struct {
	ModelId   uuid.UUID
	Name      string
	Classes   []string
	InputSize int
	LoadTime  time.Time
}

func (p *Predictor) Info() (DeployedInfo, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.current == nil {
		return DeployedInfo{}, false
	}
	return DeployedInfo{
		ModelId:   p.currentId,
		Name:      p.modelName,
		Classes:   p.current.Classes(),
		InputSize: p.current.InputSize(),
		LoadTime:  p.loadTime,
	}, true
}

func (p *Predictor) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current != nil {
		p.current.Release()
		p.current = nil
		p.currentId = uuid.Nil
	}
}
